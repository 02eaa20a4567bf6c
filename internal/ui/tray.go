package ui

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/systray"

	"github.com/qcut/export-agent/internal/handles"
	"github.com/qcut/export-agent/internal/jobs"
	"github.com/qcut/export-agent/internal/logging"
)

//go:embed icon.png
var iconBytes []byte

const refreshInterval = time.Second

// StatusSource is what the tray displays. jobs.Service satisfies it.
type StatusSource interface {
	Active() []jobs.Active
	CancelAll()
}

type Tray struct {
	jobs    StatusSource
	handles *handles.Manager
	logger  *slog.Logger

	statusItem  *systray.MenuItem
	handlesItem *systray.MenuItem
	cancelItem  *systray.MenuItem

	mu   sync.Mutex
	stop chan struct{}

	onQuit func()
}

type TrayConfig struct {
	Jobs    StatusSource
	Handles *handles.Manager
	Logger  *slog.Logger
	OnQuit  func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		jobs:    cfg.Jobs,
		handles: cfg.Handles,
		logger:  logging.WithComponent(logging.OrDiscard(cfg.Logger), "tray"),
		stop:    make(chan struct{}),
		onQuit:  cfg.OnQuit,
	}
}

// Run blocks on the platform event loop. It must be called from the main
// goroutine.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("QCut")
	systray.SetTooltip("QCut Export Agent")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current export status")
	t.statusItem.Disable()

	t.handlesItem = systray.AddMenuItem("Media handles: 0", "Open media handles")
	t.handlesItem.Disable()

	systray.AddSeparator()

	t.cancelItem = systray.AddMenuItem("Cancel export", "Cancel running exports")
	t.cancelItem.Disable()

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit QCut Export Agent")

	go t.refreshLoop()

	go func() {
		for {
			select {
			case <-t.cancelItem.ClickedCh:
				t.logger.Info("cancel requested from tray")
				t.cancelItem.Disable()
				go t.jobs.CancelAll()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	close(t.stop)
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		t.refresh()
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
	}
}

func (t *Tray) refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := t.jobs.Active()
	t.statusItem.SetTitle("Status: " + statusTitle(active, time.Now()))
	if len(active) > 0 {
		t.cancelItem.Enable()
	} else {
		t.cancelItem.Disable()
	}
	if t.handles != nil {
		t.handlesItem.SetTitle(handlesTitle(t.handles.Stats()))
	}
}

// statusTitle summarizes running exports for the menu.
func statusTitle(active []jobs.Active, now time.Time) string {
	switch len(active) {
	case 0:
		return "Idle"
	case 1:
		a := active[0]
		return fmt.Sprintf("Exporting %d%% (%s, started %s)", int(a.Percent), a.Mode, humanize.RelTime(a.Started, now, "ago", "from now"))
	default:
		sum := 0.0
		for _, a := range active {
			sum += a.Percent
		}
		return fmt.Sprintf("Exporting %d jobs, %d%% avg", len(active), int(sum/float64(len(active))))
	}
}

func handlesTitle(s handles.Stats) string {
	title := fmt.Sprintf("Media handles: %d", s.Handles)
	if s.Referenced > 0 {
		title += fmt.Sprintf(" (%d in use)", s.Referenced)
	}
	if s.ExportLock > 0 {
		title += ", locked"
	}
	return title
}

func (t *Tray) Quit() {
	systray.Quit()
}
