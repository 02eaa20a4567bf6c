package media

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/qcut/export-agent/internal/handles"
	"github.com/qcut/export-agent/internal/logging"
	"github.com/qcut/export-agent/internal/timeline"
)

// maxConcurrentProbes bounds ffprobe processes started by Enrich.
const maxConcurrentProbes = 4

// UnknownMediaError reports a media id with no registered source.
type UnknownMediaError struct {
	MediaID string
}

func (e *UnknownMediaError) Error() string {
	return fmt.Sprintf("unknown media id: %s", e.MediaID)
}

// Entry is one registered media item.
type Entry struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"` // "file" or "blob"
	Source handles.Source `json:"-"`
	Probe  *ProbeResult   `json:"probe,omitempty"`
}

// Library maps media ids to sources. Registering the same file under the
// same id keeps the existing entry, so its source identity and probe result
// survive repeated requests. Registering a different path or a blob replaces
// the source; handles already acquired for the old source are unaffected.
type Library struct {
	spillDir string
	prober   Prober
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewLibrary creates an empty library. prober may be nil, in which case
// Enrich only checks that every media id is registered.
func NewLibrary(spillDir string, prober Prober, logger *slog.Logger) *Library {
	return &Library{
		spillDir: spillDir,
		prober:   prober,
		logger:   logging.WithComponent(logging.OrDiscard(logger), "media"),
		entries:  make(map[string]*Entry),
	}
}

// RegisterFile registers an on-disk file under id. It returns the existing
// entry when id already maps to the same file.
func (l *Library) RegisterFile(id, path string) *Entry {
	l.mu.Lock()
	if e, ok := l.entries[id]; ok {
		if fs, isFile := e.Source.(*handles.FileSource); isFile && fs.String() == path {
			l.mu.Unlock()
			return e
		}
	}
	e := &Entry{ID: id, Kind: "file", Source: handles.NewFileSource(path)}
	l.entries[id] = e
	l.mu.Unlock()
	l.logger.Debug("media registered", "media_id", id, "kind", e.Kind)
	return e
}

// RegisterBlob registers in-memory media under id. ext selects the spill
// file extension.
func (l *Library) RegisterBlob(id, ext string, data []byte) *Entry {
	return l.register(&Entry{ID: id, Kind: "blob", Source: handles.NewBlobSource(l.spillDir, ext, data)})
}

func (l *Library) register(e *Entry) *Entry {
	l.mu.Lock()
	l.entries[e.ID] = e
	l.mu.Unlock()
	l.logger.Debug("media registered", "media_id", e.ID, "kind", e.Kind)
	return e
}

// Source returns the source registered for id.
func (l *Library) Source(id string) (handles.Source, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[id]
	if !ok {
		return nil, &UnknownMediaError{MediaID: id}
	}
	return e.Source, nil
}

// List returns the registered entries sorted by id.
func (l *Library) List() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Probe returns cached properties for id, running the prober on first use.
func (l *Library) Probe(ctx context.Context, id string) (*ProbeResult, error) {
	l.mu.RLock()
	e, ok := l.entries[id]
	var cached *ProbeResult
	if ok {
		cached = e.Probe
	}
	l.mu.RUnlock()

	if !ok {
		return nil, &UnknownMediaError{MediaID: id}
	}
	if cached != nil {
		return cached, nil
	}
	if l.prober == nil {
		return nil, fmt.Errorf("no prober configured")
	}

	path, err := e.Source.Path()
	if err != nil {
		return nil, fmt.Errorf("media %s: %w", id, err)
	}
	res, err := l.prober.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("media %s: %w", id, err)
	}

	l.mu.Lock()
	e.Probe = res
	l.mu.Unlock()
	return res, nil
}

// Enrich fills unset stream properties on video elements from probe
// results. Properties the editor already supplied are left alone. Probes run
// concurrently.
func (l *Library) Enrich(ctx context.Context, tl *timeline.Timeline) error {
	for _, id := range tl.MediaIDs() {
		if _, err := l.Source(id); err != nil {
			return err
		}
	}
	if l.prober == nil {
		return nil
	}

	var need []string
	seen := make(map[string]bool)
	for _, v := range tl.Video {
		if needsProbe(v) && !seen[v.MediaID] {
			seen[v.MediaID] = true
			need = append(need, v.MediaID)
		}
	}
	if len(need) == 0 {
		return nil
	}

	results := make([]*ProbeResult, len(need))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, id := range need {
		g.Go(func() error {
			res, err := l.Probe(gctx, id)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	byID := make(map[string]*ProbeResult, len(need))
	for i, id := range need {
		byID[id] = results[i]
	}
	for i := range tl.Video {
		if res, ok := byID[tl.Video[i].MediaID]; ok {
			apply(&tl.Video[i], res)
		}
	}
	return nil
}

func needsProbe(v timeline.VideoElement) bool {
	return v.Resolution.IsZero() || v.FPS == 0 || v.Codec == ""
}

func apply(v *timeline.VideoElement, res *ProbeResult) {
	if v.Resolution.IsZero() {
		v.Resolution = timeline.Resolution{Width: res.Width, Height: res.Height}
	}
	if v.FPS == 0 {
		v.FPS = res.FrameRate
	}
	if v.Codec == "" {
		v.Codec = res.Codec
		v.HasAudio = res.HasAudio()
	}
	if v.Profile == "" {
		v.Profile = res.Profile
	}
	if v.SourceDuration == 0 {
		v.SourceDuration = res.Duration
	}
}
