// Package handles owns the pool of reference-counted media handles shared by
// the editor and the export pipeline.
//
// A handle is created by the first Acquire for a source and reused by later
// Acquires of the same source. Release never destroys a handle; it only makes
// it eligible for the periodic sweep, which destroys handles that are old,
// unreferenced and not protected by an export lock.
package handles

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qcut/export-agent/internal/logging"
	"github.com/qcut/export-agent/internal/metrics"
)

const (
	DefaultMaxAge        = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Token identifies a handle. It is URL-safe and opaque to callers.
type Token string

// Options configures a Manager. Zero values select defaults.
type Options struct {
	MaxAge        time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	// Now is the clock used for handle ages. Tests inject a fake.
	Now func() time.Time
}

// Info is a point-in-time copy of one handle's bookkeeping.
type Info struct {
	Token     Token     `json:"token"`
	RefCount  int       `json:"ref_count"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// Stats summarizes the pool.
type Stats struct {
	Handles    int `json:"handles"`
	Referenced int `json:"referenced"`
	ExportLock int `json:"export_lock"`
}

type handle struct {
	token     Token
	source    Source
	refCount  int
	createdAt time.Time
	createdBy string
}

// Manager is the single owner of the handle pool. Construct one with
// NewManager, call Start to begin sweeping and Shutdown on exit.
type Manager struct {
	maxAge        time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu        sync.Mutex
	byToken   map[Token]*handle
	bySource  map[Source]*handle
	lockCount int
	closed    bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewManager creates an empty pool.
func NewManager(opts Options) *Manager {
	m := &Manager{
		maxAge:        opts.MaxAge,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		logger:        logging.WithComponent(logging.OrDiscard(opts.Logger), "handles"),
		byToken:       make(map[Token]*handle),
		bySource:      make(map[Source]*handle),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if m.maxAge <= 0 {
		m.maxAge = DefaultMaxAge
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = DefaultSweepInterval
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Acquire returns the token for src, creating a handle with one reference
// when src has none, or adding a reference to the existing one. Sources are
// matched by identity. tag names the caller for logs.
func (m *Manager) Acquire(src Source, tag string) Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.bySource[src]; ok {
		h.refCount++
		m.logger.Debug("handle acquired", "handle", h.token, "tag", tag, "ref_count", h.refCount)
		m.publishLocked()
		return h.token
	}

	h := &handle{
		token:     Token(uuid.NewString()),
		source:    src,
		refCount:  1,
		createdAt: m.now(),
		createdBy: tag,
	}
	m.byToken[h.token] = h
	m.bySource[src] = h
	m.logger.Debug("handle created", "handle", h.token, "tag", tag)
	m.publishLocked()
	return h.token
}

// Release drops one reference. A handle at zero references stays in the
// pool until the sweep reclaims it. Unknown tokens and releases past zero
// are logged and otherwise ignored.
func (m *Manager) Release(token Token, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.byToken[token]
	if !ok {
		m.logger.Warn("release of unknown handle", "tag", tag, "error", &HandleNotFoundError{Token: token})
		return
	}
	if h.refCount == 0 {
		m.logger.Warn("release of unreferenced handle", "handle", token, "tag", tag)
		return
	}
	h.refCount--
	m.logger.Debug("handle released", "handle", token, "tag", tag, "ref_count", h.refCount)
	m.publishLocked()
}

// Path resolves a token to a transcoder-readable location.
func (m *Manager) Path(token Token) (string, error) {
	m.mu.Lock()
	h, ok := m.byToken[token]
	m.mu.Unlock()
	if !ok {
		return "", &HandleNotFoundError{Token: token}
	}
	return h.source.Path()
}

// Lookup returns the bookkeeping for token.
func (m *Manager) Lookup(token Token) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.byToken[token]
	if !ok {
		return Info{}, false
	}
	return h.info(), true
}

// LockForExport increments the export lock. While the lock is held the sweep
// revokes nothing. Prefer ExportLock, which pairs the unlock for you.
func (m *Manager) LockForExport() {
	m.mu.Lock()
	m.lockCount++
	m.logger.Debug("export lock acquired", "lock_count", m.lockCount)
	m.publishLocked()
	m.mu.Unlock()
}

// UnlockFromExport decrements the export lock. Unlocking at zero is logged
// and ignored.
func (m *Manager) UnlockFromExport() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lockCount == 0 {
		m.logger.Warn("export unlock without matching lock")
		return
	}
	m.lockCount--
	m.logger.Debug("export lock released", "lock_count", m.lockCount)
	m.publishLocked()
}

// ExportLock acquires the export lock and returns its release. The release
// is safe to call more than once; only the first call unlocks.
//
//	unlock := mgr.ExportLock()
//	defer unlock()
func (m *Manager) ExportLock() (unlock func()) {
	m.LockForExport()
	var once sync.Once
	return func() {
		once.Do(m.UnlockFromExport)
	}
}

// LockCount returns the current export lock value.
func (m *Manager) LockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockCount
}

// ForceRevoke destroys a handle regardless of its references. It is meant
// for teardown paths and reports whether the token was known.
func (m *Manager) ForceRevoke(token Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.byToken[token]
	if !ok {
		m.logger.Warn("force revoke of unknown handle", "error", &HandleNotFoundError{Token: token})
		return false
	}
	if h.refCount > 0 {
		logging.WithHandle(m.logger, string(token)).Warn("force revoking referenced handle", "ref_count", h.refCount)
	}
	m.revokeLocked(h, metrics.ReasonForce)
	m.publishLocked()
	return true
}

// Sweep destroys every handle older than the max age with no references,
// unless an export lock is held. It returns the number revoked. The
// eligibility check and the removals happen under one lock acquisition.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lockCount > 0 {
		m.logger.Debug("sweep skipped, export in progress", "lock_count", m.lockCount)
		return 0
	}

	now := m.now()
	revoked := 0
	for _, h := range m.byToken {
		if h.refCount > 0 || now.Sub(h.createdAt) <= m.maxAge {
			continue
		}
		m.revokeLocked(h, metrics.ReasonSweep)
		revoked++
	}
	if revoked > 0 {
		m.logger.Info("sweep revoked handles", "count", revoked, "remaining", len(m.byToken))
		m.publishLocked()
	}
	return revoked
}

// Stats returns pool counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

// List returns a snapshot of every handle.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.byToken))
	for _, h := range m.byToken {
		out = append(out, h.info())
	}
	return out
}

// Start runs the sweep every SweepInterval until ctx is cancelled or
// Shutdown is called. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	m.logger.Info("handle sweep started", "interval", m.sweepInterval.String(), "max_age", m.maxAge.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Shutdown stops the sweep and destroys every handle. Referenced handles
// are logged as they are revoked.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	started := m.started
	m.closed = true
	m.mu.Unlock()
	if started {
		<-m.done
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.byToken {
		if h.refCount > 0 {
			m.logger.Warn("revoking referenced handle at shutdown", "handle", h.token, "ref_count", h.refCount)
		}
		m.revokeLocked(h, metrics.ReasonShutdown)
	}
	if m.lockCount > 0 {
		m.logger.Warn("shutdown with export lock held", "lock_count", m.lockCount)
	}
	m.publishLocked()
}

// revokeLocked removes h from both indexes and closes its source.
func (m *Manager) revokeLocked(h *handle, reason string) {
	delete(m.byToken, h.token)
	delete(m.bySource, h.source)
	logger := logging.WithHandle(m.logger, string(h.token))
	if err := h.source.Close(); err != nil {
		logger.Warn("closing handle source failed", "error", err)
	}
	metrics.HandlesRevokedTotal.WithLabelValues(reason).Inc()
	logger.Debug("handle revoked", "reason", reason, "age", m.now().Sub(h.createdAt).String())
}

func (m *Manager) statsLocked() Stats {
	s := Stats{Handles: len(m.byToken), ExportLock: m.lockCount}
	for _, h := range m.byToken {
		if h.refCount > 0 {
			s.Referenced++
		}
	}
	return s
}

func (m *Manager) publishLocked() {
	s := m.statsLocked()
	metrics.HandlesActive.Set(float64(s.Handles))
	metrics.HandlesReferenced.Set(float64(s.Referenced))
	metrics.ExportLockCount.Set(float64(s.ExportLock))
}

func (h *handle) info() Info {
	return Info{
		Token:     h.token,
		RefCount:  h.refCount,
		CreatedAt: h.createdAt,
		CreatedBy: h.createdBy,
	}
}
