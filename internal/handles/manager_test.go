package handles

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSource counts Close calls.
type fakeSource struct {
	name   string
	closed atomic.Int32
}

func (s *fakeSource) Path() (string, error) { return "/media/" + s.name, nil }
func (s *fakeSource) Close() error { s.closed.Add(1); return nil }

func newTestManager(clock *fakeClock) *Manager {
	return NewManager(Options{MaxAge: time.Minute, SweepInterval: time.Hour, Now: clock.Now})
}

func TestAcquire_SameSourceReusesHandle(t *testing.T) {
	m := newTestManager(newFakeClock())
	src := &fakeSource{name: "a.mp4"}

	t1 := m.Acquire(src, "preview")
	t2 := m.Acquire(src, "export")
	if t1 != t2 {
		t.Fatalf("tokens differ: %s vs %s", t1, t2)
	}

	info, ok := m.Lookup(t1)
	if !ok || info.RefCount != 2 {
		t.Fatalf("RefCount = %d, want 2", info.RefCount)
	}
	if info.CreatedBy != "preview" {
		t.Errorf("CreatedBy = %q, want preview", info.CreatedBy)
	}

	m.Release(t1, "preview")
	m.Release(t2, "export")
	info, _ = m.Lookup(t1)
	if info.RefCount != 0 {
		t.Fatalf("RefCount = %d, want 0", info.RefCount)
	}
	if src.closed.Load() != 0 {
		t.Fatal("release must not destroy the handle")
	}
}

func TestAcquire_IdentityNotValue(t *testing.T) {
	m := newTestManager(newFakeClock())
	a := NewFileSource("/media/clip.mp4")
	b := NewFileSource("/media/clip.mp4")

	if m.Acquire(a, "x") == m.Acquire(b, "x") {
		t.Fatal("distinct sources with equal paths must get distinct handles")
	}
	if got := m.Stats().Handles; got != 2 {
		t.Errorf("Handles = %d, want 2", got)
	}
}

func TestRelease_UnknownTokenIsNoop(t *testing.T) {
	m := newTestManager(newFakeClock())
	src := &fakeSource{name: "a.mp4"}
	tok := m.Acquire(src, "ui")

	m.Release("does-not-exist", "ui")
	m.Release(tok, "ui")
	m.Release(tok, "ui") // double release

	info, ok := m.Lookup(tok)
	if !ok {
		t.Fatal("handle should still exist")
	}
	if info.RefCount != 0 {
		t.Errorf("RefCount = %d, want 0", info.RefCount)
	}
}

func TestSweep_RevokesOnlyOldUnreferenced(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	held := &fakeSource{name: "held"}
	idle := &fakeSource{name: "idle"}
	fresh := &fakeSource{name: "fresh"}

	m.Acquire(held, "ui")
	idleTok := m.Acquire(idle, "ui")
	m.Release(idleTok, "ui")

	clock.Advance(2 * time.Minute)
	freshTok := m.Acquire(fresh, "ui")
	m.Release(freshTok, "ui")

	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if idle.closed.Load() != 1 {
		t.Error("idle source should be closed")
	}
	if held.closed.Load() != 0 || fresh.closed.Load() != 0 {
		t.Error("held and fresh sources must survive")
	}
	if _, ok := m.Lookup(idleTok); ok {
		t.Error("idle handle should be gone")
	}
}

func TestSweep_ExportLockBlocksAllRevocations(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	var sources []*fakeSource
	for i := 0; i < 5; i++ {
		src := &fakeSource{name: string(rune('a' + i))}
		sources = append(sources, src)
		m.Release(m.Acquire(src, "ui"), "ui")
	}
	clock.Advance(time.Hour)

	unlock := m.ExportLock()
	if n := m.Sweep(); n != 0 {
		t.Fatalf("Sweep() under export lock = %d, want 0", n)
	}
	for _, s := range sources {
		if s.closed.Load() != 0 {
			t.Fatalf("source %s closed under export lock", s.name)
		}
	}

	unlock()
	unlock() // idempotent
	if got := m.LockCount(); got != 0 {
		t.Fatalf("LockCount = %d, want 0", got)
	}
	if n := m.Sweep(); n != 5 {
		t.Fatalf("Sweep() after unlock = %d, want 5", n)
	}
}

func TestUnlockFromExport_AtZeroIsIgnored(t *testing.T) {
	m := newTestManager(newFakeClock())
	m.UnlockFromExport()
	if got := m.LockCount(); got != 0 {
		t.Fatalf("LockCount = %d, want 0", got)
	}
	m.LockForExport()
	m.LockForExport()
	m.UnlockFromExport()
	if got := m.LockCount(); got != 1 {
		t.Fatalf("LockCount = %d, want 1", got)
	}
}

// TestSweep_NeverRevokesReferenced drives random acquire/release/advance
// sequences and checks that no referenced handle is ever closed.
func TestSweep_NeverRevokesReferenced(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)
	rng := rand.New(rand.NewSource(42))

	sources := make([]*fakeSource, 8)
	for i := range sources {
		sources[i] = &fakeSource{name: string(rune('a' + i))}
	}
	refs := make(map[*fakeSource]int)
	tokens := make(map[*fakeSource]Token)

	for step := 0; step < 2000; step++ {
		src := sources[rng.Intn(len(sources))]
		switch rng.Intn(4) {
		case 0:
			tokens[src] = m.Acquire(src, "ui")
			refs[src]++
		case 1:
			if refs[src] > 0 {
				m.Release(tokens[src], "ui")
				refs[src]--
			}
		case 2:
			clock.Advance(time.Duration(rng.Intn(90)) * time.Second)
		case 3:
			before := make(map[*fakeSource]int32)
			for _, s := range sources {
				before[s] = s.closed.Load()
			}
			m.Sweep()
			for _, s := range sources {
				if refs[s] > 0 && s.closed.Load() != before[s] {
					t.Fatalf("step %d: referenced source %s was revoked", step, s.name)
				}
				if s.closed.Load() != before[s] {
					delete(tokens, s)
				}
			}
		}
	}
}

func TestForceRevoke(t *testing.T) {
	m := newTestManager(newFakeClock())
	src := &fakeSource{name: "a"}
	tok := m.Acquire(src, "ui")

	if !m.ForceRevoke(tok) {
		t.Fatal("ForceRevoke() = false for known token")
	}
	if src.closed.Load() != 1 {
		t.Error("source should be closed")
	}
	if m.ForceRevoke(tok) {
		t.Error("ForceRevoke() = true for revoked token")
	}

	// A fresh acquire after revocation creates a new handle.
	if m.Acquire(src, "ui") == tok {
		t.Error("expected a new token after revocation")
	}
}

func TestPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(newFakeClock())
	tok := m.Acquire(NewFileSource(file), "export")
	got, err := m.Path(tok)
	if err != nil {
		t.Fatalf("Path() error: %v", err)
	}
	if got != file {
		t.Errorf("Path() = %q, want %q", got, file)
	}

	_, err = m.Path("missing")
	if _, ok := err.(*HandleNotFoundError); !ok {
		t.Errorf("Path(missing) error = %v, want *HandleNotFoundError", err)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	m := newTestManager(newFakeClock())
	src := &fakeSource{name: "shared"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := m.Acquire(src, "ui")
			m.Sweep()
			m.Release(tok, "ui")
		}()
	}
	wg.Wait()

	if got := m.Stats(); got.Handles != 1 || got.Referenced != 0 {
		t.Errorf("Stats() = %+v, want 1 handle, 0 referenced", got)
	}
	if src.closed.Load() != 0 {
		t.Error("young handle must not be swept")
	}
}

func TestShutdown_RevokesEverything(t *testing.T) {
	m := NewManager(Options{MaxAge: time.Minute, SweepInterval: 10 * time.Millisecond})
	m.Start(context.Background())

	a := &fakeSource{name: "a"}
	b := &fakeSource{name: "b"}
	m.Acquire(a, "ui")
	m.Release(m.Acquire(b, "ui"), "ui")

	m.Shutdown()
	if a.closed.Load() != 1 || b.closed.Load() != 1 {
		t.Errorf("closed counts = %d, %d, want 1, 1", a.closed.Load(), b.closed.Load())
	}
	if got := m.Stats().Handles; got != 0 {
		t.Errorf("Handles = %d, want 0", got)
	}
	m.Shutdown() // second call is safe
}

func TestBlobSource_SpillAndClose(t *testing.T) {
	dir := t.TempDir()
	src := NewBlobSource(dir, ".webm", []byte("blobdata"))

	p1, err := src.Path()
	if err != nil {
		t.Fatalf("Path() error: %v", err)
	}
	p2, _ := src.Path()
	if p1 != p2 {
		t.Errorf("Path() not stable: %q vs %q", p1, p2)
	}
	if filepath.Ext(p1) != ".webm" {
		t.Errorf("spill ext = %q", filepath.Ext(p1))
	}
	data, err := os.ReadFile(p1)
	if err != nil || string(data) != "blobdata" {
		t.Fatalf("spill content = %q, %v", data, err)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := os.Stat(p1); !os.IsNotExist(err) {
		t.Error("spill file should be removed")
	}
	if _, err := src.Path(); err == nil {
		t.Error("Path() after Close should fail")
	}
}

func TestFileSource_Missing(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "nope.mp4"))
	if _, err := src.Path(); err == nil {
		t.Fatal("expected error for missing file")
	}
}
