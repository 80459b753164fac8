package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/Neeleshn20/spokensense/internal/api"
	"github.com/Neeleshn20/spokensense/internal/cache"
	"github.com/Neeleshn20/spokensense/internal/highlight"
	"github.com/Neeleshn20/spokensense/internal/playback"
	"github.com/Neeleshn20/spokensense/pkg/types"
)

// saveInterval is how often a changed reading state is written to disk.
const saveInterval = 10 * time.Second

// stateVersion tags the on-disk format.
const stateVersion = 1

type stateFile struct {
	Version   int                  `json:"version"`
	SavedAt   time.Time            `json:"saved_at"`
	Documents []api.RecentDocument `json:"documents"`
}

// SessionManager remembers which documents were opened and where reading
// stopped in each, and reopens them on the next start. It wraps the
// extraction cache as the API's [api.Documents] so that every document
// registered over HTTP is recorded. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	docs     api.Documents
	path     string
	snapshot func() playback.Snapshot

	mu    sync.Mutex
	state map[cache.Fingerprint]*api.RecentDocument
	dirty bool

	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ api.Documents = (*SessionManager)(nil)
	_ api.Library   = (*SessionManager)(nil)
)

// NewSessionManager creates a SessionManager persisting to path. An empty
// path keeps the state in memory only. snapshot reports the controller whose
// position is tracked.
func NewSessionManager(docs api.Documents, path string, snapshot func() playback.Snapshot) *SessionManager {
	return &SessionManager{
		docs:     docs,
		path:     path,
		snapshot: snapshot,
		state:    make(map[cache.Fingerprint]*api.RecentDocument),
	}
}

// Open delegates to the cache and records the path.
func (sm *SessionManager) Open(ctx context.Context, path string) (*cache.Document, error) {
	doc, err := sm.docs.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	abs, aerr := filepath.Abs(path)
	if aerr != nil {
		abs = path
	}
	sm.remember(doc, abs)
	return doc, nil
}

// Load delegates to the cache. Uploaded documents have no path and are not
// reopened on restart.
func (sm *SessionManager) Load(ctx context.Context, name string, data []byte) (*cache.Document, error) {
	doc, err := sm.docs.Load(ctx, name, data)
	if err != nil {
		return nil, err
	}
	sm.remember(doc, "")
	return doc, nil
}

// Document delegates to the cache.
func (sm *SessionManager) Document(fp cache.Fingerprint) (*cache.Document, bool) {
	return sm.docs.Document(fp)
}

// Page delegates to the cache.
func (sm *SessionManager) Page(ctx context.Context, doc *cache.Document, page int) (types.Page, error) {
	return sm.docs.Page(ctx, doc, page)
}

// Search delegates to the cache.
func (sm *SessionManager) Search(ctx context.Context, doc *cache.Document, query string) ([]cache.Hit, error) {
	return sm.docs.Search(ctx, doc, query)
}

// FullText delegates to the cache.
func (sm *SessionManager) FullText(ctx context.Context, doc *cache.Document) (string, error) {
	return sm.docs.FullText(ctx, doc)
}

func (sm *SessionManager) remember(doc *cache.Document, path string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	e, ok := sm.state[doc.Fingerprint()]
	if !ok {
		e = &api.RecentDocument{Fingerprint: doc.Fingerprint(), OpenedAt: time.Now().UTC()}
		sm.state[doc.Fingerprint()] = e
	}
	e.Name = doc.Name()
	e.Pages = doc.PageCount()
	if path != "" {
		e.Path = path
	}
	sm.dirty = true
}

// Record sets the resume position of a document that was opened before.
func (sm *SessionManager) Record(fp cache.Fingerprint, pos types.Position) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	e, ok := sm.state[fp]
	if !ok {
		return
	}
	if e.Position != nil && *e.Position == pos {
		return
	}
	e.Position = &pos
	e.ReadAt = time.Now().UTC()
	sm.dirty = true
}

// Position returns the last recorded position of fp.
func (sm *SessionManager) Position(fp cache.Fingerprint) (types.Position, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if e, ok := sm.state[fp]; ok && e.Position != nil {
		return *e.Position, true
	}
	return types.Position{}, false
}

// Recent lists known documents, most recently read or opened first.
func (sm *SessionManager) Recent() []api.RecentDocument {
	sm.mu.Lock()
	out := make([]api.RecentDocument, 0, len(sm.state))
	for _, e := range sm.state {
		d := *e
		if e.Position != nil {
			pos := *e.Position
			d.Position = &pos
		}
		out = append(out, d)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b api.RecentDocument) int {
		return lastUsed(b).Compare(lastUsed(a))
	})
	return out
}

func lastUsed(d api.RecentDocument) time.Time {
	if d.ReadAt.After(d.OpenedAt) {
		return d.ReadAt
	}
	return d.OpenedAt
}

// Restore reads the state file and reopens every document whose file still
// exists and still has the same content. It returns the number reopened. A
// missing state file is not an error.
func (sm *SessionManager) Restore(ctx context.Context) (int, error) {
	if sm.path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(sm.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("session: read state: %w", err)
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return 0, fmt.Errorf("session: decode state %s: %w", sm.path, err)
	}
	if sf.Version != stateVersion {
		slog.Warn("session: ignoring state file with unknown version", "path", sm.path, "version", sf.Version)
		return 0, nil
	}

	n := 0
	for _, saved := range sf.Documents {
		if saved.Path == "" {
			continue
		}
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		doc, err := sm.docs.Open(ctx, saved.Path)
		if err != nil {
			slog.Info("session: not reopening document", "path", saved.Path, "err", err)
			continue
		}
		if doc.Fingerprint() != saved.Fingerprint {
			slog.Info("session: document changed since last run", "path", saved.Path,
				"was", saved.Fingerprint.Short(), "now", doc.Fingerprint().Short())
			sm.remember(doc, saved.Path)
			n++
			continue
		}

		sm.mu.Lock()
		e := saved
		e.Name = doc.Name()
		e.Pages = doc.PageCount()
		if p := e.Position; p != nil && (p.Page < 0 || p.Page >= e.Pages) {
			e.Position = nil
		}
		sm.state[e.Fingerprint] = &e
		sm.mu.Unlock()
		n++
	}
	slog.Info("session: restored documents", "count", n, "path", sm.path)
	return n, nil
}

// Save writes the state file if anything changed since the last save.
func (sm *SessionManager) Save() error {
	if sm.path == "" {
		return nil
	}
	sm.mu.Lock()
	if !sm.dirty {
		sm.mu.Unlock()
		return nil
	}
	sf := stateFile{Version: stateVersion, SavedAt: time.Now().UTC()}
	for _, e := range sm.state {
		sf.Documents = append(sf.Documents, *e)
	}
	sm.dirty = false
	sm.mu.Unlock()

	slices.SortFunc(sf.Documents, func(a, b api.RecentDocument) int {
		return a.OpenedAt.Compare(b.OpenedAt)
	})
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode state: %w", err)
	}
	if err := writeFileAtomic(sm.path, data); err != nil {
		sm.mu.Lock()
		sm.dirty = true
		sm.mu.Unlock()
		return fmt.Errorf("session: write state: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Start follows highlight events on bus and records the controller's
// position after each one, saving periodically. It returns immediately;
// [SessionManager.Stop] ends tracking and saves once more.
func (sm *SessionManager) Start(bus *highlight.Bus) {
	sm.mu.Lock()
	if sm.cancel != nil {
		sm.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel
	sm.done = make(chan struct{})
	sm.mu.Unlock()

	sub := bus.Subscribe(highlight.WithName("session"), highlight.WithBuffer(1))
	go sm.track(ctx, bus, sub)
}

func (sm *SessionManager) track(ctx context.Context, bus *highlight.Bus, sub *highlight.Subscription) {
	defer close(sm.done)
	defer bus.Unsubscribe(sub)

	tick := time.NewTicker(saveInterval)
	defer tick.Stop()
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
			sm.observe()
		case <-tick.C:
			if err := sm.Save(); err != nil {
				slog.Warn("session: periodic save failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (sm *SessionManager) observe() {
	if sm.snapshot == nil {
		return
	}
	snap := sm.snapshot()
	if snap.Fingerprint == "" || snap.Position == nil {
		return
	}
	sm.Record(cache.Fingerprint(snap.Fingerprint), *snap.Position)
}

// Stop ends tracking, records the final position and saves.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	cancel, done := sm.cancel, sm.done
	sm.cancel = nil
	sm.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	sm.observe()
	return sm.Save()
}
