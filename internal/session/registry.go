package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Hirtol/small-talk-sub000/internal/linecache"
	"github.com/Hirtol/small-talk-sub000/internal/postprocess"
	"github.com/Hirtol/small-talk-sub000/internal/rvccoord"
	"github.com/Hirtol/small-talk-sub000/internal/store/fsstore"
	"github.com/Hirtol/small-talk-sub000/internal/ttscoord"
	"github.com/Hirtol/small-talk-sub000/internal/voiceregistry"
)

// SessionIndex is the optional multi-instance coordination seam a
// *postgres.Store satisfies: when set, GetOrStart must win a claim before
// starting an Actor, so two DM-host processes never run the same game
// concurrently. Declared at point of use, matching ttsCoordinator and the
// package's other collaborator interfaces.
type SessionIndex interface {
	ClaimSession(ctx context.Context, gameID string, gd fsstore.GameData) (bool, error)
	ReleaseSession(ctx context.Context, gameID string) error
}

// Registry is the C8 process-wide session registry: one Actor (and Handle)
// per active game, started lazily on first use and torn down on Stop or
// Shutdown.
//
// Grounded on the teacher's internal/app.SessionManager: a mutex-guarded map
// of lifecycle-managed per-connection state, with Shutdown draining every
// live entry via an errgroup.Group rather than a fixed sleep (see DESIGN.md's
// Open Question decision on this point).
type Registry struct {
	appDataDir string
	deps       actorDeps
	index      SessionIndex

	mu       sync.Mutex
	sessions map[string]*Handle
	eg       errgroup.Group
}

// Config bundles the shared collaborators every session in this process
// will use.
type Config struct {
	AppDataDir string
	Voices     *voiceregistry.Registry
	Tts        *ttscoord.Coordinator
	Rvc        *rvccoord.Coordinator
	Pipeline   *postprocess.Pipeline
	Classifier EmotionClassifier
	Logger     *slog.Logger

	// Index is optional. When nil, single-instance mode is assumed and
	// every GetOrStart call succeeds locally with no cross-process claim.
	Index SessionIndex
}

// NewRegistry constructs an empty Registry. No session is started until
// GetOrStart is first called for a given game id.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps := actorDeps{
		voices:     cfg.Voices,
		classifier: cfg.Classifier,
		logger:     logger,
	}
	// Explicit nil checks before the interface assignment: a typed nil
	// *rvccoord.Coordinator stored in the rvcCoordinator interface would
	// compare non-nil, and later derefencing it would panic.
	if cfg.Tts != nil {
		deps.tts = cfg.Tts
	}
	if cfg.Rvc != nil {
		deps.rvc = cfg.Rvc
	}
	if cfg.Pipeline != nil {
		deps.pipeline = cfg.Pipeline
	}
	return &Registry{
		appDataDir: cfg.AppDataDir,
		deps:       deps,
		index:      cfg.Index,
		sessions:   make(map[string]*Handle),
	}
}

// GetOrStart returns the live Handle for gameID, starting a fresh session
// (opening its line cache database and loading its game data) if none is
// running, or if the previous one terminated after a fatal error. If an
// Index is configured, GetOrStart first claims gameID there; a claim lost to
// another instance returns an error without starting a local Actor.
func (r *Registry) GetOrStart(ctx context.Context, gameID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.sessions[gameID]; ok && h.IsAlive() {
		return h, nil
	}

	store := fsstore.Open(r.appDataDir, gameID)
	gameData, err := store.Load(gameID)
	if err != nil {
		return nil, fmt.Errorf("session: loading game data for %q: %w", gameID, err)
	}

	if r.index != nil {
		claimed, err := r.index.ClaimSession(ctx, gameID, gameData)
		if err != nil {
			return nil, fmt.Errorf("session: claiming %q: %w", gameID, err)
		}
		if !claimed {
			return nil, fmt.Errorf("session: %q is owned by another instance", gameID)
		}
	}

	cache, err := linecache.Open(
		r.appDataDir+"/game_data/"+gameID+"/lines.db",
		r.appDataDir+"/game_data/"+gameID+"/lines",
	)
	if err != nil {
		return nil, fmt.Errorf("session: opening line cache for %q: %w", gameID, err)
	}

	actor, err := newActor(gameID, r.deps, cache, store)
	if err != nil {
		cache.Close()
		return nil, err
	}

	h := &Handle{gameID: gameID, actor: actor}
	r.sessions[gameID] = h

	r.eg.Go(func() error {
		<-actor.doneCh
		if err := cache.Close(); err != nil {
			r.deps.logger.Error("session: closing line cache", "game", gameID, "error", err)
			return err
		}
		return nil
	})

	return h, nil
}

// Stop terminates gameID's session, if one is running, and waits for its
// actor to finish persisting before returning. If an Index is configured,
// it also releases this instance's ownership claim.
func (r *Registry) Stop(ctx context.Context, gameID string) {
	r.mu.Lock()
	h, ok := r.sessions[gameID]
	if ok {
		delete(r.sessions, gameID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	h.actor.stop()
	if r.index != nil {
		if err := r.index.ReleaseSession(ctx, gameID); err != nil {
			r.deps.logger.Error("session: releasing index claim", "game", gameID, "error", err)
		}
	}
}

// Shutdown stops every live session and waits for all of them to finish
// persisting, bounded by ctx. It returns ctx.Err() if the deadline elapses
// before every actor has drained.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	handlesByID := make(map[string]*Handle, len(r.sessions))
	for id, h := range r.sessions {
		handlesByID[id] = h
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for gameID, h := range handlesByID {
		h.actor.stopOnce.Do(func() { close(h.actor.stopCh) })
		if r.index != nil {
			if err := r.index.ReleaseSession(ctx, gameID); err != nil {
				r.deps.logger.Error("session: releasing index claim", "game", gameID, "error", err)
			}
		}
	}

	done := make(chan error, 1)
	go func() { done <- r.eg.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
