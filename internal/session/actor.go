package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hirtol/small-talk-sub000/internal/domainerr"
	"github.com/Hirtol/small-talk-sub000/internal/linecache"
	"github.com/Hirtol/small-talk-sub000/internal/observe"
	"github.com/Hirtol/small-talk-sub000/internal/orderedqueue"
	"github.com/Hirtol/small-talk-sub000/internal/postprocess"
	"github.com/Hirtol/small-talk-sub000/internal/rvccoord"
	"github.com/Hirtol/small-talk-sub000/internal/store/fsstore"
	"github.com/Hirtol/small-talk-sub000/internal/ttscoord"
	"github.com/Hirtol/small-talk-sub000/internal/voiceregistry"
	"github.com/Hirtol/small-talk-sub000/pkg/audiodsp"
)

// generationAttempts bounds the verify-and-retry loop spec.md §4.7 describes
// for ErrIncorrectGeneration.
const generationAttempts = 3

// ttsCoordinator, rvcCoordinator, and pipelineRunner are the seams the actor
// uses against *ttscoord.Coordinator, *rvccoord.Coordinator, and
// *postprocess.Pipeline respectively, declared at point of use so tests can
// substitute fakes — the same pattern postprocess.Pipeline itself uses for
// its Verifier/Converter collaborators.
type ttsCoordinator interface {
	TtsRequest(ctx context.Context, model string, req ttscoord.BackendRequest) (*ttscoord.BackendResult, error)
}

type rvcCoordinator interface {
	PrepareInstance(ctx context.Context, highQuality bool) error
}

type pipelineRunner interface {
	Run(ctx context.Context, wav []byte, text string, opts postprocess.Options) (audiodsp.AudioData, error)
}

// actorDeps bundles the shared, process-wide collaborators an Actor needs.
// One instance is built once by the Registry and handed to every session.
type actorDeps struct {
	voices     *voiceregistry.Registry
	tts        ttsCoordinator
	rvc        rvcCoordinator
	pipeline   pipelineRunner
	classifier EmotionClassifier
	logger     *slog.Logger
}

// Actor is the C7 per-session queue actor: one background goroutine that
// drains a priority queue ahead of a background queue, resolving voices,
// calling the TTS/RVC coordinators, and persisting results to the line
// cache. All character-map writes are funnelled through this struct's
// mutex, giving the "all game-data writes are ordered" invariant spec.md §9
// asks for without requiring every write to literally pass through the
// run loop goroutine.
//
// Grounded on the teacher's internal/session.Reconnector: a mutex-guarded
// struct exposes a signal-style API (here, queue pushes) to callers while a
// single background goroutine owns the actual state machine.
type Actor struct {
	gameID string
	deps   actorDeps

	cache       *linecache.Store
	fsStore     *fsstore.Store
	queueBackup string

	priority   *orderedqueue.Queue[queueItem]
	background *orderedqueue.Queue[queueItem]

	mu       sync.Mutex
	gameData fsstore.GameData

	alive    atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// newActor constructs and starts an Actor for one game session. cache and
// fsStore are already opened for gameID; newActor loads the persisted
// GameData and any backed-up background queue before starting the run loop.
func newActor(gameID string, deps actorDeps, cache *linecache.Store, store *fsstore.Store) (*Actor, error) {
	gameData, err := store.Load(gameID)
	if err != nil {
		return nil, fmt.Errorf("session: loading game data for %q: %w", gameID, err)
	}

	a := &Actor{
		gameID:      gameID,
		deps:        deps,
		cache:       cache,
		fsStore:     store,
		queueBackup: store.QueueBackupPath(),
		gameData:    gameData,
		priority:    orderedqueue.New[queueItem](),
		background:  orderedqueue.New[queueItem](),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	a.alive.Store(true)

	if backed, err := fsstore.LoadQueueSnapshot[VoiceLineRequest](a.queueBackup); err != nil {
		deps.logger.Warn("session: failed to load queue backup, starting with an empty background queue",
			"game", gameID, "error", err)
	} else {
		for _, req := range backed {
			a.background.PushBack(newQueueItem(req, nil))
		}
	}

	go a.run()
	return a, nil
}

// IsAlive reports whether the run loop is still processing requests.
func (a *Actor) IsAlive() bool { return a.alive.Load() }

// stop signals the run loop to drain and exit, and blocks until it has.
func (a *Actor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.doneCh
}

// run is the actor's biased select loop: the priority queue is always
// drained fully before a single background item is taken, matching spec.md
// §4.7's "priority queue always wins ties" ordering requirement.
func (a *Actor) run() {
	defer close(a.doneCh)
	defer a.persistBackground()
	ctx := context.Background()

	for {
		if item, ok := a.priority.TryRecv(); ok {
			if fatal := a.handle(ctx, item); fatal {
				a.alive.Store(false)
				return
			}
			continue
		}
		if item, ok := a.background.TryRecv(); ok {
			if fatal := a.handle(ctx, item); fatal {
				a.alive.Store(false)
				return
			}
			continue
		}
		select {
		case <-a.priority.Nudge():
		case <-a.background.Nudge():
		case <-a.stopCh:
			a.alive.Store(false)
			return
		}
	}
}

func (a *Actor) persistBackground() {
	items := a.background.Snapshot()
	requests := make([]VoiceLineRequest, len(items))
	for i, it := range items {
		requests[i] = it.request
	}
	if err := fsstore.SaveQueueSnapshot(a.queueBackup, requests); err != nil {
		a.deps.logger.Error("session: failed to persist background queue snapshot", "game", a.gameID, "error", err)
	}
}

// handle processes one item and reports whether it hit a non-skip (fatal)
// error. run must stop draining its queues and return immediately when
// fatal is true, rather than continuing on to whatever is queued behind the
// failing item — spec.md §9/§4.7's "persist queue snapshot, then terminate
// the actor" is only honoured if termination actually happens before the
// next item is picked up, matching the original's `?`-propagated bail
// inside its own select loop.
func (a *Actor) handle(ctx context.Context, item queueItem) (fatal bool) {
	ctx, span := observe.StartSpan(ctx, "session.process_line",
		trace.WithAttributes(
			attribute.String("request.id", item.id),
			attribute.String("game.id", a.gameID),
		),
	)
	defer span.End()

	resp, err := a.processItem(ctx, item)
	if err == nil {
		observe.DefaultMetrics().RecordGenerationAttempt(ctx, "ok")
		deliver(item, resp, nil)
		return false
	}

	deliver(item, nil, err)

	if domainerr.IsSkip(err) {
		kind := domainerr.Kind(err)
		observe.DefaultMetrics().RecordQueueSkip(ctx, kind)
		observe.DefaultMetrics().RecordGenerationAttempt(ctx, "skip")
		a.deps.logger.Warn("session: skipping voice line",
			"game", a.gameID, "request_id", item.id, "kind", kind, "error", err)
		return false
	}

	observe.DefaultMetrics().RecordGenerationAttempt(ctx, "fatal")
	span.RecordError(err)
	a.deps.logger.Error("session: fatal error processing voice line, stopping session",
		"game", a.gameID, "request_id", item.id, "error", err)
	return true
}

func deliver(item queueItem, resp *TtsResponse, err error) {
	if item.responseCh == nil {
		return
	}
	item.responseCh <- queueResult{resp: resp, err: err}
}

// processItem runs the full C7 per-line pipeline: cache check, voice
// resolution, optional RVC warm-up, emotion/sample selection, TTS, and
// post-processing with up to generationAttempts attempts in all when
// verification fails.
func (a *Actor) processItem(ctx context.Context, item queueItem) (*TtsResponse, error) {
	req := item.request

	voiceRef, err := a.resolveVoice(req.Speaker)
	if err != nil {
		return nil, err
	}
	entry := cacheEntryFor(req, voiceRef)

	if req.ForceGenerate {
		if err := a.cache.Invalidate(ctx, []linecache.Entry{entry}); err != nil {
			return nil, fmt.Errorf("session: invalidating for forced regeneration: %w", err)
		}
	} else if cached, err := a.cache.TryRetrieve(ctx, entry); err != nil {
		return nil, fmt.Errorf("session: checking cache: %w", err)
	} else if cached != nil {
		observe.DefaultMetrics().RecordCacheLookup(ctx, true)
		return &TtsResponse{FilePath: cached.FilePath, Line: cached.Line, VoiceUsed: cached.VoiceUsed}, nil
	} else {
		observe.DefaultMetrics().RecordCacheLookup(ctx, false)
	}

	if req.Post != nil && req.Post.Rvc != nil && a.deps.rvc != nil {
		go func() { _ = a.deps.rvc.PrepareInstance(context.Background(), req.Post.Rvc.HighQuality) }()
	}

	voiceData, err := a.deps.voices.GetVoice(voiceRef)
	if err != nil {
		return nil, err
	}

	emotion := voiceregistry.Neutral
	if a.deps.classifier != nil {
		if classified, err := a.deps.classifier(ctx, req.Text); err == nil {
			emotion = classified
		} else {
			a.deps.logger.Warn("session: emotion classification failed, defaulting to Neutral", "error", err)
		}
	}

	var sample voiceregistry.FsVoiceSample
	found := false
	for bucket := range a.deps.voices.TryEmotionSamples(voiceData, emotion) {
		sample = postprocess.PickSample(bucket)
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("session: voice %s has no usable samples: %w", voiceRef, domainerr.ErrNoVoiceSamples)
	}

	var wav []byte
	attempts := 1
	if req.Post != nil {
		attempts = generationAttempts
	}
	if a.deps.tts == nil {
		return nil, fmt.Errorf("session: no tts coordinator configured")
	}
	for attempt := 1; ; attempt++ {
		result, err := a.deps.tts.TtsRequest(ctx, req.Model, ttscoord.BackendRequest{
			GenText:        req.Text,
			VoiceReference: []voiceregistry.FsVoiceSample{sample},
		})
		if err != nil {
			return nil, err
		}
		wav = result.Audio

		if req.Post == nil {
			break
		}
		if a.deps.pipeline == nil {
			return nil, fmt.Errorf("session: post-processing requested but no pipeline configured")
		}
		audio, err := a.deps.pipeline.Run(ctx, wav, req.Text, *req.Post)
		if err != nil {
			if errors.Is(err, domainerr.ErrIncorrectGeneration) && attempt < attempts {
				continue
			}
			return nil, err
		}
		wav = audiodsp.EncodeWAV(audio)
		break
	}

	path, err := a.cache.Insert(ctx, entry, wav, "wav")
	if err != nil {
		return nil, fmt.Errorf("session: caching generated line: %w", err)
	}
	return &TtsResponse{FilePath: path, Line: req.Text, VoiceUsed: voiceRef.Name}, nil
}

// resolveVoice implements the ForceVoice / CharacterVoice dispatch and
// map_character assignment from spec.md §4.7. It is called both from the
// run loop and, for the cache fast-path, from RequestTTS directly; safety
// under concurrent calls comes from a.mu, not from single-goroutine
// ownership — an intentional relaxation of "the actor is the sole game-data
// writer" to "writes are ordered by a mutex".
func (a *Actor) resolveVoice(speaker Speaker) (voiceregistry.VoiceReference, error) {
	if speaker.Kind == SpeakerForceVoice {
		if _, err := a.deps.voices.GetVoice(speaker.VoiceRef); err != nil {
			return voiceregistry.VoiceReference{}, err
		}
		return speaker.VoiceRef, nil
	}
	return a.mapCharacter(speaker.CharacterName, speaker.Gender)
}

func (a *Actor) mapCharacter(name string, gender Gender) (voiceregistry.VoiceReference, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ref, ok := a.gameData.CharacterMap[name]; ok {
		return ref, nil
	}

	gameLocal := voiceregistry.VoiceReference{Name: name, Location: voiceregistry.GameLocation(a.gameID)}
	if _, err := a.deps.voices.GetVoice(gameLocal); err == nil {
		return a.assignCharacterLocked(name, gameLocal)
	}

	pool := a.gameData.MaleVoices
	if gender == Female {
		pool = a.gameData.FemaleVoices
	}
	if len(pool) == 0 {
		return voiceregistry.VoiceReference{}, fmt.Errorf(
			"session: no voices configured for character %q: %w", name, domainerr.ErrVoiceDoesNotExist)
	}

	usage := make(map[string]int, len(a.gameData.CharacterMap))
	for _, v := range a.gameData.CharacterMap {
		usage[v.String()]++
	}
	var candidates []voiceregistry.VoiceReference
	minCount := -1
	for _, v := range pool {
		c := usage[v.String()]
		switch {
		case minCount == -1 || c < minCount:
			minCount = c
			candidates = []voiceregistry.VoiceReference{v}
		case c == minCount:
			candidates = append(candidates, v)
		}
	}
	chosen := candidates[rand.IntN(len(candidates))]
	return a.assignCharacterLocked(name, chosen)
}

// assignCharacterLocked records name → ref and fsyncs config.json before
// returning, per spec.md §9's "map update → fsync JSON" stickiness
// invariant. Must be called with a.mu held.
func (a *Actor) assignCharacterLocked(name string, ref voiceregistry.VoiceReference) (voiceregistry.VoiceReference, error) {
	a.gameData.CharacterMap[name] = ref
	if err := a.fsStore.Save(a.gameData); err != nil {
		delete(a.gameData.CharacterMap, name)
		return voiceregistry.VoiceReference{}, fmt.Errorf("session: persisting character map: %w", err)
	}
	return ref, nil
}
