package session

import (
	"context"
	"fmt"

	"github.com/Hirtol/small-talk-sub000/internal/domainerr"
	"github.com/Hirtol/small-talk-sub000/internal/linecache"
	"github.com/Hirtol/small-talk-sub000/internal/orderedqueue"
	"github.com/Hirtol/small-talk-sub000/internal/voiceregistry"
)

// Handle is the public C9 game session API a caller (an HTTP layer, an RPC
// service, a CLI) drives. It is a thin, concurrency-safe wrapper over an
// Actor: every method either pushes to one of the actor's two queues
// (RequestTTS then waits for a one-shot reply; Enqueue returns at once), or
// works on the actor's shared state directly.
type Handle struct {
	gameID string
	actor  *Actor
}

// RequestTTS implements spec.md §4.7's request_tts: a miss is pushed to the
// front of the priority queue and the caller awaits the result; a hit
// returns immediately without touching the queue at all. Cancelling ctx
// stops the caller from waiting, but per spec.md §9 it does NOT cancel the
// in-flight generation — the actor still finishes it and caches the result
// for the next caller.
func (h *Handle) RequestTTS(ctx context.Context, req VoiceLineRequest) (*TtsResponse, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("session: empty request text: %w", domainerr.ErrInvalidText)
	}

	voiceRef, err := h.actor.resolveVoice(req.Speaker)
	if err != nil {
		return nil, err
	}
	entry := cacheEntryFor(req, voiceRef)

	if req.ForceGenerate {
		if err := h.actor.cache.Invalidate(ctx, []linecache.Entry{entry}); err != nil {
			return nil, fmt.Errorf("session: invalidating for forced regeneration: %w", err)
		}
	} else if cached, err := h.actor.cache.TryRetrieve(ctx, entry); err != nil {
		return nil, fmt.Errorf("session: checking cache: %w", err)
	} else if cached != nil {
		return &TtsResponse{FilePath: cached.FilePath, Line: cached.Line, VoiceUsed: cached.VoiceUsed}, nil
	}

	respCh := make(chan queueResult, 1)
	h.actor.priority.PushFront(newQueueItem(req, respCh))

	select {
	case result := <-respCh:
		return result.resp, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue implements spec.md §4.7's add_all_to_queue: items are hoisted to
// the front of the background queue in order, with any pre-existing
// duplicate elsewhere in the queue removed (unless it already has a caller
// waiting on it via RequestTTS).
func (h *Handle) Enqueue(items []VoiceLineRequest) {
	queued := make([]queueItem, len(items))
	for i, req := range items {
		queued[i] = newQueueItem(req, nil)
	}
	orderedqueue.AddAllHoisting(h.actor.background, queued,
		func(a, b queueItem) bool { return a.request.key() == b.request.key() },
		func(existing queueItem) bool { return existing.responseCh != nil },
	)
}

// MapCharacter resolves (and, if unseen, assigns and persists) the voice for
// a named character, per spec.md §4.7's map_character.
func (h *Handle) MapCharacter(name string, gender Gender) (voiceregistry.VoiceReference, error) {
	return h.actor.mapCharacter(name, gender)
}

// ListVoices returns every voice visible to this game: the shared global
// pool plus the game's own local voices.
func (h *Handle) ListVoices() ([]voiceregistry.FsVoiceData, error) {
	return h.actor.deps.voices.ListVoices(h.gameID)
}

// IsAlive reports whether the underlying actor is still processing requests.
// A false return means a fatal (non-skip) error terminated the session; the
// registry will start a fresh Actor on the next GetOrStart for this game.
func (h *Handle) IsAlive() bool {
	return h.actor.IsAlive()
}
