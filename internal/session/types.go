// Package session implements C7 (the per-session dual-priority queue
// actor), C8 (the process-wide session registry), and C9 (the public game
// session handle) from spec.md §4.7-4.9.
//
// Grounded on the teacher's internal/app.SessionManager (mutex-guarded
// lifecycle struct with Start/Stop/IsActive) for the registry/handle shape,
// and on internal/session.Reconnector's "background goroutine drains a
// signal channel, reacts, loops" actor idiom for the queue actor itself.
package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Hirtol/small-talk-sub000/internal/linecache"
	"github.com/Hirtol/small-talk-sub000/internal/postprocess"
	"github.com/Hirtol/small-talk-sub000/internal/voiceregistry"
)

// SpeakerKind discriminates the two ways a VoiceLineRequest may name its
// speaker, per spec.md §3's `ForceVoice(ref) | CharacterVoice(name, gender?)`.
type SpeakerKind int

const (
	SpeakerForceVoice SpeakerKind = iota
	SpeakerCharacterVoice
)

// Gender selects which voice pool map_character draws from when assigning
// a new character a voice. The zero value is Male, matching spec.md §4.7's
// "default when gender unset".
type Gender int

const (
	Male Gender = iota
	Female
)

// Speaker is the tagged union spec.md §3 describes for a request's speaker.
type Speaker struct {
	Kind SpeakerKind

	// VoiceRef is set for SpeakerForceVoice.
	VoiceRef voiceregistry.VoiceReference

	// CharacterName and Gender are set for SpeakerCharacterVoice.
	CharacterName string
	Gender        Gender
}

// ForceVoice builds a Speaker that pins the request to an exact voice.
func ForceVoice(ref voiceregistry.VoiceReference) Speaker {
	return Speaker{Kind: SpeakerForceVoice, VoiceRef: ref}
}

// CharacterVoice builds a Speaker that resolves via map_character.
func CharacterVoice(name string, gender Gender) Speaker {
	return Speaker{Kind: SpeakerCharacterVoice, CharacterName: name, Gender: gender}
}

// VoiceLineRequest is the "VoiceLine request" from spec.md §3.
type VoiceLineRequest struct {
	Text          string
	Speaker       Speaker
	Model         string
	ForceGenerate bool
	Post          *postprocess.Options
}

// key returns a string uniquely identifying the request's identity for
// queue deduplication purposes (spec.md §4.7's add_all_to_queue), ignoring
// Post since two requests for the same line with different post-processing
// options should still be treated as "the same queued work" for hoisting.
func (r VoiceLineRequest) key() string {
	speakerKey := fmt.Sprintf("%d|%s|%s|%d", r.Speaker.Kind, r.Speaker.VoiceRef, r.Speaker.CharacterName, r.Speaker.Gender)
	return fmt.Sprintf("%s\x00%s\x00%s\x00%v", r.Text, speakerKey, r.Model, r.ForceGenerate)
}

// cacheEntryFor builds the line-cache key for a request once its speaker
// has been resolved to a concrete voice.
func cacheEntryFor(req VoiceLineRequest, voiceRef voiceregistry.VoiceReference) linecache.Entry {
	return linecache.Entry{
		DialogueText:  req.Text,
		VoiceName:     voiceRef.Name,
		VoiceLocation: voiceRef.Location.String(),
	}
}

// TtsResponse mirrors spec.md §3's TtsResponse: the file at FilePath is
// owned by the line cache and MUST outlive the response.
type TtsResponse struct {
	FilePath  string
	Line      string
	VoiceUsed string
}

// EmotionClassifier is the opaque, externally-consumed classify(texts)→emotions
// collaborator from spec.md §1, invoked here as a batch of one per request
// per spec.md §4.7 step 4.
type EmotionClassifier func(ctx context.Context, text string) (voiceregistry.Emotion, error)

// queueResult is delivered on a request's one-shot response channel.
type queueResult struct {
	resp *TtsResponse
	err  error
}

// queueItem is one entry in a session's priority or background queue. id is
// a request-correlation UUID attached to the item's trace span and log
// lines, so a single line's journey through the queue can be followed
// end-to-end in both traces and structured logs.
type queueItem struct {
	id         string
	request    VoiceLineRequest
	responseCh chan queueResult // nil for fire-and-forget background items
}

// newQueueItem builds a queueItem with a fresh correlation id.
func newQueueItem(req VoiceLineRequest, responseCh chan queueResult) queueItem {
	return queueItem{id: uuid.NewString(), request: req, responseCh: responseCh}
}
