// Package domainerr defines the sentinel error kinds the queue actor (C7)
// dispatches on, per the error-policy table: most kinds are skip-and-warn,
// one kind terminates the session actor.
package domainerr

import "errors"

// Sentinel errors for skip-and-warn kinds. Wrap with fmt.Errorf("...: %w", ...)
// to add context while keeping errors.Is working.
var (
	// ErrVoiceDoesNotExist is returned by the voice registry when a
	// VoiceReference names no directory on disk, or when the name is empty.
	ErrVoiceDoesNotExist = errors.New("domainerr: voice does not exist")

	// ErrNoVoiceSamples is returned when a voice directory exists but has
	// no usable sample in any emotion bucket the preference order reaches.
	ErrNoVoiceSamples = errors.New("domainerr: voice has no usable samples")

	// ErrModelNotInitialised is returned by the TTS coordinator when the
	// requested model has no configured worker.
	ErrModelNotInitialised = errors.New("domainerr: tts model not initialised")

	// ErrRvcNotInitialised is returned by the RVC coordinator when the
	// requested quality tier has no configured worker.
	ErrRvcNotInitialised = errors.New("domainerr: rvc worker not initialised")

	// ErrIncorrectGeneration is returned by the post-processing pipeline
	// when verify_percentage is set and the STT round-trip score falls
	// below the threshold. The queue actor makes up to 3 attempts in all
	// before treating this as a skip.
	ErrIncorrectGeneration = errors.New("domainerr: generated audio failed verification")

	// ErrTimeout is returned by the TTS and RVC coordinators when a backend
	// call exceeds its hardcoded 40s wall-clock ceiling, or when that
	// backend's circuit breaker is open. On a timed-out call the coordinator
	// kills the worker cell's state; the next request re-initialises it.
	ErrTimeout = errors.New("domainerr: worker call timed out")

	// ErrInvalidText is returned by request validation for an empty or
	// otherwise unusable line of dialogue.
	ErrInvalidText = errors.New("domainerr: invalid text")
)

// IsSkip reports whether err is one of the kinds the queue actor handles by
// logging a warning and continuing to the next queue item, per spec §7.
// Everything else is an actor-terminating error.
func IsSkip(err error) bool {
	switch {
	case errors.Is(err, ErrVoiceDoesNotExist),
		errors.Is(err, ErrNoVoiceSamples),
		errors.Is(err, ErrModelNotInitialised),
		errors.Is(err, ErrRvcNotInitialised),
		errors.Is(err, ErrIncorrectGeneration),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrInvalidText):
		return true
	default:
		return false
	}
}

// Kind returns a short, stable label for err suitable for log fields and
// metric attributes. Returns "Other" for anything not a recognised sentinel.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrVoiceDoesNotExist):
		return "VoiceDoesNotExist"
	case errors.Is(err, ErrNoVoiceSamples):
		return "NoVoiceSamples"
	case errors.Is(err, ErrModelNotInitialised):
		return "ModelNotInitialised"
	case errors.Is(err, ErrRvcNotInitialised):
		return "RvcNotInitialised"
	case errors.Is(err, ErrIncorrectGeneration):
		return "IncorrectGeneration"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrInvalidText):
		return "InvalidText"
	default:
		return "Other"
	}
}
