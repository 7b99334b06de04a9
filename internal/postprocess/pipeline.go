// Package postprocess implements the post-processing pipeline (C6):
// verify-against-transcript, silence trim, loudness normalise, and optional
// voice conversion, run in that order over a BackendTtsResponse per
// spec.md §4.6.
//
// spec.md §4.6 describes the pipeline as spawn_blocking with respect to the
// caller's async runtime, since it is CPU-bound. This package's Run is
// instead a plain synchronous call: the session queue actor (C7) that
// invokes it is already a single long-lived goroutine dedicated to one
// session (see internal/session), so running CPU-bound work directly on
// that goroutine only blocks that session's own queue, never another
// session's — the isolation spawn_blocking buys in an async runtime is
// already provided by the goroutine-per-session model, with no separate
// thread hand-off required.
package postprocess

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/Hirtol/small-talk-sub000/internal/domainerr"
	"github.com/Hirtol/small-talk-sub000/internal/rvccoord"
	"github.com/Hirtol/small-talk-sub000/pkg/audiodsp"
)

// Options mirrors spec.md §3's `post` field: {verify_percentage?,
// trim_silence, normalise, rvc?{high_quality}}.
type Options struct {
	VerifyPercentage *float64 // 0-100; nil means "don't verify"
	TrimSilence      bool
	Normalise        bool
	Rvc              *RvcOptions
}

// RvcOptions selects the voice-conversion tier and target voice.
type RvcOptions struct {
	HighQuality bool
	TargetVoice string // path to the target voice's reference sample
}

// Verifier is the seam postprocess uses to score a generation against its
// source text, satisfied by *ttscoord.Coordinator.
type Verifier interface {
	VerifyPrompt(ctx context.Context, wav []byte, prompt string) (float64, error)
}

// Converter is the seam postprocess uses for voice conversion, satisfied by
// *rvccoord.Coordinator.
type Converter interface {
	RvcRequest(ctx context.Context, req rvccoord.Request, highQuality bool) (*rvccoord.Result, error)
}

// Pipeline runs the C6 stages over one generation attempt.
type Pipeline struct {
	Verifier  Verifier
	Converter Converter
}

func New(v Verifier, c Converter) *Pipeline {
	return &Pipeline{Verifier: v, Converter: c}
}

// Run materialises backend into PCM, then applies verify, trim, normalise,
// and rvc in that order according to opts. Returns
// domainerr.ErrIncorrectGeneration if verification fails; the queue actor
// is responsible for the up-to-3-attempts retry policy around Run.
func (p *Pipeline) Run(ctx context.Context, wav []byte, text string, opts Options) (audiodsp.AudioData, error) {
	audio, err := audiodsp.DecodeWAV(wav)
	if err != nil {
		return audiodsp.AudioData{}, fmt.Errorf("postprocess: decoding backend wav: %w", err)
	}

	if opts.VerifyPercentage != nil {
		if p.Verifier == nil {
			return audiodsp.AudioData{}, fmt.Errorf("postprocess: verify_percentage set but no verifier configured")
		}
		score, err := p.Verifier.VerifyPrompt(ctx, wav, text)
		if err != nil {
			return audiodsp.AudioData{}, fmt.Errorf("postprocess: verify_prompt: %w", err)
		}
		if score < *opts.VerifyPercentage/100 {
			return audiodsp.AudioData{}, fmt.Errorf("postprocess: score %.3f below threshold %.3f: %w",
				score, *opts.VerifyPercentage/100, domainerr.ErrIncorrectGeneration)
		}
	}

	if opts.TrimSilence {
		audio = audiodsp.TrimSilence(audio, audiodsp.SilenceThreshold)
	}

	if opts.Normalise {
		audio = audiodsp.NormaliseLoudness(audio, audiodsp.TargetLUFS)
	}

	if opts.Rvc != nil {
		if p.Converter == nil {
			return audiodsp.AudioData{}, fmt.Errorf("postprocess: rvc requested but no converter configured")
		}
		result, err := p.Converter.RvcRequest(ctx, rvccoord.Request{
			Audio:       audio,
			TargetVoice: opts.Rvc.TargetVoice,
		}, opts.Rvc.HighQuality)
		if err != nil {
			return audiodsp.AudioData{}, fmt.Errorf("postprocess: rvc_request: %w", err)
		}
		audio = result.Audio
		if opts.Normalise {
			audio = audiodsp.NormaliseLoudness(audio, audiodsp.TargetLUFS)
		}
	}

	return audio, nil
}

// PickSample chooses uniformly at random among a non-empty bucket of
// same-emotion samples, per spec.md §4.7 step 4 ("random choice within the
// best bucket").
func PickSample[T any](bucket []T) T {
	return bucket[rand.IntN(len(bucket))]
}
