// Package voiceregistry enumerates on-disk voices and their emotion-tagged
// samples (C1). It is a pure function over the filesystem: no state is held
// beyond the appdata root, and every operation re-reads the directory tree.
//
// Grounded on the directory-scan/pool-building idiom in the pack's ATC voice
// manager (building country/region/global pools from filenames under a
// configured directory) — generalised here from a flat .onnx pool to a
// two-level voices/<voice>/<Emotion>_<n>.wav tree with an explicit fallback
// order instead of tiered geography.
package voiceregistry

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Hirtol/small-talk-sub000/internal/domainerr"
)

// Location identifies whether a voice is shared across all games or scoped
// to one game's directory.
type Location struct {
	Game string // empty for Global
}

// IsGlobal reports whether the location is the shared global voice pool.
func (l Location) IsGlobal() bool { return l.Game == "" }

// GlobalLocation is the shared voice pool location.
func GlobalLocation() Location { return Location{} }

// GameLocation scopes a location to one game id.
func GameLocation(gameID string) Location { return Location{Game: gameID} }

// String renders the location the way VoiceReference.String's prefix needs
// it: "global" or "game_<id>".
func (l Location) String() string {
	if l.IsGlobal() {
		return "global"
	}
	return "game_" + l.Game
}

// VoiceReference is the unique, hashable identity of a voice.
type VoiceReference struct {
	Name     string
	Location Location
}

// String renders the reference as the single-string serialisation spec.md
// §3 describes: "global_<name>" or "game_<id>_<name>".
func (r VoiceReference) String() string {
	if r.Location.IsGlobal() {
		return "global_" + r.Name
	}
	return fmt.Sprintf("game_%s_%s", r.Location.Game, r.Name)
}

// Emotion is one of the eight recognised sample tags.
type Emotion int

const (
	Neutral Emotion = iota
	NonNeutral
	Joy
	Surprise
	Anger
	Sadness
	Disgust
	Fear
)

var emotionNames = [...]string{
	Neutral:    "Neutral",
	NonNeutral: "NonNeutral",
	Joy:        "Joy",
	Surprise:   "Surprise",
	Anger:      "Anger",
	Sadness:    "Sadness",
	Disgust:    "Disgust",
	Fear:       "Fear",
}

// String returns the canonical filename token for the emotion, as written
// by StoreSamples and matched (case-insensitively) by Samples.
func (e Emotion) String() string {
	if e < 0 || int(e) >= len(emotionNames) {
		return "Unknown"
	}
	return emotionNames[e]
}

var allEmotions = []Emotion{Neutral, NonNeutral, Joy, Surprise, Anger, Sadness, Disgust, Fear}

// preferenceOrders[e] is the fixed 8-element fallback chain consulted when
// no sample exists for e itself. These are the literal constants from the
// original BasicEmotion::to_preference_order (emotion_classifier/mod.rs),
// not a generically-derived formula — they are not symmetric (e.g. Joy
// prefers Surprise before NonNeutral, while Surprise prefers Joy before
// NonNeutral) and must be reproduced verbatim rather than generated.
var preferenceOrders = map[Emotion][8]Emotion{
	Neutral:    {Neutral, NonNeutral, Surprise, Joy, Sadness, Anger, Disgust, Fear},
	NonNeutral: {NonNeutral, Neutral, Surprise, Joy, Sadness, Anger, Disgust, Fear},
	Joy:        {Joy, Surprise, Neutral, NonNeutral, Sadness, Anger, Disgust, Fear},
	Surprise:   {Surprise, Neutral, Joy, NonNeutral, Sadness, Anger, Disgust, Fear},
	Anger:      {Anger, Neutral, Sadness, Disgust, Fear, Joy, Surprise, NonNeutral},
	Sadness:    {Sadness, Neutral, Anger, Disgust, Fear, Joy, Surprise, NonNeutral},
	Disgust:    {Disgust, Neutral, Anger, Sadness, Fear, Joy, Surprise, NonNeutral},
	Fear:       {Fear, Neutral, Sadness, Disgust, Anger, Joy, Surprise, NonNeutral},
}

// PreferenceOrder returns e's fixed 8-element fallback chain.
func (e Emotion) PreferenceOrder() [8]Emotion {
	return preferenceOrders[e]
}

// parseEmotionPrefix matches a sample filename's stem against the emotion
// tokens case-insensitively, per spec.md §4.1's "bijective via a
// case-insensitive substring match" invariant. Longest token wins so
// "NonNeutral_1.wav" isn't mistaken for "Neutral_1.wav".
func parseEmotionPrefix(stem string) (Emotion, bool) {
	lower := strings.ToLower(stem)
	best := Emotion(-1)
	bestLen := 0
	for _, e := range allEmotions {
		token := strings.ToLower(e.String())
		if strings.HasPrefix(lower, token) && len(token) > bestLen {
			best = e
			bestLen = len(token)
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// FsVoiceSample is one voice sample on disk.
type FsVoiceSample struct {
	Path           string
	Emotion        Emotion
	TranscriptPath string // empty if no sibling .txt
}

// FsVoiceData is one voice directory resolved on disk.
type FsVoiceData struct {
	Ref VoiceReference
	Dir string
}

// Registry resolves voices under one appdata root.
type Registry struct {
	AppDataDir string
}

func New(appDataDir string) *Registry {
	return &Registry{AppDataDir: appDataDir}
}

func (r *Registry) voicesDir(loc Location) string {
	if loc.IsGlobal() {
		return filepath.Join(r.AppDataDir, "game_data", "global", "voices")
	}
	return filepath.Join(r.AppDataDir, "game_data", loc.Game, "voices")
}

// ListVoices returns the union of the global voice pool and the named
// game's voice pool.
func (r *Registry) ListVoices(game string) ([]FsVoiceData, error) {
	var out []FsVoiceData
	for _, loc := range []Location{GlobalLocation(), GameLocation(game)} {
		entries, err := os.ReadDir(r.voicesDir(loc))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("voiceregistry: listing %s: %w", r.voicesDir(loc), err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			out = append(out, FsVoiceData{
				Ref: VoiceReference{Name: entry.Name(), Location: loc},
				Dir: filepath.Join(r.voicesDir(loc), entry.Name()),
			})
		}
	}
	return out, nil
}

// GetVoice resolves a single reference to its directory, or
// domainerr.ErrVoiceDoesNotExist if the name is empty or the directory is
// absent. An empty name is rejected up front so it can never resolve to the
// voices root itself.
func (r *Registry) GetVoice(ref VoiceReference) (FsVoiceData, error) {
	if ref.Name == "" {
		return FsVoiceData{}, fmt.Errorf("voiceregistry: empty voice name: %w", domainerr.ErrVoiceDoesNotExist)
	}
	dir := filepath.Join(r.voicesDir(ref.Location), ref.Name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return FsVoiceData{}, fmt.Errorf("voiceregistry: %s: %w", ref, domainerr.ErrVoiceDoesNotExist)
	}
	return FsVoiceData{Ref: ref, Dir: dir}, nil
}

// Samples walks up to two levels under voice.Dir and groups every *.wav
// whose stem begins with a recognised emotion token, attaching a sibling
// .txt transcript when present.
func (r *Registry) Samples(voice FsVoiceData) (map[Emotion][]FsVoiceSample, error) {
	out := make(map[Emotion][]FsVoiceSample)

	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				if depth < 2 {
					if err := walk(full, depth+1); err != nil {
						return err
					}
				}
				continue
			}
			if strings.ToLower(filepath.Ext(entry.Name())) != ".wav" {
				continue
			}
			stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
			emotion, ok := parseEmotionPrefix(stem)
			if !ok {
				continue
			}
			sample := FsVoiceSample{Path: full, Emotion: emotion}
			if txt := strings.TrimSuffix(full, filepath.Ext(full)) + ".txt"; fileExists(txt) {
				sample.TranscriptPath = txt
			}
			out[emotion] = append(out[emotion], sample)
		}
		return nil
	}

	if err := walk(voice.Dir, 0); err != nil {
		return nil, fmt.Errorf("voiceregistry: scanning samples for %s: %w", voice.Ref, err)
	}
	for e := range out {
		sort.Slice(out[e], func(i, j int) bool { return out[e][i].Path < out[e][j].Path })
	}
	return out, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// StoreSamples moves each source sample into dest, renamed to the canonical
// "<Emotion>_<n>.wav" form where n is the next free index already present
// for that emotion bucket under dest.
func (r *Registry) StoreSamples(dest FsVoiceData, samples []FsVoiceSample) error {
	if err := os.MkdirAll(dest.Dir, 0o755); err != nil {
		return fmt.Errorf("voiceregistry: creating %s: %w", dest.Dir, err)
	}

	existing, err := r.Samples(dest)
	if err != nil {
		return err
	}
	nextIndex := make(map[Emotion]int, len(allEmotions))
	for e, bucket := range existing {
		nextIndex[e] = len(bucket)
	}

	for _, sample := range samples {
		n := nextIndex[sample.Emotion]
		destPath := filepath.Join(dest.Dir, fmt.Sprintf("%s_%d.wav", sample.Emotion, n))
		for fileExists(destPath) {
			n++
			destPath = filepath.Join(dest.Dir, fmt.Sprintf("%s_%d.wav", sample.Emotion, n))
		}
		nextIndex[sample.Emotion] = n + 1

		if err := os.Rename(sample.Path, destPath); err != nil {
			return fmt.Errorf("voiceregistry: storing sample as %s: %w", destPath, err)
		}
		if sample.TranscriptPath != "" {
			destTxt := strings.TrimSuffix(destPath, ".wav") + ".txt"
			_ = os.Rename(sample.TranscriptPath, destTxt)
		}
	}
	return nil
}

// TryEmotionSamples yields the non-empty sample buckets for voice in
// emotion's preference order, stopping once the sequence has been walked.
// It is a finite, non-restartable sequence: each call to the returned
// iterator re-walks the filesystem once and yields at most 8 buckets.
func (r *Registry) TryEmotionSamples(voice FsVoiceData, emotion Emotion) iter.Seq[[]FsVoiceSample] {
	return func(yield func([]FsVoiceSample) bool) {
		buckets, err := r.Samples(voice)
		if err != nil {
			return
		}
		for _, e := range emotion.PreferenceOrder() {
			bucket, ok := buckets[e]
			if !ok || len(bucket) == 0 {
				continue
			}
			if !yield(bucket) {
				return
			}
		}
	}
}

