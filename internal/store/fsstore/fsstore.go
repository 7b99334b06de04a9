// Package fsstore persists per-game GameData (character map, voice lists)
// as config.json, and the background queue snapshot as queue_backup.json,
// per spec.md §3 and §6's filesystem layout.
//
// Grounded on the teacher's internal/agent/npcstore JSON-backed definition
// store idiom (load-validate-save around a plain struct), generalised here
// to the single GameData document per game directory instead of one row per
// NPC definition.
package fsstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Hirtol/small-talk-sub000/internal/voiceregistry"
)

// GameData is the per-session document spec.md §3 describes.
type GameData struct {
	GameName     string                                 `json:"game_name"`
	CharacterMap map[string]voiceregistry.VoiceReference `json:"character_map"`
	MaleVoices   []voiceregistry.VoiceReference           `json:"male_voices"`
	FemaleVoices []voiceregistry.VoiceReference           `json:"female_voices"`
}

// voiceRefJSON is the on-disk shape of a VoiceReference: spec.md's data
// model describes it as a struct, not the single-string serialisation used
// for cache keys, so it round-trips as an explicit {name, location} pair.
type voiceRefJSON struct {
	Name     string `json:"name"`
	Location string `json:"location"` // "global" or "game_<id>"
}

func toJSON(ref voiceregistry.VoiceReference) voiceRefJSON {
	return voiceRefJSON{Name: ref.Name, Location: ref.Location.String()}
}

func fromJSON(j voiceRefJSON) voiceregistry.VoiceReference {
	if j.Location == "global" {
		return voiceregistry.VoiceReference{Name: j.Name, Location: voiceregistry.GlobalLocation()}
	}
	game := j.Location
	const prefix = "game_"
	if len(game) > len(prefix) && game[:len(prefix)] == prefix {
		game = game[len(prefix):]
	}
	return voiceregistry.VoiceReference{Name: j.Name, Location: voiceregistry.GameLocation(game)}
}

// onDisk is the literal config.json document shape.
type onDisk struct {
	GameName     string                  `json:"game_name"`
	CharacterMap map[string]voiceRefJSON `json:"character_map"`
	MaleVoices   []voiceRefJSON          `json:"male_voices"`
	FemaleVoices []voiceRefJSON          `json:"female_voices"`
}

func (g GameData) marshal() onDisk {
	cm := make(map[string]voiceRefJSON, len(g.CharacterMap))
	for k, v := range g.CharacterMap {
		cm[k] = toJSON(v)
	}
	male := make([]voiceRefJSON, len(g.MaleVoices))
	for i, v := range g.MaleVoices {
		male[i] = toJSON(v)
	}
	female := make([]voiceRefJSON, len(g.FemaleVoices))
	for i, v := range g.FemaleVoices {
		female[i] = toJSON(v)
	}
	return onDisk{GameName: g.GameName, CharacterMap: cm, MaleVoices: male, FemaleVoices: female}
}

func (d onDisk) unmarshal() GameData {
	cm := make(map[string]voiceregistry.VoiceReference, len(d.CharacterMap))
	for k, v := range d.CharacterMap {
		cm[k] = fromJSON(v)
	}
	male := make([]voiceregistry.VoiceReference, len(d.MaleVoices))
	for i, v := range d.MaleVoices {
		male[i] = fromJSON(v)
	}
	female := make([]voiceregistry.VoiceReference, len(d.FemaleVoices))
	for i, v := range d.FemaleVoices {
		female[i] = fromJSON(v)
	}
	return GameData{GameName: d.GameName, CharacterMap: cm, MaleVoices: male, FemaleVoices: female}
}

// EncodeGameData renders gd as the same JSON document Save writes to
// config.json. Exported so other backing stores (e.g. store/postgres) can
// persist a GameData blob without duplicating the VoiceReference<->JSON
// mapping.
func EncodeGameData(gd GameData) ([]byte, error) {
	data, err := json.Marshal(gd.marshal())
	if err != nil {
		return nil, fmt.Errorf("fsstore: marshalling game data: %w", err)
	}
	return data, nil
}

// DecodeGameData parses a document produced by [EncodeGameData] or written
// by [Store.Save].
func DecodeGameData(data []byte) (GameData, error) {
	var d onDisk
	if err := json.Unmarshal(data, &d); err != nil {
		return GameData{}, fmt.Errorf("fsstore: parsing game data: %w", err)
	}
	gd := d.unmarshal()
	if gd.CharacterMap == nil {
		gd.CharacterMap = map[string]voiceregistry.VoiceReference{}
	}
	return gd, nil
}

// Store persists one game's config.json under gameDir.
type Store struct {
	path string
}

// Open returns a Store rooted at <appDataDir>/game_data/<game>/config.json.
// It does not itself read or create the file; callers call [Store.Load].
func Open(appDataDir, game string) *Store {
	return &Store{path: filepath.Join(appDataDir, "game_data", game, "config.json")}
}

// Load reads config.json, returning an empty GameData (with the given game
// name) if the file does not yet exist.
func (s *Store) Load(gameName string) (GameData, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return GameData{
			GameName:     gameName,
			CharacterMap: map[string]voiceregistry.VoiceReference{},
		}, nil
	}
	if err != nil {
		return GameData{}, fmt.Errorf("fsstore: reading %s: %w", s.path, err)
	}
	var d onDisk
	if err := json.Unmarshal(data, &d); err != nil {
		return GameData{}, fmt.Errorf("fsstore: parsing %s: %w", s.path, err)
	}
	gd := d.unmarshal()
	if gd.CharacterMap == nil {
		gd.CharacterMap = map[string]voiceregistry.VoiceReference{}
	}
	return gd, nil
}

// Save writes gd to config.json, fsyncing the directory write before
// returning so that the "map update → fsync JSON" ordering spec.md §9
// requires for map_character stickiness holds even across a crash.
func (s *Store) Save(gd GameData) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("fsstore: creating %s: %w", filepath.Dir(s.path), err)
	}
	data, err := json.MarshalIndent(gd.marshal(), "", "  ")
	if err != nil {
		return fmt.Errorf("fsstore: marshalling game data: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("fsstore: opening %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("fsstore: writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsstore: syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fsstore: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("fsstore: renaming %s to %s: %w", tmp, s.path, err)
	}
	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}

// QueueBackupPath returns the path to the background-queue snapshot file
// for the game this Store is rooted at.
func (s *Store) QueueBackupPath() string {
	return filepath.Join(filepath.Dir(s.path), "queue_backup.json")
}

// SaveQueueSnapshot persists items as the queue_backup.json document.
func SaveQueueSnapshot[T any](path string, items []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fsstore: creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("fsstore: marshalling queue snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("fsstore: writing %s: %w", path, err)
	}
	return nil
}

// LoadQueueSnapshot reads a queue_backup.json document, returning an empty
// slice (not an error) if the file does not exist.
func LoadQueueSnapshot[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: reading %s: %w", path, err)
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("fsstore: parsing %s: %w", path, err)
	}
	return items, nil
}
