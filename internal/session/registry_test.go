package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Hirtol/small-talk-sub000/internal/store/fsstore"
	"github.com/Hirtol/small-talk-sub000/internal/voiceregistry"
)

// fakeIndex is a minimal in-memory SessionIndex used to test the registry's
// claim/release wiring without a real database.
type fakeIndex struct {
	owner map[string]bool
}

func newFakeIndex() *fakeIndex { return &fakeIndex{owner: map[string]bool{}} }

func (f *fakeIndex) ClaimSession(ctx context.Context, gameID string, gd fsstore.GameData) (bool, error) {
	if f.owner[gameID] {
		return false, nil
	}
	f.owner[gameID] = true
	return true, nil
}

func (f *fakeIndex) ReleaseSession(ctx context.Context, gameID string) error {
	delete(f.owner, gameID)
	return nil
}

func newTestRegistry(t *testing.T, index SessionIndex) *Registry {
	t.Helper()
	appData := t.TempDir()
	voiceDir := appData + "/game_data/global/voices/narrator"
	if err := os.MkdirAll(voiceDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(voiceDir+"/Neutral_0.wav", testWav(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return NewRegistry(Config{
		AppDataDir: appData,
		Voices:     voiceregistry.New(appData),
		Tts:        nil,
		Index:      index,
	})
}

func TestGetOrStartReturnsSameHandleWhileAlive(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	h1, err := r.GetOrStart(ctx, "game1")
	if err != nil {
		t.Fatalf("GetOrStart: %v", err)
	}
	h2, err := r.GetOrStart(ctx, "game1")
	if err != nil {
		t.Fatalf("GetOrStart (again): %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected the same Handle for a still-alive session")
	}
	r.Stop(ctx, "game1")
}

func TestGetOrStartRejectsClaimOwnedElsewhere(t *testing.T) {
	index := newFakeIndex()
	index.owner["game2"] = true // simulate another instance already owning it
	r := newTestRegistry(t, index)

	_, err := r.GetOrStart(context.Background(), "game2")
	if err == nil {
		t.Fatal("expected GetOrStart to fail when the index claim is lost")
	}
}

func TestStopReleasesIndexClaim(t *testing.T) {
	index := newFakeIndex()
	r := newTestRegistry(t, index)
	ctx := context.Background()

	if _, err := r.GetOrStart(ctx, "game3"); err != nil {
		t.Fatalf("GetOrStart: %v", err)
	}
	if !index.owner["game3"] {
		t.Fatal("expected the claim to be recorded")
	}

	r.Stop(ctx, "game3")
	if index.owner["game3"] {
		t.Fatal("expected Stop to release the index claim")
	}
}

func TestShutdownDrainsAllSessionsAndReleasesClaims(t *testing.T) {
	index := newFakeIndex()
	r := newTestRegistry(t, index)
	ctx := context.Background()

	if _, err := r.GetOrStart(ctx, "game4"); err != nil {
		t.Fatalf("GetOrStart: %v", err)
	}
	if _, err := r.GetOrStart(ctx, "game5"); err != nil {
		t.Fatalf("GetOrStart: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(index.owner) != 0 {
		t.Fatalf("expected all claims released, got %v", index.owner)
	}
}
