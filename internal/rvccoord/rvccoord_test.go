package rvccoord

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Hirtol/small-talk-sub000/internal/domainerr"
	"github.com/Hirtol/small-talk-sub000/pkg/audiodsp"
)

func fakeRvcServer(t *testing.T, wav []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("true"))
	})
	mux.HandleFunc("/api/rvc", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("target_voice") == "" {
			http.Error(w, "missing target_voice", http.StatusBadRequest)
			return
		}
		w.Write(wav)
	})
	return httptest.NewServer(mux)
}

func sampleWav() []byte {
	return audiodsp.EncodeWAV(audiodsp.AudioData{SampleRate: 16000, Channels: 1, Samples: []float32{0, 0.1, -0.1}})
}

func TestCoordinatorRvcRequestRoutesByTier(t *testing.T) {
	wav := sampleWav()
	srv := fakeRvcServer(t, wav)
	defer srv.Close()

	cfg := &WorkerConfig{APIAddress: srv.URL, Timeout: 5 * time.Second}
	c := New(cfg, nil)
	defer c.Close()

	result, err := c.RvcRequest(context.Background(), Request{
		Audio:       audiodsp.AudioData{SampleRate: 16000, Channels: 1, Samples: []float32{0, 0.2}},
		TargetVoice: "voices/target.wav",
	}, false)
	if err != nil {
		t.Fatalf("RvcRequest: %v", err)
	}
	if result.Audio.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", result.Audio.SampleRate)
	}
}

func TestCoordinatorRvcRequestOpensCircuitAfterRepeatedFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("true"))
	})
	calls := 0
	mux.HandleFunc("/api/rvc", func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &WorkerConfig{APIAddress: srv.URL, Timeout: 5 * time.Second}
	c := New(cfg, nil)
	defer c.Close()

	req := Request{Audio: audiodsp.AudioData{SampleRate: 16000, Channels: 1, Samples: []float32{0, 0.2}}, TargetVoice: "v.wav"}
	for i := 0; i < 5; i++ {
		if _, err := c.RvcRequest(context.Background(), req, false); err == nil {
			t.Fatalf("attempt %d: expected error from a failing backend", i)
		}
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5 before the breaker opens", calls)
	}

	_, err := c.RvcRequest(context.Background(), req, false)
	if !errors.Is(err, domainerr.ErrTimeout) {
		t.Fatalf("expected an open-circuit request to surface as ErrTimeout, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want still 5 — the open breaker must short-circuit without calling the backend", calls)
	}
}

func TestCoordinatorRvcRequestUnconfiguredTier(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	_, err := c.RvcRequest(context.Background(), Request{}, true)
	if !errors.Is(err, domainerr.ErrRvcNotInitialised) {
		t.Fatalf("expected ErrRvcNotInitialised, got %v", err)
	}
}
