// Package rvccoord implements the RVC Coordinator (C5): routing a
// voice-conversion request to the fast or high-quality worker tier under a
// hard 40s wall-clock ceiling.
//
// Grounded on the same worker-cell shape as ttscoord (itself grounded on
// the teacher's pkg/provider/tts/coqui local-HTTP-server pattern), since
// spec.md §4.5 describes an RVC worker as structurally identical to a TTS
// worker (subprocess + readiness probe + multipart HTTP call) with a
// different request/response shape and a mandatory timeout.
package rvccoord

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Hirtol/small-talk-sub000/internal/domainerr"
	"github.com/Hirtol/small-talk-sub000/internal/resilience"
	"github.com/Hirtol/small-talk-sub000/internal/workercell"
	"github.com/Hirtol/small-talk-sub000/pkg/audiodsp"
)

// hardTimeout is the wall-clock ceiling spec.md §4.5 mandates regardless of
// the configured worker timeout.
const hardTimeout = 40 * time.Second

const readinessPollInterval = 1 * time.Second
const readinessTimeout = 120 * time.Second

// Request is the C5 request shape from spec.md §4.5.
type Request struct {
	Audio       audiodsp.AudioData
	TargetVoice string // path to the target voice's reference sample
}

// Result carries the converted audio.
type Result struct {
	GenTime time.Duration
	Audio   audiodsp.AudioData
}

// WorkerConfig configures one RVC worker cell ("fast" or "high_quality").
// Timeout is how long the worker's subprocess may sit idle before its
// resources are freed (idle-GC only); a single /api/rvc call is always
// bounded by the separate, hardcoded hardTimeout above, regardless of this
// value.
type WorkerConfig struct {
	Command    []string
	Dir        string
	APIAddress string
	Timeout    time.Duration
}

type worker struct {
	cfg    WorkerConfig
	client *http.Client
	cmd    *exec.Cmd
}

func newWorker(cfg WorkerConfig) *worker {
	return &worker{cfg: cfg, client: &http.Client{Timeout: hardTimeout}}
}

func (w *worker) Init(ctx context.Context) error {
	if len(w.cfg.Command) > 0 {
		cmd := exec.Command(w.cfg.Command[0], w.cfg.Command[1:]...)
		cmd.Dir = w.cfg.Dir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		workercell.SetProcessGroup(cmd)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("rvccoord: spawning worker: %w", err)
		}
		w.cmd = cmd
	}

	deadline := time.Now().Add(readinessTimeout)
	for {
		if w.probeReady(ctx) {
			return nil
		}
		if time.Now().After(deadline) {
			w.Kill()
			return fmt.Errorf("rvccoord: worker did not become ready within %s", readinessTimeout)
		}
		select {
		case <-ctx.Done():
			w.Kill()
			return ctx.Err()
		case <-time.After(readinessPollInterval):
		}
	}
}

func (w *worker) probeReady(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.APIAddress+"/api/ready", nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode == http.StatusOK && strings.TrimSpace(string(body)) == "true"
}

func (w *worker) Kill() {
	if w.cmd == nil || w.cmd.Process == nil {
		return
	}
	workercell.KillProcessGroup(w.cmd)
	_ = w.cmd.Wait()
	w.cmd = nil
}

// convert issues POST /api/rvc as the multipart request spec.md §6 describes
// (fields sound_samples, sample_rate, channels, target_voice).
func (w *worker) convert(ctx context.Context, req Request) (audiodsp.AudioData, error) {
	raw := make([]byte, len(req.Audio.Samples)*4)
	for i, s := range req.Audio.Samples {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], math.Float32bits(s))
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("sound_samples", "samples.raw")
	if err != nil {
		return audiodsp.AudioData{}, fmt.Errorf("rvccoord: creating sound_samples field: %w", err)
	}
	if _, err := fw.Write(raw); err != nil {
		return audiodsp.AudioData{}, fmt.Errorf("rvccoord: writing sound_samples field: %w", err)
	}
	_ = mw.WriteField("sample_rate", strconv.Itoa(req.Audio.SampleRate))
	_ = mw.WriteField("channels", strconv.Itoa(req.Audio.Channels))
	_ = mw.WriteField("target_voice", req.TargetVoice)
	if err := mw.Close(); err != nil {
		return audiodsp.AudioData{}, fmt.Errorf("rvccoord: closing multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.APIAddress+"/api/rvc", &body)
	if err != nil {
		return audiodsp.AudioData{}, fmt.Errorf("rvccoord: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return audiodsp.AudioData{}, fmt.Errorf("%w: rvccoord rvc call", domainerr.ErrTimeout)
		}
		return audiodsp.AudioData{}, fmt.Errorf("rvccoord: POST /api/rvc: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return audiodsp.AudioData{}, fmt.Errorf("rvccoord: POST /api/rvc returned status %d", resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return audiodsp.AudioData{}, fmt.Errorf("rvccoord: reading wav response: %w", err)
	}
	return audiodsp.DecodeWAV(wav)
}

// Coordinator holds up to two worker cells ("fast" and "high_quality").
type Coordinator struct {
	fast *workercell.Cell[*worker]
	hq   *workercell.Cell[*worker]

	fastBreaker *resilience.CircuitBreaker
	hqBreaker   *resilience.CircuitBreaker
}

// New creates a Coordinator. Either cfg may be the zero value, in which
// case that tier is left unconfigured and requests to it fail with
// domainerr.ErrRvcNotInitialised. Each configured tier gets its own
// [resilience.CircuitBreaker], same rationale as ttscoord.New: a tier that
// answers but fails every request should stop eating the hard 40s ceiling
// on every queued line once it's clearly down.
func New(fast, hq *WorkerConfig) *Coordinator {
	c := &Coordinator{}
	if fast != nil {
		cfg := *fast
		c.fast = workercell.New(func() *worker { return newWorker(cfg) }, cfg.Timeout)
		c.fastBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "rvccoord.fast"})
	}
	if hq != nil {
		cfg := *hq
		c.hq = workercell.New(func() *worker { return newWorker(cfg) }, cfg.Timeout)
		c.hqBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "rvccoord.high_quality"})
	}
	return c
}

func (c *Coordinator) cell(highQuality bool) *workercell.Cell[*worker] {
	if highQuality {
		return c.hq
	}
	return c.fast
}

func (c *Coordinator) breaker(highQuality bool) *resilience.CircuitBreaker {
	if highQuality {
		return c.hqBreaker
	}
	return c.fastBreaker
}

// RvcRequest converts req via the selected tier under a hard 40s ceiling.
// Exceeding the ceiling returns domainerr.ErrTimeout, which the queue actor
// treats as a skip rather than fatal, per spec.md §4.5 and §7.
func (c *Coordinator) RvcRequest(ctx context.Context, req Request, highQuality bool) (*Result, error) {
	cell := c.cell(highQuality)
	if cell == nil {
		return nil, fmt.Errorf("rvccoord: tier high_quality=%v: %w", highQuality, domainerr.ErrRvcNotInitialised)
	}

	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	start := time.Now()
	w, err := cell.Get(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: rvccoord worker init", domainerr.ErrTimeout)
		}
		return nil, fmt.Errorf("rvccoord: initialising worker: %w", err)
	}

	breaker := c.breaker(highQuality)
	var audio audiodsp.AudioData
	err = breaker.Execute(func() error {
		var convErr error
		audio, convErr = w.convert(ctx, req)
		return convErr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: rvccoord tier high_quality=%v", domainerr.ErrTimeout, highQuality)
		}
		if errors.Is(err, domainerr.ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cell.Kill()
			return nil, fmt.Errorf("%w: rvccoord convert", domainerr.ErrTimeout)
		}
		return nil, err
	}

	return &Result{GenTime: time.Since(start), Audio: audio}, nil
}

// PrepareInstance warms the chosen worker tier ahead of a generation to
// overlap subprocess start-up with TTS, per spec.md §4.5.
func (c *Coordinator) PrepareInstance(ctx context.Context, highQuality bool) error {
	cell := c.cell(highQuality)
	if cell == nil {
		return fmt.Errorf("rvccoord: tier high_quality=%v: %w", highQuality, domainerr.ErrRvcNotInitialised)
	}
	_, err := cell.Get(ctx)
	return err
}

// Close tears down every configured worker cell's live subprocess, if any.
func (c *Coordinator) Close() {
	if c.fast != nil {
		c.fast.Close()
	}
	if c.hq != nil {
		c.hq.Close()
	}
}
