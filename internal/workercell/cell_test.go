package workercell

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeState struct {
	inits int32
	kills int32
	err   error
}

func (f *fakeState) Init(ctx context.Context) error {
	atomic.AddInt32(&f.inits, 1)
	return f.err
}

func (f *fakeState) Kill() {
	atomic.AddInt32(&f.kills, 1)
}

func TestCellGetInitializesLazily(t *testing.T) {
	f := &fakeState{}
	c := New(func() *fakeState { return f }, time.Hour)

	if c.Present() {
		t.Fatal("cell should not be present before first Get")
	}
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !c.Present() {
		t.Fatal("cell should be present after Get")
	}
	if atomic.LoadInt32(&f.inits) != 1 {
		t.Fatalf("expected 1 init, got %d", f.inits)
	}

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if atomic.LoadInt32(&f.inits) != 1 {
		t.Fatalf("expected still 1 init after cache hit, got %d", f.inits)
	}
}

func TestCellGetPropagatesInitError(t *testing.T) {
	wantErr := errors.New("boom")
	f := &fakeState{err: wantErr}
	c := New(func() *fakeState { return f }, time.Hour)

	_, err := c.Get(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped %v, got %v", wantErr, err)
	}
	if c.Present() {
		t.Fatal("cell should not be present after failed init")
	}
}

func TestCellKillForcesReinitOnNextGet(t *testing.T) {
	f := &fakeState{}
	c := New(func() *fakeState { return f }, time.Hour)

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Kill()
	if c.Present() {
		t.Fatal("cell should not be present after Kill")
	}
	if atomic.LoadInt32(&f.kills) != 1 {
		t.Fatalf("expected 1 kill, got %d", f.kills)
	}

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get after Kill: %v", err)
	}
	if atomic.LoadInt32(&f.inits) != 2 {
		t.Fatalf("expected 2 inits after re-init, got %d", f.inits)
	}
}

func TestCellIdleTimeoutTearsDownState(t *testing.T) {
	f := &fakeState{}
	c := New(func() *fakeState { return f }, 20*time.Millisecond)

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for c.Present() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Present() {
		t.Fatal("cell should have torn down after idle timeout")
	}
	if atomic.LoadInt32(&f.kills) != 1 {
		t.Fatalf("expected 1 kill from idle timeout, got %d", f.kills)
	}
}

func TestCellCloseRejectsFurtherGets(t *testing.T) {
	f := &fakeState{}
	c := New(func() *fakeState { return f }, time.Hour)

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Close()
	if atomic.LoadInt32(&f.kills) != 1 {
		t.Fatalf("expected Close to kill live state, got %d kills", f.kills)
	}

	if _, err := c.Get(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
