package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/relaytun/relaytun/internal/frame"
)

func TestDeliverCompletesWaiter(t *testing.T) {
	c := New()
	wait, err := c.Register(context.Background(), "req-1")
	if err != nil {
		t.Fatal(err)
	}

	want := &frame.Frame{Type: frame.TypeHTTPResponse, ID: "req-1"}
	if !c.Deliver("req-1", want) {
		t.Fatal("expected Deliver to find the waiter")
	}

	got, err := wait()
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestDeliverUnknownIDIsNoop(t *testing.T) {
	c := New()
	if c.Deliver("nope", &frame.Frame{}) {
		t.Fatal("expected false for unknown id")
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	c := New()
	if _, err := c.Register(context.Background(), "req-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Register(context.Background(), "req-1"); err != ErrAlreadyPending {
		t.Fatalf("got %v want ErrAlreadyPending", err)
	}
}

func TestWaitTimesOutViaContext(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	wait, err := c.Register(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = wait()
	if err != context.DeadlineExceeded {
		t.Fatalf("got %v want DeadlineExceeded", err)
	}
	if c.Pending() != 0 {
		t.Fatal("expected waiter to be forgotten after timeout")
	}
}

func TestDoubleDeliverOnlyFirstWins(t *testing.T) {
	c := New()
	wait, err := c.Register(context.Background(), "req-1")
	if err != nil {
		t.Fatal(err)
	}

	first := &frame.Frame{ID: "first"}
	second := &frame.Frame{ID: "second"}
	c.Deliver("req-1", first)
	c.Deliver("req-1", second) // waiter already completed; must not panic or block

	got, err := wait()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "first" {
		t.Fatalf("got %q want first", got.ID)
	}
}

func TestCloseAbortsPendingWaiters(t *testing.T) {
	c := New()
	wait, err := c.Register(context.Background(), "req-1")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = wait()
		close(done)
	}()

	c.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after Close")
	}
	if gotErr != ErrClosed {
		t.Fatalf("got %v want ErrClosed", gotErr)
	}
}

func TestRegisterAfterCloseFails(t *testing.T) {
	c := New()
	c.Close()
	if _, err := c.Register(context.Background(), "req-1"); err != ErrClosed {
		t.Fatalf("got %v want ErrClosed", err)
	}
}
