package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yumeko-ai/yumeko/internal/history"
	"github.com/yumeko-ai/yumeko/internal/protocol"
)

// fakeSender records sent frames instead of writing to a socket.
type fakeSender struct {
	mu     sync.Mutex
	frames []any
	fail   bool
}

func (f *fakeSender) Send(ctx context.Context, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("link down")
	}
	f.frames = append(f.frames, msg)
	return nil
}

func (f *fakeSender) sent() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.frames...)
}

func newTestDispatcher(timeout time.Duration) (*Dispatcher, *fakeSender) {
	d := NewDispatcher(timeout, nil)
	s := &fakeSender{}
	d.SetSender(s)
	return d, s
}

func TestDispatchDeliversChunksThenFinal(t *testing.T) {
	d, s := newTestDispatcher(time.Second)

	taskID, events, err := d.Dispatch(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	frames := s.sent()
	if len(frames) != 1 {
		t.Fatalf("expected 1 forwarded frame, got %d", len(frames))
	}
	req, ok := frames[0].(protocol.InferRequest)
	if !ok {
		t.Fatalf("expected InferRequest, got %T", frames[0])
	}
	if req.TaskID != taskID || req.Text != "hello" {
		t.Errorf("forwarded %+v", req)
	}

	chunk := protocol.NewInferChunk(taskID, 0, "part one.")
	d.HandleChunk(&chunk)
	resp := protocol.NewInferResponse(taskID, "part one. part two.")
	d.HandleResponse(&resp)

	ev := <-events
	if ev.Chunk != "part one." || ev.Final {
		t.Errorf("first event %+v, want chunk", ev)
	}
	ev = <-events
	if !ev.Final || ev.Response != "part one. part two." {
		t.Errorf("second event %+v, want final", ev)
	}
	if _, open := <-events; open {
		t.Error("event stream not closed after final")
	}
	if d.PendingCount() != 0 {
		t.Errorf("task still pending after resolution")
	}
}

func TestDispatchNoWorker(t *testing.T) {
	d := NewDispatcher(time.Second, nil)
	if _, _, err := d.Dispatch(context.Background(), "x"); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("expected ErrNoWorker, got %v", err)
	}
}

func TestDispatchSendFailureCleansUp(t *testing.T) {
	d := NewDispatcher(time.Second, nil)
	d.SetSender(&fakeSender{fail: true})

	if _, _, err := d.Dispatch(context.Background(), "x"); err == nil {
		t.Fatal("expected error when forwarding fails")
	}
	if d.PendingCount() != 0 {
		t.Error("failed dispatch left a pending task")
	}
}

func TestTaskTimeoutThenLateResponseDiscarded(t *testing.T) {
	d, _ := newTestDispatcher(20 * time.Millisecond)

	taskID, events, err := d.Dispatch(context.Background(), "slow")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ev := <-events
	if !errors.Is(ev.Err, ErrTaskTimeout) {
		t.Fatalf("expected timeout event, got %+v", ev)
	}
	if _, open := <-events; open {
		t.Error("event stream not closed after timeout")
	}

	// The caller is gone; a late response must be dropped silently.
	resp := protocol.NewInferResponse(taskID, "too late")
	d.HandleResponse(&resp)
	if d.PendingCount() != 0 {
		t.Error("late response resurrected the task")
	}
}

func TestResponseBeforeTimeoutWinsExactlyOnce(t *testing.T) {
	d, _ := newTestDispatcher(50 * time.Millisecond)

	taskID, events, err := d.Dispatch(context.Background(), "fast")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	resp := protocol.NewInferResponse(taskID, "done")
	d.HandleResponse(&resp)

	var finals, errs int
	for ev := range events {
		if ev.Final {
			finals++
		}
		if ev.Err != nil {
			errs++
		}
	}
	if finals != 1 || errs != 0 {
		t.Fatalf("expected exactly one final and no errors, got %d finals %d errors", finals, errs)
	}

	// Wait past the timeout; the timer must not fire a second terminal.
	time.Sleep(80 * time.Millisecond)
	if d.PendingCount() != 0 {
		t.Error("task reappeared after timeout window")
	}
}

// hammerChunks sends chunks for taskID as fast as possible until stop
// closes, racing chunk delivery against whatever ends the task.
func hammerChunks(d *Dispatcher, taskID string, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for seq := 0; ; seq++ {
		select {
		case <-stop:
			return
		default:
		}
		chunk := protocol.NewInferChunk(taskID, seq, "tick")
		d.HandleChunk(&chunk)
	}
}

func TestChunksRacingTimeout(t *testing.T) {
	for i := 0; i < 25; i++ {
		d, _ := newTestDispatcher(time.Millisecond)
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

		taskID, events, err := d.Dispatch(context.Background(), "racy")
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go hammerChunks(d, taskID, stop, &wg)

		var terminals int
		for ev := range events {
			if ev.Final || ev.Err != nil {
				terminals++
			}
		}
		close(stop)
		wg.Wait()

		if terminals != 1 {
			t.Fatalf("iteration %d: %d terminal events, want exactly 1", i, terminals)
		}
	}
}

func TestChunksRacingResponse(t *testing.T) {
	for i := 0; i < 25; i++ {
		d, _ := newTestDispatcher(time.Minute)
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

		taskID, events, err := d.Dispatch(context.Background(), "racy")
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go hammerChunks(d, taskID, stop, &wg)
		go func() {
			resp := protocol.NewInferResponse(taskID, "done")
			d.HandleResponse(&resp)
		}()

		var finals int
		for ev := range events {
			if ev.Err != nil {
				t.Errorf("iteration %d: unexpected error event %v", i, ev.Err)
			}
			if ev.Final {
				finals++
			}
		}
		close(stop)
		wg.Wait()

		if finals != 1 {
			t.Fatalf("iteration %d: %d final events, want exactly 1", i, finals)
		}
	}
}

func TestChunkForUnknownTaskDropped(t *testing.T) {
	d, _ := newTestDispatcher(time.Second)
	chunk := protocol.NewInferChunk("never-dispatched", 0, "stray")
	d.HandleChunk(&chunk) // must not panic or block
}

func TestFailAllTerminatesPending(t *testing.T) {
	d, _ := newTestDispatcher(time.Minute)

	_, ev1, err := d.Dispatch(context.Background(), "one")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	_, ev2, err := d.Dispatch(context.Background(), "two")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	d.FailAll(ErrWorkerDisconnected)

	for _, events := range []<-chan Event{ev1, ev2} {
		ev := <-events
		if !errors.Is(ev.Err, ErrWorkerDisconnected) {
			t.Errorf("expected disconnect error, got %+v", ev)
		}
	}
	if d.PendingCount() != 0 {
		t.Error("pending tasks survived FailAll")
	}
}

func TestRequestHistoryRoundTrip(t *testing.T) {
	d := NewDispatcher(time.Second, nil)
	turns := []history.Turn{{Role: history.RoleUser, Content: "hi", Timestamp: "2024-03-01 14:00:00"}}

	// Sender answers the history request inline, like a fast worker.
	d.SetSender(senderFunc(func(ctx context.Context, msg any) error {
		req, ok := msg.(protocol.HistoryRequest)
		if !ok {
			return errors.New("unexpected frame")
		}
		go func() {
			resp := protocol.NewHistoryResponse(req.TaskID, turns)
			d.HandleHistoryResponse(&resp)
		}()
		return nil
	}))

	got, err := d.RequestHistory(context.Background())
	if err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}
	if len(got) != 1 || got[0] != turns[0] {
		t.Errorf("history %+v", got)
	}
}

func TestRequestHistoryTimeout(t *testing.T) {
	d, _ := newTestDispatcher(20 * time.Millisecond)
	if _, err := d.RequestHistory(context.Background()); !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

type senderFunc func(ctx context.Context, msg any) error

func (f senderFunc) Send(ctx context.Context, msg any) error { return f(ctx, msg) }
