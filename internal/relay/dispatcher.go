// Package relay implements the public-facing half of the system: the
// HTTP API clients talk to, the hub holding the duplex link to the
// inference worker, and the dispatcher that correlates asynchronous
// worker responses back to waiting callers by task ID.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yumeko-ai/yumeko/internal/history"
	"github.com/yumeko-ai/yumeko/internal/protocol"
	"github.com/yumeko-ai/yumeko/internal/storage"
)

var (
	// ErrNoWorker means no authenticated worker link is up.
	ErrNoWorker = errors.New("no worker connected")
	// ErrTaskTimeout means no matching response arrived in time.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrWorkerDisconnected fails tasks pending when the link drops.
	ErrWorkerDisconnected = errors.New("worker disconnected")
)

// Event is one delivery on a task's event stream: a mid-stream chunk, a
// final response, or a terminal error. Exactly one Final or Err event
// ends every stream.
type Event struct {
	Seq      int
	Chunk    string
	Response string
	Final    bool
	Err      error
}

// Sender delivers one frame to the connected worker.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// AuditLog records task lifecycle transitions. *storage.Store
// implements it; a nil log disables auditing.
type AuditLog interface {
	CreateTask(t storage.Task) error
	SetStatus(id, status string) error
	FinishTask(id, status, response string) error
}

// eventBuffer is the per-task cap on queued, undelivered chunks. The
// event channel carries one slot beyond it, reserved for the terminal
// event; chunks past a stalled caller's buffer are dropped with a
// warning rather than stalling the hub's read loop.
const eventBuffer = 64

type pendingTask struct {
	events chan Event
	timer  *time.Timer
}

// Dispatcher owns task state on the relay. Workers never see caller
// identity; callers are resumed purely by task ID equality, exactly
// once, by whichever fires first: the matching response or the timeout.
type Dispatcher struct {
	timeout time.Duration
	audit   AuditLog
	logger  *slog.Logger

	mu      sync.Mutex
	sender  Sender
	pending map[string]*pendingTask
	fetches map[string]chan []history.Turn
}

// NewDispatcher creates a Dispatcher with the given per-task timeout.
// audit may be nil.
func NewDispatcher(timeout time.Duration, audit AuditLog) *Dispatcher {
	return &Dispatcher{
		timeout: timeout,
		audit:   audit,
		logger:  slog.Default(),
		pending: make(map[string]*pendingTask),
		fetches: make(map[string]chan []history.Turn),
	}
}

// SetSender installs the worker link. Pass nil when the link drops.
func (d *Dispatcher) SetSender(s Sender) {
	d.mu.Lock()
	d.sender = s
	d.mu.Unlock()
}

// PendingCount returns the number of in-flight tasks.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Dispatch creates a task for the user text, forwards it to the worker,
// and returns the task ID plus the event stream the caller consumes.
// The stream terminates with exactly one Final or Err event.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) (string, <-chan Event, error) {
	d.mu.Lock()
	sender := d.sender
	d.mu.Unlock()
	if sender == nil {
		return "", nil, ErrNoWorker
	}

	taskID := uuid.NewString()
	if d.audit != nil {
		if err := d.audit.CreateTask(storage.Task{ID: taskID, InputText: text}); err != nil {
			d.logger.Error("recording task", "task_id", taskID, "error", err)
		}
	}

	pt := &pendingTask{events: make(chan Event, eventBuffer+1)}
	d.mu.Lock()
	d.pending[taskID] = pt
	d.mu.Unlock()

	if err := sender.Send(ctx, protocol.NewInferRequest(taskID, text)); err != nil {
		d.resolve(taskID, Event{Err: fmt.Errorf("forwarding task: %w", err)}, storage.StatusFailed, "")
		return "", nil, fmt.Errorf("forwarding task to worker: %w", err)
	}

	if d.audit != nil {
		if err := d.audit.SetStatus(taskID, storage.StatusDispatched); err != nil {
			d.logger.Error("updating task status", "task_id", taskID, "error", err)
		}
	}

	timer := time.AfterFunc(d.timeout, func() {
		if d.resolve(taskID, Event{Err: ErrTaskTimeout}, storage.StatusFailed, "") {
			d.logger.Warn("task timed out", "task_id", taskID)
		}
	})
	d.mu.Lock()
	if _, ok := d.pending[taskID]; ok {
		pt.timer = timer
	} else {
		// Resolved before the timer could be attached.
		timer.Stop()
	}
	d.mu.Unlock()

	return taskID, pt.events, nil
}

// HandleChunk forwards a mid-stream chunk to its waiting caller. The
// send happens under the dispatcher lock so it cannot race the terminal
// close in resolve. Chunks for unknown (expired or bogus) tasks are
// logged and dropped.
func (d *Dispatcher) HandleChunk(msg *protocol.InferChunk) {
	d.mu.Lock()
	pt, ok := d.pending[msg.TaskID]
	dropped := false
	if ok {
		// Never take the channel's last slot; it is reserved for the
		// terminal event.
		if len(pt.events) < eventBuffer {
			pt.events <- Event{Seq: msg.Seq, Chunk: msg.Chunk}
		} else {
			dropped = true
		}
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Warn("chunk for unknown task, discarding", "task_id", msg.TaskID)
	} else if dropped {
		d.logger.Warn("caller not draining chunks, dropping", "task_id", msg.TaskID, "seq", msg.Seq)
	}
}

// HandleResponse completes a task. A response for a task that is no
// longer tracked (typically one that already timed out) is discarded,
// never delivered to a wrong or expired caller.
func (d *Dispatcher) HandleResponse(msg *protocol.InferResponse) {
	delivered := d.resolve(msg.TaskID, Event{Response: msg.Response, Final: true},
		storage.StatusCompleted, msg.Response)
	if !delivered {
		d.logger.Warn("response for unknown task, discarding", "task_id", msg.TaskID)
	}
}

// resolve ends a task exactly once: it removes the task from tracking,
// stops its timer, emits the terminal event, and closes the stream. The
// terminal send and the close happen under the lock, mutually exclusive
// with chunk delivery, and never block because chunk sends leave the
// channel's last slot free. Returns false if the task was not tracked
// (already resolved).
func (d *Dispatcher) resolve(taskID string, ev Event, status, response string) bool {
	d.mu.Lock()
	pt, ok := d.pending[taskID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, taskID)
	if pt.timer != nil {
		pt.timer.Stop()
	}
	pt.events <- ev
	close(pt.events)
	d.mu.Unlock()

	if d.audit != nil {
		if err := d.audit.FinishTask(taskID, status, response); err != nil {
			d.logger.Error("finishing task record", "task_id", taskID, "error", err)
		}
	}
	return true
}

// FailAll resolves every pending task and history fetch with err.
// Called when the worker link drops so nothing waits forever.
func (d *Dispatcher) FailAll(err error) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	fetches := d.fetches
	d.fetches = make(map[string]chan []history.Turn)
	d.mu.Unlock()

	for _, id := range ids {
		d.resolve(id, Event{Err: err}, storage.StatusFailed, "")
	}
	for _, ch := range fetches {
		close(ch)
	}
	if len(ids) > 0 {
		d.logger.Warn("failed pending tasks", "count", len(ids), "reason", err)
	}
}

// RequestHistory fetches the merged history view over the duplex link,
// without streaming. It shares the task-ID correlation machinery and
// the dispatcher timeout.
func (d *Dispatcher) RequestHistory(ctx context.Context) ([]history.Turn, error) {
	d.mu.Lock()
	sender := d.sender
	d.mu.Unlock()
	if sender == nil {
		return nil, ErrNoWorker
	}

	taskID := uuid.NewString()
	ch := make(chan []history.Turn, 1)
	d.mu.Lock()
	d.fetches[taskID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.fetches, taskID)
		d.mu.Unlock()
	}()

	if err := sender.Send(ctx, protocol.NewHistoryRequest(taskID)); err != nil {
		return nil, fmt.Errorf("forwarding history request: %w", err)
	}

	select {
	case turns, ok := <-ch:
		if !ok {
			return nil, ErrWorkerDisconnected
		}
		return turns, nil
	case <-time.After(d.timeout):
		return nil, ErrTaskTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleHistoryResponse resumes a waiting RequestHistory call.
func (d *Dispatcher) HandleHistoryResponse(msg *protocol.HistoryResponse) {
	d.mu.Lock()
	ch, ok := d.fetches[msg.TaskID]
	if ok {
		delete(d.fetches, msg.TaskID)
	}
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("history response for unknown task, discarding", "task_id", msg.TaskID)
		return
	}
	ch <- msg.History
	close(ch)
}
