package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/yumeko-ai/yumeko/internal/protocol"
)

// Hub accepts and holds the single duplex link to the inference worker.
// A newly authenticated worker replaces any existing link; tasks pending
// on the old link are failed rather than silently orphaned.
type Hub struct {
	token      string
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu          sync.Mutex // guards conn pointer
	wmu         sync.Mutex // serializes frame writes
	conn        *websocket.Conn
	connectedAt time.Time
}

// NewHub creates a Hub authenticating workers against token.
func NewHub(token string, d *Dispatcher) *Hub {
	return &Hub{
		token:      token,
		dispatcher: d,
		logger:     slog.Default(),
	}
}

// Connected reports whether a worker link is currently up.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// ConnectedSince returns when the current link was established, or the
// zero time if no worker is connected.
func (h *Hub) ConnectedSince() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectedAt
}

// Send marshals msg and writes it as one text frame to the worker.
// Implements Sender for the dispatcher.
func (h *Hub) Send(ctx context.Context, msg any) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return ErrNoWorker
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	h.wmu.Lock()
	defer h.wmu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// HandleWS upgrades an authenticated worker request and runs its read
// loop until the link drops. Mount at GET /ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.logger.Warn("rejected worker connection", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("accepting worker connection", "error", err)
		return
	}
	h.attach(conn, r.RemoteAddr)

	h.readLoop(r.Context(), conn)

	h.detach(conn)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// attach installs conn as the worker link, displacing any previous one.
func (h *Hub) attach(conn *websocket.Conn, remote string) {
	h.mu.Lock()
	old := h.conn
	h.conn = conn
	h.connectedAt = time.Now()
	h.mu.Unlock()

	if old != nil {
		h.logger.Warn("replacing existing worker connection")
		h.dispatcher.FailAll(ErrWorkerDisconnected)
		old.Close(websocket.StatusPolicyViolation, "replaced by new worker")
	}

	h.dispatcher.SetSender(h)
	h.logger.Info("worker connected", "remote", remote)
}

// detach clears the link if conn is still the current one. A link that
// was already replaced by a newer worker must not fail the new worker's
// tasks on its way out.
func (h *Hub) detach(conn *websocket.Conn) {
	h.mu.Lock()
	current := h.conn == conn
	if current {
		h.conn = nil
		h.connectedAt = time.Time{}
	}
	h.mu.Unlock()
	if !current {
		return
	}

	h.dispatcher.SetSender(nil)
	h.dispatcher.FailAll(ErrWorkerDisconnected)
	h.logger.Info("worker disconnected")
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) &&
				websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Warn("worker read failed", "error", err)
			}
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			h.logger.Warn("unparseable worker message, dropping", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.InferChunk:
			h.dispatcher.HandleChunk(m)
		case *protocol.InferResponse:
			h.dispatcher.HandleResponse(m)
		case *protocol.HistoryResponse:
			h.dispatcher.HandleHistoryResponse(m)
		case *protocol.Ping:
			if err := h.Send(ctx, protocol.NewPong()); err != nil {
				h.logger.Warn("answering ping", "error", err)
			}
		case *protocol.Pong:
			// Heartbeat reply, nothing to do.
		default:
			h.logger.Warn("unexpected message from worker", "type", fmt.Sprintf("%T", m))
		}
	}
}
