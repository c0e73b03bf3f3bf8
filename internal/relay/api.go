package relay

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yumeko-ai/yumeko/internal/storage"
)

const maxChatBodySize = 1 << 20 // 1MB

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is a non-streaming reply, and also the shape of each
// newline-delimited JSON line in a streaming reply.
type ChatResponse struct {
	TaskID   string `json:"task_id"`
	Response string `json:"response"`
	Final    bool   `json:"final"`
}

// AppDeps carries the relay API's dependencies.
type AppDeps struct {
	Dispatcher *Dispatcher
	Hub        *Hub
	Token      string
	Tasks      *storage.Store // optional; enables GET /tasks
	Stream     bool
}

// NewAppHandler builds the relay's HTTP router. /health is open; /chat,
// /history and /tasks require the bearer token; /ws is the worker
// endpoint and authenticates inside the hub.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Get("/ws", deps.Hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/chat", handleChat(deps))
		r.Get("/history", handleHistory(deps))
		if deps.Tasks != nil {
			r.Get("/tasks", handleListTasks(deps))
		}
	})

	return r
}

// BearerAuth rejects requests whose Authorization header does not carry
// the shared token. Comparison is constant-time.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"worker_connected": deps.Hub.Connected(),
			"pending_tasks":    deps.Dispatcher.PendingCount(),
		})
	}
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		taskID, events, err := deps.Dispatcher.Dispatch(r.Context(), req.Message)
		if err != nil {
			if errors.Is(err, ErrNoWorker) {
				httpError(w, http.StatusServiceUnavailable, "api_error", "no inference worker available")
				return
			}
			httpError(w, http.StatusBadGateway, "api_error", "dispatching task: %v", err)
			return
		}

		if deps.Stream {
			streamChat(w, taskID, events)
			return
		}

		// Non-streaming: discard chunks, answer with the final result.
		for ev := range events {
			switch {
			case ev.Err != nil:
				httpError(w, taskErrorStatus(ev.Err), "api_error", "%v", ev.Err)
				return
			case ev.Final:
				writeJSON(w, http.StatusOK, ChatResponse{TaskID: taskID, Response: ev.Response, Final: true})
				return
			}
		}
		httpError(w, http.StatusBadGateway, "api_error", "task ended without a response")
	}
}

// streamChat writes one JSON object per line as chunks arrive, each
// independently parseable, ending with a final:true line carrying the
// complete response.
func streamChat(w http.ResponseWriter, taskID string, events <-chan Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	enc := json.NewEncoder(w)
	wrote := false
	for ev := range events {
		switch {
		case ev.Err != nil:
			if !wrote {
				// Nothing sent yet, a proper error status is still possible.
				httpError(w, taskErrorStatus(ev.Err), "api_error", "%v", ev.Err)
				return
			}
			enc.Encode(ChatResponse{TaskID: taskID, Response: fmt.Sprintf("error: %v", ev.Err), Final: true})
			flusher.Flush()
			return
		case ev.Final:
			enc.Encode(ChatResponse{TaskID: taskID, Response: ev.Response, Final: true})
			flusher.Flush()
			return
		default:
			enc.Encode(ChatResponse{TaskID: taskID, Response: ev.Chunk})
			flusher.Flush()
			wrote = true
		}
	}
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		turns, err := deps.Dispatcher.RequestHistory(r.Context())
		if err != nil {
			if errors.Is(err, ErrNoWorker) {
				httpError(w, http.StatusServiceUnavailable, "api_error", "no inference worker available")
				return
			}
			httpError(w, taskErrorStatus(err), "api_error", "fetching history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history_data": turns})
	}
}

func handleListTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 500 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be between 1 and 500")
				return
			}
			limit = n
		}

		tasks, err := deps.Tasks.RecentTasks(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing tasks: %v", err)
			return
		}

		out := make([]map[string]any, 0, len(tasks))
		for _, t := range tasks {
			item := map[string]any{
				"id":         t.ID,
				"input_text": t.InputText,
				"status":     t.Status,
				"response":   t.Response,
				"created_at": t.CreatedAt,
			}
			if !t.CompletedAt.IsZero() {
				item["completed_at"] = t.CompletedAt
			}
			out = append(out, item)
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
	}
}

func taskErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrTaskTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrWorkerDisconnected), errors.Is(err, ErrNoWorker):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
