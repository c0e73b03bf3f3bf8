package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yumeko-ai/yumeko/internal/protocol"
)

const testToken = "secret-token"

func newTestHandler(t *testing.T, stream bool, sender Sender) http.Handler {
	t.Helper()
	d := NewDispatcher(time.Second, nil)
	if sender != nil {
		d.SetSender(sender)
	}
	hub := NewHub(testToken, d)
	return NewAppHandler(AppDeps{
		Dispatcher: d,
		Hub:        hub,
		Token:      testToken,
		Stream:     stream,
	})
}

// echoWorker answers every infer request with chunks and a final
// response, like a fast worker on the other end of the hub.
func echoWorker(d *Dispatcher, chunks []string, final string) senderFunc {
	return func(ctx context.Context, msg any) error {
		req, ok := msg.(protocol.InferRequest)
		if !ok {
			return nil
		}
		go func() {
			for i, c := range chunks {
				chunk := protocol.NewInferChunk(req.TaskID, i, c)
				d.HandleChunk(&chunk)
			}
			resp := protocol.NewInferResponse(req.TaskID, final)
			d.HandleResponse(&resp)
		}()
		return nil
	}
}

func TestChatRequiresAuth(t *testing.T) {
	h := newTestHandler(t, false, &fakeSender{})
	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
}

func TestHealthOpenAndReportsWorker(t *testing.T) {
	h := newTestHandler(t, false, nil)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}

	var body struct {
		Status          string `json:"status"`
		WorkerConnected bool   `json:"worker_connected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if body.Status != "ok" || body.WorkerConnected {
		t.Errorf("health %+v", body)
	}
}

func TestChatNoWorker(t *testing.T) {
	h := newTestHandler(t, false, nil)
	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without worker, got %d", rec.Code)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	h := newTestHandler(t, false, &fakeSender{})
	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"  "}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank message, got %d", rec.Code)
	}
}

func TestChatNonStreaming(t *testing.T) {
	d := NewDispatcher(time.Second, nil)
	d.SetSender(echoWorker(d, []string{"one.", "two."}, "one. two."))
	hub := NewHub(testToken, d)
	h := NewAppHandler(AppDeps{Dispatcher: d, Hub: hub, Token: testToken, Stream: false})

	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status %d: %s", rec.Code, rec.Body.String())
	}

	var body ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Response != "one. two." || !body.Final || body.TaskID == "" {
		t.Errorf("response %+v", body)
	}
}

func TestChatStreamingNDJSON(t *testing.T) {
	d := NewDispatcher(time.Second, nil)
	d.SetSender(echoWorker(d, []string{"first.", "second."}, "first. second."))
	hub := NewHub(testToken, d)
	h := NewAppHandler(AppDeps{Dispatcher: d, Hub: hub, Token: testToken, Stream: true})

	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type %q", ct)
	}

	// Every line must parse independently; the last carries final:true.
	var lines []ChatResponse
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		var line ChatResponse
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("line %q not valid JSON: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 2 chunks + final, got %d lines: %+v", len(lines), lines)
	}
	if lines[0].Response != "first." || lines[0].Final {
		t.Errorf("line 0: %+v", lines[0])
	}
	if lines[1].Response != "second." || lines[1].Final {
		t.Errorf("line 1: %+v", lines[1])
	}
	if !lines[2].Final || lines[2].Response != "first. second." {
		t.Errorf("line 2: %+v", lines[2])
	}
}

func TestChatTimeoutStatus(t *testing.T) {
	d := NewDispatcher(20*time.Millisecond, nil)
	d.SetSender(&fakeSender{}) // accepts the frame, never answers
	hub := NewHub(testToken, d)
	h := NewAppHandler(AppDeps{Dispatcher: d, Hub: hub, Token: testToken, Stream: false})

	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 on timeout, got %d", rec.Code)
	}
}
