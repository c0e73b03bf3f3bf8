// Package protocol defines the messages exchanged between the relay
// and the inference worker over their duplex connection. Every message
// is one JSON text frame tagged with a type and, where applicable, the
// task ID used to correlate responses back to waiting callers.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/yumeko-ai/yumeko/internal/history"
)

// MessageType discriminates frames on the duplex connection.
type MessageType string

const (
	// Relay -> worker.
	TypeInferRequest   MessageType = "infer_request"
	TypeHistoryRequest MessageType = "history_request"

	// Worker -> relay.
	TypeInferChunk      MessageType = "infer_chunk"
	TypeInferResponse   MessageType = "infer_response"
	TypeHistoryResponse MessageType = "history_response"

	// Liveness, either direction.
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// BaseMessage carries the fields common to all frames.
type BaseMessage struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id,omitempty"`
}

// InferRequest asks the worker to run the retrieval+generation pipeline
// over the given user text. Caller identity never crosses this channel;
// the relay resolves the eventual response purely by task ID.
type InferRequest struct {
	BaseMessage
	Text string `json:"text"`
}

// InferChunk delivers one sentence of a streamed reply. Seq preserves
// the source sentence order within a single task.
type InferChunk struct {
	BaseMessage
	Seq   int    `json:"seq"`
	Chunk string `json:"chunk"`
}

// InferResponse completes a task. An internal worker failure arrives as
// a response whose text is the failure message — the transport does not
// distinguish application errors from success.
type InferResponse struct {
	BaseMessage
	Response string `json:"response"`
}

// HistoryRequest asks the worker for the merged history view.
type HistoryRequest struct {
	BaseMessage
}

// HistoryResponse returns the merged history view in one frame.
type HistoryResponse struct {
	BaseMessage
	History []history.Turn `json:"history_data"`
}

// Ping and Pong keep the duplex connection observably alive.
type Ping struct{ BaseMessage }
type Pong struct{ BaseMessage }

// NewInferRequest builds a request frame for a task.
func NewInferRequest(taskID, text string) InferRequest {
	return InferRequest{BaseMessage: BaseMessage{Type: TypeInferRequest, TaskID: taskID}, Text: text}
}

// NewInferChunk builds a mid-stream chunk frame.
func NewInferChunk(taskID string, seq int, chunk string) InferChunk {
	return InferChunk{BaseMessage: BaseMessage{Type: TypeInferChunk, TaskID: taskID}, Seq: seq, Chunk: chunk}
}

// NewInferResponse builds a completion frame.
func NewInferResponse(taskID, response string) InferResponse {
	return InferResponse{BaseMessage: BaseMessage{Type: TypeInferResponse, TaskID: taskID}, Response: response}
}

// NewHistoryRequest builds a history fetch frame.
func NewHistoryRequest(taskID string) HistoryRequest {
	return HistoryRequest{BaseMessage: BaseMessage{Type: TypeHistoryRequest, TaskID: taskID}}
}

// NewPing builds a liveness probe frame.
func NewPing() Ping {
	return Ping{BaseMessage: BaseMessage{Type: TypePing}}
}

// NewPong builds the reply to a liveness probe.
func NewPong() Pong {
	return Pong{BaseMessage: BaseMessage{Type: TypePong}}
}

// NewHistoryResponse builds a history reply frame.
func NewHistoryResponse(taskID string, turns []history.Turn) HistoryResponse {
	return HistoryResponse{BaseMessage: BaseMessage{Type: TypeHistoryResponse, TaskID: taskID}, History: turns}
}

// ParseMessage decodes a frame into its concrete message struct.
// Unknown types come back as *BaseMessage so callers can log and skip.
func ParseMessage(data []byte) (any, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("parsing message envelope: %w", err)
	}

	switch base.Type {
	case TypeInferRequest:
		var msg InferRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeInferChunk:
		var msg InferChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeInferResponse:
		var msg InferResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeHistoryRequest:
		var msg HistoryRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeHistoryResponse:
		var msg HistoryResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypePing:
		return &Ping{BaseMessage: base}, nil

	case TypePong:
		return &Pong{BaseMessage: base}, nil

	default:
		return &base, nil
	}
}
