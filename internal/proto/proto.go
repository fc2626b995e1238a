// Package proto defines the wire protocol between the controller and a
// worker process: length-prefixed JSON frames carried over three ordered
// sub-channels (commands, events, faults), plus the Sender/Receiver pair
// used to move frames with polling receives.
package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed message payload (16 MiB).
const MaxMessageSize = 16 << 20

// Command is a single remote invocation sent from controller to worker.
// It is immutable once sent and opaque to the channel layer.
type Command struct {
	Method string                     `json:"method"`
	Args   []json.RawMessage          `json:"args,omitempty"`
	Kwargs map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// Worker→controller event types carried on the events sub-channel.
// Control events (ready, credit, empty) are routed out of band by the
// dispatcher; value events preserve the send order of the commands that
// produced them, which is the only call/answer correlation mechanism.
const (
	EventReady  = "ready"
	EventCredit = "credit"
	EventEmpty  = "empty"
	EventValue  = "value"
)

// Event is the envelope for all worker→controller messages on the events
// sub-channel.
type Event struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Fault is a worker's terminal error report, sent at most once per worker
// lifetime on the fault sub-channel.
type Fault struct {
	Error string `json:"error"`
	Trace string `json:"trace,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	length := uint32(len(data))
	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

// MarshalArgs converts Go values into raw JSON positional arguments.
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal arg %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

// MarshalKwargs converts Go values into raw JSON keyword arguments.
func MarshalKwargs(kwargs map[string]any) (map[string]json.RawMessage, error) {
	if len(kwargs) == 0 {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(kwargs))
	for k, v := range kwargs {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal kwarg %q: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}
