package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownType indicates a frame whose type has no decoder. The
	// server ignores these with debug logging rather than erroring.
	ErrUnknownType = errors.New("unknown message type")

	// ErrInvalidJSON indicates the frame was not parseable JSON.
	ErrInvalidJSON = errors.New("invalid json")

	// ErrInvalidMessage indicates valid JSON that fails the frame schema.
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is implemented by every concrete frame variant.
type Message interface {
	// Kind returns the frame discriminator.
	Kind() MessageType

	// FrameID returns the per-frame ID.
	FrameID() string
}

// Kind returns the frame discriminator.
func (e Envelope) Kind() MessageType { return e.Type }

// FrameID returns the per-frame ID.
func (e Envelope) FrameID() string { return e.ID }

// NewEnvelope builds an envelope with a fresh frame ID and timestamp.
func NewEnvelope(t MessageType, requestID string) Envelope {
	return Envelope{
		Type:      t,
		ID:        uuid.NewString(),
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}
}

// Parse decodes a raw frame into its concrete variant.
//
// The envelope is validated against the frame schema first, so a returned
// message always carries a non-empty type and, for adapter-originated
// frames, the fields the schema requires. Unknown types return
// ErrUnknownType with the decoded envelope so callers can log it.
func Parse(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := validateFrame(env.Type, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	decode := func(v Message) (Message, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return v, nil
	}

	switch env.Type {
	case TypeRegister:
		return decode(&Register{})
	case TypeRegistered:
		return decode(&Registered{})
	case TypeUnregister:
		return decode(&Unregister{})
	case TypePing:
		return decode(&Ping{})
	case TypePong:
		return decode(&Pong{})
	case TypeMessage:
		return decode(&UserMessage{})
	case TypeResponseStart:
		return decode(&ResponseStart{})
	case TypeResponseChunk:
		return decode(&ResponseChunk{})
	case TypeResponseEnd:
		return decode(&ResponseEnd{})
	case TypeToolStart:
		return decode(&ToolStart{})
	case TypeToolResult:
		return decode(&ToolResult{})
	case TypeCancel:
		return decode(&Cancel{})
	case TypeCancelled:
		return decode(&Cancelled{})
	case TypeError:
		return decode(&Error{})
	case TypeStatus:
		return decode(&Status{})
	case TypeProactive:
		return decode(&Proactive{})
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrInvalidMessage)
	default:
		return &env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode marshals a frame for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msg.Kind(), err)
	}
	return data, nil
}
