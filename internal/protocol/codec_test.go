package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegister(t *testing.T) {
	raw := []byte(`{
		"type": "REGISTER",
		"id": "f1",
		"node_id": "discord-main",
		"platform": "discord",
		"capabilities": ["streaming", "attachments"],
		"session_id": "prior-session"
	}`)

	msg, err := Parse(raw)
	require.NoError(t, err)

	reg, ok := msg.(*Register)
	require.True(t, ok, "expected *Register, got %T", msg)
	assert.Equal(t, "discord-main", reg.NodeID)
	assert.Equal(t, "discord", reg.Platform)
	assert.Equal(t, "prior-session", reg.SessionID)
	assert.Equal(t, []Capability{CapStreaming, CapAttachments}, reg.Capabilities)
	assert.Equal(t, TypeRegister, reg.Kind())
	assert.Equal(t, "f1", reg.FrameID())
}

func TestParseUserMessage(t *testing.T) {
	raw := []byte(`{
		"type": "MESSAGE",
		"id": "m1",
		"user": {"id": "cli-alice", "display_name": "Alice"},
		"channel": {"id": "t1", "type": "dm"},
		"content": "hi",
		"is_mention": true,
		"metadata": {"locale": "en"}
	}`)

	msg, err := Parse(raw)
	require.NoError(t, err)

	um, ok := msg.(*UserMessage)
	require.True(t, ok)
	assert.Equal(t, "m1", um.ID)
	assert.Equal(t, "cli-alice", um.User.ID)
	assert.Equal(t, ChannelDM, um.Channel.Type)
	assert.Equal(t, "hi", um.Content)
	assert.True(t, um.IsMention)
	assert.Equal(t, "en", um.Metadata["locale"])
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{nope`, ErrInvalidJSON},
		{"missing type", `{"id": "x"}`, ErrInvalidMessage},
		{"register without node_id", `{"type": "REGISTER", "platform": "cli"}`, ErrInvalidMessage},
		{"message without channel", `{"type": "MESSAGE", "id": "m1", "user": {"id": "u"}, "content": "x"}`, ErrInvalidMessage},
		{"cancel without request_id", `{"type": "CANCEL"}`, ErrInvalidMessage},
		{"message with bad channel type", `{"type": "MESSAGE", "id": "m1", "user": {"id": "u"}, "channel": {"id": "c", "type": "carrier-pigeon"}, "content": "x"}`, ErrInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestParseUnknownTypeReturnsEnvelope(t *testing.T) {
	msg, err := Parse([]byte(`{"type": "FUTURE_FRAME", "id": "f9"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
	require.NotNil(t, msg)
	assert.Equal(t, MessageType("FUTURE_FRAME"), msg.Kind())
	assert.Equal(t, "f9", msg.FrameID())
}

func TestEncodeRoundTrip(t *testing.T) {
	end := &ResponseEnd{
		Envelope:  NewEnvelope(TypeResponseEnd, "m1"),
		Text:      "done",
		ToolCount: 2,
		Files: []ResponseFile{
			{Filename: "out.png", MediaType: "image/png", Data: "aGVsbG8="},
		},
	}

	data, err := Encode(end)
	require.NoError(t, err)

	msg, err := Parse(data)
	require.NoError(t, err)
	decoded, ok := msg.(*ResponseEnd)
	require.True(t, ok)
	assert.Equal(t, "m1", decoded.RequestID)
	assert.Equal(t, "done", decoded.Text)
	assert.Equal(t, 2, decoded.ToolCount)
	require.Len(t, decoded.Files, 1)
	assert.Equal(t, "out.png", decoded.Files[0].Filename)
}

func TestNewEnvelopeAssignsUniqueIDs(t *testing.T) {
	a := NewEnvelope(TypePing, "")
	b := NewEnvelope(TypePing, "")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Timestamp.IsZero())
}

func TestNewErrorFrame(t *testing.T) {
	frame := NewError("m1", CodeDuplicate, "fingerprint seen 1s ago", false)
	data, err := Encode(frame)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ERROR", decoded["type"])
	assert.Equal(t, "duplicate", decoded["code"])
	assert.Equal(t, "m1", decoded["request_id"])
	assert.Equal(t, false, decoded["recoverable"])
}
