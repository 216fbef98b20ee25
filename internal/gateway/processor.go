package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clara-ai/clara/internal/events"
	"github.com/clara-ai/clara/internal/orchestrator"
	"github.com/clara-ai/clara/internal/protocol"
	"github.com/clara-ai/clara/internal/router"
)

// process is the router's Processor: it turns one unit of channel work
// into an orchestrator run and streams the resulting events back to
// the originating adapter as wire frames.
//
// The request reaches exactly one terminal frame — RESPONSE_END,
// CANCELLED, or ERROR — before this returns.
func (s *Server) process(ctx context.Context, work *router.Work) error {
	defer func() {
		s.dropOrigin(work.RequestID)
		for _, msg := range work.Messages {
			s.dropOrigin(msg.ID)
		}
	}()

	req := buildRequest(work)

	release, err := s.llmPool.Acquire(ctx)
	if err != nil {
		s.sendToOrigin(work.RequestID, &protocol.Cancelled{
			Envelope: protocol.NewEnvelope(protocol.TypeCancelled, work.RequestID),
		})
		return err
	}
	defer release()

	start := &protocol.ResponseStart{
		Envelope: protocol.NewEnvelope(protocol.TypeResponseStart, work.RequestID),
	}
	s.sendToOrigin(work.RequestID, start)

	for ev := range s.orch.Generate(ctx, req) {
		switch ev.Kind {
		case orchestrator.EventChunk:
			s.sendToOrigin(work.RequestID, &protocol.ResponseChunk{
				Envelope:    protocol.NewEnvelope(protocol.TypeResponseChunk, work.RequestID),
				Chunk:       ev.Text,
				Accumulated: ev.Accumulated,
			})
		case orchestrator.EventToolStart:
			s.sendToOrigin(work.RequestID, &protocol.ToolStart{
				Envelope:  protocol.NewEnvelope(protocol.TypeToolStart, work.RequestID),
				ToolName:  ev.ToolName,
				Step:      ev.Step,
				Arguments: decodeArguments(ev.Arguments),
			})
		case orchestrator.EventToolResult:
			s.sendToOrigin(work.RequestID, &protocol.ToolResult{
				Envelope: protocol.NewEnvelope(protocol.TypeToolResult, work.RequestID),
				ToolName: ev.ToolName,
				Success:  ev.Success,
				Preview:  ev.Preview,
			})
		case orchestrator.EventComplete:
			end := &protocol.ResponseEnd{
				Envelope:  protocol.NewEnvelope(protocol.TypeResponseEnd, work.RequestID),
				Text:      ev.FinalText,
				ToolCount: ev.ToolCount,
			}
			for _, f := range ev.Files {
				end.Files = append(end.Files, protocol.ResponseFile{
					Filename:  f.Filename,
					MediaType: f.MediaType,
					Data:      base64.StdEncoding.EncodeToString(f.Data),
				})
			}
			s.sendToOrigin(work.RequestID, end)
			s.emitter.EmitAsync(ctx, events.New(events.EventMessageSent).
				WithRequest(work.RequestID, req.UserID, req.ChannelID).
				WithData("tool_count", ev.ToolCount))
			return nil
		case orchestrator.EventError:
			s.sendToOrigin(work.RequestID, protocol.NewError(
				work.RequestID, protocol.CodeProcessingError, ev.Err.Error(), true))
			return ev.Err
		}
	}

	// The stream closed without a terminal event: cancellation.
	if ctx.Err() != nil {
		s.sendToOrigin(work.RequestID, &protocol.Cancelled{
			Envelope: protocol.NewEnvelope(protocol.TypeCancelled, work.RequestID),
		})
		return ctx.Err()
	}
	err = fmt.Errorf("response stream ended without terminal event")
	s.sendToOrigin(work.RequestID, protocol.NewError(
		work.RequestID, protocol.CodeInternal, err.Error(), true))
	return err
}

// buildRequest flattens one unit of work — possibly a batch of
// coalesced messages — into an orchestrator request. The head
// message's reply chain becomes prior conversation turns.
func buildRequest(work *router.Work) *orchestrator.Request {
	head := work.Messages[0]

	var messages []orchestrator.Message
	for _, ref := range head.ReplyChain {
		role := "user"
		if strings.EqualFold(ref.Author, "assistant") || strings.EqualFold(ref.Author, "clara") {
			role = "assistant"
		}
		messages = append(messages, orchestrator.Message{Role: role, Content: ref.Content})
	}

	var content strings.Builder
	for i, msg := range work.Messages {
		if i > 0 {
			content.WriteString("\n\n")
		}
		content.WriteString(msg.Content)
	}

	user := orchestrator.Message{Role: "user", Content: content.String()}
	for _, msg := range work.Messages {
		for _, att := range msg.Attachments {
			if att.Data == "" || !strings.HasPrefix(att.MediaType, "image/") {
				continue
			}
			if data, err := base64.StdEncoding.DecodeString(att.Data); err == nil {
				user.Images = append(user.Images, orchestrator.Image{
					MediaType: att.MediaType,
					Data:      data,
				})
			}
		}
	}
	messages = append(messages, user)

	return &orchestrator.Request{
		RequestID: work.RequestID,
		UserID:    head.User.ID,
		ChannelID: work.Channel.ID,
		Tier:      head.Tier,
		Messages:  messages,
	}
}

func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return args
}
