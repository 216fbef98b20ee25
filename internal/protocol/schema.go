package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type frameSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	byType   map[MessageType]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		env, err := jsonschema.CompileString("envelope", envelopeSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.envelope = env

		// Only adapter-originated frames get strict per-type schemas;
		// the gateway trusts its own output.
		perType := map[MessageType]string{
			TypeRegister: registerSchema,
			TypeMessage:  messageSchema,
			TypeCancel:   cancelSchema,
		}

		frameSchemas.byType = make(map[MessageType]*jsonschema.Schema, len(perType))
		for t, src := range perType {
			compiled, err := jsonschema.CompileString("frame_"+string(t), src)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.byType[t] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateFrame checks a raw frame against the envelope schema and, when
// one exists, the per-type schema.
func validateFrame(t MessageType, raw []byte) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := frameSchemas.envelope.Validate(payload); err != nil {
		return fmt.Errorf("envelope: %w", err)
	}
	if schema := frameSchemas.byType[t]; schema != nil {
		if err := schema.Validate(payload); err != nil {
			return fmt.Errorf("%s frame: %w", t, err)
		}
	}
	return nil
}

const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "id": { "type": "string" },
    "request_id": { "type": "string" }
  },
  "additionalProperties": true
}`

const registerSchema = `{
  "type": "object",
  "required": ["node_id", "platform"],
  "properties": {
    "node_id": { "type": "string", "minLength": 1 },
    "platform": { "type": "string", "minLength": 1 },
    "capabilities": {
      "type": "array",
      "items": { "type": "string" }
    },
    "session_id": { "type": "string" },
    "secret": { "type": "string" }
  },
  "additionalProperties": true
}`

const messageSchema = `{
  "type": "object",
  "required": ["id", "user", "channel", "content"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "user": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "display_name": { "type": "string" },
        "username": { "type": "string" }
      },
      "additionalProperties": true
    },
    "channel": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "enum": ["dm", "server", "group"] },
        "name": { "type": "string" }
      },
      "additionalProperties": true
    },
    "content": { "type": "string" },
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "filename": { "type": "string" },
          "media_type": { "type": "string" },
          "data": { "type": "string" },
          "url": { "type": "string" },
          "size": { "type": "integer" }
        },
        "additionalProperties": true
      }
    },
    "reply_chain": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["author", "content"],
        "additionalProperties": true
      }
    },
    "tier": { "type": "string" },
    "metadata": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "is_mention": { "type": "boolean" },
    "is_batchable": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const cancelSchema = `{
  "type": "object",
  "required": ["request_id"],
  "properties": {
    "request_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`
