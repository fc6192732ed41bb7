package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/taskpilot/pkg/session"
)

// entrySchema is the shape every stored transcript payload must satisfy.
const entrySchema = `{
	"type": "object",
	"properties": {
		"role": {"type": "string", "enum": ["user", "assistant"]},
		"content": {"type": "string"}
	},
	"required": ["role", "content"],
	"additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func payloadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(entrySchema))
	})
	return compiledSchema, schemaErr
}

// EncodeEntry serializes a message into its stored payload form.
func EncodeEntry(msg ChatMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode entry: %w", err)
	}
	return string(data), nil
}

// DecodeEntry parses and validates a stored payload. Payloads that are not
// valid JSON or do not satisfy the entry schema report corruption, so the
// caller's recovery policy can wipe the transcript.
func DecodeEntry(payload string) (ChatMessage, error) {
	schema, err := payloadSchema()
	if err != nil {
		return ChatMessage{}, fmt.Errorf("failed to compile entry schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewStringLoader(payload))
	if err != nil {
		// Not even parseable JSON.
		return ChatMessage{}, fmt.Errorf("unparseable entry payload: %w", session.ErrCorruptedPayload)
	}
	if !result.Valid() {
		return ChatMessage{}, fmt.Errorf("entry payload fails schema (%s): %w",
			result.Errors()[0], session.ErrCorruptedPayload)
	}

	var msg ChatMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return ChatMessage{}, fmt.Errorf("failed to decode entry: %w", session.ErrCorruptedPayload)
	}
	return msg, nil
}
