package webhook

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
)

// Payload shapes
const (
	shapeChatMessage  = "chat_message.json"
	shapeEmailMessage = "email_message.json"
	shapeStatus       = "status.json"
	shapeAccount      = "account.json"
	shapeTracking     = "tracking.json"
)

var shapeSources = map[string]string{
	shapeChatMessage: `{
		"type": "object",
		"properties": {
			"message_id": {"type": ["string", "number"]},
			"provider_message_id": {"type": ["string", "number"]},
			"chat_id": {"type": ["string", "number"]},
			"sender": {"type": ["object", "string", "null"]},
			"attendees": {"type": ["array", "null"]},
			"attachments": {"type": ["array", "null"]},
			"message": {"type": ["string", "null"]},
			"text": {"type": ["string", "null"]}
		},
		"anyOf": [
			{"required": ["message_id"]},
			{"required": ["provider_message_id"]},
			{"required": ["id"]}
		]
	}`,
	shapeEmailMessage: `{
		"type": "object",
		"properties": {
			"email_id": {"type": ["string", "number"]},
			"subject": {"type": ["string", "null"]},
			"from_attendee": {"type": ["object", "null"]},
			"to_attendees": {"type": ["array", "null"]},
			"cc_attendees": {"type": ["array", "null"]},
			"bcc_attendees": {"type": ["array", "null"]},
			"attachments": {"type": ["array", "null"]}
		},
		"anyOf": [
			{"required": ["email_id"]},
			{"required": ["provider_id"]},
			{"required": ["message_id"]},
			{"required": ["id"]}
		]
	}`,
	shapeStatus: `{
		"type": "object",
		"anyOf": [
			{"required": ["message_id"]},
			{"required": ["provider_message_id"]},
			{"required": ["email_id"]},
			{"required": ["id"]}
		]
	}`,
	shapeAccount: `{
		"type": "object",
		"properties": {
			"account_id": {"type": ["string", "number"]},
			"AccountStatus": {"type": "object"}
		}
	}`,
	shapeTracking: `{
		"type": "object",
		"properties": {
			"email": {"type": ["string", "null"]},
			"url": {"type": ["string", "null"]}
		},
		"anyOf": [
			{"required": ["message_id"]},
			{"required": ["email_id"]},
			{"required": ["provider_message_id"]},
			{"required": ["tracking_id"]},
			{"required": ["email"]},
			{"required": ["recipient"]}
		]
	}`,
}

var shapes = mustCompileShapes()

func mustCompileShapes() map[string]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	for name, src := range shapeSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			panic(fmt.Sprintf("parsing schema %s: %v", name, err))
		}
		if err := c.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("adding schema %s: %v", name, err))
		}
	}

	out := make(map[string]*jsonschema.Schema, len(shapeSources))
	for name := range shapeSources {
		out[name] = c.MustCompile(name)
	}
	return out
}

// validateShape checks p against the named schema; an empty name accepts anything
func validateShape(name string, p normalize.Payload) error {
	if name == "" {
		return nil
	}
	sch, ok := shapes[name]
	if !ok {
		return nil
	}
	if err := sch.Validate(map[string]any(p)); err != nil {
		detail := strings.Join(strings.Fields(strings.ReplaceAll(err.Error(), "\n", " ")), " ")
		return fmt.Errorf("%w: %s", entity.ErrInvalidPayload, detail)
	}
	return nil
}
