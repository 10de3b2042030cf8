package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyAnswer is returned when a reply carries no answer text.
var ErrEmptyAnswer = errors.New("generation: empty answer")

// SourceUse is the model's claim that it relied on source SourceNum
// (1-based) for Reason.
type SourceUse struct {
	SourceNum int    `json:"source_num"`
	Reason    string `json:"reason"`
}

// StructuredReply is the reply shape requested from the model.
type StructuredReply struct {
	Message     string      `json:"message"`
	SourcesUsed []SourceUse `json:"sources_used"`
}

// replySchema is the JSON schema of StructuredReply.
var replySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "sources_used": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "source_num": {"type": "integer"},
          "reason": {"type": "string"}
        },
        "required": ["source_num", "reason"],
        "additionalProperties": false
      }
    }
  },
  "required": ["message", "sources_used"],
  "additionalProperties": false
}`)

// ParseStructured decodes a structured reply. Markdown code fences around
// the JSON are tolerated.
func ParseStructured(content string) (*StructuredReply, error) {
	raw := stripFences(content)
	if raw == "" {
		return nil, ErrEmptyAnswer
	}
	var reply StructuredReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("generation: decode structured reply: %w", err)
	}
	reply.Message = strings.TrimSpace(reply.Message)
	if reply.Message == "" {
		return nil, ErrEmptyAnswer
	}
	return &reply, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop a language tag such as ```json.
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
