package claude

import (
	"encoding/json"
)

// MessageType discriminates the stream-JSON message kinds emitted by the
// CLI, one JSON object per line tagged by a "type" field.
type MessageType string

const (
	MessageTypeSystem      MessageType = "system"
	MessageTypeAssistant   MessageType = "assistant"
	MessageTypeUser        MessageType = "user"
	MessageTypeResult      MessageType = "result"
	MessageTypeStreamEvent MessageType = "stream_event"

	// MessageTypeUnknown covers every tag outside the known set. New CLI
	// releases add message kinds; they must degrade to a skip, not an error.
	MessageTypeUnknown MessageType = "unknown"
)

// ClassifyMessageType maps a raw type tag to a message kind. It is total:
// any unrecognized tag yields MessageTypeUnknown.
func ClassifyMessageType(tag string) MessageType {
	switch t := MessageType(tag); t {
	case MessageTypeSystem, MessageTypeAssistant, MessageTypeUser,
		MessageTypeResult, MessageTypeStreamEvent:
		return t
	default:
		return MessageTypeUnknown
	}
}

// FlexibleContent is a content field that may be either a plain string or
// an array of content blocks, depending on the message kind.
type FlexibleContent struct {
	raw json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	fc.raw = data
	return nil
}

// MarshalJSON implements json.Marshaler.
func (fc FlexibleContent) MarshalJSON() ([]byte, error) {
	if fc.raw == nil {
		return []byte("null"), nil
	}
	return fc.raw, nil
}

// AsString returns the content as a string, if it is one.
func (fc FlexibleContent) AsString() (string, bool) {
	if len(fc.raw) == 0 || fc.raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(fc.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsBlocks returns the content as an ordered block list, if it is an array.
func (fc FlexibleContent) AsBlocks() ([]ContentBlock, bool) {
	if len(fc.raw) == 0 || fc.raw[0] != '[' {
		return nil, false
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(fc.raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// ContentBlock is one element of a message content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// messageBody is the inner "message" object of assistant/user envelopes.
type messageBody struct {
	Role    string          `json:"role"`
	Content FlexibleContent `json:"content"`
}

// streamMessage is one decoded line of CLI output. The struct covers all
// message kinds; which fields are populated depends on Type. It is scoped
// to a single ReadMessage call and released once the returned event has
// been built.
type streamMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Content   FlexibleContent `json:"content,omitempty"`
	Message   *messageBody    `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ExtractFirstText returns the content of the first block whose type is
// "text". Scan order is significant: the CLI interleaves text and tool_use
// blocks and the leading text is the one meant for display.
func ExtractFirstText(blocks []ContentBlock) (string, bool) {
	for _, b := range blocks {
		if b.Type == "text" {
			return b.Text, true
		}
	}
	return "", false
}

// firstText extracts display text from any message kind. System messages
// may carry content directly as a string or nested under "message";
// assistant and user messages carry an ordered block array.
func (m *streamMessage) firstText() (string, bool) {
	if s, ok := m.Content.AsString(); ok {
		return s, true
	}
	if blocks, ok := m.Content.AsBlocks(); ok {
		if s, ok := ExtractFirstText(blocks); ok {
			return s, true
		}
	}
	if m.Message != nil {
		if s, ok := m.Message.Content.AsString(); ok {
			return s, true
		}
		if blocks, ok := m.Message.Content.AsBlocks(); ok {
			return ExtractFirstText(blocks)
		}
	}
	return "", false
}

// firstToolUse returns the first "tool_use" block, if any.
func (m *streamMessage) firstToolUse() *ContentBlock {
	if m.Message == nil {
		return nil
	}
	blocks, ok := m.Message.Content.AsBlocks()
	if !ok {
		return nil
	}
	for i := range blocks {
		if blocks[i].Type == "tool_use" {
			return &blocks[i]
		}
	}
	return nil
}

// firstToolResult returns the first "tool_result" block, if any.
func (m *streamMessage) firstToolResult() *ContentBlock {
	if m.Message == nil {
		return nil
	}
	blocks, ok := m.Message.Content.AsBlocks()
	if !ok {
		return nil
	}
	for i := range blocks {
		if blocks[i].Type == "tool_result" {
			return &blocks[i]
		}
	}
	return nil
}

// promptMessage is the single JSON object written per sendPrompt call.
type promptMessage struct {
	Message promptBody `json:"message"`
	Type    string     `json:"type"`
}

type promptBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func newPromptMessage(text string) promptMessage {
	return promptMessage{
		Type: "user",
		Message: promptBody{
			Role:    "user",
			Content: text,
		},
	}
}
