package llm

import (
	"strings"

	"github.com/knd3dayo/ai-chat-util/pkg/content"
)

// Role identifies the author of a [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

// Message represents a single turn in an LLM conversation.
type Message struct {
	// Role is the author of the turn.
	Role Role

	// Parts is the ordered content of the turn. Assistant and system turns
	// carry text blocks only.
	Parts []content.Block
}

// TextMessage returns a message with a single text block.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []content.Block{content.Text(text)}}
}

// Text concatenates the text blocks of m, separated by newlines.
func (m Message) Text() string {
	var parts []string
	for _, p := range m.Parts {
		if p.Kind == content.KindText {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsFiles indicates the model accepts inline PDF file parts.
	SupportsFiles bool
}
