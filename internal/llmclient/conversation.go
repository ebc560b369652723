package llmclient

import (
	"github.com/knd3dayo/ai-chat-util/pkg/provider/llm"
)

// Conversation is the ordered turn history of one chat session. It is a
// value: Append returns a new Conversation and never mutates the receiver,
// so a Conversation may be handed to concurrent readers but each session
// should keep its own.
type Conversation struct {
	turns []llm.Message
}

// NewConversation returns a conversation seeded with turns. The slice is
// copied.
func NewConversation(turns ...llm.Message) Conversation {
	return Conversation{turns: append([]llm.Message(nil), turns...)}
}

// Append returns a conversation with m added as the last turn.
func (c Conversation) Append(m llm.Message) Conversation {
	out := make([]llm.Message, len(c.turns), len(c.turns)+1)
	copy(out, c.turns)
	return Conversation{turns: append(out, m)}
}

// Messages returns a copy of the turns.
func (c Conversation) Messages() []llm.Message {
	return append([]llm.Message(nil), c.turns...)
}

// Len returns the number of turns.
func (c Conversation) Len() int { return len(c.turns) }

// Last returns the last turn and true, or the zero message and false for an
// empty conversation.
func (c Conversation) Last() (llm.Message, bool) {
	if len(c.turns) == 0 {
		return llm.Message{}, false
	}
	return c.turns[len(c.turns)-1], true
}
