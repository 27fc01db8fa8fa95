// Package conversation owns the canonical message log the controller feeds
// to the model, plus the synthetic-history rendering that turns a completed
// gadget invocation back into assistant/user messages for the next call.
package conversation

import (
	"fmt"
	"sync"

	"github.com/gadgetcore/runtime/gadget"
)

// Role is one of the three conversation roles.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind discriminates a message Part's payload.
type PartKind string

const (
	PartText    PartKind = "text"
	PartImage   PartKind = "image"
	PartAudio   PartKind = "audio"
	PartFileRef PartKind = "fileRef"
)

// Part is one element of a multimodal message. Content is either a plain
// string (Message.Content) or a sequence of Parts — never both.
type Part struct {
	Kind     PartKind
	Text     string
	Data     []byte // base64-decoded payload for image/audio parts
	MIMEType string
	FileRef  string // stable media-store id for image/audio/fileRef parts
}

// Message is one entry in the conversation log.
type Message struct {
	Role    Role
	Content string
	Parts   []Part
}

// Conversation is the ordered message log. It is owned exclusively by the
// iteration controller; gadgets never mutate it directly — they return
// results that the controller folds in through AppendInvocationResult.
type Conversation struct {
	mu       sync.Mutex
	messages []Message
}

// New builds a conversation, seeding it with a system message when
// systemPrompt is non-empty.
func New(systemPrompt string) *Conversation {
	c := &Conversation{}
	if systemPrompt != "" {
		c.messages = append(c.messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	return c
}

// AppendUser appends a plain-text user message.
func (c *Conversation) AppendUser(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: RoleUser, Content: content})
}

// AppendUserParts appends a multimodal user message.
func (c *Conversation) AppendUserParts(parts []Part) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: RoleUser, Parts: parts})
}

// AppendAssistant appends a plain-text assistant message.
func (c *Conversation) AppendAssistant(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: RoleAssistant, Content: content})
}

// AppendAcknowledge synthesizes the minimal user "continue" message used by
// the text-only "acknowledge" policy.
func (c *Conversation) AppendAcknowledge() {
	c.AppendUser("continue")
}

// AppendInvocationResult records a completed invocation as the synthetic
// history pair: an assistant message carrying the reconstructed marker
// block, followed by a user message "Result (<invocationId>): <text>" with
// any media attached as parts referenced by their stable media-store id.
func (c *Conversation) AppendInvocationResult(assistantBlock, invocationID, resultText string, media []gadget.Media) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, Message{Role: RoleAssistant, Content: assistantBlock})

	resultLine := fmt.Sprintf("Result (%s): %s", invocationID, resultText)
	if len(media) == 0 {
		c.messages = append(c.messages, Message{Role: RoleUser, Content: resultLine})
		return
	}

	parts := []Part{{Kind: PartText, Text: resultLine}}
	for _, m := range media {
		parts = append(parts, mediaPart(m))
	}
	c.messages = append(c.messages, Message{Role: RoleUser, Parts: parts})
}

func mediaPart(m gadget.Media) Part {
	kind := PartFileRef
	switch {
	case isImageMIME(m.MIMEType):
		kind = PartImage
	case isAudioMIME(m.MIMEType):
		kind = PartAudio
	}
	return Part{Kind: kind, FileRef: m.ID, MIMEType: m.MIMEType}
}

func isImageMIME(mime string) bool {
	return len(mime) >= 6 && mime[:6] == "image/"
}

func isAudioMIME(mime string) bool {
	return len(mime) >= 6 && mime[:6] == "audio/"
}

// Messages returns a point-in-time copy of the full log, safe to range over
// without holding the conversation's lock.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len reports the current message count.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}
