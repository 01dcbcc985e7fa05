package domain

import "strings"

// Role identifies who authored a thread message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the provider-agnostic shape of one thread message. Text holds the
// concatenated text parts of the message content.
type Message struct {
	ID        string
	Role      Role
	Text      string
	RunID     string
	CreatedAt int64
}

// Chronological returns a copy of msgs in reverse order. The assistant service
// lists thread messages newest first.
func Chronological(newestFirst []Message) []Message {
	out := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out
}

// LatestAssistant returns the newest assistant message produced by runID.
// When no message carries runID it falls back to the newest assistant message.
func LatestAssistant(newestFirst []Message, runID string) (Message, bool) {
	var fallback *Message
	for i := range newestFirst {
		m := newestFirst[i]
		if m.Role != RoleAssistant {
			continue
		}
		if runID != "" && m.RunID == runID {
			return m, true
		}
		if fallback == nil {
			fallback = &newestFirst[i]
		}
	}
	if fallback == nil {
		return Message{}, false
	}
	return *fallback, true
}

// FormatTranscript renders chronological messages as "User: ..." and
// "Assistant: ..." paragraphs.
func FormatTranscript(chronological []Message) string {
	parts := make([]string, 0, len(chronological))
	for _, m := range chronological {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		label := "User"
		if m.Role == RoleAssistant {
			label = "Assistant"
		}
		parts = append(parts, label+": "+text)
	}
	return strings.Join(parts, "\n\n")
}
