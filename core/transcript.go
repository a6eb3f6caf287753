package core

// Transcript is the ordered, append-only record of one conversational
// exchange. Ordering is the only consistency requirement: entries appear in
// exactly the order they were produced. A Transcript is owned by a single
// goroutine for the duration of an exchange; concurrent writers are not
// supported.
type Transcript struct {
	messages []Message
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript { return &Transcript{} }

// Append adds a message to the end of the transcript.
func (t *Transcript) Append(msg Message) { t.messages = append(t.messages, msg) }

// Messages returns a copy of the transcript entries in append order. The
// copy keeps callers from mutating the transcript through the returned slice.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of entries.
func (t *Transcript) Len() int { return len(t.messages) }

// Last returns the most recent entry and true, or a zero Message and false
// when the transcript is empty.
func (t *Transcript) Last() (Message, bool) {
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// FinalAssistantText returns the content of the last assistant entry, or ""
// when no assistant message has been appended yet.
func (t *Transcript) FinalAssistantText() string {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Role == RoleAssistant {
			return t.messages[i].Content
		}
	}
	return ""
}
