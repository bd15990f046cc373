package chat

import "time"

// Role is the speaker tag of a turn in a training record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// RoleOf derives the role of a sender: the configured self identity is the
// assistant, everyone else is the user.
func RoleOf(sender, self string) Role {
	if sender == self {
		return RoleAssistant
	}
	return RoleUser
}

// Message is a single cleaned chat line.
type Message struct {
	Timestamp time.Time
	Raw       string // timestamp exactly as received
	Sender    string
	Text      string
}

// Turn is one or more consecutive same-role messages.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Record is a role-tagged conversation ready for fine-tuning.
type Record struct {
	Messages       []Turn `json:"messages"`
	Persona        string `json:"persona"`
	TimestampStart string `json:"timestamp_start"`
	TimestampEnd   string `json:"timestamp_end"`
}

// HasRole reports whether any turn carries role r.
func (r Record) HasRole(role Role) bool {
	for _, t := range r.Messages {
		if t.Role == role {
			return true
		}
	}
	return false
}
