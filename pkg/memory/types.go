package memory

import "time"

// Role identifies who produced a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Entry is one remembered conversation turn.
type Entry struct {
	// ItemID is the transport conversation item the entry came from. Entries
	// with the same non-empty ItemID replace each other on upsert.
	ItemID string `json:"itemId,omitempty"`

	Role Role   `json:"role"`
	Text string `json:"text"`

	CreatedAt time.Time `json:"createdAt"`
}
