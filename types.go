package rtchat

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Credential is the opaque session credential issued by the auth layer.
// The SDK never refreshes it; an invalid credential surfaces as a terminal
// connection error.
type Credential struct {
	UserID string
	Token  string
}

// Valid reports whether the credential carries both an identity and a token.
func (c Credential) Valid() bool {
	return c.UserID != "" && c.Token != ""
}

// ============================================================================
// Domain Model
// ============================================================================

// Identity is a denormalized user snapshot carried on messages and roster
// entries. A partial identity (only ID set) is a placeholder pending lookup.
type Identity struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar,omitempty"`
}

// Partial reports whether the identity is a placeholder awaiting a lookup.
func (i Identity) Partial() bool {
	return i.Username == "" && i.FullName == ""
}

// Message is one chat message. Exactly one of ReceiverID/GroupID is set.
// Pending marks a locally synthesized placeholder that has not been
// acknowledged by the server yet; placeholders are always replaced by their
// confirmed counterpart, never merely hidden.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	MediaURL   string    `json:"media_url,omitempty"`
	MediaType  string    `json:"media_type,omitempty"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
	Sender     *Identity `json:"sender,omitempty"`
	Pending    bool      `json:"-"`
}

// Counterpart returns the other party of a one-to-one message from the
// point of view of selfID, or the group id for group-addressed messages.
func (m Message) Counterpart(selfID string) string {
	if m.GroupID != "" {
		return m.GroupID
	}
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// MediaRef is the descriptor returned by the media upload collaborator.
type MediaRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// RosterEntry is the summary state for one counterpart.
type RosterEntry struct {
	Identity    Identity
	LastMessage *Message
	Unread      int
	Online      bool
}

// RosterItem is one element of the server-side roster snapshot.
type RosterItem struct {
	User        Identity `json:"user"`
	LastMessage *Message `json:"last_message,omitempty"`
}
