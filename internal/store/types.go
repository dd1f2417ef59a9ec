package store

import "strings"

// Message delivery statuses. Pending/Failed only ever apply to provisional
// entries owned by the send pipeline; Delivered and Read are driven by
// server receipts, not by the pipeline.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
	StatusReceived  = "received"
)

// ProvisionalPrefix namespaces locally generated message IDs so they can
// never collide with server-assigned durable IDs.
const ProvisionalPrefix = "prov_"

// IsProvisionalID reports whether id was generated locally by the send
// pipeline rather than assigned by the server.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Conversation represents a cached conversation thread.
type Conversation struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	ParticipantID      string `json:"participant_id,omitempty"`
	ParticipantName    string `json:"participant_name,omitempty"`
	UnreadCount        int    `json:"unread_count"`
	LastMessageAt      int64  `json:"last_message_at"` // unix ms
	LastMessagePreview string `json:"last_message_preview,omitempty"`
}

// ConversationPatch is a partial conversation update derived from an
// inbound event. Zero-valued fields are left untouched on merge.
type ConversationPatch struct {
	ID                 string
	Title              string
	ParticipantID      string
	ParticipantName    string
	LastMessagePreview string
	LastMessageAt      int64
	// UnreadDelta increments the unread count (sidebar bump).
	UnreadDelta int
	// Unread, when set, is a server-reported absolute count. It is only
	// applied upward; markRead is the sole path that lowers the count.
	Unread *int
}

// Attachment is an inert payload carried by a message. Before upload
// completes it is identified by name/size plus a local preview reference;
// afterwards by the durable URL the server returned.
type Attachment struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
	PreviewRef  string `json:"preview_ref,omitempty"`
}

// Message represents a cached message. MsgID is either a server-assigned
// durable ID or a provisional ID awaiting reconciliation.
type Message struct {
	ID             int64        `json:"-"`
	ConversationID string       `json:"conversation_id"`
	MsgID          string       `json:"msg_id"`
	SenderID       string       `json:"sender_id,omitempty"`
	SenderName     string       `json:"sender_name,omitempty"`
	Body           string       `json:"body"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	FromMe         bool         `json:"from_me"`
	Status         string       `json:"status"`
	ErrorDetail    string       `json:"error_detail,omitempty"`
	Timestamp      int64        `json:"timestamp"` // unix ms
}

// PendingSend is the persisted lifecycle record of an in-flight or failed
// optimistic send, keyed by provisional ID. It is what lets the daemon tell
// a self-sent push echo apart from an independent re-send, and what lets a
// failed send survive a restart.
type PendingSend struct {
	ID             int64
	ProvisionalID  string
	ConversationID string // empty for a not-yet-created thread
	RecipientID    string
	Body           string
	Attachments    []Attachment
	RetryCount     int
	Status         string // inflight | failed
	ErrorMessage   string
	SubmittedAt    int64 // unix ms
}

// Pending send statuses.
const (
	PendingInflight = "inflight"
	PendingFailed   = "failed"
)

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
