package store

import "encoding/json"

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
	KindVideo = "video"
	KindAudio = "audio"
	KindFile  = "file"
)

// Send/delivery lifecycle. A pending message is visible only to its
// sender; other participants see it once it advances to sent.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Attachment download lifecycle, independent of send/delivery status.
// State only advances; failed may re-enter pending on manual retry, done
// is terminal.
const (
	DownloadIdle        = "idle"
	DownloadPending     = "pending"
	DownloadDownloading = "downloading"
	DownloadDone        = "done"
	DownloadFailed      = "failed"
)

// Message is one chat message document.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	Kind           string
	Text           string
	Mime           string
	Name           string
	Size           int64
	Width          int
	Height         int
	DurationMs     int64
	// CanonicalRef is the authoritative attachment pointer: a remote URL
	// until cached, the local path afterwards.
	CanonicalRef  string
	LocalPath     string
	DownloadState string
	Status        string
	Deleted       bool
	DeliveredAt   map[string]int64
	ReadAt        map[string]int64
	DeletedFor    []string
	CreatedAt     int64
}

// HiddenFor reports whether the message is soft-deleted for userID.
func (m *Message) HiddenFor(userID string) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}

// Conversation is a DM or group thread. ID is derived from the unordered
// member set, so repeated opens converge without a lookup round trip.
type Conversation struct {
	ID            string
	MemberIDs     []string
	Unread        map[string]int
	Typing        map[string]bool
	LastMessage   string
	LastMessageAt int64
}

// IsGroup mirrors the member-count heuristic the rest of the system uses.
func (c *Conversation) IsGroup() bool {
	return len(c.MemberIDs) > 2
}

// DeviceToken is one registered push endpoint for one user+installation.
// Keyed by install id rather than the token itself so rotation updates the
// existing record.
type DeviceToken struct {
	UserID    string
	InstallID string
	Token     string
	Platform  string
	UpdatedAt int64
}

// Presence is a user's last observed online state.
type Presence struct {
	UserID       string
	Online       bool
	LastActiveAt int64
}

// MessageEvent is the payload of doc.message.* events: the document
// before and after the write. Before is nil on create.
type MessageEvent struct {
	ConversationID string
	MsgID          string
	Before         *Message
	After          *Message
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeTimeMap(s string) map[string]int64 {
	m := map[string]int64{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

func decodeIntMap(s string) map[string]int {
	m := map[string]int{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

func decodeBoolMap(s string) map[string]bool {
	m := map[string]bool{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

func decodeStrings(s string) []string {
	var out []string
	if s != "" {
		_ = json.Unmarshal([]byte(s), &out)
	}
	return out
}
