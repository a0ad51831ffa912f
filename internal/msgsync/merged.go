package msgsync

import "maps"

// MergedMessage is the shape published to subscribers: raw store
// documents annotated with local attachment knowledge, with all
// timestamps flattened to RFC3339 strings.
type MergedMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	Kind           string
	Text           string
	Mime           string
	Name           string
	Size           int64
	Width          int
	Height         int
	DurationMs     int64
	// ExposedRef is what the UI may render now: local path, streamable
	// remote URL, or empty while a required download is outstanding.
	ExposedRef    string
	LocalPath     string
	DownloadState string
	Status        string
	Deleted       bool
	CreatedAt     string
	DeliveredAt   map[string]string
	ReadAt        map[string]string
}

// clone returns a copy whose timestamp maps are private. Everything
// handed to subscribers goes through this, so a published list never
// changes after delivery even when a later receipt update lands.
func (m MergedMessage) clone() MergedMessage {
	m.DeliveredAt = maps.Clone(m.DeliveredAt)
	m.ReadAt = maps.Clone(m.ReadAt)
	return m
}

func cloneMessages(msgs []MergedMessage) []MergedMessage {
	out := make([]MergedMessage, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].clone()
	}
	return out
}

// Update is a typed partial update to one published message. Each
// variant may only touch the fields its producer owns, so the
// downloader, the receipt tracker and the reconciler can never clobber
// each other's writes.
type Update interface {
	MessageID() string
	applyTo(m *MergedMessage)
}

// DownloadUpdate is owned by the downloader: download state, local path
// and the exposed ref once a local copy exists.
type DownloadUpdate struct {
	MsgID         string
	DownloadState string
	LocalPath     string
}

func (u DownloadUpdate) MessageID() string { return u.MsgID }

func (u DownloadUpdate) applyTo(m *MergedMessage) {
	m.DownloadState = u.DownloadState
	if u.LocalPath != "" {
		m.LocalPath = u.LocalPath
		m.ExposedRef = u.LocalPath
	}
}

// ReceiptUpdate is owned by the receipt tracker: send/delivery status
// and the per-recipient timestamp maps.
type ReceiptUpdate struct {
	MsgID       string
	Status      string
	DeliveredAt map[string]string
	ReadAt      map[string]string
}

func (u ReceiptUpdate) MessageID() string { return u.MsgID }

func (u ReceiptUpdate) applyTo(m *MergedMessage) {
	if u.Status != "" {
		m.Status = u.Status
	}
	for k, v := range u.DeliveredAt {
		if m.DeliveredAt == nil {
			m.DeliveredAt = map[string]string{}
		}
		m.DeliveredAt[k] = v
	}
	for k, v := range u.ReadAt {
		if m.ReadAt == nil {
			m.ReadAt = map[string]string{}
		}
		m.ReadAt[k] = v
	}
}
