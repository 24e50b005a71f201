package chat

import (
	"time"
)

// ---------------------------------------------
// Persistence models
// ---------------------------------------------

type MessageType string

const (
	MessageText       MessageType = "text"
	MessageAttachment MessageType = "attachment"
	MessageSystem     MessageType = "system"
)

type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentDocument AttachmentType = "document"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVideo    AttachmentType = "video"
)

type Attachment struct {
	Type         AttachmentType `json:"type"`
	URL          string         `json:"url"`
	Name         string         `json:"name"`
	Size         int64          `json:"size,omitempty"`
	MimeType     string         `json:"mimeType,omitempty"`
	ThumbnailURL string         `json:"thumbnailUrl,omitempty"`
}

type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channelId"`
	Type        MessageType  `json:"type"`
	SenderID    string       `json:"senderId"`
	SenderName  string       `json:"senderName"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"createdAt"`
}

type StatusUpdate struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patientId"`
	Status    string    `json:"status"`
	CreatedBy string    `json:"createdBy"`
	Location  string    `json:"location,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ---------------------------------------------
// Connection identity
// ---------------------------------------------

const systemSender = "system"

// Identity is who a connection claims to be. Legacy holds the stringified
// numeric id older clients send instead of an empId.
type Identity struct {
	EmpID    string
	Username string
	Legacy   string
}

func (i Identity) Bound() bool {
	return i.EmpID != "" || i.Legacy != ""
}

// ID is the identity string used as senderId/createdBy.
func (i Identity) ID() string {
	if i.EmpID != "" {
		return i.EmpID
	}
	return i.Legacy
}

func (i Identity) DisplayName() string {
	if i.Username != "" {
		return i.Username
	}
	if id := i.ID(); id != "" {
		return id
	}
	return "Anonymous"
}

// Matches reports whether id names this identity by either scheme.
func (i Identity) Matches(id string) bool {
	if id == "" {
		return false
	}
	return i.EmpID == id || i.Legacy == id
}
