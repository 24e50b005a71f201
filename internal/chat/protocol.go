package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Inbound frame types.
const (
	EventIdentity               = "identity"
	EventJoin                   = "join"
	EventLeave                  = "leave"
	EventMessage                = "message"
	EventAttachment             = "attachment"
	EventStatusUpdate           = "statusUpdate"
	EventUserStatus             = "userStatus"
	EventPing                   = "ping"
	EventCallInvitation         = "callInvitation"
	EventCallInvitationResponse = "callInvitationResponse"
	EventCallSignal             = "callSignal"
)

// Outbound-only frame types.
const (
	FrameWelcome       = "welcome"
	FramePong          = "pong"
	FrameHistory       = "history"
	FrameStatusUpdates = "statusUpdates"
	FrameSystem        = "system"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// wireID accepts an identity as a JSON string or number. Older clients send
// numeric user ids; everything past decoding sees a plain string.
type wireID string

func (w *wireID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*w = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*w = wireID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identity must be a string or number: %w", err)
	}
	*w = wireID(n.String())
	return nil
}

// wireTime is an optional client timestamp: an RFC3339 string or epoch
// milliseconds. Anything else decodes to the zero time rather than failing
// the event it belongs to.
type wireTime struct {
	time.Time
}

func (w *wireTime) UnmarshalJSON(data []byte) error {
	w.Time = time.Time{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
			w.Time = t
		}
		return nil
	}
	var ms json.Number
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil
	}
	if n, err := ms.Int64(); err == nil && n > 0 {
		w.Time = time.UnixMilli(n)
	} else if f, err := ms.Float64(); err == nil && f > 0 {
		w.Time = time.UnixMilli(int64(f))
	}
	return nil
}

func wireIDs(ids []wireID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, string(id))
		}
	}
	return out
}

// ---------------------------------------------
// Inbound events
// ---------------------------------------------

type inboundFrame struct {
	Type string `json:"type"`
}

type identityEvent struct {
	EmpID        wireID `json:"empId"`
	Username     string `json:"username"`
	LegacyUserID wireID `json:"legacyUserId"`
}

type joinEvent struct {
	ChannelID string `json:"channelId"`
	PatientID string `json:"patientId"`
}

type leaveEvent struct {
	ChannelID string `json:"channelId"`
}

type inboundAttachment struct {
	Type         string `json:"type"`
	URL          string `json:"url"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

type chatEvent struct {
	ChannelID   string              `json:"channelId"`
	Content     string              `json:"content"`
	Attachments []inboundAttachment `json:"attachments"`
}

type statusUpdateEvent struct {
	PatientID string `json:"patientId"`
	Status    string `json:"status"`
	Location  string `json:"location"`
	Details   string `json:"details"`
}

type userStatusEvent struct {
	Status    string   `json:"status"`
	InCall    bool     `json:"inCall"`
	Timestamp wireTime `json:"timestamp"`
}

type callInvitationEvent struct {
	ChannelID    string `json:"channelId"`
	CallType     string `json:"callType"`
	TargetUserID wireID `json:"targetUserId"`
	InviterID    wireID `json:"inviterId"`
	InviterName  string `json:"inviterName"`
}

type callResponseEvent struct {
	ChannelID string `json:"channelId"`
	CallType  string `json:"callType"`
	InviterID wireID `json:"inviterId"`
	Response  string `json:"response"`
}

type callSignalEvent struct {
	ChannelID   string   `json:"channelId"`
	CallType    string   `json:"callType"`
	Action      string   `json:"action"`
	TargetUsers []wireID `json:"targetUsers"`
}

// ---------------------------------------------
// Outbound frames
// ---------------------------------------------

type welcomeFrame struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type pongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type historyFrame struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

type statusUpdatesFrame struct {
	Type    string         `json:"type"`
	Updates []StatusUpdate `json:"updates"`
}

type systemFrame struct {
	Type      string    `json:"type"`
	ChannelID string    `json:"channelId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type chatFrame struct {
	Type        string       `json:"type"`
	ID          string       `json:"id"`
	ChannelID   string       `json:"channelId"`
	SenderID    string       `json:"senderId"`
	SenderName  string       `json:"senderName"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type statusUpdateFrame struct {
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	ChannelID     string    `json:"channelId"`
	PatientID     string    `json:"patientId"`
	Status        string    `json:"status"`
	Location      string    `json:"location,omitempty"`
	Details       string    `json:"details,omitempty"`
	CreatedBy     string    `json:"createdBy"`
	CreatedByName string    `json:"createdByName"`
	Timestamp     time.Time `json:"timestamp"`
}

// PresenceEvent is the userStatus frame sent to every connection.
type PresenceEvent struct {
	Type      string     `json:"type"`
	EmpID     string     `json:"empId"`
	Username  string     `json:"username"`
	Status    string     `json:"status"`
	InCall    bool       `json:"inCall"`
	Timestamp time.Time  `json:"timestamp"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

type callInvitationFrame struct {
	Type        string    `json:"type"`
	ChannelID   string    `json:"channelId"`
	CallType    string    `json:"callType"`
	InviterID   string    `json:"inviterId"`
	InviterName string    `json:"inviterName"`
	Timestamp   time.Time `json:"timestamp"`
}

type callResponseFrame struct {
	Type          string    `json:"type"`
	ChannelID     string    `json:"channelId"`
	CallType      string    `json:"callType"`
	ResponderID   string    `json:"responderId"`
	ResponderName string    `json:"responderName"`
	Response      string    `json:"response"`
	Timestamp     time.Time `json:"timestamp"`
}

type callSignalFrame struct {
	Type        string    `json:"type"`
	ChannelID   string    `json:"channelId"`
	CallType    string    `json:"callType"`
	Action      string    `json:"action"`
	CallerID    string    `json:"callerId"`
	CallerName  string    `json:"callerName"`
	TargetUsers []string  `json:"targetUsers,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
