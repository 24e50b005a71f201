package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type RouterConfig struct {
	StoreTimeout time.Duration
	// GateOnPersist drops a chat broadcast whose persistence failed. Off by
	// default: members see the message even when history will not have it.
	GateOnPersist bool
}

// Router dispatches inbound frames by type. Every handler runs on the
// sending connection's read goroutine.
type Router struct {
	hub     *Hub
	store   Store
	relay   *Relay
	cfg     RouterConfig
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
	newID   func() string
}

func NewRouter(hub *Hub, store Store, cfg RouterConfig, log *zap.Logger, metrics *Metrics) *Router {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	r := &Router{
		hub:     hub,
		store:   store,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	r.relay = newRelay(hub, log, metrics, r.clock)
	hub.OnDisconnect(r.disconnected)
	return r
}

func (r *Router) clock() time.Time {
	return r.now().UTC()
}

// Welcome greets a freshly registered connection.
func (r *Router) Welcome(c *Client) {
	r.hub.SendDirect(c, welcomeFrame{
		Type:      FrameWelcome,
		Message:   "Connected to case collaboration server",
		Timestamp: r.clock(),
	})
}

// Handle processes one inbound frame. Nothing is ever sent back on failure.
func (r *Router) Handle(ctx context.Context, c *Client, raw []byte) Outcome {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.log.Warn("malformed frame", zap.String("client", c.ID), zap.Error(err))
		r.metrics.event("malformed")
		return OutcomeMalformed
	}

	outcome, err := r.dispatch(ctx, c, frame.Type, raw)
	if err != nil {
		r.log.Warn("malformed event",
			zap.String("client", c.ID),
			zap.String("type", frame.Type),
			zap.Error(err))
		return OutcomeMalformed
	}
	return outcome
}

func (r *Router) dispatch(ctx context.Context, c *Client, kind string, raw []byte) (Outcome, error) {
	switch kind {
	case EventIdentity:
		r.metrics.event(kind)
		var ev identityEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", err
		}
		return r.handleIdentity(c, ev), nil

	case EventJoin:
		r.metrics.event(kind)
		var ev joinEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", err
		}
		return r.handleJoin(ctx, c, ev), nil

	case EventLeave:
		r.metrics.event(kind)
		var ev leaveEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", err
		}
		return r.handleLeave(ctx, c, ev), nil

	case EventMessage, EventAttachment:
		r.metrics.event(kind)
		var ev chatEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", err
		}
		return r.handleChat(ctx, c, ev), nil

	case EventStatusUpdate:
		r.metrics.event(kind)
		var ev statusUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", err
		}
		return r.handleStatusUpdate(ctx, c, ev), nil

	case EventUserStatus:
		r.metrics.event(kind)
		var ev userStatusEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", err
		}
		return r.handleUserStatus(ctx, c, ev), nil

	case EventPing:
		r.metrics.event(kind)
		r.hub.SendDirect(c, pongFrame{Type: FramePong, Timestamp: r.clock()})
		return OutcomeHandled, nil

	case EventCallInvitation:
		r.metrics.event(kind)
		var ev callInvitationEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", err
		}
		return r.relay.Invite(ctx, c, ev), nil

	case EventCallInvitationResponse:
		r.metrics.event(kind)
		var ev callResponseEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", err
		}
		return r.relay.Respond(ctx, c, ev), nil

	case EventCallSignal:
		r.metrics.event(kind)
		var ev callSignalEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", err
		}
		return r.relay.Signal(ctx, c, ev), nil

	default:
		r.metrics.event("unknown")
		r.log.Debug("unknown event type", zap.String("client", c.ID), zap.String("type", kind))
		return OutcomeIgnored, nil
	}
}

func (r *Router) handleIdentity(c *Client, ev identityEvent) Outcome {
	id := Identity{
		EmpID:    string(ev.EmpID),
		Username: strings.TrimSpace(ev.Username),
		Legacy:   string(ev.LegacyUserID),
	}
	if !id.Bound() {
		return OutcomeIgnored
	}
	r.hub.Bind(c, id)
	r.log.Debug("identity bound", zap.String("client", c.ID), zap.String("empId", id.EmpID), zap.String("session", c.session))

	if id.EmpID != "" {
		r.hub.announce(newPresence(id, StatusOnline, false, r.clock()))
	}
	return OutcomeHandled
}

func (r *Router) handleJoin(ctx context.Context, c *Client, ev joinEvent) Outcome {
	channel := strings.TrimSpace(ev.ChannelID)
	if channel == "" {
		return OutcomeIgnored
	}
	// A repeated join replays state to the caller but is not announced again.
	joined := r.hub.Join(c, channel)

	history, err := r.listMessages(ctx, channel)
	if err != nil {
		r.storeFailed("list_messages", err, zap.String("channel", channel))
	}
	r.hub.SendDirect(c, historyFrame{Type: FrameHistory, Messages: history})

	if patient := strings.TrimSpace(ev.PatientID); patient != "" {
		updates, err := r.listStatusUpdates(ctx, patient)
		if err != nil {
			r.storeFailed("list_status_updates", err, zap.String("patientId", patient))
		}
		r.hub.SendDirect(c, statusUpdatesFrame{Type: FrameStatusUpdates, Updates: updates})
	}

	if joined {
		r.systemNotice(ctx, c.Identity(), channel, "has joined the channel")
	}
	return OutcomeHandled
}

func (r *Router) handleLeave(ctx context.Context, c *Client, ev leaveEvent) Outcome {
	channel := strings.TrimSpace(ev.ChannelID)
	if channel == "" || !r.hub.Leave(c, channel) {
		return OutcomeIgnored
	}
	r.systemNotice(ctx, c.Identity(), channel, "has left the channel")
	return OutcomeHandled
}

// disconnected runs after the hub has dropped a connection.
func (r *Router) disconnected(id Identity, channels []string) {
	for _, channel := range channels {
		r.systemNotice(context.Background(), id, channel, "has left the channel")
	}
}

// systemNotice broadcasts "<name> <action>" to a channel and records it.
// A storage failure is logged and otherwise ignored.
func (r *Router) systemNotice(ctx context.Context, id Identity, channel, action string) {
	now := r.clock()
	content := fmt.Sprintf("%s %s", id.DisplayName(), action)

	r.publish(ctx, ScopeChannel, channel, nil, systemFrame{
		Type:      FrameSystem,
		ChannelID: channel,
		Content:   content,
		Timestamp: now,
	})

	msg := &Message{
		ID:          r.newID(),
		ChannelID:   channel,
		Type:        MessageSystem,
		SenderID:    systemSender,
		SenderName:  "System",
		Content:     content,
		Attachments: []Attachment{},
		CreatedAt:   now,
	}
	if err := r.appendMessage(ctx, channel, msg); err != nil {
		r.storeFailed("append_system_message", err, zap.String("channel", channel))
	}
}

func (r *Router) handleChat(ctx context.Context, c *Client, ev chatEvent) Outcome {
	id := c.Identity()
	channel := strings.TrimSpace(ev.ChannelID)
	if !id.Bound() || channel == "" {
		return OutcomeIgnored
	}

	attachments := normalizeAttachments(ev.Attachments)
	msgType, frameType := MessageText, EventMessage
	if len(attachments) > 0 {
		msgType, frameType = MessageAttachment, EventAttachment
	}

	msg := &Message{
		ID:          r.newID(),
		ChannelID:   channel,
		Type:        msgType,
		SenderID:    id.ID(),
		SenderName:  id.DisplayName(),
		Content:     ev.Content,
		Attachments: attachments,
		CreatedAt:   r.clock(),
	}
	if msg.Attachments == nil {
		msg.Attachments = []Attachment{}
	}

	if err := r.appendMessage(ctx, channel, msg); err != nil {
		r.storeFailed("append_message", err, zap.String("channel", channel), zap.String("sender", msg.SenderID))
		if r.cfg.GateOnPersist {
			return OutcomeDropped
		}
	}

	return r.publish(ctx, ScopeChannel, channel, nil, chatFrame{
		Type:        frameType,
		ID:          msg.ID,
		ChannelID:   channel,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		Content:     msg.Content,
		Attachments: attachments,
		Timestamp:   msg.CreatedAt,
	})
}

// normalizeAttachments fills the defaults older clients leave out. It
// returns nil for an empty input so text messages carry no attachments key.
func normalizeAttachments(in []inboundAttachment) []Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		t := AttachmentType(strings.ToLower(strings.TrimSpace(a.Type)))
		if t == "" {
			t = AttachmentImage
		}
		name := a.Name
		if name == "" {
			name = "file"
		}
		out = append(out, Attachment{
			Type:         t,
			URL:          a.URL,
			Name:         name,
			Size:         a.Size,
			MimeType:     a.MimeType,
			ThumbnailURL: a.ThumbnailURL,
		})
	}
	return out
}

func (r *Router) handleStatusUpdate(ctx context.Context, c *Client, ev statusUpdateEvent) Outcome {
	id := c.Identity()
	patient := strings.TrimSpace(ev.PatientID)
	if !id.Bound() || patient == "" {
		return OutcomeIgnored
	}

	u := &StatusUpdate{
		ID:        r.newID(),
		PatientID: patient,
		Status:    ev.Status,
		CreatedBy: id.ID(),
		Location:  ev.Location,
		Details:   ev.Details,
		CreatedAt: r.clock(),
	}
	if err := r.appendStatusUpdate(ctx, u); err != nil {
		r.storeFailed("append_status_update", err, zap.String("patientId", patient))
	}

	channel, err := r.findChannel(ctx, patient)
	if err != nil {
		if !errors.Is(err, ErrChannelNotFound) {
			r.storeFailed("find_channel", err, zap.String("patientId", patient))
		}
		return OutcomeDropped
	}

	return r.publish(ctx, ScopeChannel, channel, nil, statusUpdateFrame{
		Type:          EventStatusUpdate,
		ID:            u.ID,
		ChannelID:     channel,
		PatientID:     patient,
		Status:        u.Status,
		Location:      u.Location,
		Details:       u.Details,
		CreatedBy:     u.CreatedBy,
		CreatedByName: id.DisplayName(),
		Timestamp:     u.CreatedAt,
	})
}

func (r *Router) handleUserStatus(_ context.Context, c *Client, ev userStatusEvent) Outcome {
	id := c.Identity()
	if !id.Bound() {
		return OutcomeIgnored
	}

	at := r.clock()
	if !ev.Timestamp.IsZero() {
		at = ev.Timestamp.Time
	}
	return outcomeOf(r.hub.announce(newPresence(id, strings.TrimSpace(ev.Status), ev.InCall, at)))
}

// publish encodes a frame and routes it through the hub.
func (r *Router) publish(ctx context.Context, scope Scope, channel string, identities []string, frame any) Outcome {
	payload, err := json.Marshal(frame)
	if err != nil {
		r.log.Error("encode frame", zap.Error(err))
		return OutcomeDropped
	}
	report, err := r.hub.Publish(ctx, Envelope{Scope: scope, Channel: channel, Identities: identities, Payload: payload})
	if err != nil {
		r.log.Warn("publish failed", zap.String("channel", channel), zap.Error(err))
		return OutcomeDropped
	}
	return outcomeOf(report)
}

func (r *Router) storeFailed(op string, err error, fields ...zap.Field) {
	r.metrics.storeError(op)
	r.log.Error("store operation failed", append(fields, zap.String("op", op), zap.Error(err))...)
}

func (r *Router) appendMessage(ctx context.Context, channel string, msg *Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.store.AppendMessage(ctx, channel, msg)
}

func (r *Router) listMessages(ctx context.Context, channel string) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	msgs, err := r.store.ListMessages(ctx, channel)
	if err != nil || msgs == nil {
		return []Message{}, err
	}
	return msgs, nil
}

func (r *Router) appendStatusUpdate(ctx context.Context, u *StatusUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.store.AppendStatusUpdate(ctx, u)
}

func (r *Router) listStatusUpdates(ctx context.Context, patient string) ([]StatusUpdate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	updates, err := r.store.ListStatusUpdates(ctx, patient)
	if err != nil || updates == nil {
		return []StatusUpdate{}, err
	}
	return updates, nil
}

func (r *Router) findChannel(ctx context.Context, patient string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.store.FindChannelForPatient(ctx, patient)
}
