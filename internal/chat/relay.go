package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Relay forwards call signaling. It keeps no call state: invitations,
// answers and lifecycle signals are passed on and forgotten, and whether a
// call makes sense is left to the clients.
type Relay struct {
	hub     *Hub
	log     *zap.Logger
	metrics *Metrics
	clock   func() time.Time
}

func newRelay(hub *Hub, log *zap.Logger, metrics *Metrics, clock func() time.Time) *Relay {
	return &Relay{hub: hub, log: log, metrics: metrics, clock: clock}
}

// Invite forwards a call invitation to one connection of the target. An
// unreachable target drops it without telling the inviter.
func (r *Relay) Invite(ctx context.Context, c *Client, ev callInvitationEvent) Outcome {
	target := string(ev.TargetUserID)
	if target == "" {
		return r.done(EventCallInvitation, OutcomeIgnored)
	}

	id := c.Identity()
	inviterID, inviterName := id.ID(), id.Username
	if inviterID == "" {
		inviterID = string(ev.InviterID)
	}
	if inviterName == "" {
		inviterName = ev.InviterName
	}

	return r.toIdentity(ctx, EventCallInvitation, target, callInvitationFrame{
		Type:        EventCallInvitation,
		ChannelID:   ev.ChannelID,
		CallType:    ev.CallType,
		InviterID:   inviterID,
		InviterName: inviterName,
		Timestamp:   r.clock(),
	})
}

// Respond forwards an accept/decline back to the inviter.
func (r *Relay) Respond(ctx context.Context, c *Client, ev callResponseEvent) Outcome {
	inviter := string(ev.InviterID)
	if inviter == "" {
		return r.done(EventCallInvitationResponse, OutcomeIgnored)
	}

	id := c.Identity()
	return r.toIdentity(ctx, EventCallInvitationResponse, inviter, callResponseFrame{
		Type:          EventCallInvitationResponse,
		ChannelID:     ev.ChannelID,
		CallType:      ev.CallType,
		ResponderID:   id.ID(),
		ResponderName: id.Username,
		Response:      ev.Response,
		Timestamp:     r.clock(),
	})
}

// Signal forwards a call lifecycle action to the channel, or to the listed
// members of it when targetUsers is present.
func (r *Relay) Signal(ctx context.Context, c *Client, ev callSignalEvent) Outcome {
	channel := strings.TrimSpace(ev.ChannelID)
	if channel == "" {
		return r.done(EventCallSignal, OutcomeIgnored)
	}

	targets := wireIDs(ev.TargetUsers)
	id := c.Identity()
	payload, err := json.Marshal(callSignalFrame{
		Type:        EventCallSignal,
		ChannelID:   channel,
		CallType:    ev.CallType,
		Action:      ev.Action,
		CallerID:    id.ID(),
		CallerName:  id.Username,
		TargetUsers: targets,
		Timestamp:   r.clock(),
	})
	if err != nil {
		r.log.Error("encode call signal", zap.Error(err))
		return r.done(EventCallSignal, OutcomeDropped)
	}

	report, err := r.hub.Publish(ctx, Envelope{
		Scope:      ScopeChannel,
		Channel:    channel,
		Identities: targets,
		Payload:    payload,
	})
	if err != nil {
		r.log.Warn("call signal publish failed", zap.String("channel", channel), zap.Error(err))
		return r.done(EventCallSignal, OutcomeDropped)
	}
	return r.done(EventCallSignal, outcomeOf(report))
}

func (r *Relay) toIdentity(ctx context.Context, event, target string, frame any) Outcome {
	payload, err := json.Marshal(frame)
	if err != nil {
		r.log.Error("encode call frame", zap.String("event", event), zap.Error(err))
		return r.done(event, OutcomeDropped)
	}

	report, err := r.hub.SendTo(ctx, target, payload)
	if err != nil {
		r.log.Warn("call relay publish failed", zap.String("event", event), zap.String("target", target), zap.Error(err))
		return r.done(event, OutcomeDropped)
	}
	outcome := outcomeOf(report)
	if outcome == OutcomeDropped {
		r.log.Debug("call relay target unreachable", zap.String("event", event), zap.String("target", target))
	}
	return r.done(event, outcome)
}

func (r *Relay) done(event string, o Outcome) Outcome {
	r.metrics.relay(event, o)
	return o
}
