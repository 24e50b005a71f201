package chat

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// newPresence builds the userStatus frame for id. Offline events carry
// lastSeen; the others never do.
func newPresence(id Identity, status string, inCall bool, at time.Time) PresenceEvent {
	at = at.UTC()
	ev := PresenceEvent{
		Type:      EventUserStatus,
		EmpID:     id.EmpID,
		Username:  id.Username,
		Status:    status,
		InCall:    inCall,
		Timestamp: at,
	}
	if status == StatusOffline {
		ev.LastSeen = &at
	}
	return ev
}

// announce sends a presence event to every connection, regardless of
// channel membership.
func (h *Hub) announce(ev PresenceEvent) Report {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encode presence", zap.Error(err))
		return Report{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PingWait)
	defer cancel()

	r, err := h.Publish(ctx, Envelope{Scope: ScopeAll, Payload: payload})
	if err != nil {
		h.log.Warn("presence publish failed", zap.String("empId", ev.EmpID), zap.String("status", ev.Status), zap.Error(err))
	}
	return r
}
