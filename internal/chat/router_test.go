package chat

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newFixedRouter(t *testing.T, h *Hub, store Store, cfg RouterConfig) *Router {
	t.Helper()
	r := newTestRouter(t, h, store, cfg)
	r.now = func() time.Time { return fixedNow }
	return r
}

// identify binds c and consumes the online broadcast it triggers on every
// connection passed in others.
func identify(t *testing.T, r *Router, c *Client, empID, username string, others ...*Client) {
	t.Helper()
	require.Equal(t, OutcomeHandled, send(t, r, c, map[string]any{"type": "identity", "empId": empID, "username": username}))
	for _, o := range append([]*Client{c}, others...) {
		readFrameOfType(t, o, EventUserStatus)
	}
}

func TestRouter_IdentityAnnouncesOnlineToEveryone(t *testing.T) {
	h := newTestHub(t)
	r := newFixedRouter(t, h, newMemStore(), RouterConfig{})
	doctor, _ := connect(t, h)
	bystander, _ := connect(t, h)

	got := send(t, r, doctor, map[string]any{"type": "identity", "empId": " e1234 ", "username": "Dr. Smith"})
	assert.Equal(t, OutcomeHandled, got)

	for _, c := range []*Client{doctor, bystander} {
		frame := readFrame(t, c)
		assert.Equal(t, EventUserStatus, frame["type"])
		assert.Equal(t, "e1234", frame["empId"])
		assert.Equal(t, "Dr. Smith", frame["username"])
		assert.Equal(t, StatusOnline, frame["status"])
		assert.Equal(t, false, frame["inCall"])
		assert.Equal(t, fixedNow.Format(time.RFC3339), frame["timestamp"])
		assert.NotContains(t, frame, "lastSeen")
	}
	assert.Equal(t, Identity{EmpID: "e1234", Username: "Dr. Smith"}, doctor.Identity())
	assert.Same(t, doctor, h.Lookup("e1234"))
}

func TestRouter_IdentityLegacyIDBindsSilently(t *testing.T) {
	h := newTestHub(t)
	r := newFixedRouter(t, h, newMemStore(), RouterConfig{})
	old, _ := connect(t, h)
	other, _ := connect(t, h)

	assert.Equal(t, OutcomeHandled, send(t, r, old, map[string]any{"type": "identity", "legacyUserId": 42}))
	assert.Equal(t, "42", old.Identity().Legacy)
	assert.Same(t, old, h.Lookup("42"))
	expectNoFrame(t, other)
}

func TestRouter_IdentityWithoutIDIsIgnored(t *testing.T) {
	h := newTestHub(t)
	r := newFixedRouter(t, h, newMemStore(), RouterConfig{})
	c, _ := connect(t, h)

	assert.Equal(t, OutcomeIgnored, send(t, r, c, map[string]any{"type": "identity", "username": "Nobody"}))
	assert.False(t, c.Identity().Bound())
	expectNoFrame(t, c)
}

func TestRouter_JoinReplaysStateThenAnnounces(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	store.updates["P1"] = []StatusUpdate{
		{ID: "u2", PatientID: "P1", Status: "In surgery"},
		{ID: "u1", PatientID: "P1", Status: "Admitted"},
	}
	r := newFixedRouter(t, h, store, RouterConfig{})
	c, _ := connect(t, h)
	identify(t, r, c, "e1234", "Dr. Smith")

	assert.Equal(t, OutcomeHandled, send(t, r, c, map[string]any{"type": "join", "channelId": "C1", "patientId": "P1"}))

	history := readFrame(t, c)
	assert.Equal(t, FrameHistory, history["type"])
	assert.Equal(t, []any{}, history["messages"])

	updates := readFrame(t, c)
	assert.Equal(t, FrameStatusUpdates, updates["type"])
	list, ok := updates["updates"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, "u2", list[0].(map[string]any)["id"], "newest first")

	system := readFrame(t, c)
	assert.Equal(t, FrameSystem, system["type"])
	assert.Equal(t, "C1", system["channelId"])
	assert.Equal(t, "Dr. Smith has joined the channel", system["content"])

	stored := store.stored("C1")
	require.Len(t, stored, 1)
	assert.Equal(t, MessageSystem, stored[0].Type)
	assert.Equal(t, "system", stored[0].SenderID)
	assert.Equal(t, "System", stored[0].SenderName)
	assert.Equal(t, "Dr. Smith has joined the channel", stored[0].Content)
	assert.Len(t, h.Members("C1"), 1)
}

func TestRouter_JoinWithoutPatientSkipsStatusUpdates(t *testing.T) {
	h := newTestHub(t)
	r := newFixedRouter(t, h, newMemStore(), RouterConfig{})
	c, _ := connect(t, h)

	send(t, r, c, map[string]any{"type": "join", "channelId": "C1"})

	assert.Equal(t, FrameHistory, readFrame(t, c)["type"])
	system := readFrame(t, c)
	assert.Equal(t, FrameSystem, system["type"])
	assert.Equal(t, "Anonymous has joined the channel", system["content"])
}

func TestRouter_JoinTwiceDoesNotDuplicate(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	r := newFixedRouter(t, h, store, RouterConfig{})
	a, _ := connect(t, h)
	b, _ := connect(t, h)
	identify(t, r, a, "e1", "Dr. Smith", b)

	send(t, r, a, map[string]any{"type": "join", "channelId": "C1"})
	drain(a)

	send(t, r, a, map[string]any{"type": "join", "channelId": "C1"})
	history := readFrame(t, a)
	assert.Equal(t, FrameHistory, history["type"])
	assert.Len(t, history["messages"], 1, "the first join notice is in history")
	expectNoFrame(t, a)
	assert.Len(t, store.stored("C1"), 1)

	send(t, r, a, map[string]any{"type": "message", "channelId": "C1", "content": "once"})
	assert.Equal(t, "once", readFrame(t, a)["content"])
	expectNoFrame(t, a)
}

func TestRouter_JoinStoreFailureSendsEmptyState(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	store.failList = true
	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewRouter(h, store, RouterConfig{}, zap.NewNop(), metrics)
	c, _ := connect(t, h)

	assert.Equal(t, OutcomeHandled, send(t, r, c, map[string]any{"type": "join", "channelId": "C1", "patientId": "P1"}))

	assert.Equal(t, []any{}, readFrame(t, c)["messages"])
	assert.Equal(t, []any{}, readFrame(t, c)["updates"])
	assert.Equal(t, FrameSystem, readFrame(t, c)["type"])
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StoreErrors.WithLabelValues("list_messages")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StoreErrors.WithLabelValues("list_status_updates")))
}

func TestRouter_LeaveAnnouncesToRemainingMembers(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	r := newFixedRouter(t, h, store, RouterConfig{})
	a, _ := connect(t, h)
	b, _ := connect(t, h)
	identify(t, r, a, "e1", "Dr. Smith", b)
	h.Join(a, "C1")
	h.Join(b, "C1")

	assert.Equal(t, OutcomeHandled, send(t, r, a, map[string]any{"type": "leave", "channelId": "C1"}))
	frame := readFrame(t, b)
	assert.Equal(t, FrameSystem, frame["type"])
	assert.Equal(t, "Dr. Smith has left the channel", frame["content"])
	expectNoFrame(t, a)

	assert.Equal(t, OutcomeIgnored, send(t, r, a, map[string]any{"type": "leave", "channelId": "C1"}))
	expectNoFrame(t, b)
	assert.Len(t, store.stored("C1"), 1)
}

func TestRouter_DisconnectAnnouncesLeave(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	r := newFixedRouter(t, h, store, RouterConfig{})
	a, _ := connect(t, h)
	b, _ := connect(t, h)
	identify(t, r, a, "e1", "Dr. Smith", b)
	h.Join(a, "C1")
	h.Join(b, "C1")

	h.Unregister(a)

	frame := readFrameOfType(t, b, FrameSystem)
	assert.Equal(t, "Dr. Smith has left the channel", frame["content"])
	require.Eventually(t, func() bool { return len(store.stored("C1")) == 1 }, frameWait, 5*time.Millisecond)
}

func TestRouter_MessageEchoesToAllMembers(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	r := newFixedRouter(t, h, store, RouterConfig{})
	a, _ := connect(t, h)
	b, _ := connect(t, h)
	outsider, _ := connect(t, h)
	identify(t, r, a, "e1", "Dr. Smith", b, outsider)
	h.Join(a, "C1")
	h.Join(b, "C1")

	got := send(t, r, a, map[string]any{"type": "message", "channelId": "C1", "content": "BP stable"})
	assert.Equal(t, OutcomeDelivered, got)

	for _, c := range []*Client{a, b} {
		frame := readFrame(t, c)
		assert.Equal(t, EventMessage, frame["type"])
		assert.Equal(t, "C1", frame["channelId"])
		assert.Equal(t, "e1", frame["senderId"])
		assert.Equal(t, "Dr. Smith", frame["senderName"])
		assert.Equal(t, "BP stable", frame["content"])
		assert.NotEmpty(t, frame["id"])
		assert.NotContains(t, frame, "attachments")
	}
	expectNoFrame(t, outsider)

	stored := store.stored("C1")
	require.Len(t, stored, 1)
	assert.Equal(t, MessageText, stored[0].Type)
	assert.Equal(t, []Attachment{}, stored[0].Attachments)
}

func TestRouter_AttachmentDefaultsAreFilled(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	r := newFixedRouter(t, h, store, RouterConfig{})
	a, _ := connect(t, h)
	identify(t, r, a, "e1", "Dr. Smith")
	h.Join(a, "C1")

	send(t, r, a, map[string]any{
		"type":      "attachment",
		"channelId": "C1",
		"content":   "x-ray",
		"attachments": []map[string]any{
			{"url": "https://files.example/1.png"},
			{"type": "Document", "url": "https://files.example/r.pdf", "name": "report.pdf", "size": 2048, "mimeType": "application/pdf"},
		},
	})

	frame := readFrame(t, a)
	assert.Equal(t, EventAttachment, frame["type"])
	list, ok := frame["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	assert.Equal(t, "image", first["type"])
	assert.Equal(t, "file", first["name"])
	second := list[1].(map[string]any)
	assert.Equal(t, "document", second["type"])
	assert.Equal(t, float64(2048), second["size"])

	stored := store.stored("C1")
	require.Len(t, stored, 1)
	assert.Equal(t, MessageAttachment, stored[0].Type)
	assert.Equal(t, AttachmentImage, stored[0].Attachments[0].Type)
}

func TestRouter_MessageTypeFollowsAttachments(t *testing.T) {
	h := newTestHub(t)
	r := newFixedRouter(t, h, newMemStore(), RouterConfig{})
	a, _ := connect(t, h)
	identify(t, r, a, "e1", "Dr. Smith")
	h.Join(a, "C1")

	send(t, r, a, map[string]any{"type": "attachment", "channelId": "C1", "content": "nothing attached", "attachments": []any{}})
	assert.Equal(t, EventMessage, readFrame(t, a)["type"])
}

func TestRouter_ChatRequirements(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	r := newFixedRouter(t, h, store, RouterConfig{})
	anon, _ := connect(t, h)
	h.Join(anon, "C1")

	assert.Equal(t, OutcomeIgnored, send(t, r, anon, map[string]any{"type": "message", "channelId": "C1", "content": "hi"}))
	expectNoFrame(t, anon)

	identify(t, r, anon, "e1", "Dr. Smith")
	assert.Equal(t, OutcomeIgnored, send(t, r, anon, map[string]any{"type": "message", "content": "no channel"}))
	expectNoFrame(t, anon)
	assert.Empty(t, store.stored("C1"))
}

func TestRouter_PersistFailureStillBroadcasts(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	store.failAppend = true
	r := newFixedRouter(t, h, store, RouterConfig{})
	a, _ := connect(t, h)
	identify(t, r, a, "e1", "Dr. Smith")
	h.Join(a, "C1")

	assert.Equal(t, OutcomeDelivered, send(t, r, a, map[string]any{"type": "message", "channelId": "C1", "content": "hi"}))
	assert.Equal(t, "hi", readFrame(t, a)["content"])
}

func TestRouter_GateOnPersistDropsUnsavedMessages(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	store.failAppend = true
	r := newFixedRouter(t, h, store, RouterConfig{GateOnPersist: true})
	a, _ := connect(t, h)
	identify(t, r, a, "e1", "Dr. Smith")
	h.Join(a, "C1")

	assert.Equal(t, OutcomeDropped, send(t, r, a, map[string]any{"type": "message", "channelId": "C1", "content": "hi"}))
	expectNoFrame(t, a)

	store.mu.Lock()
	store.failAppend = false
	store.mu.Unlock()
	assert.Equal(t, OutcomeDelivered, send(t, r, a, map[string]any{"type": "message", "channelId": "C1", "content": "again"}))
	assert.Equal(t, "again", readFrame(t, a)["content"])
}

func TestRouter_StatusUpdateGoesToPatientChannel(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	store.cases["P1"] = "C1"
	r := newFixedRouter(t, h, store, RouterConfig{})
	nurse, _ := connect(t, h)
	member, _ := connect(t, h)
	outsider, _ := connect(t, h)
	identify(t, r, nurse, "n1", "Nurse Joy", member, outsider)
	h.Join(member, "C1")

	got := send(t, r, nurse, map[string]any{
		"type":      "statusUpdate",
		"patientId": "P1",
		"status":    "Moved to ICU",
		"location":  "ICU-3",
	})
	assert.Equal(t, OutcomeDelivered, got)

	frame := readFrame(t, member)
	assert.Equal(t, EventStatusUpdate, frame["type"])
	assert.Equal(t, "C1", frame["channelId"])
	assert.Equal(t, "P1", frame["patientId"])
	assert.Equal(t, "Moved to ICU", frame["status"])
	assert.Equal(t, "ICU-3", frame["location"])
	assert.Equal(t, "n1", frame["createdBy"])
	assert.Equal(t, "Nurse Joy", frame["createdByName"])
	assert.NotContains(t, frame, "details")

	// The sender is not a channel member.
	expectNoFrame(t, nurse)
	expectNoFrame(t, outsider)

	store.mu.Lock()
	require.Len(t, store.updates["P1"], 1)
	assert.Equal(t, "n1", store.updates["P1"][0].CreatedBy)
	store.mu.Unlock()
}

func TestRouter_StatusUpdateWithoutChannelIsOnlyPersisted(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	r := newFixedRouter(t, h, store, RouterConfig{})
	nurse, _ := connect(t, h)
	other, _ := connect(t, h)
	identify(t, r, nurse, "n1", "Nurse Joy", other)

	assert.Equal(t, OutcomeDropped, send(t, r, nurse, map[string]any{"type": "statusUpdate", "patientId": "P9", "status": "Discharged"}))
	expectNoFrame(t, other)

	store.mu.Lock()
	assert.Len(t, store.updates["P9"], 1)
	store.mu.Unlock()
}

func TestRouter_StatusUpdateRequiresIdentityAndPatient(t *testing.T) {
	h := newTestHub(t)
	store := newMemStore()
	r := newFixedRouter(t, h, store, RouterConfig{})
	c, _ := connect(t, h)

	assert.Equal(t, OutcomeIgnored, send(t, r, c, map[string]any{"type": "statusUpdate", "patientId": "P1", "status": "x"}))
	identify(t, r, c, "n1", "Nurse Joy")
	assert.Equal(t, OutcomeIgnored, send(t, r, c, map[string]any{"type": "statusUpdate", "status": "x"}))

	store.mu.Lock()
	assert.Empty(t, store.updates)
	store.mu.Unlock()
}

func TestRouter_UserStatusBroadcastsCallState(t *testing.T) {
	h := newTestHub(t)
	r := newFixedRouter(t, h, newMemStore(), RouterConfig{})
	a, _ := connect(t, h)
	b, _ := connect(t, h)
	identify(t, r, a, "e1", "Dr. Smith", b)

	assert.Equal(t, OutcomeDelivered, send(t, r, a, map[string]any{"type": "userStatus", "status": "busy", "inCall": true}))
	frame := readFrame(t, b)
	assert.Equal(t, EventUserStatus, frame["type"])
	assert.Equal(t, "e1", frame["empId"])
	assert.Equal(t, "busy", frame["status"])
	assert.Equal(t, true, frame["inCall"])
	assert.NotContains(t, frame, "lastSeen")
	readFrame(t, a)

	sent := "2024-03-01T08:00:00Z"
	send(t, r, a, map[string]any{"type": "userStatus", "status": "offline", "timestamp": sent})
	frame = readFrame(t, b)
	assert.Equal(t, StatusOffline, frame["status"])
	assert.Equal(t, sent, frame["timestamp"])
	assert.Equal(t, sent, frame["lastSeen"])
}

func TestRouter_UserStatusTimestampFormats(t *testing.T) {
	h := newTestHub(t)
	r := newFixedRouter(t, h, newMemStore(), RouterConfig{})
	a, _ := connect(t, h)
	b, _ := connect(t, h)
	identify(t, r, a, "e1", "Dr. Smith", b)

	tests := []struct {
		name      string
		timestamp any
		want      string
	}{
		{name: "epoch milliseconds", timestamp: 1709280000000, want: "2024-03-01T08:00:00Z"},
		{name: "rfc3339 with offset", timestamp: "2024-03-01T09:00:00+01:00", want: "2024-03-01T08:00:00Z"},
		{name: "unparseable string", timestamp: "yesterday", want: fixedNow.Format(time.RFC3339)},
		{name: "wrong json type", timestamp: map[string]any{"at": 1}, want: fixedNow.Format(time.RFC3339)},
		{name: "null", timestamp: nil, want: fixedNow.Format(time.RFC3339)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := send(t, r, a, map[string]any{"type": "userStatus", "status": "offline", "timestamp": tt.timestamp})
			assert.Equal(t, OutcomeDelivered, got)

			frame := readFrame(t, b)
			assert.Equal(t, StatusOffline, frame["status"])
			assert.Equal(t, tt.want, frame["timestamp"])
			assert.Equal(t, tt.want, frame["lastSeen"])
			readFrame(t, a)
		})
	}
}

func TestRouter_UserStatusRequiresOnlyIdentity(t *testing.T) {
	h := newTestHub(t)
	r := newFixedRouter(t, h, newMemStore(), RouterConfig{})
	c, _ := connect(t, h)
	other, _ := connect(t, h)

	assert.Equal(t, OutcomeIgnored, send(t, r, c, map[string]any{"type": "userStatus", "status": "online"}))
	expectNoFrame(t, other)

	identify(t, r, c, "e1", "Dr. Smith", other)
	assert.Equal(t, OutcomeDelivered, send(t, r, c, map[string]any{"type": "userStatus", "inCall": true}))
	frame := readFrame(t, other)
	assert.Equal(t, "e1", frame["empId"])
	assert.Equal(t, "", frame["status"])
	assert.Equal(t, true, frame["inCall"])
}

func TestRouter_IdentityAcceptsNumericEmpID(t *testing.T) {
	h := newTestHub(t)
	r := newFixedRouter(t, h, newMemStore(), RouterConfig{})
	c, _ := connect(t, h)
	other, _ := connect(t, h)

	assert.Equal(t, OutcomeHandled, send(t, r, c, map[string]any{"type": "identity", "empId": 1234, "username": "Dr. Numeric"}))
	assert.Equal(t, "1234", c.Identity().EmpID)
	assert.Same(t, c, h.Lookup("1234"))

	frame := readFrame(t, other)
	assert.Equal(t, "1234", frame["empId"])
	assert.Equal(t, StatusOnline, frame["status"])
}

func TestRouter_PingAndWelcome(t *testing.T) {
	h := newTestHub(t)
	r := newFixedRouter(t, h, newMemStore(), RouterConfig{})
	c, _ := connect(t, h)

	r.Welcome(c)
	welcome := readFrame(t, c)
	assert.Equal(t, FrameWelcome, welcome["type"])
	assert.Equal(t, "Connected to case collaboration server", welcome["message"])

	assert.Equal(t, OutcomeHandled, send(t, r, c, map[string]any{"type": "ping"}))
	assert.Equal(t, FramePong, readFrame(t, c)["type"])
}

func TestRouter_BadInputIsNeverAnswered(t *testing.T) {
	h := newTestHub(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewRouter(h, newMemStore(), RouterConfig{}, zap.NewNop(), metrics)
	c, _ := connect(t, h)

	cases := []struct {
		name string
		raw  string
		want Outcome
	}{
		{"not json", `{"type":`, OutcomeMalformed},
		{"wrong field type", `{"type":"join","channelId":7}`, OutcomeMalformed},
		{"unknown type", `{"type":"dance"}`, OutcomeIgnored},
		{"missing type", `{}`, OutcomeIgnored},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Handle(t.Context(), c, []byte(tc.raw)))
		})
	}
	expectNoFrame(t, c)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Events.WithLabelValues("malformed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Events.WithLabelValues("unknown")))
}
