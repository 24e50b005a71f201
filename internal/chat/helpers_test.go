package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const frameWait = time.Second

type fakePeer struct {
	mu       sync.Mutex
	client   *Client
	autoPong bool
	pings    int
	closes   int
	closed   bool
	onClose  func()
}

func (p *fakePeer) Ping(time.Time) error {
	p.mu.Lock()
	p.pings++
	pong := p.autoPong
	c := p.client
	p.mu.Unlock()
	if pong && c != nil {
		c.MarkAlive()
	}
	return nil
}

// Close behaves like a socket close: the read pump notices later, on its own
// goroutine.
func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cb := p.onClose
	p.mu.Unlock()
	if cb != nil {
		go cb()
	}
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeBroker struct {
	mu        sync.Mutex
	published []Envelope
	handler   func(Envelope)
	ready     chan struct{}
	// failures is how many Subscribe calls fail before one succeeds.
	failures   int
	subscribes int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{ready: make(chan struct{})}
}

func (b *fakeBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, env)
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, handler func(Envelope)) error {
	b.mu.Lock()
	b.subscribes++
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return errors.New("connection refused")
	}
	b.handler = handler
	b.mu.Unlock()
	close(b.ready)
	<-ctx.Done()
	return nil
}

func (b *fakeBroker) envelopes() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.published...)
}

// memStore is an in-memory Store with switchable failures.
type memStore struct {
	mu           sync.Mutex
	messages     map[string][]Message
	updates      map[string][]StatusUpdate
	cases        map[string]string
	failAppend   bool
	failList     bool
	failStatus   bool
	failChannels bool
}

func newMemStore() *memStore {
	return &memStore{
		messages: make(map[string][]Message),
		updates:  make(map[string][]StatusUpdate),
		cases:    make(map[string]string),
	}
}

var errStoreDown = errors.New("store unavailable")

func (s *memStore) AppendMessage(_ context.Context, channelID string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return errStoreDown
	}
	s.messages[channelID] = append(s.messages[channelID], *msg)
	return nil
}

func (s *memStore) ListMessages(_ context.Context, channelID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList {
		return nil, errStoreDown
	}
	return append([]Message(nil), s.messages[channelID]...), nil
}

func (s *memStore) AppendStatusUpdate(_ context.Context, u *StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStatus {
		return errStoreDown
	}
	// Newest first.
	s.updates[u.PatientID] = append([]StatusUpdate{*u}, s.updates[u.PatientID]...)
	return nil
}

func (s *memStore) ListStatusUpdates(_ context.Context, patientID string) ([]StatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList {
		return nil, errStoreDown
	}
	return append([]StatusUpdate(nil), s.updates[patientID]...), nil
}

func (s *memStore) FindChannelForPatient(_ context.Context, patientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failChannels {
		return "", errStoreDown
	}
	ch, ok := s.cases[patientID]
	if !ok {
		return "", ErrChannelNotFound
	}
	return ch, nil
}

func (s *memStore) stored(channelID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[channelID]...)
}

func startHub(t *testing.T, cfg HubConfig, broker Broker, metrics *Metrics) *Hub {
	t.Helper()
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = time.Hour
	}
	h := NewHub(cfg, broker, zap.NewNop(), metrics)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func newTestHub(t *testing.T) *Hub {
	return startHub(t, HubConfig{}, nil, nil)
}

func newTestRouter(t *testing.T, h *Hub, store Store, cfg RouterConfig) *Router {
	t.Helper()
	return NewRouter(h, store, cfg, zap.NewNop(), nil)
}

func connect(t *testing.T, h *Hub) (*Client, *fakePeer) {
	t.Helper()
	return connectWithBuffer(t, h, 64)
}

func connectWithBuffer(t *testing.T, h *Hub, buffer int) (*Client, *fakePeer) {
	t.Helper()
	p := &fakePeer{autoPong: true}
	c := newClient(h, p, buffer)
	p.client = c
	p.onClose = func() { h.Unregister(c) }
	require.True(t, h.Register(c))
	return c, p
}

func send(t *testing.T, r *Router, c *Client, frame map[string]any) Outcome {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	return r.Handle(context.Background(), c, raw)
}

func readFrame(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame
	case <-time.After(frameWait):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// readFrameOfType skips frames of other types.
func readFrameOfType(t *testing.T, c *Client, kind string) map[string]any {
	t.Helper()
	deadline := time.After(frameWait)
	for {
		select {
		case raw, ok := <-c.send:
			require.True(t, ok, "send channel closed")
			var frame map[string]any
			require.NoError(t, json.Unmarshal(raw, &frame))
			if frame["type"] == kind {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", kind)
			return nil
		}
	}
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func mustField(t *testing.T, payload []byte, key string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &fields))
	v, ok := fields[key]
	require.True(t, ok, "missing %q", key)
	return v
}
