package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Report counts one fan-out. Remote is set when the envelope went to the
// broker and the counts belong to other instances.
type Report struct {
	Attempted int
	Sent      int
	Remote    bool
}

// Outcome is what happened to an inbound event. It never reaches the wire.
type Outcome string

const (
	OutcomeHandled   Outcome = "handled"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeMalformed Outcome = "malformed"
	OutcomeDelivered Outcome = "delivered"
	OutcomeForwarded Outcome = "forwarded"
	OutcomeDropped   Outcome = "dropped"
)

func outcomeOf(r Report) Outcome {
	switch {
	case r.Remote:
		return OutcomeForwarded
	case r.Sent > 0:
		return OutcomeDelivered
	default:
		return OutcomeDropped
	}
}

type HubConfig struct {
	LivenessInterval time.Duration
	PingWait         time.Duration
	// BrokerRetry is the first delay before resubscribing to a failed broker.
	BrokerRetry time.Duration
}

type membershipRequest struct {
	client  *Client
	channel string
	reply   chan bool
}

type lookupRequest struct {
	id    string
	reply chan *Client
}

type membersRequest struct {
	channel string
	reply   chan []*Client
}

type deliverRequest struct {
	env   Envelope
	reply chan Report
}

// Hub owns the connection registry and the channel directory. Run is the only
// goroutine that touches clients and channels; everything else talks to it
// through the request channels below.
type Hub struct {
	clients  map[*Client]struct{}
	channels map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	join       chan membershipRequest
	leave      chan membershipRequest
	lookup     chan lookupRequest
	members    chan membersRequest
	deliver    chan deliverRequest
	done       chan struct{}

	broker       Broker
	instanceID   string
	cfg          HubConfig
	log          *zap.Logger
	metrics      *Metrics
	now          func() time.Time
	onDisconnect func(id Identity, channels []string)
}

// NewHub builds a hub. A nil broker keeps fan-out inside this process.
func NewHub(cfg HubConfig, broker Broker, log *zap.Logger, metrics *Metrics) *Hub {
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 30 * time.Second
	}
	if cfg.PingWait <= 0 {
		cfg.PingWait = 10 * time.Second
	}
	if cfg.BrokerRetry <= 0 {
		cfg.BrokerRetry = 500 * time.Millisecond
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		channels:   make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membershipRequest),
		leave:      make(chan membershipRequest),
		lookup:     make(chan lookupRequest),
		members:    make(chan membersRequest),
		deliver:    make(chan deliverRequest),
		done:       make(chan struct{}),
		broker:     broker,
		instanceID: uuid.NewString(),
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		now:        time.Now,
	}
}

// OnDisconnect installs a callback run, off the hub goroutine, after a
// client has been removed. Install it before the first Register.
func (h *Hub) OnDisconnect(fn func(id Identity, channels []string)) {
	h.onDisconnect = fn
}

// Run manages hub state until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.LivenessInterval)
	defer ticker.Stop()

	if h.broker != nil {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.shutdown()
				client.peer.Close()
			}
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.metrics.connectionOpened()

		case client := <-h.unregister:
			h.remove(client)

		case req := <-h.join:
			req.reply <- h.addMember(req.channel, req.client)

		case req := <-h.leave:
			req.reply <- h.removeMember(req.channel, req.client)

		case req := <-h.lookup:
			req.reply <- h.find(req.id)

		case req := <-h.members:
			req.reply <- h.memberList(req.channel)

		case req := <-h.deliver:
			req.reply <- h.fanOut(req.env)

		case <-ticker.C:
			h.sweep()
		}
	}
}

var errSubscriptionEnded = errors.New("broker subscription ended")

// subscribe keeps a broker subscription open until ctx ends, resubscribing
// with exponential backoff whenever it fails or closes.
func (h *Hub) subscribe(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.cfg.BrokerRetry
	b.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := h.broker.Subscribe(ctx, func(env Envelope) {
			h.Deliver(env)
		})
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errSubscriptionEnded
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			h.log.Warn("broker subscription lost, retrying", zap.Duration("in", next), zap.Error(err))
		}),
	)
	if err != nil && ctx.Err() == nil {
		h.log.Error("broker subscription abandoned", zap.Error(err))
	}
}

// ---------------------------------------------
// Public API (safe from any goroutine)
// ---------------------------------------------

func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		c.shutdown()
		return false
	}
}

// Unregister removes c, prunes its channel memberships and announces it
// offline. Calling it twice is harmless.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		c.shutdown()
	}
}

// Bind overwrites the identity of c. Rebinding is silent.
func (h *Hub) Bind(c *Client, id Identity) {
	c.setIdentity(id)
}

// Join subscribes c to channel. It reports false when c was already a member.
func (h *Hub) Join(c *Client, channel string) bool {
	return h.membership(h.join, c, channel)
}

// Leave unsubscribes c from channel. It reports false when c was not a member.
func (h *Hub) Leave(c *Client, channel string) bool {
	return h.membership(h.leave, c, channel)
}

func (h *Hub) membership(ch chan membershipRequest, c *Client, channel string) bool {
	req := membershipRequest{client: c, channel: channel, reply: make(chan bool, 1)}
	select {
	case ch <- req:
		return <-req.reply
	case <-h.done:
		return false
	}
}

// Lookup finds a live connection for id, preferring an empId match over a
// legacy id match. With several devices on one identity any one is returned.
func (h *Hub) Lookup(id string) *Client {
	req := lookupRequest{id: id, reply: make(chan *Client, 1)}
	select {
	case h.lookup <- req:
		return <-req.reply
	case <-h.done:
		return nil
	}
}

func (h *Hub) Members(channel string) []*Client {
	req := membersRequest{channel: channel, reply: make(chan []*Client, 1)}
	select {
	case h.members <- req:
		return <-req.reply
	case <-h.done:
		return nil
	}
}

// Deliver fans env out to matching local clients.
func (h *Hub) Deliver(env Envelope) Report {
	req := deliverRequest{env: env, reply: make(chan Report, 1)}
	select {
	case h.deliver <- req:
		return <-req.reply
	case <-h.done:
		return Report{}
	}
}

// Publish routes env to every instance, or straight to this hub when there
// is no broker.
func (h *Hub) Publish(ctx context.Context, env Envelope) (Report, error) {
	if h.broker == nil {
		return h.Deliver(env), nil
	}
	if err := h.broker.Publish(ctx, env); err != nil {
		return Report{}, err
	}
	return Report{Remote: true}, nil
}

// SendTo delivers payload to one connection bound to id. When no local
// connection matches and a broker is configured, the other instances get a
// chance to deliver it.
func (h *Hub) SendTo(ctx context.Context, id string, payload []byte) (Report, error) {
	if c := h.Lookup(id); c != nil {
		r := Report{Attempted: 1}
		if c.enqueue(payload) {
			r.Sent = 1
		}
		h.metrics.fanout(r)
		return r, nil
	}
	if h.broker == nil {
		return Report{}, nil
	}
	env := Envelope{Scope: ScopeIdentity, Identities: []string{id}, Origin: h.instanceID, Payload: payload}
	if err := h.broker.Publish(ctx, env); err != nil {
		return Report{}, err
	}
	return Report{Remote: true}, nil
}

// SendDirect writes a frame to c alone, bypassing the broker.
func (h *Hub) SendDirect(c *Client, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode frame", zap.Error(err))
		return false
	}
	return c.enqueue(data)
}

// ---------------------------------------------
// Hub goroutine only
// ---------------------------------------------

func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.shutdown()
	h.metrics.connectionClosed()

	left := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		h.dropMember(channel, c)
		left = append(left, channel)
	}
	h.metrics.setChannels(len(h.channels))

	id := c.Identity()
	if id.EmpID != "" {
		// Publishing re-enters the hub, so it cannot happen on this goroutine.
		go h.announce(newPresence(id, StatusOffline, false, h.now()))
	}
	if h.onDisconnect != nil {
		go h.onDisconnect(id, left)
	}
}

func (h *Hub) addMember(channel string, c *Client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[*Client]struct{})
		h.channels[channel] = members
	}
	if _, dup := members[c]; dup {
		return false
	}
	members[c] = struct{}{}
	c.channels[channel] = struct{}{}
	h.metrics.setChannels(len(h.channels))
	return true
}

func (h *Hub) removeMember(channel string, c *Client) bool {
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	h.dropMember(channel, c)
	h.metrics.setChannels(len(h.channels))
	return true
}

// dropMember removes c from channel and prunes the channel once empty.
func (h *Hub) dropMember(channel string, c *Client) {
	delete(c.channels, channel)
	members, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
}

func (h *Hub) find(id string) *Client {
	if id == "" {
		return nil
	}
	for c := range h.clients {
		if c.Identity().EmpID == id {
			return c
		}
	}
	for c := range h.clients {
		if c.Identity().Legacy == id {
			return c
		}
	}
	return nil
}

func (h *Hub) memberList(channel string) []*Client {
	members := h.channels[channel]
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// fanOut hands the payload to every matching client. A full or closed
// client only costs its own frame.
func (h *Hub) fanOut(env Envelope) Report {
	var r Report
	send := func(c *Client) {
		r.Attempted++
		if c.enqueue(env.Payload) {
			r.Sent++
		}
	}

	switch env.Scope {
	case ScopeAll:
		for c := range h.clients {
			send(c)
		}
	case ScopeChannel:
		for c := range h.channels[env.Channel] {
			if len(env.Identities) > 0 && !matchesAny(c.Identity(), env.Identities) {
				continue
			}
			send(c)
		}
	case ScopeIdentity:
		if env.Origin == h.instanceID || len(env.Identities) == 0 {
			break
		}
		if c := h.find(env.Identities[0]); c != nil {
			send(c)
		}
	}

	h.metrics.fanout(r)
	if r.Sent < r.Attempted {
		h.log.Debug("fan-out partially delivered",
			zap.String("scope", string(env.Scope)),
			zap.String("channel", env.Channel),
			zap.Int("attempted", r.Attempted),
			zap.Int("sent", r.Sent))
	}
	return r
}

func matchesAny(id Identity, targets []string) bool {
	for _, t := range targets {
		if id.Matches(t) {
			return true
		}
	}
	return false
}

// sweep is one liveness pass: clients that missed the previous ping are
// closed, the rest are pinged.
func (h *Hub) sweep() {
	var ping []*Client
	for c := range h.clients {
		if c.evicting {
			continue
		}
		if !c.alive.Load() {
			c.evicting = true
			h.metrics.evicted()
			h.log.Info("closing unresponsive connection", zap.String("client", c.ID), zap.String("empId", c.Identity().EmpID))
			// Closing the transport ends the read pump, which unregisters.
			go c.peer.Close()
			continue
		}
		c.alive.Store(false)
		ping = append(ping, c)
	}
	if len(ping) == 0 {
		return
	}

	deadline := time.Now().Add(h.cfg.PingWait)
	go func() {
		for _, c := range ping {
			if err := c.peer.Ping(deadline); err != nil {
				h.log.Debug("ping failed", zap.String("client", c.ID), zap.Error(err))
			}
		}
	}()
}
