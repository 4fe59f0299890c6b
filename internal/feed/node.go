// Package feed adapts the node's unconfirmed-transfer stream into a sequence
// of TransferEvents delivered to a single callback.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"

	DefaultPubsubTopic  = "/waku/2/default-waku/proto"
	DefaultContentTopic = "/zapd/1/transfer-utx/json"
)

var (
	ErrNotConnected       = errors.New("feed not connected")
	ErrClosed             = errors.New("feed is closed")
	ErrNoHandler          = errors.New("feed handler is not set")
	ErrBackendUnavailable = errors.New("go-waku backend is not available in this build")
	ErrSubscriptionLost   = errors.New("feed subscription closed unexpectedly")
)

var runtimeStatusPollInterval = 1 * time.Second

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	PeerMaintenance     bool          `yaml:"peerMaintenance"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	PubsubTopic         string        `yaml:"pubsubTopic"`
	ContentTopic        string        `yaml:"contentTopic"`
	EnableStore         bool          `yaml:"enableStore"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	BackfillWindow      time.Duration `yaml:"backfillWindow"`
	BackfillLimit       int           `yaml:"backfillLimit"`
}

type Status struct {
	State     string
	PeerCount int
	Received  uint64
	LastSync  time.Time
	LastError string
}

type Node struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	handler  func(TransferEvent)
	relay    relayTransport
	bus      *Bus
	busSub   *busSubscription
	closed   bool
	termErr  error
	done     chan struct{}
	doneOnce sync.Once
	logger   *slog.Logger

	newRelay    func(*slog.Logger) relayTransport
	monitorStop chan struct{}
	monitorDone chan struct{}
	transitions int

	deliverMu sync.Mutex
	replaying bool
	held      []TransferEvent
}

// relayTransport is the go-waku side of the feed. It is only linked in with
// the real_waku build tag.
type relayTransport interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	ListenAddresses() []string
	SubscribeTransfers(handler func(TransferEvent), onClosed func(error)) error
	PublishTransfer(ctx context.Context, ev TransferEvent) error
	FetchTransfersSince(ctx context.Context, since time.Time, limit int) ([]TransferEvent, error)
}

type Option func(*Node)

// WithBus attaches the node to a shared in-process bus (mock transport).
func WithBus(bus *Bus) Option {
	return func(n *Node) {
		if bus != nil {
			n.bus = bus
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		PeerMaintenance:     true,
		MinPeers:            1,
		ReconnectInterval:   time.Second,
		ReconnectBackoffMax: 30 * time.Second,
		PubsubTopic:         DefaultPubsubTopic,
		ContentTopic:        DefaultContentTopic,
		EnableStore:         true,
		StoreQueryFanout:    3,
		BackfillLimit:       500,
	}
}

func NewNode(cfg Config, opts ...Option) *Node {
	n := &Node{
		cfg:      NormalizeConfig(cfg),
		status:   Status{State: StateDisconnected},
		done:     make(chan struct{}),
		logger:   slog.Default(),
		newRelay: newGoWakuBackend,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.bus == nil {
		n.bus = NewBus()
	}
	return n
}

// NormalizeConfig fills zero values from DefaultConfig and clamps values
// that would make peer maintenance or backfill misbehave.
func NormalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.Transport = orDefault(cfg.Transport, def.Transport)
	cfg.PubsubTopic = orDefault(cfg.PubsubTopic, def.PubsubTopic)
	cfg.ContentTopic = orDefault(cfg.ContentTopic, def.ContentTopic)
	cfg.StoreQueryFanout = positiveOr(cfg.StoreQueryFanout, def.StoreQueryFanout)
	cfg.BackfillLimit = positiveOr(cfg.BackfillLimit, def.BackfillLimit)
	cfg.ReconnectInterval = positiveOr(cfg.ReconnectInterval, def.ReconnectInterval)
	cfg.ReconnectBackoffMax = max(positiveOr(cfg.ReconnectBackoffMax, def.ReconnectBackoffMax), cfg.ReconnectInterval)
	cfg.BackfillWindow = max(cfg.BackfillWindow, 0)
	cfg.MinPeers = max(cfg.MinPeers, 0)
	return cfg
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func positiveOr[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Subscribe registers the per-event callback. Events are delivered one at a
// time in feed order.
func (n *Node) Subscribe(handler func(TransferEvent)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
}

// Start connects the configured transport. A node is single-use: once
// stopped or terminated it cannot be started again.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	switch {
	case n.closed:
		n.mu.Unlock()
		return ErrClosed
	case n.handler == nil:
		n.mu.Unlock()
		return ErrNoHandler
	}
	n.markLocked(StateConnecting, 0)
	n.mu.Unlock()

	if err := ctx.Err(); err != nil {
		n.mark(StateDisconnected, 0)
		return err
	}
	if n.cfg.Transport == TransportGoWaku {
		return n.startRelay(ctx)
	}

	sub := n.bus.subscribe(n.deliver)
	n.mu.Lock()
	n.busSub = sub
	n.markLocked(StateConnected, 1)
	n.mu.Unlock()
	return nil
}

func (n *Node) startRelay(ctx context.Context) error {
	rt := n.newRelay(n.logger)
	if rt == nil {
		n.mark(StateDisconnected, 0)
		return ErrBackendUnavailable
	}
	fail := func(err error, started bool) error {
		if started {
			rt.Stop()
		}
		n.mark(StateDisconnected, 0)
		return err
	}
	if err := rt.Start(ctx, n.cfg); err != nil {
		return fail(err, false)
	}

	peers := rt.PeerCount()
	if n.cfg.PeerMaintenance {
		var err error
		if peers, err = awaitPeers(ctx, rt, n.cfg); err != nil {
			return fail(err, true)
		}
	}
	if n.backfillEnabled() {
		n.deliverMu.Lock()
		n.replaying = true
		n.deliverMu.Unlock()
	}
	if err := rt.SubscribeTransfers(n.deliver, n.terminate); err != nil {
		return fail(err, true)
	}

	n.mu.Lock()
	n.relay = rt
	n.markLocked(stateForPeers(peers, n.cfg), peers)
	n.mu.Unlock()
	n.logger.Info("feed connected", "component", "feed", "operation", "feed.start", "transport", n.cfg.Transport, "peers", peers, "content_topic", n.cfg.ContentTopic)

	n.backfill(ctx, rt)
	n.startMonitor()
	return nil
}

func (n *Node) backfillEnabled() bool {
	return n.cfg.BackfillWindow > 0 && n.cfg.EnableStore
}

// backfill replays recent history from store peers ahead of any live events
// that arrived meanwhile. Events seen live may be delivered again here.
func (n *Node) backfill(ctx context.Context, rt relayTransport) {
	if !n.backfillEnabled() {
		return
	}
	events, err := rt.FetchTransfersSince(ctx, time.Now().Add(-n.cfg.BackfillWindow), n.cfg.BackfillLimit)
	if err != nil {
		n.logger.Warn("feed backfill failed", "component", "feed", "operation", "feed.backfill", "error", err.Error())
		events = nil
	}
	held := n.replay(events)
	if err == nil {
		n.logger.Info("feed backfill complete", "component", "feed", "operation", "feed.backfill", "events", len(events), "held_live", held)
	}
}

// replay delivers history, then the live events held back during the fetch,
// and switches delivery back to pass-through.
func (n *Node) replay(history []TransferEvent) int {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()
	for _, ev := range history {
		n.dispatch(ev)
	}
	held := n.held
	for _, ev := range held {
		n.dispatch(ev)
	}
	n.held = nil
	n.replaying = false
	return len(held)
}

func (n *Node) Stop(_ context.Context) error {
	n.stopMonitor()

	n.mu.Lock()
	rt, sub := n.relay, n.busSub
	n.relay, n.busSub = nil, nil
	n.closed = true
	n.mu.Unlock()

	if rt != nil {
		rt.Stop()
	}
	n.bus.unsubscribe(sub)
	n.mark(StateDisconnected, 0)
	n.doneOnce.Do(func() { close(n.done) })
	return nil
}

// Done is closed once the feed has stopped, either through Stop or because
// the transport lost its subscription.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Err reports why the feed terminated on its own; nil after a clean Stop.
func (n *Node) Err() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.termErr
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.relay != nil {
		s.PeerCount = n.relay.PeerCount()
	}
	return s
}

// Publish injects a transfer into the feed: onto the in-process bus for the
// mock transport, onto the relay topic for go-waku.
func (n *Node) Publish(ctx context.Context, ev TransferEvent) error {
	n.mu.RLock()
	state, rt := n.status.State, n.relay
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}
	if rt != nil {
		return rt.PublishTransfer(ctx, ev)
	}
	return n.bus.Publish(ctx, ev)
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	rt := n.relay
	n.mu.RUnlock()
	if rt == nil {
		return nil
	}
	return rt.ListenAddresses()
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	out := map[string]int{"feed_state_transitions": n.transitions}
	rt := n.relay
	n.mu.RUnlock()
	if rt != nil {
		maps.Copy(out, rt.NetworkMetrics())
	}
	return out
}

// deliver is the single entry point for both live and replayed events; it
// runs the handler for one event at a time.
func (n *Node) deliver(ev TransferEvent) {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()
	if n.replaying {
		n.held = append(n.held, ev)
		return
	}
	n.dispatch(ev)
}

func (n *Node) dispatch(ev TransferEvent) {
	n.mu.Lock()
	handler := n.handler
	n.status.Received++
	n.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (n *Node) terminate(err error) {
	if err == nil {
		err = ErrSubscriptionLost
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.termErr = err
	n.status.LastError = err.Error()
	n.markLocked(StateDisconnected, 0)
	n.mu.Unlock()
	n.logger.Error("feed terminated", "component", "feed", "operation", "feed.subscription", "error", err.Error())
	n.doneOnce.Do(func() { close(n.done) })
}

func (n *Node) mark(state string, peers int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.markLocked(state, peers)
}

func (n *Node) markLocked(state string, peers int) {
	if n.status.State != state {
		n.transitions++
		n.status.State = state
	}
	n.status.PeerCount = peers
	n.status.LastSync = time.Now()
}

// startMonitor polls the relay peer count and flips between connected and
// degraded until stopMonitor is called.
func (n *Node) startMonitor() {
	n.stopMonitor()

	stop, done := make(chan struct{}), make(chan struct{})
	n.mu.Lock()
	n.monitorStop, n.monitorDone = stop, done
	n.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()
		for {
			n.refreshPeers()
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (n *Node) stopMonitor() {
	n.mu.Lock()
	stop, done := n.monitorStop, n.monitorDone
	n.monitorStop, n.monitorDone = nil, nil
	n.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (n *Node) refreshPeers() {
	n.mu.RLock()
	rt := n.relay
	n.mu.RUnlock()
	if rt == nil {
		return
	}
	peers := rt.PeerCount()
	next := StateConnected
	if peers == 0 {
		next = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != next || n.status.PeerCount != peers {
		if next == StateDegraded && n.status.State != next {
			n.logger.Warn("feed lost all peers", "component", "feed", "operation", "feed.monitor")
		}
		n.markLocked(next, peers)
	}
}

// awaitPeers gives the relay a short handshake window to reach peerTarget.
// Running out of time is not an error; the node starts degraded.
func awaitPeers(ctx context.Context, rt relayTransport, cfg Config) (int, error) {
	target := peerTarget(cfg)
	if peers := rt.PeerCount(); peers >= target {
		return peers, nil
	}

	deadline := time.NewTimer(handshakeTimeout(cfg))
	defer deadline.Stop()
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return rt.PeerCount(), ctx.Err()
		case <-deadline.C:
			return rt.PeerCount(), nil
		case <-poll.C:
			if peers := rt.PeerCount(); peers >= target {
				return peers, nil
			}
		}
	}
}

func stateForPeers(peers int, cfg Config) string {
	if peers >= peerTarget(cfg) {
		return StateConnected
	}
	return StateDegraded
}

// peerTarget is MinPeers (at least one) capped by the bootstrap list size.
func peerTarget(cfg Config) int {
	target := max(cfg.MinPeers, 1)
	if n := len(cfg.BootstrapNodes); n > 0 {
		target = min(target, n)
	}
	return target
}

// handshakeTimeout is five reconnect intervals, at least 2s and at most the
// reconnect backoff cap.
func handshakeTimeout(cfg Config) time.Duration {
	timeout := max(5*positiveOr(cfg.ReconnectInterval, time.Second), 2*time.Second)
	if cfg.ReconnectBackoffMax > 0 {
		timeout = min(timeout, cfg.ReconnectBackoffMax)
	}
	return timeout
}
