//go:build real_waku

package feed

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"
)

var errRelayNotStarted = errors.New("relay node is not started")

// relayBackend carries the transfer stream over waku relay and, when the
// store protocol is enabled, replays recent history from store peers.
type relayBackend struct {
	mu       sync.RWMutex
	node     *wakuNode.WakuNode
	cfg      Config
	peers    []string
	shutting bool
	logger   *slog.Logger

	redialCancel context.CancelFunc
	redialDone   chan struct{}

	dialAttempts    atomic.Int64
	dialOK          atomic.Int64
	dialFailed      atomic.Int64
	storeFailover   atomic.Int64
	storeFailed     atomic.Int64
	payloadRejected atomic.Int64
}

func newGoWakuBackend(logger *slog.Logger) relayTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &relayBackend{logger: logger}
}

func (b *relayBackend) Start(ctx context.Context, cfg Config) error {
	listen, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts := []wakuNode.WakuNodeOption{
		wakuNode.WithHostAddress(listen),
		wakuNode.WithWakuRelay(),
	}
	if cfg.EnableStore {
		history, err := newHistoryProvider()
		if err != nil {
			return err
		}
		opts = append(opts, wakuNode.WithMessageProvider(history), wakuNode.WithWakuStore())
	}

	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	peers := cleanPeerList(cfg.BootstrapNodes)
	for _, addr := range peers {
		if err := node.DialPeer(ctx, addr); err != nil {
			b.logger.Warn("bootstrap dial failed", "component", "feed", "operation", "feed.dial", "peer_addr", addr, "reason", err.Error())
		}
	}

	b.mu.Lock()
	b.node = node
	b.cfg = cfg
	b.peers = peers
	b.shutting = false
	b.mu.Unlock()

	if cfg.PeerMaintenance && len(peers) > 0 {
		b.startRedialer()
	}
	return nil
}

func (b *relayBackend) Stop() {
	b.stopRedialer()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutting = true
	if b.node != nil {
		b.node.Stop()
		b.node = nil
	}
}

func (b *relayBackend) PeerCount() int {
	node, _ := b.snapshot()
	if node == nil {
		return 0
	}
	return node.PeerCount()
}

func (b *relayBackend) NetworkMetrics() map[string]int {
	return map[string]int{
		"dial_attempts":        int(b.dialAttempts.Load()),
		"dial_success":         int(b.dialOK.Load()),
		"dial_failures":        int(b.dialFailed.Load()),
		"store_query_failover": int(b.storeFailover.Load()),
		"store_query_failures": int(b.storeFailed.Load()),
		"decode_failures":      int(b.payloadRejected.Load()),
	}
}

func (b *relayBackend) ListenAddresses() []string {
	node, _ := b.snapshot()
	if node == nil {
		return nil
	}
	var out []string
	for _, addr := range node.ListenAddresses() {
		out = append(out, addr.String())
	}
	return out
}

// SubscribeTransfers relays every decodable transfer on the content topic to
// handler. onClosed fires if a relay subscription ends while the node is
// still meant to be running.
func (b *relayBackend) SubscribeTransfers(handler func(TransferEvent), onClosed func(error)) error {
	node, cfg := b.snapshot()
	if node == nil {
		return errRelayNotStarted
	}
	subs, err := node.Relay().Subscribe(context.Background(), protocol.NewContentFilter(cfg.PubsubTopic, cfg.ContentTopic))
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go b.pump(sub, handler, onClosed)
	}
	return nil
}

func (b *relayBackend) pump(sub *relay.Subscription, handler func(TransferEvent), onClosed func(error)) {
	for env := range sub.Ch {
		if env == nil || env.Message() == nil {
			continue
		}
		if ev, ok := b.decode(env.Message().Payload); ok {
			handler(ev)
		}
	}
	b.mu.RLock()
	shutting := b.shutting
	b.mu.RUnlock()
	if !shutting && onClosed != nil {
		onClosed(ErrSubscriptionLost)
	}
}

func (b *relayBackend) decode(payload []byte) (TransferEvent, bool) {
	ev, err := UnmarshalTransfer(payload)
	if err != nil {
		b.payloadRejected.Add(1)
		b.logger.Debug("dropping undecodable feed payload", "component", "feed", "operation", "feed.decode", "reason", err.Error())
		return TransferEvent{}, false
	}
	return ev, true
}

func (b *relayBackend) PublishTransfer(ctx context.Context, ev TransferEvent) error {
	node, cfg := b.snapshot()
	if node == nil {
		return errRelayNotStarted
	}
	payload, err := MarshalTransfer(ev)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()
	msg := &wpb.WakuMessage{Payload: payload, ContentTopic: cfg.ContentTopic, Timestamp: &now}
	_, err = node.Relay().Publish(ctx, msg, relay.WithPubSubTopic(cfg.PubsubTopic))
	return err
}

// storeTarget is one peer a history query may be sent to. An empty addr
// lets go-waku pick any connected store peer.
type storeTarget struct {
	addr string
	opts []legacyStore.HistoryRequestOption
}

func (b *relayBackend) FetchTransfersSince(ctx context.Context, since time.Time, limit int) ([]TransferEvent, error) {
	node, cfg := b.snapshot()
	if node == nil {
		return nil, errRelayNotStarted
	}
	if limit <= 0 {
		limit = 100
	}
	from, until := since.UnixNano(), time.Now().UnixNano()
	query := legacyStore.Query{
		PubsubTopic:   cfg.PubsubTopic,
		ContentTopics: []string{cfg.ContentTopic},
		StartTime:     &from,
		EndTime:       &until,
	}

	result, err := b.queryWithFailover(ctx, node, query, b.storeTargets(cfg, limit))
	if err != nil {
		return nil, err
	}

	collected := make(map[string]TransferEvent)
	for {
		for _, msg := range result.Messages {
			if msg == nil {
				continue
			}
			ev, ok := b.decode(msg.Payload)
			if !ok {
				continue
			}
			if _, dup := collected[ev.TxID]; !dup {
				collected[ev.TxID] = ev
			}
		}
		if result.IsComplete() || len(collected) >= limit {
			break
		}
		if result, err = node.LegacyStore().Next(ctx, result); err != nil {
			return nil, err
		}
	}
	return orderTransfers(collected, limit), nil
}

func (b *relayBackend) storeTargets(cfg Config, limit int) []storeTarget {
	paging := legacyStore.WithPaging(true, uint64(limit))
	fanout := max(cfg.StoreQueryFanout, 1)

	b.mu.RLock()
	peers := slices.Clone(b.peers)
	b.mu.RUnlock()

	var targets []storeTarget
	for _, addr := range peers {
		if len(targets) == fanout {
			break
		}
		peerAddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		targets = append(targets, storeTarget{
			addr: addr,
			opts: []legacyStore.HistoryRequestOption{paging, legacyStore.WithPeerAddr(peerAddr)},
		})
	}
	targets = append(targets, storeTarget{opts: []legacyStore.HistoryRequestOption{paging}})
	if !cfg.PeerMaintenance {
		targets = targets[:1]
	}
	return targets
}

func (b *relayBackend) queryWithFailover(ctx context.Context, node *wakuNode.WakuNode, query legacyStore.Query, targets []storeTarget) (*legacyStore.Result, error) {
	var lastErr error
	for i, target := range targets {
		result, err := node.LegacyStore().Query(ctx, query, target.opts...)
		if err == nil {
			if i > 0 {
				b.storeFailover.Add(1)
				b.logger.Info("store query recovered via failover", "component", "feed", "operation", "feed.backfill", "attempt", i+1)
			}
			return result, nil
		}
		b.storeFailed.Add(1)
		peer := target.addr
		if peer == "" {
			peer = "any"
		}
		b.logger.Warn("store query attempt failed", "component", "feed", "operation", "feed.backfill", "peer_addr", peer, "attempt", i+1, "reason", err.Error())
		lastErr = err
	}
	return nil, lastErr
}

// orderTransfers replays history in chain time order; pages from several
// store peers arrive interleaved.
func orderTransfers(byTx map[string]TransferEvent, limit int) []TransferEvent {
	out := make([]TransferEvent, 0, len(byTx))
	for _, ev := range byTx {
		out = append(out, ev)
	}
	slices.SortFunc(out, func(a, c TransferEvent) int {
		if a.Timestamp != c.Timestamp {
			if a.Timestamp < c.Timestamp {
				return -1
			}
			return 1
		}
		return strings.Compare(a.TxID, c.TxID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (b *relayBackend) startRedialer() {
	b.stopRedialer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.redialCancel = cancel
	b.redialDone = done
	cfg := b.cfg
	b.mu.Unlock()

	go func() {
		defer close(done)
		b.redialLoop(ctx, cfg)
	}()
}

func (b *relayBackend) stopRedialer() {
	b.mu.Lock()
	cancel, done := b.redialCancel, b.redialDone
	b.redialCancel, b.redialDone = nil, nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// redialLoop keeps the peer count at MinPeers (capped by the bootstrap list)
// and backs off exponentially with jitter while dials keep failing.
func (b *relayBackend) redialLoop(ctx context.Context, cfg Config) {
	ticker := time.NewTicker(cfg.ReconnectInterval)
	defer ticker.Stop()

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := cfg.ReconnectInterval
	var notBefore time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(notBefore) {
				continue
			}
			if !b.belowPeerTarget() || b.redialPeers(ctx, rnd) || !b.belowPeerTarget() {
				backoff = cfg.ReconnectInterval
				notBefore = time.Time{}
				continue
			}
			backoff = min(backoff*2, cfg.ReconnectBackoffMax)
			jitter := time.Duration(rnd.Int63n(int64(backoff/2) + 1))
			notBefore = time.Now().Add(backoff + jitter)
		}
	}
}

func (b *relayBackend) belowPeerTarget() bool {
	b.mu.RLock()
	node := b.node
	target := max(b.cfg.MinPeers, 1)
	if n := len(b.peers); n > 0 {
		target = min(target, n)
	}
	b.mu.RUnlock()
	return node != nil && node.PeerCount() < target
}

func (b *relayBackend) redialPeers(ctx context.Context, rnd *rand.Rand) bool {
	b.mu.RLock()
	node := b.node
	peers := slices.Clone(b.peers)
	b.mu.RUnlock()
	if node == nil {
		return false
	}
	rnd.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	connected := false
	for i, addr := range peers {
		b.dialAttempts.Add(1)
		if err := node.DialPeer(ctx, addr); err != nil {
			b.dialFailed.Add(1)
			b.logger.Warn("peer redial failed", "component", "feed", "operation", "feed.redial", "peer_addr", addr, "attempt", i+1, "reason", err.Error())
			continue
		}
		b.dialOK.Add(1)
		connected = true
		b.logger.Info("peer redial succeeded", "component", "feed", "operation", "feed.redial", "peer_addr", addr, "attempt", i+1)
	}
	return connected
}

func (b *relayBackend) snapshot() (*wakuNode.WakuNode, Config) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.node, b.cfg
}

func cleanPeerList(raw []string) []string {
	var out []string
	for _, addr := range raw {
		addr = strings.TrimSpace(addr)
		if addr == "" || slices.Contains(out, addr) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// newHistoryProvider backs the local store protocol with an in-memory sqlite
// database; history only needs to outlive a reconnect, not a restart.
func newHistoryProvider() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.DefaultRegisterer,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}
