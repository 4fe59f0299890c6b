// Package watcher turns the node's unconfirmed-transfer feed into signed
// payment notifications for transfers addressed to the merchant.
package watcher

import (
	"context"
	"log/slog"

	"zapd/go-daemon/internal/chain"
	"zapd/go-daemon/internal/feed"
	"zapd/go-daemon/internal/metrics"
	"zapd/go-daemon/internal/signer"
)

const (
	TaskName      = "transfer-watcher"
	componentName = "watcher"
)

// Feed is the node subscription the watcher consumes. Done closes when the
// feed stops for any reason; Err is non-nil if it stopped on its own.
type Feed interface {
	Subscribe(handler func(feed.TransferEvent))
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// Dispatcher hands a signed notification to the webhook without blocking.
type Dispatcher interface {
	Dispatch(signed signer.Signed) bool
}

type Watcher struct {
	feed     Feed
	signer   *signer.Signer
	sink     Dispatcher
	merchant string
	logger   *slog.Logger
	metrics  *metrics.Registry
}

type Option func(*Watcher)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(w *Watcher) {
		w.metrics = m
	}
}

func New(f Feed, s *signer.Signer, sink Dispatcher, opts ...Option) *Watcher {
	w := &Watcher{
		feed:     f,
		signer:   s,
		sink:     sink,
		merchant: s.Merchant(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) Name() string { return TaskName }

// Run subscribes to the feed and blocks until ctx is cancelled or the feed
// terminates. A feed that dies on its own is reported as an error.
func (w *Watcher) Run(ctx context.Context, ready func()) error {
	w.feed.Subscribe(w.HandleTransfer)
	if err := w.feed.Start(ctx); err != nil {
		return err
	}
	w.logger.Info("watching transfers",
		"component", componentName,
		"operation", "watcher.run",
		"merchant", w.merchant,
		"network", string(w.signer.Network()),
	)
	ready()

	select {
	case <-ctx.Done():
		return w.feed.Stop(context.Background())
	case <-w.feed.Done():
		return w.feed.Err()
	}
}

func (w *Watcher) Stop(ctx context.Context) error {
	return w.feed.Stop(ctx)
}

// HandleTransfer processes one feed event. Events are handled in the order
// the feed delivers them; redelivered transfers are signed and dispatched
// again.
func (w *Watcher) HandleTransfer(ev feed.TransferEvent) {
	if w.metrics != nil {
		w.metrics.TransfersSeen.Inc()
	}
	recipient := chain.AddressFromBytes(ev.Recipient)
	w.logger.Debug("transfer observed",
		"component", componentName,
		"operation", "watcher.observe",
		"correlation_id", ev.TxID,
		"recipient", recipient,
		"amount", ev.Amount,
	)
	if recipient != w.merchant {
		return
	}
	if w.metrics != nil {
		w.metrics.TransfersMatched.Inc()
	}

	signed, err := w.signer.Sign(ev)
	if err != nil {
		if w.metrics != nil {
			w.metrics.SignFailures.Inc()
		}
		w.logger.Error("cannot sign payment notification",
			"component", componentName,
			"operation", "watcher.sign",
			"correlation_id", ev.TxID,
			"txid", ev.TxID,
			"amount", ev.Amount,
			"error", err.Error(),
		)
		return
	}
	w.logger.Info("payment received",
		"component", componentName,
		"operation", "watcher.dispatch",
		"correlation_id", ev.TxID,
		"sender", signed.Notification.Sender,
		"amount", ev.Amount,
		"invoice_id", signed.Notification.Invoice(),
	)
	w.sink.Dispatch(signed)
}
