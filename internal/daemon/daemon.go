// Package daemon wires the configured components into one supervised process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"zapd/go-daemon/internal/alert"
	"zapd/go-daemon/internal/config"
	"zapd/go-daemon/internal/feed"
	"zapd/go-daemon/internal/keystore"
	"zapd/go-daemon/internal/metrics"
	"zapd/go-daemon/internal/platform/privacylog"
	"zapd/go-daemon/internal/rpc"
	"zapd/go-daemon/internal/signer"
	"zapd/go-daemon/internal/supervisor"
	"zapd/go-daemon/internal/watcher"
	"zapd/go-daemon/internal/webhook"
)

const componentName = "daemon"

// sinkDrainTimeout bounds how long queued webhook deliveries may keep the
// process alive after the supervisor returned.
const sinkDrainTimeout = 15 * time.Second

type Daemon struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    *metrics.Registry
	signer     *signer.Signer
	feed       *feed.Node
	sink       *webhook.Sink
	watcher    *watcher.Watcher
	rpc        *rpc.Server
	alerter    alert.Alerter
	closers    []io.Closer
	supervisor *supervisor.Supervisor
}

type Option func(*options)

type options struct {
	logger  *slog.Logger
	version string
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithVersion(version string) Option {
	return func(o *options) {
		o.version = version
	}
}

// NewLogger returns the JSON logger every component shares. Key material is
// redacted before it reaches the handler.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(privacylog.WrapHandler(handler))
}

// New validates cfg and builds every component. Nothing is started and no
// network connection is opened yet.
func New(cfg config.Config, opts ...Option) (*Daemon, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.logger
	if logger == nil {
		logger = NewLogger(os.Stdout, cfg.SlogLevel())
	}

	merchant, err := cfg.MerchantAddress()
	if err != nil {
		return nil, fmt.Errorf("merchant address: %w", err)
	}
	key, err := keystore.Load(cfg.KeySource())
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	sig, err := signer.New(cfg.ChainNetwork(), merchant, key)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}

	reg := metrics.New()
	sink, err := webhook.New(cfg.Webhook, sig.PublicKey(),
		webhook.WithLogger(logger),
		webhook.WithMetrics(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("webhook sink: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		metrics: reg,
		signer:  sig,
		sink:    sink,
	}
	d.alerter, d.closers, err = buildAlerter(cfg.Alert, logger)
	if err != nil {
		d.closeAll(context.Background())
		return nil, fmt.Errorf("alert channel: %w", err)
	}

	d.feed = feed.NewNode(cfg.Feed, feed.WithLogger(logger))
	d.watcher = watcher.New(d.feed, sig, sink,
		watcher.WithLogger(logger),
		watcher.WithMetrics(reg),
	)
	d.supervisor = supervisor.New(cfg.Supervisor, d.alerter,
		supervisor.WithLogger(logger),
		supervisor.WithMetrics(reg),
	)
	info := rpc.Info{
		Version:   o.version,
		Network:   string(sig.Network()),
		Merchant:  sig.Merchant(),
		PublicKey: sig.PublicKeyBase58(),
		Transport: cfg.Feed.Transport,
	}
	d.rpc, err = rpc.New(cfg.RPC, info, d.supervisor,
		rpc.WithFeed(d.feed),
		rpc.WithMetrics(reg),
		rpc.WithLogger(logger),
	)
	if err != nil {
		d.closeAll(context.Background())
		return nil, fmt.Errorf("rpc: %w", err)
	}

	for _, task := range []supervisor.Task{d.watcher, d.rpc} {
		if err := d.supervisor.Add(task); err != nil {
			d.closeAll(context.Background())
			return nil, err
		}
	}
	return d, nil
}

// Run blocks until ctx is cancelled or a worker dies. It returns
// supervisor.ErrWorkerDied in the latter case.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("zapd starting",
		"component", componentName,
		"operation", "daemon.run",
		"network", string(d.signer.Network()),
		"merchant_address", d.signer.Merchant(),
		"public_key", d.signer.PublicKeyBase58(),
		"feed_transport", d.cfg.Feed.Transport,
	)
	runErr := d.supervisor.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), sinkDrainTimeout)
	defer cancel()
	if err := d.closeAll(drainCtx); err != nil {
		d.logger.Warn("shutdown cleanup failed", "component", componentName, "operation", "daemon.close", "error", err.Error())
	}

	if runErr != nil {
		d.logger.Error("zapd stopped", "component", componentName, "operation", "daemon.run", "error", runErr.Error())
		return runErr
	}
	d.logger.Info("zapd stopped", "component", componentName, "operation", "daemon.run")
	return nil
}

func (d *Daemon) closeAll(ctx context.Context) error {
	var errs []error
	if d.sink != nil {
		if err := d.sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Daemon) Feed() *feed.Node                   { return d.feed }
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.supervisor }
func (d *Daemon) Signer() *signer.Signer             { return d.signer }
func (d *Daemon) RPC() *rpc.Server                   { return d.rpc }
func (d *Daemon) Metrics() *metrics.Registry         { return d.metrics }

// buildAlerter always logs alerts; the http and amqp channels add a remote
// destination on top.
func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) (alert.Alerter, []io.Closer, error) {
	logAlerter := alert.NewLogAlerter(logger)
	switch cfg.Channel {
	case "", config.AlertChannelLog:
		return logAlerter, nil, nil
	case config.AlertChannelHTTP:
		h, err := alert.NewHTTPAlerter(cfg.URL, cfg.Token, cfg.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return alert.Multi{logAlerter, h}, nil, nil
	case config.AlertChannelAMQP:
		a, err := alert.NewAMQPAlerter(cfg.URL, cfg.Exchange)
		if err != nil {
			return nil, nil, err
		}
		return alert.Multi{logAlerter, a}, []io.Closer{a}, nil
	default:
		return nil, nil, fmt.Errorf("unknown alert channel %q", cfg.Channel)
	}
}
