// Package webhook delivers signed payment notifications to the merchant's
// HTTP endpoint. Delivery is fire-and-forget: failures are logged with enough
// context for manual reconciliation and never retried.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58/base58"
	"golang.org/x/time/rate"

	"zapd/go-daemon/internal/metrics"
	"zapd/go-daemon/internal/signer"
)

const (
	componentName = "webhook"

	HeaderSignature  = "Signature"
	HeaderDeliveryID = "X-Zapd-Delivery-Id"

	resultOK      = "ok"
	resultFailed  = "failed"
	resultDropped = "dropped"

	maxErrorBody = 512
)

var (
	ErrInvalidURL = errors.New("webhook url must be an absolute http(s) url")
	ErrClosed     = errors.New("webhook sink is closed")
)

type Config struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	QueueSize     int           `yaml:"queueSize"`
	Workers       int           `yaml:"workers"`
	RatePerSecond float64       `yaml:"ratePerSecond"`
	Burst         int           `yaml:"burst"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		QueueSize:     256,
		Workers:       1,
		RatePerSecond: 20,
		Burst:         10,
	}
}

// Body is the JSON document POSTed to the receiver. Message is the canonical
// notification exactly as signed.
type Body struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

type job struct {
	id     string
	signed signer.Signed
}

type Sink struct {
	cfg       Config
	endpoint  string
	publicKey string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *metrics.Registry

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Sink)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Sink) {
		s.metrics = m
	}
}

// New validates cfg and starts the delivery workers. publicKey is the
// signer's verification key, sent alongside every notification.
func New(cfg Config, publicKey []byte, opts ...Option) (*Sink, error) {
	cfg = normalizeConfig(cfg)
	endpoint, err := validateURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		cfg:       cfg,
		endpoint:  endpoint,
		publicKey: base58.Encode(publicKey),
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    slog.Default(),
		queue:     make(chan job, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RatePerSecond < 0 {
		cfg.RatePerSecond = 0
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return cfg
}

func validateURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidURL
	}
	return u.String(), nil
}

// Dispatch queues a notification and returns immediately. It reports false
// when the notification was dropped because the queue is full or the sink is
// closed.
func (s *Sink) Dispatch(signed signer.Signed) bool {
	j := job{id: uuid.NewString(), signed: signed}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(j, ErrClosed)
		return false
	}
	select {
	case s.queue <- j:
		s.setQueueDepth()
		return true
	default:
		s.drop(j, errors.New("delivery queue full"))
		return false
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered. In-flight POSTs are aborted when ctx expires first.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		s.setQueueDepth()
		s.deliver(j)
	}
}

func (s *Sink) deliver(j job) {
	n := j.signed.Notification
	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			s.fail(j, 0, err)
			return
		}
	}

	payload, err := json.Marshal(Body{
		Message:   string(j.signed.Message),
		Signature: base58.Encode(j.signed.Signature),
		PublicKey: s.publicKey,
	})
	if err != nil {
		s.fail(j, 0, err)
		return
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		s.fail(j, 0, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, base58.Encode(j.signed.Signature))
	req.Header.Set(HeaderDeliveryID, j.id)

	started := time.Now()
	resp, err := s.client.Do(req)
	s.observeLatency(time.Since(started))
	if err != nil {
		s.fail(j, 0, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		s.fail(j, resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	s.count(resultOK)
	s.logger.Info("webhook delivered",
		"component", componentName,
		"operation", "webhook.deliver",
		"correlation_id", n.TxID,
		"delivery_id", j.id,
		"status", resp.StatusCode,
	)
}

func (s *Sink) fail(j job, status int, err error) {
	s.count(resultFailed)
	s.logger.Error("webhook delivery failed", s.reconciliationAttrs(j, status, err)...)
}

func (s *Sink) drop(j job, reason error) {
	s.count(resultDropped)
	s.logger.Error("webhook delivery dropped", s.reconciliationAttrs(j, 0, reason)...)
}

func (s *Sink) reconciliationAttrs(j job, status int, err error) []any {
	n := j.signed.Notification
	attrs := []any{
		"component", componentName,
		"operation", "webhook.deliver",
		"correlation_id", n.TxID,
		"delivery_id", j.id,
		"txid", n.TxID,
		"amount", n.Amount,
		"sender", n.Sender,
		"invoice_id", n.Invoice(),
		"webhook_url", s.endpoint,
	}
	if status != 0 {
		attrs = append(attrs, "status", status)
	}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}
	return attrs
}

func (s *Sink) count(result string) {
	if s.metrics != nil {
		s.metrics.Deliveries.WithLabelValues(result).Inc()
	}
}

func (s *Sink) observeLatency(d time.Duration) {
	if s.metrics != nil {
		s.metrics.DeliveryLatency.Observe(d.Seconds())
	}
}

func (s *Sink) setQueueDepth() {
	if s.metrics != nil {
		s.metrics.DeliveryQueue.Set(float64(len(s.queue)))
	}
}
