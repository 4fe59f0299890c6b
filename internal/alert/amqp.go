package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange   = "zapd.alerts"
	routingKeyPrefix  = "zapd.alert."
	exchangeKindTopic = "topic"

	defaultDialTimeout = 10 * time.Second
	amqpLocale         = "en_US"
)

var ErrInvalidAMQPURL = errors.New("amqp url must use amqp:// or amqps://")

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpDialer func(ctx context.Context, rawURL string) (amqpChannel, func() error, error)

// AMQPAlerter publishes alerts to a topic exchange consumed by the
// notification service that emails the operators. Routing keys are
// zapd.alert.alive and zapd.alert.death.
type AMQPAlerter struct {
	url      string
	exchange string
	dial     amqpDialer

	mu        sync.Mutex
	ch        amqpChannel
	closeConn func() error
	declared  bool
}

func NewAMQPAlerter(rawURL, exchange string) (*AMQPAlerter, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPAlerter{url: clean, exchange: exchange, dial: dialAMQP}, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") || u.Host == "" {
		return "", ErrInvalidAMQPURL
	}
	if u.Path == "" {
		clean += "/"
	}
	return clean, nil
}

// dialAMQP bounds the TCP dial and the AMQP handshake by the alert's
// deadline.
func dialAMQP(ctx context.Context, rawURL string) (amqpChannel, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	conn, err := amqp.DialConfig(rawURL, amqp.Config{
		Locale: amqpLocale,
		Dial:   amqp.DefaultDial(dialTimeout(ctx)),
	})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

func dialTimeout(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultDialTimeout
	}
	return max(time.Until(deadline), time.Millisecond)
}

func (a *AMQPAlerter) Alive(ctx context.Context, msg string) error {
	return a.publish(ctx, newEvent(KindAlive, msg))
}

func (a *AMQPAlerter) Death(ctx context.Context, msg string) error {
	return a.publish(ctx, newEvent(KindDeath, msg))
}

// publish connects lazily; a failed publish drops the channel so the next
// alert redials.
func (a *AMQPAlerter) publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil {
		ch, closeConn, err := a.dial(ctx, a.url)
		if err != nil {
			return err
		}
		a.ch = ch
		a.closeConn = closeConn
		a.declared = false
	}
	if !a.declared {
		if err := a.ch.ExchangeDeclare(a.exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
			a.resetLocked()
			return err
		}
		a.declared = true
	}
	err = a.ch.PublishWithContext(ctx, a.exchange, routingKeyPrefix+ev.Kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Time,
		Body:         body,
	})
	if err != nil {
		a.resetLocked()
		return err
	}
	return nil
}

func (a *AMQPAlerter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resetLocked()
}

func (a *AMQPAlerter) resetLocked() error {
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.closeConn != nil {
		if err := a.closeConn(); err != nil {
			errs = append(errs, err)
		}
	}
	a.ch = nil
	a.closeConn = nil
	a.declared = false
	return errors.Join(errs...)
}
