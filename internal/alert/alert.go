// Package alert delivers the supervisor's two operational alerts to the
// operator: one when every worker has started, one when a worker has died.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"
)

const (
	KindAlive = "alive"
	KindDeath = "death"

	MessageAlive = "our workers have started :)"
	MessageDeath = "one of our workers is dead X("
)

type Alerter interface {
	Alive(ctx context.Context, msg string) error
	Death(ctx context.Context, msg string) error
}

// Event is the document sent by the HTTP and AMQP channels.
type Event struct {
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	Hostname string    `json:"hostname"`
	Time     time.Time `json:"time"`
}

func newEvent(kind, msg string) Event {
	host, _ := os.Hostname()
	return Event{Kind: kind, Message: msg, Hostname: host, Time: time.Now().UTC()}
}

type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alive(_ context.Context, msg string) error {
	a.logger.Info(msg, "component", "alert", "operation", "alert.alive", "kind", KindAlive)
	return nil
}

func (a *LogAlerter) Death(_ context.Context, msg string) error {
	a.logger.Error(msg, "component", "alert", "operation", "alert.death", "kind", KindDeath)
	return nil
}

// Multi fans an alert out to every channel and joins their errors.
type Multi []Alerter

func (m Multi) Alive(ctx context.Context, msg string) error {
	var errs []error
	for _, a := range m {
		if err := a.Alive(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Death(ctx context.Context, msg string) error {
	var errs []error
	for _, a := range m {
		if err := a.Death(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
