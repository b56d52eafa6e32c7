package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultSubject is used when no NATS subject is configured.
const DefaultSubject = "trendpulse.trends.alert"

// Publisher is the part of *nats.Conn the NATS notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes an Event per alert to a subject.
type NATS struct {
	pub     Publisher
	subject string
	now     func() time.Time
}

func NewNATS(pub Publisher, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{pub: pub, subject: subject, now: time.Now}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Send(ctx context.Context, note *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(newEvent(note, n.now()))
	if err != nil {
		return fmt.Errorf("marshal nats event: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}

// Connect dials NATS with reconnect handling that reports through log.
func Connect(url string, log *logrus.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("trendpulse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Debug("nats connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}
