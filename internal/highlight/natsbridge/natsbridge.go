// Package natsbridge forwards highlight events to a NATS subject so that
// observers in other processes (a separate viewer, an accessibility tool)
// can follow playback.
//
// Each event is published as JSON on "<subject>.<kind>", for example
// "spokensense.highlight.advance". Subscribers that want everything use
// "<subject>.>".
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Neeleshn20/spokensense/internal/highlight"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "spokensense.highlight"

// Config describes the NATS connection.
type Config struct {
	// URL is a comma-separated server list.
	URL string `yaml:"url"`

	// Subject is the subject prefix. Default: [DefaultSubject].
	Subject string `yaml:"subject"`

	// Name is the client connection name.
	Name string `yaml:"name"`

	// Token authenticates the client when set.
	Token string `yaml:"token"`

	// ConnectTimeout bounds the initial dial. Default: 5s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials the servers in cfg.
func Connect(cfg Config) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("natsbridge: no server url configured")
	}
	name := cfg.Name
	if name == "" {
		name = "spokensense"
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "server", c.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect: %w", err)
	}
	slog.Info("connected to NATS", "servers", cfg.URL)
	return conn, nil
}

// Bridge copies events from a highlight subscription to NATS.
type Bridge struct {
	pub     Publisher
	subject string

	mu        sync.Mutex
	published int
	failed    int
	lastErr   error
}

// New creates a bridge publishing under subject (or [DefaultSubject]).
func New(pub Publisher, subject string) *Bridge {
	subject = strings.TrimSuffix(subject, ".")
	if subject == "" {
		subject = DefaultSubject
	}
	return &Bridge{pub: pub, subject: subject}
}

// Subject returns the subject an event is published on.
func (b *Bridge) Subject(ev highlight.Event) string {
	return b.subject + "." + ev.Kind.String()
}

// Run forwards events from bus until ctx is cancelled or the bus closes.
// Publish failures are logged and counted; they never stop the bridge.
func (b *Bridge) Run(ctx context.Context, bus *highlight.Bus) error {
	sub := bus.Subscribe(highlight.WithName("nats"))
	defer bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			b.forward(ev)
		}
	}
}

func (b *Bridge) forward(ev highlight.Event) {
	data, err := json.Marshal(ev)
	if err == nil {
		err = b.pub.Publish(b.Subject(ev), data)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failed++
		b.lastErr = err
		slog.Warn("failed to publish highlight event", "subject", b.Subject(ev), "seq", ev.Seq, "error", err)
		return
	}
	b.published++
}

// Stats returns the number of events published and failed so far, and the
// most recent error.
func (b *Bridge) Stats() (published, failed int, lastErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published, b.failed, b.lastErr
}

// Healthy reports whether conn is connected. It is used by the readiness
// checker.
func Healthy(conn *nats.Conn) error {
	if conn == nil {
		return errors.New("natsbridge: not connected")
	}
	if st := conn.Status(); st != nats.CONNECTED {
		return fmt.Errorf("natsbridge: connection %s", st)
	}
	return nil
}
