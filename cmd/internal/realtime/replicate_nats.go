package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const defaultNATSSubject = "herald.bus"

// NATSReplicator carries frames over one NATS subject.
type NATSReplicator struct {
	nc      *nats.Conn
	subject string
}

// NewNATSReplicator connects to natsURL. Reconnects are unlimited.
func NewNATSReplicator(natsURL, subject string) (*NATSReplicator, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("herald"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = defaultNATSSubject
	}
	return &NATSReplicator{nc: nc, subject: subject}, nil
}

// Publish sends one frame.
func (n *NATSReplicator) Publish(_ context.Context, data []byte) error {
	return n.nc.Publish(n.subject, data)
}

// Subscribe delivers frames to handle until ctx ends.
// NATS invokes the callback serially, which keeps per-publisher order.
func (n *NATSReplicator) Subscribe(ctx context.Context, handle func([]byte)) error {
	sub, err := n.nc.Subscribe(n.subject, func(m *nats.Msg) {
		handle(m.Data)
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := n.nc.Flush(); err != nil {
		return err
	}

	closed := make(chan struct{})
	n.nc.SetClosedHandler(func(*nats.Conn) { close(closed) })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		return errors.New("realtime: nats connection closed")
	}
}

// Ping round-trips to the server.
func (n *NATSReplicator) Ping(ctx context.Context) error {
	return n.nc.FlushWithContext(ctx)
}

// Close drains subscriptions and closes the connection.
func (n *NATSReplicator) Close() error {
	return n.nc.Drain()
}

var _ Replicator = (*NATSReplicator)(nil)
