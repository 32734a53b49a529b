// Package eventbus mirrors every published board snapshot onto a Watermill
// topic so other processes can follow a contest without their own hub
// connection. The bus is in-process by default and NATS core when a URL is
// configured.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	nc "github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"go.uber.org/zap"

	"github.com/DoyleJ11/leaderboard-sync/internal/board"
	"github.com/DoyleJ11/leaderboard-sync/internal/logging"
	"github.com/DoyleJ11/leaderboard-sync/internal/metrics"
)

const topicPrefix = "leaderboard.standings."

const contestKey = "contest_id"

var ErrClosed = errors.New("event bus closed")

// Topic is the subject a contest's snapshots are mirrored on.
func Topic(contestID string) string { return topicPrefix + contestID }

type Config struct {
	NATSURL   string
	NKeySeed  string
	QueueSize int
}

type Bus struct {
	pub     message.Publisher
	sub     message.Subscriber
	queue   chan board.Snapshot
	logger  *zap.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	closed    chan struct{}
}

var _ board.Sink = (*Bus)(nil)

func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	wlog := logging.NewWatermillAdapter(logger)

	b := &Bus{
		queue:   make(chan board.Snapshot, cfg.QueueSize),
		logger:  logger.Named("eventbus"),
		metrics: m,
		closed:  make(chan struct{}),
	}

	if cfg.NATSURL == "" {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: int64(cfg.QueueSize)}, wlog)
		b.pub, b.sub = ch, ch
		return b, nil
	}

	opts := []nc.Option{nc.Name("leaderboard-sync"), nc.RetryOnFailedConnect(true), nc.MaxReconnects(-1)}
	if cfg.NKeySeed != "" {
		opt, err := nkeyOption(cfg.NKeySeed)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}

	marshaler := &wmnats.NATSMarshaler{}
	js := wmnats.JetStreamConfig{Disabled: true}

	pub, err := wmnats.NewPublisher(wmnats.PublisherConfig{
		URL:         cfg.NATSURL,
		NatsOptions: opts,
		Marshaler:   marshaler,
		JetStream:   js,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("nats publisher: %w", err)
	}
	sub, err := wmnats.NewSubscriber(wmnats.SubscriberConfig{
		URL:         cfg.NATSURL,
		NatsOptions: opts,
		Unmarshaler: marshaler,
		JetStream:   js,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("nats subscriber: %w", err)
	}
	b.pub, b.sub = pub, sub
	return b, nil
}

// nkeyOption authenticates with a user seed. The seed never leaves the
// process; only nonce signatures do.
func nkeyOption(seed string) (nc.Option, error) {
	kp, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("nkey seed: %w", err)
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("nkey public key: %w", err)
	}
	return nc.Nkey(pub, kp.Sign), nil
}

// Publish queues snap for mirroring. It never blocks; when the queue is full
// the snapshot is dropped and counted.
func (b *Bus) Publish(snap board.Snapshot) {
	select {
	case <-b.closed:
		return
	default:
	}
	select {
	case b.queue <- snap:
	default:
		b.metrics.MirrorDropped()
		b.logger.Warn("mirror queue full, dropping snapshot",
			zap.String("contest_id", snap.ContestID), zap.Int("version", snap.Version))
	}
}

// Run drains the queue until ctx is done or the bus is closed.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closed:
			return nil
		case snap := <-b.queue:
			if err := b.send(snap); err != nil {
				b.logger.Warn("mirror publish failed", zap.String("contest_id", snap.ContestID), zap.Error(err))
			}
		}
	}
}

func (b *Bus) send(snap board.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(contestKey, snap.ContestID)
	return b.pub.Publish(Topic(snap.ContestID), msg)
}

// Subscribe follows one contest's mirrored snapshots. The channel closes when
// ctx ends or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, contestID string) (<-chan board.Snapshot, error) {
	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}
	msgs, err := b.sub.Subscribe(ctx, Topic(contestID))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", contestID, err)
	}

	out := make(chan board.Snapshot, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var snap board.Snapshot
			if err := json.Unmarshal(msg.Payload, &snap); err != nil {
				b.logger.Warn("undecodable mirror message", zap.String("uuid", msg.UUID), zap.Error(err))
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = errors.Join(b.pub.Close(), closeSub(b.pub, b.sub))
	})
	return err
}

// closeSub avoids closing the in-process channel twice.
func closeSub(pub message.Publisher, sub message.Subscriber) error {
	if any(pub) == any(sub) {
		return nil
	}
	return sub.Close()
}
