// Package ingest bridges a NATS subject into the event log. Each message
// becomes one appended event: the id comes from the Floodgate-Event-Id
// header or a generated UUID, the timestamp from Floodgate-Timestamp or
// the receive time.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/gftdcojp/floodgate/internal/config"
	"github.com/gftdcojp/floodgate/internal/eventlog"
	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Message headers understood by the bridge.
const (
	HeaderEventID   = "Floodgate-Event-Id"
	HeaderTimestamp = "Floodgate-Timestamp"
)

// Bridge subscribes to a subject and appends every message to the log.
type Bridge struct {
	log    *eventlog.Log
	cfg    config.IngestConfig
	logger *zap.Logger
}

func NewBridge(log *eventlog.Log, cfg config.IngestConfig, logger *zap.Logger) *Bridge {
	return &Bridge{log: log, cfg: cfg, logger: logger}
}

// Run connects and consumes until ctx is canceled. With a queue group
// configured, multiple bridge processes share the subject.
func (b *Bridge) Run(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(b.cfg.ConnectionName),
		nats.MaxReconnects(b.cfg.MaxReconnects),
		nats.ReconnectWait(b.cfg.ReconnectWait.Duration()),
	}
	nc, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connecting to nats at %s: %w", b.cfg.URL, err)
	}
	defer nc.Close()

	handler := func(msg *nats.Msg) {
		if err := b.append(ctx, msg); err != nil {
			b.logger.Error("dropping message",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
		}
	}

	var sub *nats.Subscription
	if b.cfg.QueueGroup != "" {
		sub, err = nc.QueueSubscribe(b.cfg.Subject, b.cfg.QueueGroup, handler)
	} else {
		sub, err = nc.Subscribe(b.cfg.Subject, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.cfg.Subject, err)
	}

	b.logger.Info("ingest bridge started",
		zap.String("url", b.cfg.URL),
		zap.String("subject", b.cfg.Subject),
		zap.String("queue_group", b.cfg.QueueGroup),
	)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		b.logger.Warn("drain failed", zap.Error(err))
	}
	return nil
}

func (b *Bridge) append(ctx context.Context, msg *nats.Msg) error {
	eventID := msg.Header.Get(HeaderEventID)

	var ts time.Time
	if raw := msg.Header.Get(HeaderTimestamp); raw != "" {
		parsed, err := keys.ParseTimestamp(raw)
		if err != nil {
			return fmt.Errorf("bad %s header: %w", HeaderTimestamp, err)
		}
		ts = parsed
	}

	ev, err := b.log.Put(ctx, eventID, msg.Data, ts)
	if err != nil {
		return err
	}
	b.logger.Debug("message appended",
		zap.String("subject", msg.Subject),
		zap.String("event_id", ev.ID),
	)
	return nil
}
