package signal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Submitter accepts decoded signals. *Intake satisfies it.
type Submitter interface {
	Submit(TradingSignal) error
}

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	Group    string
	ClientID string
	// Retries bounds resubmission when the symbol queue is full.
	Retries int
	Backoff time.Duration
}

// KafkaSource consumes JSON signals from a topic and submits them to an
// intake. Offsets are committed once a record has been handled, including
// records rejected as malformed.
type KafkaSource struct {
	client *kgo.Client
	sink   Submitter
	log    *zap.Logger
	cfg    KafkaConfig

	processed atomic.Int64
	rejected  atomic.Int64
}

func NewKafkaSource(cfg KafkaConfig, sink Submitter, log *zap.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: no topic")
	}
	if cfg.Group == "" {
		cfg.Group = "papertrader"
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return newKafkaSource(client, cfg, sink, log), nil
}

func newKafkaSource(client *kgo.Client, cfg KafkaConfig, sink Submitter, log *zap.Logger) *KafkaSource {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaSource{client: client, sink: sink, log: log, cfg: cfg}
}

// Run polls until ctx is cancelled or the client is closed.
func (k *KafkaSource) Run(ctx context.Context) error {
	k.log.Info("signal consumer started",
		zap.Strings("brokers", k.cfg.Brokers),
		zap.String("topic", k.cfg.Topic),
		zap.String("group", k.cfg.Group))
	defer k.client.Close()

	for {
		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			k.log.Info("signal consumer stopped",
				zap.Int64("processed", k.processed.Load()),
				zap.Int64("rejected", k.rejected.Load()))
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			k.log.Warn("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			if err := k.process(ctx, rec.Value); err != nil {
				k.log.Warn("signal dropped",
					zap.Int32("partition", rec.Partition),
					zap.Int64("offset", rec.Offset),
					zap.Error(err))
			}
			if err := k.client.CommitRecords(ctx, rec); err != nil && ctx.Err() == nil {
				k.log.Warn("commit failed", zap.Error(err))
			}
		}
	}
}

// process decodes and submits one record value. A full queue is retried
// with exponential backoff; malformed input is not.
func (k *KafkaSource) process(ctx context.Context, value []byte) error {
	sig, err := DecodeSignal(value)
	if err != nil {
		k.rejected.Add(1)
		return err
	}
	if sig.Source == "" {
		sig.Source = "kafka:" + k.cfg.Topic
	}

	backoff := k.cfg.Backoff
	for attempt := 1; ; attempt++ {
		err = k.sink.Submit(sig)
		if err == nil {
			k.processed.Add(1)
			return nil
		}
		if !errors.Is(err, ErrQueueFull) || attempt >= k.cfg.Retries {
			k.rejected.Add(1)
			return err
		}
		k.log.Debug("signal queue full, retrying",
			zap.String("symbol", sig.Symbol.String()),
			zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			k.rejected.Add(1)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (k *KafkaSource) Processed() int64 { return k.processed.Load() }
func (k *KafkaSource) Rejected() int64  { return k.rejected.Load() }
