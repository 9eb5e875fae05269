package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/observability/metrics"
	"github.com/drfirst/go-hpkb/pkg/workerpool"
)

// Headers added to records moved to the dead letter topic
const (
	HeaderError          = "x-error"
	HeaderOriginalTopic  = "x-original-topic"
	HeaderOriginalOffset = "x-original-offset"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeout is the group session timeout
	SessionTimeout time.Duration
	// HeartbeatInterval is the group heartbeat interval
	HeartbeatInterval time.Duration
	// MaxPollRecords is the maximum records per poll
	MaxPollRecords int
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
	// Workers is how many records of one poll are handled concurrently
	Workers int
	// MaxRetries is how often a failing record is retried before it is
	// moved to DeadLetterTopic
	MaxRetries int
	// RetryDelay is the base delay between retries
	RetryDelay time.Duration
	// Retryable decides whether a handler error is worth another attempt
	Retryable func(error) bool
	// DeadLetterTopic receives records whose handler kept failing
	DeadLetterTopic string
}

// DefaultConsumerConfig returns defaults for the audit request consumer
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "audit-worker",
		Topics:            []string{TopicAuditRequests},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxPollRecords:    100,
		FetchMaxBytes:     50 * 1024 * 1024,
		StartOffset:       "earliest",
		Workers:           8,
		MaxRetries:        2,
		RetryDelay:        200 * time.Millisecond,
		DeadLetterTopic:   TopicDeadLetter,
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads records in polls, handles each poll on a worker pool and
// commits offsets once every record of the poll is settled. A record is
// settled when its handler succeeds or it was moved to the dead letter topic.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	pool    *workerpool.Pool[*kgo.Record]
	handler MessageHandler
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	bytesRead      int64
	errorCount     int64
	deadLettered   int64
	lastCommitTime time.Time
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}

	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}

	c.pool, err = workerpool.New(workerpool.Config{
		Workers:    cfg.Workers,
		QueueSize:  cfg.MaxPollRecords,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Retryable:  cfg.Retryable,
	}, c.processRecord, logger)
	if err != nil {
		cancel()
		client.Close()
		return nil, err
	}
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.pool.Start()
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop finishes the poll in progress, commits and closes the client
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	if err := c.pool.Stop(); err != nil {
		c.logger.Warn("worker pool did not drain", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

// Ping checks that a broker is reachable and the worker queue keeps up
func (c *Consumer) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return err
	}
	if !c.pool.IsHealthy() {
		return errors.New("worker queue is backing up")
	}
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.incrementErrorCount()
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		c.handleBatch(records)
	}
}

// handleBatch runs every record of a poll and commits the settled prefix of
// each partition. Partitions with an unsettled record are rewound to it so
// that it is fetched again.
func (c *Consumer) handleBatch(records []*kgo.Record) {
	// records are settled even when shutdown starts mid-batch
	ctx := context.WithoutCancel(c.ctx)

	settled := make([]bool, len(records))
	dones := make([]<-chan error, len(records))
	for i, r := range records {
		done, err := c.pool.Submit(ctx, r)
		if err != nil {
			c.logger.Error("failed to submit record", zap.Int64("offset", r.Offset), zap.Error(err))
			continue
		}
		dones[i] = done
	}

	for i, done := range dones {
		if done == nil {
			continue
		}
		err := <-done
		if err == nil {
			settled[i] = true
			continue
		}
		c.incrementErrorCount()
		if dlErr := c.deadLetter(ctx, records[i], err); dlErr != nil {
			c.logger.Error("failed to dead-letter record",
				zap.String("topic", records[i].Topic),
				zap.Int64("offset", records[i].Offset),
				zap.Error(dlErr))
			continue
		}
		settled[i] = true
	}

	commit, rewind := commitPlan(records, settled)
	if len(rewind) > 0 {
		c.client.SetOffsets(rewind)
	}
	if len(commit) == 0 {
		return
	}
	if err := c.client.CommitRecords(ctx, commit...); err != nil {
		c.logger.Error("failed to commit offsets", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
}

type topicPartition struct {
	topic     string
	partition int32
}

// commitPlan returns the records to commit and the offsets to rewind to.
// Within a partition, nothing after the first unsettled record is committed.
func commitPlan(records []*kgo.Record, settled []bool) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	blocked := make(map[topicPartition]bool)
	var commit []*kgo.Record
	var rewind map[string]map[int32]kgo.EpochOffset

	for i, r := range records {
		tp := topicPartition{r.Topic, r.Partition}
		if blocked[tp] {
			continue
		}
		if settled[i] {
			commit = append(commit, r)
			continue
		}
		blocked[tp] = true
		if rewind == nil {
			rewind = make(map[string]map[int32]kgo.EpochOffset)
		}
		if rewind[r.Topic] == nil {
			rewind[r.Topic] = make(map[int32]kgo.EpochOffset)
		}
		rewind[r.Topic][r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
	}
	return commit, rewind
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Warn("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		return err
	}

	c.incrementMetrics(len(record.Value))
	return nil
}

// deadLetter copies record to the dead letter topic with the failure attached
func (c *Consumer) deadLetter(ctx context.Context, record *kgo.Record, cause error) error {
	if c.config.DeadLetterTopic == "" {
		return cause
	}

	dl := &kgo.Record{
		Topic: c.config.DeadLetterTopic,
		Key:   record.Key,
		Value: record.Value,
		Headers: append(append([]kgo.RecordHeader(nil), record.Headers...),
			kgo.RecordHeader{Key: HeaderError, Value: []byte(cause.Error())},
			kgo.RecordHeader{Key: HeaderOriginalTopic, Value: []byte(record.Topic)},
			kgo.RecordHeader{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(record.Offset, 10))},
		),
	}
	if err := c.client.ProduceSync(ctx, dl).FirstErr(); err != nil {
		return err
	}

	c.mu.Lock()
	c.deadLettered++
	c.mu.Unlock()
	c.logger.Warn("record moved to dead letter topic",
		zap.String("topic", record.Topic),
		zap.Int64("offset", record.Offset),
		zap.Error(cause))
	return nil
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BytesRead      int64
	ErrorCount     int64
	DeadLettered   int64
	LastCommitTime time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		BytesRead:      c.bytesRead,
		ErrorCount:     c.errorCount,
		DeadLettered:   c.deadLettered,
		LastCommitTime: c.lastCommitTime,
	}
}

func (c *Consumer) incrementMetrics(bytes int) {
	c.mu.Lock()
	c.messagesRead++
	c.bytesRead += int64(bytes)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.KafkaMessagesConsumed.Inc()
	}
}

func (c *Consumer) incrementErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}
