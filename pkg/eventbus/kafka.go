package eventbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/prequal/prequal/pkg/metrics"
)

const (
	HeaderEventID     = "pq-event-id"
	HeaderEventType   = "pq-event-type"
	HeaderRetryCount  = "pq-retry-count"
	HeaderRetryAt     = "pq-retry-at"
	HeaderOriginTopic = "pq-origin-topic"
	HeaderDLQError    = "pq-dlq-error"
)

// RetryGroupSuffix is appended to the consumer group for the retry topic's reader.
const RetryGroupSuffix = ".retry"

// Reader is the part of *kafka.Reader the consumer depends on.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the part of *kafka.Writer the producer depends on.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventHeaders returns the identity headers attached to every pipeline event.
func EventHeaders(eventID, eventType string) []kafka.Header {
	return []kafka.Header{
		{Key: HeaderEventID, Value: []byte(eventID)},
		{Key: HeaderEventType, Value: []byte(eventType)},
	}
}

type KafkaProducerConfig struct {
	Brokers      []string
	ClientID     string
	WriteTimeout time.Duration
}

type KafkaProducer struct {
	writer Writer
}

// NewKafkaProducer writes with acks from all in-sync replicas. The hash balancer keeps every
// message with the same key on the same partition.
func NewKafkaProducer(cfg KafkaProducerConfig) *KafkaProducer {
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: writeTimeout,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}
	return NewProducer(writer)
}

func NewProducer(writer Writer) *KafkaProducer {
	return &KafkaProducer{writer: writer}
}

// Publish returns once the broker acknowledged the message.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	if topic == "" {
		return errors.New("topic is not configured")
	}

	message := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		metrics.PublishFailures.WithLabelValues(topic).Inc()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumerConfig struct {
	Brokers    []string
	ClientID   string
	GroupID    string
	Topic      string
	RetryTopic string
	DLQTopic   string
	MaxRetries int
	// RetryBackoff is the delay before the first retry; it doubles with every attempt.
	RetryBackoff time.Duration
	// PartitionBuffer is the expected backlog per partition. Fetching continues past it and a
	// warning is logged once a partition's backlog exceeds it.
	PartitionBuffer int
	// RestartDelay separates reader restarts after a failure.
	RestartDelay time.Duration
}

// Handler processes one message. A nil return means its side effect is durable and the
// offset may be committed.
type Handler func(ctx context.Context, message kafka.Message) error

// ReaderFactory opens a reader for topic as a member of groupID.
type ReaderFactory func(topic, groupID string) Reader

type ConsumerOption func(*KafkaConsumer)

func WithReaderFactory(factory ReaderFactory) ConsumerOption {
	return func(c *KafkaConsumer) {
		c.newReader = factory
	}
}

// Health is a point-in-time view of a consumer.
type Health struct {
	Running     bool      `json:"running"`
	Connected   bool      `json:"connected"`
	Topics      []string  `json:"topics"`
	GroupID     string    `json:"group_id"`
	Processed   uint64    `json:"processed"`
	Failed      uint64    `json:"failed"`
	Duplicates  uint64    `json:"duplicates"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// KafkaConsumer reads a topic, and its retry topic when configured, inside one consumer
// group. Messages of one partition are handled in order by a dedicated goroutine; partitions
// progress independently. Offsets are committed only after the handler succeeded or the
// message was handed to the retry or dead letter topic.
type KafkaConsumer struct {
	producer  *KafkaProducer
	config    KafkaConsumerConfig
	handler   Handler
	deduper   Deduper
	logger    *zap.Logger
	newReader ReaderFactory

	mu         sync.Mutex
	health     Health
	startOnce  sync.Once
	closeOnce  sync.Once
	closedChan chan struct{}
}

func NewKafkaConsumer(cfg KafkaConsumerConfig, producer *KafkaProducer, handler Handler, deduper Deduper, logger *zap.Logger, opts ...ConsumerOption) *KafkaConsumer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Second
	}
	if cfg.PartitionBuffer <= 0 {
		cfg.PartitionBuffer = 256
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &KafkaConsumer{
		producer:   producer,
		config:     cfg,
		handler:    handler,
		deduper:    deduper,
		logger:     logger.With(zap.String("group_id", cfg.GroupID)),
		closedChan: make(chan struct{}),
	}
	c.newReader = c.kafkaReader
	c.health.GroupID = cfg.GroupID
	c.health.Topics = c.topics()

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *KafkaConsumer) topics() []string {
	topics := []string{c.config.Topic}
	if c.config.RetryTopic != "" {
		topics = append(topics, c.config.RetryTopic)
	}
	return topics
}

// groupFor returns the consumer group used for topic. The retry topic gets its own group so a
// join or restart of one reader never rebalances the other.
func (c *KafkaConsumer) groupFor(topic string) string {
	if c.config.RetryTopic != "" && topic == c.config.RetryTopic {
		return c.config.GroupID + RetryGroupSuffix
	}
	return c.config.GroupID
}

func (c *KafkaConsumer) kafkaReader(topic, groupID string) Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		Dialer: &kafka.Dialer{
			ClientID: c.config.ClientID,
			Timeout:  10 * time.Second,
		},
	})
}

// Run consumes until ctx is cancelled or Close is called. In-flight messages are allowed to
// finish or fail before the readers are closed.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("consumer already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closedChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.setRunning(true)
	defer c.setRunning(false)

	c.logger.Info("kafka consumer starting", zap.Strings("topics", c.topics()))

	var wg sync.WaitGroup
	for _, topic := range c.topics() {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			c.supervise(ctx, topic)
		}(topic)
	}
	wg.Wait()

	c.logger.Info("kafka consumer stopped")
	select {
	case <-c.closedChan:
		return nil
	default:
		return ctx.Err()
	}
}

// Close stops a running consumer. It is safe to call more than once.
func (c *KafkaConsumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.closedChan)
	})
	return nil
}

func (c *KafkaConsumer) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.health
	snapshot.Topics = append([]string(nil), c.health.Topics...)
	return snapshot
}

// supervise keeps a reader alive for topic. A failed reader is closed and replaced, which
// makes the group redeliver everything after the last committed offset.
func (c *KafkaConsumer) supervise(ctx context.Context, topic string) {
	for {
		reader := c.newReader(topic, c.groupFor(topic))
		c.setConnected(true)
		err := c.consume(ctx, reader)
		if closeErr := reader.Close(); closeErr != nil {
			c.logger.Warn("failed to close kafka reader", zap.String("topic", topic), zap.Error(closeErr))
		}
		c.setConnected(false)

		if ctx.Err() != nil {
			return
		}

		c.recordError(err)
		c.logger.Error("kafka reader failed, restarting",
			zap.String("topic", topic),
			zap.Duration("delay", c.config.RestartDelay),
			zap.Error(err),
		)

		timer := time.NewTimer(c.config.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume fetches from reader and fans messages out to one goroutine per partition. The
// fetch loop never waits on a partition's backlog, so a partition held up by a slow handler
// does not stop the others. It returns the first error that requires redelivery, after every
// partition goroutine exited.
func (c *KafkaConsumer) consume(parent context.Context, reader Reader) error {
	ctx, cancel := context.WithCancel(parent)

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failErr  error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			failErr = err
			cancel()
		})
	}

	defer func() {
		cancel()
		wg.Wait()
	}()

	queues := make(map[int]*partitionQueue)
	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				cancel()
				wg.Wait()
				return failErr
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		queue, ok := queues[message.Partition]
		if !ok {
			queue = newPartitionQueue(c.config.PartitionBuffer)
			queues[message.Partition] = queue
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.partitionLoop(ctx, reader, queue, fail)
			}()
		}

		if backlog := queue.push(message); backlog == c.config.PartitionBuffer+1 {
			c.logger.Warn("partition backlog above buffer size",
				zap.String("topic", message.Topic),
				zap.Int("partition", message.Partition),
				zap.Int("backlog", backlog),
			)
		}
	}
}

func (c *KafkaConsumer) partitionLoop(ctx context.Context, reader Reader, queue *partitionQueue, fail func(error)) {
	for {
		message, ok := queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-queue.ready:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := c.process(ctx, reader, message); err != nil {
			if ctx.Err() == nil {
				fail(err)
			}
			return
		}
	}
}

// partitionQueue is the fetched but unhandled messages of one partition, in offset order.
// push never blocks.
type partitionQueue struct {
	mu      sync.Mutex
	pending []kafka.Message
	ready   chan struct{}
}

func newPartitionQueue(capacity int) *partitionQueue {
	return &partitionQueue{
		pending: make([]kafka.Message, 0, capacity),
		ready:   make(chan struct{}, 1),
	}
}

// push appends message and returns the backlog including it.
func (q *partitionQueue) push(message kafka.Message) int {
	q.mu.Lock()
	q.pending = append(q.pending, message)
	backlog := len(q.pending)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return backlog
}

func (q *partitionQueue) pop() (kafka.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return kafka.Message{}, false
	}
	message := q.pending[0]
	q.pending[0] = kafka.Message{}
	q.pending = q.pending[1:]
	return message, true
}

func (c *KafkaConsumer) process(ctx context.Context, reader Reader, message kafka.Message) error {
	if err := waitUntil(ctx, retryTime(message)); err != nil {
		return err
	}

	logger := c.logger.With(
		zap.String("topic", message.Topic),
		zap.Int("partition", message.Partition),
		zap.Int64("offset", message.Offset),
		zap.ByteString("key", message.Key),
	)

	eventID := HeaderValue(message, HeaderEventID)
	if c.deduper != nil && eventID != "" {
		seen, err := c.deduper.Seen(ctx, eventID)
		if err != nil {
			logger.Warn("dedupe lookup failed, processing message", zap.Error(err))
		} else if seen {
			logger.Debug("skipping duplicate event", zap.String("event_id", eventID))
			c.count(func(h *Health) { h.Duplicates++ })
			metrics.MessagesProcessed.WithLabelValues(message.Topic, "duplicate").Inc()
			return c.commit(ctx, reader, message)
		}
	}

	start := time.Now()
	handlerErr := c.safeHandle(ctx, message)
	metrics.MessageDuration.WithLabelValues(message.Topic).Observe(time.Since(start).Seconds())

	if handlerErr == nil {
		if c.deduper != nil && eventID != "" {
			if err := c.deduper.MarkSeen(ctx, eventID); err != nil {
				logger.Warn("failed to mark event seen", zap.String("event_id", eventID), zap.Error(err))
			}
		}
		c.count(func(h *Health) { h.Processed++ })
		metrics.MessagesProcessed.WithLabelValues(message.Topic, "success").Inc()
		return c.commit(ctx, reader, message)
	}

	c.count(func(h *Health) { h.Failed++ })
	c.recordError(handlerErr)
	metrics.MessagesProcessed.WithLabelValues(message.Topic, "failure").Inc()

	if ctx.Err() != nil {
		logger.Info("message interrupted by shutdown, leaving uncommitted", zap.Error(handlerErr))
		return handlerErr
	}

	logger.Warn("message handling failed", zap.Bool("permanent", IsPermanent(handlerErr)), zap.Error(handlerErr))
	if err := c.handleFailure(ctx, message, handlerErr); err != nil {
		return err
	}
	return c.commit(ctx, reader, message)
}

func (c *KafkaConsumer) safeHandle(ctx context.Context, message kafka.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, message)
}

func (c *KafkaConsumer) commit(ctx context.Context, reader Reader, message kafka.Message) error {
	if err := reader.CommitMessages(ctx, message); err != nil {
		return fmt.Errorf("commit offset %d on %s/%d: %w", message.Offset, message.Topic, message.Partition, err)
	}
	return nil
}

// handleFailure hands a failed message to the retry or dead letter topic. A nil return means
// the message is accounted for and its offset may be committed; otherwise it must be
// redelivered.
func (c *KafkaConsumer) handleFailure(ctx context.Context, message kafka.Message, handlerErr error) error {
	if IsPermanent(handlerErr) {
		if c.config.DLQTopic == "" || c.producer == nil {
			c.logger.Error("dropping message that can never be processed",
				zap.String("topic", message.Topic),
				zap.Int64("offset", message.Offset),
				zap.Error(handlerErr),
			)
			return nil
		}
		return c.publishDLQ(ctx, message, handlerErr)
	}

	if c.producer == nil {
		return handlerErr
	}

	retryCount := retryAttempt(message)
	if retryCount < c.config.MaxRetries && c.config.RetryTopic != "" {
		retryAt := time.Now().Add(c.backoff(retryCount + 1))
		headers := setHeaders(message.Headers,
			kafka.Header{Key: HeaderRetryCount, Value: []byte(strconv.Itoa(retryCount + 1))},
			kafka.Header{Key: HeaderRetryAt, Value: []byte(retryAt.Format(time.RFC3339Nano))},
			kafka.Header{Key: HeaderOriginTopic, Value: []byte(c.config.Topic)},
		)
		return c.producer.Publish(ctx, c.config.RetryTopic, message.Key, message.Value, headers...)
	}

	if c.config.DLQTopic != "" {
		return c.publishDLQ(ctx, message, handlerErr)
	}

	return handlerErr
}

func (c *KafkaConsumer) publishDLQ(ctx context.Context, message kafka.Message, handlerErr error) error {
	payload, err := EncodeDLQPayload(message, handlerErr)
	if err != nil {
		return err
	}
	headers := setHeaders(message.Headers,
		kafka.Header{Key: HeaderOriginTopic, Value: []byte(c.config.Topic)},
		kafka.Header{Key: HeaderDLQError, Value: []byte(handlerErr.Error())},
	)
	return c.producer.Publish(ctx, c.config.DLQTopic, message.Key, payload, headers...)
}

func (c *KafkaConsumer) backoff(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	return c.config.RetryBackoff * time.Duration(1<<(attempt-1))
}

func (c *KafkaConsumer) setRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.Running = running
}

func (c *KafkaConsumer) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.Connected = connected
}

func (c *KafkaConsumer) recordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.LastError = err.Error()
	c.health.LastErrorAt = time.Now()
}

func (c *KafkaConsumer) count(update func(*Health)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update(&c.health)
}

// waitUntil blocks until at, or until ctx is done.
func waitUntil(ctx context.Context, at time.Time) error {
	if at.IsZero() {
		return nil
	}
	delay := time.Until(at)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HeaderValue returns the value of the first header named key, or "".
func HeaderValue(message kafka.Message, key string) string {
	for _, header := range message.Headers {
		if header.Key == key {
			return string(header.Value)
		}
	}
	return ""
}

func retryAttempt(message kafka.Message) int {
	count, err := strconv.Atoi(HeaderValue(message, HeaderRetryCount))
	if err != nil {
		return 0
	}
	return count
}

func retryTime(message kafka.Message) time.Time {
	value := HeaderValue(message, HeaderRetryAt)
	if value == "" {
		return time.Time{}
	}
	retryAt, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return retryAt
}

// setHeaders returns existing with every header in updates replacing any header of the same key.
func setHeaders(existing []kafka.Header, updates ...kafka.Header) []kafka.Header {
	merged := make([]kafka.Header, 0, len(existing)+len(updates))
	for _, header := range existing {
		replaced := false
		for _, update := range updates {
			if header.Key == update.Key {
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, header)
		}
	}
	return append(merged, updates...)
}

type DLQPayload struct {
	OriginTopic string            `json:"origin_topic"`
	Partition   int               `json:"partition"`
	Offset      int64             `json:"offset"`
	Key         string            `json:"key"`
	Headers     map[string]string `json:"headers"`
	Value       string            `json:"value"`
	Error       string            `json:"error"`
	FailedAt    time.Time         `json:"failed_at"`
}

func EncodeDLQPayload(message kafka.Message, err error) ([]byte, error) {
	headers := make(map[string]string, len(message.Headers))
	for _, header := range message.Headers {
		headers[header.Key] = string(header.Value)
	}

	payload := DLQPayload{
		OriginTopic: message.Topic,
		Partition:   message.Partition,
		Offset:      message.Offset,
		Key:         string(message.Key),
		Headers:     headers,
		Value:       base64.StdEncoding.EncodeToString(message.Value),
		Error:       err.Error(),
		FailedAt:    time.Now(),
	}

	return json.Marshal(payload)
}
