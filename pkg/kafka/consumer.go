package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"MarketCache/pkg/logger"
)

// Delivery is a received message.
type Delivery struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// MessageHandler processes messages of one topic.
type MessageHandler interface {
	Topic() string
	Handle(ctx context.Context, d Delivery) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type job struct {
	reader  messageReader
	handler MessageHandler
	msg     kafka.Message
}

// Consumer reads topics with one consumer group and processes messages on a worker pool.
// A message is committed after it was handled or parked on the DLQ.
type Consumer struct {
	cfg       *ConsumerConfig
	log       *logger.Logger
	metrics   *consumerMetrics
	handlers  map[string]MessageHandler
	newReader func(topic string) messageReader
	dlq       messageWriter

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	readers  []messageReader
	queues   []chan job
	fetchWG  sync.WaitGroup
	workerWG sync.WaitGroup
}

// NewConsumer creates a consumer for handlers; each handler owns one topic.
func NewConsumer(handlers []MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:     "marketcache",
		WorkerCount: 4,
		BufferSize:  256,
		RetryMax:    3,
		BackoffMin:  100 * time.Millisecond,
		BackoffMax:  5 * time.Second,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		Logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}

	c, err := newConsumer(handlers, cfg)
	if err != nil {
		return nil, err
	}
	c.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.GroupID,
			Topic:          topic,
			MinBytes:       cfg.MinBytes,
			MaxBytes:       cfg.MaxBytes,
			StartOffset:    cfg.StartOffset,
			CommitInterval: 0,
		})
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.DLQTopic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	return c, nil
}

func newConsumer(handlers []MessageHandler, cfg *ConsumerConfig) (*Consumer, error) {
	c := &Consumer{
		cfg:      cfg,
		log:      cfg.Logger,
		handlers: make(map[string]MessageHandler, len(handlers)),
	}
	for _, h := range handlers {
		if _, dup := c.handlers[h.Topic()]; dup {
			return nil, fmt.Errorf("duplicate handler for topic %s", h.Topic())
		}
		c.handlers[h.Topic()] = h
	}
	if len(c.handlers) == 0 {
		return nil, fmt.Errorf("at least one handler is required")
	}
	if cfg.Registerer != nil {
		c.metrics = newConsumerMetrics(cfg.Registerer)
	}
	return c, nil
}

// Start spawns the workers and one fetch loop per topic.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("consumer already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.queues = make([]chan job, c.cfg.WorkerCount)
	for i := range c.queues {
		q := make(chan job, c.cfg.BufferSize)
		c.queues[i] = q
		c.workerWG.Add(1)
		go c.worker(ctx, q)
	}

	c.readers = c.readers[:0]
	for topic, h := range c.handlers {
		r := c.newReader(topic)
		c.readers = append(c.readers, r)
		c.fetchWG.Add(1)
		go c.fetch(ctx, r, h)
	}
	c.running = true

	c.log.Info("kafka consumer started",
		logger.String("group", c.cfg.GroupID),
		logger.Int("topics", len(c.handlers)),
		logger.Int("workers", c.cfg.WorkerCount),
	)
	return nil
}

// Stop cancels fetching, drains nothing further and waits for in-flight messages
// until ctx expires.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.fetchWG.Wait()
		for _, q := range c.queues {
			close(q)
		}
		c.workerWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("consumer stop: %w", ctx.Err())
	}

	for _, r := range c.readers {
		if cerr := r.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	if c.dlq != nil {
		if cerr := c.dlq.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	c.log.Info("kafka consumer stopped", logger.String("group", c.cfg.GroupID))
	return err
}

func (c *Consumer) fetch(ctx context.Context, r messageReader, h MessageHandler) {
	defer c.fetchWG.Done()

	failures := 0
	for {
		m, err := r.FetchMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			c.log.Warn("kafka fetch failed",
				logger.String("topic", h.Topic()),
				logger.Int("failures", failures),
				logger.Error(err),
			)
			if !sleep(ctx, c.backoff(failures)) {
				return
			}
			continue
		}
		failures = 0

		q := c.queues[c.route(m.Topic, m.Partition)]
		c.metrics.queued(1)
		select {
		case q <- job{reader: r, handler: h, msg: m}:
		case <-ctx.Done():
			c.metrics.queued(-1)
			return
		}
	}
}

func (c *Consumer) worker(ctx context.Context, q <-chan job) {
	defer c.workerWG.Done()
	for j := range q {
		c.metrics.queued(-1)
		if ctx.Err() != nil {
			continue
		}
		c.process(ctx, j)
	}
}

func (c *Consumer) process(ctx context.Context, j job) {
	d := toDelivery(j.msg)
	start := time.Now()

	var err error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 && !sleep(ctx, c.backoff(attempt)) {
			return
		}
		if err = safeHandle(ctx, j.handler, d); err == nil {
			break
		}
		c.log.Debug("kafka handler failed",
			logger.String("topic", d.Topic),
			logger.Int64("offset", d.Offset),
			logger.Int("attempt", attempt+1),
			logger.Error(err),
		)
	}

	result := "ok"
	if err != nil {
		result = "failed"
		c.log.Error("kafka message failed",
			logger.String("topic", d.Topic),
			logger.Int("partition", d.Partition),
			logger.Int64("offset", d.Offset),
			logger.Error(err),
		)
		if !c.toDLQ(ctx, j.msg, err) {
			c.metrics.observe(d.Topic, result, time.Since(start))
			return
		}
		result = "dlq"
	}
	c.metrics.observe(d.Topic, result, time.Since(start))

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if cerr := j.reader.CommitMessages(commitCtx, j.msg); cerr != nil {
		c.log.Warn("kafka commit failed",
			logger.String("topic", d.Topic),
			logger.Int64("offset", d.Offset),
			logger.Error(cerr),
		)
	}
}

func (c *Consumer) toDLQ(ctx context.Context, m kafka.Message, cause error) bool {
	if c.dlq == nil {
		return false
	}
	out := kafka.Message{
		Key:   m.Key,
		Value: m.Value,
		Headers: append(append([]kafka.Header{}, m.Headers...),
			kafka.Header{Key: "x-original-topic", Value: []byte(m.Topic)},
			kafka.Header{Key: "x-error", Value: []byte(cause.Error())},
		),
	}
	if err := c.dlq.WriteMessages(ctx, out); err != nil {
		c.log.Error("kafka dlq write failed", logger.String("topic", m.Topic), logger.Error(err))
		return false
	}
	return true
}

func (c *Consumer) route(topic string, partition int) int {
	return int((xxhash.Sum64String(topic) + uint64(partition)) % uint64(len(c.queues)))
}

// backoff doubles from BackoffMin per attempt, capped at BackoffMax.
func (c *Consumer) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffMin
	for i := 1; i < attempt && d < c.cfg.BackoffMax; i++ {
		d *= 2
	}
	if c.cfg.BackoffMax > 0 && d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return d
}

func safeHandle(ctx context.Context, h MessageHandler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func toDelivery(m kafka.Message) Delivery {
	d := Delivery{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
	}
	if len(m.Headers) > 0 {
		d.Headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			d.Headers[h.Key] = string(h.Value)
		}
	}
	return d
}

type consumerMetrics struct {
	messages *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inQueue  prometheus.Gauge
}

func newConsumerMetrics(reg prometheus.Registerer) *consumerMetrics {
	f := promauto.With(reg)
	return &consumerMetrics{
		messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketcache_kafka_consumer_messages_total",
				Help: "Messages processed by result",
			},
			[]string{"topic", "result"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketcache_kafka_consumer_process_seconds",
				Help:    "Message processing latency including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		inQueue: f.NewGauge(prometheus.GaugeOpts{
			Name: "marketcache_kafka_consumer_queued_messages",
			Help: "Messages waiting for a worker",
		}),
	}
}

func (m *consumerMetrics) observe(topic, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(topic, result).Inc()
	m.latency.WithLabelValues(topic).Observe(d.Seconds())
}

func (m *consumerMetrics) queued(delta float64) {
	if m == nil {
		return
	}
	m.inQueue.Add(delta)
}
