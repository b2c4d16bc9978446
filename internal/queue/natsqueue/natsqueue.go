// Package natsqueue implements the pool work queues on NATS JetStream.
//
// Every queue maps to one subject of a single work-queue stream and to one durable pull
// consumer. JetStream has no delayed publish, so a delayed message carries a not-before
// header and is negatively acknowledged with the remaining delay until it is due.
package natsqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const (
	// DefaultStreamName is the JetStream stream holding every pool queue.
	DefaultStreamName = "ENVPOOL"
	// DefaultSubjectPrefix prefixes every queue subject.
	DefaultSubjectPrefix = "envpool"

	notBeforeHeader = "Envpool-Not-Before"

	defaultBatchSize       = 10
	defaultFetchWait       = 2 * time.Second
	defaultAckWait         = 5 * time.Minute
	defaultRedeliveryDelay = 5 * time.Second
	defaultReconnectWait   = 2 * time.Second
)

// Config describes the connection and stream layout.
type Config struct {
	URL             string
	ClientName      string
	StreamName      string
	SubjectPrefix   string
	BatchSize       int
	FetchWait       time.Duration
	AckWait         time.Duration
	RedeliveryDelay time.Duration
	MaxDeliver      int
}

func (config Config) withDefaults() Config {
	if strings.TrimSpace(config.URL) == "" {
		config.URL = nats.DefaultURL
	}
	if strings.TrimSpace(config.ClientName) == "" {
		config.ClientName = "envpool"
	}
	if strings.TrimSpace(config.StreamName) == "" {
		config.StreamName = DefaultStreamName
	}
	if strings.TrimSpace(config.SubjectPrefix) == "" {
		config.SubjectPrefix = DefaultSubjectPrefix
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.FetchWait <= 0 {
		config.FetchWait = defaultFetchWait
	}
	if config.AckWait <= 0 {
		config.AckWait = defaultAckWait
	}
	if config.RedeliveryDelay <= 0 {
		config.RedeliveryDelay = defaultRedeliveryDelay
	}
	return config
}

// Queue publishes to and consumes from the pool stream.
type Queue struct {
	config Config
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
	nowFn  func() time.Time
}

// Connect dials NATS and makes sure the stream exists.
func Connect(ctx context.Context, config Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	connectionOptions := []nats.Option{
		nats.Name(config.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(defaultReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(config.URL, connectionOptions...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	queue := &Queue{config: config, conn: conn, js: js, logger: logger, nowFn: time.Now}
	if err := queue.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return queue, nil
}

func (queue *Queue) ensureStream(ctx context.Context) error {
	_, err := queue.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      queue.config.StreamName,
		Subjects:  []string{queue.config.SubjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", queue.config.StreamName, err)
	}
	return nil
}

// Enqueue implements pool.Queue.
func (queue *Queue) Enqueue(ctx context.Context, queueName string, body []byte, delay time.Duration) error {
	message := nats.NewMsg(subjectFor(queue.config.SubjectPrefix, queueName))
	message.Data = body
	if delay > 0 {
		message.Header.Set(notBeforeHeader, formatNotBefore(queue.nowFn().Add(delay)))
	}
	if _, err := queue.js.PublishMsg(ctx, message); err != nil {
		return fmt.Errorf("publish %s: %w", message.Subject, err)
	}
	return nil
}

// Consume implements pool.Consumer with a durable pull consumer per queue.
// It returns nil when ctx is done.
func (queue *Queue) Consume(ctx context.Context, queueName string, handler pool.BatchHandler) error {
	consumer, err := queue.js.CreateOrUpdateConsumer(ctx, queue.config.StreamName, jetstream.ConsumerConfig{
		Durable:       durableName(queueName),
		FilterSubject: subjectFor(queue.config.SubjectPrefix, queueName),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       queue.config.AckWait,
		MaxDeliver:    maxDeliver(queue.config.MaxDeliver),
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", queueName, err)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := consumer.Fetch(queue.config.BatchSize, jetstream.FetchMaxWait(queue.config.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			queue.logger.Warn("fetch failed", zap.String("queue", queueName), zap.Error(err))
			retry, fetchErr := awaitRefetch(ctx, err, queue.config.FetchWait)
			if !retry {
				if fetchErr != nil {
					return fmt.Errorf("fetch %s: %w", queueName, fetchErr)
				}
				return nil
			}
			continue
		}
		queue.handleBatch(ctx, queueName, batch, handler)
	}
}

func (queue *Queue) handleBatch(ctx context.Context, queueName string, batch jetstream.MessageBatch, handler pool.BatchHandler) {
	now := queue.nowFn()
	due := make([]pool.Message, 0, queue.config.BatchSize)
	byID := make(map[string]jetstream.Msg, queue.config.BatchSize)
	for delivered := range batch.Messages() {
		if remaining := remainingDelay(delivered.Headers().Get(notBeforeHeader), now); remaining > 0 {
			if err := delivered.NakWithDelay(remaining); err != nil {
				queue.logger.Warn("nak delayed message", zap.String("queue", queueName), zap.Error(err))
			}
			continue
		}
		id := messageID(delivered)
		byID[id] = delivered
		due = append(due, pool.Message{ID: id, Body: delivered.Data()})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && !errors.Is(err, nats.ErrTimeout) {
		queue.logger.Debug("batch ended", zap.String("queue", queueName), zap.Error(err))
	}
	if len(due) == 0 {
		return
	}
	failed := make(map[string]struct{})
	for _, id := range handler(ctx, due) {
		failed[id] = struct{}{}
	}
	for id, delivered := range byID {
		var settleErr error
		if _, isFailed := failed[id]; isFailed {
			settleErr = delivered.NakWithDelay(queue.config.RedeliveryDelay)
		} else {
			settleErr = delivered.Ack()
		}
		if settleErr != nil {
			queue.logger.Warn("settle message", zap.String("queue", queueName), zap.String("message_id", id), zap.Error(settleErr))
		}
	}
}

// Close drains the connection.
func (queue *Queue) Close() error {
	if queue.conn == nil || queue.conn.IsClosed() {
		return nil
	}
	return queue.conn.Drain()
}

// awaitRefetch reports whether Consume should fetch again after err. A closed
// connection is final; other failures wait one fetch window first.
func awaitRefetch(ctx context.Context, err error, wait time.Duration) (bool, error) {
	if errors.Is(err, nats.ErrConnectionClosed) {
		return false, err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, nil
	case <-timer.C:
		return true, nil
	}
}

func subjectFor(prefix string, queueName string) string {
	return prefix + "." + subjectSuffix(queueName)
}

func durableName(queueName string) string {
	return "envpool-" + subjectSuffix(queueName)
}

// subjectSuffix turns a queue name into a single subject token.
func subjectSuffix(queueName string) string {
	return strings.ReplaceAll(strings.TrimSpace(queueName), ".", "-")
}

func maxDeliver(configured int) int {
	if configured <= 0 {
		return -1
	}
	return configured
}

func formatNotBefore(at time.Time) string {
	return strconv.FormatInt(at.UnixMilli(), 10)
}

func remainingDelay(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	millis, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return 0
	}
	remaining := time.UnixMilli(millis).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func messageID(message jetstream.Msg) string {
	metadata, err := message.Metadata()
	if err != nil || metadata == nil {
		return message.Subject() + ":" + strconv.Itoa(len(message.Data()))
	}
	return strconv.FormatUint(metadata.Sequence.Stream, 10)
}
