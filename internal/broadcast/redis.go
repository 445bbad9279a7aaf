package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/wsframe/internal/ws"
)

const (
	defaultChannelPrefix  = "ws:room:"
	defaultPublishTimeout = 2 * time.Second
	maxBackoffDelay       = 30 * time.Second
)

// RedisRelay publishes room messages to Redis and fans messages published by
// other instances out to local websocket clients.
type RedisRelay struct {
	client   *redis.Client
	registry *ws.ConnectionRegistry
	logger   zerolog.Logger

	instanceID     string
	channelPrefix  string
	publishTimeout time.Duration

	latency *prometheus.HistogramVec
}

// NewRedisRelay constructs a relay backed by Redis Pub/Sub. instanceID must
// be unique per process; messages carrying it are not delivered twice.
func NewRedisRelay(client *redis.Client, registry *ws.ConnectionRegistry, instanceID string, logger zerolog.Logger) *RedisRelay {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "enqueue_to_send_seconds",
		Help:      "Observed latency between publish and delivery to websocket clients.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"room"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return &RedisRelay{
		client:         client,
		registry:       registry,
		logger:         logger,
		instanceID:     instanceID,
		channelPrefix:  defaultChannelPrefix,
		publishTimeout: defaultPublishTimeout,
		latency:        histogram,
	}
}

// Publish implements ws.Publisher. Transient failures are retried with
// backoff for at most the publish timeout.
func (r *RedisRelay) Publish(ctx context.Context, room, clientID string, msg ws.Message) error {
	if r == nil || r.client == nil {
		return errors.New("nil relay")
	}

	encoded := envelope{
		Room:       room,
		Origin:     r.instanceID,
		ClientID:   clientID,
		Opcode:     msg.Opcode,
		Payload:    msg.Payload,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	}.marshal()

	ctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	channel := r.channel(room)
	backoff := 50 * time.Millisecond
	for {
		err := r.client.Publish(ctx, channel, encoded).Err()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		r.logger.Warn().Err(err).Str("channel", channel).Dur("backoff", backoff).Msg("redis publish failed; retrying")
		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoffDelay)
		case <-ctx.Done():
			return fmt.Errorf("publish to %s: %w", channel, ctx.Err())
		}
	}
}

// Start begins consuming redis pub/sub messages and dispatching them to
// websocket clients registered locally.
func (r *RedisRelay) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *RedisRelay) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := r.client.PSubscribe(ctx, r.channelPrefix+"*")
		if err := r.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoffDelay)
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if _, err := r.process([]byte(msg.Payload)); err != nil {
				r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process relayed message")
			}
		}
	}
}

// process delivers a relayed message locally and reports how many
// connections accepted it.
func (r *RedisRelay) process(data []byte) (int, error) {
	env, err := unmarshalEnvelope(data)
	if err != nil {
		return 0, err
	}
	if env.Origin == r.instanceID {
		return 0, nil
	}

	var latencySeconds float64
	if env.EnqueuedAt > 0 {
		latencySeconds = float64(time.Since(time.Unix(0, env.EnqueuedAt))) / float64(time.Second)
	}
	r.latency.WithLabelValues(env.Room).Observe(latencySeconds)

	return r.registry.BroadcastByClientID(env.Room, env.Opcode, env.Payload, env.ClientID), nil
}

func (r *RedisRelay) channel(room string) string {
	return r.channelPrefix + room
}
