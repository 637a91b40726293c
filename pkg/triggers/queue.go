package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/flowforge/flowforge/pkg/protocol"
)

const queuePollTimeout = 1 * time.Second

// QueueHandler fires flows from Redis list queues. Each registration
// runs its own consumer goroutine popping from the queue named in the
// trigger args.
type QueueHandler struct {
	client redis.UniversalClient
	fire   protocol.FireFunc
	logger *slog.Logger

	mu        sync.Mutex
	consumers map[string]*queueConsumer
}

type queueConsumer struct {
	flowID string
	queue  string
	stop   chan struct{}
	done   chan struct{}
}

// NewQueueHandler connects to Redis and returns the handler. addr
// defaults to localhost:6379 when empty.
func NewQueueHandler(ctx context.Context, addr, password string, db int, fire protocol.FireFunc, logger *slog.Logger) (*QueueHandler, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &QueueHandler{
		client:    client,
		fire:      fire,
		logger:    logger.With("module", "queue_trigger"),
		consumers: make(map[string]*queueConsumer),
	}, nil
}

func (h *QueueHandler) Type() string {
	return "queue"
}

// Register starts a consumer on the queue named in args and returns its
// handle.
func (h *QueueHandler) Register(ctx context.Context, flowID string, args map[string]any) (string, error) {
	queue, _ := args["queue"].(string)
	if queue == "" {
		return "", errors.New("queue trigger requires a queue name")
	}

	consumer := &queueConsumer{
		flowID: flowID,
		queue:  queue,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	handle := "queue-" + uuid.New().String()

	h.mu.Lock()
	h.consumers[handle] = consumer
	h.mu.Unlock()

	go h.consume(consumer)

	h.logger.InfoContext(ctx, "Registered queue consumer",
		"flow_id", flowID, "queue", queue, "handle", handle)

	return handle, nil
}

func (h *QueueHandler) Cancel(ctx context.Context, handle string) error {
	h.mu.Lock()
	consumer, ok := h.consumers[handle]
	if ok {
		delete(h.consumers, handle)
	}
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown queue consumer %s", handle)
	}

	close(consumer.stop)
	<-consumer.done

	h.logger.InfoContext(ctx, "Cancelled queue consumer", "handle", handle)

	return nil
}

func (h *QueueHandler) Active(_ context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	handles := make([]string, 0, len(h.consumers))
	for handle := range h.consumers {
		handles = append(handles, handle)
	}

	return handles, nil
}

// Close stops every consumer and the Redis client.
func (h *QueueHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	consumers := make([]*queueConsumer, 0, len(h.consumers))

	for handle, consumer := range h.consumers {
		consumers = append(consumers, consumer)
		delete(h.consumers, handle)
	}
	h.mu.Unlock()

	for _, consumer := range consumers {
		close(consumer.stop)
		<-consumer.done
	}

	return h.client.Close()
}

func (h *QueueHandler) consume(consumer *queueConsumer) {
	defer close(consumer.done)

	ctx := context.Background()
	logger := h.logger.With("flow_id", consumer.flowID, "queue", consumer.queue)

	logger.Info("Starting queue consumer")

	for {
		select {
		case <-consumer.stop:
			logger.Info("Queue consumer stopped")

			return
		default:
			if err := h.processMessage(ctx, consumer, logger); err != nil {
				logger.Error("Error processing message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (h *QueueHandler) processMessage(ctx context.Context, consumer *queueConsumer, logger *slog.Logger) error {
	result, err := h.client.BLPop(ctx, queuePollTimeout, consumer.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	data := decodeQueuePayload(result[1])

	go func() {
		if err := h.fire(ctx, consumer.flowID, data); err != nil {
			logger.Error("Error executing flow for queue message", "error", err)
		}
	}()

	return nil
}

// decodeQueuePayload turns a raw queue message into trigger data. Bodies
// that are not JSON objects, including the JSON literal "null", wrap the
// raw message so the result is always a writable map.
func decodeQueuePayload(message string) map[string]any {
	var data map[string]any
	if err := json.Unmarshal([]byte(message), &data); err != nil || data == nil {
		data = map[string]any{"message": message}
	}

	if data["timestamp"] == nil {
		data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	return data
}
