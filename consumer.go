package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrConsumerClosed is returned by Start after Close has been called
	ErrConsumerClosed = errors.New("consumer is closed")

	// ErrConsumerRunning is returned by Start if the consumer is already running
	ErrConsumerRunning = errors.New("consumer is already running")
)

// ConsumerLog is the slice of the event log a Consumer reads from.
// EventLog satisfies it
type ConsumerLog interface {
	ReadAllFrom(ctx context.Context, from uint64, limit int) ([]StoredEvent, error)
	GlobalPosition(ctx context.Context) (uint64, error)
	Checkpoint(ctx context.Context, subscriptionID string) (uint64, error)
	SaveCheckpoint(ctx context.Context, subscriptionID string, position uint64) error
}

const (
	startBeginning int = iota
	startCurrent
	startPosition
)

// StartFrom indicates where a consumer without a persisted checkpoint
// starts reading the log. A persisted checkpoint always wins over StartFrom
type StartFrom struct {
	kind     int
	position uint64
}

// FromBeginning starts at the beginning of the log (the default)
func FromBeginning() StartFrom { return StartFrom{kind: startBeginning} }

// FromCurrent starts at the tail of the log as of Start time, so that only
// events committed after Start are delivered
func FromCurrent() StartFrom { return StartFrom{kind: startCurrent} }

// FromPosition starts right after the provided global position (exclusive)
func FromPosition(position uint64) StartFrom {
	return StartFrom{kind: startPosition, position: position}
}

// ConsumerState represents the consumer lifecycle state
type ConsumerState int

// Consumer lifecycle states
const (
	ConsumerIdle ConsumerState = iota
	ConsumerRunning
	ConsumerStopping
	ConsumerStopped
	ConsumerClosed
)

// String implements fmt.Stringer
func (s ConsumerState) String() string {
	switch s {
	case ConsumerIdle:
		return "idle"
	case ConsumerRunning:
		return "running"
	case ConsumerStopping:
		return "stopping"
	case ConsumerStopped:
		return "stopped"
	case ConsumerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EachMessage handles a single delivered event. Returning an error is fatal
// to the consumer run - the loop stops and the error surfaces from Start.
// Delivery is at-least-once across crashes, so handlers should be
// idempotent or dedupe by GlobalPosition
type EachMessage func(evt StoredEvent) error

// ConsumerCfg represents consumer configuration
type ConsumerCfg struct {
	startFrom       StartFrom
	batchSize       int
	pollInterval    time.Duration
	maxPollInterval time.Duration
	stopAfter       func(StoredEvent) bool
	logger          *slog.Logger
}

// ConsumerOpt represents a consumer configuration option
type ConsumerOpt func(ConsumerCfg) ConsumerCfg

// WithStartFrom configures where the consumer starts reading when no
// checkpoint has been persisted yet for its subscription id
func WithStartFrom(from StartFrom) ConsumerOpt {
	return func(cfg ConsumerCfg) ConsumerCfg {
		cfg.startFrom = from

		return cfg
	}
}

// WithConsumerBatchSize specifies the read batch size (limit) when
// polling the event log
func WithConsumerBatchSize(size int) ConsumerOpt {
	return func(cfg ConsumerCfg) ConsumerCfg {
		cfg.batchSize = size

		return cfg
	}
}

// WithConsumerPollInterval specifies the base polling interval. When the
// consumer is caught up (or the store is unavailable) the wait between
// polls backs off exponentially up to max
func WithConsumerPollInterval(interval, max time.Duration) ConsumerOpt {
	return func(cfg ConsumerCfg) ConsumerCfg {
		cfg.pollInterval = interval
		cfg.maxPollInterval = max

		return cfg
	}
}

// WithStopAfter configures a predicate which stops the consumer right
// after the first event it returns true for - later events of the same
// batch are not delivered and the checkpoint is flushed up to that event.
// Mostly useful for tests and bounded catch-up runs
func WithStopAfter(pred func(StoredEvent) bool) ConsumerOpt {
	return func(cfg ConsumerCfg) ConsumerCfg {
		cfg.stopAfter = pred

		return cfg
	}
}

// WithConsumerLogger configures the structured logger used by the consumer
func WithConsumerLogger(logger *slog.Logger) ConsumerOpt {
	return func(cfg ConsumerCfg) ConsumerCfg {
		cfg.logger = logger

		return cfg
	}
}

// NewConsumer constructs a named, checkpointed consumer over the event log.
// The subscription id is the consumer's stable identity - a new consumer
// constructed with the same id resumes exactly after the persisted
// checkpoint. Multiple consumers with distinct ids run independently over
// the same log
func NewConsumer(log ConsumerLog, subscriptionID string, opts ...ConsumerOpt) (*Consumer, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: consumer log must be provided", ErrInvalidArgument)
	}

	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription id must be provided", ErrInvalidArgument)
	}

	cfg := ConsumerCfg{
		startFrom:       FromBeginning(),
		batchSize:       100,
		pollInterval:    100 * time.Millisecond,
		maxPollInterval: 2 * time.Second,
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size should be at least 1", ErrInvalidArgument)
	}

	return &Consumer{
		log:    log,
		id:     subscriptionID,
		cfg:    cfg,
		logger: cfg.logger.With(slog.String("subscription_id", subscriptionID)),
		state:  ConsumerIdle,
	}, nil
}

// Consumer delivers globally ordered events to a handler, persisting its
// progress as a checkpoint once per delivered batch. It polls the event
// log from the resolved start position, waits with bounded backoff while
// caught up and retries transient store errors indefinitely
type Consumer struct {
	log    ConsumerLog
	id     string
	cfg    ConsumerCfg
	logger *slog.Logger

	mu       sync.Mutex
	state    ConsumerState
	stop     chan struct{}
	stopOnce *sync.Once
	done     chan struct{}
}

// State returns the current lifecycle state
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Start resolves the initial read position and runs the polling loop,
// blocking until the stop predicate fires, Stop or Close is called, the
// context is cancelled or the handler returns an error (fatal).
// A stopped consumer may be started again
func (c *Consumer) Start(ctx context.Context, eachMessage EachMessage) error {
	if eachMessage == nil {
		return fmt.Errorf("%w: eachMessage handler must be provided", ErrInvalidArgument)
	}

	c.mu.Lock()

	switch c.state {
	case ConsumerClosed:
		c.mu.Unlock()

		return ErrConsumerClosed

	case ConsumerRunning, ConsumerStopping:
		c.mu.Unlock()

		return ErrConsumerRunning
	}

	c.state = ConsumerRunning
	c.stop = make(chan struct{})
	c.stopOnce = &sync.Once{}
	c.done = make(chan struct{})

	stop := c.stop
	done := c.done

	c.mu.Unlock()

	defer func() {
		c.mu.Lock()

		if c.state != ConsumerClosed {
			c.state = ConsumerStopped
		}

		c.mu.Unlock()

		close(done)
	}()

	pos, err := c.resolveStartPosition(ctx)
	if err != nil {
		return err
	}

	c.logger.Debug("consumer started", slog.Uint64("position", pos))

	wait := c.cfg.pollInterval

	for {
		select {
		case <-stop:
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case <-time.After(wait):
			evts, err := c.log.ReadAllFrom(ctx, pos, c.cfg.batchSize)
			if err != nil {
				// Transient by classification - keep polling
				c.logger.Warn("event log read failed", slog.String("err", err.Error()))

				wait = c.backoff(wait)

				break
			}

			if len(evts) == 0 {
				wait = c.backoff(wait)

				break
			}

			wait = c.cfg.pollInterval

			delivered, stopped, err := c.deliver(evts, eachMessage)

			if delivered > pos {
				c.flush(ctx, delivered)

				pos = delivered
			}

			if err != nil {
				return fmt.Errorf("subscription %s: %w", c.id, err)
			}

			if stopped {
				return nil
			}
		}
	}
}

// deliver hands the batch to the handler in order. It reports the last
// successfully handled global position, whether the stop predicate fired
// and a fatal handler error if any
func (c *Consumer) deliver(evts []StoredEvent, eachMessage EachMessage) (uint64, bool, error) {
	var delivered uint64

	for _, evt := range evts {
		if err := eachMessage(evt); err != nil {
			return delivered, false, fmt.Errorf("handler failed at position %d: %w", evt.GlobalPosition, err)
		}

		delivered = evt.GlobalPosition

		if c.cfg.stopAfter != nil && c.cfg.stopAfter(evt) {
			return delivered, true, nil
		}
	}

	return delivered, false, nil
}

// flush persists the checkpoint. A failed flush is not fatal - delivery is
// at-least-once and the next successful flush catches up
func (c *Consumer) flush(ctx context.Context, position uint64) {
	if err := c.log.SaveCheckpoint(ctx, c.id, position); err != nil {
		c.logger.Warn("checkpoint flush failed",
			slog.Uint64("position", position),
			slog.String("err", err.Error()))
	}
}

func (c *Consumer) backoff(wait time.Duration) time.Duration {
	wait *= 2

	if wait > c.cfg.maxPollInterval {
		wait = c.cfg.maxPollInterval
	}

	return wait
}

func (c *Consumer) resolveStartPosition(ctx context.Context) (uint64, error) {
	cp, err := c.log.Checkpoint(ctx, c.id)
	if err == nil {
		return cp, nil
	}

	if !errors.Is(err, ErrCheckpointNotFound) {
		return 0, err
	}

	switch c.cfg.startFrom.kind {
	case startCurrent:
		return c.log.GlobalPosition(ctx)

	case startPosition:
		return c.cfg.startFrom.position, nil

	default:
		return 0, nil
	}
}

// Stop requests the polling loop to finish its current batch (checkpoint
// included) and transition to stopped, then waits for it to do so.
// Stop is idempotent and a no-op on a consumer that is not running
func (c *Consumer) Stop() {
	c.mu.Lock()

	if c.state != ConsumerRunning && c.state != ConsumerStopping {
		c.mu.Unlock()

		return
	}

	c.state = ConsumerStopping

	stop := c.stop
	once := c.stopOnce
	done := c.done

	c.mu.Unlock()

	once.Do(func() {
		close(stop)
	})

	<-done
}

// Close stops the consumer if it is running and marks it closed -
// subsequent Start calls fail with ErrConsumerClosed. The underlying
// event log is shared and stays open (close it via EventLog.Close)
func (c *Consumer) Close() {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = ConsumerClosed
}
