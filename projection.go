package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Projection builds a derived read model document from events.
// The same shape serves both modes - registered inline (WithInlineProjection)
// it is applied inside the append transaction, registered with a Projector
// it is applied asynchronously through a checkpointed consumer
type Projection struct {
	// Name identifies the projection. It doubles as the subscription id
	// of the async consumer and as the document table partition
	Name string

	// CanHandle lists the event types this projection reacts to.
	// Empty means all types
	CanHandle []string

	// Key derives the document key from an event (defaults to the
	// event's stream id)
	Key func(StoredEvent) string

	// Evolve folds an event into the document. doc is nil when no
	// document exists yet, returning nil deletes it
	Evolve func(doc []byte, evt StoredEvent) ([]byte, error)
}

func (p Projection) canHandle(evtType string) bool {
	if len(p.CanHandle) == 0 {
		return true
	}

	for _, t := range p.CanHandle {
		if t == evtType {
			return true
		}
	}

	return false
}

// ProjectorLog is the slice of the event log a Projector needs.
// EventLog satisfies it
type ProjectorLog interface {
	ConsumerLog

	ApplyProjection(ctx context.Context, p Projection, evt StoredEvent) error
}

// NewProjector constructs a Projector. Provided consumer options are
// forwarded to the consumer of every added projection
func NewProjector(log ProjectorLog, opts ...ConsumerOpt) *Projector {
	return &Projector{
		log:    log,
		opts:   opts,
		logger: slog.Default(),
	}
}

// Projector runs registered projections asynchronously, each as its own
// checkpointed consumer (subscription id = projection name), so a restarted
// projector resumes every projection exactly where it left off.
// The resulting read models are eventually consistent - they lag the log by
// at most one poll interval plus processing time
type Projector struct {
	log         ProjectorLog
	opts        []ConsumerOpt
	projections []Projection
	logger      *slog.Logger
}

// Add registers projections with the projector
// Make sure to add all of your projections before calling Run
func (p *Projector) Add(projections ...Projection) {
	p.projections = append(p.projections, projections...)
}

// Run starts a consumer per projection and blocks until the context is
// cancelled or a projection fails. A projection error cancels the
// remaining projections and surfaces from Run
func (p *Projector) Run(ctx context.Context) error {
	if len(p.projections) == 0 {
		return fmt.Errorf("%w: no projections added", ErrInvalidArgument)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	errs := make(chan error, len(p.projections))

	for _, projection := range p.projections {
		wg.Add(1)

		go func(projection Projection) {
			defer wg.Done()

			if err := p.run(ctx, projection); err != nil {
				errs <- fmt.Errorf("projection %s: %w", projection.Name, err)
			}
		}(projection)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	select {
	case err, ok := <-errs:
		if ok && err != nil {
			cancel()

			p.logger.Error("projector stopping", slog.String("err", err.Error()))

			wg.Wait()

			return err
		}

		return nil

	case <-ctx.Done():
		wg.Wait()

		return nil
	}
}

func (p *Projector) run(ctx context.Context, projection Projection) error {
	consumer, err := NewConsumer(p.log, projection.Name, p.opts...)
	if err != nil {
		return err
	}

	defer consumer.Close()

	err = consumer.Start(ctx, func(evt StoredEvent) error {
		if !projection.canHandle(evt.Type) {
			return nil
		}

		return p.log.ApplyProjection(ctx, projection, evt)
	})

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// FlushAfter wraps the handler passed in and it calls the handler itself
// as new events come (as usual) in addition to calling the provided flush
// function periodically each time flush interval expires. Flush calls and
// event handling are serialized, so flush may safely read state the
// handler accumulates. A flush error fails the next delivery, which stops
// the consumer run.
// The returned stop func releases the flush timer and must be called once
// the consumer is done (eg. deferred alongside Consumer.Close)
func FlushAfter(
	h EachMessage,
	flush func() error,
	flushInt time.Duration) (EachMessage, func()) {
	var (
		mu  sync.Mutex
		err error
	)

	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(flushInt)

		defer ticker.Stop()

		for {
			select {
			case <-done:
				return

			case <-ticker.C:
				mu.Lock()

				if err == nil {
					err = flush()
				}

				mu.Unlock()
			}
		}
	}()

	var once sync.Once

	stop := func() {
		once.Do(func() {
			close(done)
		})
	}

	return func(evt StoredEvent) error {
		mu.Lock()
		defer mu.Unlock()

		if err != nil {
			return err
		}

		return h(evt)
	}, stop
}
