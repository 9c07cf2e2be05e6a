package eventlog_test

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aneshas/eventlog"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var integration = flag.Bool("integration", false, "perform integration tests")

type SomeEvent struct {
	UserID string
}

type OtherEvent struct {
	Amount int
}

func eventLog(t *testing.T, opts ...eventlog.Option) *eventlog.EventLog {
	t.Helper()

	return eventLogWithEnc(t, eventlog.NewJSONEncoder(SomeEvent{}, OtherEvent{}), opts...)
}

func eventLogWithEnc(t *testing.T, enc eventlog.Encoder, opts ...eventlog.Option) *eventlog.EventLog {
	t.Helper()

	path := filepath.Join(t.TempDir(), "event.db")

	el, err := eventlog.New(
		enc,
		append([]eventlog.Option{eventlog.WithSQLiteDB(path)}, opts...)...,
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	t.Cleanup(func() {
		_ = el.Close()
	})

	return el
}

func someEvents(n int) []eventlog.EventToStore {
	out := make([]eventlog.EventToStore, n)

	for i := range out {
		out[i] = eventlog.EventToStore{
			Event: SomeEvent{
				UserID: fmt.Sprintf("user-%d", i+1),
			},
		}
	}

	return out
}

func TestShouldReadAppendedEvents(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	el := eventLog(t)

	ctx := context.Background()
	stream := "some-stream"
	meta := map[string]string{
		"ip": "127.0.0.1",
	}

	evts := someEvents(3)

	for i := range evts {
		evts[i].Meta = meta
	}

	result, err := el.AppendStream(ctx, stream, eventlog.NoStream(), evts)

	assert.NoError(t, err)
	assert.Equal(t, 3, result.NextExpectedVersion)
	assert.Equal(t, uint64(3), result.LastGlobalPosition)

	got, err := el.ReadStream(ctx, stream)

	assert.NoError(t, err)
	assert.Len(t, got, 3)

	for i, evt := range got {
		assert.Equal(t, evts[i].Event, evt.Event)
		assert.Equal(t, meta, evt.Meta)
		assert.Equal(t, "SomeEvent", evt.Type)
		assert.Equal(t, stream, evt.StreamID)

		// Positions are 1-based and contiguous
		assert.Equal(t, i+1, evt.StreamPosition)
		assert.Equal(t, uint64(i+1), evt.GlobalPosition)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.OccurredOn.IsZero())
	}
}

func TestAppendShouldRejectEmptyBatchAndMissingStream(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	el := eventLog(t)

	ctx := context.Background()

	_, err := el.AppendStream(ctx, "some-stream", eventlog.Any(), nil)

	assert.ErrorIs(t, err, eventlog.ErrInvalidArgument)

	_, err = el.AppendStream(ctx, "", eventlog.Any(), someEvents(1))

	assert.ErrorIs(t, err, eventlog.ErrInvalidArgument)
}

func TestOptimisticConcurrencyCheckIsPerformed(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	el := eventLog(t)

	ctx := context.Background()
	stream := "some-stream"

	_, err := el.AppendStream(ctx, stream, eventlog.NoStream(), someEvents(1))

	assert.NoError(t, err)

	// NoStream on an existing stream always conflicts
	_, err = el.AppendStream(ctx, stream, eventlog.NoStream(), someEvents(1))

	assert.ErrorIs(t, err, eventlog.ErrConcurrencyCheckFailed)

	// Stale exact version conflicts
	_, err = el.AppendStream(ctx, stream, eventlog.Exact(0), someEvents(1))

	assert.ErrorIs(t, err, eventlog.ErrConcurrencyCheckFailed)

	// Correct exact version succeeds
	result, err := el.AppendStream(ctx, stream, eventlog.Exact(1), someEvents(1))

	assert.NoError(t, err)
	assert.Equal(t, 2, result.NextExpectedVersion)
}

func TestStreamExistsAndAnyChecks(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	el := eventLog(t)

	ctx := context.Background()

	_, err := el.AppendStream(ctx, "missing", eventlog.StreamExists(), someEvents(1))

	assert.ErrorIs(t, err, eventlog.ErrConcurrencyCheckFailed)

	_, err = el.AppendStream(ctx, "some-stream", eventlog.Any(), someEvents(1))

	assert.NoError(t, err)

	_, err = el.AppendStream(ctx, "some-stream", eventlog.StreamExists(), someEvents(1))

	assert.NoError(t, err)

	_, err = el.AppendStream(ctx, "some-stream", eventlog.Any(), someEvents(1))

	assert.NoError(t, err)
}

func TestAppendIsAtomicPerBatch(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	wantErr := fmt.Errorf("encoding failed")

	calls := 0

	enc := failingEnc{
		encode: func(evt any) (*eventlog.EncodedEvt, error) {
			calls++

			if calls > 1 {
				return nil, wantErr
			}

			return eventlog.NewJSONEncoder(SomeEvent{}).Encode(evt)
		},
		decode: func(evt *eventlog.EncodedEvt) (any, error) {
			return eventlog.NewJSONEncoder(SomeEvent{}).Decode(evt)
		},
	}

	el := eventLogWithEnc(t, enc)

	ctx := context.Background()

	// Second event of the batch fails to encode - nothing commits
	_, err := el.AppendStream(ctx, "some-stream", eventlog.NoStream(), someEvents(2))

	assert.ErrorIs(t, err, wantErr)

	_, err = el.ReadStream(ctx, "some-stream")

	assert.ErrorIs(t, err, eventlog.ErrStreamNotFound)

	pos, err := el.GlobalPosition(ctx)

	assert.NoError(t, err)
	assert.Zero(t, pos)
}

type failingEnc struct {
	encode func(any) (*eventlog.EncodedEvt, error)
	decode func(*eventlog.EncodedEvt) (any, error)
}

func (e failingEnc) Encode(evt any) (*eventlog.EncodedEvt, error) { return e.encode(evt) }

func (e failingEnc) Decode(evt *eventlog.EncodedEvt) (any, error) { return e.decode(evt) }

func TestGlobalPositionsSpanStreams(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	el := eventLog(t)

	ctx := context.Background()

	_, err := el.AppendStream(ctx, "stream-one", eventlog.NoStream(), someEvents(2))

	assert.NoError(t, err)

	_, err = el.AppendStream(ctx, "stream-two", eventlog.NoStream(), someEvents(2))

	assert.NoError(t, err)

	got, err := el.ReadAllFrom(ctx, 0, 100)

	assert.NoError(t, err)
	assert.Len(t, got, 4)

	for i, evt := range got {
		assert.Equal(t, uint64(i+1), evt.GlobalPosition)
	}

	assert.Equal(t, "stream-one", got[0].StreamID)
	assert.Equal(t, "stream-two", got[2].StreamID)
	assert.Equal(t, 1, got[2].StreamPosition)

	// Exclusive lower bound and limit
	got, err = el.ReadAllFrom(ctx, 2, 1)

	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].GlobalPosition)

	pos, err := el.GlobalPosition(ctx)

	assert.NoError(t, err)
	assert.Equal(t, uint64(4), pos)
}

func TestReadStreamFromSkipsEarlierPositions(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	el := eventLog(t)

	ctx := context.Background()

	_, err := el.AppendStream(ctx, "some-stream", eventlog.NoStream(), someEvents(3))

	assert.NoError(t, err)

	got, err := el.ReadStreamFrom(ctx, "some-stream", 1)

	assert.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, got[0].StreamPosition)
}

func TestReadStreamWrapsNotFoundError(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	el := eventLog(t)

	_, err := el.ReadStream(context.Background(), "foo-stream")

	assert.ErrorIs(t, err, eventlog.ErrStreamNotFound)
}

func TestCheckpointsAreMonotonicPerSubscription(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	el := eventLog(t)

	ctx := context.Background()

	_, err := el.Checkpoint(ctx, "sub-1")

	assert.ErrorIs(t, err, eventlog.ErrCheckpointNotFound)

	assert.NoError(t, el.SaveCheckpoint(ctx, "sub-1", 5))

	// A lower position is ignored
	assert.NoError(t, el.SaveCheckpoint(ctx, "sub-1", 3))

	cp, err := el.Checkpoint(ctx, "sub-1")

	assert.NoError(t, err)
	assert.Equal(t, uint64(5), cp)

	assert.NoError(t, el.SaveCheckpoint(ctx, "sub-1", 8))

	cp, err = el.Checkpoint(ctx, "sub-1")

	assert.NoError(t, err)
	assert.Equal(t, uint64(8), cp)

	// Distinct subscriptions own distinct rows
	assert.NoError(t, el.SaveCheckpoint(ctx, "sub-2", 2))

	cp, err = el.Checkpoint(ctx, "sub-2")

	assert.NoError(t, err)
	assert.Equal(t, uint64(2), cp)
}

func TestInlineProjectionCommitsWithAppend(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	projection := eventlog.Projection{
		Name:      "user-totals",
		CanHandle: []string{"OtherEvent"},
		Evolve: func(doc []byte, evt eventlog.StoredEvent) ([]byte, error) {
			total := 0

			if doc != nil {
				_, err := fmt.Sscanf(string(doc), "%d", &total)
				if err != nil {
					return nil, err
				}
			}

			total += evt.Event.(OtherEvent).Amount

			return []byte(fmt.Sprintf("%d", total)), nil
		},
	}

	el := eventLog(t, eventlog.WithInlineProjection(projection))

	ctx := context.Background()

	_, err := el.AppendStream(ctx, "account-1", eventlog.NoStream(), []eventlog.EventToStore{
		{Event: OtherEvent{Amount: 10}},
		{Event: SomeEvent{UserID: "ignored-by-projection"}},
		{Event: OtherEvent{Amount: 5}},
	})

	assert.NoError(t, err)

	doc, err := el.Document(ctx, "user-totals", "account-1")

	assert.NoError(t, err)
	assert.Equal(t, "15", string(doc))
}

func TestInlineProjectionFailureRollsBackAppend(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	wantErr := fmt.Errorf("projection exploded")

	projection := eventlog.Projection{
		Name: "exploding",
		Evolve: func([]byte, eventlog.StoredEvent) ([]byte, error) {
			return nil, wantErr
		},
	}

	el := eventLog(t, eventlog.WithInlineProjection(projection))

	ctx := context.Background()

	_, err := el.AppendStream(ctx, "account-1", eventlog.NoStream(), someEvents(1))

	assert.ErrorIs(t, err, wantErr)

	// The event write rolled back together with the document write
	_, err = el.ReadStream(ctx, "account-1")

	assert.ErrorIs(t, err, eventlog.ErrStreamNotFound)
}

func TestProjectionEvolveReturningNilDeletesDocument(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	projection := eventlog.Projection{
		Name: "presence",
		Evolve: func(doc []byte, evt eventlog.StoredEvent) ([]byte, error) {
			if evt.Type == "OtherEvent" {
				return nil, nil
			}

			return []byte("present"), nil
		},
	}

	el := eventLog(t, eventlog.WithInlineProjection(projection))

	ctx := context.Background()

	_, err := el.AppendStream(ctx, "account-1", eventlog.NoStream(), []eventlog.EventToStore{
		{Event: SomeEvent{UserID: "user-1"}},
	})

	assert.NoError(t, err)

	doc, err := el.Document(ctx, "presence", "account-1")

	assert.NoError(t, err)
	assert.Equal(t, "present", string(doc))

	_, err = el.AppendStream(ctx, "account-1", eventlog.Exact(1), []eventlog.EventToStore{
		{Event: OtherEvent{Amount: 1}},
	})

	assert.NoError(t, err)

	_, err = el.Document(ctx, "presence", "account-1")

	assert.ErrorIs(t, err, eventlog.ErrDocumentNotFound)
}

func TestConsumerResumesOverSQLite(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	el := eventLog(t)

	ctx := context.Background()

	_, err := el.AppendStream(ctx, "guestStay-1", eventlog.NoStream(), someEvents(3))

	assert.NoError(t, err)

	c, err := eventlog.NewConsumer(el, "sub-1", fastPoll(), stopAt(2))

	assert.NoError(t, err)

	var got []uint64

	err = c.Start(ctx, func(evt eventlog.StoredEvent) error {
		got = append(got, evt.GlobalPosition)

		return nil
	})

	assert.NoError(t, err)

	c.Close()

	assert.Equal(t, []uint64{1, 2}, got)

	// Fresh consumer, same subscription id - resumes after the checkpoint
	c2, err := eventlog.NewConsumer(el, "sub-1", fastPoll(), stopAt(3))

	assert.NoError(t, err)

	got = nil

	err = c2.Start(ctx, func(evt eventlog.StoredEvent) error {
		got = append(got, evt.GlobalPosition)

		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, []uint64{3}, got)
}

func TestExternallyOwnedConnectionIsNotClosed(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	path := filepath.Join(t.TempDir(), "event.db")

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	el, err := eventlog.New(
		eventlog.NewJSONEncoder(SomeEvent{}),
		eventlog.WithGormDB(db),
	)

	assert.NoError(t, err)

	_, err = el.AppendStream(context.Background(), "some-stream", eventlog.NoStream(), someEvents(1))

	assert.NoError(t, err)

	// Close is a no-op for a connection the event log does not own
	assert.NoError(t, el.Close())

	var count int64

	assert.NoError(t, db.Table("event").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	sqlDB, err := db.DB()

	assert.NoError(t, err)
	assert.NoError(t, sqlDB.Close())
}

func TestSubscribeAllStreamsCommittedEvents(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	el := eventLog(t)

	ctx := context.Background()

	_, err := el.AppendStream(ctx, "stream-one", eventlog.NoStream(), someEvents(3))

	assert.NoError(t, err)

	sub, err := el.SubscribeAll(
		ctx,
		eventlog.WithOffset(1),
		eventlog.WithPollInterval(10*time.Millisecond),
	)

	assert.NoError(t, err)

	defer sub.Close()

	var got []eventlog.StoredEvent

	deadline := time.After(2 * time.Second)

	for len(got) < 2 {
		select {
		case data := <-sub.EventData:
			got = append(got, data)

		case err := <-sub.Err:
			assert.ErrorIs(t, err, io.EOF)

		case <-deadline:
			t.Fatal("subscription should have caught up")
		}
	}

	assert.Equal(t, uint64(2), got[0].GlobalPosition)
	assert.Equal(t, uint64(3), got[1].GlobalPosition)
}

func TestConcurrentAppendsShouldBeDeliveredGaplessAndExactlyOnce(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	// Immediate transactions plus a busy timeout let concurrent writers
	// queue on sqlite's single write lock instead of failing
	path := filepath.Join(t.TempDir(), "event.db") + "?_busy_timeout=5000&_txlock=immediate"

	el := eventLogWithEnc(
		t,
		eventlog.NewJSONEncoder(SomeEvent{}, OtherEvent{}),
		eventlog.WithSQLiteDB(path),
	)

	ctx := context.Background()

	const (
		writers         = 4
		eventsPerWriter = 25
	)

	var wg sync.WaitGroup

	for w := 0; w < writers; w++ {
		wg.Add(1)

		go func(w int) {
			defer wg.Done()

			stream := fmt.Sprintf("stream-%d", w)

			for i := 0; i < eventsPerWriter; i++ {
				_, err := el.AppendStream(ctx, stream, eventlog.Any(), someEvents(1))

				assert.NoError(t, err)
			}
		}(w)
	}

	total := uint64(writers * eventsPerWriter)

	c, err := eventlog.NewConsumer(
		el, "gapless-sub",
		eventlog.WithConsumerPollInterval(time.Millisecond, 10*time.Millisecond),
		eventlog.WithStopAfter(func(evt eventlog.StoredEvent) bool {
			return evt.GlobalPosition == total
		}),
	)

	assert.NoError(t, err)

	var got []uint64

	err = c.Start(ctx, func(evt eventlog.StoredEvent) error {
		got = append(got, evt.GlobalPosition)

		return nil
	})

	wg.Wait()

	assert.NoError(t, err)
	assert.Len(t, got, int(total))

	// While writers race the consumer, every global position must be
	// delivered exactly once, in order and without gaps
	for i, pos := range got {
		assert.Equal(t, uint64(i+1), pos)
	}
}
