// Package eventlog provides a light-weight event sourcing storage core
// backed by sqlite or postgres.
// It persists immutable, ordered events per stream, guards stream mutation
// with optimistic concurrency checks, and exposes the globally ordered
// sequence of all events for checkpointed, resumable consumption.
// Mechanisms for folding streams into aggregate state, handling commands
// and building inline/async projections are provided on top
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	uuid2 "github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStreamNotFound indicates that the requested stream does not exist in the event log
	ErrStreamNotFound = errors.New("stream not found")

	// ErrConcurrencyCheckFailed indicates that the expected stream version
	// did not match the stored version at commit time
	ErrConcurrencyCheckFailed = errors.New("optimistic concurrency check failed")

	// ErrInvalidArgument indicates a malformed append or read request
	// (eg. an empty event batch or a missing stream name)
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSubscriptionClosedByClient is produced by sub.Err if client cancels the subscription using sub.Close()
	ErrSubscriptionClosedByClient = errors.New("subscription closed by client")
)

// EncodedEvt represents encoded event used by a specific encoder implementation
type EncodedEvt struct {
	Data string
	Type string
}

// Encoder is used by the event log in order to correctly marshal
// and unmarshal event types
type Encoder interface {
	Encode(any) (*EncodedEvt, error)
	Decode(*EncodedEvt) (any, error)
}

// New constructs a new event log
// enc - a specific encoder implementation (see bundled JSONEncoder)
func New(enc Encoder, opts ...Option) (*EventLog, error) {
	if enc == nil {
		return nil, fmt.Errorf("encoder implementation must be provided")
	}

	var cfg Cfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	db := cfg.DB

	if db == nil {
		if cfg.PostgresDSN == "" && cfg.SQLitePath == "" {
			return nil, fmt.Errorf("either postgres dsn, sqlite path or an existing gorm connection must be provided")
		}

		var dial gorm.Dialector

		if cfg.PostgresDSN != "" {
			dial = postgres.Open(cfg.PostgresDSN)
		}

		if cfg.SQLitePath != "" {
			dial = sqlite.Open(cfg.SQLitePath)
		}

		var err error

		db, err = gorm.Open(dial, &gorm.Config{TranslateError: true})
		if err != nil {
			return nil, err
		}
	}

	log := EventLog{
		db:     db,
		enc:    enc,
		ownsDB: cfg.DB == nil,
		inline: cfg.inline,
	}

	err := db.AutoMigrate(
		&gormEvent{},
		&gormLogHead{},
		&gormCheckpoint{},
		&gormDocument{},
	)
	if err != nil {
		return nil, err
	}

	return &log, db.FirstOrCreate(&gormLogHead{ID: logHeadID}).Error
}

// Cfg represents event log configuration
type Cfg struct {
	PostgresDSN string
	SQLitePath  string

	// DB is an externally owned gorm connection (mutually exclusive with
	// PostgresDSN/SQLitePath). The event log will never close it
	DB *gorm.DB

	inline []Projection
}

// Option represents an event log configuration option
type Option func(Cfg) Cfg

// WithPostgresDB is an event log option that can be used to configure
// the event log to use postgres as a backing storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB is an event log option that can be used to configure
// the event log to use sqlite as a backing storage
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithGormDB is an event log option that hands the event log an existing
// gorm connection whose lifecycle is owned by the caller
// (Close becomes a no-op)
func WithGormDB(db *gorm.DB) Option {
	return func(cfg Cfg) Cfg {
		cfg.DB = db

		return cfg
	}
}

// WithInlineProjection registers a projection to be applied synchronously
// inside every append transaction whose events it can handle.
// The document write commits atomically with the event write
func WithInlineProjection(p Projection) Option {
	return func(cfg Cfg) Cfg {
		cfg.inline = append(cfg.inline, p)

		return cfg
	}
}

// EventLog represents a sqlite/postgres backed event log
type EventLog struct {
	db     *gorm.DB
	enc    Encoder
	ownsDB bool
	inline []Projection
}

// Close should be called as a part of cleanup process in order to close
// the underlying sql connection (no-op if the connection was provided
// via WithGormDB since the caller owns it)
func (el *EventLog) Close() error {
	if !el.ownsDB {
		return nil
	}

	sqlDB, err := el.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

type gormEvent struct {
	GlobalPosition     uint64 `gorm:"primaryKey;autoIncrement:false"`
	ID                 string `gorm:"unique"`
	Type               string
	Data               string
	Meta               *string
	CausationEventID   *string
	CorrelationEventID *string
	StreamID           string    `gorm:"index:idx_optimistic_check,unique;index"`
	StreamPosition     int       `gorm:"index:idx_optimistic_check,unique"`
	OccurredOn         time.Time `gorm:"autoCreateTime"`
}

// TableName returns gorm table name
func (ge *gormEvent) TableName() string { return "event" }

const logHeadID uint = 1

// gormLogHead is a single-row global position counter. Appends lock the
// row for the duration of their transaction which serializes commits in
// position order - a reader can never observe position N+1 before N is
// durably visible, so polling by position never skips an event
type gormLogHead struct {
	ID       uint `gorm:"primaryKey"`
	Position uint64
}

// TableName returns gorm table name
func (lh *gormLogHead) TableName() string { return "event_log_head" }

// AppendResult holds the outcome of a successful append
type AppendResult struct {
	// NextExpectedVersion is the stream version to pass as Exact
	// on the next append to the same stream
	NextExpectedVersion int

	// LastGlobalPosition is the global position assigned to the
	// last event of the committed batch
	LastGlobalPosition uint64
}

// AppendStream will encode the provided event batch and append it to the
// indicated stream atomically - either the whole batch commits with
// contiguous stream and global positions or none of it does.
// The expected version is checked against the stored stream version inside
// the same transaction and ErrConcurrencyCheckFailed is returned on
// mismatch. Inline projections registered for matching event types are
// applied in the same transaction
func (el *EventLog) AppendStream(
	ctx context.Context,
	stream string,
	expected ExpectedVersion,
	events []EventToStore) (*AppendResult, error) {

	if len(stream) == 0 {
		return nil, fmt.Errorf("%w: stream name must be provided", ErrInvalidArgument)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("%w: event batch must not be empty", ErrInvalidArgument)
	}

	var result AppendResult

	err := el.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head gormLogHead

		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&head, logHeadID).Error
		if err != nil {
			return err
		}

		currentVer, err := el.streamVersion(tx, stream)
		if err != nil {
			return err
		}

		if err := checkVersion(expected, currentVer); err != nil {
			return err
		}

		rows := make([]gormEvent, len(events))
		stored := make([]StoredEvent, len(events))

		for i, evt := range events {
			encoded, err := el.enc.Encode(evt.Event)
			if err != nil {
				return err
			}

			currentVer++
			head.Position++

			row := gormEvent{
				GlobalPosition: head.Position,
				ID:             evt.ID,
				Type:           encoded.Type,
				Data:           encoded.Data,
				StreamID:       stream,
				StreamPosition: currentVer,
				OccurredOn:     evt.OccurredOn,
			}

			if evt.CorrelationEventID != "" {
				row.CorrelationEventID = &evt.CorrelationEventID
			}

			if evt.CausationEventID != "" {
				row.CausationEventID = &evt.CausationEventID
			}

			if evt.Meta != nil {
				m, err := json.Marshal(evt.Meta)
				if err != nil {
					return err
				}

				ms := string(m)

				row.Meta = &ms
			}

			if row.ID == "" {
				uuid, err := uuid2.NewV7()
				if err != nil {
					return err
				}

				row.ID = uuid.String()
			}

			if row.OccurredOn.IsZero() {
				row.OccurredOn = time.Now().UTC()
			}

			rows[i] = row

			stored[i] = StoredEvent{
				Event:              evt.Event,
				Meta:               evt.Meta,
				ID:                 row.ID,
				GlobalPosition:     row.GlobalPosition,
				Type:               row.Type,
				CausationEventID:   row.CausationEventID,
				CorrelationEventID: row.CorrelationEventID,
				StreamID:           stream,
				StreamPosition:     row.StreamPosition,
				OccurredOn:         row.OccurredOn,
			}
		}

		if err := tx.Create(&rows).Error; err != nil {
			return err
		}

		for _, p := range el.inline {
			for _, evt := range stored {
				if !p.canHandle(evt.Type) {
					continue
				}

				if err := el.applyProjection(tx, p, evt); err != nil {
					return err
				}
			}
		}

		result = AppendResult{
			NextExpectedVersion: currentVer,
			LastGlobalPosition:  head.Position,
		}

		return tx.Save(&head).Error
	})
	if err != nil {
		return nil, classifyAppendErr(err)
	}

	return &result, nil
}

func (el *EventLog) streamVersion(tx *gorm.DB, stream string) (int, error) {
	var current int

	err := tx.
		Model(&gormEvent{}).
		Where("stream_id = ?", stream).
		Select("COALESCE(MAX(stream_position), 0)").
		Scan(&current).Error

	return current, err
}

func checkVersion(expected ExpectedVersion, current int) error {
	switch {
	case expected.IsAny():
		return nil

	case expected.IsNoStream():
		if current != 0 {
			return fmt.Errorf("%w: stream exists at version %d, expected no stream", ErrConcurrencyCheckFailed, current)
		}

	case expected.IsStreamExists():
		if current == 0 {
			return fmt.Errorf("%w: stream does not exist", ErrConcurrencyCheckFailed)
		}

	default:
		if current != expected.Value() {
			return fmt.Errorf("%w: stream at version %d, expected %d", ErrConcurrencyCheckFailed, current, expected.Value())
		}
	}

	return nil
}

// The unique index on (stream_id, stream_position) is the backstop for
// writers racing between the version read and the insert
func classifyAppendErr(err error) error {
	if e, ok := err.(sqlite3.Error); ok && e.Code == 19 {
		return fmt.Errorf("%w: stream version exists", ErrConcurrencyCheckFailed)
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: stream version exists", ErrConcurrencyCheckFailed)
	}

	return err
}

// ReadStream will read all events associated with provided stream.
// If there are no events stored for a given stream ErrStreamNotFound will be returned
func (el *EventLog) ReadStream(ctx context.Context, stream string) ([]StoredEvent, error) {
	return el.ReadStreamFrom(ctx, stream, 0)
}

// ReadStreamFrom will read events associated with provided stream whose
// stream position is greater than from (exclusive), in ascending order.
// If no events match ErrStreamNotFound will be returned
func (el *EventLog) ReadStreamFrom(ctx context.Context, stream string, from int) ([]StoredEvent, error) {
	if len(stream) == 0 {
		return nil, fmt.Errorf("%w: stream name must be provided", ErrInvalidArgument)
	}

	var events []gormEvent

	if err := el.db.
		WithContext(ctx).
		Where("stream_id = ? AND stream_position > ?", stream, from).
		Order("stream_position asc").
		Find(&events).Error; err != nil {

		return nil, err
	}

	if len(events) == 0 {
		return nil, ErrStreamNotFound
	}

	return el.decodeEvents(events)
}

// ReadAllFrom reads an ordered batch of up to limit events whose global
// position is greater than from (exclusive). An empty slice means the
// reader has caught up with the log
func (el *EventLog) ReadAllFrom(ctx context.Context, from uint64, limit int) ([]StoredEvent, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit should be at least 1", ErrInvalidArgument)
	}

	var events []gormEvent

	if err := el.db.
		WithContext(ctx).
		Where("global_position > ?", from).
		Order("global_position asc").
		Limit(limit).
		Find(&events).Error; err != nil {

		return nil, err
	}

	return el.decodeEvents(events)
}

// GlobalPosition returns the global position of the last committed event
// (zero for an empty log). Consumers use it to resolve FromCurrent
func (el *EventLog) GlobalPosition(ctx context.Context) (uint64, error) {
	var head gormLogHead

	if err := el.db.WithContext(ctx).First(&head, logHeadID).Error; err != nil {
		return 0, err
	}

	return head.Position, nil
}

// SubAllConfig (configure using SubAllOpt)
type SubAllConfig struct {
	offset       uint64
	batchSize    int
	pollInterval time.Duration
}

// SubAllOpt represents subscribe to all events option
type SubAllOpt func(SubAllConfig) SubAllConfig

// WithOffset is a subscription / read all option that indicates a global
// position in the event log from which to start reading events (exclusive)
func WithOffset(offset uint64) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.offset = offset

		return cfg
	}
}

// WithBatchSize is a subscription/read all option that specifies the read
// batch size (limit) when reading events from the event log
func WithBatchSize(size int) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.batchSize = size

		return cfg
	}
}

// WithPollInterval is a subscription/read all option that specifies the polling
// interval of the underlying database
func WithPollInterval(d time.Duration) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.pollInterval = d

		return cfg
	}
}

// Subscription represents a raw ReadAll subscription that is used for
// streaming incoming events (see Consumer for the checkpointed variant)
type Subscription struct {
	// Err chan will produce any errors that might occur while reading events
	// If Err produces io.EOF error, that indicates that we have caught up
	// with the event log and that there are no more events to read after which
	// the subscription itself will continue polling the event log for new events
	// each time we empty the Err channel. This means that reading from Err (in
	// case of io.EOF) can be strategically used in order to achieve backpressure
	Err       chan error
	EventData chan StoredEvent

	close chan struct{}
}

// Close closes the subscription and halts the polling of the underlying database
func (s Subscription) Close() {
	if s.close == nil {
		return
	}

	s.close <- struct{}{}
}

// ReadAll will read all events from the event log by internally creating a
// subscription and depleting it until io.EOF is encountered
// WARNING: Use with caution as this method will read the entire event log
// in a blocking fashion (probably best used in combination with offset option)
func (el *EventLog) ReadAll(ctx context.Context, opts ...SubAllOpt) ([]StoredEvent, error) {
	sub, err := el.SubscribeAll(ctx, opts...)
	if err != nil {
		return nil, err
	}

	defer sub.Close()

	var events []StoredEvent

	for {
		select {
		case data := <-sub.EventData:
			events = append(events, data)

		case err := <-sub.Err:
			if errors.Is(err, io.EOF) {
				return events, nil
			}

			return nil, err
		}
	}
}

// SubscribeAll will create a subscription which can be used to stream all
// events in an orderly fashion. This is the raw primitive underneath
// Consumer - it does not persist checkpoints
func (el *EventLog) SubscribeAll(ctx context.Context, opts ...SubAllOpt) (Subscription, error) {
	cfg := SubAllConfig{
		offset:       0,
		batchSize:    100,
		pollInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.batchSize < 1 {
		return Subscription{}, fmt.Errorf("%w: batch size should be at least 1", ErrInvalidArgument)
	}

	sub := Subscription{
		Err:       make(chan error, 1),
		EventData: make(chan StoredEvent, cfg.batchSize),
		close:     make(chan struct{}, 1),
	}

	go func() {
		var done error

		for {
			select {
			case <-sub.close:
				sub.Err <- ErrSubscriptionClosedByClient

				return
			case <-ctx.Done():
				sub.Err <- ctx.Err()

				return
			case <-time.After(cfg.pollInterval):
				// Make sure client reads all buffered events
				if done != nil {
					if len(sub.EventData) != 0 {
						break
					}

					sub.Err <- done

					return
				}

				evts, err := el.ReadAllFrom(ctx, cfg.offset, cfg.batchSize)
				if err != nil {
					done = err

					break
				}

				if len(evts) == 0 {
					sub.Err <- io.EOF

					break
				}

				cfg.offset = evts[len(evts)-1].GlobalPosition

				for _, evt := range evts {
					sub.EventData <- evt
				}
			}
		}
	}()

	return sub, nil
}

func (el *EventLog) decodeEvents(events []gormEvent) ([]StoredEvent, error) {
	out := make([]StoredEvent, len(events))

	for i, evt := range events {
		data, err := el.enc.Decode(&EncodedEvt{
			Data: evt.Data,
			Type: evt.Type,
		})
		if err != nil {
			return nil, err
		}

		var meta map[string]string

		if evt.Meta != nil {
			err = json.Unmarshal([]byte(*evt.Meta), &meta)
			if err != nil {
				return nil, err
			}
		}

		out[i] = StoredEvent{
			Event:              data,
			Meta:               meta,
			ID:                 evt.ID,
			GlobalPosition:     evt.GlobalPosition,
			Type:               evt.Type,
			CausationEventID:   evt.CausationEventID,
			CorrelationEventID: evt.CorrelationEventID,
			StreamID:           evt.StreamID,
			StreamPosition:     evt.StreamPosition,
			OccurredOn:         evt.OccurredOn,
		}
	}

	return out, nil
}
