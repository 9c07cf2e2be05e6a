package eventlog

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDocumentNotFound indicates that no document exists for the given
// projection and key
var ErrDocumentNotFound = errors.New("projection document not found")

type gormDocument struct {
	ProjectionName string `gorm:"primaryKey"`
	DocKey         string `gorm:"primaryKey;column:doc_key"`
	Data           string
	UpdatedAt      time.Time
}

// TableName returns gorm table name
func (gd *gormDocument) TableName() string { return "projection_document" }

// Document returns the current read model document maintained by the named
// projection under the given key, or ErrDocumentNotFound
func (el *EventLog) Document(ctx context.Context, projection, key string) ([]byte, error) {
	var doc gormDocument

	err := el.db.
		WithContext(ctx).
		First(&doc, "projection_name = ? AND doc_key = ?", projection, key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}

		return nil, err
	}

	return []byte(doc.Data), nil
}

// ApplyProjection folds a single event into the projection's document.
// The async projector calls this per delivered event - inline projections
// go through the same code path inside the append transaction.
// Overwriting the document keyed by (projection, key) makes re-application
// of the same event idempotent, which batch re-delivery after a crash
// relies on
func (el *EventLog) ApplyProjection(ctx context.Context, p Projection, evt StoredEvent) error {
	return el.applyProjection(el.db.WithContext(ctx), p, evt)
}

func (el *EventLog) applyProjection(tx *gorm.DB, p Projection, evt StoredEvent) error {
	key := evt.StreamID

	if p.Key != nil {
		key = p.Key(evt)
	}

	var (
		doc     gormDocument
		current []byte
	)

	err := tx.First(&doc, "projection_name = ? AND doc_key = ?", p.Name, key).Error
	if err == nil {
		current = []byte(doc.Data)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	next, err := p.Evolve(current, evt)
	if err != nil {
		return err
	}

	// A nil document deletes the read model entry
	if next == nil {
		if current == nil {
			return nil
		}

		return tx.
			Where("projection_name = ? AND doc_key = ?", p.Name, key).
			Delete(&gormDocument{}).Error
	}

	return tx.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "projection_name"}, {Name: "doc_key"}},
			UpdateAll: true,
		}).
		Create(&gormDocument{
			ProjectionName: p.Name,
			DocKey:         key,
			Data:           string(next),
			UpdatedAt:      time.Now().UTC(),
		}).Error
}
