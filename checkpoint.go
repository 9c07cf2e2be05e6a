package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrCheckpointNotFound indicates that no checkpoint has been persisted
// yet for the given subscription id
var ErrCheckpointNotFound = errors.New("checkpoint not found")

type gormCheckpoint struct {
	SubscriptionID string `gorm:"primaryKey"`
	GlobalPosition uint64
	UpdatedAt      time.Time
}

// TableName returns gorm table name
func (gc *gormCheckpoint) TableName() string { return "subscription_checkpoint" }

// Checkpoint returns the last processed global position persisted for the
// given subscription id, or ErrCheckpointNotFound if none exists
func (el *EventLog) Checkpoint(ctx context.Context, subscriptionID string) (uint64, error) {
	if subscriptionID == "" {
		return 0, fmt.Errorf("%w: subscription id must be provided", ErrInvalidArgument)
	}

	var cp gormCheckpoint

	err := el.db.
		WithContext(ctx).
		First(&cp, "subscription_id = ?", subscriptionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrCheckpointNotFound
		}

		return 0, err
	}

	return cp.GlobalPosition, nil
}

// SaveCheckpoint durably records the last processed global position for
// the given subscription id. Checkpoints are monotonic - a position lower
// than the stored one is ignored
func (el *EventLog) SaveCheckpoint(ctx context.Context, subscriptionID string, position uint64) error {
	if subscriptionID == "" {
		return fmt.Errorf("%w: subscription id must be provided", ErrInvalidArgument)
	}

	return el.db.
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "subscription_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"global_position": position,
				"updated_at":      time.Now().UTC(),
			}),
			Where: clause.Where{
				Exprs: []clause.Expression{
					clause.Lt{
						Column: clause.Column{Table: "subscription_checkpoint", Name: "global_position"},
						Value:  position,
					},
				},
			},
		}).
		Create(&gormCheckpoint{
			SubscriptionID: subscriptionID,
			GlobalPosition: position,
			UpdatedAt:      time.Now().UTC(),
		}).Error
}
