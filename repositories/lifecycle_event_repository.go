package repositories

import (
	"context"

	"grantdocs/models"

	"gorm.io/gorm"
)

type GormLifecycleEventRepository struct {
	db *gorm.DB
}

func NewGormLifecycleEventRepository(db *gorm.DB) *GormLifecycleEventRepository {
	return &GormLifecycleEventRepository{db: db}
}

func (r *GormLifecycleEventRepository) Create(_ context.Context, tx *gorm.DB, event *models.LifecycleEvent) error {
	return useTx(r.db, tx).Create(event).Error
}

func (r *GormLifecycleEventRepository) ListByNode(_ context.Context, tx *gorm.DB, kind models.NodeKind, nodeID uint, limit int) ([]models.LifecycleEvent, error) {
	db := useTx(r.db, tx).Where("node_kind = ? AND node_id = ?", kind, nodeID).Order("occurred_at DESC, id DESC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	var events []models.LifecycleEvent
	err := db.Find(&events).Error
	return events, err
}
