package repositories

import (
	"context"
	"time"

	"grantdocs/models"

	"gorm.io/gorm"
)

type TxManager interface {
	// WithTransaction runs fn serializably and re-runs it from scratch on write conflicts.
	WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	// WithSnapshot runs fn in a read-only, repeatable-read transaction.
	WithSnapshot(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// BinQuery filters top-level bin entries. Nil fields match anything.
type BinQuery struct {
	FiscalPeriodID *uint
	SourceID       *uint
	GrantTypeID    *uint
	DeletedFrom    *time.Time
	DeletedBefore  *time.Time
	Limit          int
}

type FolderRepository interface {
	GetByID(ctx context.Context, tx *gorm.DB, folderID uint) (models.Folder, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, folderIDs []uint) ([]models.Folder, error)
	Create(ctx context.Context, tx *gorm.DB, folder *models.Folder) error
	CountLiveByParentAndNameKey(ctx context.Context, tx *gorm.DB, parentID *uint, nameKey string, excludeID uint) (int64, error)
	ListSegmentsByParent(ctx context.Context, tx *gorm.DB, parentID *uint) ([]string, error)
	ListChildren(ctx context.Context, tx *gorm.DB, parentIDs []uint, liveOnly bool) ([]models.Folder, error)
	UpdateByID(ctx context.Context, tx *gorm.DB, folderID uint, updates map[string]interface{}) error
	UpdateByIDs(ctx context.Context, tx *gorm.DB, folderIDs []uint, updates map[string]interface{}) error
	DeleteByIDs(ctx context.Context, tx *gorm.DB, folderIDs []uint) error
	ListBinRoots(ctx context.Context, tx *gorm.DB, q BinQuery) ([]models.Folder, error)
	ListExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]models.Folder, error)
}

type FileRepository interface {
	GetByID(ctx context.Context, tx *gorm.DB, fileID uint) (models.File, error)
	Create(ctx context.Context, tx *gorm.DB, file *models.File) error
	CountLiveByFolderAndNameKey(ctx context.Context, tx *gorm.DB, folderID uint, nameKey string, excludeID uint) (int64, error)
	// CountByFolderAndStoragePath counts live and binned files whose bytes live at storagePath.
	CountByFolderAndStoragePath(ctx context.Context, tx *gorm.DB, folderID uint, storagePath string) (int64, error)
	ListByFolderIDs(ctx context.Context, tx *gorm.DB, folderIDs []uint, liveOnly bool) ([]models.File, error)
	UpdateByID(ctx context.Context, tx *gorm.DB, fileID uint, updates map[string]interface{}) error
	UpdateByFolderIDs(ctx context.Context, tx *gorm.DB, folderIDs []uint, updates map[string]interface{}) error
	DeleteByIDs(ctx context.Context, tx *gorm.DB, fileIDs []uint) error
	ListBinRoots(ctx context.Context, tx *gorm.DB, q BinQuery) ([]models.File, error)
	ListExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]models.File, error)
}

type LifecycleEventRepository interface {
	Create(ctx context.Context, tx *gorm.DB, event *models.LifecycleEvent) error
	ListByNode(ctx context.Context, tx *gorm.DB, kind models.NodeKind, nodeID uint, limit int) ([]models.LifecycleEvent, error)
}

// SweepLock keeps two instances from sweeping at the same time.
type SweepLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key string, token string) error
}

type Container struct {
	TxManager TxManager
	Folders   FolderRepository
	Files     FileRepository
	Events    LifecycleEventRepository
	SweepLock SweepLock
}
