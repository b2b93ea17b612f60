package repositories

import (
	"context"
	"time"

	"grantdocs/models"

	"gorm.io/gorm"
)

type GormFolderRepository struct {
	db *gorm.DB
}

func NewGormFolderRepository(db *gorm.DB) *GormFolderRepository {
	return &GormFolderRepository{db: db}
}

func (r *GormFolderRepository) GetByID(_ context.Context, tx *gorm.DB, folderID uint) (models.Folder, error) {
	var folder models.Folder
	err := useTx(r.db, tx).Where("id = ?", folderID).First(&folder).Error
	return folder, err
}

func (r *GormFolderRepository) GetByIDs(_ context.Context, tx *gorm.DB, folderIDs []uint) ([]models.Folder, error) {
	folders := make([]models.Folder, 0, len(folderIDs))
	err := forEachChunk(folderIDs, func(chunk []uint) error {
		var part []models.Folder
		if err := useTx(r.db, tx).Where("id IN ?", chunk).Find(&part).Error; err != nil {
			return err
		}
		folders = append(folders, part...)
		return nil
	})
	return folders, err
}

func (r *GormFolderRepository) Create(_ context.Context, tx *gorm.DB, folder *models.Folder) error {
	return useTx(r.db, tx).Create(folder).Error
}

func (r *GormFolderRepository) CountLiveByParentAndNameKey(_ context.Context, tx *gorm.DB, parentID *uint, nameKey string, excludeID uint) (int64, error) {
	db := whereParent(useTx(r.db, tx).Model(&models.Folder{}), "parent_id", parentID).
		Where("name_key = ? AND is_deleted = ?", nameKey, false)
	if excludeID > 0 {
		db = db.Where("id <> ?", excludeID)
	}
	var count int64
	err := db.Count(&count).Error
	return count, err
}

func (r *GormFolderRepository) ListSegmentsByParent(_ context.Context, tx *gorm.DB, parentID *uint) ([]string, error) {
	var segments []string
	err := whereParent(useTx(r.db, tx).Model(&models.Folder{}), "parent_id", parentID).
		Pluck("physical_segment", &segments).Error
	return segments, err
}

func (r *GormFolderRepository) ListChildren(_ context.Context, tx *gorm.DB, parentIDs []uint, liveOnly bool) ([]models.Folder, error) {
	var folders []models.Folder
	err := forEachChunk(parentIDs, func(chunk []uint) error {
		db := useTx(r.db, tx).Where("parent_id IN ?", chunk)
		if liveOnly {
			db = db.Where("is_deleted = ?", false)
		}
		var part []models.Folder
		if err := db.Order("name ASC").Find(&part).Error; err != nil {
			return err
		}
		folders = append(folders, part...)
		return nil
	})
	return folders, err
}

func (r *GormFolderRepository) UpdateByID(_ context.Context, tx *gorm.DB, folderID uint, updates map[string]interface{}) error {
	return useTx(r.db, tx).Model(&models.Folder{}).Where("id = ?", folderID).Updates(updates).Error
}

func (r *GormFolderRepository) UpdateByIDs(_ context.Context, tx *gorm.DB, folderIDs []uint, updates map[string]interface{}) error {
	return forEachChunk(folderIDs, func(chunk []uint) error {
		return useTx(r.db, tx).Model(&models.Folder{}).Where("id IN ?", chunk).Updates(updates).Error
	})
}

func (r *GormFolderRepository) DeleteByIDs(_ context.Context, tx *gorm.DB, folderIDs []uint) error {
	return forEachChunk(folderIDs, func(chunk []uint) error {
		return useTx(r.db, tx).Where("id IN ?", chunk).Delete(&models.Folder{}).Error
	})
}

// ListBinRoots returns deleted folders whose parent is the root or still live.
func (r *GormFolderRepository) ListBinRoots(_ context.Context, tx *gorm.DB, q BinQuery) ([]models.Folder, error) {
	db := useTx(r.db, tx).Table("folders AS f").Select("f.*").
		Joins("LEFT JOIN folders AS p ON p.id = f.parent_id").
		Where("f.is_deleted = ?", true).
		Where("(f.parent_id IS NULL OR p.is_deleted = ?)", false)
	db = applyBinQuery(db, "f", q)

	var folders []models.Folder
	err := db.Order("f.deleted_at DESC").Find(&folders).Error
	return folders, err
}

func (r *GormFolderRepository) ListExpired(_ context.Context, tx *gorm.DB, now time.Time, limit int) ([]models.Folder, error) {
	db := useTx(r.db, tx).Where("is_deleted = ? AND purge_after <= ?", true, now).Order("purge_after ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	var folders []models.Folder
	err := db.Find(&folders).Error
	return folders, err
}
