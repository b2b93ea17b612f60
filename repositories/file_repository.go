package repositories

import (
	"context"
	"time"

	"grantdocs/models"

	"gorm.io/gorm"
)

type GormFileRepository struct {
	db *gorm.DB
}

func NewGormFileRepository(db *gorm.DB) *GormFileRepository {
	return &GormFileRepository{db: db}
}

func (r *GormFileRepository) GetByID(_ context.Context, tx *gorm.DB, fileID uint) (models.File, error) {
	var file models.File
	err := useTx(r.db, tx).Where("id = ?", fileID).First(&file).Error
	return file, err
}

func (r *GormFileRepository) Create(_ context.Context, tx *gorm.DB, file *models.File) error {
	return useTx(r.db, tx).Create(file).Error
}

func (r *GormFileRepository) CountLiveByFolderAndNameKey(_ context.Context, tx *gorm.DB, folderID uint, nameKey string, excludeID uint) (int64, error) {
	query := useTx(r.db, tx).Model(&models.File{}).
		Where("folder_id = ? AND name_key = ? AND is_deleted = ?", folderID, nameKey, false)
	if excludeID > 0 {
		query = query.Where("id <> ?", excludeID)
	}
	var count int64
	err := query.Count(&count).Error
	return count, err
}

func (r *GormFileRepository) CountByFolderAndStoragePath(_ context.Context, tx *gorm.DB, folderID uint, storagePath string) (int64, error) {
	var count int64
	err := useTx(r.db, tx).Model(&models.File{}).
		Where("folder_id = ? AND storage_relative_path = ?", folderID, storagePath).
		Count(&count).Error
	return count, err
}

func (r *GormFileRepository) ListByFolderIDs(_ context.Context, tx *gorm.DB, folderIDs []uint, liveOnly bool) ([]models.File, error) {
	var files []models.File
	err := forEachChunk(folderIDs, func(chunk []uint) error {
		db := useTx(r.db, tx).Where("folder_id IN ?", chunk)
		if liveOnly {
			db = db.Where("is_deleted = ?", false)
		}
		var part []models.File
		if err := db.Order("name ASC").Find(&part).Error; err != nil {
			return err
		}
		files = append(files, part...)
		return nil
	})
	return files, err
}

func (r *GormFileRepository) UpdateByID(_ context.Context, tx *gorm.DB, fileID uint, updates map[string]interface{}) error {
	return useTx(r.db, tx).Model(&models.File{}).Where("id = ?", fileID).Updates(updates).Error
}

func (r *GormFileRepository) UpdateByFolderIDs(_ context.Context, tx *gorm.DB, folderIDs []uint, updates map[string]interface{}) error {
	return forEachChunk(folderIDs, func(chunk []uint) error {
		return useTx(r.db, tx).Model(&models.File{}).Where("folder_id IN ?", chunk).Updates(updates).Error
	})
}

func (r *GormFileRepository) DeleteByIDs(_ context.Context, tx *gorm.DB, fileIDs []uint) error {
	return forEachChunk(fileIDs, func(chunk []uint) error {
		return useTx(r.db, tx).Where("id IN ?", chunk).Delete(&models.File{}).Error
	})
}

// ListBinRoots returns deleted files whose owning folder is still live.
func (r *GormFileRepository) ListBinRoots(_ context.Context, tx *gorm.DB, q BinQuery) ([]models.File, error) {
	db := useTx(r.db, tx).Table("files AS f").Select("f.*").
		Joins("JOIN folders AS p ON p.id = f.folder_id").
		Where("f.is_deleted = ? AND p.is_deleted = ?", true, false)
	db = applyBinQuery(db, "f", q)

	var files []models.File
	err := db.Order("f.deleted_at DESC").Find(&files).Error
	return files, err
}

func (r *GormFileRepository) ListExpired(_ context.Context, tx *gorm.DB, now time.Time, limit int) ([]models.File, error) {
	db := useTx(r.db, tx).Where("is_deleted = ? AND purge_after <= ?", true, now).Order("purge_after ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	var files []models.File
	err := db.Find(&files).Error
	return files, err
}
