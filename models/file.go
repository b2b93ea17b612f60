package models

import "time"

const (
	FileStatusOnline  = "online"
	FileStatusOffline = "offline"
)

type File struct {
	ID      uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name    string `gorm:"type:varchar(255);not null" json:"name"`
	NameKey string `gorm:"type:varchar(255);not null;index:idx_file_folder_name" json:"-"`
	// StorageRelativePath is relative to the owning folder's physical path.
	StorageRelativePath string `gorm:"type:varchar(1000);not null" json:"storage_relative_path"`
	MimeType            string `gorm:"type:varchar(100)" json:"mime_type"`
	SizeBytes           int64  `gorm:"not null" json:"size_bytes"`
	ContentHash         string `gorm:"type:varchar(64);index" json:"content_hash"`
	FolderID            uint   `gorm:"not null;index:idx_file_folder_name" json:"folder_id"`
	Classification      `gorm:"embedded"`
	CreatedBy           uint `gorm:"not null;index" json:"created_by"`
	BinState            `gorm:"embedded"`
	Status              string    `gorm:"type:varchar(10);not null;default:online" json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (f *File) Online() bool {
	return f.Status == "" || f.Status == FileStatusOnline
}
