package models

import "time"

type Folder struct {
	ID              uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name            string `gorm:"type:varchar(255);not null" json:"name"`
	NameKey         string `gorm:"type:varchar(255);not null;index:idx_folder_parent_name" json:"-"`
	PhysicalSegment string `gorm:"type:varchar(300);not null" json:"physical_segment"`
	ParentID        *uint  `gorm:"index:idx_folder_parent_name" json:"parent_id"`
	Classification  `gorm:"embedded"`
	CreatedBy       uint `gorm:"not null;index" json:"created_by"`
	BinState        `gorm:"embedded"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (f *Folder) IsRoot() bool {
	return f.ParentID == nil
}
