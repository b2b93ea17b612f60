package models

import "time"

type NodeKind string

const (
	KindFolder NodeKind = "folder"
	KindFile   NodeKind = "file"
)

func (k NodeKind) Valid() bool {
	return k == KindFolder || k == KindFile
}

// Classification is inherited from the parent at creation time and not enforced afterward.
type Classification struct {
	FiscalPeriodID *uint `gorm:"index" json:"fiscal_period_id"`
	SourceID       *uint `gorm:"index" json:"source_id"`
	GrantTypeID    *uint `gorm:"index" json:"grant_type_id"`
}

// InheritFrom fills nil fields from parent.
func (c Classification) InheritFrom(parent Classification) Classification {
	if c.FiscalPeriodID == nil {
		c.FiscalPeriodID = parent.FiscalPeriodID
	}
	if c.SourceID == nil {
		c.SourceID = parent.SourceID
	}
	if c.GrantTypeID == nil {
		c.GrantTypeID = parent.GrantTypeID
	}
	return c
}

// BinState is the soft-delete triad. IsDeleted true implies both timestamps are set.
type BinState struct {
	IsDeleted  bool       `gorm:"not null;default:false;index" json:"is_deleted"`
	DeletedAt  *time.Time `gorm:"index" json:"deleted_at"`
	PurgeAfter *time.Time `gorm:"index" json:"purge_after"`
}

func (b BinState) Consistent() bool {
	if b.IsDeleted {
		return b.DeletedAt != nil && b.PurgeAfter != nil && b.PurgeAfter.After(*b.DeletedAt)
	}
	return b.DeletedAt == nil && b.PurgeAfter == nil
}

// Node is either a folder or a file, tagged by Kind.
type Node struct {
	Kind   NodeKind `json:"kind"`
	Folder *Folder  `json:"folder,omitempty"`
	File   *File    `json:"file,omitempty"`
}

type NodeRef struct {
	Kind NodeKind `json:"kind"`
	ID   uint     `json:"id"`
}
