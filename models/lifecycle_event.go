package models

import "time"

const (
	ActionCreate     = "create"
	ActionRename     = "rename"
	ActionSoftDelete = "soft_delete"
	ActionRestore    = "restore"
	ActionPurge      = "purge"
)

// LifecycleEvent is an append-only audit row written in the same transaction as the transition.
type LifecycleEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ActorID    uint      `gorm:"not null;index" json:"actor_id"`
	Action     string    `gorm:"type:varchar(20);not null;index" json:"action"`
	NodeKind   NodeKind  `gorm:"type:varchar(10);not null" json:"node_kind"`
	NodeID     uint      `gorm:"not null;index" json:"node_id"`
	NodeName   string    `gorm:"type:varchar(255)" json:"node_name"`
	Affected   int       `gorm:"not null;default:0" json:"affected"`
	OccurredAt time.Time `gorm:"index" json:"occurred_at"`
	Metadata   string    `gorm:"type:text" json:"metadata"`
}
