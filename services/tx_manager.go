package services

import (
	"context"

	"gorm.io/gorm"
)

type TxManager interface {
	WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	// WithSnapshot runs fn in a read-only transaction that sees one consistent state.
	WithSnapshot(ctx context.Context, fn func(tx *gorm.DB) error) error
}
