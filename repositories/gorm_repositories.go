package repositories

import (
	"context"
	"database/sql"
	"errors"
	"math/rand/v2"
	"time"

	"grantdocs/logger"
	"grantdocs/metrics"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	defaultTxAttempts = 3
	idChunkSize       = 500
)

type GormTxManager struct {
	db          *gorm.DB
	maxAttempts int
}

func NewGormTxManager(db *gorm.DB, maxAttempts int) *GormTxManager {
	if maxAttempts <= 0 {
		maxAttempts = defaultTxAttempts
	}
	return &GormTxManager{db: db, maxAttempts: maxAttempts}
}

func (m *GormTxManager) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err = m.db.WithContext(ctx).Transaction(fn, opts)
		if err == nil || !IsWriteConflict(err) {
			return err
		}
		if attempt == m.maxAttempts {
			break
		}
		metrics.TxRetriesTotal.Inc()
		logger.L().Warn().Err(err).Int("attempt", attempt).Msg("write conflict, retrying transaction")

		backoff := time.Duration(attempt*25+rand.IntN(25)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

func (m *GormTxManager) WithSnapshot(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return m.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
}

// IsWriteConflict reports serialization failures and deadlocks from either driver.
func IsWriteConflict(err error) bool {
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

type GormRepositories struct {
	db          *gorm.DB
	redis       *redis.Client
	maxAttempts int
}

func NewGormRepositories(db *gorm.DB, redisClient *redis.Client, maxTxAttempts int) *GormRepositories {
	return &GormRepositories{db: db, redis: redisClient, maxAttempts: maxTxAttempts}
}

func (r *GormRepositories) BuildContainer() Container {
	c := Container{
		TxManager: NewGormTxManager(r.db, r.maxAttempts),
		Folders:   NewGormFolderRepository(r.db),
		Files:     NewGormFileRepository(r.db),
		Events:    NewGormLifecycleEventRepository(r.db),
	}
	if r.redis != nil {
		c.SweepLock = NewRedisSweepLock(r.redis)
	}
	return c
}

func useTx(db *gorm.DB, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return db
}

func whereParent(db *gorm.DB, column string, parentID *uint) *gorm.DB {
	if parentID == nil {
		return db.Where(column + " IS NULL")
	}
	return db.Where(column+" = ?", *parentID)
}

func applyBinQuery(db *gorm.DB, alias string, q BinQuery) *gorm.DB {
	if q.FiscalPeriodID != nil {
		db = db.Where(alias+".fiscal_period_id = ?", *q.FiscalPeriodID)
	}
	if q.SourceID != nil {
		db = db.Where(alias+".source_id = ?", *q.SourceID)
	}
	if q.GrantTypeID != nil {
		db = db.Where(alias+".grant_type_id = ?", *q.GrantTypeID)
	}
	if q.DeletedFrom != nil {
		db = db.Where(alias+".deleted_at >= ?", *q.DeletedFrom)
	}
	if q.DeletedBefore != nil {
		db = db.Where(alias+".deleted_at < ?", *q.DeletedBefore)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	return db
}

// forEachChunk keeps IN lists under driver placeholder limits.
func forEachChunk(ids []uint, fn func(chunk []uint) error) error {
	for start := 0; start < len(ids); start += idChunkSize {
		end := min(start+idChunkSize, len(ids))
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}
