package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grantdocs/logger"
	"grantdocs/models"
	"grantdocs/repositories"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gorm.io/gorm"
)

const (
	DeletedToday      = "today"
	DeletedYesterday  = "yesterday"
	DeletedLast7Days  = "last_7_days"
	DeletedLast30Days = "last_30_days"

	maxBinLimit = 1000
)

type BinFilter struct {
	FiscalPeriodID *uint  `form:"fiscal_period_id" json:"fiscal_period_id"`
	SourceID       *uint  `form:"source_id" json:"source_id"`
	GrantTypeID    *uint  `form:"grant_type_id" json:"grant_type_id"`
	DeletedWithin  string `form:"deleted_within" json:"deleted_within"`
	Limit          int    `form:"limit" json:"limit"`
}

func (f BinFilter) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.DeletedWithin, validation.In(DeletedToday, DeletedYesterday, DeletedLast7Days, DeletedLast30Days)),
		validation.Field(&f.Limit, validation.Min(0), validation.Max(maxBinLimit)),
	)
}

type BinEntry struct {
	Kind models.NodeKind `json:"kind"`
	ID   uint            `json:"id"`
	Name string          `json:"name"`
	// OriginalLocation is the logical path of the parent; empty for root folders.
	OriginalLocation string                `json:"original_location"`
	Classification   models.Classification `json:"classification"`
	SizeBytes        int64                 `json:"size_bytes,omitempty"`
	DeletedAt        time.Time             `json:"deleted_at"`
	PurgeAfter       time.Time             `json:"purge_after"`
	RemainingSeconds int64                 `json:"remaining_seconds"`
}

type BinListing struct {
	Folders []BinEntry `json:"folders"`
	Files   []BinEntry `json:"files"`
}

type BatchItemResult struct {
	Kind   models.NodeKind `json:"kind"`
	ID     uint            `json:"id"`
	OK     bool            `json:"ok"`
	Code   int             `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Report interface{}     `json:"report,omitempty"`
}

// BatchResult is successful only when every item transitioned.
type BatchResult struct {
	Succeeded bool              `json:"succeeded"`
	Items     []BatchItemResult `json:"items"`
}

type BinService interface {
	ListBin(ctx context.Context, filter BinFilter) (BinListing, error)
	SoftDeleteItems(ctx context.Context, actorID uint, items []models.NodeRef) BatchResult
	RestoreItems(ctx context.Context, actorID uint, items []models.NodeRef, opts RestoreOptions) BatchResult
	PurgeItems(ctx context.Context, actorID uint, items []models.NodeRef) BatchResult
	EmptyBin(ctx context.Context, actorID uint, filter BinFilter) (BatchResult, error)
}

type binService struct {
	txManager TxManager
	folders   repositories.FolderRepository
	files     repositories.FileRepository
	lifecycle LifecycleService
	resolver  pathResolver
	now       func() time.Time
}

func NewBinService(
	txManager TxManager,
	folders repositories.FolderRepository,
	files repositories.FileRepository,
	lifecycle LifecycleService,
	maxDepth int,
	now func() time.Time,
) BinService {
	if now == nil {
		now = time.Now
	}
	return &binService{
		txManager: txManager,
		folders:   folders,
		files:     files,
		lifecycle: lifecycle,
		resolver:  newPathResolver(folders, files, maxDepth),
		now:       now,
	}
}

func (s *binService) ListBin(ctx context.Context, filter BinFilter) (BinListing, error) {
	if err := filter.Validate(); err != nil {
		return BinListing{}, newKindError(ErrInvalidInput, fmt.Sprintf("invalid bin filter: %v", err), nil)
	}
	now := s.now().UTC()
	q := s.query(filter, now)

	listing := BinListing{Folders: []BinEntry{}, Files: []BinEntry{}}
	err := s.txManager.WithSnapshot(ctx, func(tx *gorm.DB) error {
		folders, err := s.folders.ListBinRoots(ctx, tx, q)
		if err != nil {
			return err
		}
		files, err := s.files.ListBinRoots(ctx, tx, q)
		if err != nil {
			return err
		}

		cache := map[uint]models.Folder{}
		for _, f := range folders {
			entry := newBinEntry(models.KindFolder, f.ID, f.Name, f.Classification, f.BinState, now)
			if f.ParentID != nil {
				entry.OriginalLocation = s.location(ctx, tx, *f.ParentID, cache)
			}
			listing.Folders = append(listing.Folders, entry)
		}
		for _, f := range files {
			entry := newBinEntry(models.KindFile, f.ID, f.Name, f.Classification, f.BinState, now)
			entry.SizeBytes = f.SizeBytes
			entry.OriginalLocation = s.location(ctx, tx, f.FolderID, cache)
			listing.Files = append(listing.Files, entry)
		}
		return nil
	})
	if err != nil {
		return BinListing{}, asAppError(err, "failed to list bin")
	}
	return listing, nil
}

func (s *binService) location(ctx context.Context, tx *gorm.DB, folderID uint, cache map[uint]models.Folder) string {
	anc, err := s.resolver.ancestry(ctx, tx, folderID, cache)
	if err != nil {
		logger.L().Warn().Err(err).Uint("folder_id", folderID).Msg("bin entry location unresolved")
		return ""
	}
	return anc.LogicalPath()
}

func (s *binService) query(filter BinFilter, now time.Time) repositories.BinQuery {
	q := repositories.BinQuery{
		FiscalPeriodID: filter.FiscalPeriodID,
		SourceID:       filter.SourceID,
		GrantTypeID:    filter.GrantTypeID,
		Limit:          filter.Limit,
	}
	q.DeletedFrom, q.DeletedBefore = deletedRange(filter.DeletedWithin, now)
	return q
}

// deletedRange maps a bucket name to a half-open [from, before) range in UTC.
func deletedRange(bucket string, now time.Time) (*time.Time, *time.Time) {
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var from, before time.Time
	switch bucket {
	case DeletedToday:
		from = startOfDay
	case DeletedYesterday:
		from, before = startOfDay.AddDate(0, 0, -1), startOfDay
		return &from, &before
	case DeletedLast7Days:
		from = now.AddDate(0, 0, -7)
	case DeletedLast30Days:
		from = now.AddDate(0, 0, -30)
	default:
		return nil, nil
	}
	return &from, nil
}

func newBinEntry(kind models.NodeKind, id uint, name string, c models.Classification, state models.BinState, now time.Time) BinEntry {
	entry := BinEntry{Kind: kind, ID: id, Name: name, Classification: c}
	if state.DeletedAt != nil {
		entry.DeletedAt = *state.DeletedAt
	}
	if state.PurgeAfter != nil {
		entry.PurgeAfter = *state.PurgeAfter
		if remaining := state.PurgeAfter.Sub(now); remaining > 0 {
			entry.RemainingSeconds = int64(remaining / time.Second)
		}
	}
	return entry
}

func (s *binService) SoftDeleteItems(ctx context.Context, actorID uint, items []models.NodeRef) BatchResult {
	return runBatch(items, func(item models.NodeRef) (interface{}, error) {
		return s.lifecycle.SoftDelete(ctx, actorID, item.Kind, item.ID)
	})
}

func (s *binService) RestoreItems(ctx context.Context, actorID uint, items []models.NodeRef, opts RestoreOptions) BatchResult {
	return runBatch(items, func(item models.NodeRef) (interface{}, error) {
		return s.lifecycle.Restore(ctx, actorID, item.Kind, item.ID, opts)
	})
}

func (s *binService) PurgeItems(ctx context.Context, actorID uint, items []models.NodeRef) BatchResult {
	return runBatch(items, func(item models.NodeRef) (interface{}, error) {
		return s.lifecycle.PurgeForever(ctx, actorID, item.Kind, item.ID)
	})
}

// EmptyBin purges every top-level bin entry matching filter, one transaction per entry.
func (s *binService) EmptyBin(ctx context.Context, actorID uint, filter BinFilter) (BatchResult, error) {
	if err := filter.Validate(); err != nil {
		return BatchResult{}, newKindError(ErrInvalidInput, fmt.Sprintf("invalid bin filter: %v", err), nil)
	}
	q := s.query(filter, s.now().UTC())

	var items []models.NodeRef
	err := s.txManager.WithSnapshot(ctx, func(tx *gorm.DB) error {
		folders, err := s.folders.ListBinRoots(ctx, tx, q)
		if err != nil {
			return err
		}
		files, err := s.files.ListBinRoots(ctx, tx, q)
		if err != nil {
			return err
		}
		items = make([]models.NodeRef, 0, len(folders)+len(files))
		for _, f := range folders {
			items = append(items, models.NodeRef{Kind: models.KindFolder, ID: f.ID})
		}
		for _, f := range files {
			items = append(items, models.NodeRef{Kind: models.KindFile, ID: f.ID})
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, asAppError(err, "failed to list bin")
	}

	result := s.PurgeItems(ctx, actorID, items)
	logger.L().Info().Int("items", len(items)).Bool("succeeded", result.Succeeded).Msg("bin emptied")
	return result, nil
}

func runBatch(items []models.NodeRef, apply func(item models.NodeRef) (interface{}, error)) BatchResult {
	result := BatchResult{Succeeded: true, Items: make([]BatchItemResult, 0, len(items))}
	for _, item := range items {
		entry := BatchItemResult{Kind: item.Kind, ID: item.ID}
		report, err := apply(item)
		if err != nil {
			entry.Error = err.Error()
			entry.Code = 500
			var appErr *AppError
			if errors.As(err, &appErr) {
				entry.Code = appErr.HTTPCode
				entry.Error = appErr.Message
				entry.Report = appErr.Data
			}
			result.Succeeded = false
		} else {
			entry.OK = true
			entry.Report = report
		}
		result.Items = append(result.Items, entry)
	}
	return result
}
