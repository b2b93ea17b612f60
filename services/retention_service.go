package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"grantdocs/logger"
	"grantdocs/metrics"
	"grantdocs/models"
	"grantdocs/repositories"

	"github.com/go-git/go-billy/v5"
	"gorm.io/gorm"
)

const (
	defaultSweepBatchSize = 500
	// sweepActorID marks transitions performed by the scheduler rather than a user.
	sweepActorID uint = 0
)

// ErrSweepInProgress is returned by RunOnce when another sweep holds the local or shared lock.
var ErrSweepInProgress = errors.New("retention sweep already in progress")

type SweepReport struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Folders        int           `json:"folders"`
	Files          int           `json:"files"`
	Failures       int           `json:"failures"`
	StagingRemoved int           `json:"staging_removed"`
}

type RetentionService interface {
	// RunOnce purges every node whose purge deadline is at or before now.
	RunOnce(ctx context.Context, now time.Time) (SweepReport, error)
	Start(ctx context.Context)
	Stop()
}

type RetentionOptions struct {
	Interval      time.Duration
	BatchSize     int
	LockKey       string
	LockTTL       time.Duration
	Staging       billy.Filesystem
	StagingMaxAge time.Duration
	Now           func() time.Time
}

type retentionService struct {
	txManager TxManager
	folders   repositories.FolderRepository
	files     repositories.FileRepository
	lifecycle LifecycleService
	lock      repositories.SweepLock
	opts      RetentionOptions

	running sync.Mutex

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRetentionService(
	txManager TxManager,
	folders repositories.FolderRepository,
	files repositories.FileRepository,
	lifecycle LifecycleService,
	lock repositories.SweepLock,
	opts RetentionOptions,
) RetentionService {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &retentionService{
		txManager: txManager,
		folders:   folders,
		files:     files,
		lifecycle: lifecycle,
		lock:      lock,
		opts:      opts,
	}
}

// Start launches the sweep loop. Calling Start twice without Stop is a no-op.
func (s *retentionService) Start(ctx context.Context) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	logger.L().Info().Dur("interval", s.opts.Interval).Msg("retention sweeper started")
}

// Stop cancels an in-flight sweep and waits for the loop to exit.
func (s *retentionService) Stop() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.L().Info().Msg("retention sweeper stopped")
}

func (s *retentionService) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, s.opts.Now()); err != nil && !errors.Is(err, ErrSweepInProgress) {
				logger.L().Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

func (s *retentionService) RunOnce(ctx context.Context, now time.Time) (SweepReport, error) {
	if !s.running.TryLock() {
		metrics.SweepsTotal.WithLabelValues("skipped").Inc()
		return SweepReport{}, ErrSweepInProgress
	}
	defer s.running.Unlock()

	if s.lock != nil {
		token, ok, err := s.lock.TryLock(ctx, s.opts.LockKey, s.opts.LockTTL)
		if err != nil {
			metrics.SweepsTotal.WithLabelValues("error").Inc()
			return SweepReport{}, err
		}
		if !ok {
			metrics.SweepsTotal.WithLabelValues("skipped").Inc()
			logger.L().Debug().Str("lock_key", s.opts.LockKey).Msg("another instance holds the sweep lock")
			return SweepReport{}, ErrSweepInProgress
		}
		defer func() {
			// the sweep context may already be canceled on shutdown
			if err := s.lock.Unlock(context.Background(), s.opts.LockKey, token); err != nil {
				logger.L().Warn().Err(err).Msg("failed to release sweep lock")
			}
		}()
	}

	now = now.UTC()
	report := SweepReport{StartedAt: now}
	start := time.Now()

	err := s.sweepKind(ctx, now, models.KindFolder, &report)
	if err == nil {
		err = s.sweepKind(ctx, now, models.KindFile, &report)
	}
	if s.opts.Staging != nil {
		report.StagingRemoved = s.cleanStaging(now)
	}

	report.Duration = time.Since(start)
	metrics.SweepDuration.Observe(report.Duration.Seconds())
	if err != nil {
		metrics.SweepsTotal.WithLabelValues("error").Inc()
		return report, err
	}
	metrics.SweepsTotal.WithLabelValues("ok").Inc()

	if report.Folders+report.Files+report.Failures > 0 {
		logger.L().Info().
			Int("folders", report.Folders).
			Int("files", report.Files).
			Int("failures", report.Failures).
			Dur("duration", report.Duration).
			Msg("retention sweep finished")
	}
	return report, nil
}

// sweepKind purges expired nodes of one kind, page by page. Nodes whose purge
// failed stay in the bin; the page grows by their count so they cannot starve
// the rest of the sweep.
func (s *retentionService) sweepKind(ctx context.Context, now time.Time, kind models.NodeKind, report *SweepReport) error {
	seen := map[uint]struct{}{}
	stuck := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		limit := s.opts.BatchSize + stuck
		ids, err := s.expired(ctx, now, kind, limit)
		if err != nil {
			return err
		}

		fresh := 0
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			fresh++
			if err := ctx.Err(); err != nil {
				return err
			}
			if !s.purgeOne(ctx, now, kind, id, report) {
				stuck++
			}
		}
		if fresh == 0 || len(ids) < limit {
			return nil
		}
	}
}

func (s *retentionService) expired(ctx context.Context, now time.Time, kind models.NodeKind, limit int) ([]uint, error) {
	var ids []uint
	err := s.txManager.WithSnapshot(ctx, func(tx *gorm.DB) error {
		if kind == models.KindFolder {
			folders, err := s.folders.ListExpired(ctx, tx, now, limit)
			if err != nil {
				return err
			}
			ids = folderIDs(folders)
			return nil
		}
		files, err := s.files.ListExpired(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		ids = make([]uint, len(files))
		for i, f := range files {
			ids[i] = f.ID
		}
		return nil
	})
	return ids, err
}

// purgeOne re-checks the deadline inside the purge transaction; the listing
// snapshot may be stale if the node was restored or deleted again since.
func (s *retentionService) purgeOne(ctx context.Context, now time.Time, kind models.NodeKind, id uint, report *SweepReport) bool {
	purged, err := s.lifecycle.PurgeExpired(ctx, sweepActorID, kind, id, now)
	if errors.Is(err, ErrNotInBin) || purged.NotDue {
		logger.L().Debug().Str("node_kind", string(kind)).Uint("node_id", id).Msg("node no longer due for purge")
		return true
	}
	report.Folders += purged.Folders
	report.Files += purged.Files
	if purged.Folders > 0 {
		metrics.SweepPurgedTotal.WithLabelValues(string(models.KindFolder)).Add(float64(purged.Folders))
	}
	if purged.Files > 0 {
		metrics.SweepPurgedTotal.WithLabelValues(string(models.KindFile)).Add(float64(purged.Files))
	}
	if err != nil {
		report.Failures++
		metrics.SweepFailuresTotal.Inc()
		logger.L().Warn().Err(err).
			Str("node_kind", string(kind)).Uint("node_id", id).
			Msg("expired node could not be purged, will retry next sweep")
		return false
	}
	return true
}

// cleanStaging removes export staging files older than the staging max age.
func (s *retentionService) cleanStaging(now time.Time) int {
	if s.opts.StagingMaxAge <= 0 {
		return 0
	}
	entries, err := s.opts.Staging.ReadDir(".")
	if err != nil {
		logger.L().Warn().Err(err).Msg("failed to list export staging area")
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), stagingPrefix) {
			continue
		}
		if now.Sub(entry.ModTime()) < s.opts.StagingMaxAge {
			continue
		}
		if err := s.opts.Staging.Remove(entry.Name()); err != nil {
			logger.L().Warn().Err(err).Str("file", entry.Name()).Msg("failed to remove stale export staging file")
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.L().Info().Int("removed", removed).Msg("stale export staging files removed")
	}
	return removed
}
