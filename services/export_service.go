package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"grantdocs/logger"
	"grantdocs/metrics"
	"grantdocs/models"
	"grantdocs/repositories"
	"grantdocs/storage"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"gorm.io/gorm"
)

// stagingPrefix names every archive staged on disk so the janitor can find leftovers.
const stagingPrefix = "grantdocs-export-"

type ExportEntry struct {
	FileID       uint      `json:"file_id"`
	ArchivePath  string    `json:"archive_path"`
	PhysicalPath string    `json:"-"`
	SizeBytes    int64     `json:"size_bytes"`
	Modified     time.Time `json:"modified"`
}

type ExportSkip struct {
	FileID      uint   `json:"file_id"`
	ArchivePath string `json:"archive_path"`
	Reason      string `json:"reason"`
}

// ExportPlan is a point-in-time listing of the live files below a folder.
type ExportPlan struct {
	FolderID uint          `json:"folder_id"`
	Name     string        `json:"name"`
	Root     string        `json:"root"`
	Entries  []ExportEntry `json:"entries"`
	Skipped  []ExportSkip  `json:"skipped,omitempty"`
}

type ExportReport struct {
	Included int          `json:"included"`
	Bytes    int64        `json:"bytes"`
	Skipped  []ExportSkip `json:"skipped,omitempty"`
}

// StagedArchive is a finished archive on the staging filesystem. Close removes it.
type StagedArchive struct {
	Size   int64
	Report ExportReport

	file billy.File
	fs   billy.Filesystem
}

func (a *StagedArchive) Read(p []byte) (int, error) {
	return a.file.Read(p)
}

func (a *StagedArchive) Close() error {
	err := a.file.Close()
	if rmErr := a.fs.Remove(a.file.Name()); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

type ExportService interface {
	Plan(ctx context.Context, folderID uint) (*ExportPlan, error)
	// Write streams the planned files into a zip archive on w.
	Write(ctx context.Context, plan *ExportPlan, w io.Writer) (ExportReport, error)
	// Stage writes the archive to the staging filesystem first.
	Stage(ctx context.Context, plan *ExportPlan) (*StagedArchive, error)
}

type ExportOptions struct {
	// CompressionLevel follows compress/flate; zero keeps the zip writer's default.
	CompressionLevel int
	Staging          billy.Filesystem
	MaxDepth         int
}

type exportService struct {
	txManager TxManager
	folders   repositories.FolderRepository
	files     repositories.FileRepository
	backend   storage.Backend
	resolver  pathResolver
	opts      ExportOptions
}

func NewExportService(
	txManager TxManager,
	folders repositories.FolderRepository,
	files repositories.FileRepository,
	backend storage.Backend,
	opts ExportOptions,
) ExportService {
	return &exportService{
		txManager: txManager,
		folders:   folders,
		files:     files,
		backend:   backend,
		resolver:  newPathResolver(folders, files, opts.MaxDepth),
		opts:      opts,
	}
}

func (s *exportService) Plan(ctx context.Context, folderID uint) (*ExportPlan, error) {
	var plan *ExportPlan
	err := s.txManager.WithSnapshot(ctx, func(tx *gorm.DB) error {
		folder, err := s.folders.GetByID(ctx, tx, folderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundError(models.KindFolder, folderID)
			}
			return err
		}
		if folder.IsDeleted {
			return notFoundError(models.KindFolder, folderID)
		}

		anc, err := s.resolver.ancestry(ctx, tx, folder.ID, nil)
		if err != nil {
			return err
		}
		subtree, err := collectSubtree(ctx, tx, s.folders, folder, true, s.resolver.maxDepth)
		if err != nil {
			return err
		}

		logical := map[uint]string{folder.ID: anc.LogicalPath()}
		physical := map[uint]string{folder.ID: anc.PhysicalPath()}
		for _, f := range subtree[1:] {
			logical[f.ID] = logical[*f.ParentID] + "/" + f.Name
			physical[f.ID] = joinPhysical(physical[*f.ParentID], f.PhysicalSegment)
		}

		files, err := s.files.ListByFolderIDs(ctx, tx, folderIDs(subtree), true)
		if err != nil {
			return err
		}

		plan = &ExportPlan{
			FolderID: folder.ID,
			Name:     folder.Name,
			Root:     logical[folder.ID],
			Entries:  make([]ExportEntry, 0, len(files)),
		}
		for _, f := range files {
			archivePath := logical[f.FolderID] + "/" + f.Name
			if !f.Online() {
				plan.Skipped = append(plan.Skipped, ExportSkip{FileID: f.ID, ArchivePath: archivePath, Reason: "file is offline"})
				continue
			}
			plan.Entries = append(plan.Entries, ExportEntry{
				FileID:       f.ID,
				ArchivePath:  archivePath,
				PhysicalPath: joinPhysical(physical[f.FolderID], f.StorageRelativePath),
				SizeBytes:    f.SizeBytes,
				Modified:     f.UpdatedAt,
			})
		}
		sort.Slice(plan.Entries, func(i, j int) bool { return plan.Entries[i].ArchivePath < plan.Entries[j].ArchivePath })
		return nil
	})
	if err != nil {
		return nil, asAppError(err, "failed to plan export")
	}
	return plan, nil
}

func (s *exportService) Write(ctx context.Context, plan *ExportPlan, w io.Writer) (ExportReport, error) {
	report, err := s.write(ctx, plan, w)
	switch {
	case err == nil:
		metrics.ExportsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		metrics.ExportsTotal.WithLabelValues("canceled").Inc()
		logger.L().Info().Uint("folder_id", plan.FolderID).Int("included", report.Included).Msg("export canceled")
	default:
		metrics.ExportsTotal.WithLabelValues("error").Inc()
	}
	return report, err
}

func (s *exportService) write(ctx context.Context, plan *ExportPlan, w io.Writer) (ExportReport, error) {
	report := ExportReport{Skipped: append([]ExportSkip(nil), plan.Skipped...)}
	if len(plan.Skipped) > 0 {
		metrics.ExportFilesTotal.WithLabelValues("skipped").Add(float64(len(plan.Skipped)))
	}

	zw := zip.NewWriter(w)
	if level := s.opts.CompressionLevel; level != 0 {
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
	}

	for _, entry := range plan.Entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		// open before creating the header so a missing file leaves no trace in the archive
		rc, err := s.backend.OpenRead(entry.PhysicalPath)
		if err != nil {
			logger.L().Warn().Err(err).Uint("file_id", entry.FileID).Str("path", entry.PhysicalPath).Msg("export skipped file")
			metrics.ExportFilesTotal.WithLabelValues("skipped").Inc()
			report.Skipped = append(report.Skipped, ExportSkip{FileID: entry.FileID, ArchivePath: entry.ArchivePath, Reason: err.Error()})
			continue
		}
		n, err := copyEntry(ctx, zw, entry, rc)
		rc.Close()
		if err != nil {
			return report, err
		}
		report.Included++
		report.Bytes += n
		metrics.ExportFilesTotal.WithLabelValues("included").Inc()
		metrics.ExportBytesTotal.Add(float64(n))
	}

	if err := zw.Close(); err != nil {
		return report, physicalIOError("failed to finish archive", err)
	}
	logger.L().Info().
		Uint("folder_id", plan.FolderID).
		Int("included", report.Included).
		Int("skipped", len(report.Skipped)).
		Int64("bytes", report.Bytes).
		Msg("folder exported")
	return report, nil
}

func copyEntry(ctx context.Context, zw *zip.Writer, entry ExportEntry, r io.Reader) (int64, error) {
	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     entry.ArchivePath,
		Method:   zip.Deflate,
		Modified: entry.Modified,
	})
	if err != nil {
		return 0, physicalIOError(fmt.Sprintf("failed to add %s to archive", entry.ArchivePath), err)
	}
	n, err := io.Copy(fw, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		return n, physicalIOError(fmt.Sprintf("failed to read %s", entry.ArchivePath), err)
	}
	return n, nil
}

func (s *exportService) Stage(ctx context.Context, plan *ExportPlan) (*StagedArchive, error) {
	if s.opts.Staging == nil {
		return nil, newAppError(http.StatusInternalServerError, "export staging area is not configured", nil)
	}
	f, err := util.TempFile(s.opts.Staging, ".", stagingPrefix)
	if err != nil {
		return nil, physicalIOError("failed to create staging file", err)
	}
	discard := func() {
		_ = f.Close()
		if err := s.opts.Staging.Remove(f.Name()); err != nil {
			logger.L().Warn().Err(err).Str("file", f.Name()).Msg("failed to remove export staging file")
		}
	}

	report, err := s.Write(ctx, plan, f)
	if err != nil {
		discard()
		return nil, err
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		discard()
		return nil, physicalIOError("failed to rewind staged archive", err)
	}
	return &StagedArchive{Size: size, Report: report, file: f, fs: s.opts.Staging}, nil
}

// ctxReader stops a copy as soon as its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// ArchiveName is the download name for a folder export.
func ArchiveName(plan *ExportPlan) string {
	return sanitizeSegment(plan.Name) + ".zip"
}
