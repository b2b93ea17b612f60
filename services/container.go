package services

import (
	"grantdocs/config"
	"grantdocs/repositories"
	"grantdocs/storage"

	"github.com/go-git/go-billy/v5"
)

type Container struct {
	Paths     PathResolver
	Lifecycle LifecycleService
	Bin       BinService
	Export    ExportService
	Retention RetentionService
}

// NewContainer wires every service over one set of repositories. staging may be
// nil, in which case staged exports and the staging janitor are disabled.
func NewContainer(repos repositories.Container, backend storage.Backend, staging billy.Filesystem, cfg *config.Config) *Container {
	if cfg == nil {
		cfg = config.Default()
	}
	maxDepth := cfg.Tree.MaxDepth

	lifecycle := NewLifecycleService(repos.TxManager, repos.Folders, repos.Files, repos.Events, backend, LifecycleOptions{
		RetentionWindow: cfg.Retention.RetentionWindow(),
		MaxDepth:        maxDepth,
	})
	return &Container{
		Paths:     NewPathResolver(repos.Folders, repos.Files, maxDepth),
		Lifecycle: lifecycle,
		Bin:       NewBinService(repos.TxManager, repos.Folders, repos.Files, lifecycle, maxDepth, nil),
		Export: NewExportService(repos.TxManager, repos.Folders, repos.Files, backend, ExportOptions{
			CompressionLevel: cfg.Export.CompressionLevel,
			Staging:          staging,
			MaxDepth:         maxDepth,
		}),
		Retention: NewRetentionService(repos.TxManager, repos.Folders, repos.Files, lifecycle, repos.SweepLock, RetentionOptions{
			Interval:      cfg.Retention.Interval(),
			BatchSize:     cfg.Retention.SweepBatchSize,
			LockKey:       cfg.Retention.LockKey,
			LockTTL:       cfg.Retention.LockDuration(),
			Staging:       staging,
			StagingMaxAge: cfg.Storage.StagingMaxAge(),
		}),
	}
}
