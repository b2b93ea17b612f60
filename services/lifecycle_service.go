package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"grantdocs/logger"
	"grantdocs/metrics"
	"grantdocs/models"
	"grantdocs/repositories"
	"grantdocs/storage"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"
)

const (
	defaultRetentionWindow = 30 * 24 * time.Hour
	maxSegmentAttempts     = 5
	maxRestoredNameTries   = 1000
)

type CreateFolderInput struct {
	ActorID        uint
	ParentID       *uint
	Name           string
	Classification models.Classification
}

type CreateFileInput struct {
	ActorID uint
	// FolderID is required; files never exist outside a folder.
	FolderID            uint
	Name                string
	StorageRelativePath string
	MimeType            string
	SizeBytes           int64
	ContentHash         string
	Classification      models.Classification
	// Content is written to storage when set. Without it the bytes must already exist.
	Content io.Reader
}

type RestoreOptions struct {
	// WithAncestors revives deleted ancestors instead of rejecting the restore.
	WithAncestors bool
}

type CascadeReport struct {
	Target     models.NodeRef `json:"target"`
	Folders    int            `json:"folders"`
	Files      int            `json:"files"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
	PurgeAfter *time.Time     `json:"purge_after,omitempty"`
}

type RenamedNode struct {
	Kind models.NodeKind `json:"kind"`
	ID   uint            `json:"id"`
	From string          `json:"from"`
	To   string          `json:"to"`
}

type RestoreReport struct {
	CascadeReport
	RestoredAncestors []uint        `json:"restored_ancestors,omitempty"`
	Renamed           []RenamedNode `json:"renamed,omitempty"`
}

type PurgeFailure struct {
	Kind  models.NodeKind `json:"kind"`
	ID    uint            `json:"id"`
	Path  string          `json:"path"`
	Error string          `json:"error"`
}

type PurgeReport struct {
	Target        models.NodeRef `json:"target"`
	AlreadyPurged bool           `json:"already_purged"`
	// NotDue is set when an expiry purge found the target's deadline moved past now.
	NotDue  bool `json:"not_due,omitempty"`
	Folders int  `json:"folders"`
	Files   int  `json:"files"`
	// RetainedFolders stay in the bin because a file below them could not be deleted.
	RetainedFolders int            `json:"retained_folders"`
	Failures        []PurgeFailure `json:"failures,omitempty"`
}

type LifecycleService interface {
	CreateFolder(ctx context.Context, in CreateFolderInput) (models.Folder, error)
	CreateFile(ctx context.Context, in CreateFileInput) (models.File, error)
	RenameNode(ctx context.Context, actorID uint, kind models.NodeKind, id uint, newName string) (models.Node, error)
	SoftDelete(ctx context.Context, actorID uint, kind models.NodeKind, id uint) (CascadeReport, error)
	Restore(ctx context.Context, actorID uint, kind models.NodeKind, id uint, opts RestoreOptions) (RestoreReport, error)
	PurgeForever(ctx context.Context, actorID uint, kind models.NodeKind, id uint) (PurgeReport, error)
	// PurgeExpired purges like PurgeForever but only when the target's purge deadline is at or before now.
	PurgeExpired(ctx context.Context, actorID uint, kind models.NodeKind, id uint, now time.Time) (PurgeReport, error)
	History(ctx context.Context, kind models.NodeKind, id uint, limit int) ([]models.LifecycleEvent, error)
}

type LifecycleOptions struct {
	RetentionWindow time.Duration
	MaxDepth        int
	Now             func() time.Time
}

type lifecycleService struct {
	txManager TxManager
	folders   repositories.FolderRepository
	files     repositories.FileRepository
	events    repositories.LifecycleEventRepository
	backend   storage.Backend
	resolver  pathResolver
	window    time.Duration
	now       func() time.Time
}

func NewLifecycleService(
	txManager TxManager,
	folders repositories.FolderRepository,
	files repositories.FileRepository,
	events repositories.LifecycleEventRepository,
	backend storage.Backend,
	opts LifecycleOptions,
) LifecycleService {
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = defaultRetentionWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &lifecycleService{
		txManager: txManager,
		folders:   folders,
		files:     files,
		events:    events,
		backend:   backend,
		resolver:  newPathResolver(folders, files, opts.MaxDepth),
		window:    opts.RetentionWindow,
		now:       opts.Now,
	}
}

func (s *lifecycleService) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

func (s *lifecycleService) CreateFolder(ctx context.Context, in CreateFolderInput) (models.Folder, error) {
	name, err := normalizeName(in.Name)
	if err != nil {
		return models.Folder{}, err
	}

	var created models.Folder
	var madeDir string
	err = s.txManager.WithTransaction(ctx, func(tx *gorm.DB) error {
		// a retried attempt must not leave the previous attempt's directory behind
		s.removePhysical(madeDir)
		madeDir = ""

		classification := in.Classification
		parentPhysical := ""
		if in.ParentID != nil {
			parent, err := s.liveParent(ctx, tx, *in.ParentID)
			if err != nil {
				return err
			}
			anc, err := s.resolver.ancestry(ctx, tx, parent.ID, nil)
			if err != nil {
				return err
			}
			parentPhysical = anc.PhysicalPath()
			classification = classification.InheritFrom(parent.Classification)
		}

		key := nameKey(name)
		count, err := s.folders.CountLiveByParentAndNameKey(ctx, tx, in.ParentID, key, 0)
		if err != nil {
			return err
		}
		if count > 0 {
			return duplicateNameError(models.KindFolder, name)
		}

		segment, err := s.allocateSegment(ctx, tx, in.ParentID, parentPhysical, name)
		if err != nil {
			return err
		}
		dir := joinPhysical(parentPhysical, segment)
		if err := s.backend.Mkdir(dir); err != nil {
			return physicalIOError("failed to create folder directory", err)
		}
		madeDir = dir

		folder := models.Folder{
			Name:            name,
			NameKey:         key,
			PhysicalSegment: segment,
			ParentID:        in.ParentID,
			Classification:  classification,
			CreatedBy:       in.ActorID,
		}
		if err := s.folders.Create(ctx, tx, &folder); err != nil {
			return err
		}
		if err := s.record(ctx, tx, in.ActorID, models.ActionCreate, models.KindFolder, folder.ID, folder.Name, 1, nil); err != nil {
			return err
		}
		created = folder
		return nil
	})
	if err != nil {
		s.removePhysical(madeDir)
		return models.Folder{}, asAppError(err, "failed to create folder")
	}

	observeTransition(models.ActionCreate, models.KindFolder, 0, 0)
	return created, nil
}

func (s *lifecycleService) CreateFile(ctx context.Context, in CreateFileInput) (models.File, error) {
	name, err := normalizeName(in.Name)
	if err != nil {
		return models.File{}, err
	}

	// Location is resolved before the transaction so content is written once;
	// physical segments never change, and liveness is re-checked below.
	folder, err := s.liveParent(ctx, nil, in.FolderID)
	if err != nil {
		return models.File{}, asAppError(err, "failed to load folder")
	}
	anc, err := s.resolver.ancestry(ctx, nil, folder.ID, nil)
	if err != nil {
		return models.File{}, asAppError(err, "failed to resolve folder path")
	}

	key := nameKey(name)
	count, err := s.files.CountLiveByFolderAndNameKey(ctx, nil, folder.ID, key, 0)
	if err != nil {
		return models.File{}, asAppError(err, "failed to check file name")
	}
	if count > 0 {
		return models.File{}, duplicateNameError(models.KindFile, name)
	}

	rel := storage.Clean(in.StorageRelativePath)
	if rel == "" {
		rel = uuid.NewString() + "_" + sanitizeSegment(name)
	}
	fullPath := joinPhysical(anc.PhysicalPath(), rel)
	if err := s.checkStoragePath(ctx, nil, folder.ID, rel); err != nil {
		return models.File{}, asAppError(err, "failed to check storage path")
	}
	isDir, err := s.backend.IsDir(fullPath)
	if err != nil {
		return models.File{}, physicalIOError("failed to check storage path", err)
	}
	if isDir {
		return models.File{}, newKindError(ErrInvalidInput, fmt.Sprintf("storage path %q is a directory", rel), nil)
	}

	size, hash := in.SizeBytes, strings.ToLower(in.ContentHash)
	written := ""
	exists, err := s.backend.Exists(fullPath)
	if err != nil {
		return models.File{}, physicalIOError("failed to check storage path", err)
	}
	if in.Content != nil {
		if exists {
			return models.File{}, newKindError(ErrInvalidInput, fmt.Sprintf("storage path %q is already in use", rel), nil)
		}
		size, hash, err = s.backend.Write(fullPath, in.Content)
		if err != nil {
			return models.File{}, physicalIOError("failed to write file content", err)
		}
		written = fullPath
		if in.ContentHash != "" && !strings.EqualFold(in.ContentHash, hash) {
			s.removePhysical(written)
			return models.File{}, newKindError(ErrInvalidInput, "content hash does not match the uploaded bytes", nil)
		}
	} else if !exists {
		return models.File{}, physicalIOError(fmt.Sprintf("no file bytes at storage path %q", rel), nil)
	}

	mimeType := in.MimeType
	if mimeType == "" {
		mimeType = detectMimeType(name)
	}

	var created models.File
	err = s.txManager.WithTransaction(ctx, func(tx *gorm.DB) error {
		owner, err := s.liveParent(ctx, tx, folder.ID)
		if err != nil {
			return err
		}
		count, err := s.files.CountLiveByFolderAndNameKey(ctx, tx, owner.ID, key, 0)
		if err != nil {
			return err
		}
		if count > 0 {
			return duplicateNameError(models.KindFile, name)
		}
		if err := s.checkStoragePath(ctx, tx, owner.ID, rel); err != nil {
			return err
		}

		file := models.File{
			Name:                name,
			NameKey:             key,
			StorageRelativePath: rel,
			MimeType:            mimeType,
			SizeBytes:           size,
			ContentHash:         hash,
			FolderID:            owner.ID,
			Classification:      in.Classification.InheritFrom(owner.Classification),
			CreatedBy:           in.ActorID,
			Status:              models.FileStatusOnline,
		}
		if err := s.files.Create(ctx, tx, &file); err != nil {
			return err
		}
		if err := s.record(ctx, tx, in.ActorID, models.ActionCreate, models.KindFile, file.ID, file.Name, 1, nil); err != nil {
			return err
		}
		created = file
		return nil
	})
	if err != nil {
		s.removePhysical(written)
		return models.File{}, asAppError(err, "failed to create file")
	}

	observeTransition(models.ActionCreate, models.KindFile, 0, 0)
	return created, nil
}

// checkStoragePath rejects a relative path that another file record already
// owns or that lands inside a subfolder's directory.
func (s *lifecycleService) checkStoragePath(ctx context.Context, tx *gorm.DB, folderID uint, rel string) error {
	owners, err := s.files.CountByFolderAndStoragePath(ctx, tx, folderID, rel)
	if err != nil {
		return err
	}
	if owners > 0 {
		return newKindError(ErrInvalidInput, fmt.Sprintf("storage path %q belongs to another file", rel), nil)
	}
	segments, err := s.folders.ListSegmentsByParent(ctx, tx, &folderID)
	if err != nil {
		return err
	}
	first, _, _ := strings.Cut(rel, "/")
	for _, seg := range segments {
		if seg == first {
			return newKindError(ErrInvalidInput, fmt.Sprintf("storage path %q points into subfolder directory %q", rel, seg), nil)
		}
	}
	return nil
}

func (s *lifecycleService) RenameNode(ctx context.Context, actorID uint, kind models.NodeKind, id uint, newName string) (models.Node, error) {
	name, err := normalizeName(newName)
	if err != nil {
		return models.Node{}, err
	}

	var node models.Node
	err = s.txManager.WithTransaction(ctx, func(tx *gorm.DB) error {
		key := nameKey(name)
		switch kind {
		case models.KindFolder:
			folder, err := s.getFolder(ctx, tx, id)
			if err != nil {
				return err
			}
			if folder.IsDeleted {
				return newKindError(ErrInvalidInput, "folder is in the bin; restore it before renaming", nil)
			}
			if folder.Name != name {
				count, err := s.folders.CountLiveByParentAndNameKey(ctx, tx, folder.ParentID, key, folder.ID)
				if err != nil {
					return err
				}
				if count > 0 {
					return duplicateNameError(kind, name)
				}
				if err := s.folders.UpdateByID(ctx, tx, folder.ID, map[string]interface{}{"name": name, "name_key": key}); err != nil {
					return err
				}
				if err := s.record(ctx, tx, actorID, models.ActionRename, kind, folder.ID, name, 1, map[string]string{"from": folder.Name, "to": name}); err != nil {
					return err
				}
				folder.Name, folder.NameKey = name, key
			}
			node = models.Node{Kind: kind, Folder: &folder}
		case models.KindFile:
			file, err := s.getFile(ctx, tx, id)
			if err != nil {
				return err
			}
			if file.IsDeleted {
				return newKindError(ErrInvalidInput, "file is in the bin; restore it before renaming", nil)
			}
			if file.Name != name {
				count, err := s.files.CountLiveByFolderAndNameKey(ctx, tx, file.FolderID, key, file.ID)
				if err != nil {
					return err
				}
				if count > 0 {
					return duplicateNameError(kind, name)
				}
				if err := s.files.UpdateByID(ctx, tx, file.ID, map[string]interface{}{"name": name, "name_key": key}); err != nil {
					return err
				}
				if err := s.record(ctx, tx, actorID, models.ActionRename, kind, file.ID, name, 1, map[string]string{"from": file.Name, "to": name}); err != nil {
					return err
				}
				file.Name, file.NameKey = name, key
			}
			node = models.Node{Kind: kind, File: &file}
		default:
			return invalidKindError(kind)
		}
		return nil
	})
	if err != nil {
		return models.Node{}, asAppError(err, "failed to rename")
	}

	observeTransition(models.ActionRename, kind, 0, 0)
	return node, nil
}

// SoftDelete stamps the target and its whole subtree with one timestamp pair.
// Already-deleted descendants are re-stamped: the latest cascading delete wins.
func (s *lifecycleService) SoftDelete(ctx context.Context, actorID uint, kind models.NodeKind, id uint) (CascadeReport, error) {
	var report CascadeReport
	err := s.txManager.WithTransaction(ctx, func(tx *gorm.DB) error {
		now := s.clock()
		purgeAfter := now.Add(s.window)
		report = CascadeReport{Target: models.NodeRef{Kind: kind, ID: id}, DeletedAt: &now, PurgeAfter: &purgeAfter}
		stamp := binStamp(now, purgeAfter)

		switch kind {
		case models.KindFile:
			file, err := s.getFile(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := s.files.UpdateByID(ctx, tx, file.ID, stamp); err != nil {
				return err
			}
			report.Files = 1
			return s.record(ctx, tx, actorID, models.ActionSoftDelete, kind, file.ID, file.Name, 1, nil)
		case models.KindFolder:
			folder, err := s.getFolder(ctx, tx, id)
			if err != nil {
				return err
			}
			subtree, err := collectSubtree(ctx, tx, s.folders, folder, false, s.resolver.maxDepth)
			if err != nil {
				return err
			}
			ids := folderIDs(subtree)
			files, err := s.files.ListByFolderIDs(ctx, tx, ids, false)
			if err != nil {
				return err
			}
			if err := s.folders.UpdateByIDs(ctx, tx, ids, stamp); err != nil {
				return err
			}
			if err := s.files.UpdateByFolderIDs(ctx, tx, ids, stamp); err != nil {
				return err
			}
			report.Folders, report.Files = len(ids), len(files)
			return s.record(ctx, tx, actorID, models.ActionSoftDelete, kind, folder.ID, folder.Name, len(ids)+len(files), nil)
		default:
			return invalidKindError(kind)
		}
	})
	if err != nil {
		return CascadeReport{}, asAppError(err, "failed to move to bin")
	}

	observeTransition(models.ActionSoftDelete, kind, report.Folders, report.Files)
	logger.L().Info().
		Str("node_kind", string(kind)).Uint("node_id", id).
		Int("folders", report.Folders).Int("files", report.Files).
		Time("purge_after", *report.PurgeAfter).
		Msg("moved to bin")
	return report, nil
}

// Restore clears the soft-delete triad on the target and its subtree. A deleted
// ancestor rejects the restore unless opts.WithAncestors is set. Restoring a
// live node is a no-op.
func (s *lifecycleService) Restore(ctx context.Context, actorID uint, kind models.NodeKind, id uint, opts RestoreOptions) (RestoreReport, error) {
	var report RestoreReport
	err := s.txManager.WithTransaction(ctx, func(tx *gorm.DB) error {
		report = RestoreReport{CascadeReport: CascadeReport{Target: models.NodeRef{Kind: kind, ID: id}}}
		switch kind {
		case models.KindFile:
			return s.restoreFile(ctx, tx, actorID, id, opts, &report)
		case models.KindFolder:
			return s.restoreFolder(ctx, tx, actorID, id, opts, &report)
		default:
			return invalidKindError(kind)
		}
	})
	if err != nil {
		return RestoreReport{}, asAppError(err, "failed to restore")
	}

	if report.Folders+report.Files > 0 {
		observeTransition(models.ActionRestore, kind, report.Folders+len(report.RestoredAncestors), report.Files)
		logger.L().Info().
			Str("node_kind", string(kind)).Uint("node_id", id).
			Int("folders", report.Folders).Int("files", report.Files).
			Int("ancestors", len(report.RestoredAncestors)).Int("renamed", len(report.Renamed)).
			Msg("restored from bin")
	}
	return report, nil
}

func (s *lifecycleService) restoreFile(ctx context.Context, tx *gorm.DB, actorID uint, id uint, opts RestoreOptions, report *RestoreReport) error {
	file, err := s.getFile(ctx, tx, id)
	if err != nil {
		return err
	}
	if !file.IsDeleted {
		return nil
	}

	anc, err := s.resolver.ancestry(ctx, tx, file.FolderID, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return integrityError(models.KindFile, file.ID, "owning folder is missing")
		}
		return err
	}
	if err := s.reviveAncestors(ctx, tx, anc, opts, report); err != nil {
		return err
	}

	name, err := s.freeName(models.KindFile, file.Name, func(key string) (int64, error) {
		return s.files.CountLiveByFolderAndNameKey(ctx, tx, file.FolderID, key, file.ID)
	})
	if err != nil {
		return err
	}
	updates := clearStamp()
	if name != file.Name {
		updates["name"], updates["name_key"] = name, nameKey(name)
		report.Renamed = append(report.Renamed, RenamedNode{Kind: models.KindFile, ID: file.ID, From: file.Name, To: name})
	}
	if err := s.files.UpdateByID(ctx, tx, file.ID, updates); err != nil {
		return err
	}
	report.Files = 1
	return s.record(ctx, tx, actorID, models.ActionRestore, models.KindFile, file.ID, name, 1, restoreMeta(report))
}

func (s *lifecycleService) restoreFolder(ctx context.Context, tx *gorm.DB, actorID uint, id uint, opts RestoreOptions, report *RestoreReport) error {
	folder, err := s.getFolder(ctx, tx, id)
	if err != nil {
		return err
	}
	if !folder.IsDeleted {
		return nil
	}

	anc, err := s.resolver.ancestry(ctx, tx, folder.ID, nil)
	if err != nil {
		return err
	}
	if err := s.reviveAncestors(ctx, tx, anc[:len(anc)-1], opts, report); err != nil {
		return err
	}

	subtree, err := collectSubtree(ctx, tx, s.folders, folder, false, s.resolver.maxDepth)
	if err != nil {
		return err
	}
	ids := folderIDs(subtree)
	files, err := s.files.ListByFolderIDs(ctx, tx, ids, false)
	if err != nil {
		return err
	}

	cleared := clearStamp()
	if err := s.folders.UpdateByIDs(ctx, tx, ids, cleared); err != nil {
		return err
	}
	if err := s.files.UpdateByFolderIDs(ctx, tx, ids, cleared); err != nil {
		return err
	}

	name, err := s.freeName(models.KindFolder, folder.Name, func(key string) (int64, error) {
		return s.folders.CountLiveByParentAndNameKey(ctx, tx, folder.ParentID, key, folder.ID)
	})
	if err != nil {
		return err
	}
	renames := dedupeRestoredNames(folder.ID, subtree, files)
	if name != folder.Name {
		renames = append([]RenamedNode{{Kind: models.KindFolder, ID: folder.ID, From: folder.Name, To: name}}, renames...)
	}
	for _, r := range renames {
		updates := map[string]interface{}{"name": r.To, "name_key": nameKey(r.To)}
		if r.Kind == models.KindFolder {
			err = s.folders.UpdateByID(ctx, tx, r.ID, updates)
		} else {
			err = s.files.UpdateByID(ctx, tx, r.ID, updates)
		}
		if err != nil {
			return err
		}
	}

	report.Renamed = append(report.Renamed, renames...)
	report.Folders, report.Files = len(ids), len(files)
	return s.record(ctx, tx, actorID, models.ActionRestore, models.KindFolder, folder.ID, name, len(ids)+len(files), restoreMeta(report))
}

// reviveAncestors handles deleted entries in chain, top-down.
func (s *lifecycleService) reviveAncestors(ctx context.Context, tx *gorm.DB, chain Ancestry, opts RestoreOptions, report *RestoreReport) error {
	var deleted []uint
	for _, e := range chain {
		if e.IsDeleted {
			deleted = append(deleted, e.ID)
		}
	}
	if len(deleted) == 0 {
		return nil
	}
	if !opts.WithAncestors {
		return newKindErrorWithData(ErrOrphanRestore, "a parent folder is still in the bin; restore it first or restore with ancestors",
			map[string]interface{}{"deleted_ancestors": deleted}, nil)
	}

	for _, folderID := range deleted {
		folder, err := s.getFolder(ctx, tx, folderID)
		if err != nil {
			return err
		}
		name, err := s.freeName(models.KindFolder, folder.Name, func(key string) (int64, error) {
			return s.folders.CountLiveByParentAndNameKey(ctx, tx, folder.ParentID, key, folder.ID)
		})
		if err != nil {
			return err
		}
		updates := clearStamp()
		if name != folder.Name {
			updates["name"], updates["name_key"] = name, nameKey(name)
			report.Renamed = append(report.Renamed, RenamedNode{Kind: models.KindFolder, ID: folder.ID, From: folder.Name, To: name})
		}
		if err := s.folders.UpdateByID(ctx, tx, folder.ID, updates); err != nil {
			return err
		}
		report.RestoredAncestors = append(report.RestoredAncestors, folder.ID)
	}
	return nil
}

// freeName returns name, or the first "(restored n)" variant that count reports as unused.
func (s *lifecycleService) freeName(kind models.NodeKind, name string, count func(key string) (int64, error)) (string, error) {
	candidate := name
	for n := 1; n <= maxRestoredNameTries; n++ {
		taken, err := count(nameKey(candidate))
		if err != nil {
			return "", err
		}
		if taken == 0 {
			return candidate, nil
		}
		candidate = restoredName(name, kind, n)
	}
	return "", newKindError(ErrDuplicateName, fmt.Sprintf("no free name for %q", name), nil)
}

// dedupeRestoredNames finds siblings inside a restored subtree that would share a
// name once live again. The lowest id keeps its name.
func dedupeRestoredNames(rootID uint, folders []models.Folder, files []models.File) []RenamedNode {
	var renames []RenamedNode

	sortedFolders := append([]models.Folder(nil), folders...)
	sort.Slice(sortedFolders, func(i, j int) bool { return sortedFolders[i].ID < sortedFolders[j].ID })
	folderKeys := map[uint]map[string]struct{}{}
	for _, f := range sortedFolders {
		if f.ID == rootID || f.ParentID == nil {
			continue
		}
		if name, renamed := claimName(folderKeys, *f.ParentID, f.Name, models.KindFolder); renamed {
			renames = append(renames, RenamedNode{Kind: models.KindFolder, ID: f.ID, From: f.Name, To: name})
		}
	}

	sortedFiles := append([]models.File(nil), files...)
	sort.Slice(sortedFiles, func(i, j int) bool { return sortedFiles[i].ID < sortedFiles[j].ID })
	fileKeys := map[uint]map[string]struct{}{}
	for _, f := range sortedFiles {
		if name, renamed := claimName(fileKeys, f.FolderID, f.Name, models.KindFile); renamed {
			renames = append(renames, RenamedNode{Kind: models.KindFile, ID: f.ID, From: f.Name, To: name})
		}
	}
	return renames
}

func claimName(keysByParent map[uint]map[string]struct{}, parentID uint, name string, kind models.NodeKind) (string, bool) {
	keys, ok := keysByParent[parentID]
	if !ok {
		keys = map[string]struct{}{}
		keysByParent[parentID] = keys
	}
	candidate := name
	for n := 1; ; n++ {
		if _, taken := keys[nameKey(candidate)]; !taken {
			break
		}
		candidate = restoredName(name, kind, n)
	}
	keys[nameKey(candidate)] = struct{}{}
	return candidate, candidate != name
}

type purgeRun struct {
	report   PurgeReport
	deadline *time.Time
	dirs     []string
	errs     *multierror.Error
}

func (r *purgeRun) due(state models.BinState) bool {
	if r.deadline == nil {
		return true
	}
	if state.PurgeAfter == nil || state.PurgeAfter.After(*r.deadline) {
		r.report.NotDue = true
		return false
	}
	return true
}

func (r *purgeRun) fail(kind models.NodeKind, id uint, p string, err error) {
	r.report.Failures = append(r.report.Failures, PurgeFailure{Kind: kind, ID: id, Path: p, Error: err.Error()})
	r.errs = multierror.Append(r.errs, fmt.Errorf("%s %d: %w", kind, id, err))
}

// PurgeForever removes bytes first, then records. Files whose bytes cannot be
// deleted keep their records, and so do the folders above them; they stay in
// the bin for the next attempt. A missing id is a no-op.
func (s *lifecycleService) PurgeForever(ctx context.Context, actorID uint, kind models.NodeKind, id uint) (PurgeReport, error) {
	return s.purge(ctx, actorID, kind, id, nil)
}

func (s *lifecycleService) PurgeExpired(ctx context.Context, actorID uint, kind models.NodeKind, id uint, now time.Time) (PurgeReport, error) {
	return s.purge(ctx, actorID, kind, id, &now)
}

// purge re-reads the target inside the transaction; with a deadline, a target
// whose purge_after is unset or later than the deadline is left alone.
func (s *lifecycleService) purge(ctx context.Context, actorID uint, kind models.NodeKind, id uint, deadline *time.Time) (PurgeReport, error) {
	var run purgeRun
	err := s.txManager.WithTransaction(ctx, func(tx *gorm.DB) error {
		run = purgeRun{report: PurgeReport{Target: models.NodeRef{Kind: kind, ID: id}}, deadline: deadline}
		switch kind {
		case models.KindFile:
			return s.purgeFile(ctx, tx, actorID, id, &run)
		case models.KindFolder:
			return s.purgeFolder(ctx, tx, actorID, id, &run)
		default:
			return invalidKindError(kind)
		}
	})
	if err != nil {
		return PurgeReport{}, asAppError(err, "failed to purge")
	}

	for _, dir := range run.dirs {
		if err := s.backend.Delete(dir); err != nil {
			logger.L().Warn().Err(err).Str("path", dir).Msg("purged folder directory could not be removed")
		}
	}

	report := run.report
	if !report.AlreadyPurged && !report.NotDue {
		observeTransition(models.ActionPurge, kind, report.Folders, report.Files)
	}
	if ioErr := run.errs.ErrorOrNil(); ioErr != nil {
		logger.L().Warn().Err(ioErr).
			Str("node_kind", string(kind)).Uint("node_id", id).
			Int("failures", len(report.Failures)).
			Msg("purge left nodes in the bin")
		return report, newKindErrorWithData(ErrPhysicalIO, "some files could not be removed from storage and remain in the bin", report, ioErr)
	}
	return report, nil
}

func (s *lifecycleService) purgeFile(ctx context.Context, tx *gorm.DB, actorID uint, id uint, run *purgeRun) error {
	file, err := s.files.GetByID(ctx, tx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			run.report.AlreadyPurged = true
			return nil
		}
		return err
	}
	if !file.IsDeleted {
		return newKindError(ErrNotInBin, fmt.Sprintf("file %d is not in the bin", id), nil)
	}
	if !run.due(file.BinState) {
		return nil
	}

	anc, err := s.resolver.ancestry(ctx, tx, file.FolderID, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return integrityError(models.KindFile, file.ID, "owning folder is missing")
		}
		return err
	}
	p := joinPhysical(anc.PhysicalPath(), file.StorageRelativePath)
	if err := s.backend.DeleteFile(p); err != nil {
		run.fail(models.KindFile, file.ID, p, err)
		return nil
	}
	if err := s.files.DeleteByIDs(ctx, tx, []uint{file.ID}); err != nil {
		return err
	}
	run.report.Files = 1
	return s.record(ctx, tx, actorID, models.ActionPurge, models.KindFile, file.ID, file.Name, 1, nil)
}

func (s *lifecycleService) purgeFolder(ctx context.Context, tx *gorm.DB, actorID uint, id uint, run *purgeRun) error {
	folder, err := s.folders.GetByID(ctx, tx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			run.report.AlreadyPurged = true
			return nil
		}
		return err
	}
	if !folder.IsDeleted {
		return newKindError(ErrNotInBin, fmt.Sprintf("folder %d is not in the bin", id), nil)
	}
	if !run.due(folder.BinState) {
		return nil
	}

	anc, err := s.resolver.ancestry(ctx, tx, folder.ID, nil)
	if err != nil {
		return err
	}
	subtree, err := collectSubtree(ctx, tx, s.folders, folder, false, s.resolver.maxDepth)
	if err != nil {
		return err
	}
	ids := folderIDs(subtree)
	files, err := s.files.ListByFolderIDs(ctx, tx, ids, false)
	if err != nil {
		return err
	}
	for _, f := range subtree {
		if !f.IsDeleted {
			return integrityError(models.KindFolder, f.ID, "live folder under a deleted ancestor")
		}
	}
	for _, f := range files {
		if !f.IsDeleted {
			return integrityError(models.KindFile, f.ID, "live file under a deleted ancestor")
		}
	}

	// subtree is breadth first, so a parent's path is known before its children.
	physical := map[uint]string{folder.ID: anc.PhysicalPath()}
	parentOf := map[uint]uint{}
	for _, f := range subtree[1:] {
		physical[f.ID] = joinPhysical(physical[*f.ParentID], f.PhysicalSegment)
		parentOf[f.ID] = *f.ParentID
	}

	retained := map[uint]bool{}
	purgedFiles := make([]uint, 0, len(files))
	for _, file := range files {
		p := joinPhysical(physical[file.FolderID], file.StorageRelativePath)
		if err := s.backend.DeleteFile(p); err != nil {
			run.fail(models.KindFile, file.ID, p, err)
			for fid := file.FolderID; !retained[fid]; fid = parentOf[fid] {
				retained[fid] = true
				if fid == folder.ID {
					break
				}
			}
			continue
		}
		purgedFiles = append(purgedFiles, file.ID)
	}

	purgedFolders := make([]uint, 0, len(subtree))
	for _, f := range subtree {
		if retained[f.ID] {
			continue
		}
		purgedFolders = append(purgedFolders, f.ID)
		if f.ID == folder.ID || retained[*f.ParentID] {
			run.dirs = append(run.dirs, physical[f.ID])
		}
	}

	if err := s.files.DeleteByIDs(ctx, tx, purgedFiles); err != nil {
		return err
	}
	if err := s.folders.DeleteByIDs(ctx, tx, purgedFolders); err != nil {
		return err
	}

	run.report.Folders = len(purgedFolders)
	run.report.Files = len(purgedFiles)
	run.report.RetainedFolders = len(retained)
	return s.record(ctx, tx, actorID, models.ActionPurge, models.KindFolder, folder.ID, folder.Name, len(purgedFolders)+len(purgedFiles), nil)
}

func (s *lifecycleService) History(ctx context.Context, kind models.NodeKind, id uint, limit int) ([]models.LifecycleEvent, error) {
	if !kind.Valid() {
		return nil, invalidKindError(kind)
	}
	events, err := s.events.ListByNode(ctx, nil, kind, id, limit)
	if err != nil {
		return nil, asAppError(err, "failed to load history")
	}
	return events, nil
}

func (s *lifecycleService) liveParent(ctx context.Context, tx *gorm.DB, folderID uint) (models.Folder, error) {
	folder, err := s.folders.GetByID(ctx, tx, folderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Folder{}, newKindError(ErrNotFound, fmt.Sprintf("parent folder %d not found", folderID), nil)
		}
		return models.Folder{}, err
	}
	if folder.IsDeleted {
		return models.Folder{}, newKindError(ErrInvalidInput, fmt.Sprintf("parent folder %d is in the bin", folderID), nil)
	}
	return folder, nil
}

func (s *lifecycleService) getFolder(ctx context.Context, tx *gorm.DB, id uint) (models.Folder, error) {
	folder, err := s.folders.GetByID(ctx, tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Folder{}, notFoundError(models.KindFolder, id)
	}
	return folder, err
}

func (s *lifecycleService) getFile(ctx context.Context, tx *gorm.DB, id uint) (models.File, error) {
	file, err := s.files.GetByID(ctx, tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.File{}, notFoundError(models.KindFile, id)
	}
	return file, err
}

func (s *lifecycleService) allocateSegment(ctx context.Context, tx *gorm.DB, parentID *uint, parentPhysical string, name string) (string, error) {
	used, err := s.folders.ListSegmentsByParent(ctx, tx, parentID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]struct{}, len(used))
	for _, seg := range used {
		taken[strings.ToLower(seg)] = struct{}{}
	}

	base := sanitizeSegment(name)
	candidate := base
	for attempt := 0; attempt < maxSegmentAttempts; attempt++ {
		if _, clash := taken[strings.ToLower(candidate)]; !clash {
			exists, err := s.backend.Exists(joinPhysical(parentPhysical, candidate))
			if err != nil {
				return "", physicalIOError("failed to check folder directory", err)
			}
			if !exists {
				return candidate, nil
			}
		}
		candidate = base + "_" + uuid.NewString()[:8]
	}
	return "", physicalIOError(fmt.Sprintf("could not allocate a directory for %q", name), nil)
}

func (s *lifecycleService) removePhysical(p string) {
	if p == "" {
		return
	}
	if err := s.backend.Delete(p); err != nil {
		logger.L().Warn().Err(err).Str("path", p).Msg("failed to remove physical leftover")
	}
}

func (s *lifecycleService) record(ctx context.Context, tx *gorm.DB, actorID uint, action string, kind models.NodeKind, id uint, name string, affected int, meta interface{}) error {
	event := models.LifecycleEvent{
		ActorID:    actorID,
		Action:     action,
		NodeKind:   kind,
		NodeID:     id,
		NodeName:   name,
		Affected:   affected,
		OccurredAt: s.clock(),
	}
	if meta != nil {
		if raw, err := json.Marshal(meta); err == nil {
			event.Metadata = string(raw)
		}
	}
	return s.events.Create(ctx, tx, &event)
}

func restoreMeta(report *RestoreReport) interface{} {
	if len(report.RestoredAncestors) == 0 && len(report.Renamed) == 0 {
		return nil
	}
	return map[string]interface{}{"restored_ancestors": report.RestoredAncestors, "renamed": report.Renamed}
}

// collectSubtree returns root followed by its descendant folders, breadth first.
func collectSubtree(ctx context.Context, tx *gorm.DB, folders repositories.FolderRepository, root models.Folder, liveOnly bool, maxDepth int) ([]models.Folder, error) {
	all := []models.Folder{root}
	seen := map[uint]struct{}{root.ID: {}}
	frontier := []uint{root.ID}

	for depth := 1; len(frontier) > 0; depth++ {
		children, err := folders.ListChildren(ctx, tx, frontier, liveOnly)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 && depth > maxDepth {
			return nil, integrityError(models.KindFolder, root.ID, fmt.Sprintf("subtree deeper than %d levels", maxDepth))
		}
		next := make([]uint, 0, len(children))
		for _, child := range children {
			if _, dup := seen[child.ID]; dup {
				return nil, integrityError(models.KindFolder, root.ID, fmt.Sprintf("cycle through folder %d", child.ID))
			}
			seen[child.ID] = struct{}{}
			all = append(all, child)
			next = append(next, child.ID)
		}
		frontier = next
	}
	return all, nil
}

func folderIDs(folders []models.Folder) []uint {
	ids := make([]uint, len(folders))
	for i, f := range folders {
		ids[i] = f.ID
	}
	return ids
}

func binStamp(deletedAt, purgeAfter time.Time) map[string]interface{} {
	return map[string]interface{}{"is_deleted": true, "deleted_at": deletedAt, "purge_after": purgeAfter}
}

func clearStamp() map[string]interface{} {
	return map[string]interface{}{"is_deleted": false, "deleted_at": nil, "purge_after": nil}
}

func invalidKindError(kind models.NodeKind) *AppError {
	return newKindError(ErrInvalidInput, fmt.Sprintf("unknown node kind %q", kind), nil)
}

func observeTransition(action string, kind models.NodeKind, folders, files int) {
	metrics.TransitionsTotal.WithLabelValues(action, string(kind)).Inc()
	if folders > 0 {
		metrics.CascadeNodesTotal.WithLabelValues(action, string(models.KindFolder)).Add(float64(folders))
	}
	if files > 0 {
		metrics.CascadeNodesTotal.WithLabelValues(action, string(models.KindFile)).Add(float64(files))
	}
}
