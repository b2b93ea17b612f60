package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"grantdocs/models"
	"grantdocs/repositories"
	"grantdocs/storage"

	"gorm.io/gorm"
)

const defaultMaxDepth = 256

type AncestryEntry struct {
	ID              uint   `json:"id"`
	Name            string `json:"name"`
	PhysicalSegment string `json:"physical_segment"`
	IsDeleted       bool   `json:"is_deleted"`
}

// Ancestry is ordered from the tree root down to the resolved folder.
type Ancestry []AncestryEntry

func (a Ancestry) LogicalPath() string {
	names := make([]string, len(a))
	for i, e := range a {
		names[i] = e.Name
	}
	return strings.Join(names, "/")
}

func (a Ancestry) PhysicalPath() string {
	segments := make([]string, len(a))
	for i, e := range a {
		segments[i] = e.PhysicalSegment
	}
	return joinPhysical(segments...)
}

// DeletedAncestors returns the ids of deleted entries, excluding the last one.
func (a Ancestry) DeletedAncestors() []uint {
	var ids []uint
	for i := 0; i < len(a)-1; i++ {
		if a[i].IsDeleted {
			ids = append(ids, a[i].ID)
		}
	}
	return ids
}

type ResolvedPath struct {
	Kind     models.NodeKind `json:"kind"`
	ID       uint            `json:"id"`
	Ancestry Ancestry        `json:"ancestry"`
	Logical  string          `json:"logical_path"`
	Physical string          `json:"physical_path"`
}

type PathResolver interface {
	ResolveAncestry(ctx context.Context, folderID uint) (Ancestry, error)
	ResolvePath(ctx context.Context, kind models.NodeKind, id uint) (ResolvedPath, error)
	ResolveLogicalPath(ctx context.Context, kind models.NodeKind, id uint) (string, error)
	ResolvePhysicalPath(ctx context.Context, kind models.NodeKind, id uint) (string, error)
}

type pathResolver struct {
	folders  repositories.FolderRepository
	files    repositories.FileRepository
	maxDepth int
}

func NewPathResolver(folders repositories.FolderRepository, files repositories.FileRepository, maxDepth int) PathResolver {
	return newPathResolver(folders, files, maxDepth)
}

func newPathResolver(folders repositories.FolderRepository, files repositories.FileRepository, maxDepth int) pathResolver {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	return pathResolver{folders: folders, files: files, maxDepth: maxDepth}
}

func (r pathResolver) ResolveAncestry(ctx context.Context, folderID uint) (Ancestry, error) {
	anc, err := r.ancestry(ctx, nil, folderID, nil)
	return anc, asAppError(err, "failed to resolve folder ancestry")
}

func (r pathResolver) ResolvePath(ctx context.Context, kind models.NodeKind, id uint) (ResolvedPath, error) {
	resolved, err := r.resolve(ctx, nil, kind, id, nil)
	return resolved, asAppError(err, "failed to resolve path")
}

func (r pathResolver) ResolveLogicalPath(ctx context.Context, kind models.NodeKind, id uint) (string, error) {
	resolved, err := r.ResolvePath(ctx, kind, id)
	return resolved.Logical, err
}

func (r pathResolver) ResolvePhysicalPath(ctx context.Context, kind models.NodeKind, id uint) (string, error) {
	resolved, err := r.ResolvePath(ctx, kind, id)
	return resolved.Physical, err
}

func (r pathResolver) resolve(ctx context.Context, tx *gorm.DB, kind models.NodeKind, id uint, cache map[uint]models.Folder) (ResolvedPath, error) {
	switch kind {
	case models.KindFolder:
		anc, err := r.ancestry(ctx, tx, id, cache)
		if err != nil {
			return ResolvedPath{}, err
		}
		return ResolvedPath{Kind: kind, ID: id, Ancestry: anc, Logical: anc.LogicalPath(), Physical: anc.PhysicalPath()}, nil
	case models.KindFile:
		file, err := r.files.GetByID(ctx, tx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ResolvedPath{}, notFoundError(kind, id)
			}
			return ResolvedPath{}, err
		}
		anc, err := r.ancestry(ctx, tx, file.FolderID, cache)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ResolvedPath{}, integrityError(kind, id, "owning folder is missing")
			}
			return ResolvedPath{}, err
		}
		return ResolvedPath{
			Kind:     kind,
			ID:       id,
			Ancestry: anc,
			Logical:  anc.LogicalPath() + "/" + file.Name,
			Physical: joinPhysical(anc.PhysicalPath(), file.StorageRelativePath),
		}, nil
	default:
		return ResolvedPath{}, newKindError(ErrInvalidInput, fmt.Sprintf("unknown node kind %q", kind), nil)
	}
}

// ancestry walks parent pointers upward. Lookups go through cache first and
// fill it, so one cache can serve many resolutions within a single call.
func (r pathResolver) ancestry(ctx context.Context, tx *gorm.DB, folderID uint, cache map[uint]models.Folder) (Ancestry, error) {
	var chain Ancestry
	visited := make(map[uint]struct{})
	current := folderID

	for {
		if len(chain) >= r.maxDepth {
			return nil, integrityError(models.KindFolder, folderID, fmt.Sprintf("ancestry deeper than %d levels", r.maxDepth))
		}
		if _, seen := visited[current]; seen {
			return nil, integrityError(models.KindFolder, folderID, fmt.Sprintf("cycle through folder %d", current))
		}
		visited[current] = struct{}{}

		folder, ok := cache[current]
		if !ok {
			var err error
			folder, err = r.folders.GetByID(ctx, tx, current)
			if err != nil {
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, err
				}
				if current == folderID {
					return nil, notFoundError(models.KindFolder, folderID)
				}
				return nil, integrityError(models.KindFolder, folderID, fmt.Sprintf("parent folder %d is missing", current))
			}
			if cache != nil {
				cache[current] = folder
			}
		}

		chain = append(chain, AncestryEntry{
			ID:              folder.ID,
			Name:            folder.Name,
			PhysicalSegment: folder.PhysicalSegment,
			IsDeleted:       folder.IsDeleted,
		})
		if folder.ParentID == nil {
			break
		}
		current = *folder.ParentID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func joinPhysical(parts ...string) string {
	return storage.Clean(path.Join(parts...))
}
