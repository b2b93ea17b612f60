package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"grantdocs/models"
	"grantdocs/repositories"
	"grantdocs/storage"

	"github.com/go-git/go-billy/v5/memfs"
	"gorm.io/gorm"
)

// memStore is an in-memory node store. Each repository call takes the lock;
// memTxManager serializes whole transactions and rolls back on error.
type memStore struct {
	mu       sync.Mutex
	folders  map[uint]models.Folder
	files    map[uint]models.File
	events   []models.LifecycleEvent
	nextID   uint
	failures map[string]error
}

type memSnapshot struct {
	folders map[uint]models.Folder
	files   map[uint]models.File
	events  []models.LifecycleEvent
	nextID  uint
}

func newMemStore() *memStore {
	return &memStore{
		folders:  map[uint]models.Folder{},
		files:    map[uint]models.File{},
		nextID:   1,
		failures: map[string]error{},
	}
}

func (s *memStore) fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *memStore) injected(op string) error {
	return s.failures[op]
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		folders: make(map[uint]models.Folder, len(s.folders)),
		files:   make(map[uint]models.File, len(s.files)),
		events:  append([]models.LifecycleEvent(nil), s.events...),
		nextID:  s.nextID,
	}
	for id, f := range s.folders {
		snap.folders[id] = f
	}
	for id, f := range s.files {
		snap.files[id] = f
	}
	return snap
}

func (s *memStore) rollback(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders = snap.folders
	s.files = snap.files
	s.events = snap.events
	s.nextID = snap.nextID
}

func (s *memStore) folder(id uint) (models.Folder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	return f, ok
}

func (s *memStore) file(id uint) (models.File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	return f, ok
}

func (s *memStore) eventActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}

func (s *memStore) container() repositories.Container {
	return repositories.Container{
		TxManager: &memTxManager{store: s},
		Folders:   memFolders{s: s},
		Files:     memFiles{s: s},
		Events:    memEvents{s: s},
	}
}

type memTxManager struct {
	store *memStore
	mu    sync.Mutex
	calls int
}

func (m *memTxManager) WithTransaction(_ context.Context, fn func(tx *gorm.DB) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	snap := m.store.snapshot()
	if err := fn(nil); err != nil {
		m.store.rollback(snap)
		return err
	}
	return nil
}

func (m *memTxManager) WithSnapshot(_ context.Context, fn func(tx *gorm.DB) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(nil)
}

func timeValue(v interface{}) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &t
	case *time.Time:
		return t
	default:
		panic(fmt.Sprintf("unexpected time value %T", v))
	}
}

func applyBinUpdate(b *models.BinState, column string, v interface{}) bool {
	switch column {
	case "is_deleted":
		b.IsDeleted = v.(bool)
	case "deleted_at":
		b.DeletedAt = timeValue(v)
	case "purge_after":
		b.PurgeAfter = timeValue(v)
	default:
		return false
	}
	return true
}

func applyFolderUpdates(f *models.Folder, updates map[string]interface{}) {
	for column, v := range updates {
		if applyBinUpdate(&f.BinState, column, v) {
			continue
		}
		switch column {
		case "name":
			f.Name = v.(string)
		case "name_key":
			f.NameKey = v.(string)
		default:
			panic("unexpected folder column " + column)
		}
	}
}

func applyFileUpdates(f *models.File, updates map[string]interface{}) {
	for column, v := range updates {
		if applyBinUpdate(&f.BinState, column, v) {
			continue
		}
		switch column {
		case "name":
			f.Name = v.(string)
		case "name_key":
			f.NameKey = v.(string)
		case "status":
			f.Status = v.(string)
		default:
			panic("unexpected file column " + column)
		}
	}
}

func idSet(ids []uint) map[uint]bool {
	set := make(map[uint]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sameParent(a *uint, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func matchesBinQuery(c models.Classification, deletedAt *time.Time, q repositories.BinQuery) bool {
	if q.FiscalPeriodID != nil && (c.FiscalPeriodID == nil || *c.FiscalPeriodID != *q.FiscalPeriodID) {
		return false
	}
	if q.SourceID != nil && (c.SourceID == nil || *c.SourceID != *q.SourceID) {
		return false
	}
	if q.GrantTypeID != nil && (c.GrantTypeID == nil || *c.GrantTypeID != *q.GrantTypeID) {
		return false
	}
	if q.DeletedFrom != nil && (deletedAt == nil || deletedAt.Before(*q.DeletedFrom)) {
		return false
	}
	if q.DeletedBefore != nil && (deletedAt == nil || !deletedAt.Before(*q.DeletedBefore)) {
		return false
	}
	return true
}

type memFolders struct{ s *memStore }

func (r memFolders) GetByID(_ context.Context, _ *gorm.DB, folderID uint) (models.Folder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("folders.GetByID"); err != nil {
		return models.Folder{}, err
	}
	f, ok := r.s.folders[folderID]
	if !ok {
		return models.Folder{}, gorm.ErrRecordNotFound
	}
	return f, nil
}

func (r memFolders) GetByIDs(_ context.Context, _ *gorm.DB, folderIDs []uint) ([]models.Folder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Folder
	for _, id := range folderIDs {
		if f, ok := r.s.folders[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r memFolders) Create(_ context.Context, _ *gorm.DB, folder *models.Folder) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("folders.Create"); err != nil {
		return err
	}
	folder.ID = r.s.nextID
	r.s.nextID++
	now := time.Now().UTC()
	folder.CreatedAt, folder.UpdatedAt = now, now
	r.s.folders[folder.ID] = *folder
	return nil
}

func (r memFolders) CountLiveByParentAndNameKey(_ context.Context, _ *gorm.DB, parentID *uint, nameKey string, excludeID uint) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, f := range r.s.folders {
		if !f.IsDeleted && f.ID != excludeID && f.NameKey == nameKey && sameParent(f.ParentID, parentID) {
			n++
		}
	}
	return n, nil
}

func (r memFolders) ListSegmentsByParent(_ context.Context, _ *gorm.DB, parentID *uint) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []string
	for _, f := range r.s.folders {
		if sameParent(f.ParentID, parentID) {
			out = append(out, f.PhysicalSegment)
		}
	}
	return out, nil
}

func (r memFolders) ListChildren(_ context.Context, _ *gorm.DB, parentIDs []uint, liveOnly bool) ([]models.Folder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	parents := idSet(parentIDs)
	var out []models.Folder
	for _, f := range r.s.folders {
		if f.ParentID == nil || !parents[*f.ParentID] || (liveOnly && f.IsDeleted) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memFolders) UpdateByID(_ context.Context, _ *gorm.DB, folderID uint, updates map[string]interface{}) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("folders.UpdateByID"); err != nil {
		return err
	}
	if f, ok := r.s.folders[folderID]; ok {
		applyFolderUpdates(&f, updates)
		r.s.folders[folderID] = f
	}
	return nil
}

func (r memFolders) UpdateByIDs(_ context.Context, _ *gorm.DB, folderIDs []uint, updates map[string]interface{}) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("folders.UpdateByIDs"); err != nil {
		return err
	}
	for _, id := range folderIDs {
		if f, ok := r.s.folders[id]; ok {
			applyFolderUpdates(&f, updates)
			r.s.folders[id] = f
		}
	}
	return nil
}

func (r memFolders) DeleteByIDs(_ context.Context, _ *gorm.DB, folderIDs []uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("folders.DeleteByIDs"); err != nil {
		return err
	}
	for _, id := range folderIDs {
		delete(r.s.folders, id)
	}
	return nil
}

func (r memFolders) ListBinRoots(_ context.Context, _ *gorm.DB, q repositories.BinQuery) ([]models.Folder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Folder
	for _, f := range r.s.folders {
		if !f.IsDeleted {
			continue
		}
		if f.ParentID != nil {
			if parent, ok := r.s.folders[*f.ParentID]; ok && parent.IsDeleted {
				continue
			}
		}
		if matchesBinQuery(f.Classification, f.DeletedAt, q) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memFolders) ListExpired(_ context.Context, _ *gorm.DB, now time.Time, limit int) ([]models.Folder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Folder
	for _, f := range r.s.folders {
		if f.IsDeleted && f.PurgeAfter != nil && !f.PurgeAfter.After(now) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memFiles struct{ s *memStore }

func (r memFiles) GetByID(_ context.Context, _ *gorm.DB, fileID uint) (models.File, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.files[fileID]
	if !ok {
		return models.File{}, gorm.ErrRecordNotFound
	}
	return f, nil
}

func (r memFiles) Create(_ context.Context, _ *gorm.DB, file *models.File) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("files.Create"); err != nil {
		return err
	}
	file.ID = r.s.nextID
	r.s.nextID++
	now := time.Now().UTC()
	file.CreatedAt, file.UpdatedAt = now, now
	r.s.files[file.ID] = *file
	return nil
}

func (r memFiles) CountLiveByFolderAndNameKey(_ context.Context, _ *gorm.DB, folderID uint, nameKey string, excludeID uint) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, f := range r.s.files {
		if !f.IsDeleted && f.ID != excludeID && f.FolderID == folderID && f.NameKey == nameKey {
			n++
		}
	}
	return n, nil
}

func (r memFiles) CountByFolderAndStoragePath(_ context.Context, _ *gorm.DB, folderID uint, storagePath string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, f := range r.s.files {
		if f.FolderID == folderID && f.StorageRelativePath == storagePath {
			n++
		}
	}
	return n, nil
}

func (r memFiles) ListByFolderIDs(_ context.Context, _ *gorm.DB, folderIDs []uint, liveOnly bool) ([]models.File, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	folders := idSet(folderIDs)
	var out []models.File
	for _, f := range r.s.files {
		if folders[f.FolderID] && !(liveOnly && f.IsDeleted) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memFiles) UpdateByID(_ context.Context, _ *gorm.DB, fileID uint, updates map[string]interface{}) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("files.UpdateByID"); err != nil {
		return err
	}
	if f, ok := r.s.files[fileID]; ok {
		applyFileUpdates(&f, updates)
		r.s.files[fileID] = f
	}
	return nil
}

func (r memFiles) UpdateByFolderIDs(_ context.Context, _ *gorm.DB, folderIDs []uint, updates map[string]interface{}) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("files.UpdateByFolderIDs"); err != nil {
		return err
	}
	folders := idSet(folderIDs)
	for id, f := range r.s.files {
		if folders[f.FolderID] {
			applyFileUpdates(&f, updates)
			r.s.files[id] = f
		}
	}
	return nil
}

func (r memFiles) DeleteByIDs(_ context.Context, _ *gorm.DB, fileIDs []uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("files.DeleteByIDs"); err != nil {
		return err
	}
	for _, id := range fileIDs {
		delete(r.s.files, id)
	}
	return nil
}

func (r memFiles) ListBinRoots(_ context.Context, _ *gorm.DB, q repositories.BinQuery) ([]models.File, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.File
	for _, f := range r.s.files {
		if !f.IsDeleted {
			continue
		}
		if owner, ok := r.s.folders[f.FolderID]; !ok || owner.IsDeleted {
			continue
		}
		if matchesBinQuery(f.Classification, f.DeletedAt, q) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memFiles) ListExpired(_ context.Context, _ *gorm.DB, now time.Time, limit int) ([]models.File, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.File
	for _, f := range r.s.files {
		if f.IsDeleted && f.PurgeAfter != nil && !f.PurgeAfter.After(now) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memEvents struct{ s *memStore }

func (r memEvents) Create(_ context.Context, _ *gorm.DB, event *models.LifecycleEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	event.ID = uint(len(r.s.events) + 1)
	r.s.events = append(r.s.events, *event)
	return nil
}

func (r memEvents) ListByNode(_ context.Context, _ *gorm.DB, kind models.NodeKind, nodeID uint, limit int) ([]models.LifecycleEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.LifecycleEvent
	for i := len(r.s.events) - 1; i >= 0; i-- {
		e := r.s.events[i]
		if e.NodeKind == kind && e.NodeID == nodeID {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// flakyBackend wraps a memfs backend and fails selected operations.
type flakyBackend struct {
	storage.Backend
	mu          sync.Mutex
	failDelete  map[string]bool
	failMkdir   bool
	failOpen    map[string]bool
	deleteCalls []string
}

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{
		Backend:    storage.New(memfs.New()),
		failDelete: map[string]bool{},
		failOpen:   map[string]bool{},
	}
}

var errInjected = errors.New("injected failure")

func (b *flakyBackend) Delete(p string) error {
	b.mu.Lock()
	b.deleteCalls = append(b.deleteCalls, p)
	fail := b.failDelete[p]
	b.mu.Unlock()
	if fail {
		return &storage.IOError{Op: "delete", Path: p, Err: errInjected}
	}
	return b.Backend.Delete(p)
}

func (b *flakyBackend) DeleteFile(p string) error {
	b.mu.Lock()
	b.deleteCalls = append(b.deleteCalls, p)
	fail := b.failDelete[p]
	b.mu.Unlock()
	if fail {
		return &storage.IOError{Op: "delete", Path: p, Err: errInjected}
	}
	return b.Backend.DeleteFile(p)
}

func (b *flakyBackend) Mkdir(p string) error {
	if b.failMkdir {
		return &storage.IOError{Op: "mkdir", Path: p, Err: errInjected}
	}
	return b.Backend.Mkdir(p)
}

func (b *flakyBackend) OpenRead(p string) (io.ReadCloser, error) {
	if b.failOpen[p] {
		return nil, &storage.IOError{Op: "open", Path: p, Err: errInjected}
	}
	return b.Backend.OpenRead(p)
}

// fixedClock is a settable clock for lifecycle tests.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(t time.Time) *fixedClock { return &fixedClock{now: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func uintPtr(v uint) *uint { return &v }

type lifecycleFixture struct {
	store   *memStore
	backend *flakyBackend
	clock   *fixedClock
	svc     LifecycleService
	tx      *memTxManager
}

var fixtureEpoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	store := newMemStore()
	repos := store.container()
	backend := newFlakyBackend()
	clock := newFixedClock(fixtureEpoch)
	svc := NewLifecycleService(repos.TxManager, repos.Folders, repos.Files, repos.Events, backend, LifecycleOptions{
		RetentionWindow: 30 * 24 * time.Hour,
		MaxDepth:        64,
		Now:             clock.Now,
	})
	return &lifecycleFixture{
		store:   store,
		backend: backend,
		clock:   clock,
		svc:     svc,
		tx:      repos.TxManager.(*memTxManager),
	}
}
