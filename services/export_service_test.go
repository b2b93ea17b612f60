package services

import (
	"bytes"
	"context"
	"io"
	"sort"
	"testing"

	"grantdocs/models"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExportFixture(t *testing.T, level int) (*lifecycleFixture, ExportService, billy.Filesystem) {
	t.Helper()
	fx := newLifecycleFixture(t)
	repos := fx.store.container()
	staging := memfs.New()
	svc := NewExportService(fx.tx, repos.Folders, repos.Files, fx.backend, ExportOptions{
		CompressionLevel: level,
		Staging:          staging,
		MaxDepth:         64,
	})
	return fx, svc, staging
}

func readArchive(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(body)
	}
	return out
}

func archiveNames(entries map[string]string) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func TestExportMirrorsLiveLogicalTree(t *testing.T) {
	fx, svc, _ := newExportFixture(t, 0)
	ctx := context.Background()
	root := fx.mkFolder(t, nil, "Root")
	sub := fx.mkFolder(t, &root.ID, "Sub")
	fx.mkFolder(t, &root.ID, "Empty")
	fx.mkFile(t, root.ID, "A.pdf", "alpha")
	fx.mkFile(t, sub.ID, "B.pdf", "bravo")
	c := fx.mkFile(t, sub.ID, "C.pdf", "charlie")
	_, err := fx.svc.SoftDelete(ctx, 1, models.KindFile, c.ID)
	require.NoError(t, err)

	plan, err := svc.Plan(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "Root", plan.Root)
	assert.Equal(t, "Root.zip", ArchiveName(plan))

	var buf bytes.Buffer
	report, err := svc.Write(ctx, plan, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Included)
	assert.Equal(t, int64(10), report.Bytes)
	assert.Empty(t, report.Skipped)

	entries := readArchive(t, buf.Bytes())
	assert.Equal(t, []string{"Root/A.pdf", "Root/Sub/B.pdf"}, archiveNames(entries))
	assert.Equal(t, "bravo", entries["Root/Sub/B.pdf"])
}

func TestExportOfNestedFolderKeepsFullLogicalRoot(t *testing.T) {
	fx, svc, _ := newExportFixture(t, 9)
	ctx := context.Background()
	grants := fx.mkFolder(t, nil, "Grants")
	fy := fx.mkFolder(t, &grants.ID, "FY 2024")
	fx.mkFile(t, fy.ID, "budget.xlsx", "numbers")

	plan, err := svc.Plan(ctx, fy.ID)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = svc.Write(ctx, plan, &buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"Grants/FY 2024/budget.xlsx"}, archiveNames(readArchive(t, buf.Bytes())))
}

func TestExportSkipsMissingAndOfflineFiles(t *testing.T) {
	fx, svc, _ := newExportFixture(t, 0)
	ctx := context.Background()
	root := fx.mkFolder(t, nil, "Root")
	fx.mkFile(t, root.ID, "keep.txt", "kept")
	gone := fx.mkFile(t, root.ID, "gone.txt", "lost")
	offline := fx.mkFile(t, root.ID, "tape.txt", "cold")

	require.NoError(t, fx.backend.Delete(fx.physicalPath(t, models.KindFile, gone.ID)))
	fx.store.mu.Lock()
	f := fx.store.files[offline.ID]
	f.Status = models.FileStatusOffline
	fx.store.files[offline.ID] = f
	fx.store.mu.Unlock()

	plan, err := svc.Plan(ctx, root.ID)
	require.NoError(t, err)
	var buf bytes.Buffer
	report, err := svc.Write(ctx, plan, &buf)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Included)
	require.Len(t, report.Skipped, 2)
	skipped := []uint{report.Skipped[0].FileID, report.Skipped[1].FileID}
	assert.ElementsMatch(t, []uint{gone.ID, offline.ID}, skipped)
	assert.Equal(t, map[string]string{"Root/keep.txt": "kept"}, readArchive(t, buf.Bytes()))
}

func TestExportToleratesUnreadableFile(t *testing.T) {
	fx, svc, _ := newExportFixture(t, 0)
	ctx := context.Background()
	root := fx.mkFolder(t, nil, "Root")
	fx.mkFile(t, root.ID, "a.txt", "a")
	bad := fx.mkFile(t, root.ID, "b.txt", "b")
	fx.backend.failOpen[fx.physicalPath(t, models.KindFile, bad.ID)] = true

	plan, err := svc.Plan(ctx, root.ID)
	require.NoError(t, err)
	var buf bytes.Buffer
	report, err := svc.Write(ctx, plan, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Included)
	assert.Equal(t, []string{"Root/a.txt"}, archiveNames(readArchive(t, buf.Bytes())))
}

func TestExportPlanRejectsDeletedOrMissingFolder(t *testing.T) {
	fx, svc, _ := newExportFixture(t, 0)
	ctx := context.Background()
	root := fx.mkFolder(t, nil, "Root")
	_, err := fx.svc.SoftDelete(ctx, 1, models.KindFolder, root.ID)
	require.NoError(t, err)

	_, err = svc.Plan(ctx, root.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Plan(ctx, 404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExportStopsWhenCanceled(t *testing.T) {
	fx, svc, staging := newExportFixture(t, 0)
	root := fx.mkFolder(t, nil, "Root")
	fx.mkFile(t, root.ID, "a.txt", "a")

	plan, err := svc.Plan(context.Background(), root.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	_, err = svc.Write(ctx, plan, &buf)
	require.ErrorIs(t, err, context.Canceled)

	_, err = svc.Stage(ctx, plan)
	require.ErrorIs(t, err, context.Canceled)
	leftovers, err := staging.ReadDir(".")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestStagedExportIsRemovedOnClose(t *testing.T) {
	fx, svc, staging := newExportFixture(t, 0)
	ctx := context.Background()
	root := fx.mkFolder(t, nil, "Root")
	fx.mkFile(t, root.ID, "a.txt", "staged bytes")

	plan, err := svc.Plan(ctx, root.ID)
	require.NoError(t, err)
	staged, err := svc.Stage(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, staged.Report.Included)

	inFlight, err := staging.ReadDir(".")
	require.NoError(t, err)
	require.Len(t, inFlight, 1)

	data, err := io.ReadAll(staged)
	require.NoError(t, err)
	assert.Equal(t, staged.Size, int64(len(data)))
	assert.Equal(t, map[string]string{"Root/a.txt": "staged bytes"}, readArchive(t, data))

	require.NoError(t, staged.Close())
	leftovers, err := staging.ReadDir(".")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
