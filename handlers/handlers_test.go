package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"grantdocs/models"
	"grantdocs/services"
	"grantdocs/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExport struct {
	services.ExportService
	plan    *services.ExportPlan
	planErr error
	body    string
}

func (s *stubExport) Plan(_ context.Context, folderID uint) (*services.ExportPlan, error) {
	if s.planErr != nil {
		return nil, s.planErr
	}
	plan := *s.plan
	plan.FolderID = folderID
	return &plan, nil
}

func (s *stubExport) Write(_ context.Context, _ *services.ExportPlan, w io.Writer) (services.ExportReport, error) {
	_, err := io.WriteString(w, s.body)
	return services.ExportReport{Included: 1}, err
}

type stubLifecycle struct {
	services.LifecycleService
	renameErr error
	renamed   string
}

func (s *stubLifecycle) RenameNode(_ context.Context, _ uint, kind models.NodeKind, id uint, newName string) (models.Node, error) {
	if s.renameErr != nil {
		return models.Node{}, s.renameErr
	}
	s.renamed = newName
	return models.Node{Kind: kind, Folder: &models.Folder{ID: id, Name: newName}}, nil
}

type stubBin struct {
	services.BinService
	result services.BatchResult
	got    []models.NodeRef
}

func (s *stubBin) SoftDeleteItems(_ context.Context, _ uint, items []models.NodeRef) services.BatchResult {
	s.got = items
	return s.result
}

func newTestRouter(container *services.Container) *gin.Engine {
	gin.SetMode(gin.TestMode)
	SetServices(container)
	r := gin.New()
	api := r.Group("/api")
	api.GET("/health", HealthCheck)
	api.PUT("/folders/:id", RenameFolder)
	api.GET("/folders/:id/export", ExportFolder)
	api.POST("/nodes/batch/delete", BatchSoftDelete)
	return r
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) utils.Response {
	t.Helper()
	var resp utils.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestExportFolderStreamsZipWithDownloadHeaders(t *testing.T) {
	export := &stubExport{plan: &services.ExportPlan{Name: "Root", Root: "Root"}, body: "PK-archive"}
	r := newTestRouter(&services.Container{Export: export})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/folders/7/export", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Root.zip"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "PK-archive", rec.Body.String())
}

func TestExportFolderReportsMissingFolder(t *testing.T) {
	export := &stubExport{planErr: &services.AppError{HTTPCode: http.StatusNotFound, Kind: services.ErrNotFound, Message: "folder 7 not found"}}
	r := newTestRouter(&services.Container{Export: export})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/folders/7/export", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "folder 7 not found", decode(t, rec).Message)
}

func TestRenameFolder(t *testing.T) {
	lifecycle := &stubLifecycle{}
	r := newTestRouter(&services.Container{Lifecycle: lifecycle})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/folders/3", strings.NewReader(`{"name":"Reports"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Reports", lifecycle.renamed)
}

func TestRenameFolderSurfacesDuplicateName(t *testing.T) {
	lifecycle := &stubLifecycle{renameErr: &services.AppError{
		HTTPCode: http.StatusConflict,
		Kind:     services.ErrDuplicateName,
		Message:  "a folder named \"Reports\" already exists here",
		Data:     map[string]string{"name": "Reports"},
	}}
	r := newTestRouter(&services.Container{Lifecycle: lifecycle})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/folders/3", strings.NewReader(`{"name":"Reports"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, map[string]interface{}{"name": "Reports"}, resp.Data)
}

func TestInvalidIDIsRejected(t *testing.T) {
	r := newTestRouter(&services.Container{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/folders/abc/export", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchSoftDeleteReportsPartialFailure(t *testing.T) {
	bin := &stubBin{result: services.BatchResult{
		Succeeded: false,
		Items: []services.BatchItemResult{
			{Kind: models.KindFolder, ID: 1, OK: true},
			{Kind: models.KindFile, ID: 2, Code: http.StatusNotFound, Error: "file 2 not found"},
		},
	}}
	r := newTestRouter(&services.Container{Bin: bin})

	rec := httptest.NewRecorder()
	body := `{"items":[{"kind":"folder","id":1},{"kind":"file","id":2}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/nodes/batch/delete", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Equal(t, []models.NodeRef{{Kind: models.KindFolder, ID: 1}, {Kind: models.KindFile, ID: 2}}, bin.got)
}

func TestBatchRequiresItems(t *testing.T) {
	r := newTestRouter(&services.Container{Bin: &stubBin{}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/nodes/batch/delete", strings.NewReader(`{"items":[]}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	r := newTestRouter(&services.Container{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
