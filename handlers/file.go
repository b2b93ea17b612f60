package handlers

import (
	"net/http"
	"strings"

	"grantdocs/models"
	"grantdocs/services"
	"grantdocs/utils"

	"github.com/gin-gonic/gin"
)

// CreateFileRequest accepts a multipart upload with a "file" part, or a JSON
// body that registers bytes already present at storage_relative_path.
type CreateFileRequest struct {
	FolderID            uint   `json:"folder_id" form:"folder_id" binding:"required"`
	Name                string `json:"name" form:"name"`
	StorageRelativePath string `json:"storage_relative_path" form:"storage_relative_path"`
	MimeType            string `json:"mime_type" form:"mime_type"`
	SizeBytes           int64  `json:"size_bytes" form:"size_bytes"`
	ContentHash         string `json:"content_hash" form:"content_hash"`
	FiscalPeriodID      *uint  `json:"fiscal_period_id" form:"fiscal_period_id"`
	SourceID            *uint  `json:"source_id" form:"source_id"`
	GrantTypeID         *uint  `json:"grant_type_id" form:"grant_type_id"`
}

func CreateFile(c *gin.Context) {
	var req CreateFileRequest
	if err := c.ShouldBind(&req); err != nil {
		utils.Error(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	in := services.CreateFileInput{
		ActorID:             actorID(c),
		FolderID:            req.FolderID,
		Name:                req.Name,
		StorageRelativePath: req.StorageRelativePath,
		MimeType:            req.MimeType,
		SizeBytes:           req.SizeBytes,
		ContentHash:         req.ContentHash,
		Classification: models.Classification{
			FiscalPeriodID: req.FiscalPeriodID,
			SourceID:       req.SourceID,
			GrantTypeID:    req.GrantTypeID,
		},
	}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		upload, header, err := c.Request.FormFile("file")
		if err != nil {
			utils.Error(c, http.StatusBadRequest, "missing file part")
			return
		}
		defer upload.Close()
		if in.Name == "" {
			in.Name = header.Filename
		}
		if ct := header.Header.Get("Content-Type"); in.MimeType == "" && ct != "application/octet-stream" {
			in.MimeType = ct
		}
		in.Content = upload
	}

	file, err := getServices().Lifecycle.CreateFile(c.Request.Context(), in)
	if respondServiceError(c, err) {
		return
	}
	c.JSON(http.StatusCreated, utils.Response{Code: 0, Message: "created", Data: file})
}

func RenameFile(c *gin.Context)  { renameNode(c, models.KindFile) }
func DeleteFile(c *gin.Context)  { softDeleteNode(c, models.KindFile) }
func RestoreFile(c *gin.Context) { restoreNode(c, models.KindFile) }
func PurgeFile(c *gin.Context)   { purgeNode(c, models.KindFile) }
func FilePath(c *gin.Context)    { nodePath(c, models.KindFile) }
func FileHistory(c *gin.Context) { nodeHistory(c, models.KindFile) }
