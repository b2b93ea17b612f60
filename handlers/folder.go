package handlers

import (
	"net/http"

	"grantdocs/models"
	"grantdocs/services"
	"grantdocs/utils"

	"github.com/gin-gonic/gin"
)

type CreateFolderRequest struct {
	Name           string `json:"name" binding:"required,max=255"`
	ParentID       *uint  `json:"parent_id"`
	FiscalPeriodID *uint  `json:"fiscal_period_id"`
	SourceID       *uint  `json:"source_id"`
	GrantTypeID    *uint  `json:"grant_type_id"`
}

func CreateFolder(c *gin.Context) {
	var req CreateFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	folder, err := getServices().Lifecycle.CreateFolder(c.Request.Context(), services.CreateFolderInput{
		ActorID:  actorID(c),
		ParentID: req.ParentID,
		Name:     req.Name,
		Classification: models.Classification{
			FiscalPeriodID: req.FiscalPeriodID,
			SourceID:       req.SourceID,
			GrantTypeID:    req.GrantTypeID,
		},
	})
	if respondServiceError(c, err) {
		return
	}
	c.JSON(http.StatusCreated, utils.Response{Code: 0, Message: "created", Data: folder})
}

func RenameFolder(c *gin.Context)  { renameNode(c, models.KindFolder) }
func DeleteFolder(c *gin.Context)  { softDeleteNode(c, models.KindFolder) }
func RestoreFolder(c *gin.Context) { restoreNode(c, models.KindFolder) }
func PurgeFolder(c *gin.Context)   { purgeNode(c, models.KindFolder) }
func FolderPath(c *gin.Context)    { nodePath(c, models.KindFolder) }
func FolderHistory(c *gin.Context) { nodeHistory(c, models.KindFolder) }
