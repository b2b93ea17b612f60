package handlers

import (
	"net/http"
	"strconv"

	"grantdocs/models"
	"grantdocs/services"
	"grantdocs/utils"

	"github.com/gin-gonic/gin"
)

type RenameRequest struct {
	Name string `json:"name" binding:"required,max=255"`
}

type RestoreRequest struct {
	WithAncestors bool `json:"with_ancestors" form:"with_ancestors"`
}

func renameNode(c *gin.Context, kind models.NodeKind) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	node, err := getServices().Lifecycle.RenameNode(c.Request.Context(), actorID(c), kind, id, req.Name)
	if respondServiceError(c, err) {
		return
	}
	utils.Success(c, node)
}

func softDeleteNode(c *gin.Context, kind models.NodeKind) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	report, err := getServices().Lifecycle.SoftDelete(c.Request.Context(), actorID(c), kind, id)
	if respondServiceError(c, err) {
		return
	}
	utils.SuccessWithMessage(c, "moved to bin", report)
}

func restoreNode(c *gin.Context, kind models.NodeKind) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req RestoreRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.Error(c, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
	} else if v := c.Query("with_ancestors"); v != "" {
		req.WithAncestors, _ = strconv.ParseBool(v)
	}

	report, err := getServices().Lifecycle.Restore(c.Request.Context(), actorID(c), kind, id, services.RestoreOptions{WithAncestors: req.WithAncestors})
	if respondServiceError(c, err) {
		return
	}
	utils.SuccessWithMessage(c, "restored", report)
}

func purgeNode(c *gin.Context, kind models.NodeKind) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	report, err := getServices().Lifecycle.PurgeForever(c.Request.Context(), actorID(c), kind, id)
	if respondServiceError(c, err) {
		return
	}
	utils.SuccessWithMessage(c, "permanently deleted", report)
}

func nodePath(c *gin.Context, kind models.NodeKind) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	resolved, err := getServices().Paths.ResolvePath(c.Request.Context(), kind, id)
	if respondServiceError(c, err) {
		return
	}
	utils.Success(c, resolved)
}

func nodeHistory(c *gin.Context, kind models.NodeKind) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	events, err := getServices().Lifecycle.History(c.Request.Context(), kind, id, limit)
	if respondServiceError(c, err) {
		return
	}
	utils.Success(c, events)
}

// BatchSoftDelete moves several nodes to the bin, each in its own transaction.
func BatchSoftDelete(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	respondBatch(c, getServices().Bin.SoftDeleteItems(c.Request.Context(), actorID(c), req.refs()))
}
