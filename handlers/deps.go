package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"grantdocs/logger"
	"grantdocs/models"
	"grantdocs/services"
	"grantdocs/utils"

	"github.com/gin-gonic/gin"
)

var appServices *services.Container

func SetServices(container *services.Container) {
	appServices = container
}

func getServices() *services.Container {
	if appServices == nil {
		panic("services container is not initialized")
	}
	return appServices
}

func respondServiceError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	var appErr *services.AppError
	if errors.As(err, &appErr) {
		if appErr.HTTPCode >= http.StatusInternalServerError {
			logger.L().Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		}
		if appErr.Data != nil {
			utils.ErrorWithData(c, appErr.HTTPCode, appErr.Message, appErr.Data)
		} else {
			utils.Error(c, appErr.HTTPCode, appErr.Message)
		}
		return true
	}
	logger.L().Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	utils.Error(c, http.StatusInternalServerError, "internal error")
	return true
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		utils.Error(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return uint(id), true
}

func actorID(c *gin.Context) uint {
	return c.GetUint("user_id")
}

type NodeItem struct {
	Kind models.NodeKind `json:"kind" binding:"required"`
	ID   uint            `json:"id" binding:"required"`
}

type BatchRequest struct {
	Items []NodeItem `json:"items" binding:"required,min=1,max=1000,dive"`
	// WithAncestors only applies to restores.
	WithAncestors bool `json:"with_ancestors"`
}

func (r BatchRequest) refs() []models.NodeRef {
	refs := make([]models.NodeRef, len(r.Items))
	for i, item := range r.Items {
		refs[i] = models.NodeRef{Kind: item.Kind, ID: item.ID}
	}
	return refs
}

func respondBatch(c *gin.Context, result services.BatchResult) {
	if result.Succeeded {
		utils.Success(c, result)
		return
	}
	utils.ErrorWithData(c, http.StatusMultiStatus, "some items failed", result)
}
