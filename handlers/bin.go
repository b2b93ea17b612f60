package handlers

import (
	"net/http"

	"grantdocs/services"
	"grantdocs/utils"

	"github.com/gin-gonic/gin"
)

// ListBin returns the top-level bin entries; nodes inside a deleted folder are listed through it.
func ListBin(c *gin.Context) {
	var filter services.BinFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		utils.Error(c, http.StatusBadRequest, "invalid filter: "+err.Error())
		return
	}
	listing, err := getServices().Bin.ListBin(c.Request.Context(), filter)
	if respondServiceError(c, err) {
		return
	}
	utils.Success(c, listing)
}

func RestoreBinItems(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	opts := services.RestoreOptions{WithAncestors: req.WithAncestors}
	respondBatch(c, getServices().Bin.RestoreItems(c.Request.Context(), actorID(c), req.refs(), opts))
}

func PurgeBinItems(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	respondBatch(c, getServices().Bin.PurgeItems(c.Request.Context(), actorID(c), req.refs()))
}

// EmptyBin purges everything in the bin matching the optional filter body.
func EmptyBin(c *gin.Context) {
	var filter services.BinFilter
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&filter); err != nil {
			utils.Error(c, http.StatusBadRequest, "invalid filter: "+err.Error())
			return
		}
	}
	result, err := getServices().Bin.EmptyBin(c.Request.Context(), actorID(c), filter)
	if respondServiceError(c, err) {
		return
	}
	respondBatch(c, result)
}
