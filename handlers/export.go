package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"grantdocs/config"
	"grantdocs/logger"
	"grantdocs/services"

	"github.com/gin-gonic/gin"
)

// ExportFolder sends the live subtree of a folder as a zip archive. Streaming is
// the default; with export.staged the archive is built on disk first so the
// response carries a Content-Length.
func ExportFolder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	svc := getServices().Export
	ctx := c.Request.Context()

	plan, err := svc.Plan(ctx, id)
	if respondServiceError(c, err) {
		return
	}
	disposition := fmt.Sprintf(`attachment; filename="%s"`, services.ArchiveName(plan))

	if config.AppConfig != nil && config.AppConfig.Export.Staged {
		staged, err := svc.Stage(ctx, plan)
		if respondServiceError(c, err) {
			return
		}
		defer func() {
			if err := staged.Close(); err != nil {
				logger.L().Warn().Err(err).Msg("failed to remove staged export")
			}
		}()
		c.DataFromReader(http.StatusOK, staged.Size, "application/zip", staged, map[string]string{
			"Content-Disposition": disposition,
			"X-Export-Skipped":    strconv.Itoa(len(staged.Report.Skipped)),
		})
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", disposition)
	c.Status(http.StatusOK)
	if _, err := svc.Write(ctx, plan, c.Writer); err != nil {
		// headers are gone; all we can do is cut the response short
		logger.L().Warn().Err(err).Uint("folder_id", id).Msg("export stream aborted")
		c.Abort()
	}
}
