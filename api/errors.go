package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/namnv2496/go-codelab/internal/catalog"
	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/queue"
	"github.com/namnv2496/go-codelab/internal/store"
)

var errorStatuses = []struct {
	target error
	status int
	code   string
}{
	{queue.ErrNoSubmitter, http.StatusBadRequest, "no_submitter"},
	{queue.ErrQueueFull, http.StatusTooManyRequests, "queue_full"},
	{queue.ErrThresholdExceeded, http.StatusForbidden, "threshold_exceeded"},
	{queue.ErrSessionInactive, http.StatusForbidden, "session_inactive"},
	{queue.ErrAlreadyInQueue, http.StatusConflict, "already_in_queue"},
	{queue.ErrNotQueued, http.StatusConflict, "not_queued"},
	{catalog.ErrBuildInProgress, http.StatusConflict, "build_in_progress"},
	{catalog.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},
}

// errorResponse maps err to a status code and a stable error code.
func errorResponse(err error) (int, gin.H) {
	var invalid *catalog.ValidationError
	if errors.As(err, &invalid) {
		return http.StatusBadRequest, gin.H{"error": invalid.Error(), "code": "invalid_image", "field": invalid.Field}
	}
	for _, e := range errorStatuses {
		if errors.Is(err, e.target) {
			body := gin.H{"error": e.target.Error(), "code": e.code}
			if detail := errors.FlattenDetails(err); detail != "" {
				body["detail"] = detail
			}
			return e.status, body
		}
	}
	return http.StatusInternalServerError, gin.H{"error": "internal server error", "code": "internal"}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}
