package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/namnv2496/go-codelab/internal/model"
)

const (
	headerStudent = "X-Student-ID"
	headerGroup   = "X-Group-ID"
)

const maxPathLength = 1024

type submitRequest struct {
	ExerciseID    string `json:"exerciseId"`
	EntryFilePath string `json:"entryFilePath"`
}

// submitter reads the identity forwarded by the upstream collaborator.
func submitter(c *gin.Context) model.Submitter {
	return model.Submitter{
		StudentID: strings.TrimSpace(c.GetHeader(headerStudent)),
		GroupID:   strings.TrimSpace(c.GetHeader(headerGroup)),
	}
}

func (s *Server) submitHandler(kind model.RequestKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error(), "code": "invalid_request"})
			return
		}
		if req.ExerciseID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exerciseId is required", "code": "invalid_request"})
			return
		}
		if req.EntryFilePath == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "entryFilePath is required", "code": "invalid_request"})
			return
		}
		if len(req.EntryFilePath) > maxPathLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": "entryFilePath is too long", "code": "invalid_request"})
			return
		}

		created, err := s.requests.Submit(c.Request.Context(), &model.Request{
			RequestKind:   kind,
			SessionID:     c.Param("session_id"),
			ExerciseID:    req.ExerciseID,
			Submitter:     submitter(c),
			EntryFilePath: req.EntryFilePath,
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	}
}

func (s *Server) listHandler(kind model.RequestKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := s.requests.List(c.Request.Context(), c.Param("session_id"), kind, submitter(c))
		if err != nil {
			s.fail(c, err)
			return
		}
		if list == nil {
			list = []*model.Request{}
		}
		c.JSON(http.StatusOK, list)
	}
}

func (s *Server) getHandler(kind model.RequestKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := s.requests.Get(c.Request.Context(), c.Param("session_id"), kind, c.Param("id"), submitter(c))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}

func (s *Server) cancelHandler(kind model.RequestKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := s.requests.Cancel(c.Request.Context(), c.Param("session_id"), kind, c.Param("id"), submitter(c))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}
