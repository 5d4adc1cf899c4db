package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/namnv2496/go-codelab/internal/catalog"
	"github.com/namnv2496/go-codelab/internal/model"
)

type imageRequest struct {
	Name                 string `json:"name"`
	BaseImage            string `json:"baseImage"`
	FileExtension        string `json:"fileExtension"`
	RequiresCompilation  bool   `json:"requiresCompilation"`
	CompileCommand       string `json:"compileCommand"`
	CompileFileExtension string `json:"compileFileExtension"`
	ExecutionCommand     string `json:"executionCommand"`
	EntrypointScript     string `json:"entrypointScript"`
	TestBuild            bool   `json:"testBuild"`
	TestProgram          string `json:"testProgram"`
}

func (s *Server) listImagesHandler(c *gin.Context) {
	list := s.images.List
	if c.Query("available") == "true" {
		list = s.images.Available
	}
	images, err := list(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if images == nil {
		images = []*model.LanguageImage{}
	}
	c.JSON(http.StatusOK, images)
}

func (s *Server) createImageHandler(c *gin.Context) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error(), "code": "invalid_request"})
		return
	}
	img, err := s.images.Create(c.Request.Context(), &model.LanguageImage{
		Name:                 req.Name,
		BaseImage:            req.BaseImage,
		FileExtension:        req.FileExtension,
		RequiresCompilation:  req.RequiresCompilation,
		CompileCommand:       req.CompileCommand,
		CompileFileExtension: req.CompileFileExtension,
		ExecutionCommand:     req.ExecutionCommand,
		EntrypointScript:     req.EntrypointScript,
		TestBuild:            req.TestBuild,
		TestProgram:          req.TestProgram,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, img)
}

func (s *Server) getImageHandler(c *gin.Context) {
	img, err := s.images.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, img)
}

func (s *Server) updateImageHandler(c *gin.Context) {
	var patch catalog.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error(), "code": "invalid_request"})
		return
	}
	img, err := s.images.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, img)
}

func (s *Server) pruneAllHandler(c *gin.Context) {
	n, err := s.images.PruneAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scheduled": n})
}

// imageAction serves the admin routes that only schedule a status change.
func (s *Server) imageAction(action func(ctx context.Context, id string) (*model.LanguageImage, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		img, err := action(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, img)
	}
}
