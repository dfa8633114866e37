package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/isdmx/execbox/execution"
)

// executeRequest is the POST /api/execute-code body.
type executeRequest struct {
	Language string `json:"language" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

func (s *Server) handleExecuteCode(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}

	result := s.executor.Execute(c.Request.Context(), execution.Request{
		Language: req.Language,
		Code:     req.Code,
	})

	switch result.Failure {
	case execution.FailureInvalidRequest, execution.FailureUnsupportedLanguage:
		c.JSON(http.StatusBadRequest, gin.H{"error": result.Output})
	case execution.FailurePolicyViolation:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Unsafe code detected",
			"output": result.Output,
		})
	case execution.FailureSpawn, execution.FailureInternal:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal server error",
			"details": result.Output,
		})
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (*Server) bindError(c *gin.Context, err error) {
	var (
		maxBytesErr *http.MaxBytesError
		syntaxErr   *json.SyntaxError
		typeErr     *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &maxBytesErr):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": execution.MissingFieldsOutput})
	}
}

func (s *Server) handleLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"languages": s.languages.Names()})
}

func (*Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
