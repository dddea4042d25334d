package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/acontext-io/acontext/internal/buffer"
	"github.com/acontext-io/acontext/internal/server/httperr"
	"github.com/acontext-io/acontext/internal/store"
)

type createProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

// createProject provisions a project and returns its secret. The secret is
// shown exactly once; only its peppered hash is stored.
func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "invalid request body", err)
		return
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		httperr.Internal(c, err)
		return
	}
	secret := "sk-acontext-" + hex.EncodeToString(raw)

	p := &store.Project{
		Name:       req.Name,
		SecretHash: HashSecret(secret, s.cfg.Auth.SecretPepper),
	}
	if err := s.store.Q().CreateProject(c.Request.Context(), p); err != nil {
		httperr.Internal(c, err)
		return
	}
	httperr.Created(c, gin.H{"project_id": p.ID, "secret": secret})
}

type createSessionRequest struct {
	DisplayTitle        string `json:"display_title"`
	DisableTaskTracking bool   `json:"disable_task_tracking"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httperr.BadRequest(c, "invalid request body", err)
			return
		}
	}
	sess := &store.Session{
		ProjectID:           project(c).ID,
		DisplayTitle:        req.DisplayTitle,
		DisableTaskTracking: req.DisableTaskTracking,
	}
	if err := s.store.Q().CreateSession(c.Request.Context(), sess); err != nil {
		httperr.Internal(c, err)
		return
	}
	httperr.Created(c, sess)
}

// loadSession resolves the :id path param within the calling project. A miss
// writes the error response and returns nil.
func (s *Server) loadSession(c *gin.Context) *store.Session {
	sess, err := s.store.RO().GetProjectSession(c.Request.Context(), project(c).ID, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperr.NotFound(c, "session not found")
			return nil
		}
		httperr.Internal(c, err)
		return nil
	}
	return sess
}

func (s *Server) getSession(c *gin.Context) {
	sess := s.loadSession(c)
	if sess == nil {
		return
	}
	httperr.OK(c, sess)
}

func (s *Server) listTasks(c *gin.Context) {
	sess := s.loadSession(c)
	if sess == nil {
		return
	}
	tasks, err := s.store.RO().ListTasks(c.Request.Context(), sess.ID)
	if err != nil {
		httperr.Internal(c, err)
		return
	}
	httperr.OK(c, gin.H{"tasks": tasks})
}

// flushSession drains pending messages synchronously, bypassing the buffer
// timer. Lock contention after bounded retries maps to 409.
func (s *Server) flushSession(c *gin.Context) {
	sess := s.loadSession(c)
	if sess == nil {
		return
	}
	err := s.consumer.Flush(c.Request.Context(), sess.ProjectID, sess.ID,
		s.cfg.Agent.FlushMaxRetries, s.cfg.Agent.FlushRetryDelay())
	if err != nil {
		if errors.Is(err, buffer.ErrFlushContended) {
			httperr.Conflict(c, "session is busy, try again later")
			return
		}
		httperr.Internal(c, err)
		return
	}
	httperr.OK(c, nil)
}
