package server

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/acontext-io/acontext/internal/server/httperr"
	"github.com/acontext-io/acontext/internal/store"
)

type createSpaceRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) createLearningSpace(c *gin.Context) {
	var req createSpaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "invalid request body", err)
		return
	}
	ls := &store.LearningSpace{ProjectID: project(c).ID, Name: req.Name}
	if err := s.store.Q().CreateLearningSpace(c.Request.Context(), ls); err != nil {
		httperr.Internal(c, err)
		return
	}
	httperr.Created(c, ls)
}

func (s *Server) loadSpace(c *gin.Context) *store.LearningSpace {
	ls, err := s.store.RO().GetLearningSpace(c.Request.Context(), c.Param("id"))
	if err != nil || ls.ProjectID != project(c).ID {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			httperr.Internal(c, err)
			return nil
		}
		httperr.NotFound(c, "learning space not found")
		return nil
	}
	return ls
}

// linkSession attaches a session to a learning space. Sessions in a space
// feed the skill-learning pipeline; relinking moves the session.
func (s *Server) linkSession(c *gin.Context) {
	ls := s.loadSpace(c)
	if ls == nil {
		return
	}
	sess, err := s.store.RO().GetProjectSession(c.Request.Context(), project(c).ID, c.Param("session_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperr.NotFound(c, "session not found")
			return
		}
		httperr.Internal(c, err)
		return
	}
	if err := s.store.Q().LinkSessionToSpace(c.Request.Context(), ls.ID, sess.ID); err != nil {
		httperr.Internal(c, err)
		return
	}
	httperr.OK(c, nil)
}

func (s *Server) listSpaceSkills(c *gin.Context) {
	ls := s.loadSpace(c)
	if ls == nil {
		return
	}
	skills, err := s.store.RO().ListSkillsBySpace(c.Request.Context(), ls.ID)
	if err != nil {
		httperr.Internal(c, err)
		return
	}
	httperr.OK(c, gin.H{"skills": skills})
}
