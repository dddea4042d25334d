package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/acontext-io/acontext/internal/server/httperr"
	"github.com/acontext-io/acontext/internal/store"
)

const projectKey = "project"

// HashSecret derives the stored hash from a project secret and the
// deployment pepper. Only the hash ever touches the database.
func HashSecret(secret, pepper string) string {
	sum := sha256.Sum256([]byte(secret + pepper))
	return hex.EncodeToString(sum[:])
}

// authProject resolves the bearer secret to a project and stashes it on the
// request context.
func (s *Server) authProject() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		secret, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || secret == "" {
			httperr.Unauthorized(c, "missing bearer secret")
			return
		}
		p, err := s.store.RO().GetProjectBySecretHash(c.Request.Context(), HashSecret(secret, s.cfg.Auth.SecretPepper))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httperr.Unauthorized(c, "invalid project secret")
				return
			}
			httperr.Internal(c, err)
			return
		}
		c.Set(projectKey, p)
		c.Next()
	}
}

func project(c *gin.Context) *store.Project {
	return c.MustGet(projectKey).(*store.Project)
}
