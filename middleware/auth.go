package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"BTPSync/tools/errs"
	"BTPSync/tools/security"
)

const (
	CtxPrincipalID = "principalId"
)

// Auth verifies the bearer token and stashes the principal id on the gin
// context. The engine never trusts a principal id from a payload; this
// is the only place it enters a request.
func Auth(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		p, err := security.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errs.CodeUnauthorized, "msg": "invalid credentials",
			})
			return
		}
		c.Set(CtxPrincipalID, p.ID)
		c.Next()
	}
}

// PrincipalID reads what Auth stored.
func PrincipalID(c *gin.Context) string {
	return c.GetString(CtxPrincipalID)
}
