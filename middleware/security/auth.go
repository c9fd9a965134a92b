package security

import (
	"net/http"
	"strings"

	"PPSync/tools/errs"
	jwtsec "PPSync/tools/security"

	"github.com/gin-gonic/gin"
)

// context keys set by Middleware
const (
	CtxMemberKey = "memberId"
	CtxNameKey   = "memberName"
	CtxTokenKey  = "authorization"
)

type Options struct {
	JWT jwtsec.Options
	// QueryToken also accepts ?token= (websocket upgrades cannot set headers from browsers).
	QueryToken bool
}

func DefaultOptions(secret []byte) *Options {
	return &Options{JWT: jwtsec.DefaultOptions(secret)}
}

// Middleware verifies "Authorization: Bearer <jwt>" and stores the member id in the context.
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.GetHeader("Authorization"))
		if token == "" && opts.QueryToken {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrUnauthorized.WithDetail("missing bearer token"))
			return
		}
		claims, err := jwtsec.Verify(opts.JWT, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrUnauthorized.WithDetail(err.Error()))
			return
		}
		c.Set(CtxTokenKey, token)
		c.Set(CtxMemberKey, claims.MemberID())
		c.Set(CtxNameKey, claims.DisplayName)
		c.Next()
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) string {
	authz = strings.TrimSpace(authz)
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

// MemberID returns the authenticated member, or "".
func MemberID(c *gin.Context) string { return c.GetString(CtxMemberKey) }

func MemberName(c *gin.Context) string { return c.GetString(CtxNameKey) }
