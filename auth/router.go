// Package auth resolves the bearer access token of a request into the caller behind it.
package auth

import (
	"net/http"
	"pdserver/access"
	"pdserver/errs"
	"pdserver/logs"
	"pdserver/models"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Caller is authenticated; the handler still has to check its capability
type HandlerFunc func(c *gin.Context, caller *access.Caller)

// Router is a wrapper class that adds token checks + Caller pre-loading
type Router struct {
	Base     gin.IRouter
	Tokens   *models.TokenStore
	Resolver *access.Resolver
	Now      func() time.Time
}

// BearerToken reads the Authorization header. Websocket upgrades cannot set headers and
// pass access_token in the query instead
func BearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("access_token")
}

// Authenticate returns the caller for the request's token
func (cr *Router) Authenticate(c *gin.Context) (*access.Caller, error) {
	token := BearerToken(c)
	if token == "" {
		return nil, errs.Unauthorized("missing access token")
	}
	t, err := cr.Tokens.AccessToken(token)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if cr.Now != nil {
		now = cr.Now()
	}
	if t == nil || t.Expired(now) {
		return nil, errs.Unauthorized("invalid or expired access token")
	}
	caller, err := cr.Resolver.Caller(t.OwnerID, t.AppName, t.RequestorID)
	if err != nil {
		return nil, err
	}
	return &caller, nil
}

func (cr *Router) baseExec(c *gin.Context, handler HandlerFunc) {
	caller, err := cr.Authenticate(c)
	if err != nil {
		status := errs.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			logs.Error.Printf("auth: %v", err)
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}
	handler(c, caller)
}

func (cr *Router) POST(path string, handler HandlerFunc) {
	cr.Base.POST(path, func(c *gin.Context) {
		cr.baseExec(c, handler)
	})
}

func (cr *Router) GET(path string, handler HandlerFunc) {
	cr.Base.GET(path, func(c *gin.Context) {
		cr.baseExec(c, handler)
	})
}

func (cr *Router) PUT(path string, handler HandlerFunc) {
	cr.Base.PUT(path, func(c *gin.Context) {
		cr.baseExec(c, handler)
	})
}

func (cr *Router) DELETE(path string, handler HandlerFunc) {
	cr.Base.DELETE(path, func(c *gin.Context) {
		cr.baseExec(c, handler)
	})
}
