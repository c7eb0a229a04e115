// Package handlers is the HTTP surface of the server: record access, sharing, messaging,
// validation tokens and user files.
package handlers

import (
	"net/http"
	"pdserver/access"
	"pdserver/auth"
	"pdserver/errs"
	"pdserver/filetoken"
	"pdserver/logs"
	"pdserver/messaging"
	"pdserver/models"
	"pdserver/records"
	"pdserver/sharing"
	"pdserver/storage"
	"pdserver/utils"
	"pdserver/validation"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

type Response struct {
	Error string `json:"error"`
}

var (
	OKResponse       = Response{}
	NopeResponse     = Response{"nope"}
	BadInputResponse = Response{"bad input"}
	DBErrorResponse  = Response{"DB Error"}
)

// Handlers holds the services the endpoints work with
type Handlers struct {
	Auth       *auth.Router
	Resolver   *access.Resolver
	Records    records.Store
	Perms      *models.PermissionStore
	Users      *models.UserStore
	Sharing    *sharing.Engine
	Messaging  *messaging.Protocol
	Validation *validation.Service
	FileTokens *filetoken.Cache
	Files      *storage.UserFiles
	Hub        *Hub
}

// respondError maps err to its HTTP status. Internal errors are logged and not shown to the caller
func respondError(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logs.Error.Printf("[%s %s] %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, DBErrorResponse)
		return
	}
	c.JSON(status, Response{err.Error()})
}

// Register adds all /ceps and /feps routes
func (h *Handlers) Register(router gin.IRouter) {
	authRouter := h.Auth
	// Records
	authRouter.POST("/ceps/write/:table", h.Write)
	authRouter.POST("/ceps/write/:table/:id", h.Write)
	authRouter.PUT("/ceps/update/:table/:id", h.Update)
	authRouter.POST("/ceps/update/:table/:id", h.Update)
	authRouter.GET("/ceps/read/:table/:id", h.Read)
	authRouter.GET("/ceps/query/:table", h.Query)
	authRouter.POST("/ceps/query/:table", h.Query)
	authRouter.DELETE("/ceps/delete/:table", h.DeleteMany)
	authRouter.DELETE("/ceps/delete/:table/:id", h.Delete)
	// Permissions
	authRouter.POST("/ceps/perms/share_records", h.ShareRecords)
	authRouter.GET("/ceps/perms/list", h.PermsList)
	authRouter.POST("/ceps/perms/change", h.PermsChange)
	authRouter.POST("/ceps/perms/declare", h.PermsDeclare)
	router.GET("/ceps/perms/validationtoken/:action", h.ValidationToken) // Auth checks for "set" are done inside the handler
	router.POST("/ceps/perms/validationtoken/:action", h.ValidationToken)
	// Messages
	router.POST("/ceps/message/:action", h.Message) // transmit and verify come from other hosts
	authRouter.GET("/ceps/messages/got", h.MessagesGot)
	authRouter.GET("/ceps/ws", h.WebSocket)
	// User files
	authRouter.GET("/feps/getuserfiletoken/:permission_name/:app_name/:user_id/*path", h.GetUserFileToken)
	authRouter.PUT("/feps/upload/:app_name/*path", h.UploadUserFile)
	router.GET("/feps/userfiles/:app_name/:user_id/*path", (&utils.CacheRouter{CacheTime: 3600}).Handler(), h.UserFile)
}

// GzipExcluded lists the routes that serve already compressed or streamed content
var GzipExcluded = gzip.WithExcludedPaths([]string{"/feps/userfiles/"})
