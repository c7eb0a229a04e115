package handlers

import (
	"net/http"
	"pdserver/access"
	"pdserver/config"
	"pdserver/models"
	"pdserver/sharing"

	"github.com/gin-gonic/gin"
)

type PermsChangeRequest struct {
	RequestorApp string `json:"requestor_app" binding:"required"`
	Name         string `json:"name" binding:"required"`
	Action       string `json:"action" binding:"required,oneof=accept deny"`
}

type PermsDeclareRequest struct {
	RequestorApp string                         `json:"requestor_app" binding:"required"`
	Permissions  []models.PermissionDeclaration `json:"permissions" binding:"dive"`
}

func isAccountApp(caller *access.Caller) bool {
	return caller.IsOwner() && caller.RequestorApp == config.ACCOUNT_APP
}

// ShareRecords grants or revokes a permission for grantees, on records or on the permission itself
func (h *Handlers) ShareRecords(c *gin.Context, caller *access.Caller) {
	if !caller.IsOwner() {
		c.JSON(http.StatusForbidden, Response{"only the owner can share"})
		return
	}
	var req sharing.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}
	req.Owner = caller.OwnerID
	req.RequestorApp = caller.RequestorApp
	result, err := h.Sharing.GrantOrRevoke(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PermsList returns the app's permissions, the account app can look at any app
func (h *Handlers) PermsList(c *gin.Context, caller *access.Caller) {
	if !caller.IsOwner() {
		c.JSON(http.StatusForbidden, NopeResponse)
		return
	}
	app := caller.RequestorApp
	if requested := c.Query("requestor_app"); requested != "" && isAccountApp(caller) {
		app = requested
	}
	perms, err := h.Perms.ForOwnerApp(caller.OwnerID, app)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, perms)
}

// PermsChange records the owner's accept or deny decision, made through the account app
func (h *Handlers) PermsChange(c *gin.Context, caller *access.Caller) {
	if !isAccountApp(caller) {
		c.JSON(http.StatusForbidden, NopeResponse)
		return
	}
	var req PermsChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}
	perm, err := h.Perms.Change(caller.OwnerID, req.RequestorApp, req.Name, req.Action == "accept")
	if err != nil {
		respondError(c, err)
		return
	}
	if perm == nil {
		c.JSON(http.StatusNotFound, Response{"permission not found"})
		return
	}
	c.JSON(http.StatusOK, perm)
}

// PermsDeclare stores an app's manifest, installed through the account app
func (h *Handlers) PermsDeclare(c *gin.Context, caller *access.Caller) {
	if !isAccountApp(caller) {
		c.JSON(http.StatusForbidden, NopeResponse)
		return
	}
	var req PermsDeclareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}
	for _, d := range req.Permissions {
		if !d.Type.Valid() {
			c.JSON(http.StatusBadRequest, Response{"unknown permission type: " + string(d.Type)})
			return
		}
	}
	perms, err := h.Perms.Declare(caller.OwnerID, req.RequestorApp, req.Permissions)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, perms)
}
