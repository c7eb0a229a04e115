package handlers

import (
	"bytes"
	"net/http"
	"pdserver/access"
	"pdserver/filetoken"
	"pdserver/records"
	"pdserver/utils"
	"strconv"

	"github.com/gin-gonic/gin"
)

const maxThumbSize = 2000

// filesTable is where an app keeps the records describing its files
func filesTable(app string) string {
	return app + records.FilesTableSuffix
}

// GetUserFileToken returns a token for GET /feps/userfiles of the same path
func (h *Handlers) GetUserFileToken(c *gin.Context, caller *access.Caller) {
	app, owner, path := c.Param("app_name"), c.Param("user_id"), utils.CleanPath(c.Param("path"))
	if owner != caller.OwnerID || path == "" {
		c.JSON(http.StatusForbidden, NopeResponse)
		return
	}
	// The caller's own app files need no permission
	if !(caller.IsOwner() && caller.RequestorApp == app) {
		capability, err := h.Resolver.Capability(*caller, filesTable(app))
		if err != nil {
			respondError(c, err)
			return
		}
		if capability.Permission(c.Param("permission_name")) == nil {
			c.JSON(http.StatusForbidden, Response{"permission not granted"})
			return
		}
		r, err := h.Records.ReadByID(owner, filesTable(app), path)
		if err != nil {
			respondError(c, err)
			return
		}
		if r == nil || !capability.CanReadRecord(r) {
			c.JSON(http.StatusForbidden, Response{"no access to this file"})
			return
		}
	}
	token, err := h.FileTokens.Issue(filetoken.Key(app, owner, path))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fileToken": token})
}

// UserFile serves a file with a token from GetUserFileToken, thumb=<px> resizes images
func (h *Handlers) UserFile(c *gin.Context) {
	app, owner, path := c.Param("app_name"), c.Param("user_id"), utils.CleanPath(c.Param("path"))
	if !h.FileTokens.Validate(filetoken.Key(app, owner, path), c.Query("fileToken")) {
		c.JSON(http.StatusUnauthorized, Response{"invalid or expired file token"})
		return
	}
	thumb := c.Query("thumb")
	if thumb == "" {
		h.Files.ServeUserFile(owner, app, path, c.Request, c.Writer)
		return
	}
	size, err := strconv.Atoi(thumb)
	if err != nil || size <= 0 || size > maxThumbSize {
		c.JSON(http.StatusBadRequest, Response{"bad thumb size"})
		return
	}
	data, err := h.Files.ReadUserFile(owner, app, path)
	if err != nil {
		respondError(c, err)
		return
	}
	var out bytes.Buffer
	if _, err = utils.CreateThumb(uint(size), bytes.NewReader(data), &out); err != nil {
		c.JSON(http.StatusUnsupportedMediaType, Response{"not an image"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", out.Bytes())
}

// UploadUserFile stores a file of the caller's own app and keeps a record for it in the app's files table
func (h *Handlers) UploadUserFile(c *gin.Context, caller *access.Caller) {
	app, path := c.Param("app_name"), utils.CleanPath(c.Param("path"))
	if !caller.IsOwner() || caller.RequestorApp != app {
		c.JSON(http.StatusForbidden, NopeResponse)
		return
	}
	size, err := h.Files.WriteUserFile(caller.OwnerID, app, path, c.Request.Body)
	if err != nil {
		respondError(c, err)
		return
	}
	data := records.Record{
		"size":                    size,
		"content_type":            c.ContentType(),
		records.FieldCreatedByUser: caller.RequestorUser,
		records.FieldCreatedByApp:  caller.RequestorApp,
	}
	existing, err := h.Records.ReadByID(caller.OwnerID, filesTable(app), path)
	if err == nil && existing == nil {
		_, err = h.Records.Create(caller.OwnerID, filesTable(app), path, data)
	} else if err == nil {
		var updated records.Record
		if updated, err = h.Records.Update(caller.OwnerID, filesTable(app), path, data, false); err == nil {
			err = h.Sharing.Republish(caller.OwnerID, filesTable(app), updated)
		}
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"_id": path, "size": size})
}
