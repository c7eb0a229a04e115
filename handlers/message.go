package handlers

import (
	"net/http"
	"pdserver/access"
	"pdserver/config"
	"pdserver/messaging"

	"github.com/gin-gonic/gin"
)

type MarkReadRequest struct {
	MessageIDs []uint64 `json:"message_ids"`
}

// Message dispatches the messaging actions. initiate and mark_read need the owner's token,
// transmit and verify are called by other hosts
func (h *Handlers) Message(c *gin.Context) {
	switch c.Param("action") {
	case "transmit":
		body := map[string]any{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, Response{err.Error()})
			return
		}
		if _, err := h.Messaging.Transmit(c.Request.Context(), body); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	case "verify":
		var req messaging.VerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, Response{err.Error()})
			return
		}
		result, err := h.Messaging.Verify(req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	case "initiate":
		if caller := h.ownerOnly(c); caller != nil {
			h.initiate(c, caller)
		}
	case "mark_read":
		if caller := h.ownerOnly(c); caller != nil {
			h.markRead(c, caller)
		}
	default:
		c.JSON(http.StatusNotFound, Response{"unknown action"})
	}
}

func (h *Handlers) ownerOnly(c *gin.Context) *access.Caller {
	caller, err := h.Auth.Authenticate(c)
	if err != nil {
		respondError(c, err)
		return nil
	}
	if !caller.IsOwner() {
		c.JSON(http.StatusForbidden, NopeResponse)
		return nil
	}
	return caller
}

func (h *Handlers) initiate(c *gin.Context, caller *access.Caller) {
	var req messaging.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}
	req.Sender = caller.OwnerID
	req.App = caller.RequestorApp
	result, err := h.Messaging.Initiate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) markRead(c *gin.Context, caller *access.Caller) {
	var req MarkReadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, Response{err.Error()})
			return
		}
	}
	updated, err := h.Messaging.MarkRead(caller.OwnerID, inboxApp(caller), req.MessageIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// inboxApp limits apps to their own messages, the account app sees all of them
func inboxApp(caller *access.Caller) string {
	if caller.RequestorApp == config.ACCOUNT_APP {
		return ""
	}
	return caller.RequestorApp
}

// MessagesGot lists the owner's inbox, unread=true for unread messages only
func (h *Handlers) MessagesGot(c *gin.Context, caller *access.Caller) {
	if !caller.IsOwner() {
		c.JSON(http.StatusForbidden, NopeResponse)
		return
	}
	inbox, err := h.Messaging.Inbox(caller.OwnerID, inboxApp(caller), c.Query("unread") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inbox)
}
