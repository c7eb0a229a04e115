package handlers

import (
	"net/http"
	"pdserver/validation"

	"github.com/gin-gonic/gin"
)

// ValidationToken handles set (requestor's app, signed in), validate and verify (other hosts)
func (h *Handlers) ValidationToken(c *gin.Context) {
	var p validation.Params
	if err := c.ShouldBind(&p); err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}
	var (
		result any
		err    error
	)
	switch c.Param("action") {
	case "set":
		caller := h.ownerOnly(c)
		if caller == nil {
			return
		}
		p.RequestorUser = caller.OwnerID
		p.AppID = caller.RequestorApp
		result, err = h.Validation.Set(p)
	case "validate":
		result, err = h.Validation.Validate(c.Request.Context(), p)
	case "verify":
		result, err = h.Validation.Verify(p)
	default:
		c.JSON(http.StatusNotFound, Response{"unknown action"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
