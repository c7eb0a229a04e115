package handlers

import (
	"encoding/json"
	"net/http"
	"pdserver/access"
	"pdserver/errs"
	"pdserver/logs"
	"pdserver/records"
	"strings"

	"github.com/gin-gonic/gin"
)

type WriteResponse struct {
	ID           string `json:"_id"`
	DateCreated  int64  `json:"_date_created,omitempty"`
	DateModified int64  `json:"_date_modified"`
}

type QueryRequest struct {
	Q       records.Criteria `json:"q" form:"-"`
	Skip    int              `json:"skip" form:"skip"`
	Count   int              `json:"count" form:"count"`
	SortAsc bool             `json:"sort_asc" form:"sort_asc"`
}

func (h *Handlers) capability(c *gin.Context, caller *access.Caller) (access.Capability, bool) {
	capability, err := h.Resolver.Capability(*caller, c.Param("table"))
	if err != nil {
		respondError(c, err)
		return capability, false
	}
	return capability, true
}

// Write creates a record, with the id from the path when given
func (h *Handlers) Write(c *gin.Context, caller *access.Caller) {
	capability, ok := h.capability(c, caller)
	if !ok {
		return
	}
	if !capability.CanCreate() {
		c.JSON(http.StatusForbidden, Response{"no permission to write to " + capability.Table})
		return
	}
	var body records.Record
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}
	data := body.UserData()
	data[records.FieldCreatedByUser] = caller.RequestorUser
	data[records.FieldCreatedByApp] = caller.RequestorApp
	r, err := h.Records.Create(caller.OwnerID, capability.Table, c.Param("id"), data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, WriteResponse{ID: r.ID(), DateCreated: r.Int64(records.FieldDateCreated), DateModified: r.Int64(records.FieldDateModified)})
}

// Update merges the body into the record, replace=true swaps the user data entirely
func (h *Handlers) Update(c *gin.Context, caller *access.Caller) {
	capability, ok := h.capability(c, caller)
	if !ok {
		return
	}
	existing, err := h.Records.ReadByID(caller.OwnerID, capability.Table, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, Response{"record not found"})
		return
	}
	if !capability.CanModify(existing) {
		c.JSON(http.StatusForbidden, Response{"no permission to update this record"})
		return
	}
	var body records.Record
	if err = c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}
	data := body.UserData()
	replace := c.Query("replace") == "true"
	if replace {
		// System fields survive a replace
		for k, v := range existing {
			if strings.HasPrefix(k, "_") {
				data[k] = v
			}
		}
	}
	updated, err := h.Records.Update(caller.OwnerID, capability.Table, existing.ID(), data, replace)
	if err != nil {
		respondError(c, err)
		return
	}
	if err = h.Sharing.Republish(caller.OwnerID, capability.Table, updated); err != nil {
		logs.Error.Printf("Republish %s/%s/%s: %v", caller.OwnerID, capability.Table, updated.ID(), err)
	}
	c.JSON(http.StatusOK, WriteResponse{ID: updated.ID(), DateModified: updated.Int64(records.FieldDateModified)})
}

func (h *Handlers) Read(c *gin.Context, caller *access.Caller) {
	capability, ok := h.capability(c, caller)
	if !ok {
		return
	}
	r, err := h.Records.ReadByID(caller.OwnerID, capability.Table, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if r == nil {
		c.JSON(http.StatusNotFound, Response{"record not found"})
		return
	}
	if !capability.CanReadRecord(r) {
		c.JSON(http.StatusForbidden, Response{"no permission to read this record"})
		return
	}
	c.JSON(http.StatusOK, capability.View(r))
}

// bindQuery reads a JSON body, or the query string with q as a JSON encoded criteria
func bindQuery(c *gin.Context) (QueryRequest, error) {
	var q QueryRequest
	if c.Request.Method != http.MethodGet && c.Request.ContentLength != 0 {
		err := c.ShouldBindJSON(&q)
		return q, err
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		return q, err
	}
	if raw := c.Query("q"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Q); err != nil {
			return q, err
		}
	}
	return q, nil
}

// Query returns the readable records matching q, projected for conditional readers
func (h *Handlers) Query(c *gin.Context, caller *access.Caller) {
	capability, ok := h.capability(c, caller)
	if !ok {
		return
	}
	if !capability.CanQuery() {
		c.JSON(http.StatusForbidden, Response{"no permission to query " + capability.Table})
		return
	}
	q, err := bindQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}
	if err = capability.CheckQuery(q.Q); err != nil {
		respondError(c, err)
		return
	}
	count := q.Count
	if ceiling := capability.MaxCount(); ceiling > 0 && (count == 0 || count > ceiling) {
		count = ceiling
	}
	// Records readable one by one are filtered after the query, so paging happens here
	readsAll := capability.OwnRecord || capability.CanRead
	query := records.Query{Criteria: q.Q, SortAsc: q.SortAsc}
	if readsAll {
		query.Skip, query.Count = q.Skip, count
	}
	found, err := h.Records.Query(caller.OwnerID, capability.Table, query)
	if err != nil {
		respondError(c, err)
		return
	}
	result := []records.Record{}
	skipped := 0
	for _, r := range found {
		if !readsAll {
			if !capability.CanReadRecord(r) {
				continue
			}
			if skipped < q.Skip {
				skipped++
				continue
			}
		}
		result = append(result, capability.View(r))
		if count > 0 && len(result) >= count {
			break
		}
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) deleteRecord(owner string, capability access.Capability, r records.Record) error {
	if err := h.Records.Delete(owner, capability.Table, r.ID()); err != nil {
		return err
	}
	if err := h.Sharing.Unpublish(owner, capability.Table, r.ID()); err != nil {
		logs.Error.Printf("Unpublish %s/%s/%s: %v", owner, capability.Table, r.ID(), err)
	}
	return nil
}

func (h *Handlers) Delete(c *gin.Context, caller *access.Caller) {
	capability, ok := h.capability(c, caller)
	if !ok {
		return
	}
	r, err := h.Records.ReadByID(caller.OwnerID, capability.Table, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if r == nil {
		c.JSON(http.StatusNotFound, Response{"record not found"})
		return
	}
	if !capability.CanDelete(r) {
		c.JSON(http.StatusForbidden, Response{"no permission to delete this record"})
		return
	}
	if err = h.deleteRecord(caller.OwnerID, capability, r); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, OKResponse)
}

// DeleteMany deletes the records matching q that the caller may delete
func (h *Handlers) DeleteMany(c *gin.Context, caller *access.Caller) {
	capability, ok := h.capability(c, caller)
	if !ok {
		return
	}
	q, err := bindQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}
	if len(q.Q) == 0 {
		respondError(c, errs.Validation("q is required"))
		return
	}
	if !capability.OwnRecord && !capability.CanWrite && !capability.WriteOwn {
		c.JSON(http.StatusForbidden, Response{"no permission to delete from " + capability.Table})
		return
	}
	found, err := h.Records.Query(caller.OwnerID, capability.Table, records.Query{Criteria: q.Q})
	if err != nil {
		respondError(c, err)
		return
	}
	deleted := 0
	for _, r := range found {
		if !capability.CanDelete(r) {
			continue
		}
		if err = h.deleteRecord(caller.OwnerID, capability, r); err != nil {
			respondError(c, err)
			return
		}
		deleted++
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
