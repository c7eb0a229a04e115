// Package access decides what a caller may do with an owner's table.
package access

import (
	"pdserver/config"
	"pdserver/errs"
	"pdserver/models"
	"pdserver/records"
	"strings"
)

const accountTablePrefix = "dev.ceps."

// Caller is the resolved identity behind a request
type Caller struct {
	OwnerID      string
	RequestorApp string
	// RequestorUser is a federation key: "user" for local users, "user@host" otherwise
	RequestorUser string
	// Groups of the owner the requestor belongs to
	Groups []string
}

func (c Caller) IsOwner() bool {
	return c.RequestorUser == c.OwnerID
}

// granteeKeys lists every grantee value that designates this caller
func (c Caller) granteeKeys() []string {
	keys := []string{c.RequestorUser, records.GranteePublic}
	for _, g := range c.Groups {
		keys = append(keys, records.GranteeGroupPrefix+g)
	}
	return keys
}

// Capability is computed once per request and never modified afterwards
type Capability struct {
	Caller        Caller
	Table         string
	OwnRecord     bool
	CanRead       bool
	CanWrite      bool
	WriteOwn      bool
	WriteOwnInner bool
	ShareRecords  bool
	// GrantedPerms are the active permissions covering the table
	GrantedPerms []models.Permission

	readPerms  []models.Permission
	queryPerms []models.Permission
}

// AppOwnsTable is true for tables named after the app or prefixed by "app."
func AppOwnsTable(app, table string) bool {
	if app == "" || table == "" {
		return false
	}
	if strings.HasPrefix(table, accountTablePrefix) {
		return app == config.ACCOUNT_APP
	}
	return table == app || strings.HasPrefix(table, app+".")
}

// Evaluate computes the caller's capability on the table from the owner's permissions for the caller's app
func Evaluate(caller Caller, table string, perms []models.Permission) Capability {
	c := Capability{Caller: caller, Table: table}
	if caller.IsOwner() && AppOwnsTable(caller.RequestorApp, table) {
		c.OwnRecord = true
	}
	keys := caller.granteeKeys()
	for _, p := range perms {
		if !p.IsActive() || p.RequestorApp != caller.RequestorApp || !p.IncludesTable(table) {
			continue
		}
		c.GrantedPerms = append(c.GrantedPerms, p)
		if p.Type.IsRecordMarking() {
			// Checked per record against _accessibles, only the owner can share
			if caller.IsOwner() && p.Type != models.PermMessageRecords {
				c.ShareRecords = true
			}
			continue
		}
		if !caller.IsOwner() && !hasAnyGrantee(&p, keys) {
			continue
		}
		switch p.Type {
		case models.PermReadAll:
			c.CanRead = true
			c.readPerms = append(c.readPerms, p)
		case models.PermWriteAll:
			c.CanRead = true
			c.CanWrite = true
			c.readPerms = append(c.readPerms, p)
		case models.PermWriteOwn:
			c.WriteOwn = true
		case models.PermWriteOwnInner:
			c.WriteOwnInner = true
		case models.PermDBQuery:
			c.CanRead = true
			c.queryPerms = append(c.queryPerms, p)
		}
	}
	return c
}

func hasAnyGrantee(p *models.Permission, keys []string) bool {
	for _, k := range keys {
		if p.HasGrantee(k) {
			return true
		}
	}
	return false
}

// Permission returns the granted permission with that name
func (c Capability) Permission(name string) *models.Permission {
	for i := range c.GrantedPerms {
		if c.GrantedPerms[i].Name == name {
			p := c.GrantedPerms[i]
			return &p
		}
	}
	return nil
}

// Conditional is true when reads go through a permission rather than ownership
func (c Capability) Conditional() bool {
	return !c.OwnRecord
}

// ReturnFields is the projection applied to conditional reads, nil means all fields
func (c Capability) ReturnFields() []string {
	if !c.Conditional() {
		return nil
	}
	fields := []string{}
	for _, list := range [][]models.Permission{c.readPerms, c.queryPerms} {
		for _, p := range list {
			if len(p.ReturnFields) == 0 {
				return nil
			}
			fields = append(fields, p.ReturnFields...)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// MaxCount is the ceiling on conditional query results, 0 means none
func (c Capability) MaxCount() int {
	if !c.Conditional() {
		return 0
	}
	ceiling := 0
	for _, list := range [][]models.Permission{c.readPerms, c.queryPerms} {
		for _, p := range list {
			if p.MaxCount == 0 {
				return 0
			}
			if p.MaxCount > ceiling {
				ceiling = p.MaxCount
			}
		}
	}
	return ceiling
}

// queryLimited is true when reading is only allowed through db_query permissions
func (c Capability) queryLimited() bool {
	return !c.OwnRecord && len(c.readPerms) == 0 && len(c.queryPerms) > 0
}

var allowedQueryKeys = map[string]bool{
	"$and":                    true,
	"$or":                     true,
	"$lt":                     true,
	"$gt":                     true,
	records.FieldDateModified: true,
}

// CheckQuery rejects criteria that a db_query permission does not allow
func (c Capability) CheckQuery(criteria records.Criteria) error {
	if !c.queryLimited() {
		return nil
	}
	permitted := map[string]bool{}
	for _, p := range c.queryPerms {
		for _, f := range p.PermittedFields {
			permitted[f] = true
		}
	}
	for _, key := range criteria.Keys() {
		if !allowedQueryKeys[key] && !permitted[key] {
			return errs.Forbidden("query field not permitted: " + key)
		}
	}
	return nil
}

// CanShare is true when at least one record marking permission lets records of the table be shared with the caller
func (c Capability) CanShare() bool {
	for _, p := range c.GrantedPerms {
		if p.Type == models.PermShareRecords || p.Type == models.PermUploadPages {
			return true
		}
	}
	return false
}

func (c Capability) CanQuery() bool {
	return c.OwnRecord || c.CanRead || c.WriteOwn || c.WriteOwnInner || c.CanShare()
}

func (c Capability) CanCreate() bool {
	return c.OwnRecord || c.CanWrite || c.WriteOwn
}

func (c Capability) createdByCaller(r records.Record) bool {
	return r.String(records.FieldCreatedByUser) == c.Caller.RequestorUser &&
		r.String(records.FieldCreatedByApp) == c.Caller.RequestorApp
}

func (c Capability) CanModify(r records.Record) bool {
	if c.OwnRecord || c.CanWrite {
		return true
	}
	return (c.WriteOwn || c.WriteOwnInner) && c.createdByCaller(r)
}

func (c Capability) CanDelete(r records.Record) bool {
	if c.OwnRecord || c.CanWrite {
		return true
	}
	return c.WriteOwn && c.createdByCaller(r)
}

func (c Capability) CanReadRecord(r records.Record) bool {
	if c.OwnRecord || c.CanRead {
		return true
	}
	if (c.WriteOwn || c.WriteOwnInner) && c.createdByCaller(r) {
		return true
	}
	return c.SharedWithCaller(r)
}

// SharedWithCaller checks the record's grants made through one of the app's share permissions
func (c Capability) SharedWithCaller(r records.Record) bool {
	keys := c.Caller.granteeKeys()
	for _, a := range r.Accessibles() {
		if !a.Granted || a.RequestorApp != c.Caller.RequestorApp {
			continue
		}
		p := c.Permission(a.PermissionName)
		if p == nil || !p.Type.IsRecordMarking() {
			continue
		}
		for _, k := range keys {
			if a.Grantee == k {
				return true
			}
		}
	}
	return false
}

// View applies the projection conditional readers are limited to, _accessibles never leaves for them
func (c Capability) View(r records.Record) records.Record {
	if !c.Conditional() {
		return r
	}
	if c.SharedWithCaller(r) && !c.CanRead {
		if p := c.sharePermissionFor(r); p != nil {
			return r.Project(p.ReturnFields).WithoutAccessibles()
		}
	}
	return r.Project(c.ReturnFields()).WithoutAccessibles()
}

func (c Capability) sharePermissionFor(r records.Record) *models.Permission {
	for _, a := range r.Accessibles() {
		if a.Granted && a.RequestorApp == c.Caller.RequestorApp {
			if p := c.Permission(a.PermissionName); p != nil && p.Type.IsRecordMarking() {
				return p
			}
		}
	}
	return nil
}
