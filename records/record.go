// Package records holds the owner's app data. Each record is a free-form JSON document
// plus a few system fields maintained by the server.
package records

import (
	"encoding/json"
	"strings"
)

const (
	FieldID            = "_id"
	FieldDateCreated   = "_date_created"
	FieldDateModified  = "_date_modified"
	FieldAccessibles   = "_accessibles"
	FieldCreatedByUser = "_created_by_user"
	FieldCreatedByApp  = "_created_by_app"
)

// Grantees with a special meaning
const (
	GranteePublic      = "_public"
	GranteePrivateLink = "_privatelink"
	GranteePrivateFeed = "_privatefeed:"
	GranteeGroupPrefix = "group:"
	ContactsTable      = "dev.ceps.contacts"
	GroupsTable        = "dev.ceps.groups"
	FilesTableSuffix   = ".files"
	systemFieldPrefix  = "_"
)

type Record map[string]any

// Accessible is one grant attached to a record
type Accessible struct {
	Grantee          string   `json:"grantee"`
	RequestorApp     string   `json:"requestor_app"`
	PermissionName   string   `json:"permission_name"`
	Granted          bool     `json:"granted"`
	PublicID         string   `json:"public_id,omitempty"`
	Codes            []string `json:"codes,omitempty"`
	PrivateFeedNames []string `json:"privateFeedNames,omitempty"`
	DatePublished    int64    `json:"_date_published,omitempty"`
}

// IsPublication is true for the public, private link and private feed grantees
func (a *Accessible) IsPublication() bool {
	return IsPublicationGrantee(a.Grantee)
}

func IsPublicationGrantee(grantee string) bool {
	return grantee == GranteePublic || grantee == GranteePrivateLink || strings.HasPrefix(grantee, GranteePrivateFeed)
}

func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

func (r Record) Int64(field string) int64 {
	switch v := r[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		i, _ := v.Int64()
		return i
	}
	return 0
}

// Strings reads a list of strings, ignoring anything that is not a string
func (r Record) Strings(field string) []string {
	switch v := r[field].(type) {
	case []string:
		return v
	case []any:
		result := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				result = append(result, str)
			}
		}
		return result
	}
	return nil
}

// Accessibles decodes the record's grants. Records read back from storage hold plain JSON values
func (r Record) Accessibles() []Accessible {
	switch v := r[FieldAccessibles].(type) {
	case nil:
		return nil
	case []Accessible:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var result []Accessible
		if json.Unmarshal(raw, &result) != nil {
			return nil
		}
		return result
	}
}

func (r Record) SetAccessibles(list []Accessible) {
	if len(list) == 0 {
		delete(r, FieldAccessibles)
		return
	}
	r[FieldAccessibles] = list
}

// Clone is a shallow copy; nested values are shared
func (r Record) Clone() Record {
	result := make(Record, len(r))
	for k, v := range r {
		result[k] = v
	}
	return result
}

// Project keeps only the given fields plus _id. An empty list keeps everything
func (r Record) Project(fields []string) Record {
	if len(fields) == 0 {
		return r.Clone()
	}
	result := Record{FieldID: r[FieldID]}
	for _, f := range fields {
		if v, ok := r[f]; ok {
			result[f] = v
		}
	}
	return result
}

// WithoutAccessibles drops the _accessibles list, which must never leave the owner's host
func (r Record) WithoutAccessibles() Record {
	result := r.Clone()
	delete(result, FieldAccessibles)
	return result
}

// UserData returns the fields an app is allowed to write, system fields are dropped
func (r Record) UserData() Record {
	result := Record{}
	for k, v := range r {
		if !strings.HasPrefix(k, systemFieldPrefix) {
			result[k] = v
		}
	}
	return result
}
