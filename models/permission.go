package models

import (
	"pdserver/logs"
	"pdserver/utils"

	"gorm.io/gorm"
)

type PermissionType string

const (
	PermOwnRecord      PermissionType = "own_record"
	PermReadAll        PermissionType = "read_all"
	PermWriteAll       PermissionType = "write_all"
	PermWriteOwn       PermissionType = "write_own"
	PermWriteOwnInner  PermissionType = "write_own_inner"
	PermShareRecords   PermissionType = "share_records"
	PermMessageRecords PermissionType = "message_records"
	PermUploadPages    PermissionType = "upload_pages"
	PermDBQuery        PermissionType = "db_query"
	PermUseApp         PermissionType = "use_app"
	PermUseServerless  PermissionType = "use_serverless"
)

const (
	PermStatusPending  = "pending"
	PermStatusGranted  = "granted"
	PermStatusDenied   = "denied"
	PermStatusOutdated = "outdated"
)

func (t PermissionType) Valid() bool {
	switch t {
	case PermOwnRecord, PermReadAll, PermWriteAll, PermWriteOwn, PermWriteOwnInner, PermShareRecords,
		PermMessageRecords, PermUploadPages, PermDBQuery, PermUseApp, PermUseServerless:
		return true
	}
	return false
}

// IsRecordMarking is true for permissions that are granted per record (via _accessibles)
// rather than on the permission's own grantee list.
func (t PermissionType) IsRecordMarking() bool {
	return t == PermShareRecords || t == PermMessageRecords || t == PermUploadPages
}

// Permission is one grant requested by an app (RequestorApp) over the data of OwnerID
type Permission struct {
	ID              uint64         `gorm:"primaryKey" json:"-"`
	CreatedAt       int64          `json:"_date_created"`
	UpdatedAt       int64          `json:"_date_modified"`
	OwnerID         string         `gorm:"type:varchar(100);not null;index:owner_app_name,priority:1" json:"owner_id"`
	RequestorApp    string         `gorm:"type:varchar(200);not null;index:owner_app_name,priority:2" json:"requestor_app"`
	Name            string         `gorm:"type:varchar(200);not null;index:owner_app_name,priority:3" json:"name"`
	Type            PermissionType `gorm:"type:varchar(50);not null" json:"type"`
	Description     string         `gorm:"type:varchar(1000)" json:"description"`
	TableIDs        []string       `gorm:"serializer:json" json:"table_id"`
	Grantees        []string       `gorm:"serializer:json" json:"grantees"`
	ReturnFields    []string       `gorm:"serializer:json" json:"return_fields"`
	SearchFields    []string       `gorm:"serializer:json" json:"search_fields"`
	PermittedFields []string       `gorm:"serializer:json" json:"permitted_fields"`
	MaxCount        int            `json:"max_count"`
	Granted         bool           `gorm:"not null;default:false" json:"granted"`
	OutDated        bool           `gorm:"not null;default:false" json:"outDated"`
	Status          string         `gorm:"type:varchar(20)" json:"status"`
	HasPublic       bool           `gorm:"not null;default:false" json:"hasPublic"`
	RevokeIsWip     bool           `gorm:"not null;default:false" json:"revokeIsWip"`
}

// IsActive is true for permissions the owner accepted that are still declared by the app
func (p *Permission) IsActive() bool {
	return p.Granted && !p.OutDated
}

func (p *Permission) IncludesTable(tableID string) bool {
	for _, t := range p.TableIDs {
		if t == tableID {
			return true
		}
	}
	return false
}

func (p *Permission) HasGrantee(key string) bool {
	for _, g := range p.Grantees {
		if g == key {
			return true
		}
	}
	return false
}

func (p *Permission) AddGrantee(key string) (changed bool) {
	p.Grantees, changed = utils.AddUnique(p.Grantees, key)
	return
}

func (p *Permission) RemoveGrantee(key string) (changed bool) {
	p.Grantees, changed = utils.Remove(p.Grantees, key)
	return
}

// PermissionDeclaration is what an app manifest asks for
type PermissionDeclaration struct {
	Name            string         `json:"name" binding:"required"`
	Type            PermissionType `json:"type" binding:"required"`
	Description     string         `json:"description"`
	TableIDs        []string       `json:"table_id"`
	ReturnFields    []string       `json:"return_fields"`
	SearchFields    []string       `json:"search_fields"`
	PermittedFields []string       `json:"permitted_fields"`
	MaxCount        int            `json:"max_count"`
}

type PermissionStore struct {
	DB *gorm.DB
}

func NewPermissionStore(db *gorm.DB) *PermissionStore {
	return &PermissionStore{DB: db}
}

func (s *PermissionStore) ForOwnerApp(ownerID, app string) (result []Permission, err error) {
	err = s.DB.Where("owner_id = ? AND requestor_app = ?", ownerID, app).Order("id").Find(&result).Error
	return
}

// Get returns the permission or nil if there is none. Duplicates are an integrity anomaly: logged, first one wins
func (s *PermissionStore) Get(ownerID, app, name string) (*Permission, error) {
	var found []Permission
	err := s.DB.Where("owner_id = ? AND requestor_app = ? AND name = ?", ownerID, app, name).Order("id").Find(&found).Error
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	if len(found) > 1 {
		logs.Warning.Printf("Permission anomaly: %d records for owner=%s app=%s name=%s, using id %d", len(found), ownerID, app, name, found[0].ID)
	}
	return &found[0], nil
}

func (s *PermissionStore) Save(p *Permission) error {
	return s.DB.Save(p).Error
}

// Declare upserts the app's declared permissions. Changed declarations need to be accepted again,
// permissions no longer declared are marked outdated.
func (s *PermissionStore) Declare(ownerID, app string, declarations []PermissionDeclaration) ([]Permission, error) {
	existing, err := s.ForOwnerApp(ownerID, app)
	if err != nil {
		return nil, err
	}
	byName := map[string]*Permission{}
	for i := range existing {
		if _, ok := byName[existing[i].Name]; !ok {
			byName[existing[i].Name] = &existing[i]
		}
	}
	declared := map[string]bool{}
	result := []Permission{}
	for _, d := range declarations {
		declared[d.Name] = true
		p, ok := byName[d.Name]
		if !ok {
			p = &Permission{OwnerID: ownerID, RequestorApp: app, Name: d.Name, Status: PermStatusPending}
		} else if p.scopeChanged(&d) {
			// The owner has to accept the new scope
			p.Granted = false
			p.Status = PermStatusPending
		}
		p.Type = d.Type
		p.Description = d.Description
		p.TableIDs = d.TableIDs
		p.ReturnFields = d.ReturnFields
		p.SearchFields = d.SearchFields
		p.PermittedFields = d.PermittedFields
		p.MaxCount = d.MaxCount
		p.OutDated = false
		if err = s.Save(p); err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	for name, p := range byName {
		if declared[name] || p.OutDated {
			continue
		}
		p.OutDated = true
		p.Status = PermStatusOutdated
		if err = s.Save(p); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// scopeChanged is true when d asks for anything the owner did not accept
func (p *Permission) scopeChanged(d *PermissionDeclaration) bool {
	return p.Type != d.Type ||
		p.MaxCount != d.MaxCount ||
		!sameStrings(p.TableIDs, d.TableIDs) ||
		!sameStrings(p.ReturnFields, d.ReturnFields) ||
		!sameStrings(p.SearchFields, d.SearchFields) ||
		!sameStrings(p.PermittedFields, d.PermittedFields)
}

// Change applies the owner's accept or deny decision
func (s *PermissionStore) Change(ownerID, app, name string, accept bool) (*Permission, error) {
	p, err := s.Get(ownerID, app, name)
	if err != nil || p == nil {
		return p, err
	}
	p.Granted = accept && !p.OutDated
	p.Status = PermStatusDenied
	if p.Granted {
		p.Status = PermStatusGranted
	}
	return p, s.Save(p)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
