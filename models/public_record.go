package models

import (
	"errors"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PublicRecord is a copy of an owner's record reachable outside normal access control
type PublicRecord struct {
	ID               uint64            `gorm:"primaryKey" json:"-"`
	PublicID         string            `gorm:"type:varchar(400);not null;index:uniq_public_id,unique" json:"public_id"`
	CreatedAt        int64             `json:"-"`
	UpdatedAt        int64             `json:"_date_modified"`
	DataOwner        string            `gorm:"type:varchar(100);not null;index:owner_app_perm,priority:1" json:"data_owner"`
	RequestorApp     string            `gorm:"type:varchar(200);not null;index:owner_app_perm,priority:2" json:"requestor_app"`
	PermissionName   string            `gorm:"type:varchar(200);not null;index:owner_app_perm,priority:3" json:"permission_name"`
	OriginalAppTable string            `gorm:"type:varchar(200);not null;index:original,priority:1" json:"original_app_table"`
	OriginalRecordID string            `gorm:"type:varchar(300);not null;index:original,priority:2" json:"original_record_id"`
	OriginalRecord   datatypes.JSONMap `json:"original_record"`
	SearchWords      []string          `gorm:"serializer:json" json:"search_words"`
	DatePublished    int64             `gorm:"index" json:"_date_published"`
	DoNotList        bool              `gorm:"not null;default:false" json:"doNotList"`
	IsPublic         bool              `gorm:"not null;default:false" json:"isPublic"`
	PrivateLinks     []string          `gorm:"serializer:json" json:"privateLinks,omitempty"`
	PrivateFeedNames []string          `gorm:"serializer:json" json:"privateFeedNames,omitempty"`
	IsHtmlMainPage   bool              `gorm:"not null;default:false" json:"isHtmlMainPage"`
	HtmlPage         string            `gorm:"type:mediumtext" json:"html_page,omitempty"`
	FileStructure    datatypes.JSONMap `json:"fileStructure,omitempty"`
}

// IsAlive is false once no publication keeps the record reachable
func (p *PublicRecord) IsAlive() bool {
	return p.IsPublic || len(p.PrivateLinks) > 0 || len(p.PrivateFeedNames) > 0
}

// SameOrigin reports whether both point at the same original record
func (p *PublicRecord) SameOrigin(owner, table, recordID string) bool {
	return p.DataOwner == owner && p.OriginalAppTable == table && p.OriginalRecordID == recordID
}

func (p *PublicRecord) HasCode(code string) bool {
	for _, c := range p.PrivateLinks {
		if c == code {
			return true
		}
	}
	return false
}

// PublicQuery is used to list public records
type PublicQuery struct {
	Owner string
	App   string
	Words []string
	Skip  int
	Count int
}

type PublicRecordStore struct {
	DB *gorm.DB
}

func NewPublicRecordStore(db *gorm.DB) *PublicRecordStore {
	return &PublicRecordStore{DB: db}
}

// Get returns nil when there is no record with that id
func (s *PublicRecordStore) Get(publicID string) (*PublicRecord, error) {
	var p PublicRecord
	err := s.DB.Where("public_id = ?", publicID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PublicRecordStore) Save(p *PublicRecord) error {
	return s.DB.Save(p).Error
}

func (s *PublicRecordStore) Delete(publicID string) error {
	return s.DB.Where("public_id = ?", publicID).Delete(&PublicRecord{}).Error
}

func (s *PublicRecordStore) ForRecord(owner, table, recordID string) (result []PublicRecord, err error) {
	err = s.DB.Where("data_owner = ? AND original_app_table = ? AND original_record_id = ?", owner, table, recordID).Find(&result).Error
	return
}

func (s *PublicRecordStore) CountForPermission(owner, app, permissionName string) (count int64, err error) {
	err = s.DB.Model(&PublicRecord{}).
		Where("data_owner = ? AND requestor_app = ? AND permission_name = ?", owner, app, permissionName).
		Count(&count).Error
	return
}

// Listed returns public (not private link / feed only) records that are not marked doNotList
func (s *PublicRecordStore) Listed(q PublicQuery) ([]PublicRecord, error) {
	tx := s.DB.Where("is_public = ? AND do_not_list = ?", true, false)
	if q.Owner != "" {
		tx = tx.Where("data_owner = ?", q.Owner)
	}
	if q.App != "" {
		tx = tx.Where("requestor_app = ?", q.App)
	}
	var candidates []PublicRecord
	if err := tx.Order("date_published DESC").Find(&candidates).Error; err != nil {
		return nil, err
	}
	return page(filterWords(candidates, q.Words), q.Skip, q.Count), nil
}

// InFeed returns records published to the owner's private feed
func (s *PublicRecordStore) InFeed(owner, feed string, skip, count int) ([]PublicRecord, error) {
	var candidates []PublicRecord
	// JSON columns are not portable across mysql and sqlite, so the feed name is matched here
	err := s.DB.Where("data_owner = ? AND private_feed_names LIKE ?", owner, "%\""+feed+"\"%").
		Order("date_published DESC").Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	result := candidates[:0]
	for _, c := range candidates {
		for _, f := range c.PrivateFeedNames {
			if f == feed {
				result = append(result, c)
				break
			}
		}
	}
	return page(result, skip, count), nil
}

func filterWords(in []PublicRecord, words []string) []PublicRecord {
	if len(words) == 0 {
		return in
	}
	result := []PublicRecord{}
	for _, p := range in {
		have := map[string]bool{}
		for _, w := range p.SearchWords {
			have[w] = true
		}
		all := true
		for _, w := range words {
			if !have[strings.ToLower(w)] {
				all = false
				break
			}
		}
		if all {
			result = append(result, p)
		}
	}
	return result
}

func page(in []PublicRecord, skip, count int) []PublicRecord {
	if skip >= len(in) {
		return []PublicRecord{}
	}
	in = in[skip:]
	if count > 0 && count < len(in) {
		in = in[:count]
	}
	return in
}
