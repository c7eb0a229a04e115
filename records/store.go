package records

import (
	"errors"
	"pdserver/errs"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Query selects records of one owner's table
type Query struct {
	Criteria Criteria
	Skip     int
	Count    int
	// SortAsc returns the oldest modified records first
	SortAsc bool
}

// Store is the record storage engine used by access control, sharing and messaging
type Store interface {
	Create(owner, table, id string, data Record) (Record, error)
	ReadByID(owner, table, id string) (Record, error)
	Update(owner, table, id string, data Record, replace bool) (Record, error)
	Query(owner, table string, q Query) ([]Record, error)
	Scan(owner, table string, asc bool, fn func(Record) bool) error
	Delete(owner, table, id string) error
	DeleteMany(owner, table string, criteria Criteria) (int64, error)
}

type row struct {
	ID           uint64            `gorm:"primaryKey"`
	OwnerID      string            `gorm:"type:varchar(100);not null;index:uniq_owner_table_record,unique,priority:1"`
	TableID      string            `gorm:"type:varchar(200);not null;index:uniq_owner_table_record,unique,priority:2"`
	RecordID     string            `gorm:"type:varchar(300);not null;index:uniq_owner_table_record,unique,priority:3"`
	DateCreated  int64             `gorm:"not null"`
	DateModified int64             `gorm:"not null;index"`
	Data         datatypes.JSONMap `gorm:"not null"`
}

func (row) TableName() string {
	return "app_records"
}

func (r *row) record() Record {
	result := Record{}
	for k, v := range r.Data {
		result[k] = v
	}
	result[FieldID] = r.RecordID
	result[FieldDateCreated] = r.DateCreated
	result[FieldDateModified] = r.DateModified
	return result
}

// GormStore keeps all records in one table. Criteria are matched in Go so they
// work the same on MySQL and SQLite; plain listings page in SQL
type GormStore struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db, Now: time.Now}
}

func (s *GormStore) Migrate() error {
	return s.DB.AutoMigrate(&row{})
}

func (s *GormStore) now() int64 {
	return s.Now().UnixMilli()
}

func stripSystem(data Record) datatypes.JSONMap {
	result := datatypes.JSONMap{}
	for k, v := range data {
		switch k {
		case FieldID, FieldDateCreated, FieldDateModified:
			continue
		}
		result[k] = v
	}
	return result
}

func (s *GormStore) Create(owner, table, id string, data Record) (Record, error) {
	if id == "" {
		id = uuid.NewString()
	}
	existing, err := s.get(owner, table, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errs.Validation("record already exists")
	}
	now := s.now()
	r := row{OwnerID: owner, TableID: table, RecordID: id, DateCreated: now, DateModified: now, Data: stripSystem(data)}
	if err = s.DB.Create(&r).Error; err != nil {
		return nil, err
	}
	return r.record(), nil
}

func (s *GormStore) get(owner, table, id string) (*row, error) {
	var r row
	err := s.DB.Where("owner_id = ? AND table_id = ? AND record_id = ?", owner, table, id).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReadByID returns nil when the record does not exist
func (s *GormStore) ReadByID(owner, table, id string) (Record, error) {
	r, err := s.get(owner, table, id)
	if err != nil || r == nil {
		return nil, err
	}
	return r.record(), nil
}

// Update merges data into the record, or replaces it entirely when replace is set.
// A nil value removes the field on merge
func (s *GormStore) Update(owner, table, id string, data Record, replace bool) (Record, error) {
	r, err := s.get(owner, table, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errs.NotFound("record not found")
	}
	if replace {
		r.Data = stripSystem(data)
	} else {
		for k, v := range stripSystem(data) {
			if v == nil {
				delete(r.Data, k)
				continue
			}
			r.Data[k] = v
		}
	}
	r.DateModified = s.now()
	err = s.DB.Model(r).Updates(map[string]any{"data": r.Data, "date_modified": r.DateModified}).Error
	if err != nil {
		return nil, err
	}
	return r.record(), nil
}

// scanBatch is how many rows Scan reads per round trip
const scanBatch = 200

// maxRows stands in for "no limit" when only an offset is given, since MySQL
// rejects OFFSET without LIMIT
const maxRows = 1<<31 - 1

func (s *GormStore) ordered(owner, table string, asc bool) *gorm.DB {
	order := "date_modified DESC, id DESC"
	if asc {
		order = "date_modified ASC, id ASC"
	}
	return s.DB.Where("owner_id = ? AND table_id = ?", owner, table).Order(order)
}

// Scan calls fn for each record of the owner's table, last modified first unless
// asc is set, reading scanBatch rows at a time. It stops once fn returns false
func (s *GormStore) Scan(owner, table string, asc bool, fn func(Record) bool) error {
	for offset := 0; ; offset += scanBatch {
		var rows []row
		if err := s.ordered(owner, table, asc).Offset(offset).Limit(scanBatch).Find(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			if !fn(rows[i].record()) {
				return nil
			}
		}
		if len(rows) < scanBatch {
			return nil
		}
	}
}

func (s *GormStore) Query(owner, table string, q Query) ([]Record, error) {
	result := []Record{}
	if len(q.Criteria) == 0 {
		tx := s.ordered(owner, table, q.SortAsc)
		if q.Count > 0 {
			tx = tx.Limit(q.Count)
		}
		if q.Skip > 0 {
			if q.Count <= 0 {
				tx = tx.Limit(maxRows)
			}
			tx = tx.Offset(q.Skip)
		}
		var rows []row
		if err := tx.Find(&rows).Error; err != nil {
			return nil, err
		}
		for i := range rows {
			result = append(result, rows[i].record())
		}
		return result, nil
	}
	skipped := 0
	err := s.Scan(owner, table, q.SortAsc, func(rec Record) bool {
		if !Match(rec, q.Criteria) {
			return true
		}
		if skipped < q.Skip {
			skipped++
			return true
		}
		result = append(result, rec)
		return q.Count <= 0 || len(result) < q.Count
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *GormStore) Delete(owner, table, id string) error {
	return s.DB.Where("owner_id = ? AND table_id = ? AND record_id = ?", owner, table, id).Delete(&row{}).Error
}

func (s *GormStore) DeleteMany(owner, table string, criteria Criteria) (int64, error) {
	found, err := s.Query(owner, table, Query{Criteria: criteria})
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(found))
	for _, r := range found {
		ids = append(ids, r.ID())
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.DB.Where("owner_id = ? AND table_id = ? AND record_id IN ?", owner, table, ids).Delete(&row{})
	return result.RowsAffected, result.Error
}
