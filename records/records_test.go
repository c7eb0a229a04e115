package records

import (
	"fmt"
	"pdserver/db"
	"pdserver/errs"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s := NewGormStore(db.Open("", "file:"+uuid.NewString()+"?mode=memory&cache=shared"))
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestMatch(t *testing.T) {
	r := Record{
		"title":           "hello",
		"count":           float64(5),
		"tags":            []any{"a", "b"},
		FieldDateModified: int64(1000),
	}
	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"empty", Criteria{}, true},
		{"equal", Criteria{"title": "hello"}, true},
		{"not equal", Criteria{"title": "bye"}, false},
		{"missing field", Criteria{"other": "x"}, false},
		{"number equal int", Criteria{"count": 5}, true},
		{"lt", Criteria{"count": map[string]any{"$lt": float64(6)}}, true},
		{"gt fails", Criteria{"count": map[string]any{"$gt": float64(5)}}, false},
		{"gte", Criteria{"count": map[string]any{"$gte": float64(5)}}, true},
		{"range on date", Criteria{FieldDateModified: map[string]any{"$gt": float64(999), "$lt": float64(1001)}}, true},
		{"ne", Criteria{"title": map[string]any{"$ne": "hello"}}, false},
		{"in", Criteria{"title": map[string]any{"$in": []any{"x", "hello"}}}, true},
		{"list contains", Criteria{"tags": "b"}, true},
		{"and", Criteria{"$and": []any{map[string]any{"title": "hello"}, map[string]any{"count": float64(5)}}}, true},
		{"and fails", Criteria{"$and": []any{map[string]any{"title": "hello"}, map[string]any{"count": float64(4)}}}, false},
		{"or", Criteria{"$or": []any{map[string]any{"title": "nope"}, map[string]any{"count": float64(5)}}}, true},
		{"or fails", Criteria{"$or": []any{map[string]any{"title": "nope"}, map[string]any{"count": float64(4)}}}, false},
		{"unknown operator", Criteria{"count": map[string]any{"$regex": "x"}}, false},
		{"string vs number compare", Criteria{"title": map[string]any{"$lt": float64(3)}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(r, tt.criteria); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCriteriaKeys(t *testing.T) {
	c := Criteria{"$and": []any{
		map[string]any{"_date_modified": map[string]any{"$gt": 1}},
		map[string]any{"author": "x"},
	}}
	got := map[string]bool{}
	for _, k := range c.Keys() {
		got[k] = true
	}
	want := map[string]bool{"$and": true, "_date_modified": true, "$gt": true, "author": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordHelpers(t *testing.T) {
	r := Record{FieldID: "r1", "a": 1, "b": 2, FieldAccessibles: []any{
		map[string]any{"grantee": "_public", "requestor_app": "app", "permission_name": "p", "granted": true},
	}}
	list := r.Accessibles()
	if len(list) != 1 || list[0].Grantee != GranteePublic || !list[0].IsPublication() {
		t.Fatalf("Accessibles() = %+v", list)
	}
	if diff := cmp.Diff(Record{FieldID: "r1", "a": 1}, r.Project([]string{"a", "missing"})); diff != "" {
		t.Errorf("Project() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := r.WithoutAccessibles()[FieldAccessibles]; ok {
		t.Error("WithoutAccessibles() kept _accessibles")
	}
	if _, ok := r[FieldAccessibles]; !ok {
		t.Error("WithoutAccessibles() modified the original")
	}
	if diff := cmp.Diff(Record{"a": 1, "b": 2}, r.UserData()); diff != "" {
		t.Errorf("UserData() mismatch (-want +got):\n%s", diff)
	}
	r.SetAccessibles(nil)
	if _, ok := r[FieldAccessibles]; ok {
		t.Error("SetAccessibles(nil) should drop the field")
	}
}

func TestGormStore(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0)
	s.Now = func() time.Time { return now }

	created, err := s.Create("alice", "com.notes", "n1", Record{"title": "first", FieldID: "ignored"})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID() != "n1" || created.Int64(FieldDateCreated) != now.UnixMilli() {
		t.Fatalf("Create() = %v", created)
	}
	if _, err = s.Create("alice", "com.notes", "n1", Record{}); !errs.Is(err, errs.KindValidation) {
		t.Errorf("duplicate Create() err = %v", err)
	}
	auto, err := s.Create("alice", "com.notes", "", Record{"title": "second"})
	if err != nil || auto.ID() == "" {
		t.Fatalf("Create() without id = %v, %v", auto, err)
	}

	now = now.Add(time.Minute)
	updated, err := s.Update("alice", "com.notes", "n1", Record{"body": "text"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if updated.String("title") != "first" || updated.String("body") != "text" {
		t.Errorf("merge Update() = %v", updated)
	}
	replaced, err := s.Update("alice", "com.notes", "n1", Record{"body": "only"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := replaced["title"]; ok {
		t.Errorf("replace Update() kept old field: %v", replaced)
	}
	if _, err = s.Update("alice", "com.notes", "missing", Record{}, false); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Update() of missing record err = %v", err)
	}

	// Other owners never see alice's records
	if r, _ := s.ReadByID("bob", "com.notes", "n1"); r != nil {
		t.Errorf("ReadByID() for another owner = %v", r)
	}

	all, err := s.Query("alice", "com.notes", Query{})
	if err != nil || len(all) != 2 {
		t.Fatalf("Query() = %v, %v", all, err)
	}
	if all[0].ID() != "n1" {
		t.Errorf("Query() should return the last modified first, got %s", all[0].ID())
	}
	some, _ := s.Query("alice", "com.notes", Query{Criteria: Criteria{"title": "second"}})
	if len(some) != 1 || some[0].ID() != auto.ID() {
		t.Errorf("Query() with criteria = %v", some)
	}
	paged, _ := s.Query("alice", "com.notes", Query{Skip: 1, Count: 5})
	if len(paged) != 1 {
		t.Errorf("Query() with skip = %v", paged)
	}

	n, err := s.DeleteMany("alice", "com.notes", Criteria{"title": "second"})
	if err != nil || n != 1 {
		t.Errorf("DeleteMany() = %d, %v", n, err)
	}
	if err = s.Delete("alice", "com.notes", "n1"); err != nil {
		t.Fatal(err)
	}
	if r, _ := s.ReadByID("alice", "com.notes", "n1"); r != nil {
		t.Errorf("record still there after Delete(): %v", r)
	}
}

func TestAccessiblesSurviveStorage(t *testing.T) {
	s := newTestStore(t)
	r := Record{"title": "x"}
	r.SetAccessibles([]Accessible{{Grantee: "bob", RequestorApp: "com.notes", PermissionName: "share", Granted: true}})
	if _, err := s.Create("alice", "com.notes", "n1", r); err != nil {
		t.Fatal(err)
	}
	read, err := s.ReadByID("alice", "com.notes", "n1")
	if err != nil {
		t.Fatal(err)
	}
	want := []Accessible{{Grantee: "bob", RequestorApp: "com.notes", PermissionName: "share", Granted: true}}
	if diff := cmp.Diff(want, read.Accessibles()); diff != "" {
		t.Errorf("Accessibles() mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryPaging(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0)
	s.Now = func() time.Time { return now }
	const total = 2*scanBatch + 50
	for i := 0; i < total; i++ {
		kind := "odd"
		if i%2 == 0 {
			kind = "even"
		}
		if _, err := s.Create("alice", "com.notes", fmt.Sprintf("n%03d", i), Record{"kind": kind}); err != nil {
			t.Fatal(err)
		}
		now = now.Add(time.Millisecond)
	}
	if _, err := s.Create("bob", "com.notes", "other", Record{"kind": "even"}); err != nil {
		t.Fatal(err)
	}

	even := Criteria{"kind": "even"}
	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"count", Query{Count: 3}, []string{"n449", "n448", "n447"}},
		{"skip and count", Query{Skip: 2, Count: 2}, []string{"n447", "n446"}},
		{"ascending", Query{SortAsc: true, Count: 2}, []string{"n000", "n001"}},
		{"skip without count", Query{SortAsc: true, Skip: total - 2}, []string{"n448", "n449"}},
		{"skip past the end", Query{Skip: total}, []string{}},
		{"criteria", Query{Criteria: even, Count: 3}, []string{"n448", "n446", "n444"}},
		{"criteria across batches", Query{Criteria: even, Skip: 220, Count: 3}, []string{"n008", "n006", "n004"}},
		{"criteria ascending", Query{Criteria: even, SortAsc: true, Skip: 150, Count: 2}, []string{"n300", "n302"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := s.Query("alice", "com.notes", tt.q)
			if err != nil {
				t.Fatal(err)
			}
			ids := []string{}
			for _, r := range found {
				ids = append(ids, r.ID())
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("Query() ids (-want +got):\n%s", diff)
			}
		})
	}

	all, err := s.Query("alice", "com.notes", Query{})
	if err != nil || len(all) != total {
		t.Fatalf("Query() returned %d records, %v", len(all), err)
	}
	evens, _ := s.Query("alice", "com.notes", Query{Criteria: even})
	if len(evens) != total/2 {
		t.Errorf("Query() with criteria returned %d records, want %d", len(evens), total/2)
	}

	calls := 0
	err = s.Scan("alice", "com.notes", false, func(Record) bool {
		calls++
		return calls < 5
	})
	if err != nil || calls != 5 {
		t.Errorf("Scan() stopped after %d calls, %v", calls, err)
	}
}
