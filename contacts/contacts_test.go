package contacts

import (
	"pdserver/db"
	"pdserver/records"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	store := records.NewGormStore(db.Open("", "file:"+uuid.NewString()+"?mode=memory&cache=shared"))
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	seed := []struct {
		table string
		data  records.Record
	}{
		{records.ContactsTable, records.Record{"username": "bob", "serverurl": "", "nickname": "Bob"}},
		{records.ContactsTable, records.Record{"username": "carol", "serverurl": "https://far.example.com"}},
		{records.ContactsTable, records.Record{"username": "dave", "serverurl": "https://me.example.com/"}},
		{records.GroupsTable, records.Record{"name": "family", "members": []string{"bob", "carol@far.example.com"}}},
		{records.GroupsTable, records.Record{"name": "work", "members": []string{"dave"}}},
	}
	for _, s := range seed {
		if _, err := store.Create("alice", s.table, "", s.data); err != nil {
			t.Fatal(err)
		}
	}
	return NewDirectory(store, "https://me.example.com")
}

func TestIsContact(t *testing.T) {
	d := newTestDirectory(t)
	tests := []struct {
		key  string
		want bool
	}{
		{"bob", true},
		{"carol@far.example.com", true},
		{"carol", false},
		{"dave", true},
		{"bob@far.example.com", false},
		{"eve", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := d.IsContact("alice", tt.key)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("IsContact(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
	if ok, _ := d.IsContact("bob", "alice"); ok {
		t.Error("contacts must be scoped to their owner")
	}
}

func TestGroups(t *testing.T) {
	d := newTestDirectory(t)
	if ok, _ := d.GroupExists("alice", "family"); !ok {
		t.Error("GroupExists(family) = false")
	}
	if ok, _ := d.GroupExists("alice", "friends"); ok {
		t.Error("GroupExists(friends) = true")
	}
	got, err := d.GroupsOf("alice", "carol@far.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"family"}, got); diff != "" {
		t.Errorf("GroupsOf() mismatch (-want +got):\n%s", diff)
	}
	members, _ := d.GroupMembers("alice", "work")
	if diff := cmp.Diff([]string{"dave"}, members); diff != "" {
		t.Errorf("GroupMembers() mismatch (-want +got):\n%s", diff)
	}
	contacts, _ := d.Contacts("alice")
	if len(contacts) != 3 {
		t.Errorf("Contacts() = %v", contacts)
	}
}
