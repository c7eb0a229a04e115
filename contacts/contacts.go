// Package contacts reads the owner's address book and groups, both kept as ordinary records.
package contacts

import (
	"pdserver/federation"
	"pdserver/records"
)

// Contact is a record of the dev.ceps.contacts table
type Contact struct {
	Username  string `json:"username"`
	ServerURL string `json:"serverurl"`
	Nickname  string `json:"nickname"`
}

type Directory struct {
	Records records.Store
	// Self is this host's public URL, contacts on it are local users
	Self string
}

func NewDirectory(store records.Store, self string) *Directory {
	return &Directory{Records: store, Self: self}
}

// Contacts lists the owner's contacts
func (d *Directory) Contacts(owner string) ([]Contact, error) {
	list, err := d.Records.Query(owner, records.ContactsTable, records.Query{})
	if err != nil {
		return nil, err
	}
	result := make([]Contact, 0, len(list))
	for _, r := range list {
		result = append(result, Contact{
			Username:  r.String("username"),
			ServerURL: r.String("serverurl"),
			Nickname:  r.String("nickname"),
		})
	}
	return result, nil
}

// IsContact reports whether the user with the given key (user or user@host) is in the owner's contacts
func (d *Directory) IsContact(owner, key string) (bool, error) {
	user, _ := federation.SplitKey(key)
	list, err := d.Records.Query(owner, records.ContactsTable, records.Query{Criteria: records.Criteria{"username": user}})
	if err != nil {
		return false, err
	}
	for _, r := range list {
		if federation.Key(r.String("username"), r.String("serverurl"), d.Self) == key {
			return true, nil
		}
	}
	return false, nil
}

func (d *Directory) GroupExists(owner, name string) (bool, error) {
	list, err := d.Records.Query(owner, records.GroupsTable, records.Query{Criteria: records.Criteria{"name": name}, Count: 1})
	return len(list) > 0, err
}

// GroupsOf returns the names of the owner's groups listing key as a member
func (d *Directory) GroupsOf(owner, key string) ([]string, error) {
	list, err := d.Records.Query(owner, records.GroupsTable, records.Query{Criteria: records.Criteria{"members": key}})
	if err != nil {
		return nil, err
	}
	result := []string{}
	for _, r := range list {
		if name := r.String("name"); name != "" {
			result = append(result, name)
		}
	}
	return result, nil
}

// GroupMembers returns nil for unknown groups
func (d *Directory) GroupMembers(owner, name string) ([]string, error) {
	list, err := d.Records.Query(owner, records.GroupsTable, records.Query{Criteria: records.Criteria{"name": name}, Count: 1})
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0].Strings("members"), nil
}
