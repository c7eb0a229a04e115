package access

import (
	"pdserver/contacts"
	"pdserver/models"
)

// Resolver loads what Evaluate needs for a request
type Resolver struct {
	Perms    *models.PermissionStore
	Contacts *contacts.Directory
}

func NewResolver(perms *models.PermissionStore, dir *contacts.Directory) *Resolver {
	return &Resolver{Perms: perms, Contacts: dir}
}

// Caller fills in the owner's groups the requestor belongs to
func (r *Resolver) Caller(ownerID, app, requestor string) (Caller, error) {
	c := Caller{OwnerID: ownerID, RequestorApp: app, RequestorUser: requestor}
	if c.IsOwner() || r.Contacts == nil {
		return c, nil
	}
	groups, err := r.Contacts.GroupsOf(ownerID, requestor)
	if err != nil {
		return c, err
	}
	c.Groups = groups
	return c, nil
}

func (r *Resolver) Capability(caller Caller, table string) (Capability, error) {
	perms, err := r.Perms.ForOwnerApp(caller.OwnerID, caller.RequestorApp)
	if err != nil {
		return Capability{}, err
	}
	return Evaluate(caller, table, perms), nil
}
