// Package sharing grants and revokes access to an owner's records and maintains their public copies.
package sharing

import (
	"pdserver/contacts"
	"pdserver/errs"
	"pdserver/federation"
	"pdserver/logs"
	"pdserver/metrics"
	"pdserver/models"
	"pdserver/records"
	"pdserver/utils"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	ActionGrant = "grant"
	ActionDeny  = "deny"
)

// PageReader loads the raw content of a user file, used to embed html pages in public records
type PageReader interface {
	ReadUserFile(owner, app, path string) ([]byte, error)
}

// Request is a share_records call made by the owner through RequestorApp
type Request struct {
	Owner          string           `json:"-"`
	RequestorApp   string           `json:"-"`
	Name           string           `json:"name"`
	TableID        string           `json:"table_id"`
	Grantees       []string         `json:"grantees"`
	Action         string           `json:"action"`
	RecordID       string           `json:"record_id"`
	ObjectIDList   []string         `json:"object_id_list"`
	QueryCriteria  records.Criteria `json:"query_criteria"`
	PublicID       string           `json:"publicid"`
	PubDate        int64            `json:"pubDate"`
	DoNotList      bool             `json:"doNotList"`
	IsHtmlMainPage bool             `json:"isHtmlMainPage"`
	FileStructure  map[string]any   `json:"fileStructure"`
}

// PairError is a record/grantee pair that could not be processed
type PairError struct {
	RecordID string `json:"record_id,omitempty"`
	Grantee  string `json:"grantee"`
	Error    string `json:"error"`
}

// Publication tells the owner where a published record can be found
type Publication struct {
	RecordID string `json:"record_id"`
	PublicID string `json:"public_id"`
	Code     string `json:"code,omitempty"`
}

type Result struct {
	Name         string        `json:"name"`
	Action       string        `json:"action"`
	Grantees     []string      `json:"grantees"`
	Succeeded    int           `json:"succeeded"`
	Publications []Publication `json:"publications,omitempty"`
	// IncompleteTransactionErrors lists the pairs that failed. Nothing else is rolled back
	IncompleteTransactionErrors []PairError `json:"incompleteTransactionErrors"`
}

func (r *Result) fail(recordID, grantee string, err error) {
	r.IncompleteTransactionErrors = append(r.IncompleteTransactionErrors, PairError{RecordID: recordID, Grantee: grantee, Error: err.Error()})
}

type Engine struct {
	Perms    *models.PermissionStore
	Public   *models.PublicRecordStore
	Feeds    *models.PrivateFeedStore
	Users    *models.UserStore
	Records  records.Store
	Contacts *contacts.Directory
	Pages    PageReader
	// Self is this host's public URL
	Self string
	Now  func() time.Time
}

func (e *Engine) now() int64 {
	if e.Now == nil {
		return time.Now().UnixMilli()
	}
	return e.Now().UnixMilli()
}

// grantees split by kind, publication holds at most one entry
type classified struct {
	publication string
	groups      []string
	individuals []string
}

func publicationKind(grantee string) string {
	if strings.HasPrefix(grantee, records.GranteePrivateFeed) {
		return records.GranteePrivateFeed
	}
	return grantee
}

func (e *Engine) validate(req *Request) (*models.Permission, error) {
	if req.Name == "" {
		return nil, errs.Validation("missing permission name")
	}
	if req.Action != ActionGrant && req.Action != ActionDeny {
		return nil, errs.Validation("action must be grant or deny")
	}
	if len(req.Grantees) == 0 {
		return nil, errs.Validation("no grantees")
	}
	publications := map[string]bool{}
	for _, g := range req.Grantees {
		if g = strings.TrimSpace(g); records.IsPublicationGrantee(g) {
			publications[g] = true
		}
	}
	if len(publications) > 1 {
		return nil, errs.Validation("too many requests: only one of _public, _privatelink or a single _privatefeed can be shared at a time")
	}
	perm, err := e.Perms.Get(req.Owner, req.RequestorApp, req.Name)
	if err != nil {
		return nil, err
	}
	if perm == nil {
		return nil, errs.Forbidden("permission not found: " + req.Name)
	}
	if !perm.IsActive() {
		return nil, errs.Forbidden("permission not granted: " + req.Name)
	}
	if perm.Type.IsRecordMarking() || req.TableID != "" {
		if !perm.IncludesTable(req.TableID) {
			return nil, errs.Forbidden("permission does not cover table " + req.TableID)
		}
	}
	for _, g := range req.Grantees {
		if !records.IsPublicationGrantee(g) {
			continue
		}
		switch {
		case perm.Type == models.PermShareRecords || perm.Type == models.PermUploadPages:
		case g == records.GranteePublic && !perm.Type.IsRecordMarking():
		default:
			return nil, errs.Validation("cannot publish through a " + string(perm.Type) + " permission")
		}
	}
	return perm, nil
}

// classify resolves groups and applies the owner's contact preference; rejected grantees go to the result
func (e *Engine) classify(req *Request, result *Result) (classified, error) {
	var c classified
	var owner *models.User
	if req.Action == ActionGrant {
		var err error
		if owner, err = e.Users.Get(req.Owner); err != nil {
			return c, err
		}
	}
	seen := map[string]bool{}
	for _, g := range req.Grantees {
		g = strings.TrimSpace(g)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		switch {
		case records.IsPublicationGrantee(g):
			if g == records.GranteePrivateFeed {
				result.fail("", g, errs.Validation("missing feed name"))
				continue
			}
			c.publication = g
		case strings.HasPrefix(g, records.GranteeGroupPrefix):
			if req.Action == ActionGrant {
				ok, err := e.Contacts.GroupExists(req.Owner, strings.TrimPrefix(g, records.GranteeGroupPrefix))
				if err != nil {
					return c, err
				}
				if !ok {
					result.fail("", g, errs.NotFound("group does not exist"))
					continue
				}
			}
			c.groups = append(c.groups, g)
		default:
			user, host := federation.SplitKey(g)
			key := federation.Key(user, host, e.Self)
			if owner != nil && owner.BlockMsgsToNonContacts {
				ok, err := e.Contacts.IsContact(req.Owner, key)
				if err != nil {
					return c, err
				}
				if !ok {
					result.fail("", g, errs.Forbidden("not a contact"))
					continue
				}
			}
			c.individuals = append(c.individuals, key)
		}
	}
	return c, nil
}

func (c classified) all() []string {
	result := append([]string{}, c.individuals...)
	result = append(result, c.groups...)
	if c.publication != "" {
		result = append(result, c.publication)
	}
	return result
}

// GrantOrRevoke applies req pair by pair. Errors returned are about the request as a whole,
// per pair failures are in Result.IncompleteTransactionErrors
func (e *Engine) GrantOrRevoke(req Request) (*Result, error) {
	perm, err := e.validate(&req)
	if err != nil {
		return nil, err
	}
	result := &Result{Name: req.Name, Action: req.Action, IncompleteTransactionErrors: []PairError{}}
	grantees, err := e.classify(&req, result)
	if err != nil {
		return nil, err
	}
	result.Grantees = grantees.all()
	if len(result.Grantees) == 0 {
		return result, nil
	}

	if !perm.Type.IsRecordMarking() {
		for _, g := range result.Grantees {
			if req.Action == ActionGrant {
				perm.AddGrantee(g)
			} else {
				perm.RemoveGrantee(g)
			}
			result.Succeeded++
		}
		metrics.SharingChanges.WithLabelValues(req.Action, "ok").Add(float64(result.Succeeded))
		return result, e.Perms.Save(perm)
	}

	selected, err := e.selectRecords(&req, result)
	if err != nil {
		return nil, err
	}
	permChanged := false
	for _, r := range selected {
		for _, g := range result.Grantees {
			var pub *Publication
			if req.Action == ActionGrant {
				pub, err = e.grant(&req, perm, r, g)
			} else {
				err = e.revoke(&req, perm, r, g)
			}
			metrics.SharingChanges.WithLabelValues(req.Action, metrics.Result(err)).Inc()
			if err != nil {
				result.fail(r.ID(), g, err)
				continue
			}
			result.Succeeded++
			if pub != nil {
				result.Publications = append(result.Publications, *pub)
				if !perm.HasPublic {
					perm.HasPublic = true
					permChanged = true
				}
			} else if req.Action == ActionGrant && perm.AddGrantee(g) {
				// Validation tokens check the permission's grantees
				permChanged = true
			}
		}
	}

	if req.Action == ActionDeny {
		changed, err := e.afterRevoke(&req, perm, grantees)
		if err != nil {
			logs.Error.Printf("share_records: cleaning up %s/%s/%s: %v", req.Owner, req.RequestorApp, req.Name, err)
		}
		permChanged = permChanged || changed
	}
	if permChanged {
		if err = e.Perms.Save(perm); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Engine) selectRecords(req *Request, result *Result) ([]records.Record, error) {
	switch {
	case req.RecordID != "" || len(req.ObjectIDList) > 0:
		ids := req.ObjectIDList
		if req.RecordID != "" {
			ids = append([]string{req.RecordID}, ids...)
		}
		selected := []records.Record{}
		for _, id := range ids {
			r, err := e.Records.ReadByID(req.Owner, req.TableID, id)
			if err != nil {
				return nil, err
			}
			if r == nil {
				result.fail(id, "", errs.NotFound("record not found"))
				continue
			}
			selected = append(selected, r)
		}
		return selected, nil
	case req.QueryCriteria != nil:
		return e.Records.Query(req.Owner, req.TableID, records.Query{Criteria: req.QueryCriteria})
	}
	return nil, errs.Validation("one of record_id, object_id_list or query_criteria is required")
}

func sameEntry(a *records.Accessible, grantee, app, perm string) bool {
	return a.Grantee == grantee && a.RequestorApp == app && a.PermissionName == perm
}

func (e *Engine) grant(req *Request, perm *models.Permission, r records.Record, grantee string) (*Publication, error) {
	list := r.Accessibles()
	if !records.IsPublicationGrantee(grantee) {
		for i := range list {
			if sameEntry(&list[i], grantee, req.RequestorApp, req.Name) {
				if list[i].Granted {
					return nil, nil
				}
				list[i].Granted = true
				return nil, e.saveAccessibles(req, r, list)
			}
		}
		list = append(list, records.Accessible{Grantee: grantee, RequestorApp: req.RequestorApp, PermissionName: req.Name, Granted: true})
		return nil, e.saveAccessibles(req, r, list)
	}
	return e.publish(req, perm, r, grantee, list)
}

func defaultPublicID(owner, table, recordID string) string {
	return "@" + owner + "/" + table + "/" + recordID
}

func (e *Engine) publish(req *Request, perm *models.Permission, r records.Record, grantee string, list []records.Accessible) (*Publication, error) {
	kind := publicationKind(grantee)
	var previous *records.Accessible
	kept := []records.Accessible{}
	stale := map[string]bool{}
	for i := range list {
		a := list[i]
		if a.RequestorApp != req.RequestorApp || a.PermissionName != req.Name || !a.IsPublication() {
			kept = append(kept, a)
			continue
		}
		if a.Grantee == grantee {
			previous = &list[i]
			continue
		}
		if publicationKind(a.Grantee) == kind {
			// Other feeds of the same record stay
			kept = append(kept, a)
			continue
		}
		if a.PublicID != "" {
			stale[a.PublicID] = true
		}
	}

	publicID := req.PublicID
	if publicID == "" && previous != nil {
		publicID = previous.PublicID
	}
	if publicID == "" {
		for _, a := range kept {
			if a.IsPublication() && a.RequestorApp == req.RequestorApp && a.PermissionName == req.Name && a.PublicID != "" {
				publicID = a.PublicID
				break
			}
		}
	}
	if publicID == "" {
		publicID = defaultPublicID(req.Owner, req.TableID, r.ID())
	}
	existing, err := e.Public.Get(publicID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.SameOrigin(req.Owner, req.TableID, r.ID()) {
		return nil, errs.Validation("public id already in use: " + publicID)
	}
	if previous != nil && previous.PublicID != "" {
		stale[previous.PublicID] = true
	}
	if existing == nil {
		existing = &models.PublicRecord{
			PublicID:         publicID,
			DataOwner:        req.Owner,
			RequestorApp:     req.RequestorApp,
			PermissionName:   req.Name,
			OriginalAppTable: req.TableID,
			OriginalRecordID: r.ID(),
		}
	}
	delete(stale, publicID)

	entry := records.Accessible{Grantee: grantee, RequestorApp: req.RequestorApp, PermissionName: req.Name, Granted: true, PublicID: publicID}
	if previous != nil {
		entry.Codes = previous.Codes
		entry.DatePublished = previous.DatePublished
	}
	entry.DatePublished = pickDate(req.PubDate, entry.DatePublished, e.now())
	pub := &Publication{RecordID: r.ID(), PublicID: publicID}

	// Publication kinds are exclusive
	existing.IsPublic = false
	existing.PrivateLinks = nil
	if kind != records.GranteePrivateFeed {
		existing.PrivateFeedNames = nil
	}
	switch kind {
	case records.GranteePublic:
		existing.IsPublic = true
	case records.GranteePrivateLink:
		if len(entry.Codes) == 0 {
			entry.Codes = []string{utils.Rand16BytesToBase62()}
		}
		existing.PrivateLinks = entry.Codes
		pub.Code = entry.Codes[0]
	case records.GranteePrivateFeed:
		name := strings.TrimPrefix(grantee, records.GranteePrivateFeed)
		feed, err := e.Feeds.Ensure(req.Owner, name)
		if err != nil {
			return nil, err
		}
		entry.PrivateFeedNames = []string{name}
		existing.PrivateFeedNames, _ = utils.AddUnique(existing.PrivateFeedNames, name)
		pub.Code = feed.Code
	}

	existing.OriginalRecord = datatypes.JSONMap(r.Project(perm.ReturnFields).WithoutAccessibles())
	existing.SearchWords = SearchWords(r, perm.SearchFields)
	existing.DatePublished = entry.DatePublished
	existing.DoNotList = req.DoNotList
	existing.FileStructure = req.FileStructure
	existing.IsHtmlMainPage = false
	existing.HtmlPage = ""
	if req.IsHtmlMainPage {
		if !strings.HasSuffix(req.TableID, records.FilesTableSuffix) {
			return nil, errs.Validation("html pages can only be published from a files table")
		}
		page, err := e.Pages.ReadUserFile(req.Owner, req.RequestorApp, r.ID())
		if err != nil {
			return nil, err
		}
		existing.IsHtmlMainPage = true
		existing.HtmlPage = string(page)
	}
	if err = e.Public.Save(existing); err != nil {
		return nil, err
	}
	for id := range stale {
		e.dropStale(req.Owner, req.TableID, r.ID(), id)
	}
	if err = e.saveAccessibles(req, r, append(kept, entry)); err != nil {
		return nil, err
	}
	return pub, nil
}

// dropStale deletes a public record left behind by a replaced publication kind
func (e *Engine) dropStale(owner, table, recordID, publicID string) {
	p, err := e.Public.Get(publicID)
	if err == nil && p != nil && p.SameOrigin(owner, table, recordID) {
		err = e.Public.Delete(publicID)
	}
	if err != nil {
		logs.Warning.Printf("share_records: removing stale public record %s: %v", publicID, err)
	}
}

func pickDate(requested, previous, now int64) int64 {
	if requested > 0 {
		return requested
	}
	if previous > 0 {
		return previous
	}
	return now
}

func (e *Engine) revoke(req *Request, perm *models.Permission, r records.Record, grantee string) error {
	list := r.Accessibles()
	kept := []records.Accessible{}
	var removed *records.Accessible
	for i := range list {
		if sameEntry(&list[i], grantee, req.RequestorApp, req.Name) {
			removed = &list[i]
			continue
		}
		kept = append(kept, list[i])
	}
	if removed == nil {
		return nil
	}
	if removed.IsPublication() && removed.PublicID != "" {
		p, err := e.Public.Get(removed.PublicID)
		if err != nil {
			return err
		}
		if p != nil && p.SameOrigin(req.Owner, req.TableID, r.ID()) {
			switch publicationKind(grantee) {
			case records.GranteePublic:
				p.IsPublic = false
			case records.GranteePrivateLink:
				p.PrivateLinks = nil
			case records.GranteePrivateFeed:
				p.PrivateFeedNames, _ = utils.Remove(p.PrivateFeedNames, strings.TrimPrefix(grantee, records.GranteePrivateFeed))
			}
			if p.IsAlive() {
				err = e.Public.Save(p)
			} else {
				err = e.Public.Delete(p.PublicID)
			}
			if err != nil {
				return err
			}
		}
	}
	return e.saveAccessibles(req, r, kept)
}

// afterRevoke drops grantees no record grants anymore and clears hasPublic
func (e *Engine) afterRevoke(req *Request, perm *models.Permission, grantees classified) (bool, error) {
	changed := false
	if grantees.publication != "" && perm.HasPublic {
		count, err := e.Public.CountForPermission(req.Owner, req.RequestorApp, req.Name)
		if err != nil {
			return false, err
		}
		if count == 0 {
			perm.HasPublic = false
			changed = true
		}
	}
	people := append(append([]string{}, grantees.individuals...), grantees.groups...)
	if len(people) == 0 {
		return changed, nil
	}
	pending := map[string]bool{}
	for _, g := range people {
		pending[g] = true
	}
	err := e.Records.Scan(req.Owner, req.TableID, false, func(r records.Record) bool {
		for _, a := range r.Accessibles() {
			for g := range pending {
				if a.Granted && sameEntry(&a, g, req.RequestorApp, req.Name) {
					delete(pending, g)
				}
			}
		}
		return len(pending) > 0
	})
	if err != nil {
		return changed, err
	}
	for _, g := range people {
		if pending[g] && perm.RemoveGrantee(g) {
			changed = true
		}
	}
	return changed, nil
}

func (e *Engine) saveAccessibles(req *Request, r records.Record, list []records.Accessible) error {
	r.SetAccessibles(list)
	var value any = list
	if len(list) == 0 {
		value = nil
	}
	_, err := e.Records.Update(req.Owner, req.TableID, r.ID(), records.Record{records.FieldAccessibles: value}, false)
	return err
}

// Republish refreshes the public copies of a record after it changed
func (e *Engine) Republish(owner, table string, r records.Record) error {
	published, err := e.Public.ForRecord(owner, table, r.ID())
	if err != nil {
		return err
	}
	for i := range published {
		p := &published[i]
		perm, err := e.Perms.Get(owner, p.RequestorApp, p.PermissionName)
		if err != nil {
			return err
		}
		if perm == nil {
			continue
		}
		p.OriginalRecord = datatypes.JSONMap(r.Project(perm.ReturnFields).WithoutAccessibles())
		p.SearchWords = SearchWords(r, perm.SearchFields)
		if err = e.Public.Save(p); err != nil {
			return err
		}
	}
	return nil
}

// Unpublish removes the public copies of a deleted record
func (e *Engine) Unpublish(owner, table, recordID string) error {
	published, err := e.Public.ForRecord(owner, table, recordID)
	if err != nil {
		return err
	}
	touched := map[[2]string]bool{}
	for _, p := range published {
		if err = e.Public.Delete(p.PublicID); err != nil {
			return err
		}
		touched[[2]string{p.RequestorApp, p.PermissionName}] = true
	}
	for key := range touched {
		count, err := e.Public.CountForPermission(owner, key[0], key[1])
		if err != nil || count > 0 {
			continue
		}
		perm, err := e.Perms.Get(owner, key[0], key[1])
		if err != nil || perm == nil || !perm.HasPublic {
			continue
		}
		perm.HasPublic = false
		if err = e.Perms.Save(perm); err != nil {
			return err
		}
	}
	return nil
}
