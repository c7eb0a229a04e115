package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"pdserver/contacts"
	"pdserver/db"
	"pdserver/errs"
	"pdserver/federation"
	"pdserver/models"
	"pdserver/records"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

const (
	app   = "com.notes"
	table = "com.notes"
)

type host struct {
	*Protocol
	srv      *httptest.Server
	notified []*models.MessageGot
	mu       sync.Mutex
}

func (h *host) MessageReceived(m *models.MessageGot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notified = append(h.notified, m)
}

func writeResult(w http.ResponseWriter, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(errs.HTTPStatus(err))
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(v)
}

// newHost starts a server answering transmit and verify like the real routes do
func newHost(t *testing.T) *host {
	t.Helper()
	tx := db.Open("", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err := models.Migrate(tx); err != nil {
		t.Fatal(err)
	}
	store := records.NewGormStore(tx)
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	h := &host{}
	mux := http.NewServeMux()
	mux.HandleFunc(TransmitPath, func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		json.NewDecoder(r.Body).Decode(&body)
		_, err := h.Transmit(r.Context(), body)
		writeResult(w, map[string]bool{"success": true}, err)
	})
	mux.HandleFunc(VerifyPath, func(w http.ResponseWriter, r *http.Request) {
		var req VerifyRequest
		json.NewDecoder(r.Body).Decode(&req)
		res, err := h.Verify(req)
		writeResult(w, res, err)
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	h.Protocol = &Protocol{
		Messages: models.NewMessageStore(tx),
		Perms:    models.NewPermissionStore(tx),
		Users:    models.NewUserStore(tx),
		Records:  store,
		Contacts: contacts.NewDirectory(store, h.srv.URL),
		Client:   &federation.Client{HTTP: &http.Client{Timeout: 2 * time.Second}, Self: h.srv.URL},
		Parallel: 1,
	}
	h.Notify = h
	return h
}

func (h *host) addUser(t *testing.T, id string, blockFromNonContacts bool, contactsOf ...[2]string) {
	t.Helper()
	if err := h.Users.Save(&models.User{ID: id, BlockMsgsFromNonContacts: blockFromNonContacts}); err != nil {
		t.Fatal(err)
	}
	for _, c := range contactsOf {
		if _, err := h.Records.Create(id, records.ContactsTable, "", records.Record{"username": c[0], "serverurl": c[1]}); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *host) setupSender(t *testing.T, id string) {
	t.Helper()
	h.addUser(t, id, false)
	err := h.Perms.Save(&models.Permission{
		OwnerID: id, RequestorApp: app, Name: "msg", Type: models.PermMessageRecords,
		TableIDs: []string{table}, ReturnFields: []string{"title"}, Granted: true, Status: models.PermStatusGranted,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = h.Records.Create(id, table, "r1", records.Record{"title": "Shared", "secret": "keep"}); err != nil {
		t.Fatal(err)
	}
}

func (h *host) initiate(t *testing.T, recipients ...Recipient) *InitiateResult {
	t.Helper()
	res, err := h.Initiate(context.Background(), InitiateRequest{
		Sender: "alice", App: app, MessagingPermission: "msg", TableID: table, RecordID: "r1",
		Message: "look at this", Recipients: recipients,
	})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestSameHostMessaging(t *testing.T) {
	h := newHost(t)
	h.setupSender(t, "alice")
	h.addUser(t, "bob", true, [2]string{"alice", ""})
	h.addUser(t, "carol", true)
	h.addUser(t, "dave", false)

	res := h.initiate(t, Recipient{RecipientID: "bob"}, Recipient{RecipientID: "carol"}, Recipient{RecipientID: "dave"}, Recipient{RecipientID: "nobody"})

	if diff := cmp.Diff(models.RecipientState{Status: models.MessageStatusVerified}, res.RecipientStatus["bob"]); diff != "" {
		t.Errorf("bob status (-want +got):\n%s", diff)
	}
	if res.RecipientStatus["carol"].Status != models.MessageStatusErr {
		t.Errorf("carol status = %+v, want err", res.RecipientStatus["carol"])
	}
	if res.RecipientStatus["dave"].Status != models.MessageStatusVerified {
		t.Errorf("dave status = %+v", res.RecipientStatus["dave"])
	}
	if res.RecipientStatus["nobody"].Status != models.MessageStatusErr {
		t.Errorf("unknown recipient status = %+v", res.RecipientStatus["nobody"])
	}
	if res.Status != models.MessageStatusErr {
		t.Errorf("overall status = %s", res.Status)
	}

	inbox, _ := h.Inbox("bob", app, false)
	if len(inbox) != 1 {
		t.Fatalf("bob inbox = %+v", inbox)
	}
	got := inbox[0]
	if got.SenderID != "alice" || got.Nonce != "" || got.SenderIsNotContact || got.Message != "look at this" {
		t.Errorf("bob inbox entry = %+v", got)
	}
	if diff := cmp.Diff(map[string]any{"_id": "r1", "title": "Shared"}, map[string]any(got.Record)); diff != "" {
		t.Errorf("record view (-want +got):\n%s", diff)
	}
	if inbox, _ = h.Inbox("carol", app, false); len(inbox) != 0 {
		t.Errorf("carol got a message from a non contact: %+v", inbox)
	}
	if inbox, _ = h.Inbox("dave", app, false); len(inbox) != 1 || !inbox[0].SenderIsNotContact {
		t.Errorf("dave inbox = %+v", inbox)
	}
	if len(h.notified) != 2 {
		t.Errorf("notifications = %d, want 2", len(h.notified))
	}
}

func TestMessagingAllVerified(t *testing.T) {
	h := newHost(t)
	h.setupSender(t, "alice")
	h.addUser(t, "bob", false)
	res := h.initiate(t, Recipient{RecipientID: "bob", RecipientHost: h.srv.URL})
	if res.Status != models.MessageStatusVerified {
		t.Errorf("status = %s, want verified", res.Status)
	}
}

func TestCrossHostMessaging(t *testing.T) {
	a := newHost(t)
	b := newHost(t)
	a.setupSender(t, "alice")
	b.addUser(t, "bob", true, [2]string{"alice", a.srv.URL})
	b.addUser(t, "carol", true)

	res := a.initiate(t, Recipient{RecipientID: "bob", RecipientHost: b.srv.URL}, Recipient{RecipientID: "carol", RecipientHost: b.srv.URL})

	bobKey := federation.Key("bob", b.srv.URL, a.srv.URL)
	carolKey := federation.Key("carol", b.srv.URL, a.srv.URL)
	if s := res.RecipientStatus[bobKey]; s.Status != models.MessageStatusVerified || s.Nonce != "" {
		t.Errorf("bob status = %+v", s)
	}
	if s := res.RecipientStatus[carolKey]; s.Status != models.MessageStatusErr || s.Error == "" {
		t.Errorf("carol status = %+v", s)
	}

	inbox, _ := b.Inbox("bob", app, false)
	if len(inbox) != 1 {
		t.Fatalf("bob inbox = %+v", inbox)
	}
	if inbox[0].Status != models.MessageStatusVerified || inbox[0].Record["title"] != "Shared" || inbox[0].Message != "look at this" {
		t.Errorf("bob inbox entry = %+v", inbox[0])
	}
	if _, ok := inbox[0].Record["secret"]; ok {
		t.Error("fields outside return_fields were sent")
	}
	if inbox, _ = b.Inbox("carol", app, false); len(inbox) != 0 {
		t.Errorf("carol inbox = %+v", inbox)
	}
}

func TestUnreachableHostIsRecorded(t *testing.T) {
	h := newHost(t)
	h.setupSender(t, "alice")
	h.addUser(t, "bob", false)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	res := h.initiate(t, Recipient{RecipientID: "bob"}, Recipient{RecipientID: "zed", RecipientHost: deadURL})
	if res.RecipientStatus["bob"].Status != models.MessageStatusVerified {
		t.Errorf("local delivery should not be affected: %+v", res.RecipientStatus["bob"])
	}
	zed := res.RecipientStatus[federation.Key("zed", deadURL, h.srv.URL)]
	if zed.Status != models.MessageStatusErr || zed.Error == "" {
		t.Errorf("zed status = %+v", zed)
	}
}

func TestVerify(t *testing.T) {
	h := newHost(t)
	h.setupSender(t, "alice")

	// A recipient host that accepts everything but never calls back
	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	}))
	defer silent.Close()

	res := h.initiate(t, Recipient{RecipientID: "bob", RecipientHost: silent.URL})
	key := federation.Key("bob", silent.URL, h.srv.URL)
	pending := res.RecipientStatus[key]
	if pending.Status != models.MessageStatusInitiate || pending.Nonce == "" {
		t.Fatalf("pending status = %+v", pending)
	}

	if _, err := h.Verify(VerifyRequest{Nonce: "not-a-nonce", RecipientID: "bob", RecipientHost: silent.URL}); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("unknown nonce err = %v", err)
	}
	if _, err := h.Verify(VerifyRequest{Nonce: pending.Nonce, RecipientID: "mallory", RecipientHost: silent.URL}); !errs.Is(err, errs.KindForbidden) {
		t.Errorf("wrong recipient err = %v", err)
	}
	if _, err := h.Verify(VerifyRequest{Nonce: pending.Nonce, RecipientID: "bob", RecipientHost: "elsewhere.example.com"}); !errs.Is(err, errs.KindForbidden) {
		t.Errorf("wrong recipient host err = %v", err)
	}
	sent, _ := h.Messages.Sent(res.MessageID)
	if diff := cmp.Diff(pending, sent.RecipientStatus()[key]); diff != "" {
		t.Errorf("failed verify changed state (-want +got):\n%s", diff)
	}

	out, err := h.Verify(VerifyRequest{Nonce: pending.Nonce, RecipientID: "bob", RecipientHost: silent.URL})
	if err != nil {
		t.Fatal(err)
	}
	if out.Record["title"] != "Shared" || out.Message != "look at this" || out.SenderID != "alice" {
		t.Errorf("Verify() = %+v", out)
	}
	sent, _ = h.Messages.Sent(res.MessageID)
	if sent.Status != models.MessageStatusVerified || len(sent.Nonces()) != 0 {
		t.Errorf("message after verify = %+v", sent)
	}

	if _, err = h.Verify(VerifyRequest{Nonce: pending.Nonce, RecipientID: "bob", RecipientHost: silent.URL}); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("second verify err = %v", err)
	}
}

func TestInitiateChecksPermission(t *testing.T) {
	h := newHost(t)
	h.setupSender(t, "alice")
	tests := []struct {
		name string
		req  InitiateRequest
		kind errs.Kind
	}{
		{"missing permission", InitiateRequest{TableID: table, RecordID: "r1", Recipients: []Recipient{{RecipientID: "bob"}}}, errs.KindValidation},
		{"no recipients", InitiateRequest{MessagingPermission: "msg", TableID: table, RecordID: "r1"}, errs.KindValidation},
		{"unknown permission", InitiateRequest{MessagingPermission: "other", TableID: table, RecordID: "r1", Recipients: []Recipient{{RecipientID: "bob"}}}, errs.KindForbidden},
		{"other table", InitiateRequest{MessagingPermission: "msg", TableID: "com.notes.x", RecordID: "r1", Recipients: []Recipient{{RecipientID: "bob"}}}, errs.KindForbidden},
		{"contact permission missing", InitiateRequest{MessagingPermission: "msg", ContactPermission: "contacts", TableID: table, RecordID: "r1", Recipients: []Recipient{{RecipientID: "bob"}}}, errs.KindForbidden},
		{"missing record", InitiateRequest{MessagingPermission: "msg", TableID: table, RecordID: "nope", Recipients: []Recipient{{RecipientID: "bob"}}}, errs.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Sender, tt.req.App = "alice", app
			if _, err := h.Initiate(context.Background(), tt.req); !errs.Is(err, tt.kind) {
				t.Errorf("err = %v, want kind %d", err, tt.kind)
			}
		})
	}
}

func TestParseEnvelope(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"recipient_id": "bob", "sender_id": "alice", "sender_host": "a.example.com", "app_id": app,
			"table_id": table, "nonce": "n", "messaging_permission": "msg", "message": "hi",
		}
	}
	if _, err := ParseEnvelope(valid()); err != nil {
		t.Errorf("valid envelope: %v", err)
	}
	extra := valid()
	extra["record"] = "x"
	notString := valid()
	notString["message"] = map[string]any{"html": "<b>"}
	missing := valid()
	delete(missing, "nonce")
	for name, body := range map[string]map[string]any{"extra": extra, "not a string": notString, "missing": missing} {
		if _, err := ParseEnvelope(body); !errs.Is(err, errs.KindValidation) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestMarkRead(t *testing.T) {
	h := newHost(t)
	h.setupSender(t, "alice")
	h.addUser(t, "bob", false)
	h.initiate(t, Recipient{RecipientID: "bob"})
	h.initiate(t, Recipient{RecipientID: "bob"})

	inbox, _ := h.Inbox("bob", app, true)
	if len(inbox) != 2 {
		t.Fatalf("unread = %d", len(inbox))
	}
	if n, err := h.MarkRead("bob", app, []uint64{inbox[0].ID}); err != nil || n != 1 {
		t.Errorf("MarkRead(one) = %d, %v", n, err)
	}
	if inbox, _ = h.Inbox("bob", app, true); len(inbox) != 1 {
		t.Errorf("unread after MarkRead(one) = %d", len(inbox))
	}
	// Nobody else can mark bob's messages
	if n, _ := h.MarkRead("alice", app, []uint64{inbox[0].ID}); n != 0 {
		t.Errorf("MarkRead() by another owner updated %d rows", n)
	}
	h.MarkRead("bob", app, nil)
	if inbox, _ = h.Inbox("bob", app, true); len(inbox) != 0 {
		t.Errorf("unread after MarkRead(all) = %d", len(inbox))
	}
}
