// Package messaging sends a permitted view of a record to other users, on this host or elsewhere.
//
// A message goes through initiate (sender host), transmit (recipient host), verify (sender host,
// called back by the recipient with the message nonce) and finally mark_read on the recipient side.
package messaging

import (
	"context"
	"fmt"
	"pdserver/config"
	"pdserver/contacts"
	"pdserver/errs"
	"pdserver/federation"
	"pdserver/logs"
	"pdserver/metrics"
	"pdserver/models"
	"pdserver/records"
	"pdserver/utils"
	"strings"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	TransmitPath = "/ceps/message/transmit"
	VerifyPath   = "/ceps/message/verify"
)

// Notifier is told about every new inbox entry
type Notifier interface {
	MessageReceived(m *models.MessageGot)
}

type Protocol struct {
	Messages *models.MessageStore
	Perms    *models.PermissionStore
	Users    *models.UserStore
	Records  records.Store
	Contacts *contacts.Directory
	Client   *federation.Client
	Notify   Notifier
	// Parallel limits concurrent outbound transmits of one initiate call
	Parallel int
}

func (p *Protocol) notify(m *models.MessageGot) {
	if p.Notify != nil {
		p.Notify.MessageReceived(m)
	}
}

type Recipient struct {
	RecipientID   string `json:"recipient_id"`
	RecipientHost string `json:"recipient_host"`
}

// InitiateRequest is sent by the owner's app
type InitiateRequest struct {
	Sender              string      `json:"-"`
	App                 string      `json:"-"`
	MessagingPermission string      `json:"messaging_permission"`
	ContactPermission   string      `json:"contact_permission"`
	TableID             string      `json:"table_id"`
	RecordID            string      `json:"record_id"`
	Message             string      `json:"message"`
	Recipients          []Recipient `json:"recipients"`
}

type InitiateResult struct {
	MessageID       uint64                           `json:"_id"`
	Status          string                           `json:"status"`
	RecipientStatus map[string]models.RecipientState `json:"recipientStatus"`
}

// Initiate stores the sent message, delivers to local recipients right away and transmits to the others.
// Delivery failures are recorded per recipient and never fail the call
func (p *Protocol) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.MessagingPermission == "" || req.TableID == "" || req.RecordID == "" {
		return nil, errs.Validation("messaging_permission, table_id and record_id are required")
	}
	if len(req.Recipients) == 0 {
		return nil, errs.Validation("no recipients")
	}
	perm, err := p.Perms.Get(req.Sender, req.App, req.MessagingPermission)
	if err != nil {
		return nil, err
	}
	if perm == nil || !perm.IsActive() || perm.Type != models.PermMessageRecords || !perm.IncludesTable(req.TableID) {
		return nil, errs.Forbidden("messaging permission not granted for table " + req.TableID)
	}
	if req.ContactPermission != "" {
		cp, err := p.Perms.Get(req.Sender, req.App, req.ContactPermission)
		if err != nil {
			return nil, err
		}
		if cp == nil || !cp.IsActive() {
			return nil, errs.Forbidden("contact permission not granted")
		}
	}
	record, err := p.Records.ReadByID(req.Sender, req.TableID, req.RecordID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errs.NotFound("record not found")
	}
	sender, err := p.Users.Get(req.Sender)
	if err != nil {
		return nil, err
	}

	m := &models.Message{
		AppID:               req.App,
		SenderID:            req.Sender,
		SenderHost:          p.Client.Self,
		TableID:             req.TableID,
		RecordID:            req.RecordID,
		MessagingPermission: req.MessagingPermission,
		ContactPermission:   req.ContactPermission,
		Record:              datatypes.JSONMap(record.Project(perm.ReturnFields).WithoutAccessibles()),
		Message:             req.Message,
		Status:              models.MessageStatusInitiate,
	}
	seen := map[string]bool{}
	for _, r := range req.Recipients {
		if r.RecipientID == "" {
			continue
		}
		key := p.Client.Key(r.RecipientID, r.RecipientHost)
		if seen[key] {
			continue
		}
		seen[key] = true
		row := models.MessageRecipient{RecipientID: r.RecipientID, RecipientHost: strings.TrimSpace(r.RecipientHost), Key: key, Status: models.MessageStatusInitiate}
		if sender != nil && sender.BlockMsgsToNonContacts {
			ok, err := p.Contacts.IsContact(req.Sender, key)
			if err != nil {
				return nil, err
			}
			if !ok {
				row.Status, row.Error = models.MessageStatusErr, "recipient is not a contact"
				m.Recipients = append(m.Recipients, row)
				continue
			}
		}
		if p.Client.IsLocal(r.RecipientHost) {
			if err = p.deliverLocal(m, r.RecipientID); err != nil {
				row.Status, row.Error = models.MessageStatusErr, err.Error()
			} else {
				row.Status = models.MessageStatusVerified
			}
		} else {
			row.Nonce = utils.Rand16BytesToBase62()
		}
		m.Recipients = append(m.Recipients, row)
	}
	if err = p.Messages.CreateSent(m); err != nil {
		return nil, err
	}

	p.transmitAll(ctx, m)

	sent, err := p.Messages.Sent(m.ID)
	if err != nil || sent == nil {
		return nil, errs.Internal(fmt.Sprintf("reloading message %d: %v", m.ID, err))
	}
	status := sent.OverallStatus()
	if status != sent.Status {
		if err = p.Messages.SetStatus(sent.ID, status); err != nil {
			return nil, err
		}
	}
	result := &InitiateResult{MessageID: sent.ID, Status: status, RecipientStatus: sent.RecipientStatus()}
	for _, s := range result.RecipientStatus {
		metrics.MessagesSent.WithLabelValues(s.Status).Inc()
	}
	return result, nil
}

func (p *Protocol) deliverLocal(m *models.Message, recipientID string) error {
	recipient, err := p.Users.Get(recipientID)
	if err != nil {
		return err
	}
	if recipient == nil {
		return errs.NotFound("unknown recipient")
	}
	got, err := p.receive(recipient, m.SenderID, m.SenderHost, m.AppID)
	if err != nil {
		return err
	}
	got.TableID, got.RecordID = m.TableID, m.RecordID
	got.Record, got.Message = m.Record, m.Message
	got.Status = models.MessageStatusVerified
	if err = p.Messages.CreateGot(got); err != nil {
		return err
	}
	p.notify(got)
	return nil
}

// receive applies the recipient's contact rules and prepares the inbox entry
func (p *Protocol) receive(recipient *models.User, senderID, senderHost, appID string) (*models.MessageGot, error) {
	senderKey := p.Client.Key(senderID, senderHost)
	isContact, err := p.Contacts.IsContact(recipient.ID, senderKey)
	if err != nil {
		return nil, err
	}
	if !isContact && recipient.BlockMsgsFromNonContacts {
		return nil, errs.Forbidden("sender is not a contact of the recipient")
	}
	return &models.MessageGot{
		OwnerID:            recipient.ID,
		AppID:              appID,
		SenderID:           senderID,
		SenderHost:         federation.NormalizeHost(senderHost),
		SenderIsNotContact: !isContact,
	}, nil
}

// transmitEnvelope is what the sender host posts to the recipient host
func transmitEnvelope(m *models.Message, r *models.MessageRecipient) map[string]string {
	return map[string]string{
		"recipient_id":         r.RecipientID,
		"recipient_host":       r.RecipientHost,
		"sender_id":            m.SenderID,
		"sender_host":          m.SenderHost,
		"app_id":               m.AppID,
		"table_id":             m.TableID,
		"record_id":            m.RecordID,
		"messaging_permission": m.MessagingPermission,
		"contact_permission":   m.ContactPermission,
		"message":              m.Message,
		"nonce":                r.Nonce,
	}
}

func (p *Protocol) transmitAll(ctx context.Context, m *models.Message) {
	var g errgroup.Group
	limit := p.Parallel
	if limit <= 0 {
		limit = config.FEDERATION_PARALLEL
	}
	g.SetLimit(limit)
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if r.Nonce == "" || r.Status != models.MessageStatusInitiate {
			continue
		}
		g.Go(func() error {
			var answer struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			err := p.Client.PostJSON(ctx, r.RecipientHost, TransmitPath, transmitEnvelope(m, r), &answer)
			if err == nil && !answer.Success {
				err = errs.Transport("recipient host did not accept the message")
			}
			if err != nil {
				logs.Warning.Printf("messaging: transmit of message %d to %s failed: %v", m.ID, r.Key, err)
				if ferr := p.Messages.FailRecipient(r.ID, err.Error()); ferr != nil {
					logs.Error.Printf("messaging: recording failure for %s: %v", r.Key, ferr)
				}
			}
			return nil
		})
	}
	g.Wait()
}

var (
	requiredEnvelopeFields = []string{"recipient_id", "sender_id", "sender_host", "app_id", "table_id", "nonce", "messaging_permission"}
	optionalEnvelopeFields = []string{"recipient_host", "record_id", "contact_permission", "message"}
)

// ParseEnvelope checks an inbound transmit body: known fields only, all plain strings
func ParseEnvelope(body map[string]any) (map[string]string, error) {
	allowed := map[string]bool{}
	for _, f := range append(append([]string{}, requiredEnvelopeFields...), optionalEnvelopeFields...) {
		allowed[f] = true
	}
	result := map[string]string{}
	for k, v := range body {
		if !allowed[k] {
			return nil, errs.Validation("unexpected field: " + k)
		}
		s, ok := v.(string)
		if !ok {
			return nil, errs.Validation("field must be a string: " + k)
		}
		result[k] = s
	}
	for _, f := range requiredEnvelopeFields {
		if result[f] == "" {
			return nil, errs.Validation("missing field: " + f)
		}
	}
	return result, nil
}

type VerifyRequest struct {
	Nonce         string `json:"nonce"`
	RecipientID   string `json:"recipient_id"`
	RecipientHost string `json:"recipient_host"`
}

// VerifyResult is the authoritative copy of the message
type VerifyResult struct {
	AppID      string         `json:"app_id"`
	SenderID   string         `json:"sender_id"`
	SenderHost string         `json:"sender_host"`
	TableID    string         `json:"table_id"`
	RecordID   string         `json:"record_id"`
	Record     map[string]any `json:"record"`
	Message    string         `json:"message"`
}

// Transmit handles a message posted by the sender's host and fetches its content back through verify
func (p *Protocol) Transmit(ctx context.Context, body map[string]any) (*models.MessageGot, error) {
	env, err := ParseEnvelope(body)
	if err != nil {
		return nil, err
	}
	recipient, err := p.Users.Get(env["recipient_id"])
	if err != nil {
		return nil, err
	}
	if recipient == nil {
		return nil, errs.NotFound("unknown recipient")
	}
	got, err := p.receive(recipient, env["sender_id"], env["sender_host"], env["app_id"])
	if err != nil {
		return nil, err
	}
	got.TableID, got.RecordID = env["table_id"], env["record_id"]
	got.Message = env["message"]
	got.Nonce = env["nonce"]
	got.Status = models.MessageStatusInitiate
	if err = p.Messages.CreateGot(got); err != nil {
		return nil, err
	}

	var verified VerifyResult
	err = p.Client.PostJSON(ctx, env["sender_host"], VerifyPath, VerifyRequest{
		Nonce:         env["nonce"],
		RecipientID:   recipient.ID,
		RecipientHost: p.Client.Self,
	}, &verified)
	if err != nil {
		got.Status = models.MessageStatusErr
		if serr := p.Messages.SaveGot(got); serr != nil {
			logs.Error.Printf("messaging: saving failed message %d: %v", got.ID, serr)
		}
		return nil, err
	}
	got.Record = datatypes.JSONMap(verified.Record)
	got.Message = verified.Message
	if verified.TableID != "" {
		got.TableID, got.RecordID = verified.TableID, verified.RecordID
	}
	got.Nonce = ""
	got.Status = models.MessageStatusVerified
	if err = p.Messages.SaveGot(got); err != nil {
		return nil, err
	}
	p.notify(got)
	return got, nil
}

// Verify hands the message content to the recipient host presenting the nonce. A nonce works once
func (p *Protocol) Verify(req VerifyRequest) (*VerifyResult, error) {
	row, err := p.Messages.RecipientByNonce(req.Nonce)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errs.NotFound("unknown nonce")
	}
	if p.Client.Key(req.RecipientID, req.RecipientHost) != row.Key {
		return nil, errs.Forbidden("nonce was issued to another recipient")
	}
	ok, err := p.Messages.ConsumeNonce(row.ID, req.Nonce)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("unknown nonce")
	}
	m, err := p.Messages.Sent(row.MessageID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errs.NotFound("message not found")
	}
	if status := m.OverallStatus(); status != m.Status {
		if err = p.Messages.SetStatus(m.ID, status); err != nil {
			logs.Error.Printf("messaging: updating status of message %d: %v", m.ID, err)
		}
	}
	return &VerifyResult{
		AppID:      m.AppID,
		SenderID:   m.SenderID,
		SenderHost: federation.NormalizeHost(m.SenderHost),
		TableID:    m.TableID,
		RecordID:   m.RecordID,
		Record:     m.Record,
		Message:    m.Message,
	}, nil
}

// MarkRead marks the owner's inbox entries as read, all of them when ids is empty
func (p *Protocol) MarkRead(owner, app string, ids []uint64) (int64, error) {
	return p.Messages.MarkRead(owner, app, ids)
}

func (p *Protocol) Inbox(owner, app string, unreadOnly bool) ([]models.MessageGot, error) {
	return p.Messages.Inbox(owner, app, unreadOnly)
}
