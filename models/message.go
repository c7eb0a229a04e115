package models

import (
	"errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MessageStatusInitiate = "initiate"
	MessageStatusVerified = "verified"
	MessageStatusErr      = "err"
)

// Message is the sender's copy of a message
type Message struct {
	ID                  uint64             `gorm:"primaryKey" json:"_id"`
	CreatedAt           int64              `json:"_date_created"`
	UpdatedAt           int64              `json:"_date_modified"`
	AppID               string             `gorm:"type:varchar(200);not null;index:sender_app,priority:2" json:"app_id"`
	SenderID            string             `gorm:"type:varchar(100);not null;index:sender_app,priority:1" json:"sender_id"`
	SenderHost          string             `gorm:"type:varchar(300)" json:"sender_host"`
	TableID             string             `gorm:"type:varchar(200)" json:"table_id"`
	RecordID            string             `gorm:"type:varchar(300)" json:"record_id"`
	MessagingPermission string             `gorm:"type:varchar(200)" json:"messaging_permission"`
	ContactPermission   string             `gorm:"type:varchar(200)" json:"contact_permission,omitempty"`
	Record              datatypes.JSONMap  `json:"record"`
	Message             string             `gorm:"type:text" json:"message"`
	Status              string             `gorm:"type:varchar(20);not null" json:"status"`
	Recipients          []MessageRecipient `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"recipients"`
}

// MessageRecipient keeps each recipient's delivery state on its own row so updates never race
type MessageRecipient struct {
	ID            uint64 `gorm:"primaryKey" json:"-"`
	UpdatedAt     int64  `json:"_date_modified"`
	MessageID     uint64 `gorm:"not null;index" json:"-"`
	RecipientID   string `gorm:"type:varchar(100);not null" json:"recipient_id"`
	RecipientHost string `gorm:"type:varchar(300)" json:"recipient_host,omitempty"`
	Key           string `gorm:"type:varchar(400);not null" json:"key"`
	Nonce         string `gorm:"type:varchar(100);index" json:"-"`
	Status        string `gorm:"type:varchar(20);not null" json:"status"`
	Error         string `gorm:"type:varchar(500)" json:"error,omitempty"`
}

// RecipientState is the per recipient entry in recipientStatus
type RecipientState struct {
	Status string `json:"status"`
	Nonce  string `json:"nonce,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Nonces lists the nonces still waiting for verification
func (m *Message) Nonces() []string {
	result := []string{}
	for _, r := range m.Recipients {
		if r.Nonce != "" {
			result = append(result, r.Nonce)
		}
	}
	return result
}

func (m *Message) RecipientStatus() map[string]RecipientState {
	result := make(map[string]RecipientState, len(m.Recipients))
	for _, r := range m.Recipients {
		result[r.Key] = RecipientState{Status: r.Status, Nonce: r.Nonce, Error: r.Error}
	}
	return result
}

// OverallStatus is verified once every recipient is, err if any recipient failed
func (m *Message) OverallStatus() string {
	verified := 0
	for _, r := range m.Recipients {
		switch r.Status {
		case MessageStatusErr:
			return MessageStatusErr
		case MessageStatusVerified:
			verified++
		}
	}
	if verified == len(m.Recipients) {
		return MessageStatusVerified
	}
	return MessageStatusInitiate
}

// MessageGot is an entry in the recipient's inbox
type MessageGot struct {
	ID                 uint64            `gorm:"primaryKey" json:"_id"`
	CreatedAt          int64             `json:"_date_created"`
	UpdatedAt          int64             `json:"_date_modified"`
	OwnerID            string            `gorm:"type:varchar(100);not null;index:owner_app,priority:1" json:"recipient_id"`
	AppID              string            `gorm:"type:varchar(200);not null;index:owner_app,priority:2" json:"app_id"`
	SenderID           string            `gorm:"type:varchar(100);not null" json:"sender_id"`
	SenderHost         string            `gorm:"type:varchar(300)" json:"sender_host"`
	TableID            string            `gorm:"type:varchar(200)" json:"table_id"`
	RecordID           string            `gorm:"type:varchar(300)" json:"record_id"`
	Record             datatypes.JSONMap `json:"record"`
	Message            string            `gorm:"type:text" json:"message"`
	Nonce              string            `gorm:"type:varchar(100)" json:"-"`
	Status             string            `gorm:"type:varchar(20);not null" json:"status"`
	SenderIsNotContact bool              `gorm:"not null;default:false" json:"senderIsNotContact"`
	Read               bool              `gorm:"not null;default:false" json:"read"`
}

type MessageStore struct {
	DB *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{DB: db}
}

// CreateSent stores the message together with its recipients
func (s *MessageStore) CreateSent(m *Message) error {
	return s.DB.Create(m).Error
}

func (s *MessageStore) Sent(id uint64) (*Message, error) {
	var m Message
	err := s.DB.Preload("Recipients").Take(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FailRecipient records a delivery error unless the recipient got verified meanwhile
func (s *MessageStore) FailRecipient(recipientID uint64, reason string) error {
	return s.DB.Model(&MessageRecipient{}).
		Where("id = ? AND status = ?", recipientID, MessageStatusInitiate).
		Updates(map[string]any{"status": MessageStatusErr, "error": reason}).Error
}

func (s *MessageStore) SetStatus(messageID uint64, status string) error {
	return s.DB.Model(&Message{}).Where("id = ?", messageID).Update("status", status).Error
}

// RecipientByNonce returns nil when no pending recipient holds the nonce
func (s *MessageStore) RecipientByNonce(nonce string) (*MessageRecipient, error) {
	if nonce == "" {
		return nil, nil
	}
	var r MessageRecipient
	err := s.DB.Where("nonce = ? AND status = ?", nonce, MessageStatusInitiate).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ConsumeNonce marks the recipient verified. Only one caller can win for a given nonce
func (s *MessageStore) ConsumeNonce(recipientID uint64, nonce string) (bool, error) {
	result := s.DB.Model(&MessageRecipient{}).
		Where("id = ? AND nonce = ? AND status = ?", recipientID, nonce, MessageStatusInitiate).
		Updates(map[string]any{"status": MessageStatusVerified, "nonce": ""})
	return result.RowsAffected == 1, result.Error
}

func (s *MessageStore) CreateGot(m *MessageGot) error {
	return s.DB.Create(m).Error
}

func (s *MessageStore) SaveGot(m *MessageGot) error {
	return s.DB.Save(m).Error
}

func (s *MessageStore) Inbox(ownerID, appID string, unreadOnly bool) (result []MessageGot, err error) {
	tx := s.DB.Where("owner_id = ?", ownerID)
	if appID != "" {
		tx = tx.Where("app_id = ?", appID)
	}
	if unreadOnly {
		tx = tx.Where("`read` = ?", false)
	}
	err = tx.Order("created_at DESC, id DESC").Find(&result).Error
	return
}

// MarkRead updates the given inbox entries, or all of them when ids is empty
func (s *MessageStore) MarkRead(ownerID, appID string, ids []uint64) (int64, error) {
	tx := s.DB.Model(&MessageGot{}).Where("owner_id = ?", ownerID)
	if appID != "" {
		tx = tx.Where("app_id = ?", appID)
	}
	if len(ids) > 0 {
		tx = tx.Where("id IN ?", ids)
	}
	result := tx.Update("read", true)
	return result.RowsAffected, result.Error
}
