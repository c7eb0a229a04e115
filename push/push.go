// Package push forwards notifications to the push server, which delivers them to the user's devices.
package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"pdserver/config"
	"pdserver/logs"
	"pdserver/models"
	"strconv"
	"time"
)

const (
	NotificationTypeNewMessage = "message"
)

var httpClient = http.Client{Timeout: 5 * time.Second}

type Notification struct {
	Type       string            `json:"type"`
	UserTokens []string          `json:"user_tokens" binding:"required"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data"`
}

const maxBodyRunes = 100

// NewMessage describes a new inbox entry. Record content stays on the server
func NewMessage(m *models.MessageGot) *Notification {
	from := m.SenderID
	if m.SenderHost != "" {
		from += "@" + m.SenderHost
	}
	body := m.Message
	if runes := []rune(body); len(runes) > maxBodyRunes {
		body = string(runes[:maxBodyRunes]) + "..."
	}
	return &Notification{
		Type:  NotificationTypeNewMessage,
		Title: "Message from " + from,
		Body:  body,
		Data: map[string]string{
			"type":   NotificationTypeNewMessage,
			"id":     strconv.FormatUint(m.ID, 10),
			"app_id": m.AppID,
		},
	}
}

func (notification *Notification) SendTo(UserTokens []string) error {
	notification.UserTokens = UserTokens
	return notification.Send()
}

func (notification *Notification) Send() error {
	if config.PUSH_SERVER == "" {
		return nil
	}
	buf := bytes.Buffer{}
	json.NewEncoder(&buf).Encode(*notification)
	resp, err := httpClient.Post(config.PUSH_SERVER+"/send", "application/json", &buf)
	if err != nil {
		logs.Warning.Printf("SendPushNotification, error: %v", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		buf.Reset()
		io.Copy(&buf, resp.Body)
		logs.Warning.Printf("SendPushNotification error, status: %d, %s", resp.StatusCode, buf.String())
		return fmt.Errorf("status: %d", resp.StatusCode)
	}
	return nil
}
