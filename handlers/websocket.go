package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"pdserver/access"
	"pdserver/logs"
	"pdserver/models"
	"pdserver/push"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
)

const TypeNewMessage = "message"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Apps are served from other origins, the access token is what authenticates
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SendSocketFunc returns true if data was successfully sent
type SendSocketFunc func([]byte) bool
type ConnectedClient struct {
	fun SendSocketFunc
	app string
	// gorilla connections support one concurrent writer
	mu sync.Mutex
}

// ConnectedClients is needed as a user may be connected more than once
type ConnectedClients []*ConnectedClient

// Hub tells connected apps about new inbox entries and falls back to push notifications
type Hub struct {
	ConnectedUsers cmap.ConcurrentMap[string, ConnectedClients]
	Users          *models.UserStore
}

func NewHub(users *models.UserStore) *Hub {
	return &Hub{ConnectedUsers: cmap.New[ConnectedClients](), Users: users}
}

type Notification struct {
	Type  string             `json:"type"`
	Stamp int64              `json:"stamp"`
	Data  *models.MessageGot `json:"data"`
}

func (hub *Hub) addClient(id string, c *ConnectedClient) {
	hub.ConnectedUsers.Upsert(id, ConnectedClients{c}, func(exist bool, valueInMap, newValue ConnectedClients) ConnectedClients {
		if exist {
			return append(valueInMap, c)
		}
		return newValue
	})
}

func (hub *Hub) removeClient(id string, c *ConnectedClient) {
	hub.ConnectedUsers.Upsert(id, ConnectedClients{}, func(exist bool, valueInMap, newValue ConnectedClients) ConnectedClients {
		if !exist {
			return newValue
		}
		for _, oc := range valueInMap {
			if oc == c {
				continue
			}
			newValue = append(newValue, oc)
		}
		return newValue
	})
}

// MessageReceived implements messaging.Notifier
func (hub *Hub) MessageReceived(m *models.MessageGot) {
	buffer := bytes.Buffer{}
	_ = json.NewEncoder(&buffer).Encode(Notification{Type: TypeNewMessage, Stamp: time.Now().UnixMilli(), Data: m})
	delivered := false
	if clients, ok := hub.ConnectedUsers.Get(m.OwnerID); ok {
		for _, client := range clients {
			if client.app != "" && client.app != m.AppID {
				continue
			}
			if client.fun(buffer.Bytes()) {
				delivered = true
			}
		}
	}
	if delivered || hub.Users == nil {
		return
	}
	user, err := hub.Users.Get(m.OwnerID)
	if err != nil || user == nil || user.PushToken == "" {
		return
	}
	go push.NewMessage(m).SendTo([]string{user.PushToken})
}

// WebSocket keeps a connection open to receive new message notifications
func (h *Handlers) WebSocket(c *gin.Context, caller *access.Caller) {
	if !caller.IsOwner() {
		c.JSON(http.StatusForbidden, NopeResponse)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logs.Warning.Print("upgrade:", err)
		return
	}
	defer conn.Close()

	// Setup client
	isConnected := true
	client := ConnectedClient{app: inboxApp(caller)}
	client.fun = func(data []byte) bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		if !isConnected {
			return false
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := conn.WriteMessage(websocket.TextMessage, data)
		if err != nil {
			logs.Warning.Println("write err:", err)
			isConnected = false
			return false
		}
		return true
	}
	h.Hub.addClient(caller.OwnerID, &client)
	defer h.Hub.removeClient(caller.OwnerID, &client)
	// Main read cycle
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			client.mu.Lock()
			isConnected = false
			client.mu.Unlock()
			break
		}
		if string(message) == "ping" {
			client.fun([]byte("pong"))
		}
	}
}
