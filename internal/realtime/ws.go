package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"rentd/internal/logs"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxClientFrame = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ClientFrame - управляющий кадр от клиента.
type ClientFrame struct {
	Action string `json:"action"` // subscribe|unsubscribe
	Topic  string `json:"topic"`
}

// ServeWS поднимает websocket-сессию для уже аутентифицированного тенанта.
// Блокирует до закрытия соединения.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request, tenantID, scopeID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Logger.WithError(err).Info("realtime: upgrade failed")
		return
	}

	c := h.Connect(tenantID, scopeID)
	log := logs.Logger.WithFields(logrus.Fields{"conn": c.ID, "tenant": tenantID})

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeLoop(h, c, ws, log)
	}()

	ws.SetReadLimit(maxClientFrame)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.WithError(rerr).Info("realtime: read error")
			}
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Topic == "" {
			h.reply(c, Event{Type: "error", Payload: map[string]string{"error": "bad frame"}})
			continue
		}
		switch f.Action {
		case "subscribe":
			if h.Subscribe(c, f.Topic) == nil {
				h.reply(c, Event{Type: "subscribed", Topic: f.Topic})
			}
		case "unsubscribe":
			if h.Unsubscribe(c, f.Topic) == nil {
				h.reply(c, Event{Type: "unsubscribed", Topic: f.Topic})
			}
		default:
			h.reply(c, Event{Type: "error", Topic: f.Topic, Payload: map[string]string{"error": "unknown action"}})
		}
	}

	h.Disconnect(c)
	<-done
}

// writeLoop - единственный писатель соединения, поэтому порядок событий сохраняется.
func writeLoop(h *Hub, c *Conn, ws *websocket.Conn, log *logrus.Entry) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).Info("realtime: write failed, dropping connection")
				h.Disconnect(c)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Disconnect(c)
				return
			}
		}
	}
}

// reply отправляет служебный ответ только этому соединению.
func (h *Hub) reply(c *Conn, ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}
