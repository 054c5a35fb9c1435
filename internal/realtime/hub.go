// Package realtime рассылает изменения состояния подключённым клиентам.
package realtime

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rentd/internal/logs"
	"rentd/internal/metrics"
)

// Топики.
const (
	TopicAccounts = "accounts"
	TopicWorkers  = "workers"
)

var ErrNotConnected = errors.New("connection is not registered")

// Event - сообщение клиенту. Scope не сериализуется: непустой Scope
// ограничивает доставку соединениями с тем же scope (или глобальными).
type Event struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
	Scope   string `json:"-"`
}

// Conn - зарегистрированное соединение. Поля меняет только Hub под своим мьютексом.
type Conn struct {
	ID       string
	TenantID string
	ScopeID  string

	send   chan []byte
	topics map[string]struct{}
	closed bool
}

// Send - очередь кадров для единственного писателя соединения.
// Закрывается при Disconnect.
func (c *Conn) Send() <-chan []byte { return c.send }

type Options struct {
	QueueSize int // размер очереди соединения; по умолчанию 64
}

type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	byTenant map[string]map[string]*Conn
	queue    int
}

func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Hub{
		conns:    make(map[string]*Conn),
		byTenant: make(map[string]map[string]*Conn),
		queue:    opts.QueueSize,
	}
}

// Connect регистрирует соединение. Пустой scopeID - глобальное соединение тенанта.
func (h *Hub) Connect(tenantID, scopeID string) *Conn {
	c := &Conn{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		ScopeID:  scopeID,
		send:     make(chan []byte, h.queue),
		topics:   make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c.ID] = c
	set := h.byTenant[tenantID]
	if set == nil {
		set = make(map[string]*Conn)
		h.byTenant[tenantID] = set
	}
	set[c.ID] = c
	h.mu.Unlock()

	metrics.HubConnections.Inc()
	logs.Logger.WithFields(logrus.Fields{"conn": c.ID, "tenant": tenantID, "scope": scopeID}).Debug("realtime: connected")
	return c
}

// Disconnect идемпотентен; закрывает очередь соединения.
func (h *Hub) Disconnect(c *Conn) {
	if c == nil {
		return
	}
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	h.removeLocked(c)
	h.mu.Unlock()

	metrics.HubConnections.Dec()
	logs.Logger.WithFields(logrus.Fields{"conn": c.ID, "tenant": c.TenantID}).Debug("realtime: disconnected")
}

func (h *Hub) removeLocked(c *Conn) {
	c.closed = true
	delete(h.conns, c.ID)
	if set := h.byTenant[c.TenantID]; set != nil {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.byTenant, c.TenantID)
		}
	}
	close(c.send)
}

func (h *Hub) Subscribe(c *Conn, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c == nil || c.closed {
		return ErrNotConnected
	}
	c.topics[topic] = struct{}{}
	return nil
}

func (h *Hub) Unsubscribe(c *Conn, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c == nil || c.closed {
		return ErrNotConnected
	}
	delete(c.topics, topic)
	return nil
}

// Publish кладёт событие в очереди подходящих соединений тенанта и
// возвращает число соединений, принявших его. Никогда не блокируется:
// при полной очереди событие для этого соединения отбрасывается.
func (h *Hub) Publish(tenantID string, ev Event) int {
	frame, err := json.Marshal(ev)
	if err != nil {
		logs.Logger.WithError(err).WithField("type", ev.Type).Error("realtime: marshal event")
		return 0
	}

	delivered, dropped := 0, 0
	h.mu.RLock()
	for _, c := range h.byTenant[tenantID] {
		if !matches(c, ev) {
			continue
		}
		select {
		case c.send <- frame:
			delivered++
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		metrics.HubDropped.Add(float64(dropped))
		logs.Logger.WithFields(logrus.Fields{"tenant": tenantID, "type": ev.Type, "dropped": dropped}).Warn("realtime: slow consumers, events dropped")
	}
	return delivered
}

func matches(c *Conn, ev Event) bool {
	if _, ok := c.topics[ev.Topic]; !ok {
		return false
	}
	return ev.Scope == "" || c.ScopeID == "" || c.ScopeID == ev.Scope
}

// Count - число живых соединений.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
