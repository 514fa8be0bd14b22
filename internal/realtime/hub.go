package realtime

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"chat_realtime/internal/domain"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/logger"
)

var ErrHubClosed = errors.New("hub is shut down")

// Hub - реестр соединений и мультиплексор комнат.
// Каждая комната блокируется отдельно: изменения членства и рассылки
// в одну комнату упорядочены, разные комнаты друг друга не ждут.
type Hub struct {
	log           logger.Logger
	sendQueueSize int

	mu     sync.RWMutex
	conns  map[uuid.UUID]*Connection
	byUser map[uuid.UUID]map[uuid.UUID]*Connection
	closed bool

	roomsMu sync.Mutex
	rooms   map[string]*room
}

type room struct {
	key     string
	mu      sync.Mutex
	members map[uuid.UUID]*Connection
	refs    int
}

func NewHub(sendQueueSize int, log logger.Logger) *Hub {
	if sendQueueSize <= 0 {
		sendQueueSize = 256
	}
	return &Hub{
		log:           log,
		sendQueueSize: sendQueueSize,
		conns:         make(map[uuid.UUID]*Connection),
		byUser:        make(map[uuid.UUID]map[uuid.UUID]*Connection),
		rooms:         make(map[string]*room),
	}
}

// Register заводит соединение для уже аутентифицированного пользователя и
// подписывает его на личную комнату и комнаты серверов из снимка членства.
func (h *Hub) Register(user *domain.User, servers []uuid.UUID) (*Connection, error) {
	conn := newConnection(user, h.sendQueueSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.conns[conn.id] = conn
	if h.byUser[user.ID] == nil {
		h.byUser[user.ID] = make(map[uuid.UUID]*Connection)
	}
	h.byUser[user.ID][conn.id] = conn
	total := len(h.conns)
	h.mu.Unlock()

	h.join(conn, domain.UserRoom(user.ID), uuid.Nil)
	for _, serverID := range servers {
		h.join(conn, domain.ServerRoom(serverID), serverID)
	}

	h.log.Debug("Connection registered", "connection_id", conn.id, "user_id", user.ID, "total", total)
	return conn, nil
}

// Unregister идемпотентен. Возвращает соединение и число оставшихся
// соединений пользователя; ok=false, если соединение уже снято.
func (h *Hub) Unregister(connID uuid.UUID) (conn *Connection, remaining int, ok bool) {
	h.mu.Lock()
	conn, ok = h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return nil, 0, false
	}
	delete(h.conns, connID)
	userConns := h.byUser[conn.UserID()]
	delete(userConns, connID)
	remaining = len(userConns)
	if remaining == 0 {
		delete(h.byUser, conn.UserID())
	}
	h.mu.Unlock()

	for _, key := range conn.shutdown() {
		h.leave(conn, key)
	}

	h.log.Debug("Connection unregistered", "connection_id", connID, "user_id", conn.UserID(), "remaining", remaining)
	return conn, remaining, true
}

func (h *Hub) Connection(connID uuid.UUID) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[connID]
	return conn, ok
}

// ConnectionsOf возвращает соединения пользователя от старых к новым
func (h *Hub) ConnectionsOf(userID uuid.UUID) []*Connection {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.byUser[userID]))
	for _, conn := range h.byUser[userID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].connectedAt.Before(conns[j].connectedAt)
	})
	return conns
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Join идемпотентен. Авторизацию выполняет вызывающий код.
func (h *Hub) Join(connID uuid.UUID, key string, serverID uuid.UUID) error {
	conn, ok := h.Connection(connID)
	if !ok {
		return apperrors.ErrConnectionNotFound
	}
	if !h.join(conn, key, serverID) {
		return apperrors.ErrConnectionNotFound
	}
	return nil
}

func (h *Hub) Leave(connID uuid.UUID, key string) error {
	conn, ok := h.Connection(connID)
	if !ok {
		return apperrors.ErrConnectionNotFound
	}
	h.leave(conn, key)
	return nil
}

// LeaveWhere выводит соединение из всех комнат, подходящих под условие
func (h *Hub) LeaveWhere(connID uuid.UUID, match func(key string, serverID uuid.UUID) bool) []string {
	conn, ok := h.Connection(connID)
	if !ok {
		return nil
	}
	keys := conn.roomsWhere(match)
	for _, key := range keys {
		h.leave(conn, key)
	}
	return keys
}

func (h *Hub) join(conn *Connection, key string, serverID uuid.UUID) bool {
	r := h.acquire(key, true)
	defer h.release(r)

	r.mu.Lock()
	defer r.mu.Unlock()

	// порядок блокировок: комната -> соединение
	if !conn.addRoom(key, serverID) {
		return false
	}
	r.members[conn.id] = conn
	return true
}

func (h *Hub) leave(conn *Connection, key string) {
	r := h.acquire(key, false)
	if r == nil {
		conn.removeRoom(key)
		return
	}
	defer h.release(r)

	r.mu.Lock()
	delete(r.members, conn.id)
	conn.removeRoom(key)
	r.mu.Unlock()
}

func (h *Hub) acquire(key string, create bool) *room {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()

	r, ok := h.rooms[key]
	if !ok {
		if !create {
			return nil
		}
		r = &room{key: key, members: make(map[uuid.UUID]*Connection)}
		h.rooms[key] = r
	}
	r.refs++
	return r
}

func (h *Hub) release(r *room) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()

	r.refs--
	if r.refs > 0 {
		return
	}
	r.mu.Lock()
	empty := len(r.members) == 0
	r.mu.Unlock()
	if empty {
		delete(h.rooms, r.key)
	}
}

// Broadcast доставляет событие всем текущим участникам комнаты, кроме exclude.
// Ошибка доставки одному получателю не влияет на остальных.
func (h *Hub) Broadcast(key, event string, payload interface{}, exclude uuid.UUID) int {
	return h.BroadcastRooms([]string{key}, event, payload, exclude)
}

// BroadcastRooms рассылает в несколько комнат; соединение, состоящее
// в нескольких из них, получает событие один раз.
func (h *Hub) BroadcastRooms(keys []string, event string, payload interface{}, exclude uuid.UUID) int {
	frame, err := Encode(event, payload)
	if err != nil {
		h.log.Error("Failed to encode broadcast", "event", event, "error", err)
		return 0
	}

	delivered := 0
	seen := make(map[uuid.UUID]struct{})
	var failed []*Connection

	for _, key := range keys {
		r := h.acquire(key, false)
		if r == nil {
			continue
		}

		r.mu.Lock()
		for id, conn := range r.members {
			if id == exclude {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if conn.enqueue(frame) {
				delivered++
			} else {
				failed = append(failed, conn)
			}
		}
		r.mu.Unlock()
		h.release(r)
	}

	h.dropFailed(failed, event)
	return delivered
}

// SendTo доставляет событие одному соединению
func (h *Hub) SendTo(connID uuid.UUID, event string, payload interface{}) bool {
	conn, ok := h.Connection(connID)
	if !ok {
		return false
	}
	frame, err := Encode(event, payload)
	if err != nil {
		h.log.Error("Failed to encode message", "event", event, "error", err)
		return false
	}
	if !conn.enqueue(frame) {
		h.dropFailed([]*Connection{conn}, event)
		return false
	}
	return true
}

func (h *Hub) dropFailed(failed []*Connection, event string) {
	for _, conn := range failed {
		if conn.IsClosed() {
			continue
		}
		h.log.Warn("Send queue full, dropping connection",
			"connection_id", conn.id, "user_id", conn.UserID(), "event", event)
		conn.Kick()
	}
}

func (h *Hub) RoomConnections(key string) []*Connection {
	r := h.acquire(key, false)
	if r == nil {
		return nil
	}
	defer h.release(r)

	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.members))
	for _, conn := range r.members {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].connectedAt.Before(conns[j].connectedAt)
	})
	return conns
}

func (h *Hub) RoomSize(key string) int {
	r := h.acquire(key, false)
	if r == nil {
		return 0
	}
	defer h.release(r)

	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// RoomUsers - уникальные пользователи комнаты в порядке подключения
func (h *Hub) RoomUsers(key string) []*domain.User {
	seen := make(map[uuid.UUID]struct{})
	var users []*domain.User
	for _, conn := range h.RoomConnections(key) {
		if _, ok := seen[conn.UserID()]; ok {
			continue
		}
		seen[conn.UserID()] = struct{}{}
		users = append(users, conn.User())
	}
	return users
}

// Shutdown запрещает новые регистрации и просит транспорт закрыть все соединения
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Kick()
	}
	h.log.Info("Hub shutdown requested", "connections", len(conns))
}
