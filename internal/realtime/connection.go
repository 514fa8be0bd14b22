package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat_realtime/internal/domain"
)

// VoiceSeat - место соединения в голосовой комнате
type VoiceSeat struct {
	ChannelID uuid.UUID
	Muted     bool
	Deafened  bool
}

// Connection - одна живая сессия транспорта. Принадлежит Hub,
// создается в Register и уничтожается в Unregister.
type Connection struct {
	id          uuid.UUID
	user        *domain.User
	connectedAt time.Time

	send   chan []byte
	done   chan struct{}
	kicked chan struct{}

	kickOnce sync.Once

	mu     sync.Mutex
	closed bool
	// комната -> сервер-владелец (uuid.Nil для личных комнат и DM)
	rooms map[string]uuid.UUID
	voice *VoiceSeat
}

func newConnection(user *domain.User, queueSize int) *Connection {
	return &Connection{
		id:          uuid.New(),
		user:        user,
		connectedAt: time.Now(),
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
		kicked:      make(chan struct{}),
		rooms:       make(map[string]uuid.UUID),
	}
}

func (c *Connection) ID() uuid.UUID          { return c.id }
func (c *Connection) UserID() uuid.UUID      { return c.user.ID }
func (c *Connection) User() *domain.User     { return c.user }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Outbound - очередь кадров для write pump
func (c *Connection) Outbound() <-chan []byte { return c.send }

// Done закрывается, когда соединение снято с учета в Hub
func (c *Connection) Done() <-chan struct{} { return c.done }

// Kicked закрывается, когда Hub просит транспорт разорвать соединение
// (переполнена очередь, выселение, остановка сервера)
func (c *Connection) Kicked() <-chan struct{} { return c.kicked }

func (c *Connection) Kick() {
	c.kickOnce.Do(func() { close(c.kicked) })
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for key := range c.rooms {
		rooms = append(rooms, key)
	}
	sort.Strings(rooms)
	return rooms
}

func (c *Connection) InRoom(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[key]
	return ok
}

func (c *Connection) Voice() (VoiceSeat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.voice == nil {
		return VoiceSeat{}, false
	}
	return *c.voice, true
}

// SetVoice вызывается менеджером голосовых комнат под блокировкой комнаты
func (c *Connection) SetVoice(seat VoiceSeat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.voice = &seat
}

// ClearVoice снимает место, только если оно все еще в channelID
func (c *Connection) ClearVoice(channelID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.voice != nil && c.voice.ChannelID == channelID {
		c.voice = nil
	}
}

// enqueue никогда не блокирует: false, если соединение закрыто или очередь полна
func (c *Connection) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Connection) addRoom(key string, serverID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.rooms[key] = serverID
	return true
}

func (c *Connection) removeRoom(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, key)
}

func (c *Connection) roomsWhere(match func(key string, serverID uuid.UUID) bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for key, serverID := range c.rooms {
		if match(key, serverID) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// shutdown помечает соединение закрытым и возвращает комнаты, из которых его нужно убрать.
// После shutdown ни один Join не добавит соединение в комнату.
func (c *Connection) shutdown() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.voice = nil
	close(c.done)

	rooms := make([]string, 0, len(c.rooms))
	for key := range c.rooms {
		rooms = append(rooms, key)
	}
	return rooms
}
