package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/realtime"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/logger"
)

// Сигнальные события и поле, в котором едет полезная нагрузка
var signalFields = map[string]string{
	EventVoiceOffer:        "offer",
	EventVoiceAnswer:       "answer",
	EventVoiceICECandidate: "candidate",
}

type VoiceService interface {
	Join(ctx context.Context, conn *realtime.Connection, channelID uuid.UUID, muted, deafened bool) ([]domain.VoiceParticipant, error)
	Leave(conn *realtime.Connection) error
	// DepartConnection снимает место, если оно принадлежит этому соединению (отключение)
	DepartConnection(conn *realtime.Connection)
	SetMute(conn *realtime.Connection, muted bool) error
	SetDeafen(conn *realtime.Connection, deafened bool) error
	// RelaySignal пересылает непрозрачную нагрузку одному соединению адресата.
	// false, если у адресата нет соединений.
	RelaySignal(from *realtime.Connection, event string, targetUserID uuid.UUID, payload json.RawMessage) (bool, error)
	ScreenShare(conn *realtime.Connection, started bool) error
	Roster(channelID uuid.UUID) []domain.VoiceParticipant
	// EvictServer снимает место identity, если оно в канале этого сервера
	EvictServer(userID, serverID uuid.UUID)
}

// voiceSeat - где сидит identity; не больше одного места на identity
type voiceSeat struct {
	channelID uuid.UUID
	connID    uuid.UUID
}

type voiceRoom struct {
	channelID    uuid.UUID
	serverID     uuid.UUID
	participants []*voiceParticipant
}

type voiceParticipant struct {
	domain.VoiceParticipant
	connID uuid.UUID
}

type voiceService struct {
	hub    *realtime.Hub
	access AccessService
	log    logger.Logger

	// порядок: identity -> комната голоса -> комната хаба -> соединение
	identityLocks *realtime.KeyedMutex
	roomLocks     *realtime.KeyedMutex

	mu    sync.Mutex
	rooms map[uuid.UUID]*voiceRoom
	seats map[uuid.UUID]voiceSeat
}

func NewVoiceService(hub *realtime.Hub, access AccessService, log logger.Logger) VoiceService {
	return &voiceService{
		hub:           hub,
		access:        access,
		log:           log,
		identityLocks: realtime.NewKeyedMutex(),
		roomLocks:     realtime.NewKeyedMutex(),
		rooms:         make(map[uuid.UUID]*voiceRoom),
		seats:         make(map[uuid.UUID]voiceSeat),
	}
}

func (s *voiceService) Join(ctx context.Context, conn *realtime.Connection, channelID uuid.UUID, muted, deafened bool) ([]domain.VoiceParticipant, error) {
	channel, err := s.access.CheckChannelAccess(ctx, conn.UserID(), channelID)
	if err != nil {
		return nil, err
	}
	if channel.Type != domain.ChannelTypeVoice {
		return nil, apperrors.ErrBadRequest
	}
	var serverID uuid.UUID
	if channel.ServerID != nil {
		serverID = *channel.ServerID
	}

	userID := conn.UserID()
	unlockIdentity := s.identityLocks.Lock(userID.String())
	defer unlockIdentity()

	seat, seated := s.seat(userID)
	if seated && seat.channelID == channelID && seat.connID == conn.ID() {
		others := s.othersInRoom(channelID, conn.ID())
		s.hub.SendTo(conn.ID(), EventVoiceJoined, VoiceJoinedPayload{ChannelID: channelID, Users: others})
		return others, nil
	}

	// полная комната не должна выбивать identity с текущего места
	if s.full(channel, seat, seated) {
		return nil, apperrors.ErrCapacityExceeded
	}

	if seated {
		s.depart(userID, seat, VoiceStatusLeft)
	}

	if deafened {
		muted = true
	}

	unlockRoom := s.roomLocks.Lock(channelID.String())
	room := s.room(channelID, serverID, true)
	if channel.UserLimit > 0 && len(room.participants) >= channel.UserLimit {
		s.dropIfEmpty(room)
		unlockRoom()
		return nil, apperrors.ErrCapacityExceeded
	}

	if err := s.hub.Join(conn.ID(), domain.VoiceRoom(channelID), serverID); err != nil {
		s.dropIfEmpty(room)
		unlockRoom()
		return nil, err
	}

	entry := &voiceParticipant{
		VoiceParticipant: domain.VoiceParticipant{
			Profile:   conn.User().Profile(),
			ChannelID: channelID,
			Muted:     muted,
			Deafened:  deafened,
		},
		connID: conn.ID(),
	}
	room.participants = append(room.participants, entry)
	conn.SetVoice(realtime.VoiceSeat{ChannelID: channelID, Muted: muted, Deafened: deafened})

	s.mu.Lock()
	s.seats[userID] = voiceSeat{channelID: channelID, connID: conn.ID()}
	s.mu.Unlock()

	others := snapshotExcept(room, conn.ID())
	s.hub.SendTo(conn.ID(), EventVoiceJoined, VoiceJoinedPayload{ChannelID: channelID, Users: others})
	s.hub.Broadcast(domain.VoiceRoom(channelID), EventVoiceUserJoined, entry.VoiceParticipant, conn.ID())
	unlockRoom()

	if serverID != uuid.Nil {
		s.hub.Broadcast(domain.ServerRoom(serverID), EventVoiceUserStatus, VoiceStatusPayload{
			VoiceUserPayload: voiceUser(conn.User(), channelID),
			Status:           VoiceStatusJoined,
		}, conn.ID())
	}

	s.log.Debug("Voice joined", "user_id", userID, "channel_id", channelID, "participants", len(others)+1)
	return others, nil
}

func (s *voiceService) Leave(conn *realtime.Connection) error {
	userID := conn.UserID()
	unlock := s.identityLocks.Lock(userID.String())
	defer unlock()

	seat, ok := s.seat(userID)
	if !ok || seat.connID != conn.ID() {
		return apperrors.ErrNotInVoice
	}

	s.depart(userID, seat, VoiceStatusLeft)
	s.hub.SendTo(conn.ID(), EventVoiceLeft, VoiceLeftPayload{ChannelID: seat.channelID})
	return nil
}

func (s *voiceService) DepartConnection(conn *realtime.Connection) {
	userID := conn.UserID()
	unlock := s.identityLocks.Lock(userID.String())
	defer unlock()

	seat, ok := s.seat(userID)
	if !ok || seat.connID != conn.ID() {
		return
	}
	s.depart(userID, seat, VoiceStatusDisconnected)
}

func (s *voiceService) EvictServer(userID, serverID uuid.UUID) {
	unlock := s.identityLocks.Lock(userID.String())
	defer unlock()

	seat, ok := s.seat(userID)
	if !ok {
		return
	}

	s.mu.Lock()
	room := s.rooms[seat.channelID]
	s.mu.Unlock()
	if room == nil || room.serverID != serverID {
		return
	}
	s.depart(userID, seat, VoiceStatusRemoved)
}

func (s *voiceService) SetMute(conn *realtime.Connection, muted bool) error {
	return s.updateFlags(conn, func(p *voiceParticipant) (bool, bool, error) {
		// deafen подразумевает mute
		if !muted && p.Deafened {
			return false, false, apperrors.ErrInvalidStateTransition
		}
		changed := p.Muted != muted
		p.Muted = muted
		return changed, false, nil
	})
}

func (s *voiceService) SetDeafen(conn *realtime.Connection, deafened bool) error {
	return s.updateFlags(conn, func(p *voiceParticipant) (bool, bool, error) {
		muteChanged := false
		if deafened && !p.Muted {
			p.Muted = true
			muteChanged = true
		}
		changed := p.Deafened != deafened
		p.Deafened = deafened
		return muteChanged, changed, nil
	})
}

func (s *voiceService) updateFlags(conn *realtime.Connection, apply func(p *voiceParticipant) (muteChanged, deafenChanged bool, err error)) error {
	userID := conn.UserID()
	unlockIdentity := s.identityLocks.Lock(userID.String())
	defer unlockIdentity()

	seat, ok := s.seat(userID)
	if !ok || seat.connID != conn.ID() {
		return apperrors.ErrNotInVoice
	}

	unlockRoom := s.roomLocks.Lock(seat.channelID.String())
	defer unlockRoom()

	room := s.room(seat.channelID, uuid.Nil, false)
	if room == nil {
		return apperrors.ErrNotInVoice
	}
	p := findParticipant(room, conn.ID())
	if p == nil {
		return apperrors.ErrNotInVoice
	}

	muteChanged, deafenChanged, err := apply(p)
	if err != nil {
		return err
	}
	conn.SetVoice(realtime.VoiceSeat{ChannelID: seat.channelID, Muted: p.Muted, Deafened: p.Deafened})

	key := domain.VoiceRoom(seat.channelID)
	user := voiceUser(conn.User(), seat.channelID)
	if muteChanged {
		s.hub.Broadcast(key, EventVoiceUserMuted, VoiceMutedPayload{VoiceUserPayload: user, Muted: p.Muted}, conn.ID())
	}
	if deafenChanged {
		s.hub.Broadcast(key, EventVoiceUserDeafened, VoiceDeafenedPayload{
			VoiceUserPayload: user,
			Deafened:         p.Deafened,
			Muted:            p.Muted,
		}, conn.ID())
	}
	return nil
}

func (s *voiceService) RelaySignal(from *realtime.Connection, event string, targetUserID uuid.UUID, payload json.RawMessage) (bool, error) {
	field, ok := signalFields[event]
	if !ok || targetUserID == uuid.Nil {
		return false, apperrors.ErrBadRequest
	}

	target := s.signalTarget(targetUserID)
	if target == uuid.Nil {
		// адресат ушел посреди согласования
		s.log.Debug("Signal target has no connection", "event", event, "from", from.UserID(), "to", targetUserID)
		return false, nil
	}

	body := map[string]interface{}{
		"fromUserId":   from.UserID(),
		"fromUsername": from.User().Username,
		field:          payload,
	}
	return s.hub.SendTo(target, event, body), nil
}

// signalTarget: соединение с местом в голосе, иначе самое новое соединение
func (s *voiceService) signalTarget(userID uuid.UUID) uuid.UUID {
	if seat, ok := s.seat(userID); ok {
		if _, alive := s.hub.Connection(seat.connID); alive {
			return seat.connID
		}
	}
	conns := s.hub.ConnectionsOf(userID)
	if len(conns) == 0 {
		return uuid.Nil
	}
	return conns[len(conns)-1].ID()
}

func (s *voiceService) ScreenShare(conn *realtime.Connection, started bool) error {
	seat, ok := s.seat(conn.UserID())
	if !ok || seat.connID != conn.ID() {
		return apperrors.ErrNotInVoice
	}

	event := EventScreenStopped
	if started {
		event = EventScreenStarted
	}
	s.hub.Broadcast(domain.VoiceRoom(seat.channelID), event, voiceUser(conn.User(), seat.channelID), conn.ID())
	return nil
}

func (s *voiceService) Roster(channelID uuid.UUID) []domain.VoiceParticipant {
	return s.othersInRoom(channelID, uuid.Nil)
}

// depart вызывается под блокировкой identity. Уход рассылается и
// убирается из ростера до того, как identity получит следующий join.
func (s *voiceService) depart(userID uuid.UUID, seat voiceSeat, status string) {
	unlockRoom := s.roomLocks.Lock(seat.channelID.String())

	var (
		user     *domain.User
		serverID uuid.UUID
	)
	if room := s.room(seat.channelID, uuid.Nil, false); room != nil {
		serverID = room.serverID
		for i, p := range room.participants {
			if p.connID == seat.connID {
				user = &domain.User{ID: p.UserID, Username: p.Username}
				room.participants = append(room.participants[:i], room.participants[i+1:]...)
				break
			}
		}
		s.dropIfEmpty(room)
	}

	if conn, ok := s.hub.Connection(seat.connID); ok {
		_ = s.hub.Leave(conn.ID(), domain.VoiceRoom(seat.channelID))
		conn.ClearVoice(seat.channelID)
	}

	if user == nil {
		user = &domain.User{ID: userID}
	}
	s.hub.Broadcast(domain.VoiceRoom(seat.channelID), EventVoiceUserLeft, voiceUser(user, seat.channelID), seat.connID)
	unlockRoom()

	s.mu.Lock()
	if current, ok := s.seats[userID]; ok && current == seat {
		delete(s.seats, userID)
	}
	s.mu.Unlock()

	if serverID != uuid.Nil {
		s.hub.Broadcast(domain.ServerRoom(serverID), EventVoiceUserStatus, VoiceStatusPayload{
			VoiceUserPayload: voiceUser(user, seat.channelID),
			Status:           status,
		}, seat.connID)
	}

	s.log.Debug("Voice departed", "user_id", userID, "channel_id", seat.channelID, "reason", status)
}

func (s *voiceService) full(channel *domain.Channel, seat voiceSeat, seated bool) bool {
	if channel.UserLimit <= 0 {
		return false
	}
	unlock := s.roomLocks.Lock(channel.ID.String())
	defer unlock()

	room := s.room(channel.ID, uuid.Nil, false)
	if room == nil {
		return false
	}
	count := len(room.participants)
	// identity, пересаживающаяся внутри той же комнаты, освободит свое место
	if seated && seat.channelID == channel.ID {
		count--
	}
	return count >= channel.UserLimit
}

func (s *voiceService) seat(userID uuid.UUID) (voiceSeat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seat, ok := s.seats[userID]
	return seat, ok
}

// room вызывается под блокировкой комнаты
func (s *voiceService) room(channelID, serverID uuid.UUID, create bool) *voiceRoom {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[channelID]
	if !ok && create {
		room = &voiceRoom{channelID: channelID, serverID: serverID}
		s.rooms[channelID] = room
	}
	return room
}

func (s *voiceService) dropIfEmpty(room *voiceRoom) {
	if len(room.participants) > 0 {
		return
	}
	s.mu.Lock()
	if s.rooms[room.channelID] == room {
		delete(s.rooms, room.channelID)
	}
	s.mu.Unlock()
}

func (s *voiceService) othersInRoom(channelID, exclude uuid.UUID) []domain.VoiceParticipant {
	unlock := s.roomLocks.Lock(channelID.String())
	defer unlock()

	room := s.room(channelID, uuid.Nil, false)
	if room == nil {
		return []domain.VoiceParticipant{}
	}
	return snapshotExcept(room, exclude)
}

func snapshotExcept(room *voiceRoom, exclude uuid.UUID) []domain.VoiceParticipant {
	out := make([]domain.VoiceParticipant, 0, len(room.participants))
	for _, p := range room.participants {
		if p.connID != exclude {
			out = append(out, p.VoiceParticipant)
		}
	}
	return out
}

func findParticipant(room *voiceRoom, connID uuid.UUID) *voiceParticipant {
	for _, p := range room.participants {
		if p.connID == connID {
			return p
		}
	}
	return nil
}

func voiceUser(user *domain.User, channelID uuid.UUID) VoiceUserPayload {
	return VoiceUserPayload{UserID: user.ID, Username: user.Username, ChannelID: channelID}
}
