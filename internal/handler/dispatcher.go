package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/service"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/logger"
)

type commandFunc func(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error

// Dispatcher разбирает входящие команды соединения и вызывает сервисы.
// Ошибки уходят только инициатору: error или voice:error.
type Dispatcher struct {
	hub      *realtime.Hub
	services *service.Services
	log      logger.Logger
	routes   map[string]commandFunc
	voice    map[string]bool
}

type channelRequest struct {
	ChannelID uuid.UUID `json:"channelId"`
}

type reactRequest struct {
	MessageID uuid.UUID `json:"messageId"`
	Emoji     string    `json:"emoji"`
}

type statusRequest struct {
	Status       domain.PresenceStatus `json:"status"`
	CustomStatus *string               `json:"customStatus,omitempty"`
}

type presenceResponseRequest struct {
	RequesterID  uuid.UUID             `json:"requesterId"`
	Status       domain.PresenceStatus `json:"status"`
	CustomStatus string                `json:"customStatus,omitempty"`
	Activity     json.RawMessage       `json:"activity,omitempty"`
}

type voiceJoinRequest struct {
	ChannelID uuid.UUID `json:"channelId"`
	Muted     bool      `json:"muted"`
	Deafened  bool      `json:"deafened"`
}

type signalRequest struct {
	TargetUserID uuid.UUID       `json:"targetUserId"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

func NewDispatcher(hub *realtime.Hub, services *service.Services, log logger.Logger) *Dispatcher {
	d := &Dispatcher{
		hub:      hub,
		services: services,
		log:      log,
	}

	d.routes = map[string]commandFunc{
		"join_channel":  d.joinChannel,
		"leave_channel": d.leaveChannel,
		"start_typing":  d.startTyping,
		"stop_typing":   d.stopTyping,
		"message:react": d.react,

		"status:update":             d.statusUpdate,
		"update_status":             d.presenceUpdate,
		"presence:update":           d.presenceUpdate,
		"activity:update":           d.activityUpdate,
		"activity:clear":            d.activityClear,
		"presence:get_online_users": d.onlineUsers,
		"presence:request":          d.presenceRequest,
		"presence:response":         d.presenceResponse,

		"voice:join":                   d.voiceJoin,
		"join_voice":                   d.voiceJoin,
		"voice:leave":                  d.voiceLeave,
		"leave_voice":                  d.voiceLeave,
		"voice:mute":                   d.voiceMute,
		"voice:deafen":                 d.voiceDeafen,
		service.EventVoiceOffer:        d.signal(service.EventVoiceOffer),
		service.EventVoiceAnswer:       d.signal(service.EventVoiceAnswer),
		service.EventVoiceICECandidate: d.signal(service.EventVoiceICECandidate),
		"screen:start":                 d.screen(true),
		"screen:stop":                  d.screen(false),
	}

	// ошибки этих команд клиент ждет в voice:error
	d.voice = map[string]bool{
		"voice:join": true, "join_voice": true,
		"voice:leave": true, "leave_voice": true,
		"voice:mute": true, "voice:deafen": true,
		service.EventVoiceOffer: true, service.EventVoiceAnswer: true, service.EventVoiceICECandidate: true,
		"screen:start": true, "screen:stop": true,
	}

	return d
}

// Dispatch выполняет одну команду. Вызывается из единственной горутины
// соединения, поэтому команды одного соединения идут по порядку.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *realtime.Connection, env *realtime.Envelope) {
	command, ok := d.routes[env.Event]
	if !ok {
		d.log.Debug("Unknown event", "event", env.Event, "connection_id", conn.ID())
		d.reject(conn, env.Event, fmt.Errorf("%w: unknown event", apperrors.ErrBadRequest))
		return
	}

	if err := command(ctx, conn, env.Data); err != nil {
		d.reject(conn, env.Event, err)
	}
}

func (d *Dispatcher) reject(conn *realtime.Connection, event string, err error) {
	message := err.Error()
	if apperrors.HTTPStatusFromError(err) >= 500 {
		d.log.Error("Command failed", "event", event, "user_id", conn.UserID(), "error", err)
		message = apperrors.ErrInternalServer.Error()
	}

	reply := service.EventError
	if d.voice[event] {
		reply = service.EventVoiceError
	}
	d.hub.SendTo(conn.ID(), reply, service.ErrorPayload{Message: message, Event: event})
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", apperrors.ErrBadRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err)
	}
	return nil
}

func decodeChannel(data json.RawMessage) (uuid.UUID, error) {
	var req channelRequest
	if err := decode(data, &req); err != nil {
		return uuid.Nil, err
	}
	if req.ChannelID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: channelId is required", apperrors.ErrBadRequest)
	}
	return req.ChannelID, nil
}

func (d *Dispatcher) joinChannel(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	channelID, err := decodeChannel(data)
	if err != nil {
		return err
	}
	if _, err := d.services.Session.Subscribe(ctx, conn, channelID); err != nil {
		return err
	}
	d.log.Debug("Joined channel", "user_id", conn.UserID(), "channel_id", channelID)
	return nil
}

func (d *Dispatcher) leaveChannel(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	channelID, err := decodeChannel(data)
	if err != nil {
		return err
	}
	return d.services.Session.Unsubscribe(conn, channelID)
}

// набор текста допустим только в канале, куда соединение уже вошло
func (d *Dispatcher) typingChannel(conn *realtime.Connection, data json.RawMessage) (uuid.UUID, error) {
	channelID, err := decodeChannel(data)
	if err != nil {
		return uuid.Nil, err
	}
	if !conn.InRoom(domain.ChannelRoom(channelID)) {
		return uuid.Nil, apperrors.ErrForbidden
	}
	return channelID, nil
}

func (d *Dispatcher) startTyping(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	channelID, err := d.typingChannel(conn, data)
	if err != nil {
		return err
	}
	d.services.Typing.Start(conn, channelID)
	return nil
}

func (d *Dispatcher) stopTyping(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	channelID, err := d.typingChannel(conn, data)
	if err != nil {
		return err
	}
	d.services.Typing.Stop(conn, channelID)
	return nil
}

func (d *Dispatcher) react(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req reactRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.MessageID == uuid.Nil {
		return fmt.Errorf("%w: messageId is required", apperrors.ErrBadRequest)
	}
	_, err := d.services.Reaction.ToggleChecked(ctx, req.MessageID, conn.UserID(), req.Emoji)
	return err
}

// status:update приходит строкой: "away"
func (d *Dispatcher) statusUpdate(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var status domain.PresenceStatus
	if err := decode(data, &status); err != nil {
		return err
	}
	return d.services.Presence.SetStatus(ctx, conn, status, nil)
}

func (d *Dispatcher) presenceUpdate(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req statusRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return d.services.Presence.SetStatus(ctx, conn, req.Status, req.CustomStatus)
}

func (d *Dispatcher) activityUpdate(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	return d.services.Presence.SetActivity(ctx, conn, data)
}

func (d *Dispatcher) activityClear(ctx context.Context, conn *realtime.Connection, _ json.RawMessage) error {
	return d.services.Presence.ClearActivity(ctx, conn)
}

// presence:get_online_users приходит строкой с id сервера
func (d *Dispatcher) onlineUsers(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var serverID uuid.UUID
	if err := decode(data, &serverID); err != nil {
		return err
	}
	if !conn.InRoom(domain.ServerRoom(serverID)) {
		return apperrors.ErrForbidden
	}

	d.hub.SendTo(conn.ID(), service.EventPresenceOnline, service.OnlineUsersPayload{
		ServerID: serverID,
		Users:    d.services.Presence.OnlineUsers(serverID),
	})
	return nil
}

func (d *Dispatcher) presenceRequest(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var targets []uuid.UUID
	if err := decode(data, &targets); err != nil {
		return err
	}
	d.services.Presence.Request(conn, targets)
	return nil
}

func (d *Dispatcher) presenceResponse(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req presenceResponseRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.RequesterID == uuid.Nil {
		return fmt.Errorf("%w: requesterId is required", apperrors.ErrBadRequest)
	}
	d.services.Presence.Respond(ctx, conn, req.RequesterID, service.PresenceResponsePayload{
		Status:       req.Status,
		CustomStatus: req.CustomStatus,
		Activity:     req.Activity,
	})
	return nil
}

func (d *Dispatcher) voiceJoin(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var req voiceJoinRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.ChannelID == uuid.Nil {
		return fmt.Errorf("%w: channelId is required", apperrors.ErrBadRequest)
	}
	_, err := d.services.Voice.Join(ctx, conn, req.ChannelID, req.Muted, req.Deafened)
	return err
}

func (d *Dispatcher) voiceLeave(_ context.Context, conn *realtime.Connection, _ json.RawMessage) error {
	err := d.services.Voice.Leave(conn)
	if errors.Is(err, apperrors.ErrNotInVoice) {
		// повторный leave ничего не меняет
		return nil
	}
	return err
}

func (d *Dispatcher) voiceMute(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var muted bool
	if err := decode(data, &muted); err != nil {
		return err
	}
	return d.services.Voice.SetMute(conn, muted)
}

func (d *Dispatcher) voiceDeafen(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var deafened bool
	if err := decode(data, &deafened); err != nil {
		return err
	}
	return d.services.Voice.SetDeafen(conn, deafened)
}

// signal пересылает offer/answer/ICE-кандидата как есть, без разбора
func (d *Dispatcher) signal(event string) commandFunc {
	return func(_ context.Context, conn *realtime.Connection, data json.RawMessage) error {
		var req signalRequest
		if err := decode(data, &req); err != nil {
			return err
		}

		var payload json.RawMessage
		switch event {
		case service.EventVoiceOffer:
			payload = req.Offer
		case service.EventVoiceAnswer:
			payload = req.Answer
		case service.EventVoiceICECandidate:
			payload = req.Candidate
		}
		if len(payload) == 0 {
			return fmt.Errorf("%w: empty %s payload", apperrors.ErrBadRequest, event)
		}

		_, err := d.services.Voice.RelaySignal(conn, event, req.TargetUserID, payload)
		return err
	}
}

func (d *Dispatcher) screen(started bool) commandFunc {
	return func(_ context.Context, conn *realtime.Connection, _ json.RawMessage) error {
		return d.services.Voice.ScreenShare(conn, started)
	}
}
