package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat_realtime/internal/config"
	"chat_realtime/internal/domain"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/service"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/logger"
)

// WebSocketHandler принимает клиентские соединения: рукопожатие по JWT,
// затем три горутины на соединение (чтение, диспетчер, запись).
type WebSocketHandler struct {
	hub        *realtime.Hub
	session    service.SessionService
	rateLimit  service.RateLimitService
	dispatcher *Dispatcher
	cfg        config.RealtimeConfig
	upgrader   websocket.Upgrader
	log        logger.Logger
}

func NewWebSocketHandler(hub *realtime.Hub, services *service.Services, dispatcher *Dispatcher, cfg *config.Config, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        hub,
		session:    services.Session,
		rateLimit:  services.RateLimit,
		dispatcher: dispatcher,
		cfg:        cfg.Realtime,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.Server.AllowedOrigins),
		},
		log: log,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// не браузерные клиенты Origin не присылают
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func tokenFromRequest(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// HandleConnect - GET /ws. Лимит подключений с IP проверяет middleware.
func (h *WebSocketHandler) HandleConnect(c *gin.Context) {
	// авторизация до апгрейда: неаутентифицированный клиент не попадает в реестр
	conn, err := h.session.Connect(c.Request.Context(), tokenFromRequest(c))
	if err != nil {
		switch {
		case apperrors.IsAuthentication(err):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		case errors.Is(err, realtime.ErrHubClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		default:
			h.log.Error("Failed to register connection", "ip", c.ClientIP(), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "user_id", conn.UserID(), "error", err)
		h.teardown(conn)
		return
	}

	h.hub.SendTo(conn.ID(), service.EventAuthenticated, service.AuthenticatedPayload{
		ConnectionID: conn.ID(),
		User:         conn.User().Profile(),
		Servers:      serversOf(conn),
	})

	h.serve(ws, conn)
}

func serversOf(conn *realtime.Connection) []uuid.UUID {
	servers := make([]uuid.UUID, 0)
	for _, key := range conn.Rooms() {
		if !strings.HasPrefix(key, domain.RoomPrefixServer) {
			continue
		}
		if id, err := uuid.Parse(strings.TrimPrefix(key, domain.RoomPrefixServer)); err == nil {
			servers = append(servers, id)
		}
	}
	return servers
}

// serve блокируется до разрыва соединения
func (h *WebSocketHandler) serve(ws *websocket.Conn, conn *realtime.Connection) {
	log := h.log.With("connection_id", conn.ID(), "user_id", conn.UserID())

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan *realtime.Envelope, h.cfg.InboundQueueSize)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		h.writePump(ws, conn, log)
	}()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		h.dispatch(ctx, conn, inbound, log)
	}()

	h.readPump(ctx, ws, inbound, log)

	cancel()
	<-dispatchDone
	h.teardown(conn)
	<-writeDone
}

func (h *WebSocketHandler) teardown(conn *realtime.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteWait)
	defer cancel()
	h.session.Disconnect(ctx, conn.ID())
}

// readPump только декодирует кадры и кладет их в очередь диспетчера
func (h *WebSocketHandler) readPump(ctx context.Context, ws *websocket.Conn, inbound chan<- *realtime.Envelope, log logger.Logger) {
	ws.SetReadLimit(h.cfg.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		log.Warn("Failed to set read deadline", "error", err)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			logReadError(log, err)
			return
		}

		env, err := realtime.Decode(frame)
		if err != nil {
			log.Debug("Dropping malformed frame", "error", err)
			continue
		}

		select {
		case inbound <- env:
		case <-ctx.Done():
			return
		}
	}
}

func logReadError(log logger.Logger, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warn("Frame exceeded maximum size")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		log.Warn("Unexpected websocket close", "error", err)
	default:
		log.Debug("Websocket read finished", "error", err)
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, conn *realtime.Connection, inbound <-chan *realtime.Envelope, log logger.Logger) {
	limiter := h.rateLimit.CommandLimiter()
	for {
		select {
		case env := <-inbound:
			if !limiter.Allow() {
				log.Debug("Command rate limit exceeded", "event", env.Event)
				h.hub.SendTo(conn.ID(), service.EventError, service.ErrorPayload{
					Message: "rate limit exceeded",
					Event:   env.Event,
				})
				continue
			}
			h.dispatcher.Dispatch(ctx, conn, env)
		case <-ctx.Done():
			return
		}
	}
}

// writePump - единственный писатель в сокет
func (h *WebSocketHandler) writePump(ws *websocket.Conn, conn *realtime.Connection, log logger.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		if err := ws.Close(); err != nil {
			log.Debug("Websocket close", "error", err)
		}
	}()

	for {
		select {
		case frame := <-conn.Outbound():
			if err := h.write(ws, websocket.TextMessage, frame); err != nil {
				log.Debug("Websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := h.write(ws, websocket.PingMessage, nil); err != nil {
				log.Debug("Websocket ping failed", "error", err)
				return
			}
		case <-conn.Kicked():
			// закрытие по инициативе сервера: клиент не переподключается
			h.flush(ws, conn)
			h.closeFrame(ws, websocket.CloseGoingAway, "connection closed by server")
			return
		case <-conn.Done():
			h.flush(ws, conn)
			h.closeFrame(ws, websocket.CloseNormalClosure, "")
			return
		}
	}
}

// flush отдает уже поставленные в очередь кадры перед закрытием
func (h *WebSocketHandler) flush(ws *websocket.Conn, conn *realtime.Connection) {
	for {
		select {
		case frame := <-conn.Outbound():
			if err := h.write(ws, websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *WebSocketHandler) write(ws *websocket.Conn, messageType int, data []byte) error {
	if err := ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait)); err != nil {
		return err
	}
	return ws.WriteMessage(messageType, data)
}

func (h *WebSocketHandler) closeFrame(ws *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(h.cfg.WriteWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}
