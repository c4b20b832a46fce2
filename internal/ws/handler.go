package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/config"
	"realtime-chat/internal/errs"
	"realtime-chat/internal/logger"
	"realtime-chat/internal/models"
	"realtime-chat/internal/observability"
	"realtime-chat/internal/realtime"
)

const (
	maxFrameBytes = 16 << 10
	writeWait     = 10 * time.Second
)

// Handler upgrades authenticated requests to websocket connections and pumps
// frames between the socket and the hub.
type Handler struct {
	hub       *realtime.Hub
	verifier  auth.Verifier
	cfg       config.Realtime
	log       *slog.Logger
	lifecycle lifecycle
	upgrader  websocket.Upgrader
}

func NewHandler(hub *realtime.Hub, verifier auth.Verifier, cfg config.Realtime, publishLifecycle bool, log *slog.Logger) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	return &Handler{
		hub:       hub,
		verifier:  verifier,
		cfg:       cfg,
		log:       log.With("component", "ws"),
		lifecycle: lifecycle{enabled: publishLifecycle},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handle authenticates the request, upgrades it and serves the connection until
// either side closes it. Credentials are checked before the upgrade, so a rejected
// handshake never touches the hub.
func (h *Handler) Handle(c *gin.Context) {
	connCtx := c.Request.Context()
	ctx, span := otel.Tracer("realtime-chat/ws").Start(connCtx, "ws.handshake")
	log := logger.WithTrace(ctx, h.log)

	identity, err := h.authenticate(ctx, c.Request)
	if err != nil {
		span.End()
		status := http.StatusUnauthorized
		if errors.Is(err, errs.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		log.InfoContext(ctx, "ws handshake rejected", "err", err, "ip", observability.IPFromRequest(c.Request))
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.String("user.id", identity.ID))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		log.WarnContext(ctx, "ws upgrade failed", "err", err)
		return
	}

	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      identity.ID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := h.hub.NewClient(identity)
	h.hub.Register(client)
	observability.IncWSActive()
	h.lifecycle.publish(ctx, info, "ws_connect", "")
	log.InfoContext(ctx, "ws connected", info.logAttrs()...)
	span.End()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, client)
	}()

	readErr := h.readPump(connCtx, conn, client)

	h.hub.Unregister(client)
	client.Close()
	<-writerDone
	_ = conn.Close()
	observability.DecWSActive()

	reason := ""
	if readErr != nil {
		reason = readErr.Error()
	}
	if websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		h.lifecycle.publish(connCtx, info, "ws_error", reason)
	}
	h.lifecycle.publish(connCtx, info, "ws_disconnect", reason)
	log.InfoContext(connCtx, "ws disconnected", append(info.logAttrs(), "reason", reason)...)
}

func (h *Handler) authenticate(ctx context.Context, r *http.Request) (models.Identity, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		bearer, err := auth.BearerToken(header)
		if err != nil {
			return models.Identity{}, err
		}
		token = bearer
	}
	if token == "" {
		return models.Identity{}, errs.ErrUnauthenticated
	}
	return h.verifier.Verify(ctx, token)
}

func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, client *realtime.Client) error {
	pongWait := 2 * h.cfg.PingInterval
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limit := rate.Inf
	if h.cfg.FramesPerSecond > 0 {
		limit = rate.Limit(h.cfg.FramesPerSecond)
	}
	limiter := rate.NewLimiter(limit, max(h.cfg.FrameBurst, 1))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if !limiter.Allow() {
			observability.IncWSFrame("any", "rate_limited")
			h.replyError(client, "", errs.ErrRateLimited)
			continue
		}
		h.dispatch(ctx, client, data)
	}
}

// writePump is the only goroutine writing to conn.
func (h *Handler) writePump(conn *websocket.Conn, client *realtime.Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case frame := <-client.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				client.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		case <-client.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
