package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"realtime-chat/internal/errs"
	"realtime-chat/internal/middleware"
	"realtime-chat/internal/models"
	"realtime-chat/internal/realtime"
	"realtime-chat/internal/repositories"
	"realtime-chat/internal/telemetry"
)

// ChatHandler serves the chat directory and history over REST.
type ChatHandler struct {
	chatRepo repositories.ChatRepository
	hub      *realtime.Hub
	audit    *telemetry.AuditEmitter
	now      func() time.Time
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chatRepo repositories.ChatRepository, hub *realtime.Hub, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{
		chatRepo: chatRepo,
		hub:      hub,
		audit:    audit,
		now:      time.Now,
	}
}

// RegisterRoutes mounts the chat endpoints on an authenticated group.
func (h *ChatHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/chats", h.ListChats)
	r.POST("/chats", h.CreateChat)
	r.POST("/chats/:chat_id/participants", h.AddParticipant)
	r.GET("/chats/:chat_id/messages", h.GetChatMessages)
	r.GET("/chats/:chat_id/members", h.GetMembers)
	r.GET("/presence", h.GetPresence)
	r.GET("/search", h.Search)
}

// ListChats returns the caller's chats, most recently active first.
func (h *ChatHandler) ListChats(c *gin.Context) {
	identity, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	chats, err := h.chatRepo.ListChatsForUser(c.Request.Context(), identity.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chats"})
		return
	}

	resp := make([]models.ChatSummary, 0, len(chats))
	for _, chat := range chats {
		summary := models.ChatSummary{Chat: chat}
		if chat.Type == models.ChatIndividual {
			for _, p := range chat.Participants {
				if p != identity.ID {
					summary.Peer = p
				}
			}
		}
		resp = append(resp, summary)
	}
	c.JSON(http.StatusOK, gin.H{"chats": resp})
}

// CreateChat creates a chat with the caller as a participant. Creating an individual
// chat for a pair that already has one returns the existing chat with 200.
func (h *ChatHandler) CreateChat(c *gin.Context) {
	identity, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req struct {
		Type           models.ChatType `json:"type" binding:"required"`
		Name           string          `json:"name"`
		ParticipantIDs []string        `json:"participant_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload", nil)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, err := models.NewChat(uuid.NewString(), req.Type, req.Name, identity.ID, req.ParticipantIDs,
		h.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stored, err := h.chatRepo.CreateChat(c.Request.Context(), chat)
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
		return
	}

	if stored.ID != chat.ID {
		c.JSON(http.StatusOK, stored)
		return
	}
	h.emitAudit(c, "INFO", "Chat created", map[string]string{"chat_id": stored.ID, "type": string(stored.Type)})
	c.JSON(http.StatusCreated, stored)
}

// AddParticipant appends a user to a group chat. Only participants may add others.
func (h *ChatHandler) AddParticipant(c *gin.Context) {
	identity, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	chatID := c.Param("chat_id")

	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, err := h.chatRepo.GetChat(c.Request.Context(), chatID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrChatNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "chat not found"})
		return
	}
	if !chat.HasParticipant(identity.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return
	}
	if chat.Type != models.ChatGroup {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participants can only be added to group chats"})
		return
	}

	if err := h.chatRepo.AddParticipant(c.Request.Context(), chatID, req.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not add participant"})
		return
	}

	h.emitAudit(c, "INFO", "Participant added", map[string]string{"chat_id": chatID, "user_id": req.UserID})
	c.Status(http.StatusNoContent)
}

// GetChatMessages pages history backwards. before accepts unix milliseconds or RFC3339;
// before_seq narrows the cursor when several messages share a timestamp.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	identity, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	cursor, err := parseCursor(c.Query("before"), c.Query("before_seq"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msgs, err := h.hub.History(c.Request.Context(), identity, c.Param("chat_id"), cursor, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"messages": msgs}
	if len(msgs) > 0 {
		next := models.CursorBefore(msgs[0])
		resp["next"] = gin.H{"before": next.Before.UnixMilli(), "before_seq": next.BeforeSeq}
	}
	c.JSON(http.StatusOK, resp)
}

// GetMembers lists identities currently subscribed to the chat.
func (h *ChatHandler) GetMembers(c *gin.Context) {
	identity, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	chatID := c.Param("chat_id")

	member, err := h.chatRepo.IsParticipant(c.Request.Context(), chatID, identity.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "members": h.hub.MembersOf(chatID)})
}

func (h *ChatHandler) GetPresence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"presence": h.hub.SnapshotPresence()})
}

func (h *ChatHandler) Search(c *gin.Context) {
	identity, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.hub.Search(c.Request.Context(), identity, c.Query("q"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *ChatHandler) emitAudit(c *gin.Context, level, text string, fields map[string]string) {
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c), fields)
}

func writeError(c *gin.Context, err error) {
	c.JSON(errs.ToHTTP(err), gin.H{"error": err.Error(), "code": errs.Code(err)})
}

func parseCursor(before, beforeSeq string) (models.Cursor, error) {
	var cursor models.Cursor
	if before == "" {
		if beforeSeq != "" {
			return cursor, errors.New("before_seq requires before")
		}
		return cursor, nil
	}

	if ms, err := strconv.ParseInt(before, 10, 64); err == nil {
		if ms <= 0 {
			return cursor, errors.New("invalid before")
		}
		cursor.Before = time.UnixMilli(ms).UTC()
	} else {
		ts, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			return cursor, fmt.Errorf("invalid before: %q", before)
		}
		cursor.Before = ts.UTC().Truncate(time.Millisecond)
	}

	if beforeSeq != "" {
		seq, err := strconv.ParseInt(beforeSeq, 10, 64)
		if err != nil || seq < 0 {
			return cursor, fmt.Errorf("invalid before_seq: %q", beforeSeq)
		}
		cursor.BeforeSeq = seq
	}
	return cursor, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit: %q", raw)
	}
	return limit, nil
}
