package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"realtime-chat/internal/errs"
	"realtime-chat/internal/models"
	"realtime-chat/internal/observability"
	"realtime-chat/internal/realtime"
)

// Inbound frame types.
const (
	frameSend    = "message.send"
	frameRead    = "message.read"
	frameReact   = "message.react"
	frameTyping  = "typing"
	frameJoin    = "chat.join"
	frameLeave   = "chat.leave"
	frameHistory = "history.get"
)

type chatRequest struct {
	ChatID string `json:"chat_id"`
}

type readRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

type reactRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type typingRequest struct {
	ChatID string `json:"chat_id"`
	Typing bool   `json:"typing"`
}

// historyRequest pages backwards from Before (unix ms) and BeforeSeq. Zero means newest.
type historyRequest struct {
	ChatID    string `json:"chat_id"`
	Before    int64  `json:"before,omitempty"`
	BeforeSeq int64  `json:"before_seq,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type historyCursor struct {
	Before    int64 `json:"before"`
	BeforeSeq int64 `json:"before_seq"`
}

type historyResponse struct {
	ChatID   string           `json:"chat_id"`
	Messages []models.Message `json:"messages"`
	Next     *historyCursor   `json:"next,omitempty"`
}

type joinResponse struct {
	ChatID  string            `json:"chat_id"`
	Members []models.Identity `json:"members"`
}

type readResponse struct {
	MessageID string `json:"message_id"`
	Added     bool   `json:"added"`
}

func (h *Handler) dispatch(ctx context.Context, client *realtime.Client, data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		observability.IncWSFrame("malformed", "error")
		h.replyError(client, "", fmt.Errorf("%w: malformed frame", errs.ErrInvalidInput))
		return
	}

	reply, alwaysAnswer, err := h.handleFrame(ctx, client, frame)
	if err != nil {
		observability.IncWSFrame(frameLabel(frame.Type), "error")
		h.log.DebugContext(ctx, "ws frame rejected", "type", frame.Type, "user_id", client.Identity().ID, "err", err)
		h.replyError(client, frame.RequestID, err)
		return
	}
	observability.IncWSFrame(frameLabel(frame.Type), "ok")
	if frame.RequestID == "" && !alwaysAnswer {
		return
	}
	h.reply(client, models.EventAck, frame.RequestID, reply)
}

// handleFrame runs one inbound frame against the hub and returns the ack payload.
func (h *Handler) handleFrame(ctx context.Context, client *realtime.Client, frame models.Frame) (any, bool, error) {
	switch frame.Type {
	case frameSend:
		var req realtime.SendRequest
		if err := decodePayload(frame, &req); err != nil {
			return nil, true, err
		}
		msg, err := h.hub.Send(ctx, client, req)
		return msg, true, err

	case frameRead:
		var req readRequest
		if err := decodePayload(frame, &req); err != nil {
			return nil, false, err
		}
		added, err := h.hub.MarkRead(ctx, client, req.ChatID, req.MessageID)
		return readResponse{MessageID: req.MessageID, Added: added}, false, err

	case frameReact:
		var req reactRequest
		if err := decodePayload(frame, &req); err != nil {
			return nil, false, err
		}
		update, err := h.hub.React(ctx, client, req.ChatID, req.MessageID, req.Emoji)
		return update, false, err

	case frameTyping:
		var req typingRequest
		if err := decodePayload(frame, &req); err != nil {
			return nil, false, err
		}
		return req, false, h.hub.SetTyping(client, req.ChatID, req.Typing)

	case frameJoin:
		var req chatRequest
		if err := decodePayload(frame, &req); err != nil {
			return nil, false, err
		}
		members, err := h.hub.Join(ctx, client, req.ChatID)
		return joinResponse{ChatID: req.ChatID, Members: members}, false, err

	case frameLeave:
		var req chatRequest
		if err := decodePayload(frame, &req); err != nil {
			return nil, false, err
		}
		if req.ChatID == "" {
			return nil, false, fmt.Errorf("%w: chat_id is required", errs.ErrInvalidInput)
		}
		h.hub.Leave(client, req.ChatID)
		return req, false, nil

	case frameHistory:
		var req historyRequest
		if err := decodePayload(frame, &req); err != nil {
			return nil, true, err
		}
		return h.history(ctx, client, req)

	default:
		return nil, false, fmt.Errorf("%w: unknown frame type %q", errs.ErrInvalidInput, frame.Type)
	}
}

func (h *Handler) history(ctx context.Context, client *realtime.Client, req historyRequest) (any, bool, error) {
	if req.Before < 0 || req.BeforeSeq < 0 {
		return nil, true, fmt.Errorf("%w: negative cursor", errs.ErrInvalidInput)
	}
	var cursor models.Cursor
	if req.Before > 0 {
		cursor.Before = time.UnixMilli(req.Before).UTC()
		cursor.BeforeSeq = req.BeforeSeq
	}

	msgs, err := h.hub.History(ctx, client.Identity(), req.ChatID, cursor, req.Limit)
	if err != nil {
		return nil, true, err
	}
	resp := historyResponse{ChatID: req.ChatID, Messages: msgs}
	if len(msgs) > 0 {
		next := models.CursorBefore(msgs[0])
		resp.Next = &historyCursor{Before: next.Before.UnixMilli(), BeforeSeq: next.BeforeSeq}
	}
	return resp, true, nil
}

func decodePayload(frame models.Frame, dst any) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", errs.ErrInvalidInput, frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", errs.ErrInvalidInput, frame.Type, err)
	}
	return nil
}

func (h *Handler) reply(client *realtime.Client, eventType, requestID string, payload any) {
	frame, err := realtime.EncodeFrame(eventType, requestID, payload)
	if err != nil {
		h.log.Error("encode reply", "type", eventType, "err", err)
		return
	}
	client.Enqueue(frame)
}

func (h *Handler) replyError(client *realtime.Client, requestID string, err error) {
	h.reply(client, models.EventError, requestID, models.ErrorPayload{
		Code:      errs.Code(err),
		Message:   err.Error(),
		Retryable: errs.Retryable(err),
	})
}

// frameLabel bounds the metric label cardinality to known frame types.
func frameLabel(frameType string) string {
	switch frameType {
	case frameSend, frameRead, frameReact, frameTyping, frameJoin, frameLeave, frameHistory:
		return frameType
	}
	return "unknown"
}
