package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"parish-chat/internal/chat"
	"parish-chat/internal/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16384
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type actionRequest struct {
	ChannelID   string           `json:"channel_id,omitempty"`
	MessageID   string           `json:"message_id,omitempty"`
	ParentID    *string          `json:"parent_id,omitempty"`
	Content     string           `json:"content,omitempty"`
	ContentType chat.ContentType `json:"content_type,omitempty"`
	Meta        *chat.Metadata   `json:"meta,omitempty"`
	Token       string           `json:"token,omitempty"`
	IsTyping    bool             `json:"is_typing,omitempty"`
}

type client struct {
	conn    *websocket.Conn
	actor   string
	session *session.Session
	logger  *zap.SugaredLogger
	send    chan []byte
}

func (c *client) readPump() {
	defer func() {
		c.session.Close()
		close(c.send)
		c.conn.Close()
		c.logger.Infof("actor %s disconnected", c.actor)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warnf("websocket error for actor %s: %v", c.actor, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warnf("bad frame from actor %s: %v", c.actor, err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *client) dispatch(env Envelope) {
	var req actionRequest
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendError(env.Type, err)
			return
		}
	}

	ctx := context.Background()
	var err error

	switch env.Type {
	case "switch_channel":
		err = c.session.SwitchChannel(ctx, req.ChannelID)
	case "send_message":
		_, err = c.session.SendMessage(ctx, req.Content, req.ContentType, req.ParentID, req.Meta)
	case "edit_message":
		err = c.session.EditMessage(ctx, req.MessageID, req.Content)
	case "delete_message":
		err = c.session.DeleteMessage(ctx, req.MessageID)
	case "toggle_reaction":
		err = c.session.ToggleReaction(ctx, req.MessageID, req.Token)
	case "set_typing":
		err = c.session.SetTyping(ctx, req.IsTyping)
	case "mark_read":
		err = c.session.MarkRead(ctx, req.MessageID)
	case "load_more":
		err = c.session.LoadMoreMessages(ctx)
	case "load_thread":
		err = c.session.LoadThread(ctx, req.MessageID)
	default:
		c.logger.Warnf("unknown action %q from actor %s", env.Type, c.actor)
		return
	}

	if err != nil {
		c.sendError(env.Type, err)
	}
}

func (c *client) sendError(action string, err error) {
	payload, merr := json.Marshal(map[string]string{
		"action": action,
		"code":   errorCode(err),
		"error":  err.Error(),
	})
	if merr != nil {
		return
	}
	frame, merr := json.Marshal(Envelope{Type: "error", Data: payload})
	if merr != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warnf("send buffer full for actor %s, dropping error frame", c.actor)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, chat.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrValidation):
		return "validation"
	case errors.Is(err, chat.ErrTransientIO):
		return "transient"
	default:
		return "internal"
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	snapshots, cancel := c.session.Watch()
	defer func() {
		ticker.Stop()
		cancel()
		c.conn.Close()
	}()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			frame, err := marshalSnapshot(snap)
			if err != nil {
				c.logger.Errorf("marshaling snapshot for actor %s: %v", c.actor, err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case frame, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func marshalSnapshot(snap session.Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: "state", Data: payload})
}
