package devserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	chat "github.com/erfanidmd11/drynks-app-sub001"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ============================================================================
// Envelope
// ============================================================================

func respond(c *gin.Context, status int, data any, meta map[string]any) {
	raw, err := json.Marshal(data)
	if err != nil {
		fail(c, errors.Wrap(err, "encode response"))
		return
	}
	c.JSON(status, chat.Result{OK: true, Data: raw, Meta: meta})
}

func reject(c *gin.Context, status int, code, message string) {
	c.JSON(status, chat.Result{Error: &chat.APIError{Code: code, Message: message}})
}

// fail maps a store error onto the status codes chat.Client understands.
func fail(c *gin.Context, err error) {
	switch {
	case chat.IsNotFound(err):
		reject(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, chat.ErrConversationLocked):
		reject(c, http.StatusLocked, "LOCKED", err.Error())
	case errors.Is(err, chat.ErrInvalidReaction), errors.Is(err, chat.ErrEmptyMessage):
		reject(c, http.StatusBadRequest, "INVALID", err.Error())
	default:
		jww.ERROR.Printf("[devserver] %s %s: %+v", c.Request.Method, c.Request.URL.Path, err)
		reject(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func parseTime(c *gin.Context, name string) (time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, true
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		reject(c, http.StatusBadRequest, "INVALID", "bad "+name+": "+err.Error())
		return time.Time{}, false
	}
	return ts, true
}

// ============================================================================
// Messages
// ============================================================================

func (s *Server) insertMessage(c *gin.Context) {
	var msg chat.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		reject(c, http.StatusBadRequest, "INVALID", err.Error())
		return
	}
	msg.ConversationID = c.Param("id")
	if msg.SenderID == "" {
		msg.SenderID = c.GetString(userKey)
	}
	if !actingAs(c, msg.SenderID) {
		return
	}
	if msg.Body == "" && msg.Attachment == nil {
		fail(c, chat.ErrEmptyMessage)
		return
	}
	if msg.Attachment != nil {
		msg.Attachment.LocalURI = ""
		msg.Attachment.Status = chat.MediaRemote
	}

	out, err := s.store.InsertMessage(c.Request.Context(), msg)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, out, nil)
}

func (s *Server) listMessages(c *gin.Context) {
	limit := defaultPageSize
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			reject(c, http.StatusBadRequest, "INVALID", "bad limit")
			return
		}
		limit = min(n, maxPageSize)
	}

	beforeAt, ok := parseTime(c, "before_at")
	if !ok {
		return
	}
	var before *chat.Cursor
	if !beforeAt.IsZero() {
		before = &chat.Cursor{CreatedAt: beforeAt, ID: c.Query("before_id")}
	}

	page, err := s.store.ListMessages(c.Request.Context(), c.Param("id"), before, limit)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, page, map[string]any{"count": len(page), "limit": limit})
}

func (s *Server) getMessage(c *gin.Context) {
	msg, err := s.store.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, msg, nil)
}

// ownMessage loads the message named in the path and checks that the caller
// sent it. ok is false when a response was already written; found is false
// when the message does not exist.
func (s *Server) ownMessage(c *gin.Context) (msg chat.Message, found, ok bool) {
	msg, err := s.store.GetMessage(c.Request.Context(), c.Param("id"))
	if chat.IsNotFound(err) {
		return msg, false, true
	}
	if err != nil {
		fail(c, err)
		return msg, false, false
	}
	if !actingAs(c, msg.SenderID) {
		return msg, true, false
	}
	return msg, true, true
}

func (s *Server) updateMessage(c *gin.Context) {
	var msg chat.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		reject(c, http.StatusBadRequest, "INVALID", err.Error())
		return
	}
	cur, found, ok := s.ownMessage(c)
	if !ok {
		return
	}
	if !found {
		reject(c, http.StatusNotFound, "NOT_FOUND", "message "+c.Param("id"))
		return
	}
	msg.ID = cur.ID
	msg.SenderID = cur.SenderID
	if err := s.store.UpdateMessage(c.Request.Context(), msg); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil, nil)
}

func (s *Server) deleteMessage(c *gin.Context) {
	_, found, ok := s.ownMessage(c)
	if !ok {
		return
	}
	if found {
		if err := s.store.DeleteMessage(c.Request.Context(), c.Param("id")); err != nil {
			fail(c, err)
			return
		}
	}
	respond(c, http.StatusOK, nil, nil)
}

func (s *Server) listAttachments(c *gin.Context) {
	olderThan, ok := parseTime(c, "older_than")
	if !ok {
		return
	}
	if olderThan.IsZero() {
		reject(c, http.StatusBadRequest, "INVALID", "older_than is required")
		return
	}
	rows, err := s.store.ListAttachmentsOlderThan(c.Request.Context(), olderThan)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, rows, map[string]any{"count": len(rows)})
}

// ============================================================================
// Reactions
// ============================================================================

func (s *Server) listReactions(c *gin.Context) {
	rs, err := s.store.ListReactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, rs, nil)
}

func (s *Server) upsertReaction(c *gin.Context) {
	user := c.Param("user")
	if !actingAs(c, user) {
		return
	}
	var r chat.Reaction
	if err := c.ShouldBindJSON(&r); err != nil {
		reject(c, http.StatusBadRequest, "INVALID", err.Error())
		return
	}
	r.MessageID = c.Param("id")
	r.UserID = user
	if err := s.store.UpsertReaction(c.Request.Context(), r); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil, nil)
}

func (s *Server) deleteReaction(c *gin.Context) {
	user := c.Param("user")
	if !actingAs(c, user) {
		return
	}
	if err := s.store.DeleteReaction(c.Request.Context(), c.Param("id"), user); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil, nil)
}

// ============================================================================
// Typing and read cursors
// ============================================================================

func (s *Server) upsertTyping(c *gin.Context) {
	user := c.Param("user")
	if !actingAs(c, user) {
		return
	}
	var st chat.TypingState
	if err := c.ShouldBindJSON(&st); err != nil {
		reject(c, http.StatusBadRequest, "INVALID", err.Error())
		return
	}
	st.ConversationID = c.Param("id")
	st.UserID = user
	if err := s.store.UpsertTyping(c.Request.Context(), st); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil, nil)
}

func (s *Server) upsertReadCursor(c *gin.Context) {
	user := c.Param("user")
	if !actingAs(c, user) {
		return
	}
	var rc chat.ReadCursor
	if err := c.ShouldBindJSON(&rc); err != nil {
		reject(c, http.StatusBadRequest, "INVALID", err.Error())
		return
	}
	rc.ConversationID = c.Param("id")
	rc.UserID = user
	if err := s.store.UpsertReadCursor(c.Request.Context(), rc); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil, nil)
}

func (s *Server) getReadCursor(c *gin.Context) {
	rc, err := s.store.GetReadCursor(c.Request.Context(), c.Param("id"), c.Param("user"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, rc, nil)
}

// ============================================================================
// Events
// ============================================================================

func (s *Server) getEvent(c *gin.Context) {
	ev, err := s.store.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, ev, map[string]any{"locked": isLocked(ev, s.now())})
}

func (s *Server) putEvent(c *gin.Context) {
	var ev chat.EventInfo
	if err := c.ShouldBindJSON(&ev); err != nil {
		reject(c, http.StatusBadRequest, "INVALID", err.Error())
		return
	}
	ev.ID = c.Param("id")
	if err := s.store.PutEvent(c.Request.Context(), ev); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, ev, nil)
}

func isLocked(ev chat.EventInfo, now time.Time) bool {
	locked, err := chat.EventLocked(&ev, now)
	if err != nil {
		jww.WARN.Printf("[devserver] event %s: %v", ev.ID, err)
		return false
	}
	return locked
}
