package devserver

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"socialchat/pkg/protocol"
	"socialchat/pkg/response"
)

const (
	maxUploadBytes = 10 << 20
	userIDKey      = "user_id"
)

// RegisterRoutes wires the relay endpoints. gatherer may be nil to skip /metrics.
func (h *Handler) RegisterRoutes(router *gin.Engine, gatherer prometheus.Gatherer) {
	router.POST("/sessions", h.CreateSession)
	router.GET("/ws", h.HandleWebSocket)
	router.GET("/chat/status", h.GetStatus)
	router.GET("/media/:name", h.ServeMedia)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	authed := router.Group("/", h.AuthMiddleware())
	authed.GET("/conversations/:id/messages", h.GetMessages)
	authed.POST("/conversations/:id/read", h.MarkRead)
	authed.POST("/media", h.UploadMedia)
}

// AuthMiddleware resolves the bearer token into the request's user id.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := h.sessions.Resolve(bearerToken(c.Request))
		if !ok {
			response.SendAPIResponse(c, http.StatusUnauthorized, false, "invalid or missing token", nil)
			c.Abort()
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

// CreateSession mints a bearer token. An empty body creates a new user.
// @Summary      Create a session
// @Description  Issues a bearer token for an existing user id, or for a new user when the body is empty
// @Tags         sessions
// @Accept       json
// @Produce      json
// @Param        request body createSessionRequest false "Session request"
// @Success      201  {object}  response.APIResponse "Session created"
// @Failure      400  {object}  response.APIResponse "Invalid user_id"
// @Router       /sessions [post]
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request body", nil)
			return
		}
	}

	token, userID, err := h.sessions.Issue(req.UserID)
	if err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, err.Error(), nil)
		return
	}
	response.SendAPIResponse(c, http.StatusCreated, true, "session created", gin.H{
		"token":   token,
		"user_id": userID,
	})
}

// GetStatus lists the users with a live connection.
// @Summary      Online users
// @Description  Lists users with at least one live WebSocket connection
// @Tags         chat
// @Produce      json
// @Success      200  {object}  response.APIResponse "Online status"
// @Router       /chat/status [get]
func (h *Handler) GetStatus(c *gin.Context) {
	users := h.manager.GetOnlineUsers()
	response.SendAPIResponse(c, http.StatusOK, true, "online status", gin.H{
		"online_users": users,
		"count":        len(users),
	})
}

// GetMessages returns a newest-first page of a conversation. before is an
// RFC 3339 timestamp (or unix milliseconds) and before_id breaks ties
// between messages created at the same instant.
// @Summary      Conversation history
// @Description  Returns a newest-first page of messages older than the cursor
// @Tags         conversations
// @Produce      json
// @Security     BearerAuth
// @Param        id         path   string  true   "Conversation ID"
// @Param        before     query  string  false  "Cursor time, RFC 3339 or unix milliseconds"
// @Param        before_id  query  string  false  "Cursor message id"
// @Param        limit      query  int     false  "Page size (default 50, max 100)"
// @Success      200  {object}  response.APIResponse{data=historyPageResponse} "Messages"
// @Failure      400  {object}  response.APIResponse "Invalid parameters"
// @Failure      401  {object}  response.APIResponse "Invalid or missing token"
// @Failure      500  {object}  response.APIResponse "Internal server error"
// @Router       /conversations/{id}/messages [get]
func (h *Handler) GetMessages(c *gin.Context) {
	conversationID := c.Param("id")

	limit := 50
	if ls := c.Query("limit"); ls != "" {
		n, err := strconv.Atoi(ls)
		if err != nil || n <= 0 {
			response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid limit parameter", nil)
			return
		}
		limit = n
	}
	var before protocol.Cursor
	if bs := c.Query("before"); bs != "" {
		at, err := protocol.ParseCursorTime(bs)
		if err != nil {
			response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid before parameter", nil)
			return
		}
		before = protocol.Cursor{At: at, ID: c.Query("before_id")}
	}

	messages, err := h.store.GetConversationHistory(c.Request.Context(), conversationID, before, limit)
	if err != nil {
		h.log.Error("history_fetch_failed", zap.String("conversation_id", conversationID), zap.Error(err))
		response.SendAPIResponse(c, http.StatusInternalServerError, false, "failed to fetch messages", nil)
		return
	}

	response.SendAPIResponse(c, http.StatusOK, true, "messages", historyPageResponse{
		Messages: messages,
		Count:    len(messages),
	})
}

type historyPageResponse struct {
	Messages []protocol.ServerMessage `json:"messages"`
	Count    int                      `json:"count"`
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkRead records read receipts and notifies the room with a seen event.
// @Summary      Mark messages read
// @Description  Records read receipts; an empty list marks every message from other senders
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path  string           true  "Conversation ID"
// @Param        request  body  markReadRequest  true  "Message ids"
// @Success      200  {object}  response.APIResponse "Number of newly marked messages"
// @Failure      400  {object}  response.APIResponse "Invalid request body"
// @Failure      401  {object}  response.APIResponse "Invalid or missing token"
// @Failure      500  {object}  response.APIResponse "Internal server error"
// @Router       /conversations/{id}/read [post]
func (h *Handler) MarkRead(c *gin.Context) {
	conversationID := c.Param("id")
	userID := c.GetString(userIDKey)

	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request body", nil)
		return
	}

	marked, err := h.store.MarkMessagesAsRead(c.Request.Context(), conversationID, userID, req.MessageIDs)
	if err != nil {
		h.log.Error("mark_read_failed", zap.String("user_id", userID), zap.Error(err))
		response.SendAPIResponse(c, http.StatusInternalServerError, false, "failed to mark messages as read", nil)
		return
	}

	if len(marked) > 0 {
		h.broadcast(conversationID, protocol.EventSeen, protocol.SeenPayload{
			ConversationID: conversationID,
			UserID:         userID,
			MessageIDs:     marked,
		}, nil)
	}
	response.SendAPIResponse(c, http.StatusOK, true, "marked", gin.H{"marked": len(marked)})
}

var mediaExt = map[string]string{"gif": ".gif", "jpeg": ".jpg", "png": ".png"}

// UploadMedia accepts a multipart image or GIF under the "file" field.
// @Summary      Upload media
// @Description  Stores a GIF, JPEG or PNG (max 10MB) and returns its URL and dimensions
// @Tags         media
// @Accept       multipart/form-data
// @Produce      json
// @Security     BearerAuth
// @Param        file  formData  file  true  "Image or GIF"
// @Success      201  {object}  response.APIResponse{data=protocol.Media} "Uploaded"
// @Failure      400  {object}  response.APIResponse "Missing file"
// @Failure      413  {object}  response.APIResponse "File too large"
// @Failure      415  {object}  response.APIResponse "Unsupported format"
// @Router       /media [post]
func (h *Handler) UploadMedia(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "file is required", nil)
		return
	}
	if fh.Size > maxUploadBytes {
		response.SendAPIResponse(c, http.StatusRequestEntityTooLarge, false, "file too large", nil)
		return
	}

	f, err := fh.Open()
	if err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "unreadable file", nil)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "unreadable file", nil)
		return
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	ext, supported := mediaExt[format]
	if err != nil || !supported {
		response.SendAPIResponse(c, http.StatusUnsupportedMediaType, false, "only gif, jpeg and png are accepted", nil)
		return
	}

	if err := os.MkdirAll(h.mediaDir, 0o755); err != nil {
		h.log.Error("media_dir_failed", zap.String("dir", h.mediaDir), zap.Error(err))
		response.SendAPIResponse(c, http.StatusInternalServerError, false, "failed to store media", nil)
		return
	}
	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(h.mediaDir, name), data, 0o644); err != nil {
		h.log.Error("media_write_failed", zap.String("name", name), zap.Error(err))
		response.SendAPIResponse(c, http.StatusInternalServerError, false, "failed to store media", nil)
		return
	}

	h.log.Info("media_uploaded", zap.String("name", name), zap.String("user_id", c.GetString(userIDKey)))
	response.SendAPIResponse(c, http.StatusCreated, true, "uploaded", protocol.Media{
		URL:    h.mediaURL(c, name),
		Width:  cfg.Width,
		Height: cfg.Height,
	})
}

func (h *Handler) mediaURL(c *gin.Context, name string) string {
	base := strings.TrimRight(h.publicURL, "/")
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	return base + "/media/" + name
}

// ServeMedia streams a previously uploaded file.
// @Summary      Fetch media
// @Tags         media
// @Param        name  path  string  true  "File name"
// @Success      200
// @Failure      404  {object}  response.APIResponse "Media not found"
// @Router       /media/{name} [get]
func (h *Handler) ServeMedia(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	path := filepath.Join(h.mediaDir, name)
	if _, err := os.Stat(path); err != nil {
		response.SendAPIResponse(c, http.StatusNotFound, false, "media not found", nil)
		return
	}
	c.File(path)
}
