package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Cloak/internal/catalog"
	"github.com/Gopher0727/Cloak/internal/service"
	"github.com/Gopher0727/Cloak/internal/store"
)

type ChatHandler struct {
	chatService service.IChatService
}

func NewChatHandler(chatService service.IChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
	}
}

// PostMessageRequest 发送消息请求体
type PostMessageRequest struct {
	Username string `json:"username"`
	Content  string `json:"content"`
	ReplyTo  string `json:"reply_to"`
}

// ChannelHeader 频道头部信息
type ChannelHeader struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Known       bool   `json:"known"`
}

// ListChannels returns the static catalog.
func (h *ChatHandler) ListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"always_on": catalog.AlwaysOn(),
		"groups":    catalog.Groups(),
	})
}

// GetChannel describes one channel. Ids outside the catalog still get a header.
func (h *ChatHandler) GetChannel(c *gin.Context) {
	id := c.Param("id")
	header := ChannelHeader{ID: id, Name: id, Description: catalog.Describe(id)}
	if ch, ok := catalog.Lookup(id); ok {
		header.Name = ch.Name
		header.Known = true
	}
	c.JSON(http.StatusOK, header)
}

// GetMessages returns the rendered feed of a channel as of now.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	channel := c.Param("id")
	entries, err := h.chatService.History(c.Request.Context(), channel)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel":  channel,
		"messages": entries,
	})
}

// PostMessage handles sending a message to a channel
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.chatService.PostMessage(c.Request.Context(), c.Param("id"), req.Username, req.Content, req.ReplyTo)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ReportMessage 举报消息
func (h *ChatHandler) ReportMessage(c *gin.Context) {
	out, err := h.chatService.ReportMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if out.Gone {
		c.JSON(http.StatusGone, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func writeError(c *gin.Context, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, store.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message store unavailable"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
