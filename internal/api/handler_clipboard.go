package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clipsync/internal/protocol"
)

type clipboardRequest struct {
	Content   string `json:"content" binding:"required"`
	ContentID string `json:"contentId" binding:"required"`
	DeviceID  string `json:"deviceId" binding:"required"`
	Timestamp int64  `json:"timestamp"`
}

// PostClipboard is the ingress for devices without a live connection.
func (h *Handler) PostClipboard(c *gin.Context) {
	var req clipboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg := protocol.Clipboard{
		Content:   req.Content,
		ContentID: req.ContentID,
		DeviceID:  req.DeviceID,
		Timestamp: req.Timestamp,
	}
	res := h.relay.Publish(userID(c), msg.Event(time.Now()))

	c.JSON(http.StatusOK, res)
}
