package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"clipsync/internal/store"
)

// ListDevices returns the caller's devices, most recently active first.
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.store.ListDevices(c.Request.Context(), userID(c))
	if err != nil {
		log.Printf("Error listing devices: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

type renameDeviceRequest struct {
	Name string `json:"name" binding:"required,max=128"`
}

// RenameDevice changes the display name of one of the caller's devices.
func (h *Handler) RenameDevice(c *gin.Context) {
	var req renameDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.store.RenameDevice(c.Request.Context(), userID(c), c.Param("id"), req.Name)
	if !h.finishMutation(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteDevice removes the device, its push subscription and its live connection.
func (h *Handler) DeleteDevice(c *gin.Context) {
	deviceID := c.Param("id")
	err := h.store.DeleteDevice(c.Request.Context(), userID(c), deviceID)
	if !h.finishMutation(c, err) {
		return
	}
	h.sessions.Disconnect(userID(c), deviceID)
	c.Status(http.StatusNoContent)
}

// LogoutDevice marks the device offline, drops its push subscription and
// closes its live connection.
func (h *Handler) LogoutDevice(c *gin.Context) {
	deviceID := c.Param("id")
	err := h.store.LogoutDevice(c.Request.Context(), userID(c), deviceID)
	if !h.finishMutation(c, err) {
		return
	}
	h.sessions.Disconnect(userID(c), deviceID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// finishMutation writes the error response for err, if any, and drops the
// caller's cached device list. It reports whether the handler should go on.
func (h *Handler) finishMutation(c *gin.Context, err error) bool {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return false
	case err != nil:
		log.Printf("Error updating device %s: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update device"})
		return false
	}
	h.cache.Invalidate(userID(c))
	return true
}
