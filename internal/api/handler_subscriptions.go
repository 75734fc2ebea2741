package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"clipsync/internal/model"
	"clipsync/internal/store"
)

type subscriptionKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type pushSubscription struct {
	Endpoint string           `json:"endpoint" binding:"required"`
	Keys     subscriptionKeys `json:"keys" binding:"required"`
}

type subscribeRequest struct {
	Subscription pushSubscription `json:"subscription" binding:"required"`
	DeviceID     string           `json:"deviceId" binding:"required"`
}

// Subscribe registers or replaces the push subscription of the caller's device.
func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subscription := model.PushSubscription{
		DeviceID: req.DeviceID,
		UserID:   userID(c),
		Endpoint: req.Subscription.Endpoint,
		P256DH:   req.Subscription.Keys.P256DH,
		Auth:     req.Subscription.Keys.Auth,
	}
	err := h.store.UpsertSubscription(c.Request.Context(), subscription)
	if errors.Is(err, store.ErrForbidden) {
		log.Printf("User %s tried to subscribe device %s owned by another user", subscription.UserID, req.DeviceID)
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Printf("Error saving subscription for device %s: %v", req.DeviceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
