package api

import (
	"github.com/SherClockHolmes/webpush-go"

	"clipsync/internal/mw"
	"clipsync/internal/protocol"
	"clipsync/internal/relay"
	"clipsync/internal/store"
)

// Publisher fans a clipboard event out to the user's devices.
type Publisher interface {
	Publish(userID string, ev protocol.ClipboardEvent) relay.Result
}

// SessionCloser force-closes a device's live connection.
type SessionCloser interface {
	Disconnect(userID, deviceID string) bool
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store    store.Store
	relay    Publisher
	sessions SessionCloser
	cache    *mw.ResponseCache
	webpush  *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, p Publisher, sessions SessionCloser, responseCache *mw.ResponseCache, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		store:    s,
		relay:    p,
		sessions: sessions,
		cache:    responseCache,
		webpush:  webpushOptions,
	}
}
