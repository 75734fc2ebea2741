package notification

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/SherClockHolmes/webpush-go"

	"clipsync/internal/model"
	"clipsync/internal/protocol"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// SubscriptionStore is the part of the device directory the pool reads and prunes.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, deviceID, endpoint string) error
}

// Job is one clipboard event to deliver by push. Live holds the devices that
// had a live connection when the event was sent; they are skipped.
type Job struct {
	UserID string
	Event  protocol.ClipboardEvent
	Live   []string
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan Job
	store   SubscriptionStore
	webpush *webpush.Options
	sender  NotificationSender
	wg      sync.WaitGroup
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size, queueSize int, s SubscriptionStore, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, queueSize),
		store:   s,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
	}
}

// WithSender replaces the push transport. Call before Start.
func (wp *WorkerPool) WithSender(s NotificationSender) *WorkerPool {
	wp.sender = s
	return wp
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Wait blocks until every worker has returned.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()
	log.Printf("Worker %d started", id)
	for {
		select {
		case job := <-wp.jobs:
			wp.sendNotificationsForEvent(ctx, job)
		case <-ctx.Done():
			log.Printf("Worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues a job without blocking. It reports false when the queue is
// full and the job was dropped.
func (wp *WorkerPool) Dispatch(job Job) bool {
	select {
	case wp.jobs <- job:
		return true
	default:
		log.Printf("Push queue full; dropping content %s for user %s", job.Event.ContentID, job.UserID)
		return false
	}
}

// sendNotificationsForEvent delivers the event to every subscribed device that
// neither sent it nor received it live.
func (wp *WorkerPool) sendNotificationsForEvent(ctx context.Context, job Job) {
	subscriptions, err := wp.store.ListSubscriptions(ctx, job.UserID)
	if err != nil {
		log.Printf("Error fetching subscriptions for user %s: %v", job.UserID, err)
		return
	}

	skip := make(map[string]struct{}, len(job.Live)+1)
	skip[job.Event.SenderDeviceID] = struct{}{}
	for _, id := range job.Live {
		skip[id] = struct{}{}
	}

	var targets []model.PushSubscription
	for _, sub := range subscriptions {
		if _, ok := skip[sub.DeviceID]; !ok {
			targets = append(targets, sub)
		}
	}
	if len(targets) == 0 {
		return
	}

	// Same shape as the live path so receivers cannot tell the transports apart.
	payload, err := protocol.Encode(job.Event.Message())
	if err != nil {
		log.Printf("Error encoding push payload for content %s: %v", job.Event.ContentID, err)
		return
	}

	log.Printf("Sending %d notifications for content %s", len(targets), job.Event.ContentID)
	for _, sub := range targets {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("Error sending notification to device %s: %v", sub.DeviceID, err)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		log.Printf("Subscription for device %s is gone (%d). Deleting.", sub.DeviceID, resp.StatusCode)
		if err := wp.store.DeleteSubscription(ctx, sub.DeviceID, sub.Endpoint); err != nil {
			log.Printf("Failed to delete expired subscription for device %s: %v", sub.DeviceID, err)
		}
	case resp.StatusCode >= 400:
		log.Printf("Push service rejected notification for device %s with status %d", sub.DeviceID, resp.StatusCode)
	}
}
