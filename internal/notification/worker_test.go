package notification

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"clipsync/internal/model"
	"clipsync/internal/protocol"
	"clipsync/internal/store"
)

// mockSender is a mock implementation of the NotificationSender interface.
type mockSender struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// Send calls the mock SendFunc.
func (m *mockSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func newSQLiteStore(t *testing.T) (store.Store, *gorm.DB) {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, gormDB.AutoMigrate(&model.Device{}, &model.PushSubscription{}))
	return store.NewGormStore(gormDB), gormDB
}

func subscription(deviceID string) model.PushSubscription {
	return model.PushSubscription{
		DeviceID: deviceID,
		UserID:   "user-1",
		Endpoint: "https://push.example/" + deviceID,
		P256DH:   "p" + deviceID,
		Auth:     "a" + deviceID,
	}
}

func response(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString("")),
	}
}

func subscriptionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"device_id", "user_id", "endpoint", "p256dh", "auth", "created_at", "updated_at"}).
		AddRow("A", "user-1", "https://push.example/a", "pa", "aa", time.Now(), time.Now()).
		AddRow("B", "user-1", "https://push.example/b", "pb", "ab", time.Now(), time.Now()).
		AddRow("C", "user-1", "https://push.example/c", "pc", "ac", time.Now(), time.Now())
}

var testEvent = protocol.ClipboardEvent{
	ContentID:      "1",
	Content:        "hello",
	SenderDeviceID: "A",
	Timestamp:      time.UnixMilli(1700000000000).UTC(),
}

func TestWorkerPool_Dispatch(t *testing.T) {
	wp := NewWorkerPool(1, 1, nil, &webpush.Options{})

	assert.True(t, wp.Dispatch(Job{UserID: "user-1", Event: testEvent}))
	// The queue holds one job and no worker is running.
	assert.False(t, wp.Dispatch(Job{UserID: "user-1", Event: testEvent}))

	select {
	case job := <-wp.jobs:
		assert.Equal(t, "user-1", job.UserID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for job to be dispatched")
	}
}

func TestWorkerPool_WorkerLogic(t *testing.T) {
	t.Run("skips sender and live devices with the live payload shape", func(t *testing.T) {
		gormDB, mock := newTestDB(t)
		wp := NewWorkerPool(1, 4, store.NewGormStore(gormDB), &webpush.Options{})

		var wg sync.WaitGroup
		wg.Add(1)
		var mu sync.Mutex
		var endpoints []string
		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				defer wg.Done()
				mu.Lock()
				endpoints = append(endpoints, sub.Endpoint)
				mu.Unlock()
				assert.JSONEq(t, `{"type":"clipboard","content":"hello","contentId":"1","deviceId":"A","timestamp":1700000000000}`, string(payload))
				return response(http.StatusCreated), nil
			},
		}

		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE user_id = \$1`).
			WithArgs("user-1").
			WillReturnRows(subscriptionRows())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		wp.Start(ctx)

		wp.Dispatch(Job{UserID: "user-1", Event: testEvent, Live: []string{"C"}})
		wg.Wait()

		mu.Lock()
		assert.Equal(t, []string{"https://push.example/b"}, endpoints)
		mu.Unlock()
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	for _, status := range []int{http.StatusGone, http.StatusNotFound} {
		t.Run(http.StatusText(status)+" prunes the subscription", func(t *testing.T) {
			gormDB, mock := newTestDB(t)
			wp := NewWorkerPool(1, 4, store.NewGormStore(gormDB), &webpush.Options{})
			wp.sender = &mockSender{
				SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
					return response(status), nil
				},
			}

			mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE user_id = \$1`).
				WithArgs("user-1").
				WillReturnRows(sqlmock.NewRows([]string{"device_id", "user_id", "endpoint", "p256dh", "auth"}).
					AddRow("B", "user-1", "https://push.example/b", "pb", "ab"))
			mock.ExpectBegin()
			mock.ExpectExec(`DELETE FROM "push_subscriptions" WHERE device_id = \$1 AND endpoint = \$2`).
				WithArgs("B", "https://push.example/b").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			wp.sendNotificationsForEvent(context.Background(), Job{UserID: "user-1", Event: testEvent})
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}

	t.Run("transient failures keep the subscription", func(t *testing.T) {
		gormDB, mock := newTestDB(t)
		wp := NewWorkerPool(1, 4, store.NewGormStore(gormDB), &webpush.Options{})
		calls := 0
		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				calls++
				if sub.Endpoint == "https://push.example/b" {
					return nil, errors.New("connection refused")
				}
				return response(http.StatusInternalServerError), nil
			},
		}

		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE user_id = \$1`).
			WithArgs("user-1").
			WillReturnRows(subscriptionRows())

		wp.sendNotificationsForEvent(context.Background(), Job{UserID: "user-1", Event: testEvent})

		assert.Equal(t, 2, calls)
		// No DELETE was expected, so an unexpected one would fail here.
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pruned subscription is absent from the next dispatch", func(t *testing.T) {
		s, _ := newSQLiteStore(t)
		require.NoError(t, s.UpsertSubscription(context.Background(), subscription("B")))

		wp := NewWorkerPool(1, 4, s, &webpush.Options{})
		calls := 0
		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				calls++
				return response(http.StatusGone), nil
			},
		}

		job := Job{UserID: "user-1", Event: testEvent}
		wp.sendNotificationsForEvent(context.Background(), job)
		wp.sendNotificationsForEvent(context.Background(), job)

		assert.Equal(t, 1, calls)
	})
}
