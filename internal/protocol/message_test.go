package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_TagsEveryMessage(t *testing.T) {
	testCases := []struct {
		name string
		msg  Message
		want string
	}{
		{"auth", Auth{Token: "t", DeviceID: "A", DeviceName: "Laptop"}, `{"type":"auth","token":"t","deviceId":"A","deviceName":"Laptop"}`},
		{"auth_success", AuthSuccess{}, `{"type":"auth_success"}`},
		{"auth_error", AuthError{Reason: "expired"}, `{"type":"auth_error","error":"expired"}`},
		{"clipboard", Clipboard{Content: "hello", ContentID: "1", DeviceID: "A"}, `{"type":"clipboard","content":"hello","contentId":"1","deviceId":"A"}`},
		{"receipt", Receipt{ContentID: "1", DeviceID: "B"}, `{"type":"receipt","contentId":"1","deviceId":"B"}`},
		{"ping", Ping{}, `{"type":"ping"}`},
		{"pong", Pong{}, `{"type":"pong"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(data))

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, decoded)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"no type", `{"content":"x"}`, ErrMalformed},
		{"numeric type", `{"type":7}`, ErrMalformed},
		{"wrong field type", `{"type":"clipboard","content":5}`, ErrMalformed},
		{"unknown type", `{"type":"subscribe"}`, ErrUnknownType},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.input))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestClipboardEvent_RoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	withoutTimestamp := Clipboard{Content: "x", ContentID: "c1", DeviceID: "A"}.Event(now)
	assert.Equal(t, now, withoutTimestamp.Timestamp)
	assert.Equal(t, "A", withoutTimestamp.SenderDeviceID)

	sent := now.Add(-time.Second)
	msg := ClipboardEvent{ContentID: "c1", Content: "x", SenderDeviceID: "A", Timestamp: sent}.Message()
	assert.Equal(t, sent.UnixMilli(), msg.Timestamp)
	assert.Equal(t, sent, msg.Event(now).Timestamp)
}
