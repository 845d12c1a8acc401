package notify

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marumoto/storefront-backend/pkg/enums"
	"github.com/marumoto/storefront-backend/pkg/logger"
)

type stubRecorder struct {
	fail error
	done chan Message
}

func (s *stubRecorder) Record(_ context.Context, msg Message) error {
	s.done <- msg
	return s.fail
}

func dispatcherTestLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "notify-test", Level: logger.ParseLevel("error"), Output: io.Discard})
}

func TestNotifyDeliversOffTheRequestPath(t *testing.T) {
	rec := &stubRecorder{done: make(chan Message, 1)}
	d, err := NewDispatcher(rec, dispatcherTestLogger(), time.Second)
	require.NoError(t, err)

	d.Notify(context.Background(), Message{
		Recipient: "taro@example.com",
		Kind:      enums.NotificationKindOrderShipped,
		Subject:   "Order shipped",
	})

	select {
	case msg := <-rec.done:
		require.Equal(t, "taro@example.com", msg.Recipient)
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the recorder")
	}
}

func TestNotifySurvivesRecorderFailure(t *testing.T) {
	rec := &stubRecorder{fail: context.DeadlineExceeded, done: make(chan Message, 1)}
	d, err := NewDispatcher(rec, dispatcherTestLogger(), time.Second)
	require.NoError(t, err)

	d.Notify(context.Background(), Message{
		Recipient: "taro@example.com",
		Kind:      enums.NotificationKindOrderCancelled,
		Subject:   "Order cancelled",
	})

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the recorder")
	}
}
