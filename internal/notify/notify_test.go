package notify

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/mocks"
)

func TestAMQPNotifierPublishesInBackground(t *testing.T) {
	pub := new(mocks.PublisherMock)
	done := make(chan Notification, 1)
	pub.On("PublishWithHeaders", mock.Anything, DefaultRoutingKey, mock.Anything, map[string]string{"x-request-id": "req-1"}).
		Run(func(args mock.Arguments) { done <- args.Get(2).(Notification) }).
		Return(nil)

	notifier := NewAMQPNotifier(pub, "", zerolog.New(io.Discard))
	ctx, cancel := context.WithCancel(WithRequestID(context.Background(), "req-1"))
	notifier.Send(ctx, Notification{UserID: "bob", Title: "Alice", Body: "Hello"})
	cancel()

	select {
	case n := <-done:
		require.Equal(t, "bob", n.UserID)
		require.Equal(t, "Hello", n.Body)
	case <-time.After(time.Second):
		t.Fatal("notification was not published")
	}
}

func TestAMQPNotifierSwallowsErrors(t *testing.T) {
	pub := new(mocks.PublisherMock)
	called := make(chan struct{}, 2)
	pub.On("PublishWithHeaders", mock.Anything, "custom", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { called <- struct{}{} }).
		Return(errors.New("broker down"))

	notifier := NewAMQPNotifier(pub, "custom", zerolog.New(io.Discard))
	SendAll(context.Background(), notifier, []string{"bob", "carol"}, "t", "b", nil)

	for i := 0; i < 2; i++ {
		select {
		case <-called:
		case <-time.After(time.Second):
			t.Fatal("expected two publish attempts")
		}
	}
}

func TestSendSkipsEmptyRecipient(t *testing.T) {
	pub := new(mocks.PublisherMock)
	NewAMQPNotifier(pub, "", zerolog.New(io.Discard)).Send(context.Background(), Notification{})
	pub.AssertNotCalled(t, "PublishWithHeaders", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
