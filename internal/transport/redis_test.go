package transport

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRedisBusPublishSubscribe(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	bus := NewRedisBus(client, "chat", zerolog.Nop())
	defer bus.Close()

	c := &collector{}
	sub, err := bus.Subscribe(context.Background(), TypingChannel("t1"), c.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), TypingChannel("t1"), []byte("one")))
	require.NoError(t, bus.Publish(context.Background(), TypingChannel("t1"), []byte("two")))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"one", "two"}, c.snapshot())

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish(context.Background(), TypingChannel("t1"), []byte("three")))
	time.Sleep(50 * time.Millisecond)
	require.Len(t, c.snapshot(), 2)
}

func TestRedisBusPrefixesChannels(t *testing.T) {
	bus := NewRedisBus(nil, "chat", zerolog.Nop())
	require.Equal(t, "chat:presence", bus.key(PresenceChannel))

	bare := NewRedisBus(nil, "", zerolog.Nop())
	require.Equal(t, "typing:t1", bare.key(TypingChannel("t1")))
}

func TestNATSSubjectMapping(t *testing.T) {
	bus := NewNATSBus(nil, "chat:rt", zerolog.Nop())
	require.Equal(t, "chat.rt.typing.t1", bus.subject(TypingChannel("t1")))
}
