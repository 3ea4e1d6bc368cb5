package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopicSubscribeEmitUnsubscribe(t *testing.T) {
	var topic Topic[string]
	var got []string

	unsubscribe := topic.Subscribe(func(v string) { got = append(got, v) })
	topic.Emit("a")
	unsubscribe()
	topic.Emit("b")

	require.Equal(t, []string{"a"}, got)
}

func TestTopicHandlerMaySubscribe(t *testing.T) {
	var topic Topic[int]
	calls := 0
	topic.Subscribe(func(int) {
		calls++
		topic.Subscribe(func(int) { calls++ })
	})

	topic.Emit(1)
	require.Equal(t, 1, calls)
	topic.Emit(2)
	require.Equal(t, 3, calls)
}
