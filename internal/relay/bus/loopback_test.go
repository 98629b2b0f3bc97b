package bus_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/homecast/homecast/internal/relay/bus"
	"github.com/homecast/homecast/internal/util/testutil"
)

func TestLoopback_PublishReachesSubscriber(t *testing.T) {
	b := bus.NewLoopback()
	ctx := context.Background()

	var mu sync.Mutex
	var got [][]byte
	_, err := b.Subscribe(ctx, "homecast-instance-ab12", func(data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, data)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.EnsureTopic(ctx, "homecast-instance-ab12"))
	require.NoError(t, b.Publish(ctx, "homecast-instance-ab12", []byte("hello")))

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && string(got[0]) == "hello"
	})
}

func TestLoopback_TopicIsolation(t *testing.T) {
	b := bus.NewLoopback()
	ctx := context.Background()

	delivered := make(chan string, 2)
	_, err := b.Subscribe(ctx, "slot-a", func(data []byte) error {
		delivered <- "a"
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "slot-b", func(data []byte) error {
		delivered <- "b"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "slot-a", []byte("x")))

	require.Equal(t, "a", <-delivered)
	select {
	case v := <-delivered:
		t.Fatalf("unexpected delivery to %q", v)
	default:
	}
}

func TestLoopback_Unsubscribe(t *testing.T) {
	b := bus.NewLoopback()
	ctx := context.Background()

	delivered := make(chan struct{}, 1)
	sub, err := b.Subscribe(ctx, "slot-a", func(data []byte) error {
		delivered <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(ctx, "slot-a", []byte("x")))
	select {
	case <-delivered:
		t.Fatal("delivery after unsubscribe")
	default:
	}
}

func TestLoopback_PublishAfterClose(t *testing.T) {
	b := bus.NewLoopback()
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), "slot-a", []byte("x"))
	require.ErrorIs(t, err, bus.ErrPublish)
}
