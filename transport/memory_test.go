package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meta(id string) Metadata {
	return Metadata{DeviceID: id, DeviceName: "Device " + id, DeviceModel: "model", OSVersion: "os", AppVersion: "1"}
}

func nextEvent(t *testing.T, events <-chan DiscoveryEvent) DiscoveryEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for discovery event")
	}
	return DiscoveryEvent{}
}

func TestMemoryBrowseSeesAdvertiseRefreshAndWithdraw(t *testing.T) {
	net := NewMemoryNetwork()
	alice := net.Join(meta("alice"))
	bob := net.Join(meta("bob"))
	defer alice.Close()
	defer bob.Close()

	stopAlice, err := alice.Advertise(meta("alice"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bob.Browse(ctx)
	require.NoError(t, err)

	ev := nextEvent(t, events)
	assert.Equal(t, EventAdded, ev.Type)
	assert.Equal(t, alice.Endpoint(), ev.Endpoint)
	assert.Equal(t, "Device alice", ev.Metadata.DeviceName)

	net.Refresh()
	assert.Equal(t, EventUpdated, nextEvent(t, events).Type)

	stopAlice()
	stopAlice()
	assert.Equal(t, EventRemoved, nextEvent(t, events).Type)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBrowseIgnoresOwnAdvertisement(t *testing.T) {
	net := NewMemoryNetwork()
	alice := net.Join(meta("alice"))
	defer alice.Close()

	_, err := alice.Advertise(meta("alice"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	events, err := alice.Browse(ctx)
	require.NoError(t, err)

	for ev := range events {
		t.Fatalf("unexpected event for own advertisement: %+v", ev)
	}
}

func TestMemoryConnDeliversInOrderAndDrainsAfterClose(t *testing.T) {
	net := NewMemoryNetwork()
	alice := net.Join(meta("alice"))
	bob := net.Join(meta("bob"))
	defer alice.Close()
	defer bob.Close()

	ctx := context.Background()
	conn, err := alice.Dial(ctx, bob.Endpoint())
	require.NoError(t, err)
	assert.Equal(t, "bob", conn.Remote().DeviceID)

	var inbound Conn
	select {
	case inbound = <-bob.Incoming():
	case <-time.After(time.Second):
		t.Fatal("no inbound connection")
	}
	assert.Equal(t, "alice", inbound.Remote().DeviceID)

	for i := 0; i < 100; i++ {
		require.NoError(t, conn.Send(ctx, []byte(fmt.Sprintf("m%03d", i))))
	}
	require.NoError(t, conn.Close())

	for i := 0; i < 100; i++ {
		got, err := inbound.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m%03d", i), string(got))
	}
	_, err = inbound.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-inbound.Done():
	default:
		t.Fatal("closing one side should close the other")
	}
	assert.ErrorIs(t, inbound.Send(ctx, []byte("late")), ErrClosed)
}

func TestMemoryDialFailures(t *testing.T) {
	net := NewMemoryNetwork()
	alice := net.Join(meta("alice"))
	defer alice.Close()

	_, err := alice.Dial(context.Background(), Endpoint("mem://nobody"))
	assert.ErrorIs(t, err, ErrUnknownEndpoint)

	hookErr := errors.New("radio off")
	net.SetDialHook(func(ctx context.Context, from, to Endpoint) error {
		return hookErr
	})
	bob := net.Join(meta("bob"))
	defer bob.Close()
	_, err = alice.Dial(context.Background(), bob.Endpoint())
	assert.ErrorIs(t, err, hookErr)

	net.SetDialHook(func(ctx context.Context, from, to Endpoint) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = alice.Dial(ctx, bob.Endpoint())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryTransportCloseTearsDownConnections(t *testing.T) {
	net := NewMemoryNetwork()
	alice := net.Join(meta("alice"))
	bob := net.Join(meta("bob"))
	defer alice.Close()

	conn, err := alice.Dial(context.Background(), bob.Endpoint())
	require.NoError(t, err)

	require.NoError(t, bob.Close())
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("expected connection to close with the remote transport")
	}

	_, err = alice.Dial(context.Background(), bob.Endpoint())
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}
