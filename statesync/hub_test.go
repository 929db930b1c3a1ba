package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestHub(t *testing.T, ctx context.Context) (*Hub, *httptest.Server) {
	hub := NewHubWithDefaults(ctx)
	server := httptest.NewServer(hub.Router())
	t.Cleanup(server.Close)
	return hub, server
}

func TestWsChannelUrl(t *testing.T) {
	channelUrl, err := NewWsChannelProviderWithDefaults("http://127.0.0.1:8080").ChannelUrl("counter")
	assert.Equal(t, err, nil)
	assert.Equal(t, "ws://127.0.0.1:8080/channels/counter", channelUrl)

	channelUrl, err = NewWsChannelProviderWithDefaults("https://localhost/base").ChannelUrl("a b")
	assert.Equal(t, err, nil)
	assert.Equal(t, "wss://localhost/base/channels/a%20b", channelUrl)
}

func TestHubRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, server := newTestHub(t, ctx)
	provider := NewWsChannelProviderWithDefaults(server.URL)

	a, err := provider.Open(ctx, "counter")
	assert.Equal(t, err, nil)
	b, err := provider.Open(ctx, "counter")
	assert.Equal(t, err, nil)
	other, err := provider.Open(ctx, "other")
	assert.Equal(t, err, nil)

	aMessages := &messageCollector{}
	bMessages := &messageCollector{}
	otherMessages := &messageCollector{}
	a.Subscribe(aMessages.receive)
	b.Subscribe(bMessages.receive)
	other.Subscribe(otherMessages.receive)

	waitFor(t, time.Second, func() bool {
		status := hub.Status()
		return status.Channels["counter"] == 2 && status.Channels["other"] == 1
	})

	instanceId := NewInstanceId()
	err = a.Publish(NewStateUpdateMessage(instanceId, State{"count": 2}))
	assert.Equal(t, err, nil)

	waitFor(t, time.Second, func() bool {
		return len(bMessages.Messages()) == 1
	})
	assert.Equal(t, State{"count": float64(2)}, bMessages.Messages()[0].Payload)
	assert.Equal(t, instanceId, bMessages.Messages()[0].SenderInstanceId)

	// no echo to the sender and no crossing between names
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, len(aMessages.Messages()))
	assert.Equal(t, 0, len(otherMessages.Messages()))

	a.Close()
	err = a.Publish(NewLoadMessage(instanceId))
	assert.Equal(t, true, errors.Is(err, ErrChannelClosed))
	waitFor(t, time.Second, func() bool {
		return hub.Status().Channels["counter"] == 1
	})
}

func TestHubStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, server := newTestHub(t, ctx)
	provider := NewWsChannelProviderWithDefaults(server.URL)
	_, err := provider.Open(ctx, "counter")
	assert.Equal(t, err, nil)
	waitFor(t, time.Second, func() bool {
		return hub.Status().Channels["counter"] == 1
	})

	response, err := http.Get(server.URL + "/status")
	assert.Equal(t, err, nil)
	defer response.Body.Close()
	assert.Equal(t, http.StatusOK, response.StatusCode)

	var status HubStatus
	err = json.NewDecoder(response.Body).Decode(&status)
	assert.Equal(t, err, nil)
	assert.Equal(t, map[string]int{"counter": 1}, status.Channels)
}

func TestHubSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, server := newTestHub(t, ctx)
	provider := NewWsChannelProviderWithDefaults(server.URL)
	config := &SyncConfig{
		Name:    "counter",
		Exclude: []ExcludeRule{RequireExcludePattern("^token$")},
	}

	a, err := NewSyncWithDefaults(ctx, NewMemoryStore(testCounterState()), testCounterSchema(), config, provider)
	assert.Equal(t, err, nil)
	b, err := NewSyncWithDefaults(ctx, NewMemoryStore(testCounterState()), testCounterSchema(), config, provider)
	assert.Equal(t, err, nil)
	assert.Equal(t, SyncStateActive, a.SyncState())
	assert.Equal(t, SyncStateActive, b.SyncState())

	waitFor(t, time.Second, func() bool {
		return hub.Status().Channels["counter"] == 2
	})

	for range 3 {
		a.Set(increment)
	}
	a.Set(SetFields(State{"token": "secret"}))

	waitFor(t, time.Second, func() bool {
		return b.State()["count"] == 3
	})

	// late joiner
	c, err := NewSyncWithDefaults(ctx, NewMemoryStore(testCounterState()), testCounterSchema(), config, provider)
	assert.Equal(t, err, nil)
	waitFor(t, time.Second, func() bool {
		return c.State()["count"] == 3
	})
	assert.Equal(t, "", b.State()["token"])
	assert.Equal(t, "", c.State()["token"])
}

func TestHubUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, server := newTestHub(t, ctx)
	hubUrl := server.URL
	server.Close()

	provider := NewWsChannelProvider(hubUrl, &WsChannelSettings{
		HandshakeTimeout: 200 * time.Millisecond,
		WriteTimeout:     time.Second,
		ReadTimeout:      time.Second,
		PingTimeout:      100 * time.Millisecond,
		SendBufferSize:   1,
	})
	_, err := provider.Open(ctx, "counter")
	assert.NotEqual(t, err, nil)

	stateSync, err := NewSyncWithDefaults(ctx, NewMemoryStore(testCounterState()), testCounterSchema(), &SyncConfig{Name: "counter"}, provider)
	assert.Equal(t, err, nil)
	assert.Equal(t, SyncStateLocalOnly, stateSync.SyncState())
	stateSync.Set(increment)
	assert.Equal(t, 1, stateSync.State()["count"])
}
