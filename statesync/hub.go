package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// A local relay for processes that cannot share a `LocalBroadcast`.
// All connections on the same channel name form one scope. Each frame is relayed to every
// other connection in the scope. A connection that cannot keep up drops frames.

type HubSettings struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingTimeout     time.Duration
	SendBufferSize  int
	ReadBufferSize  int
	WriteBufferSize int
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     15 * time.Second,
		PingTimeout:     1 * time.Second,
		SendBufferSize:  32,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

type HubStatus struct {
	// channel name -> connection count
	Channels map[string]int `json:"channels"`
}

type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *HubSettings
	upgrader websocket.Upgrader

	stateLock          sync.Mutex
	channelConnections map[string]map[Id]*hubConnection
}

type hubConnection struct {
	connectionId Id
	channelName  string
	send         chan []byte
}

func NewHubWithDefaults(ctx context.Context) *Hub {
	return NewHub(ctx, DefaultHubSettings())
}

func NewHub(ctx context.Context, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			// local scope only. Peers are not authenticated.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		channelConnections: map[string]map[Id]*hubConnection{},
	}
}

func (self *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			glog.V(LogLevelLifecycle).Infof("[hub]%s %s %d (%s)\n", r.Method, r.URL, m.Code, m.Duration)
		})
	})
	r.Methods(http.MethodGet).Path("/channels/{name}").HandlerFunc(self.serveChannel)
	r.Methods(http.MethodGet).Path("/status").HandlerFunc(self.serveStatus)
	return r
}

func (self *Hub) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: self.Router(),
	}
	go func() {
		<-self.ctx.Done()
		server.Close()
	}()
	glog.Infof("[hub]listen %s\n", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (self *Hub) Status() *HubStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	channels := map[string]int{}
	for channelName, connections := range self.channelConnections {
		channels[channelName] = len(connections)
	}
	return &HubStatus{
		Channels: channels,
	}
}

func (self *Hub) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(self.Status()); err != nil {
		glog.Infof("[hub]status error = %s\n", err)
	}
}

func (self *Hub) serveChannel(w http.ResponseWriter, r *http.Request) {
	channelName := mux.Vars(r)["name"]

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[hub]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	connection := &hubConnection{
		connectionId: NewId(),
		channelName:  channelName,
		send:         make(chan []byte, self.settings.SendBufferSize),
	}
	self.add(connection)
	defer self.remove(connection)

	glog.V(LogLevelLifecycle).Infof("[hub]%s open %s\n", channelName, connection.connectionId)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes := <-connection.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					glog.Infof("[hub]%s->%s error = %s\n", channelName, connection.connectionId, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, frameBytes, err := ws.ReadMessage()
			if err != nil {
				glog.V(LogLevelLifecycle).Infof("[hub]%s<-%s close = %s\n", channelName, connection.connectionId, err)
				return
			}
			if messageType != websocket.BinaryMessage || len(frameBytes) == 0 {
				continue
			}
			if _, err := DecodeFrame(frameBytes); err != nil {
				glog.V(LogLevelLifecycle).Infof("[hub]%s<-%s drop = %s\n", channelName, connection.connectionId, err)
				continue
			}
			self.relay(connection, frameBytes)
		}
	}()

	<-handleCtx.Done()
	glog.V(LogLevelLifecycle).Infof("[hub]%s close %s\n", channelName, connection.connectionId)
}

func (self *Hub) add(connection *hubConnection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connections, ok := self.channelConnections[connection.channelName]
	if !ok {
		connections = map[Id]*hubConnection{}
		self.channelConnections[connection.channelName] = connections
	}
	connections[connection.connectionId] = connection
}

func (self *Hub) remove(connection *hubConnection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connections, ok := self.channelConnections[connection.channelName]
	if !ok {
		return
	}
	delete(connections, connection.connectionId)
	if len(connections) == 0 {
		delete(self.channelConnections, connection.channelName)
	}
}

func (self *Hub) relay(from *hubConnection, frameBytes []byte) {
	var peers []*hubConnection
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for connectionId, connection := range self.channelConnections[from.channelName] {
			if connectionId != from.connectionId {
				peers = append(peers, connection)
			}
		}
	}()

	for _, peer := range peers {
		select {
		case peer.send <- frameBytes:
		default:
			glog.Infof("[hub]%s drop ->%s, buffer full\n", from.channelName, peer.connectionId)
		}
	}
}

func (self *Hub) Close() {
	self.cancel()
}
