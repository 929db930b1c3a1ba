package statesync

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// Bridges processes on one host through a `Hub`. Each channel is one websocket connection
// to `<hub url>/channels/<name>`. The hub does not echo frames to their sender.

type WsChannelSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	SendBufferSize   int
}

func DefaultWsChannelSettings() *WsChannelSettings {
	return &WsChannelSettings{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingTimeout:      1 * time.Second,
		SendBufferSize:   32,
	}
}

type WsChannelProvider struct {
	hubUrl   string
	settings *WsChannelSettings
}

func NewWsChannelProviderWithDefaults(hubUrl string) *WsChannelProvider {
	return NewWsChannelProvider(hubUrl, DefaultWsChannelSettings())
}

func NewWsChannelProvider(hubUrl string, settings *WsChannelSettings) *WsChannelProvider {
	return &WsChannelProvider{
		hubUrl:   hubUrl,
		settings: settings,
	}
}

func (self *WsChannelProvider) ChannelUrl(name string) (string, error) {
	u, err := url.Parse(self.hubUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.JoinPath("channels", name).String(), nil
}

func (self *WsChannelProvider) Open(ctx context.Context, name string) (Channel, error) {
	channelUrl, err := self.ChannelUrl(name)
	if err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, channelUrl, nil)
	if err != nil {
		return nil, fmt.Errorf("Could not connect to hub %s: %w", channelUrl, err)
	}
	channel := newWsChannel(ctx, name, ws, self.settings)
	go channel.run()
	return channel, nil
}

type wsChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	name     string
	ws       *websocket.Conn
	settings *WsChannelSettings

	send             chan []byte
	receiveCallbacks *CallbackList[ReceiveFunction]

	closing     chan struct{}
	writerDone  chan struct{}
	closingOnce sync.Once
}

func newWsChannel(ctx context.Context, name string, ws *websocket.Conn, settings *WsChannelSettings) *wsChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &wsChannel{
		ctx:              cancelCtx,
		cancel:           cancel,
		name:             name,
		ws:               ws,
		settings:         settings,
		send:             make(chan []byte, settings.SendBufferSize),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
		closing:          make(chan struct{}),
		writerDone:       make(chan struct{}),
	}
}

func (self *wsChannel) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	go func() {
		defer func() {
			close(self.writerDone)
			self.cancel()
		}()

		write := func(frameBytes []byte) bool {
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[ws]%s-> error = %s\n", self.name, err)
				return false
			}
			glog.V(LogLevelTrace).Infof("[ws]%s->\n", self.name)
			return true
		}

		for {
			select {
			case <-self.ctx.Done():
				return
			case <-self.closing:
				// write out what was published before close
				for {
					select {
					case frameBytes := <-self.send:
						if !write(frameBytes) {
							return
						}
					default:
						self.ws.WriteControl(
							websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
							time.Now().Add(self.settings.WriteTimeout),
						)
						return
					}
				}
			case frameBytes := <-self.send:
				if !write(frameBytes) {
					return
				}
			case <-time.After(self.settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frameBytes, err := self.ws.ReadMessage()
		if err != nil {
			select {
			case <-self.ctx.Done():
			default:
				glog.Infof("[ws]%s<- error = %s\n", self.name, err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(frameBytes) == 0 {
				// ping
				continue
			}
			message, err := DecodeFrame(frameBytes)
			if err != nil {
				glog.V(LogLevelLifecycle).Infof("[ws]%s<- drop = %s\n", self.name, err)
				continue
			}
			glog.V(LogLevelTrace).Infof("[ws]%s<- %s\n", self.name, message)
			for _, receive := range self.receiveCallbacks.Get() {
				HandleError("ws", func() {
					receive(message)
				})
			}
		default:
			glog.V(LogLevelTrace).Infof("[ws]%s<- other=%d\n", self.name, messageType)
		}
	}
}

func (self *wsChannel) Name() string {
	return self.name
}

func (self *wsChannel) Publish(message *Message) error {
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return ErrChannelClosed
	case <-self.closing:
		return ErrChannelClosed
	default:
	}
	select {
	case <-self.ctx.Done():
		return ErrChannelClosed
	case self.send <- frameBytes:
		return nil
	default:
		return ErrChannelFull
	}
}

func (self *wsChannel) Subscribe(receive ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receive)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

// frames already accepted by `Publish` are written before the connection closes,
// bounded by the write timeout
func (self *wsChannel) Close() {
	self.closingOnce.Do(func() {
		close(self.closing)
	})
	select {
	case <-self.writerDone:
	case <-time.After(self.settings.WriteTimeout):
	}
	self.cancel()
	// unblock the reader
	self.ws.SetReadDeadline(time.Now())
}
