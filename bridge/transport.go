package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/stagelink/stagelink/protocol"
)

var ErrChannelClosed = errors.New("Channel closed.")

// a required part of an inbound message is missing or untrusted. Fatal for
// the call, raised loudly rather than defaulted.
var ErrContract = errors.New("Protocol contract violation.")

type ReceiveFunction func(message protocol.Message)

// Channel is the ordered async message link between host and surface.
// Delivery order is preserved per direction; round-trip latency is
// unbounded.
type Channel interface {
	Send(message protocol.Message) error
	AddReceiveCallback(receiveCallback ReceiveFunction) func()
	Close()
}

type ChannelSettings struct {
	// TrustedOrigin pins the peer origin. Empty means learn it from the
	// first authenticated hello, which is logged as a reduced-trust
	// fallback.
	TrustedOrigin string
	// AuthSecret verifies the hello token
	AuthSecret []byte
	// RequireHello rejects traffic before an authenticated hello. The
	// surface side requires it; the host side, which initiated the embed,
	// turns it off.
	RequireHello bool

	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	SendBufferSize int
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		RequireHello:   true,
		AuthTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		PingTimeout:    5 * time.Second,
		SendBufferSize: 32,
	}
}

// SignChannelToken mints the jwt carried by a hello.
func SignChannelToken(authSecret []byte, origin string, instanceId protocol.Id) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"origin": origin,
		"sub":    instanceId.String(),
		"iat":    time.Now().Unix(),
	})
	return token.SignedString(authSecret)
}

func verifyChannelToken(authSecret []byte, auth string) (origin string, err error) {
	token, err := jwt.Parse(
		auth,
		func(token *jwt.Token) (any, error) {
			return authSecret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w Hello token missing claims.", ErrContract)
	}
	origin, _ = claims["origin"].(string)
	if origin == "" {
		return "", fmt.Errorf("%w Hello token missing origin.", ErrContract)
	}
	return origin, nil
}

// WebSocketChannel speaks the json protocol over one websocket connection.
// The first inbound message must be an authenticated hello; everything
// before that is rejected.
type WebSocketChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	settings *ChannelSettings

	sendMessages chan []byte

	receiveCallbacks *CallbackList[ReceiveFunction]

	stateLock     sync.Mutex
	authenticated bool
	trustedOrigin string
}

func NewWebSocketChannelWithDefaults(ctx context.Context, conn *websocket.Conn, authSecret []byte) *WebSocketChannel {
	settings := DefaultChannelSettings()
	settings.AuthSecret = authSecret
	return NewWebSocketChannel(ctx, conn, settings)
}

func NewWebSocketChannel(ctx context.Context, conn *websocket.Conn, settings *ChannelSettings) *WebSocketChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &WebSocketChannel{
		ctx:              cancelCtx,
		cancel:           cancel,
		conn:             conn,
		settings:         settings,
		sendMessages:     make(chan []byte, settings.SendBufferSize),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
		trustedOrigin:    settings.TrustedOrigin,
	}
	go channel.readLoop()
	go channel.writeLoop()
	return channel
}

func (self *WebSocketChannel) Send(message protocol.Message) error {
	data, err := protocol.EncodeMessage(message)
	if err != nil {
		return err
	}
	select {
	case self.sendMessages <- data:
		return nil
	case <-self.ctx.Done():
		return ErrChannelClosed
	}
}

func (self *WebSocketChannel) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *WebSocketChannel) Close() {
	self.cancel()
	self.conn.Close()
}

func (self *WebSocketChannel) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *WebSocketChannel) writeLoop() {
	defer self.Close()

	pingTicker := time.NewTicker(self.settings.PingTimeout)
	defer pingTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case data := <-self.sendMessages:
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				glog.Infof("[channel]write error = %s\n", err)
				return
			}
		case <-pingTicker.C:
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *WebSocketChannel) readLoop() {
	defer self.Close()

	self.conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	self.conn.SetPongHandler(func(string) error {
		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		_, data, err := self.conn.ReadMessage()
		if err != nil {
			return
		}
		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		message, err := protocol.DecodeMessage(data)
		if err != nil {
			glog.Warningf("[channel]drop undecodable message = %s\n", err)
			continue
		}

		if hello, ok := message.(*protocol.Hello); ok {
			if err := self.handleHello(hello); err != nil {
				glog.Warningf("[channel]hello rejected = %s\n", err)
				return
			}
			continue
		}

		self.stateLock.Lock()
		authenticated := self.authenticated
		self.stateLock.Unlock()
		if !authenticated && self.settings.RequireHello {
			// contract violation: traffic before the hello
			glog.Warningf("[channel]message before hello. Closing.\n")
			return
		}

		for _, receiveCallback := range self.receiveCallbacks.Get() {
			HandleError(func() {
				receiveCallback(message)
			})
		}
	}
}

func (self *WebSocketChannel) handleHello(hello *protocol.Hello) error {
	origin, err := verifyChannelToken(self.settings.AuthSecret, hello.Auth)
	if err != nil {
		return err
	}
	if hello.Origin != origin {
		return fmt.Errorf("%w Hello origin does not match token.", ErrContract)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.trustedOrigin == "" {
		// reduced trust: no configured origin, adopt the first
		// authenticated one
		self.trustedOrigin = origin
		glog.Warningf("[channel]learned origin %s from first hello (reduced trust)\n", origin)
	} else if origin != self.trustedOrigin {
		return fmt.Errorf("%w Origin %s is not trusted.", ErrContract, origin)
	}
	self.authenticated = true
	glog.V(1).Infof("[channel]authenticated origin = %s instance = %s\n", origin, hello.InstanceId)
	return nil
}

// LoopbackChannel is an in-process ordered channel pair for tests and for
// hosting both contexts in one process.
type LoopbackChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	peer *LoopbackChannel

	messages chan protocol.Message

	receiveCallbacks *CallbackList[ReceiveFunction]
}

func NewLoopbackPair(ctx context.Context) (*LoopbackChannel, *LoopbackChannel) {
	cancelCtx, cancel := context.WithCancel(ctx)
	a := &LoopbackChannel{
		ctx:              cancelCtx,
		cancel:           cancel,
		messages:         make(chan protocol.Message, 128),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
	b := &LoopbackChannel{
		ctx:              cancelCtx,
		cancel:           cancel,
		messages:         make(chan protocol.Message, 128),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
	a.peer = b
	b.peer = a
	go a.dispatchLoop()
	go b.dispatchLoop()
	return a, b
}

func (self *LoopbackChannel) Send(message protocol.Message) error {
	// round trip through the codec so loopback behaves like the wire
	data, err := protocol.EncodeMessage(message)
	if err != nil {
		return err
	}
	decoded, err := protocol.DecodeMessage(data)
	if err != nil {
		return err
	}
	select {
	case self.peer.messages <- decoded:
		return nil
	case <-self.ctx.Done():
		return ErrChannelClosed
	}
}

func (self *LoopbackChannel) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *LoopbackChannel) Close() {
	self.cancel()
}

func (self *LoopbackChannel) dispatchLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.messages:
			for _, receiveCallback := range self.receiveCallbacks.Get() {
				HandleError(func() {
					receiveCallback(message)
				})
			}
		}
	}
}
