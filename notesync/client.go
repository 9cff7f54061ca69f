package notesync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateConnecting:
		return "Connecting"
	case ConnectionStateConnected:
		return "Connected"
	case ConnectionStateReconnecting:
		return "Reconnecting"
	default:
		return "Disconnected"
	}
}

type EventFunction func(payload json.RawMessage)

type ConnectionStateFunction func(state ConnectionState)

// Realtime is the client surface consumed by edit and dashboard
// sessions. Implemented by RealtimeClient; tests substitute a fake.
type Realtime interface {
	Invoke(method string, args ...any) error
	On(target string, handler EventFunction) func()
	JoinNoteGroup(noteId string)
	LeaveNoteGroup(noteId string)
	JoinUserGroup(userId string)
	LeaveUserGroup(userId string)
	State() ConnectionState
}

type RealtimeClientSettings struct {
	// fixed-interval retry, no backoff, no give-up state
	ReconnectTimeout   time.Duration
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultRealtimeClientSettings() *RealtimeClientSettings {
	return &RealtimeClientSettings{
		ReconnectTimeout:   5 * time.Second,
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
	}
}

// RealtimeClient maintains exactly one live connection to the hub per
// editor or dashboard instance, with automatic recovery. Desired group
// membership (at most one note group and one user group) is retained
// and re-joined after every reconnect. Event handlers are dispatched
// one at a time from the single receive pump, in receipt order.
type RealtimeClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *RealtimeClientSettings
	log      LogFunction

	mutex     sync.Mutex
	state     ConnectionState
	send      chan []byte
	noteGroup string
	userGroup string

	handlersMutex sync.Mutex
	handlers      map[string]*CallbackList[EventFunction]

	stateCallbacks *CallbackList[ConnectionStateFunction]
}

func NewRealtimeClientWithDefaults(ctx context.Context, url string) *RealtimeClient {
	return NewRealtimeClient(ctx, url, DefaultRealtimeClientSettings())
}

func NewRealtimeClient(ctx context.Context, url string, settings *RealtimeClientSettings) *RealtimeClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &RealtimeClient{
		ctx:            cancelCtx,
		cancel:         cancel,
		url:            url,
		settings:       settings,
		log:            LogFn("[rtc]" + url),
		state:          ConnectionStateConnecting,
		handlers:       map[string]*CallbackList[EventFunction]{},
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
	go client.run()
	return client
}

func (self *RealtimeClient) run() {
	defer self.setState(ConnectionStateDisconnected)

	first := true
	for {
		if first {
			self.setState(ConnectionStateConnecting)
		} else {
			self.setState(ConnectionStateReconnecting)
		}

		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[rtc]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}
		first = false

		send := make(chan []byte, self.settings.SendBufferSize)
		self.mutex.Lock()
		self.send = send
		self.state = ConnectionStateConnected
		noteGroup := self.noteGroup
		userGroup := self.userGroup
		self.mutex.Unlock()
		self.notifyState(ConnectionStateConnected)
		self.log("connected")

		// join the desired groups now that the connection is Connected
		if noteGroup != "" {
			self.Invoke(MethodJoinNoteGroup, noteGroup)
		}
		if userGroup != "" {
			self.Invoke(MethodJoinUserGroup, userGroup)
		}

		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		self.pump(ws, send)

		self.mutex.Lock()
		self.send = nil
		self.mutex.Unlock()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *RealtimeClient) pump(ws *websocket.Conn, send chan []byte) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[rtc]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[rtc]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	// single receive pump. handlers run here, serialized, in receipt
	// order.
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[rtc]<- error = %s\n", err)
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[rtc]ping<-\n")
				continue
			}
			var frame EventFrame
			if err := json.Unmarshal(message, &frame); err != nil {
				glog.Infof("[rtc]<- bad frame = %s\n", err)
				continue
			}
			self.dispatch(&frame)
		}
	}
}

func (self *RealtimeClient) dispatch(frame *EventFrame) {
	self.handlersMutex.Lock()
	list := self.handlers[frame.Target]
	self.handlersMutex.Unlock()
	if list == nil {
		return
	}
	for _, handler := range list.Get() {
		handler(frame.Payload)
	}
}

// On registers a handler for a named event and returns a remove
// function. Handlers never run concurrently with each other.
func (self *RealtimeClient) On(target string, handler EventFunction) func() {
	self.handlersMutex.Lock()
	list, ok := self.handlers[target]
	if !ok {
		list = NewCallbackList[EventFunction]()
		self.handlers[target] = list
	}
	self.handlersMutex.Unlock()
	return list.Add(handler)
}

func (self *RealtimeClient) OnStateChange(callback ConnectionStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

// Invoke sends a method call to the hub. If the connection is not
// Connected the call is silently dropped (logged, not an error), per
// the broadcast failure semantics: callers tolerate silent drops.
func (self *RealtimeClient) Invoke(method string, args ...any) error {
	message, err := EncodeInvokeFrame(method, args...)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	send := self.send
	connected := self.state == ConnectionStateConnected
	self.mutex.Unlock()

	if !connected || send == nil {
		glog.V(1).Infof("[rtc]drop %s, not connected\n", method)
		return nil
	}
	select {
	case send <- message:
	default:
		glog.Infof("[rtc]drop %s, backpressure\n", method)
	}
	return nil
}

func (self *RealtimeClient) JoinNoteGroup(noteId string) {
	self.mutex.Lock()
	self.noteGroup = noteId
	connected := self.state == ConnectionStateConnected
	self.mutex.Unlock()
	if connected {
		self.Invoke(MethodJoinNoteGroup, noteId)
	}
	// else deferred until connected
}

func (self *RealtimeClient) LeaveNoteGroup(noteId string) {
	self.mutex.Lock()
	if self.noteGroup == noteId {
		self.noteGroup = ""
	}
	self.mutex.Unlock()
	self.Invoke(MethodLeaveNoteGroup, noteId)
}

func (self *RealtimeClient) JoinUserGroup(userId string) {
	self.mutex.Lock()
	self.userGroup = userId
	connected := self.state == ConnectionStateConnected
	self.mutex.Unlock()
	if connected {
		self.Invoke(MethodJoinUserGroup, userId)
	}
}

func (self *RealtimeClient) LeaveUserGroup(userId string) {
	self.mutex.Lock()
	if self.userGroup == userId {
		self.userGroup = ""
	}
	self.mutex.Unlock()
	self.Invoke(MethodLeaveUserGroup, userId)
}

func (self *RealtimeClient) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *RealtimeClient) setState(state ConnectionState) {
	self.mutex.Lock()
	if self.state == state {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.mutex.Unlock()
	self.notifyState(state)
}

func (self *RealtimeClient) notifyState(state ConnectionState) {
	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

// Close leaves any joined groups best-effort, then stops the
// connection. A failed leave is logged, never escalated; stop always
// proceeds to avoid leaking an open connection.
func (self *RealtimeClient) Close() {
	self.mutex.Lock()
	noteGroup := self.noteGroup
	userGroup := self.userGroup
	self.mutex.Unlock()

	if noteGroup != "" {
		if err := self.Invoke(MethodLeaveNoteGroup, noteGroup); err != nil {
			glog.Infof("[rtc]leave note group error = %s\n", err)
		}
	}
	if userGroup != "" {
		if err := self.Invoke(MethodLeaveUserGroup, userGroup); err != nil {
			glog.Infof("[rtc]leave user group error = %s\n", err)
		}
	}
	self.cancel()
}
