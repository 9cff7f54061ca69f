package notesync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

type HubSettings struct {
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		PingTimeout:    1 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		SendBufferSize: 32,
	}
}

// Hub is the process-wide group registry. It routes named events to
// all current members of a named group. There is no persistence and no
// delivery guarantee beyond connected members at send time. Two group
// naming schemes are used concurrently: note groups (raw note id) and
// user groups ("user_{userId}"). A connection may hold membership in
// one of each at a time.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *HubSettings
	upgrader websocket.Upgrader

	mutex  sync.Mutex
	conns  map[Id]*hubConn
	groups map[string]map[Id]*hubConn
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
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:  map[Id]*hubConn{},
		groups: map[string]map[Id]*hubConn{},
	}
}

// JoinGroup adds membership. Idempotent.
func (self *Hub) JoinGroup(connId Id, groupName string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	conn, ok := self.conns[connId]
	if !ok {
		// connection already closed
		return
	}
	members, ok := self.groups[groupName]
	if !ok {
		members = map[Id]*hubConn{}
		self.groups[groupName] = members
	}
	members[connId] = conn
}

// LeaveGroup removes membership. Idempotent, and a no-op for an
// already-closed connection or a group that does not exist.
func (self *Hub) LeaveGroup(connId Id, groupName string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	members, ok := self.groups[groupName]
	if !ok {
		return
	}
	delete(members, connId)
	if len(members) == 0 {
		delete(self.groups, groupName)
	}
}

// SendToGroup is fire-and-forget delivery to every current member.
// Sending to an empty or nonexistent group is not an error. A member
// with a full send buffer is skipped.
func (self *Hub) SendToGroup(groupName string, target string, payload any) {
	frame, err := EncodeEventFrame(target, payload)
	if err != nil {
		glog.Infof("[hub]encode %s error = %s\n", target, err)
		return
	}

	self.mutex.Lock()
	members := maps.Values(self.groups[groupName])
	self.mutex.Unlock()

	for _, conn := range members {
		select {
		case conn.send <- frame:
			glog.V(2).Infof("[hub]%s->%s\n", target, conn.connId)
		default:
			glog.Infof("[hub]drop %s->%s\n", target, conn.connId)
		}
	}
}

func (self *Hub) GroupSize(groupName string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.groups[groupName])
}

func (self *Hub) GroupNames() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.groups)
}

// ServeWs upgrades the request and pumps frames for one connection.
// The read loop runs in the handler goroutine.
func (self *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[hub]upgrade error = %s\n", err)
		return
	}

	conn := &hubConn{
		connId: NewId(),
		ws:     ws,
		send:   make(chan []byte, self.settings.SendBufferSize),
		done:   make(chan struct{}),
	}

	self.mutex.Lock()
	self.conns[conn.connId] = conn
	self.mutex.Unlock()

	glog.V(1).Infof("[hub]open %s\n", conn.connId)

	go self.writeLoop(conn)
	self.readLoop(conn)

	self.removeConn(conn)
	ws.Close()
	glog.V(1).Infof("[hub]close %s\n", conn.connId)
}

func (self *Hub) readLoop(conn *hubConn) {
	defer close(conn.done)

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := conn.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[hub]%s<- error = %s\n", conn.connId, err)
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[hub]ping %s<-\n", conn.connId)
				continue
			}
			var frame InvokeFrame
			if err := json.Unmarshal(message, &frame); err != nil {
				glog.Infof("[hub]%s<- bad frame = %s\n", conn.connId, err)
				continue
			}
			self.dispatch(conn, &frame)
		}
	}
}

func (self *Hub) writeLoop(conn *hubConn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-conn.done:
			return
		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.V(1).Infof("[hub]%s-> error = %s\n", conn.connId, err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *Hub) dispatch(conn *hubConn, frame *InvokeFrame) {
	decodeString := func(i int) (string, bool) {
		var s string
		if len(frame.Args) <= i || json.Unmarshal(frame.Args[i], &s) != nil {
			glog.Infof("[hub]%s bad args for %s\n", conn.connId, frame.Method)
			return "", false
		}
		return s, true
	}

	switch frame.Method {
	case MethodJoinNoteGroup:
		if noteId, ok := decodeString(0); ok {
			self.JoinGroup(conn.connId, NoteGroupName(noteId))
		}
	case MethodLeaveNoteGroup:
		if noteId, ok := decodeString(0); ok {
			self.LeaveGroup(conn.connId, NoteGroupName(noteId))
		}
	case MethodUpdateNoteContent:
		noteId, ok := decodeString(0)
		if !ok {
			return
		}
		var update NoteUpdate
		if len(frame.Args) < 2 || json.Unmarshal(frame.Args[1], &update) != nil {
			glog.Infof("[hub]%s bad note update\n", conn.connId)
			return
		}
		self.SendToGroup(NoteGroupName(noteId), EventReceiveNoteUpdate, &update)
	case MethodJoinUserGroup:
		if userId, ok := decodeString(0); ok {
			self.JoinGroup(conn.connId, UserGroupName(userId))
		}
	case MethodLeaveUserGroup:
		if userId, ok := decodeString(0); ok {
			self.LeaveGroup(conn.connId, UserGroupName(userId))
		}
	case MethodUpdateNoteOrder:
		var orders []NoteOrder
		if len(frame.Args) < 1 || json.Unmarshal(frame.Args[0], &orders) != nil {
			glog.Infof("[hub]%s bad order update\n", conn.connId)
			return
		}
		userId, ok := decodeString(1)
		if !ok {
			return
		}
		self.SendToGroup(UserGroupName(userId), EventReceiveOrderUpdate, &OrderUpdate{
			Orders: orders,
			UserId: userId,
		})
	default:
		glog.Infof("[hub]%s unknown method %s\n", conn.connId, frame.Method)
	}
}

func (self *Hub) removeConn(conn *hubConn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.conns, conn.connId)
	for groupName, members := range self.groups {
		delete(members, conn.connId)
		if len(members) == 0 {
			delete(self.groups, groupName)
		}
	}
}

func (self *Hub) Close() {
	self.cancel()
}

type hubConn struct {
	connId Id
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
}
