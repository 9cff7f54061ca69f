package notesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"
)

type NotesChangeFunction func(notes []*Note)

// DashboardSession mirrors one user's note list, sorted by ascending
// order value, and keeps it live through the user group's ordering
// broadcasts.
type DashboardSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	userId Id
	store  NoteRepository
	client Realtime
	log    LogFunction

	mutex sync.Mutex
	notes []*Note

	readyOnce sync.Once
	ready     chan struct{}

	changeCallbacks *CallbackList[NotesChangeFunction]

	removeOrderHandler func()
}

func NewDashboardSession(
	ctx context.Context,
	userId Id,
	store NoteRepository,
	client Realtime,
) *DashboardSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &DashboardSession{
		ctx:             cancelCtx,
		cancel:          cancel,
		userId:          userId,
		store:           store,
		client:          client,
		log:             LogFn(fmt.Sprintf("[dash]%s", userId)),
		ready:           make(chan struct{}),
		changeCallbacks: NewCallbackList[NotesChangeFunction](),
	}
	session.removeOrderHandler = client.On(EventReceiveOrderUpdate, session.handleOrderUpdate)
	client.JoinUserGroup(userId.String())
	go session.load()
	return session
}

func (self *DashboardSession) load() {
	notes, err := self.store.ListByUser(self.ctx, self.userId)

	if err != nil {
		glog.Infof("[dash]%s load error = %s\n", self.userId, err)
	} else {
		self.mutex.Lock()
		self.notes = notes
		self.sortLocked()
		self.mutex.Unlock()
		self.notifyChange()
	}
	self.log("ready")
	self.readyOnce.Do(func() {
		close(self.ready)
	})
}

func (self *DashboardSession) Ready() <-chan struct{} {
	return self.ready
}

func (self *DashboardSession) sortLocked() {
	sort.SliceStable(self.notes, func(i int, j int) bool {
		return self.notes[i].OrderValue < self.notes[j].OrderValue
	})
}

// Notes returns the current list in display order.
func (self *DashboardSession) Notes() []*Note {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]*Note, len(self.notes))
	copy(out, self.notes)
	return out
}

// FilterByTag matches case-insensitively against each note's tags.
func (self *DashboardSession) FilterByTag(tag string) []*Note {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := []*Note{}
	for _, note := range self.notes {
		if note.Snapshot().HasTag(tag) {
			out = append(out, note)
		}
	}
	return out
}

// Reorder assigns ascending order values following the given id order,
// persists them, and broadcasts the new ordering to the user group.
func (self *DashboardSession) Reorder(orderedIds []Id) error {
	orders := make([]NoteOrder, 0, len(orderedIds))
	for i, noteId := range orderedIds {
		orders = append(orders, NoteOrder{
			NoteId:     noteId.String(),
			OrderValue: float64(i + 1),
		})
	}

	if err := self.store.UpdateOrder(self.ctx, orders); err != nil {
		return err
	}

	self.applyOrders(orders)

	// best-effort: peers catch up on their next fetch if this drops
	if err := self.client.Invoke(MethodUpdateNoteOrder, orders, self.userId.String()); err != nil {
		glog.Infof("[dash]%s order broadcast error = %s\n", self.userId, err)
	}
	return nil
}

func (self *DashboardSession) handleOrderUpdate(payload json.RawMessage) {
	var update OrderUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		glog.Infof("[dash]%s bad order update = %s\n", self.userId, err)
		return
	}
	if update.UserId != self.userId.String() {
		return
	}
	self.applyOrders(update.Orders)
}

func (self *DashboardSession) applyOrders(orders []NoteOrder) {
	byId := map[string]float64{}
	for _, order := range orders {
		byId[order.NoteId] = order.OrderValue
	}

	self.mutex.Lock()
	for _, note := range self.notes {
		if orderValue, ok := byId[note.Id.String()]; ok {
			note.OrderValue = orderValue
		}
	}
	self.sortLocked()
	self.mutex.Unlock()

	self.notifyChange()
}

func (self *DashboardSession) notifyChange() {
	notes := self.Notes()
	for _, callback := range self.changeCallbacks.Get() {
		callback(notes)
	}
}

func (self *DashboardSession) OnChange(callback NotesChangeFunction) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *DashboardSession) Close() {
	if self.removeOrderHandler != nil {
		self.removeOrderHandler()
	}
	self.client.LeaveUserGroup(self.userId.String())
	self.log("closed")
	self.cancel()
}
