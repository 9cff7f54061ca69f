package notesync

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

// Api serves the note REST surface. A successful note update is
// rebroadcast to the note's group as a durable-save event so that
// connected editors converge without polling.
type Api struct {
	store       NoteRepository
	hub         *Hub
	shareSecret []byte
}

func NewApi(store NoteRepository, hub *Hub, shareSecret []byte) *Api {
	return &Api{
		store:       store,
		hub:         hub,
		shareSecret: shareSecret,
	}
}

func (self *Api) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLog)
	router.HandleFunc("/api/notes/user/{userId}/tags", self.listTags).Methods("GET")
	router.HandleFunc("/api/notes/user/{userId}", self.listNotes).Methods("GET")
	router.HandleFunc("/api/notes/order", self.updateOrder).Methods("PUT")
	router.HandleFunc("/api/notes/{noteId}/share", self.shareNote).Methods("POST")
	router.HandleFunc("/api/notes/{noteId}", self.getNote).Methods("GET")
	router.HandleFunc("/api/notes/{noteId}", self.updateNote).Methods("PUT")
	router.HandleFunc("/api/notes/{noteId}", self.deleteNote).Methods("DELETE")
	router.HandleFunc("/api/notes", self.createNote).Methods("POST")
	router.HandleFunc("/notehub", self.hub.ServeWs)
	return router
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		glog.V(1).Infof("[api]%s %s\n", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func writeJson(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if value != nil {
		json.NewEncoder(w).Encode(value)
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNoteNotFound) {
		writeJson(w, http.StatusNotFound, map[string]string{"message": "note not found"})
		return
	}
	glog.Infof("[api]error = %s\n", err)
	writeJson(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
}

func pathId(r *http.Request, name string) (Id, bool) {
	id, err := ParseId(mux.Vars(r)[name])
	return id, err == nil
}

func (self *Api) getNote(w http.ResponseWriter, r *http.Request) {
	noteId, ok := pathId(r, "noteId")
	if !ok {
		writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad note id"})
		return
	}
	note, err := self.store.GetNote(r.Context(), noteId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, note)
}

func (self *Api) updateNote(w http.ResponseWriter, r *http.Request) {
	noteId, ok := pathId(r, "noteId")
	if !ok {
		writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad note id"})
		return
	}
	var snapshot NoteSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}
	if err := self.store.Update(r.Context(), noteId, snapshot); err != nil {
		writeError(w, err)
		return
	}

	// rebroadcast the durable write to editors of this note
	self.hub.SendToGroup(NoteGroupName(noteId.String()), EventReceiveNoteUpdate, &NoteUpdate{
		NoteId:      noteId.String(),
		Title:       snapshot.Title,
		Content:     snapshot.Content,
		Tags:        snapshot.Tags,
		IsKeystroke: false,
	})

	writeJson(w, http.StatusOK, &snapshot)
}

func (self *Api) createNote(w http.ResponseWriter, r *http.Request) {
	var note Note
	if err := json.NewDecoder(r.Body).Decode(&note); err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}
	if err := self.store.Create(r.Context(), &note); err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusCreated, &note)
}

func (self *Api) deleteNote(w http.ResponseWriter, r *http.Request) {
	noteId, ok := pathId(r, "noteId")
	if !ok {
		writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad note id"})
		return
	}
	if err := self.store.Delete(r.Context(), noteId); err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusNoContent, nil)
}

func (self *Api) listNotes(w http.ResponseWriter, r *http.Request) {
	userId, ok := pathId(r, "userId")
	if !ok {
		writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad user id"})
		return
	}
	notes, err := self.store.ListByUser(r.Context(), userId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, notes)
}

func (self *Api) listTags(w http.ResponseWriter, r *http.Request) {
	userId, ok := pathId(r, "userId")
	if !ok {
		writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad user id"})
		return
	}
	tags, err := self.store.ListTags(r.Context(), userId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, tags)
}

// shareNote mints a share link plus a signed token for the link's
// claims. The token is advisory (no transport-layer enforcement).
func (self *Api) shareNote(w http.ResponseWriter, r *http.Request) {
	noteId, ok := pathId(r, "noteId")
	if !ok {
		writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad note id"})
		return
	}
	if _, err := self.store.GetNote(r.Context(), noteId); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Access ShareMode `json:"access"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}
	mode := ShareModeView
	if body.Access == ShareModeEdit {
		mode = ShareModeEdit
	}
	token, err := SignShareToken(self.shareSecret, noteId, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]string{
		"link":  ShareLink("http://"+r.Host, noteId, mode),
		"token": token,
	})
}

func (self *Api) updateOrder(w http.ResponseWriter, r *http.Request) {
	var orders []NoteOrder
	if err := json.NewDecoder(r.Body).Decode(&orders); err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}
	if err := self.store.UpdateOrder(r.Context(), orders); err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]string{"message": "order updated"})
}
