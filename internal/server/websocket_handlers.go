package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"agora/internal/docstore"
	"agora/internal/livesync"
	"agora/internal/middleware"
	"agora/internal/models"
	"agora/internal/notifications"
	"agora/internal/observability"
	"agora/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Client message types of the sync channel.
const (
	msgSubscribeComments   = "subscribe_comments"
	msgUnsubscribeComments = "unsubscribe_comments"
	msgToggleLike          = "toggle_like"
	msgToggleAttendance    = "toggle_attendance"
)

// inbound is a message from the client.
type inbound struct {
	Type       string `json:"type"`
	PostID     string `json:"post_id,omitempty"`
	Collection string `json:"collection,omitempty"`
	ID         string `json:"id,omitempty"`
}

// snapshotMessage carries the full list of a live collection.
type snapshotMessage struct {
	Type       string `json:"type"`
	Collection string `json:"collection"`
	Items      any    `json:"items"`
	Loading    bool   `json:"loading"`
	Error      string `json:"error,omitempty"`
}

// commentsMessage carries the full comment thread of a post.
type commentsMessage struct {
	Type    string           `json:"type"`
	PostID  string           `json:"post_id"`
	Items   []models.Comment `json:"items"`
	Loading bool             `json:"loading"`
	Error   string           `json:"error,omitempty"`
}

// toggleMessage carries one like or attendance view.
type toggleMessage struct {
	Type       string              `json:"type"`
	Kind       string              `json:"kind"`
	Collection string              `json:"collection"`
	View       livesync.ToggleView `json:"view"`
	Error      string              `json:"error,omitempty"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// SyncWebSocketHandler serves the sync channel. Each connection restores the
// caller's session and streams the live posts, events and notifications
// collections, plus comment threads and toggle views on request.
func (s *Server) SyncWebSocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		middleware.ActiveWebSockets.Inc()
		defer middleware.ActiveWebSockets.Dec()

		sess, _ := conn.Locals(middleware.LocalSession).(*session.Session)
		if sess == nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":"unauthorized"}`))
			_ = conn.Close()
			return
		}

		client, err := s.hub.Register(sess.UserID, conn)
		if err != nil {
			observability.Logger.Warn("sync channel rejected",
				slog.String("user_id", sess.UserID),
				slog.String("error", err.Error()),
			)
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":"`+err.Error()+`"}`))
			_ = conn.Close()
			return
		}

		ctx, cancel := context.WithCancel(observability.WithUserID(s.shutdownCtx, sess.UserID))
		defer cancel()

		ch, err := s.openSyncChannel(ctx, client, sess.Token)
		if err != nil {
			s.hub.UnregisterClient(client)
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":"unauthorized"}`))
			_ = conn.Close()
			return
		}
		client.IncomingHandler = func(_ *notifications.Client, message []byte) {
			ch.handle(ctx, message)
		}

		go client.WritePump()
		client.ReadPump()

		ch.close()
		close(client.Send)
	})
}

// syncChannel is the per-connection state of the sync channel.
type syncChannel struct {
	client   *notifications.Client
	sessions *session.Manager
	log      *observability.WSLogger

	posts  *livesync.PostFeed
	events *livesync.EventFeed
	notes  *livesync.Collection[models.Notification]

	toggles map[string]*livesync.Toggle
	cancels []func()

	store    docstore.Store
	opts     []livesync.Option
	onAdded  livesync.CommentAddedFunc
	mu       sync.Mutex
	threads  map[string]*livesync.CommentThread
	threadCb map[string]func()
}

func (s *Server) openSyncChannel(ctx context.Context, client *notifications.Client, token string) (*syncChannel, error) {
	mgr := session.NewManager(s.identity, s.store)
	sess, err := mgr.Restore(ctx, token)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	ch := &syncChannel{
		client:   client,
		sessions: mgr,
		log:      observability.NewWSLogger(s.hub.Name()),
		posts:    livesync.NewPostFeed(s.store, mgr, s.syncOptions()...),
		events:   livesync.NewEventFeed(s.store, mgr, s.syncOptions()...),
		notes:    s.relay.Feed(sess.UserID, mgr, s.syncOptions()...),
		toggles:  make(map[string]*livesync.Toggle),
		store:    s.store,
		opts:     s.syncOptions(),
		onAdded:  s.relay.NotifyParentAuthor,
		threads:  make(map[string]*livesync.CommentThread),
		threadCb: make(map[string]func()),
	}

	for _, model := range []livesync.Membership{
		livesync.NewLikeMembership(s.store, models.PostsCollection),
		livesync.NewLikeMembership(s.store, models.EventsCollection),
		livesync.NewAttendanceMembership(s.store, models.EventsCollection),
	} {
		ch.toggles[toggleKey(model)] = livesync.NewToggle(model, mgr)
	}

	ch.cancels = append(ch.cancels,
		ch.posts.OnChange(func(st livesync.State[models.Post]) {
			sendSnapshot(ch, models.PostsCollection, st)
		}),
		ch.events.OnChange(func(st livesync.State[models.Event]) {
			sendSnapshot(ch, models.EventsCollection, st)
		}),
		ch.notes.OnChange(func(st livesync.State[models.Notification]) {
			sendSnapshot(ch, models.NotificationsCollection, st)
		}),
	)
	for key, t := range ch.toggles {
		kind, collection := splitToggleKey(key)
		ch.cancels = append(ch.cancels, t.OnChange(func(v livesync.ToggleView) {
			ch.sendToggle(kind, collection, v, v.Err)
		}))
	}

	// The session ending closes nothing by itself; the client is told and
	// mutations start failing with UNAUTHENTICATED.
	ch.cancels = append(ch.cancels, mgr.Subscribe(func(cur *session.Session) {
		if cur == nil {
			ch.send(errorMessage{Type: "session_ended", Error: "session expired"})
		}
	}))

	for _, sub := range []func() error{
		func() error { return ch.posts.Subscribe(ctx, "", docstore.Desc) },
		func() error { return ch.events.Subscribe(ctx, "", docstore.Desc) },
		func() error { return ch.notes.Subscribe(ctx, "", docstore.Desc) },
	} {
		if err := sub(); err != nil {
			ch.log.LogError(ctx, sess.UserID, err, "subscribe")
		}
	}
	return ch, nil
}

func toggleKey(model livesync.Membership) string {
	return model.Kind() + ":" + model.Collection()
}

func splitToggleKey(key string) (kind, collection string) {
	kind, collection, _ = strings.Cut(key, ":")
	return kind, collection
}

func (ch *syncChannel) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		ch.log.LogError(context.Background(), ch.client.UserID, err, "marshal")
		return
	}
	ch.client.TrySend(payload)
}

func (ch *syncChannel) sendError(err error) {
	ch.send(errorMessage{Type: "error", Error: err.Error()})
}

func sendSnapshot[T any](ch *syncChannel, collection string, st livesync.State[T]) {
	resp := stateResponse(st)
	ch.send(snapshotMessage{
		Type:       "snapshot",
		Collection: collection,
		Items:      resp.Items,
		Loading:    resp.Loading,
		Error:      resp.Error,
	})
}

func (ch *syncChannel) sendToggle(kind, collection string, v livesync.ToggleView, err error) {
	msg := toggleMessage{Type: "toggle", Kind: kind, Collection: collection, View: v}
	if err != nil {
		msg.Error = err.Error()
	}
	ch.send(msg)
}

func (ch *syncChannel) handle(ctx context.Context, message []byte) {
	var in inbound
	if err := json.Unmarshal(message, &in); err != nil {
		ch.sendError(models.NewValidationError("invalid message"))
		return
	}
	observability.WebSocketEventsTotal.WithLabelValues(in.Type).Inc()

	switch in.Type {
	case msgSubscribeComments:
		ch.subscribeComments(ctx, in.PostID)
	case msgUnsubscribeComments:
		ch.unsubscribeComments(in.PostID)
	case msgToggleLike:
		collection := in.Collection
		if collection == "" {
			collection = models.PostsCollection
		}
		ch.toggle(ctx, "like:"+collection, in.ID)
	case msgToggleAttendance:
		ch.toggle(ctx, "attendance:"+models.EventsCollection, in.ID)
	default:
		ch.sendError(models.NewValidationError("unknown message type " + in.Type))
	}
}

// toggle issues the flip; the optimistic and settled views reach the client
// through the toggle's change listener.
func (ch *syncChannel) toggle(ctx context.Context, key, id string) {
	t, ok := ch.toggles[key]
	if !ok {
		ch.sendError(models.NewValidationError("unsupported toggle " + key))
		return
	}
	if id == "" {
		ch.sendError(models.NewMissingFieldError("id"))
		return
	}
	if _, err := t.Toggle(ctx, id); err != nil {
		kind, collection := splitToggleKey(key)
		ch.sendToggle(kind, collection, livesync.ToggleView{EntityID: id}, err)
	}
}

func (ch *syncChannel) subscribeComments(ctx context.Context, postID string) {
	if postID == "" {
		ch.sendError(models.NewMissingFieldError("post_id"))
		return
	}

	ch.mu.Lock()
	if _, ok := ch.threads[postID]; ok {
		ch.mu.Unlock()
		return
	}
	thread := livesync.NewCommentThread(ch.store, ch.sessions, models.PostsCollection, postID, ch.opts...)
	thread.OnCommentAdded(ch.onAdded)
	ch.threads[postID] = thread
	ch.threadCb[postID] = thread.OnChange(func(st livesync.State[models.Comment]) {
		msg := commentsMessage{Type: "comments", PostID: postID, Items: st.Items, Loading: st.Loading}
		if msg.Items == nil {
			msg.Items = []models.Comment{}
		}
		if st.Err != nil {
			msg.Error = st.Err.Error()
		}
		ch.send(msg)
	})
	ch.mu.Unlock()

	if err := thread.Subscribe(ctx); err != nil {
		ch.sendError(err)
	}
}

func (ch *syncChannel) unsubscribeComments(postID string) {
	ch.mu.Lock()
	thread, ok := ch.threads[postID]
	cancel := ch.threadCb[postID]
	delete(ch.threads, postID)
	delete(ch.threadCb, postID)
	ch.mu.Unlock()

	if !ok {
		return
	}
	cancel()
	thread.Close()
}

// close unsubscribes everything the connection opened.
func (ch *syncChannel) close() {
	for _, cancel := range ch.cancels {
		cancel()
	}
	ch.posts.Close()
	ch.events.Close()
	ch.notes.Close()

	ch.mu.Lock()
	threads := ch.threads
	ch.threads = make(map[string]*livesync.CommentThread)
	ch.threadCb = make(map[string]func())
	ch.mu.Unlock()
	for _, thread := range threads {
		thread.Close()
	}

	for _, t := range ch.toggles {
		t.Close()
	}
	ch.sessions.Close()
}
