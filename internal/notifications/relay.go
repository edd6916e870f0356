package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"agora/internal/docstore"
	"agora/internal/livesync"
	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/session"
)

const pushTokenField = "notificationPushToken"

// Message is the user-visible content of a notification.
type Message struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Event is the realtime payload published to a user's channel.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Relay stores notifications under users/{id}/notifications and delivers
// them in realtime and by push. Only the stored document is authoritative;
// realtime and push delivery are best-effort.
type Relay struct {
	store    docstore.Store
	notifier *Notifier
	push     PushSender
	log      *observability.SyncLogger

	bg sync.WaitGroup
}

// NewRelay wires the relay. notifier and push may be nil.
func NewRelay(store docstore.Store, notifier *Notifier, push PushSender) *Relay {
	if notifier == nil {
		notifier = NewNotifier(nil)
	}
	return &Relay{
		store:    store,
		notifier: notifier,
		push:     push,
		log:      observability.NewSyncLogger("notifications"),
	}
}

// NotificationsPath is the notifications collection of userID.
func NotificationsPath(userID string) string {
	return docstore.Join(models.UsersCollection, userID, models.NotificationsCollection)
}

// CreateNotification stores a notification for recipientID and returns its id.
// Push delivery runs in the background and never fails the call.
func (r *Relay) CreateNotification(ctx context.Context, recipientID string, msg Message) (string, error) {
	if strings.TrimSpace(recipientID) == "" {
		return "", models.NewMissingFieldError("recipient")
	}
	if strings.TrimSpace(msg.Title) == "" {
		return "", models.NewMissingFieldError("title")
	}

	id, err := r.store.Add(ctx, NotificationsPath(recipientID), map[string]any{
		"userId":    recipientID,
		"title":     msg.Title,
		"body":      msg.Body,
		"read":      false,
		"createdAt": docstore.ServerTimestamp,
	})
	if err != nil {
		return "", models.NewRemoteWriteError("create the notification", err)
	}

	r.publish(ctx, recipientID, Event{Type: "notification", Payload: map[string]any{
		"id":    id,
		"title": msg.Title,
		"body":  msg.Body,
		"data":  msg.Data,
	}})

	if r.push != nil {
		pushCtx := context.WithoutCancel(ctx)
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			r.deliverPush(pushCtx, recipientID, msg)
		}()
	}
	return id, nil
}

func (r *Relay) publish(ctx context.Context, userID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.LogError(ctx, err, "marshal_event", slog.String("user_id", userID))
		return
	}
	if err := r.notifier.PublishUser(ctx, userID, string(payload)); err != nil {
		r.log.LogError(ctx, err, "publish_event", slog.String("user_id", userID))
	}
}

func (r *Relay) deliverPush(ctx context.Context, userID string, msg Message) {
	token, err := r.token(ctx, userID)
	if err != nil {
		observability.PushDeliveries.WithLabelValues("failed").Inc()
		r.log.LogError(ctx, err, "push_token_lookup", slog.String("user_id", userID))
		return
	}
	if token == "" {
		observability.PushDeliveries.WithLabelValues("skipped").Inc()
		return
	}

	err = r.push.Send(ctx, PushMessage{
		To:    token,
		Sound: "default",
		Title: msg.Title,
		Body:  msg.Body,
		Data:  msg.Data,
	})
	if err != nil {
		observability.PushDeliveries.WithLabelValues("failed").Inc()
		r.log.LogError(ctx, err, "push_send", slog.String("user_id", userID))
		return
	}
	observability.PushDeliveries.WithLabelValues("sent").Inc()
}

func (r *Relay) token(ctx context.Context, userID string) (string, error) {
	doc, err := r.store.Get(ctx, docstore.Join(models.UsersCollection, userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	token, _ := doc.Data[pushTokenField].(string)
	return token, nil
}

// maxPreview bounds the comment text quoted in a notification body.
const maxPreview = 120

// NotifyParentAuthor tells the owner of a post or event that someone else
// commented on it. It has the signature of livesync.CommentAddedFunc.
func (r *Relay) NotifyParentAuthor(ctx context.Context, parentCollection, parentID string, c models.Comment) {
	doc, err := r.store.Get(ctx, docstore.Join(parentCollection, parentID))
	if err != nil {
		r.log.LogError(ctx, err, "load_comment_parent", slog.String("parent_id", parentID))
		return
	}
	owner, _ := doc.Data["userId"].(string)
	if owner == "" || owner == c.AuthorID {
		return
	}

	preview := []rune(c.Text)
	if len(preview) > maxPreview {
		preview = append(preview[:maxPreview], '…')
	}
	_, err = r.CreateNotification(ctx, owner, Message{
		Title: "New comment",
		Body:  c.AuthorName + ": " + string(preview),
		Data: map[string]any{
			"type":       "comment",
			"collection": parentCollection,
			"entityId":   parentID,
			"commentId":  c.ID,
		},
	})
	if err != nil {
		r.log.LogError(ctx, err, "notify_parent_author", slog.String("user_id", owner))
	}
}

// RegisterToken stores the push token on the user's profile.
func (r *Relay) RegisterToken(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.NewMissingFieldError("token")
	}
	err := r.store.Update(ctx, docstore.Join(models.UsersCollection, userID),
		docstore.Update{Path: pushTokenField, Value: token})
	if errors.Is(err, docstore.ErrNotFound) {
		return models.NewNotFoundError("user", userID)
	}
	if err != nil {
		return models.NewRemoteWriteError("register the push token", err)
	}
	return nil
}

// EnsureToken registers local when it differs from lastKnown. It reports
// whether a registration was written.
func (r *Relay) EnsureToken(ctx context.Context, userID, local, lastKnown string) (bool, error) {
	if local == "" || local == lastKnown {
		return false, nil
	}
	if err := r.RegisterToken(ctx, userID, local); err != nil {
		return false, err
	}
	return true, nil
}

// MarkRead flags one of userID's notifications as read.
func (r *Relay) MarkRead(ctx context.Context, userID, id string) error {
	err := r.store.Update(ctx, docstore.Join(NotificationsPath(userID), id),
		docstore.Update{Path: "read", Value: true})
	if errors.Is(err, docstore.ErrNotFound) {
		return models.NewNotFoundError("notification", id)
	}
	if err != nil {
		return models.NewRemoteWriteError("mark the notification read", err)
	}
	return nil
}

// Feed returns the live notifications of userID, newest first once subscribed
// with docstore.Desc.
func (r *Relay) Feed(userID string, sessions session.Source, opts ...livesync.Option) *livesync.Collection[models.Notification] {
	return livesync.NewCollection[models.Notification](r.store, sessions, livesync.CollectionConfig{
		Path: NotificationsPath(userID),
		Noun: "notification",
	}, opts...)
}

// Wait blocks until background push deliveries have finished.
func (r *Relay) Wait() {
	r.bg.Wait()
}
