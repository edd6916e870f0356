package livesync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"agora/internal/docstore"
	"agora/internal/models"
	"agora/internal/observability"
)

// Reconciler recomputes membership counters from their source of truth:
// stats.likes from the likes sub-collection and stats.attendees from the
// embedded attendees array.
type Reconciler struct {
	store       docstore.Store
	collections []string
	log         *observability.SyncLogger
}

// NewReconciler sweeps the given collections (posts and events by default).
func NewReconciler(store docstore.Store, collections ...string) *Reconciler {
	if len(collections) == 0 {
		collections = []string{models.PostsCollection, models.EventsCollection}
	}
	return &Reconciler{
		store:       store,
		collections: collections,
		log:         observability.NewSyncLogger("reconciler"),
	}
}

// Run performs one sweep and returns how many documents were corrected.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	corrected := 0
	for _, coll := range r.collections {
		docs, err := r.store.List(ctx, docstore.Query{Collection: coll})
		if err != nil {
			return corrected, models.NewRemoteReadError("list "+coll, err)
		}
		for _, doc := range docs {
			if ctx.Err() != nil {
				return corrected, ctx.Err()
			}
			fixed, err := r.reconcile(ctx, coll, doc)
			if err != nil {
				r.log.LogError(ctx, err, "reconcile", slog.String("path", doc.Path))
				continue
			}
			if fixed {
				corrected++
			}
		}
	}
	return corrected, nil
}

// reconcile corrects one entity. The likes count comes from a list outside
// the transaction, so the correction is applied only while stats.likes still
// holds the value observed before that list; otherwise the next sweep retries.
// Attendees live on the entity itself and are recounted inside the transaction.
func (r *Reconciler) reconcile(ctx context.Context, coll string, doc *docstore.Document) (bool, error) {
	observed := statValue(doc.Data, models.StatLikes)
	likes, err := r.store.List(ctx, docstore.Query{Collection: docstore.Join(doc.Path, models.LikesCollection)})
	if err != nil {
		return false, err
	}
	wantLikes := int64(len(likes))

	_, hasAttendees := doc.Data["attendees"]
	if wantLikes == observed && (!hasAttendees || statValue(doc.Data, models.StatAttendees) == int64(len(attendeeList(doc.Data)))) {
		return false, nil
	}

	var fixed []string
	err = r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		fixed = fixed[:0]
		entity, err := tx.Get(doc.Path)
		if err != nil {
			return err
		}

		var updates []docstore.Update
		if current := statValue(entity.Data, models.StatLikes); current == observed && current != wantLikes {
			updates = append(updates, docstore.Update{Path: "stats." + models.StatLikes, Value: docstore.Increment(wantLikes - current)})
			fixed = append(fixed, models.StatLikes)
		}
		if _, ok := entity.Data["attendees"]; ok {
			if want := int64(len(attendeeList(entity.Data))); statValue(entity.Data, models.StatAttendees) != want {
				updates = append(updates, docstore.Update{Path: "stats." + models.StatAttendees, Value: want})
				fixed = append(fixed, models.StatAttendees)
			}
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Update(doc.Path, updates...)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(fixed) == 0 {
		r.log.LogWarn(ctx, "counter moved during sweep, retrying next run", slog.String("path", doc.Path))
		return false, nil
	}

	for _, stat := range fixed {
		observability.CounterCorrections.WithLabelValues(coll, stat).Inc()
	}
	r.log.LogWarn(ctx, "corrected drifted counters", slog.String("path", doc.Path), slog.Int("fields", len(fixed)))
	return true, nil
}

// Start runs a sweep every interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := r.Run(ctx); err != nil {
					r.log.LogError(ctx, err, "sweep")
				} else if n > 0 {
					r.log.LogWarn(ctx, "sweep corrected documents", slog.Int("documents", n))
				}
			}
		}
	}()
}
