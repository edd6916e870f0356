package docstore

import (
	"context"
	"errors"

	"agora/internal/observability"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumented wraps a Store with tracing spans, latency histograms, error
// counters and debug write logs.
type Instrumented struct {
	next    Store
	backend string
	log     *observability.StoreLogger
}

// Instrument wraps next. backend labels metrics and spans.
func Instrument(next Store, backend string) *Instrumented {
	return &Instrumented{next: next, backend: backend, log: observability.NewStoreLogger(backend)}
}

// Unwrap returns the underlying store.
func (s *Instrumented) Unwrap() Store { return s.next }

func (s *Instrumented) start(ctx context.Context, op, path string) (context.Context, trace.Span, func()) {
	ctx, span := observability.TraceStoreOperation(ctx, s.backend, op, path)
	return ctx, span, observability.TrackStoreOperation(s.backend, op)
}

func (s *Instrumented) finish(ctx context.Context, span trace.Span, done func(), op, path string, err error) {
	done()
	defer span.End()
	if err == nil {
		return
	}
	if errors.Is(err, ErrNotFound) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	observability.StoreOperationErrors.WithLabelValues(s.backend, op).Inc()
	s.log.LogError(ctx, err, op, path)
}

func (s *Instrumented) Subscribe(ctx context.Context, q Query, onSnapshot func(Snapshot), onError func(error)) (Subscription, error) {
	sub, err := s.next.Subscribe(ctx, q, onSnapshot, func(err error) {
		observability.StoreOperationErrors.WithLabelValues(s.backend, "listen").Inc()
		s.log.LogError(ctx, err, "listen", q.Collection)
		if onError != nil {
			onError(err)
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Instrumented) Get(ctx context.Context, docPath string) (*Document, error) {
	ctx, span, done := s.start(ctx, "get", docPath)
	doc, err := s.next.Get(ctx, docPath)
	s.finish(ctx, span, done, "get", docPath, err)
	return doc, err
}

func (s *Instrumented) List(ctx context.Context, q Query) ([]*Document, error) {
	ctx, span, done := s.start(ctx, "list", q.Collection)
	docs, err := s.next.List(ctx, q)
	s.finish(ctx, span, done, "list", q.Collection, err)
	return docs, err
}

func (s *Instrumented) Add(ctx context.Context, collectionPath string, data map[string]any) (string, error) {
	ctx, span, done := s.start(ctx, "add", collectionPath)
	id, err := s.next.Add(ctx, collectionPath, data)
	s.finish(ctx, span, done, "add", collectionPath, err)
	if err == nil {
		s.log.LogWrite(ctx, "add", Join(collectionPath, id))
	}
	return id, err
}

func (s *Instrumented) Set(ctx context.Context, docPath string, data map[string]any) error {
	ctx, span, done := s.start(ctx, "set", docPath)
	err := s.next.Set(ctx, docPath, data)
	s.finish(ctx, span, done, "set", docPath, err)
	if err == nil {
		s.log.LogWrite(ctx, "set", docPath)
	}
	return err
}

func (s *Instrumented) Update(ctx context.Context, docPath string, updates ...Update) error {
	ctx, span, done := s.start(ctx, "update", docPath)
	err := s.next.Update(ctx, docPath, updates...)
	s.finish(ctx, span, done, "update", docPath, err)
	if err == nil {
		s.log.LogWrite(ctx, "update", docPath)
	}
	return err
}

func (s *Instrumented) Delete(ctx context.Context, docPath string) error {
	ctx, span, done := s.start(ctx, "delete", docPath)
	err := s.next.Delete(ctx, docPath)
	s.finish(ctx, span, done, "delete", docPath, err)
	if err == nil {
		s.log.LogWrite(ctx, "delete", docPath)
	}
	return err
}

func (s *Instrumented) Batch() Batch {
	return &instrumentedBatch{s: s, inner: s.next.Batch()}
}

type instrumentedBatch struct {
	s     *Instrumented
	inner Batch
	first string
}

func (b *instrumentedBatch) note(path string) {
	if b.first == "" {
		b.first = path
	}
}

func (b *instrumentedBatch) Set(docPath string, data map[string]any) Batch {
	b.note(docPath)
	b.inner.Set(docPath, data)
	return b
}

func (b *instrumentedBatch) Update(docPath string, updates ...Update) Batch {
	b.note(docPath)
	b.inner.Update(docPath, updates...)
	return b
}

func (b *instrumentedBatch) Delete(docPath string) Batch {
	b.note(docPath)
	b.inner.Delete(docPath)
	return b
}

func (b *instrumentedBatch) Commit(ctx context.Context) error {
	ctx, span, done := b.s.start(ctx, "commit", b.first)
	err := b.inner.Commit(ctx)
	b.s.finish(ctx, span, done, "commit", b.first, err)
	return err
}

func (s *Instrumented) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span, done := s.start(ctx, "transaction", "")
	err := s.next.RunTransaction(ctx, fn)
	s.finish(ctx, span, done, "transaction", "", err)
	return err
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}
