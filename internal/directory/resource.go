package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/landlink/landlink/internal/idgen"
	"github.com/landlink/landlink/internal/logging"
	"github.com/landlink/landlink/internal/pagination"
)

// Resource is the service for one record kind.
type Resource[T any, P Record[T]] struct {
	kind  *Kind[T]
	store Store[T, P]
	now   func() time.Time
}

// NewResource creates a service for kind backed by store.
func NewResource[T any, P Record[T]](kind *Kind[T], store Store[T, P]) *Resource[T, P] {
	return &Resource[T, P]{
		kind:  kind,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Kind returns the record kind served.
func (r *Resource[T, P]) Kind() *Kind[T] {
	return r.kind
}

func (r *Resource[T, P]) present(rec P) P {
	if r.kind.Present != nil {
		r.kind.Present((*T)(rec))
	}
	return rec
}

// Create validates rec, assigns its id and timestamps, and stores it.
func (r *Resource[T, P]) Create(ctx context.Context, rec P) (P, error) {
	b := rec.base()
	if r.kind.Prefix != "" {
		b.ID = idgen.WithPrefix(r.kind.Prefix)
	}
	if err := rec.Prepare(); err != nil {
		return nil, err
	}
	now := r.now()
	b.CreatedAt, b.UpdatedAt = now, now

	if err := r.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create %s: %w", r.kind.Name, err)
	}
	logging.L(ctx).Info("record created", "kind", r.kind.Name, "id", b.ID)
	return r.present(rec), nil
}

// Get returns a record by id.
func (r *Resource[T, P]) Get(ctx context.Context, id string) (P, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.present(rec), nil
}

// Lookup returns a record by id without presentation changes. It is meant
// for internal callers that need the stored values.
func (r *Resource[T, P]) Lookup(ctx context.Context, id string) (P, error) {
	return r.store.Get(ctx, id)
}

// List returns a page of records.
func (r *Resource[T, P]) List(ctx context.Context, f ListFilter) (pagination.Page[P], error) {
	limit := pagination.Clamp(f.Limit)
	f.Limit = limit + 1
	items, err := r.store.List(ctx, f)
	if err != nil {
		return pagination.Page[P]{}, err
	}
	for _, rec := range items {
		r.present(rec)
	}
	return pagination.Build(items, limit, func(rec P) string { return rec.base().ID }), nil
}

// Update replaces the record with id by rec. The id and creation time are
// kept from the stored record.
func (r *Resource[T, P]) Update(ctx context.Context, id string, rec P) (P, error) {
	current, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b := rec.base()
	b.ID = id
	if r.kind.Merge != nil {
		r.kind.Merge((*T)(current), (*T)(rec))
	}
	if err := rec.Prepare(); err != nil {
		return nil, err
	}
	b.CreatedAt = current.base().CreatedAt
	b.UpdatedAt = r.now()

	if err := r.store.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update %s: %w", r.kind.Name, err)
	}
	logging.L(ctx).Info("record updated", "kind", r.kind.Name, "id", id)
	return r.present(rec), nil
}
