package catalog

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("product not found")
	ErrConflict = errors.New("product already exists")
)

// Store is the persistence boundary for products. Update and Delete report
// found=false when no record has the id.
type Store interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, p Product) error
	Get(ctx context.Context, id string) (Product, bool, error)
	List(ctx context.Context, f Filter) ([]Product, error)
	Update(ctx context.Context, p Product) (Product, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// lessProduct orders by creation time, then id.
func lessProduct(a, b Product) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// merge keeps the identity fields of cur and never lets updated_at go back.
func merge(cur, next Product) Product {
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	if next.UpdatedAt.Before(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt
	}
	return next
}
