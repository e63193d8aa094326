package dispatchpool

import "context"

// Repository defines the interface for dispatch pool config data access.
type Repository interface {
	FindAllEnabled(ctx context.Context) ([]*DispatchPool, error)
	Insert(ctx context.Context, pool *DispatchPool) error
	Update(ctx context.Context, pool *DispatchPool) error
	SetStatus(ctx context.Context, id string, status DispatchPoolStatus) error
	Delete(ctx context.Context, id string) error
}
