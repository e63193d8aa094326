// Package dispatchpool is the pool-config source the router's config syncer
// reconciles against: a named processing pool's concurrency, queue capacity
// and rate limit, stored in MongoDB.
package dispatchpool

import "time"

// DispatchPoolStatus represents whether a pool config is active
type DispatchPoolStatus string

const (
	DispatchPoolStatusActive    DispatchPoolStatus = "ACTIVE"
	DispatchPoolStatusSuspended DispatchPoolStatus = "SUSPENDED"
)

// DispatchPool is a processing pool's reconcilable configuration.
// Collection: dispatch_pools
type DispatchPool struct {
	ID              string             `bson:"_id" json:"id"`
	Code            string             `bson:"code" json:"code"`
	Concurrency     int                `bson:"concurrency" json:"concurrency"`
	QueueCapacity   int                `bson:"queueCapacity" json:"queueCapacity"`
	RateLimitPerMin *int               `bson:"rateLimitPerMin,omitempty" json:"rateLimitPerMin,omitempty"`
	Status          DispatchPoolStatus `bson:"status" json:"status"`
	CreatedAt       time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// IsActive returns true if this pool config should have a running pool
func (p *DispatchPool) IsActive() bool {
	return p.Status == DispatchPoolStatusActive
}

// GetConcurrencyOrDefault returns concurrency or a default value
func (p *DispatchPool) GetConcurrencyOrDefault(defaultVal int) int {
	if p.Concurrency <= 0 {
		return defaultVal
	}
	return p.Concurrency
}

// GetQueueCapacityOrDefault returns queue capacity or a default value
func (p *DispatchPool) GetQueueCapacityOrDefault(defaultVal int) int {
	if p.QueueCapacity <= 0 {
		return defaultVal
	}
	return p.QueueCapacity
}
