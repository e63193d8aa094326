// Package queueconfig provides queue consumer configuration entities
package queueconfig

import "time"

// BrokerType identifies which broker adapter a queue config targets
type BrokerType string

const (
	BrokerTypeSQS      BrokerType = "SQS"
	BrokerTypeNATS     BrokerType = "NATS"
	BrokerTypeEmbedded BrokerType = "EMBEDDED_NATS"
)

// QueueConfigStatus represents whether a queue config is active
type QueueConfigStatus string

const (
	QueueConfigStatusActive   QueueConfigStatus = "ACTIVE"
	QueueConfigStatusDisabled QueueConfigStatus = "DISABLED"
)

// QueueConfig represents a broker queue this router should consume from.
// Collection: queue_configs
type QueueConfig struct {
	ID              string            `bson:"_id" json:"id"`
	QueueIdentifier string            `bson:"queueIdentifier" json:"queueIdentifier"`
	BrokerType      BrokerType        `bson:"brokerType" json:"brokerType"`
	Connections     int               `bson:"connections,omitempty" json:"connections,omitempty"`
	Status          QueueConfigStatus `bson:"status" json:"status"`
	CreatedAt       time.Time         `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time         `bson:"updatedAt" json:"updatedAt"`
}

// IsActive returns true if this queue config should have a running consumer
func (q *QueueConfig) IsActive() bool {
	return q.Status == QueueConfigStatusActive
}

// GetConnectionsOrDefault returns connections or a default value
func (q *QueueConfig) GetConnectionsOrDefault(defaultVal int) int {
	if q.Connections <= 0 {
		return defaultVal
	}
	return q.Connections
}
