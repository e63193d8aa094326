// Package stream provides MongoDB change stream processing
package stream

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EventProjectionMapper maps event documents to event read projections
type EventProjectionMapper struct{}

// NewEventProjectionMapper creates a new event projection mapper
func NewEventProjectionMapper() *EventProjectionMapper {
	return &EventProjectionMapper{}
}

// Map maps an event document to a read projection
// Parses type into denormalized filter fields for cascading compound indexes
func (m *EventProjectionMapper) Map(doc bson.M) bson.M {
	if doc == nil {
		return nil
	}

	projection := bson.M{}

	// Use eventId as _id for automatic unique index and idempotency
	if id, ok := doc["_id"]; ok {
		projection["_id"] = id
		projection["eventId"] = id
	}

	// CloudEvents core fields
	copyField(doc, projection, "specVersion")
	copyField(doc, projection, "source")
	copyField(doc, projection, "subject")
	copyField(doc, projection, "time")
	copyField(doc, projection, "data")

	// Copy type and parse into denormalized filter fields: {app}:{subdomain}:{aggregate}:{event}
	// This enables cascading compound index queries (app only, app+subdomain, etc.)
	if eventType, ok := doc["type"].(string); ok {
		projection["type"] = eventType

		segments := strings.SplitN(eventType, ":", 4)
		if len(segments) > 0 {
			projection["application"] = segments[0]
		}
		if len(segments) > 1 {
			projection["subdomain"] = segments[1]
		}
		if len(segments) > 2 {
			projection["aggregate"] = segments[2]
		}
	}

	// Tracing and correlation
	copyField(doc, projection, "messageGroup")
	copyField(doc, projection, "correlationId")
	copyField(doc, projection, "causationId")
	copyField(doc, projection, "deduplicationId")

	// Context data for filtering
	copyField(doc, projection, "contextData")

	// Denormalize client context for efficient querying
	if contextData, ok := doc["contextData"].(bson.M); ok {
		if clientId, ok := contextData["clientId"]; ok {
			projection["clientId"] = clientId
		}
		if applicationCode, ok := contextData["applicationCode"]; ok {
			projection["applicationCode"] = applicationCode
		}
	}

	// Copy audit timestamps
	copyField(doc, projection, "createdAt")
	copyField(doc, projection, "updatedAt")

	// Add projection timestamp
	projection["projectedAt"] = primitive.NewDateTimeFromTime(time.Now())

	return projection
}

// indexDefinitions returns the indexes events_read needs to support
// cascading application/subdomain/aggregate/type filters plus tracing lookups.
func (m *EventProjectionMapper) indexDefinitions() []mongo.IndexModel {
	return []mongo.IndexModel{
		// Global cascading filter - covers all non-client-scoped filter combos
		{
			Keys: bson.D{
				{Key: "application", Value: 1},
				{Key: "subdomain", Value: 1},
				{Key: "aggregate", Value: 1},
				{Key: "type", Value: 1},
				{Key: "time", Value: -1},
			},
		},

		// Global subject + time - for aggregate history across all
		{
			Keys: bson.D{
				{Key: "subject", Value: 1},
				{Key: "time", Value: -1},
			},
		},

		// Client-scoped cascading filter - covers all client-scoped filter combos
		{
			Keys: bson.D{
				{Key: "clientId", Value: 1},
				{Key: "application", Value: 1},
				{Key: "subdomain", Value: 1},
				{Key: "aggregate", Value: 1},
				{Key: "type", Value: 1},
				{Key: "time", Value: -1},
			},
		},

		// Client + subject + time - aggregate history within client
		{
			Keys: bson.D{
				{Key: "clientId", Value: 1},
				{Key: "subject", Value: 1},
				{Key: "time", Value: -1},
			},
		},

		// Correlation ID - for distributed tracing (sparse - truly optional)
		{
			Keys:    bson.D{{Key: "correlationId", Value: 1}},
			Options: options.Index().SetSparse(true),
		},

		// Client + message group - for ordered processing within client context
		{
			Keys: bson.D{
				{Key: "clientId", Value: 1},
				{Key: "messageGroup", Value: 1},
			},
			Options: options.Index().SetSparse(true),
		},

		// Context data key/value lookup - multikey index for querying by contextData entries
		{
			Keys: bson.D{
				{Key: "contextData.key", Value: 1},
				{Key: "contextData.value", Value: 1},
			},
			Options: options.Index().SetSparse(true),
		},

		// Projection lag monitoring
		{Keys: bson.D{{Key: "projectedAt", Value: -1}}},
	}
}

// DispatchJobProjectionMapper maps dispatch job documents to read projections
type DispatchJobProjectionMapper struct{}

// NewDispatchJobProjectionMapper creates a new dispatch job projection mapper
func NewDispatchJobProjectionMapper() *DispatchJobProjectionMapper {
	return &DispatchJobProjectionMapper{}
}

// Map maps a dispatch job document to a read projection
func (m *DispatchJobProjectionMapper) Map(doc bson.M) bson.M {
	if doc == nil {
		return nil
	}

	projection := bson.M{}

	// Copy ID
	if id, ok := doc["_id"]; ok {
		projection["_id"] = id
	}

	// Copy basic fields
	copyField(doc, projection, "eventId")
	copyField(doc, projection, "eventType")
	copyField(doc, projection, "subscriptionId")
	copyField(doc, projection, "dispatchPoolId")
	copyField(doc, projection, "status")
	copyField(doc, projection, "targetUrl")
	copyField(doc, projection, "payload")
	copyField(doc, projection, "contentType")
	copyField(doc, projection, "messageGroup")

	// Copy scheduling fields
	copyField(doc, projection, "scheduledFor")
	copyField(doc, projection, "startedAt")
	copyField(doc, projection, "completedAt")

	// Copy retry configuration
	copyField(doc, projection, "maxRetries")
	copyField(doc, projection, "attemptCount")
	copyField(doc, projection, "timeoutSeconds")

	// Copy metadata
	if metadata, ok := doc["metadata"].(bson.M); ok {
		projMetadata := bson.M{}
		copyField(metadata, projMetadata, "clientId")
		copyField(metadata, projMetadata, "applicationCode")
		copyField(metadata, projMetadata, "correlationId")
		copyField(metadata, projMetadata, "traceId")
		projection["metadata"] = projMetadata

		// Denormalize for efficient querying
		if clientId, ok := metadata["clientId"]; ok {
			projection["clientId"] = clientId
		}
		if applicationCode, ok := metadata["applicationCode"]; ok {
			projection["applicationCode"] = applicationCode
		}
	}

	// Copy attempts array for detailed history
	if attempts, ok := doc["attempts"].(primitive.A); ok {
		projAttempts := make([]bson.M, 0, len(attempts))
		for _, attempt := range attempts {
			if attemptDoc, ok := attempt.(bson.M); ok {
				projAttempt := bson.M{}
				copyField(attemptDoc, projAttempt, "attemptNumber")
				copyField(attemptDoc, projAttempt, "startedAt")
				copyField(attemptDoc, projAttempt, "completedAt")
				copyField(attemptDoc, projAttempt, "status")
				copyField(attemptDoc, projAttempt, "statusCode")
				copyField(attemptDoc, projAttempt, "errorMessage")
				copyField(attemptDoc, projAttempt, "durationMs")
				projAttempts = append(projAttempts, projAttempt)
			}
		}
		projection["attempts"] = projAttempts
	}

	// Copy last attempt summary
	copyField(doc, projection, "lastAttemptAt")
	copyField(doc, projection, "lastStatusCode")
	copyField(doc, projection, "lastErrorMessage")

	// Copy audit timestamps
	copyField(doc, projection, "createdAt")
	copyField(doc, projection, "updatedAt")

	// Add projection timestamp
	projection["projectedAt"] = primitive.NewDateTimeFromTime(time.Now())

	return projection
}

// indexDefinitions returns the indexes dispatch_jobs_read needs for
// status-based processing, pool/subscription monitoring and lookups.
func (m *DispatchJobProjectionMapper) indexDefinitions() []mongo.IndexModel {
	return []mongo.IndexModel{
		// Primary job lookup by status with time ordering
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "scheduledFor", Value: 1},
			},
		},

		// Pool + status for pool-level job management
		{
			Keys: bson.D{
				{Key: "dispatchPoolId", Value: 1},
				{Key: "status", Value: 1},
				{Key: "scheduledFor", Value: 1},
			},
		},

		// Subscription + status for subscription-level monitoring
		{
			Keys: bson.D{
				{Key: "subscriptionId", Value: 1},
				{Key: "status", Value: 1},
				{Key: "createdAt", Value: -1},
			},
		},

		// Client cascading filter
		{
			Keys: bson.D{
				{Key: "clientId", Value: 1},
				{Key: "status", Value: 1},
				{Key: "createdAt", Value: -1},
			},
		},

		// Client + application for app-level job views
		{
			Keys: bson.D{
				{Key: "clientId", Value: 1},
				{Key: "applicationCode", Value: 1},
				{Key: "status", Value: 1},
				{Key: "createdAt", Value: -1},
			},
		},

		// Event ID lookup (find all jobs for an event)
		{Keys: bson.D{{Key: "eventId", Value: 1}}},

		// Correlation ID for tracing (sparse)
		{
			Keys:    bson.D{{Key: "metadata.correlationId", Value: 1}},
			Options: options.Index().SetSparse(true),
		},

		// Message group for ordered processing (sparse)
		{
			Keys: bson.D{
				{Key: "clientId", Value: 1},
				{Key: "messageGroup", Value: 1},
			},
			Options: options.Index().SetSparse(true),
		},

		// Projection lag monitoring
		{Keys: bson.D{{Key: "projectedAt", Value: -1}}},
	}
}

// copyField copies a field from source to destination if it exists
func copyField(src, dst bson.M, field string) {
	if val, ok := src[field]; ok {
		dst[field] = val
	}
}
