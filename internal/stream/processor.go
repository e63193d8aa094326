// Package stream provides MongoDB change stream processing
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"go.flowcatalyst.tech/internal/common/health"
)

// ProcessorConfig holds configuration for the stream processor
type ProcessorConfig struct {
	// Database is the MongoDB database name
	Database string

	// EventsEnabled enables the events projection stream
	EventsEnabled bool

	// DispatchJobsEnabled enables the dispatch jobs projection stream
	DispatchJobsEnabled bool

	// BatchMaxSize is the maximum batch size before flushing
	BatchMaxSize int

	// BatchMaxWait is the maximum time to wait before flushing a batch
	BatchMaxWait time.Duration

	// MaxConcurrentBatches bounds how many batches each watcher dispatches
	// in parallel.
	MaxConcurrentBatches int
}

// DefaultProcessorConfig returns sensible defaults
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Database:             "flowcatalyst",
		EventsEnabled:        true,
		DispatchJobsEnabled:  true,
		BatchMaxSize:         100,
		BatchMaxWait:         5 * time.Second,
		MaxConcurrentBatches: 4,
	}
}

// streamDef pairs a stream's configuration with the projection mapper that
// drives it, so Start and EnsureIndexes can share the same stream list
// without requiring watchers to already exist.
type streamDef struct {
	config *StreamConfig
	mapper ProjectionMapper
}

func (p *Processor) streamDefs() []streamDef {
	defs := make([]streamDef, 0, 2)

	if p.config.EventsEnabled {
		defs = append(defs, streamDef{
			config: &StreamConfig{
				Name:                 "events",
				SourceCollection:     "events",
				TargetCollection:     "events_read",
				WatchOperations:      []string{"insert", "update", "replace"},
				BatchMaxSize:         p.config.BatchMaxSize,
				BatchMaxWait:         p.config.BatchMaxWait,
				CheckpointKey:        "events_projection",
				MaxConcurrentBatches: p.config.MaxConcurrentBatches,
			},
			mapper: NewEventProjectionMapper(),
		})
	}

	if p.config.DispatchJobsEnabled {
		defs = append(defs, streamDef{
			config: &StreamConfig{
				Name:                 "dispatch_jobs",
				SourceCollection:     "dispatch_jobs",
				TargetCollection:     "dispatch_jobs_read",
				WatchOperations:      []string{"insert", "update", "replace"},
				BatchMaxSize:         p.config.BatchMaxSize,
				BatchMaxWait:         p.config.BatchMaxWait,
				CheckpointKey:        "dispatch_jobs_projection",
				MaxConcurrentBatches: p.config.MaxConcurrentBatches,
			},
			mapper: NewDispatchJobProjectionMapper(),
		})
	}

	return defs
}

// Processor manages multiple MongoDB change stream watchers
type Processor struct {
	client          *mongo.Client
	config          *ProcessorConfig
	checkpointStore CheckpointStore
	watchers        []*Watcher
	running         bool
	runningMu       sync.Mutex

	standbyChecker StandbyChecker
}

// WithStandbyChecker gates all managed watchers' change stream tailing to
// the elected primary.
func (p *Processor) WithStandbyChecker(checker StandbyChecker) *Processor {
	p.standbyChecker = checker
	return p
}

// NewProcessor creates a new stream processor
func NewProcessor(client *mongo.Client, config *ProcessorConfig) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}

	db := client.Database(config.Database)
	checkpointStore := NewMongoCheckpointStore(db)

	return &Processor{
		client:          client,
		config:          config,
		checkpointStore: checkpointStore,
		watchers:        make([]*Watcher, 0),
	}
}

// Start starts all configured stream watchers
func (p *Processor) Start() error {
	p.runningMu.Lock()
	if p.running {
		p.runningMu.Unlock()
		slog.Warn("Stream processor already running")
		return nil
	}
	p.running = true
	p.runningMu.Unlock()

	slog.Info("Starting stream processor")

	for _, def := range p.streamDefs() {
		watcher := NewWatcher(
			p.client,
			p.config.Database,
			def.config,
			p.checkpointStore,
			def.mapper,
		)
		if p.standbyChecker != nil {
			watcher.WithStandbyChecker(p.standbyChecker)
		}
		p.watchers = append(p.watchers, watcher)
		watcher.Start()

		slog.Info("Stream watcher started",
			"source", def.config.SourceCollection,
			"target", def.config.TargetCollection)
	}

	slog.Info("Stream processor started",
		"watcherCount", len(p.watchers))

	return nil
}

// Stop stops all stream watchers
func (p *Processor) Stop() {
	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		return
	}
	p.running = false
	p.runningMu.Unlock()

	slog.Info("Stopping stream processor")

	// Stop all watchers concurrently
	var wg sync.WaitGroup
	for _, w := range p.watchers {
		wg.Add(1)
		go func(watcher *Watcher) {
			defer wg.Done()
			watcher.Stop()
		}(w)
	}
	wg.Wait()

	p.watchers = make([]*Watcher, 0)

	slog.Info("Stream processor stopped")
}

// IsRunning returns true if the processor is running
func (p *Processor) IsRunning() bool {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	return p.running
}

// GetWatcherStatus returns status information for all watchers
func (p *Processor) GetWatcherStatus() []WatcherStatus {
	statuses := make([]WatcherStatus, 0, len(p.watchers))
	for _, w := range p.watchers {
		statuses = append(statuses, WatcherStatus{
			Name:    w.name,
			Running: w.IsRunning(),
		})
	}
	return statuses
}

// WatcherStatus holds status information for a watcher
type WatcherStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// StreamMetrics holds detailed metrics for a stream watcher
type StreamMetrics struct {
	WatcherName      string `json:"watcherName"`
	Running          bool   `json:"running"`
	HasFatalError    bool   `json:"hasFatalError"`
	FatalError       string `json:"fatalError,omitempty"`
	BatchesProcessed int64  `json:"batchesProcessed"`
	CheckpointedSeq  int64  `json:"checkpointedSeq"`
	InFlightCount    int32  `json:"inFlightCount"`
	AvailableSlots   int32  `json:"availableSlots"`
}

// HealthCheck returns a health check function for the stream processor
func (p *Processor) HealthCheck() health.CheckFunc {
	return health.StreamProcessorCheckDetailed(
		p.IsRunning,
		func() interface{} {
			// Convert to interface slice to avoid type issues
			metrics := p.GetStreamMetrics()
			result := make([]health.StreamMetricsData, len(metrics))
			for i, m := range metrics {
				result[i] = health.StreamMetricsData{
					WatcherName:      m.WatcherName,
					Running:          m.Running,
					HasFatalError:    m.HasFatalError,
					FatalError:       m.FatalError,
					BatchesProcessed: m.BatchesProcessed,
					CheckpointedSeq:  m.CheckpointedSeq,
					InFlightCount:    m.InFlightCount,
					AvailableSlots:   m.AvailableSlots,
				}
			}
			return result
		},
	)
}

// GetWatcherStatusMap returns a map of watcher names to running status
func (p *Processor) GetWatcherStatusMap() map[string]bool {
	statuses := make(map[string]bool)
	for _, w := range p.watchers {
		statuses[w.name] = w.IsRunning()
	}
	return statuses
}

// GetStreamMetrics returns detailed metrics for all stream watchers
func (p *Processor) GetStreamMetrics() []StreamMetrics {
	result := make([]StreamMetrics, 0, len(p.watchers))
	for _, w := range p.watchers {
		m := StreamMetrics{
			WatcherName:      w.name,
			Running:          w.IsRunning(),
			HasFatalError:    w.HasFatalError(),
			BatchesProcessed: w.GetCurrentBatchSequence(),
			CheckpointedSeq:  w.GetLastCheckpointedSequence(),
			InFlightCount:    w.GetInFlightBatchCount(),
			AvailableSlots:   w.GetAvailableConcurrencySlots(),
		}
		if w.HasFatalError() {
			m.FatalError = w.GetFatalError().Error()
		}
		result = append(result, m)
	}
	return result
}

// EnsureIndexes creates the indexes each registered projection mapper needs
// on its target collection. Index sets live on the mapper
// (ProjectionMapper.indexDefinitions), so adding a new projection doesn't
// require touching this method.
func (p *Processor) EnsureIndexes(ctx context.Context) error {
	db := p.client.Database(p.config.Database)

	for _, def := range p.streamDefs() {
		indexes := def.mapper.indexDefinitions()
		if len(indexes) == 0 {
			continue
		}

		coll := db.Collection(def.config.TargetCollection)
		if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
			slog.Error("Failed to create projection indexes", "error", err, "collection", def.config.TargetCollection)
			return err
		}
		slog.Info("Created projection indexes", "collection", def.config.TargetCollection, "count", len(indexes))
	}

	slog.Info("All projection indexes created successfully")
	return nil
}
