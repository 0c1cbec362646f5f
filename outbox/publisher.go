package outbox

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transport delivers one published event. A nil error is the broker's
// acknowledgment. Implementations live in the transport package.
type Transport interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

var (
	ErrStoreRequired     = errors.New("outbox: store is required")
	ErrTransportRequired = errors.New("outbox: transport is required")
	ErrPublisherRunning  = errors.New("outbox: publisher already running")
)

// Config controls publisher polling and retry behavior.
type Config struct {
	// PollInterval is the period between dispatch cycles.
	PollInterval time.Duration
	// BatchSize is the max number of pending records fetched per cycle.
	BatchSize int
	// Workers is the number of concurrent delivery workers. Records are
	// partitioned across workers by aggregate ID hash so no two workers ever
	// process the same aggregate concurrently.
	Workers int
	// MaxAttempts is the per-record delivery attempt budget before the
	// record is dead-lettered.
	MaxAttempts int
}

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 100
	defaultWorkers      = 4
	defaultMaxAttempts  = 10
)

// DefaultConfig returns the baseline publisher configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: defaultPollInterval,
		BatchSize:    defaultBatchSize,
		Workers:      defaultWorkers,
		MaxAttempts:  defaultMaxAttempts,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
}

// Result captures one dispatch cycle outcome.
type Result struct {
	Processed int
	Published int
	Failed    int
	Skipped   int
}

// Publisher polls the store for pending records and delivers them through
// the transport.
//
// Delivery is at-least-once: the transport publish happens before the local
// PUBLISHED status update, so a crash between the two causes a duplicate
// delivery on the next cycle. Downstream consumers must be idempotent.
type Publisher struct {
	store     Store
	transport Transport
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	stopOnce sync.Once
	cycleWg  sync.WaitGroup
}

// NewPublisher creates a publisher. A nil logger is replaced with a no-op
// logger.
func NewPublisher(store Store, transport Transport, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if transport == nil {
		return nil, ErrTransportRequired
	}

	cfg.normalize()

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Publisher{
		store:     store,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		stop:      make(chan struct{}),
	}, nil
}

// Run executes dispatch cycles on the poll interval until Stop is called or
// ctx is cancelled. One cycle runs immediately on start.
func (p *Publisher) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()

		return ErrPublisherRunning
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.logger.Info("outbox publisher started",
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("workers", p.cfg.Workers))
	defer p.logger.Info("outbox publisher stopped")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.runCycle(ctx)

	for {
		select {
		case <-p.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

func (p *Publisher) runCycle(ctx context.Context) {
	p.cycleWg.Add(1)
	defer p.cycleWg.Done()

	p.DispatchOnce(ctx)
}

// Stop signals the run loop to exit.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// Shutdown stops the publisher and waits for the in-flight cycle to finish.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.Stop()

	done := make(chan struct{})

	go func() {
		p.cycleWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOnce runs a single dispatch cycle: fetch a batch of pending
// records, partition it by aggregate across the workers, and deliver each
// partition sequentially. When a record fails, the remaining records of the
// same aggregate are skipped for this cycle so per-aggregate order is never
// violated; records of other aggregates proceed independently.
func (p *Publisher) DispatchOnce(ctx context.Context) Result {
	records, err := p.store.ListPending(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("failed to list pending outbox records", zap.Error(err))

		return Result{}
	}

	if len(records) == 0 {
		return Result{}
	}

	partitions := make([][]*Record, p.cfg.Workers)
	for _, record := range records {
		if record == nil {
			continue
		}

		idx := int(partitionOf(record.AggregateID, p.cfg.Workers))
		partitions[idx] = append(partitions[idx], record)
	}

	results := make([]Result, p.cfg.Workers)

	var wg sync.WaitGroup

	for i, partition := range partitions {
		if len(partition) == 0 {
			continue
		}

		wg.Add(1)

		go func(i int, partition []*Record) {
			defer wg.Done()

			results[i] = p.deliverPartition(ctx, partition)
		}(i, partition)
	}

	wg.Wait()

	var total Result
	for _, r := range results {
		total.Processed += r.Processed
		total.Published += r.Published
		total.Failed += r.Failed
		total.Skipped += r.Skipped
	}

	return total
}

func (p *Publisher) deliverPartition(ctx context.Context, partition []*Record) Result {
	var result Result

	// Aggregates that already failed this cycle; publishing their later
	// records would reorder delivery.
	blocked := make(map[string]struct{})

	for _, record := range partition {
		if ctx.Err() != nil {
			break
		}

		if _, skip := blocked[record.AggregateID]; skip {
			result.Skipped++

			continue
		}

		result.Processed++

		if err := p.transport.Publish(ctx, record.EventType, record.Payload); err != nil {
			result.Failed++

			blocked[record.AggregateID] = struct{}{}

			p.logger.Warn("outbox delivery failed",
				zap.String("record_id", record.ID.String()),
				zap.String("event_type", record.EventType),
				zap.Int("attempts", record.Attempts+1),
				zap.Error(err))

			if markErr := p.store.MarkFailed(ctx, record.ID, err.Error(), p.cfg.MaxAttempts); markErr != nil {
				p.logger.Error("failed to persist outbox failure",
					zap.String("record_id", record.ID.String()),
					zap.Error(markErr))
			}

			continue
		}

		result.Published++

		if err := p.store.MarkPublished(ctx, record.ID, time.Now().UTC()); err != nil {
			// The event reached the broker but the status update was lost;
			// the record will be re-delivered next cycle.
			p.logger.Error("outbox record published but status update failed",
				zap.String("record_id", record.ID.String()),
				zap.Error(err))
		}
	}

	return result
}

func partitionOf(aggregateID string, workers int) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))

	return h.Sum32() % uint32(workers)
}
