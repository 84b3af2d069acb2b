// Package jobs runs long I/O work (column loads, view writes, bulk
// selections) on a bounded worker pool with SQLite persisted state.
package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mobie-tiles/server/internal/jobstore"
)

var (
	// ErrUnknownKind is returned when no executor handles a job kind.
	ErrUnknownKind = errors.New("unknown job kind")
	// ErrQueueFull is returned when the job queue has no free slot.
	ErrQueueFull = errors.New("job queue is full; try again later")
)

// Config contains configuration for the job manager.
type Config struct {
	MaxConcurrent int    // worker count (default 2)
	QueueSize     int    // pending job slots (default 100)
	SQLitePath    string // path to the job database
	Retention     time.Duration
	CleanupPeriod time.Duration
}

// Executor runs one job kind. The returned value is stored as the job
// result JSON. Jobs are not cancelled once started; ctx only ends on
// shutdown.
type Executor func(ctx context.Context, job *jobstore.Job, report func(jobstore.Progress)) (any, error)

// Manager queues and runs jobs.
type Manager struct {
	cfg       Config
	store     *jobstore.Store
	queue     chan string
	executors map[string]Executor

	mu       sync.RWMutex
	waiters  map[string][]chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManager opens the job store.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Hour
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		store:     store,
		queue:     make(chan string, cfg.QueueSize),
		executors: make(map[string]Executor),
		waiters:   make(map[string][]chan struct{}),
		stopCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Register sets the executor for kind. Call before Start.
func (m *Manager) Register(kind string, exec Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[kind] = exec
}

// Store returns the underlying store.
func (m *Manager) Store() *jobstore.Store {
	return m.store
}

// Start recovers jobs of a previous process and starts the workers.
func (m *Manager) Start() {
	if n, err := m.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	} else if n > 0 {
		log.Printf("[JobManager] marked %d interrupted jobs as failed", n)
	}

	queued, err := m.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case m.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
				m.finish(job.ID, jobstore.StatusFailed, nil, ErrQueueFull.Error())
			}
		}
	}

	for i := 0; i < m.cfg.MaxConcurrent; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	go m.cleaner()
}

// Stop waits for running jobs and closes the store. Jobs still queued stay
// queued and are picked up by the next Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.cancel()
		m.store.Close()
	})
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		// prefer stopping over picking up more work
		select {
		case <-m.stopCh:
			return
		default:
		}
		select {
		case <-m.stopCh:
			return
		case id := <-m.queue:
			m.runJob(id)
		}
	}
}

func (m *Manager) runJob(id string) {
	job, err := m.store.GetJob(id)
	if err != nil || job == nil {
		log.Printf("[JobManager] cannot load job %s: %v", id, err)
		return
	}
	m.mu.RLock()
	exec, ok := m.executors[job.Kind]
	m.mu.RUnlock()
	if !ok {
		m.finish(id, jobstore.StatusFailed, nil, fmt.Sprintf("%v: %s", ErrUnknownKind, job.Kind))
		return
	}

	if err := m.store.UpdateJobStarted(id); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", id, err)
		return
	}
	start := time.Now()
	report := func(p jobstore.Progress) {
		if err := m.store.UpdateJobProgress(id, p); err != nil {
			log.Printf("[JobManager] progress of job %s: %v", id, err)
		}
	}

	result, execErr := m.execute(exec, job, report)
	if execErr != nil {
		log.Printf("[JobManager] job %s (%s) failed after %v: %v", id, job.Kind, time.Since(start), execErr)
		m.finish(id, jobstore.StatusFailed, nil, execErr.Error())
		return
	}
	var raw json.RawMessage
	if result != nil {
		raw, err = json.Marshal(result)
		if err != nil {
			m.finish(id, jobstore.StatusFailed, nil, fmt.Sprintf("encode result: %v", err))
			return
		}
	}
	log.Printf("[JobManager] job %s (%s) completed in %v", id, job.Kind, time.Since(start))
	m.finish(id, jobstore.StatusCompleted, raw, "")
}

func (m *Manager) execute(exec Executor, job *jobstore.Job, report func(jobstore.Progress)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return exec(m.ctx, job, report)
}

func (m *Manager) finish(id string, status jobstore.Status, result json.RawMessage, errMsg string) {
	if err := m.store.FinishJob(id, status, result, errMsg); err != nil {
		log.Printf("[JobManager] failed to finish job %s: %v", id, err)
	}
	m.mu.Lock()
	ws := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()
	for _, w := range ws {
		close(w)
	}
}

func (m *Manager) cleaner() {
	ticker := time.NewTicker(m.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Manager) cleanup() {
	deleted, err := m.store.DeleteExpiredJobs(m.cfg.Retention)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit records a job and enqueues it. params is encoded as JSON.
func (m *Manager) Submit(kind, display string, params any) (*jobstore.Job, error) {
	m.mu.RLock()
	_, ok := m.executors[kind]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	job := &jobstore.Job{
		ID:        generateJobID(),
		Kind:      kind,
		Display:   display,
		Status:    jobstore.StatusQueued,
		Params:    raw,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case m.queue <- job.ID:
	default:
		m.finish(job.ID, jobstore.StatusFailed, nil, ErrQueueFull.Error())
		return nil, ErrQueueFull
	}
	return job, nil
}

// Get returns a job by id, or nil.
func (m *Manager) Get(id string) *jobstore.Job {
	job, err := m.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// List returns the jobs of a display; empty lists all.
func (m *Manager) List(display string) ([]*jobstore.Job, error) {
	return m.store.ListJobs(display)
}

// Wait blocks until job id has finished and returns its final record.
func (m *Manager) Wait(ctx context.Context, id string) (*jobstore.Job, error) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()

	// the job may have finished before the waiter was registered
	if job := m.Get(id); job == nil {
		m.dropWaiter(id, ch)
		return nil, fmt.Errorf("job %s not found", id)
	} else if job.Status.Finished() {
		m.dropWaiter(id, ch)
		return job, nil
	}

	select {
	case <-ch:
		return m.Get(id), nil
	case <-ctx.Done():
		m.dropWaiter(id, ch)
		return nil, ctx.Err()
	}
}

func (m *Manager) dropWaiter(id string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.waiters[id]
	for i, w := range ws {
		if w == ch {
			m.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(m.waiters[id]) == 0 {
		delete(m.waiters, id)
	}
}

// Delete deletes a finished job.
func (m *Manager) Delete(id string) error {
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}
	if job != nil && !job.Status.Finished() {
		return fmt.Errorf("job %s is %s; only finished jobs can be deleted", id, job.Status)
	}
	return m.store.DeleteJob(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
