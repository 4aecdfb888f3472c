// Package jobs runs download pipelines in the background and buffers
// their events for SSE delivery. Noisy progress event types are
// coalesced so a slow reader always sees the latest snapshot instead of
// a backlog of stale ones.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kirorus/osm-batch-downloader/pkg/downloader"
)

const (
	// Finished jobs stay around for a grace period so clients can still
	// poll status or drain the event stream after completion.
	finishedJobGraceSec = 600
	maxFinishedJobs     = 50
	queueMax            = 1024
)

// coalescedTypes are high-frequency progress events. At most one of
// each sits in the queue; a newer snapshot replaces the pending one.
var coalescedTypes = map[string]struct{}{
	"overall_progress":                {},
	"land_polygons_download_progress": {},
	"clip_cache_stats":                {},
}

func isCoalesced(typ string) bool {
	_, ok := coalescedTypes[typ]
	return ok
}

// RunFunc executes the pipeline for one job.
type RunFunc func(ctx context.Context, params downloader.Params, emit downloader.EmitFunc, shouldCancel func() bool) error

// Job is one background download with its buffered event queue.
type Job struct {
	ID             string
	CreatedAtEpoch float64
	Params         downloader.Params

	mu              sync.Mutex
	status          string
	progress        map[string]any
	errMsg          string
	cancelled       bool
	finishedAtEpoch float64

	queue       []downloader.Event
	notify      chan struct{}
	pending     map[string]downloader.Event
	queuedTypes map[string]struct{}
	dropped     int
}

// Record is the job snapshot served over the status endpoint.
type Record struct {
	JobID          string            `json:"job_id"`
	Status         string            `json:"status"`
	CreatedAtEpoch float64           `json:"created_at_epoch"`
	Params         downloader.Params `json:"params"`
	Progress       map[string]any    `json:"progress"`
	Error          *string           `json:"error"`
	Cancelled      bool              `json:"cancelled"`
}

func newJob(params downloader.Params) *Job {
	return &Job{
		ID:             strings.ReplaceAll(uuid.NewString(), "-", ""),
		CreatedAtEpoch: epochNow(),
		Params:         params,
		status:         "queued",
		progress:       map[string]any{},
		notify:         make(chan struct{}, 1),
		pending:        map[string]downloader.Event{},
		queuedTypes:    map[string]struct{}{},
	}
}

// Emit queues an event for delivery. Never blocks; when the queue is
// full the oldest queued event is dropped.
func (j *Job) Emit(ev downloader.Event) {
	j.mu.Lock()
	if ev.Type == "overall_progress" {
		j.progress = ev.Data
	}
	if isCoalesced(ev.Type) {
		if _, queued := j.queuedTypes[ev.Type]; queued {
			j.pending[ev.Type] = ev
			j.mu.Unlock()
			return
		}
		j.enqueueLocked(ev)
		j.queuedTypes[ev.Type] = struct{}{}
	} else {
		j.enqueueLocked(ev)
	}
	j.mu.Unlock()
	j.signal()
}

// NextEvent pops the next queued event, waiting up to timeout. The
// second return is false on timeout or context cancellation.
func (j *Job) NextEvent(ctx context.Context, timeout time.Duration) (downloader.Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		j.mu.Lock()
		if len(j.queue) > 0 {
			ev := j.queue[0]
			j.queue = j.queue[1:]
			if isCoalesced(ev.Type) {
				delete(j.queuedTypes, ev.Type)
				j.flushLocked()
			}
			j.mu.Unlock()
			return ev, true
		}
		j.mu.Unlock()

		select {
		case <-j.notify:
		case <-deadline.C:
			return downloader.Event{}, false
		case <-ctx.Done():
			return downloader.Event{}, false
		}
	}
}

// Flush promotes pending coalesced snapshots into the queue.
func (j *Job) Flush() {
	j.mu.Lock()
	j.flushLocked()
	j.mu.Unlock()
	j.signal()
}

func (j *Job) flushLocked() {
	for typ, ev := range j.pending {
		if _, queued := j.queuedTypes[typ]; queued {
			continue
		}
		j.enqueueLocked(ev)
		j.queuedTypes[typ] = struct{}{}
		delete(j.pending, typ)
	}
}

func (j *Job) enqueueLocked(ev downloader.Event) {
	if len(j.queue) >= queueMax {
		dropped := j.queue[0]
		j.queue = j.queue[1:]
		j.dropped++
		if isCoalesced(dropped.Type) {
			delete(j.queuedTypes, dropped.Type)
		}
		if j.dropped == 1 || j.dropped == 10 || j.dropped == 100 || j.dropped%1000 == 0 {
			slog.Warn("SSE queue overflow", "job_id", j.ID, "dropped_events", j.dropped)
		}
	}
	j.queue = append(j.queue, ev)
}

func (j *Job) signal() {
	select {
	case j.notify <- struct{}{}:
	default:
	}
}

func (j *Job) RequestCancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
}

func (j *Job) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) setStatus(status string) {
	j.mu.Lock()
	j.status = status
	j.mu.Unlock()
}

func (j *Job) isTerminal() bool {
	switch j.Status() {
	case "done", "error", "cancelled":
		return true
	}
	return false
}

// Snapshot returns the serializable state of the job.
func (j *Job) Snapshot() Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := Record{
		JobID:          j.ID,
		Status:         j.status,
		CreatedAtEpoch: j.CreatedAtEpoch,
		Params:         j.Params,
		Progress:       j.progress,
		Cancelled:      j.cancelled,
	}
	if j.errMsg != "" {
		msg := j.errMsg
		rec.Error = &msg
	}
	return rec
}

// Manager owns the job table and the background workers.
type Manager struct {
	mu   sync.Mutex
	jobs map[string]*Job
	run  RunFunc
}

func NewManager(run RunFunc) *Manager {
	return &Manager{jobs: map[string]*Job{}, run: run}
}

// Create registers a job and starts its worker. Finished jobs past
// their grace period are evicted on every create.
func (m *Manager) Create(params downloader.Params) *Job {
	m.mu.Lock()
	m.evictLocked()
	job := newJob(params)
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.worker(job)
	return job
}

func (m *Manager) Get(jobID string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	return job, ok
}

// Cancel flags the job for cancellation. The pipeline notices at its
// next checkpoint.
func (m *Manager) Cancel(jobID string) bool {
	job, ok := m.Get(jobID)
	if !ok {
		return false
	}
	job.RequestCancel()
	job.Emit(downloader.Event{Type: "log", Data: map[string]any{"message": "Cancel requested"}})
	return true
}

// ActiveCount reports the number of currently running jobs.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.Status() == "running" {
			n++
		}
	}
	return n
}

func (m *Manager) worker(job *Job) {
	job.setStatus("running")
	job.Emit(downloader.Event{Type: "job_started", Data: map[string]any{
		"job_id": job.ID, "params": job.Params,
	}})

	emit := func(ev downloader.Event) {
		if ev.Type == "done" {
			if cancelled, _ := ev.Data["cancelled"].(bool); cancelled {
				job.setStatus("cancelled")
			}
		}
		job.Emit(ev)
	}

	err := m.run(context.Background(), job.Params, emit, job.Cancelled)
	if err != nil {
		job.mu.Lock()
		job.status = "error"
		job.errMsg = err.Error()
		job.mu.Unlock()
		job.Emit(downloader.Event{Type: "error", Data: map[string]any{"message": err.Error()}})
	} else if job.Status() != "cancelled" {
		job.setStatus("done")
	}

	job.mu.Lock()
	job.finishedAtEpoch = epochNow()
	dropped := job.dropped
	job.mu.Unlock()
	if dropped > 0 {
		job.Emit(downloader.Event{Type: "log", Data: map[string]any{
			"message": fmt.Sprintf("SSE backpressure: dropped %d old queued event(s) to keep memory bounded", dropped),
		}})
	}
	job.Flush()
	job.Emit(downloader.Event{Type: "job_finished", Data: map[string]any{
		"job_id": job.ID, "status": job.Status(),
	}})
}

// evictLocked drops finished jobs past the grace period, then the
// oldest finished jobs beyond the retention cap.
func (m *Manager) evictLocked() {
	now := epochNow()
	expired := 0
	for id, job := range m.jobs {
		if !job.isTerminal() {
			continue
		}
		job.mu.Lock()
		old := job.finishedAtEpoch > 0 && now-job.finishedAtEpoch > finishedJobGraceSec
		job.mu.Unlock()
		if old {
			delete(m.jobs, id)
			expired++
		}
	}

	var finished []*Job
	for _, job := range m.jobs {
		if job.isTerminal() {
			finished = append(finished, job)
		}
	}
	overLimit := 0
	if len(finished) > maxFinishedJobs {
		sort.Slice(finished, func(i, j int) bool {
			return finishKey(finished[i]) < finishKey(finished[j])
		})
		overLimit = len(finished) - maxFinishedJobs
		for _, job := range finished[:overLimit] {
			delete(m.jobs, job.ID)
		}
	}

	if expired+overLimit > 0 {
		slog.Debug("Evicted finished jobs", "expired", expired, "over_limit", overLimit)
	}
}

func finishKey(j *Job) float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finishedAtEpoch > 0 {
		return j.finishedAtEpoch
	}
	return j.CreatedAtEpoch
}

func epochNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
