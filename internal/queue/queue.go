package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"switchboard/internal/lock"
	"switchboard/internal/model"
	"switchboard/internal/yamlio"
)

// Queue is the file-backed job queue. Every operation takes the queue
// lock, loads the snapshot, mutates it, and writes it back atomically,
// so read-modify-write sequences never interleave within the process.
type Queue struct {
	path     string
	homeDir  string
	lockMap  *lock.MutexMap
	leaseSec int

	now func() time.Time
}

const queueLockKey = "job_queue"

func New(path, homeDir string, lockMap *lock.MutexMap, leaseSec int) *Queue {
	if leaseSec <= 0 {
		leaseSec = 300
	}
	return &Queue{
		path:     path,
		homeDir:  homeDir,
		lockMap:  lockMap,
		leaseSec: leaseSec,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Test use only.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *Queue) load() (*model.JobQueueFile, error) {
	var file model.JobQueueFile
	if err := yamlio.Load(q.path, &file); err != nil {
		if os.IsNotExist(err) {
			return &model.JobQueueFile{
				SchemaVersion: model.JobQueueSchemaVersion,
				FileType:      model.JobQueueFileType,
			}, nil
		}
		if q.homeDir != "" {
			if rerr := yamlio.RecoverCorruptedFile(q.homeDir, q.path); rerr == nil {
				file = model.JobQueueFile{}
				if lerr := yamlio.Load(q.path, &file); lerr == nil && file.SchemaVersion == model.JobQueueSchemaVersion {
					return &file, nil
				}
			}
			return &model.JobQueueFile{
				SchemaVersion: model.JobQueueSchemaVersion,
				FileType:      model.JobQueueFileType,
			}, nil
		}
		return nil, fmt.Errorf("load job queue: %w", err)
	}
	if file.SchemaVersion != model.JobQueueSchemaVersion {
		return nil, fmt.Errorf("unsupported schema_version %d for job queue (expected %d)", file.SchemaVersion, model.JobQueueSchemaVersion)
	}
	if file.FileType != model.JobQueueFileType {
		return nil, fmt.Errorf("unexpected file_type %q for job queue (expected %s)", file.FileType, model.JobQueueFileType)
	}
	return &file, nil
}

func (q *Queue) save(file *model.JobQueueFile) error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	return yamlio.AtomicWrite(q.path, file)
}

// CreateJob appends a new queued job and returns it.
func (q *Queue) CreateJob(jobType model.JobType, payload model.JobPayload, priority int) (model.Job, error) {
	var job model.Job
	err := q.lockMap.WithLock(queueLockKey, func() error {
		file, err := q.load()
		if err != nil {
			return err
		}
		ts := q.now().UTC().Format(time.RFC3339)
		job = model.Job{
			ID:        model.MustGenerateID(model.IDTypeJob),
			Type:      jobType,
			Payload:   payload,
			Priority:  priority,
			Status:    model.JobStatusQueued,
			CreatedAt: ts,
			UpdatedAt: ts,
		}
		file.Jobs = append(file.Jobs, job)
		return q.save(file)
	})
	return job, err
}

// GetJob looks a job up by id.
func (q *Queue) GetJob(id string) (model.Job, bool, error) {
	var job model.Job
	var found bool
	err := q.lockMap.WithLock(queueLockKey, func() error {
		file, err := q.load()
		if err != nil {
			return err
		}
		for i := range file.Jobs {
			if file.Jobs[i].ID == id {
				job = file.Jobs[i]
				found = true
				return nil
			}
		}
		return nil
	})
	return job, found, err
}

// CancelJob cancels a queued job immediately, or marks a running job
// cancelling so the worker can yield between steps. Cancelling a
// terminal job is an error.
func (q *Queue) CancelJob(id, reason string) (model.Job, error) {
	var job model.Job
	err := q.lockMap.WithLock(queueLockKey, func() error {
		file, err := q.load()
		if err != nil {
			return err
		}
		j := findJob(file, id)
		if j == nil {
			return fmt.Errorf("job not found: %s", id)
		}

		var target model.JobStatus
		switch j.Status {
		case model.JobStatusQueued:
			target = model.JobStatusCancelled
		case model.JobStatusRunning:
			target = model.JobStatusCancelling
		case model.JobStatusCancelling:
			job = *j
			return nil // already cancelling, idempotent
		default:
			return fmt.Errorf("cannot cancel job %s in status %s", id, j.Status)
		}
		if err := model.ValidateJobTransition(j.Status, target); err != nil {
			return err
		}

		j.Status = target
		reasonStr := reason
		j.CancelReason = &reasonStr
		j.UpdatedAt = q.now().UTC().Format(time.RFC3339)
		if target == model.JobStatusCancelled {
			j.LeaseOwner = nil
			j.LeaseExpiresAt = nil
		}
		job = *j
		return q.save(file)
	})
	return job, err
}

// RetryJob reopens a failed or cancelled job. The lease is cleared and
// the job goes back to the end of the queued pool; attempts are kept
// so the history stays visible.
func (q *Queue) RetryJob(id string) (model.Job, error) {
	var job model.Job
	err := q.lockMap.WithLock(queueLockKey, func() error {
		file, err := q.load()
		if err != nil {
			return err
		}
		j := findJob(file, id)
		if j == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		if j.Status != model.JobStatusFailed && j.Status != model.JobStatusCancelled {
			return fmt.Errorf("can only retry failed or cancelled jobs, job %s is %s", id, j.Status)
		}
		if err := model.ValidateJobTransition(j.Status, model.JobStatusQueued); err != nil {
			return err
		}

		j.Status = model.JobStatusQueued
		j.LeaseOwner = nil
		j.LeaseExpiresAt = nil
		j.LastError = nil
		j.Result = nil
		j.CancelReason = nil
		j.UpdatedAt = q.now().UTC().Format(time.RFC3339)
		job = *j
		return q.save(file)
	})
	return job, err
}

// ListJobs returns jobs, newest first. status "" lists all statuses;
// limit <= 0 means no limit.
func (q *Queue) ListJobs(status model.JobStatus, limit int) ([]model.Job, error) {
	var out []model.Job
	err := q.lockMap.WithLock(queueLockKey, func() error {
		file, err := q.load()
		if err != nil {
			return err
		}
		for i := len(file.Jobs) - 1; i >= 0; i-- {
			j := file.Jobs[i]
			if status != "" && j.Status != status {
				continue
			}
			out = append(out, j)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// ClaimNextQueuedJob atomically claims the best queued job for a
// worker: highest priority first, then oldest. Expired leases are
// reclaimed in the same pass so a crashed worker's job becomes
// claimable again. Returns nil when nothing is queued.
func (q *Queue) ClaimNextQueuedJob(workerID string) (*model.Job, error) {
	var claimed *model.Job
	err := q.lockMap.WithLock(queueLockKey, func() error {
		file, err := q.load()
		if err != nil {
			return err
		}
		dirty := q.reclaimExpired(file)

		best := -1
		for i := range file.Jobs {
			if file.Jobs[i].Status != model.JobStatusQueued {
				continue
			}
			if best < 0 || betterCandidate(&file.Jobs[i], &file.Jobs[best]) {
				best = i
			}
		}
		if best < 0 {
			if dirty {
				return q.save(file)
			}
			return nil
		}

		j := &file.Jobs[best]
		if err := model.ValidateJobTransition(j.Status, model.JobStatusRunning); err != nil {
			return err
		}
		now := q.now().UTC()
		expires := now.Add(time.Duration(q.leaseSec) * time.Second).Format(time.RFC3339)
		owner := workerID
		j.Status = model.JobStatusRunning
		j.LeaseOwner = &owner
		j.LeaseExpiresAt = &expires
		j.LeaseEpoch++
		j.Attempts++
		j.UpdatedAt = now.Format(time.RFC3339)
		c := *j
		claimed = &c
		return q.save(file)
	})
	return claimed, err
}

// FinishJob records a worker's terminal outcome. The lease epoch must
// match the claim; a stale worker whose job was reclaimed cannot
// overwrite the new claim's state. A job marked cancelling resolves to
// cancelled whatever the worker reports.
func (q *Queue) FinishJob(id string, epoch int, status model.JobStatus, detail string) (model.Job, error) {
	if status != model.JobStatusCompleted && status != model.JobStatusFailed {
		return model.Job{}, fmt.Errorf("finish status must be completed or failed, got %s", status)
	}
	var job model.Job
	err := q.lockMap.WithLock(queueLockKey, func() error {
		file, err := q.load()
		if err != nil {
			return err
		}
		j := findJob(file, id)
		if j == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		if j.LeaseEpoch != epoch {
			return fmt.Errorf("stale lease epoch %d for job %s (current %d)", epoch, id, j.LeaseEpoch)
		}

		target := status
		if j.Status == model.JobStatusCancelling {
			target = model.JobStatusCancelled
		}
		if err := model.ValidateJobTransition(j.Status, target); err != nil {
			return err
		}

		ts := q.now().UTC().Format(time.RFC3339)
		j.Status = target
		j.LeaseOwner = nil
		j.LeaseExpiresAt = nil
		j.UpdatedAt = ts
		detailStr := detail
		switch target {
		case model.JobStatusCompleted:
			j.Result = &detailStr
		case model.JobStatusFailed:
			j.LastError = &detailStr
		case model.JobStatusCancelled:
			if detail != "" {
				j.Result = &detailStr
			}
		}
		job = *j
		return q.save(file)
	})
	return job, err
}

// StatusCounts tallies jobs per status.
func (q *Queue) StatusCounts() (map[model.JobStatus]int, error) {
	counts := make(map[model.JobStatus]int)
	err := q.lockMap.WithLock(queueLockKey, func() error {
		file, err := q.load()
		if err != nil {
			return err
		}
		for i := range file.Jobs {
			counts[file.Jobs[i].Status]++
		}
		return nil
	})
	return counts, err
}

// reclaimExpired requeues running jobs whose lease has lapsed. The
// epoch is left as-is so the dead worker's eventual FinishJob is
// rejected only after someone re-claims (which bumps it).
func (q *Queue) reclaimExpired(file *model.JobQueueFile) bool {
	now := q.now().UTC()
	dirty := false
	for i := range file.Jobs {
		j := &file.Jobs[i]
		if j.Status != model.JobStatusRunning || j.LeaseExpiresAt == nil {
			continue
		}
		expires, err := time.Parse(time.RFC3339, *j.LeaseExpiresAt)
		if err != nil || now.Before(expires) {
			continue
		}
		j.Status = model.JobStatusQueued
		j.LeaseOwner = nil
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now.Format(time.RFC3339)
		dirty = true
	}
	return dirty
}

func betterCandidate(a, b *model.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt < b.CreatedAt
}

func findJob(file *model.JobQueueFile, id string) *model.Job {
	for i := range file.Jobs {
		if file.Jobs[i].ID == id {
			return &file.Jobs[i]
		}
	}
	return nil
}

// Snapshot returns a sorted copy of every job, for status reporting.
func (q *Queue) Snapshot() ([]model.Job, error) {
	jobs, err := q.ListJobs("", 0)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].CreatedAt > jobs[k].CreatedAt })
	return jobs, nil
}
