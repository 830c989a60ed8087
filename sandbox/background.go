// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"sync"

	"github.com/sandboxd/sandboxd/errs"
	"github.com/sandboxd/sandboxd/isolation"
	"github.com/sandboxd/sandboxd/lib/ids"
)

// jobStatus is a background job's terminal or in-flight disposition.
type jobStatus string

const (
	jobRunning jobStatus = "running"
	jobExited  jobStatus = "exited"
	jobStopped jobStatus = "stopped"
)

// backgroundJob tracks one start_background invocation. The driver
// has no native "fire and forget" primitive, so a background job is
// an ordinary driver.Exec call with timeout=0, run in its own
// goroutine against a context this package owns and can cancel
// independently of any single request's context.
type backgroundJob struct {
	id   string
	argv []string

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status jobStatus
	result isolation.ExecResult
	err    error
}

// BackgroundStatus is the externally visible view of a backgroundJob.
type BackgroundStatus struct {
	JobID    string
	Argv     []string
	Running  bool
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      string
}

func (j *backgroundJob) view() BackgroundStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := BackgroundStatus{
		JobID:    j.id,
		Argv:     j.argv,
		Running:  j.status == jobRunning,
		ExitCode: j.result.ExitCode,
		Stdout:   j.result.Stdout,
		Stderr:   j.result.Stderr,
	}
	if j.err != nil {
		st.Err = j.err.Error()
	}
	return st
}

// runningJobCountLocked reports how many of sbx's jobs are still
// running. Callers must hold sbx.mu.
func (sbx *Sandbox) runningJobCountLocked() int {
	n := 0
	for _, j := range sbx.jobs {
		j.mu.Lock()
		if j.status == jobRunning {
			n++
		}
		j.mu.Unlock()
	}
	return n
}

// stopAllJobsLocked cancels every running job and waits for each to
// observe the cancellation. Callers must hold sbx.mu; note this
// briefly blocks with the lock held, which is acceptable here because
// cancellation itself is not a suspension point — the goroutines it
// unblocks run independently and this call only waits on their
// already-in-flight exits.
func (sbx *Sandbox) stopAllJobsLocked() {
	for _, j := range sbx.jobs {
		j.cancel()
	}
	for _, j := range sbx.jobs {
		<-j.done
	}
}

// StartBackground launches argv inside sandboxID's isolation unit
// without blocking for completion, admitting it against the quota
// manager the same as a foreground exec.
func (m *Manager) StartBackground(ctx context.Context, sandboxID string, argv []string) (string, error) {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return "", err
	}

	sbx.mu.Lock()
	if sbx.state != stateRunning {
		sbx.mu.Unlock()
		return "", errs.New(errs.PreconditionFailed, "sandbox: %s is not running", sandboxID)
	}
	driver, handle, userID := sbx.driver, sbx.handle, sbx.userID
	sbx.mu.Unlock()

	if err := m.quota.AdmitExec(ctx, sandboxID, userID); err != nil {
		return "", err
	}

	jobID := ids.Job()
	jobCtx, cancel := context.WithCancel(context.Background())
	job := &backgroundJob{
		id:     jobID,
		argv:   argv,
		cancel: cancel,
		done:   make(chan struct{}),
		status: jobRunning,
	}

	sbx.mu.Lock()
	sbx.jobs[jobID] = job
	sbx.mu.Unlock()

	m.recordAudit("sandbox.background.created", sandboxID, map[string]any{"job_id": jobID})

	go func() {
		defer close(job.done)
		defer m.quota.ReleaseExec(sandboxID)

		start := m.clock.Now()
		res, execErr := driver.Exec(jobCtx, handle, argv, nil, 0)
		command := ""
		if len(argv) > 0 {
			command = argv[0]
		}
		m.metrics.ObserveExec(sandboxID, command, m.clock.Now().Sub(start))
		m.quota.RecordCPU(sandboxID, res.CPUSeconds)
		if res.MemoryBytes > 0 {
			m.quota.RecordMemoryEstimate(sandboxID, res.MemoryBytes)
		}

		job.mu.Lock()
		job.result, job.err = res, execErr
		if jobCtx.Err() == context.Canceled {
			job.status = jobStopped
		} else {
			job.status = jobExited
		}
		job.mu.Unlock()
	}()

	return jobID, nil
}

// StopBackground cancels jobID if still running and returns its last
// observed status. Stopping an already-stopped or already-exited job
// is not an error; it simply reports that status.
func (m *Manager) StopBackground(sandboxID, jobID string) (BackgroundStatus, error) {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return BackgroundStatus{}, err
	}

	sbx.mu.Lock()
	job, ok := sbx.jobs[jobID]
	sbx.mu.Unlock()
	if !ok {
		return BackgroundStatus{}, errs.New(errs.NotFound, "sandbox: job %s not found on %s", jobID, sandboxID)
	}

	select {
	case <-job.done:
	default:
		job.cancel()
		<-job.done
	}
	m.recordAudit("sandbox.background.stopped", sandboxID, map[string]any{"job_id": jobID})
	return job.view(), nil
}
