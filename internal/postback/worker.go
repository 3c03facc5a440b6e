// Package postback delivers assignment confirmations to the remote service
// through the durable job queue, so a confirmation survives restarts and
// transient network failures.
package postback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/paygate/internal/remoteconfig"
	"github.com/kalambet/paygate/internal/storage"
)

// JobType is the job queue type of a pending confirmation.
const JobType = "confirm_assignment"

const maxAttempts = 8

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Confirmer sends confirmations to the remote service. Implemented by
// network.Client.
type Confirmer interface {
	ConfirmAssignments(ctx context.Context, assignments []remoteconfig.Assignment) error
}

type confirmPayload struct {
	ExperimentID string `json:"experimentId"`
	VariantID    string `json:"variantId"`
}

// Queue enqueues confirmations. It satisfies assignment.Postbacker.
type Queue struct {
	store JobStore
}

// NewQueue creates a Queue over store.
func NewQueue(store JobStore) *Queue {
	return &Queue{store: store}
}

// EnqueueConfirmation stores a confirmation job for the worker to deliver.
func (q *Queue) EnqueueConfirmation(ctx context.Context, a remoteconfig.Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(confirmPayload{ExperimentID: a.ExperimentID, VariantID: a.VariantID})
	if err != nil {
		return fmt.Errorf("marshaling confirmation: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: maxAttempts,
	}
	if err := q.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing confirmation for %s: %w", a.ExperimentID, err)
	}
	return nil
}

// Worker processes confirm_assignment jobs from the job queue.
type Worker struct {
	store     JobStore
	confirmer Confirmer
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 1s.
func NewWorker(store JobStore, confirmer Confirmer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		store:     store,
		confirmer: confirmer,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("postback iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and delivers a single confirmation.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.deliver(ctx, job); err != nil {
		w.logger.Warn("assignment postback failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) deliver(ctx context.Context, job *storage.Job) error {
	var payload confirmPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	a := remoteconfig.Assignment{ExperimentID: payload.ExperimentID, VariantID: payload.VariantID}
	if err := w.confirmer.ConfirmAssignments(ctx, []remoteconfig.Assignment{a}); err != nil {
		return err
	}
	w.logger.Debug("assignment confirmed remotely", "experiment_id", a.ExperimentID, "variant_id", a.VariantID)
	return nil
}
