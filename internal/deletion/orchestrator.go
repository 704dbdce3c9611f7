// Package deletion removes a meal together with its comments. A DeleteJob
// row acts as a lease so that only one request purges a given meal at a time.
package deletion

import (
	"context"
	"errors"
	"time"

	"familymeal/api/internal/apperr"
	"familymeal/api/internal/feed"
	"familymeal/api/internal/logging"
	"familymeal/api/internal/metrics"
	"familymeal/api/internal/policy"
	"familymeal/api/internal/search"
	"familymeal/api/internal/store"
)

const (
	DefaultLeaseTTL  = 5 * time.Minute
	DefaultBatchSize = 450
)

type Status string

const (
	StatusAlreadyDeleted    Status = "already_deleted"
	StatusAlreadyProcessing Status = "already_processing"
	StatusCompleted         Status = "completed"
)

// Result is the outcome of a delete request. AlreadyProcessing is not an
// error: the caller should retry later.
type Result struct {
	Status  Status `json:"status"`
	Deleted bool   `json:"deleted"`
}

type Options struct {
	LeaseTTL  time.Duration
	BatchSize int
}

type Orchestrator struct {
	store  store.Store
	policy *policy.Engine
	broker feed.Broker
	search *search.Service
	logger logging.Logger
	ttl    time.Duration
	batch  int
	now    func() time.Time
}

func New(st store.Store, engine *policy.Engine, broker feed.Broker, searcher *search.Service, opts Options, logger logging.Logger) *Orchestrator {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{
		store:  st,
		policy: engine,
		broker: broker,
		search: searcher,
		logger: logger,
		ttl:    opts.LeaseTTL,
		batch:  opts.BatchSize,
		now:    time.Now,
	}
}

// Delete removes mealID on behalf of actor.
func (o *Orchestrator) Delete(ctx context.Context, mealID string, actor policy.Actor) (Result, error) {
	if actor.UID == "" {
		return Result{}, apperr.Unauthenticated("Missing caller identity")
	}

	job, meal, status, err := o.acquire(ctx, mealID, actor)
	if err != nil {
		metrics.RecordDeletion("error", 0, 0)
		return Result{}, err
	}
	if status != "" {
		metrics.RecordDeletion(string(status), 0, 0)
		return Result{Status: status}, nil
	}

	start := time.Now()
	purged, err := o.execute(ctx, mealID)
	if err != nil {
		o.markFailed(ctx, job, err)
		metrics.RecordDeletion("failed", time.Since(start), purged)
		o.logger.Error(ctx, "meal deletion failed", "meal_id", mealID, "purged", purged, "error", err)
		return Result{}, err
	}

	now := o.now().UTC()
	job.Status = store.DeleteJobCompleted
	job.UpdatedAt = now
	job.DeletedAt = &now
	job.CompletedBy = actor.UID
	job.LastError = ""
	if err := o.store.UpsertDeleteJob(ctx, job); err != nil {
		// the meal is gone; a stale processing row only delays a no-op retry
		o.logger.Warn(ctx, "mark delete job completed", "meal_id", mealID, "error", err)
	}
	metrics.RecordDeletion(string(StatusCompleted), time.Since(start), purged)

	if o.broker != nil {
		ev := feed.Event{Kind: feed.EventDelete, MealID: mealID, Timestamp: meal.Timestamp}
		if err := o.broker.Publish(ctx, ev); err != nil {
			o.logger.Warn(ctx, "publish meal deletion", "meal_id", mealID, "error", err)
		}
	}
	if o.search != nil {
		o.search.DeleteMeal(mealID)
	}
	o.logger.Info(ctx, "meal deleted", "meal_id", mealID, "purged_comments", purged, "attempts", job.Attempts)
	return Result{Status: StatusCompleted, Deleted: true}, nil
}

// acquire checks ownership and takes the lease in one transaction. A
// non-empty status means there is nothing to execute.
func (o *Orchestrator) acquire(ctx context.Context, mealID string, actor policy.Actor) (store.DeleteJob, store.Meal, Status, error) {
	var (
		job    store.DeleteJob
		meal   store.Meal
		status Status
	)
	err := o.store.RunInTx(ctx, func(ctx context.Context, tx store.Repo) error {
		job, status = store.DeleteJob{}, ""

		var err error
		meal, err = tx.GetMeal(ctx, mealID)
		if errors.Is(err, store.ErrNotFound) {
			status = StatusAlreadyDeleted
			return nil
		}
		if err != nil {
			return err
		}
		if !o.policy.CanManageMeal(actor, meal) {
			return apperr.Forbidden("Only the meal owner can delete it")
		}

		now := o.now().UTC()
		existing, err := tx.GetDeleteJob(ctx, mealID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			existing = store.DeleteJob{MealID: mealID}
		case err != nil:
			return err
		case existing.Status == store.DeleteJobProcessing && now.Sub(existing.StartedAt) < o.ttl:
			status = StatusAlreadyProcessing
			return nil
		}

		job = store.DeleteJob{
			MealID:      mealID,
			Status:      store.DeleteJobProcessing,
			StartedAt:   now,
			UpdatedAt:   now,
			Attempts:    existing.Attempts + 1,
			RequestedBy: actor.UID,
		}
		return tx.UpsertDeleteJob(ctx, job)
	})
	return job, meal, status, err
}

// execute purges comments in id order, batch by batch, then removes the
// meal. Returns how many comments were deleted.
func (o *Orchestrator) execute(ctx context.Context, mealID string) (int, error) {
	purged := 0
	after := ""
	for {
		ids, err := o.store.ListCommentIDs(ctx, mealID, after, o.batch)
		if err != nil {
			return purged, err
		}
		if len(ids) > 0 {
			if err := o.store.DeleteComments(ctx, mealID, ids); err != nil {
				return purged, err
			}
			purged += len(ids)
			after = ids[len(ids)-1]
		}
		if len(ids) < o.batch {
			break
		}
	}

	// Comments posted during the purge hold the meal row lock, so the
	// final sweep and the meal delete see all of them.
	err := o.store.RunInTx(ctx, func(ctx context.Context, tx store.Repo) error {
		if _, err := tx.GetMeal(ctx, mealID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		for {
			late, err := tx.ListCommentIDs(ctx, mealID, "", o.batch)
			if err != nil {
				return err
			}
			if len(late) == 0 {
				break
			}
			if err := tx.DeleteComments(ctx, mealID, late); err != nil {
				return err
			}
		}
		return tx.DeleteMeal(ctx, mealID)
	})
	return purged, err
}

// markFailed records the failure on the lease. Its own errors are logged so
// they never replace the error returned to the caller.
func (o *Orchestrator) markFailed(ctx context.Context, job store.DeleteJob, cause error) {
	ctx = context.WithoutCancel(ctx)
	job.Status = store.DeleteJobFailed
	job.UpdatedAt = o.now().UTC()
	job.LastError = cause.Error()
	if err := o.store.UpsertDeleteJob(ctx, job); err != nil {
		o.logger.Warn(ctx, "record delete job failure", "meal_id", job.MealID, "error", err)
	}
}
