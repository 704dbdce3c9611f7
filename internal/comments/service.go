// Package comments manages meal comments. Every write runs in one store
// transaction together with the parent meal's commentCount.
package comments

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"familymeal/api/internal/apperr"
	"familymeal/api/internal/feed"
	"familymeal/api/internal/logging"
	"familymeal/api/internal/policy"
	"familymeal/api/internal/store"
)

type Service struct {
	store  store.Store
	policy *policy.Engine
	broker feed.Broker
	logger logging.Logger
	now    func() time.Time
}

func NewService(st store.Store, engine *policy.Engine, broker feed.Broker, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{store: st, policy: engine, broker: broker, logger: logger, now: time.Now}
}

func normalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.InvalidArgument("Comment text is required")
	}
	if utf8.RuneCountInString(text) > policy.MaxCommentLen {
		return "", apperr.InvalidArgument("Comment must be at most 500 characters")
	}
	return text, nil
}

func requireRole(actor policy.Actor) error {
	if !actor.HasProfile {
		return apperr.Forbidden("User profile is required")
	}
	if !policy.ValidRole(actor.Role) {
		return apperr.Forbidden("A valid household role is required")
	}
	return nil
}

func lockMeal(ctx context.Context, tx store.Repo, mealID string) (store.Meal, error) {
	meal, err := tx.GetMeal(ctx, mealID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Meal{}, apperr.NotFound("Meal not found")
	}
	return meal, err
}

func lockComment(ctx context.Context, tx store.Repo, mealID, commentID string) (store.Comment, error) {
	comment, err := tx.GetComment(ctx, mealID, commentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Comment{}, apperr.NotFound("Comment not found")
	}
	return comment, err
}

// Add posts a comment as actor and bumps the meal's commentCount.
func (s *Service) Add(ctx context.Context, mealID string, actor policy.Actor, text string) (store.Comment, error) {
	text, err := normalizeText(text)
	if err != nil {
		return store.Comment{}, err
	}
	if err := requireRole(actor); err != nil {
		return store.Comment{}, err
	}

	var created store.Comment
	var meal store.Meal
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Repo) error {
		var err error
		meal, err = lockMeal(ctx, tx, mealID)
		if err != nil {
			return err
		}
		base := meal.CommentCount
		if base < 0 {
			base = 0
		}

		now := s.now().UTC()
		created = store.Comment{
			ID:        uuid.NewString(),
			MealID:    mealID,
			Author:    actor.Role,
			AuthorUID: actor.UID,
			Text:      text,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertComment(ctx, created); err != nil {
			return err
		}
		meal.CommentCount = base + 1
		meal.UpdatedAt = now
		return tx.UpdateMeal(ctx, meal)
	})
	if err != nil {
		return store.Comment{}, err
	}
	s.changed(ctx, meal)
	return created, nil
}

// Update replaces the text of actor's own comment.
func (s *Service) Update(ctx context.Context, mealID, commentID string, actor policy.Actor, text string) (store.Comment, error) {
	text, err := normalizeText(text)
	if err != nil {
		return store.Comment{}, err
	}
	if err := requireRole(actor); err != nil {
		return store.Comment{}, err
	}

	var updated store.Comment
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Repo) error {
		comment, err := lockComment(ctx, tx, mealID, commentID)
		if err != nil {
			return err
		}
		if comment.AuthorUID != actor.UID {
			return apperr.Forbidden("Only the author can edit this comment")
		}
		if comment.Author != "" && comment.Author != actor.Role {
			return apperr.Forbidden("Only the author can edit this comment")
		}
		comment.Text = text
		comment.UpdatedAt = s.now().UTC()
		if err := tx.UpdateComment(ctx, comment); err != nil {
			return err
		}
		updated = comment
		return nil
	})
	if err != nil {
		return store.Comment{}, err
	}
	return updated, nil
}

// Remove deletes a comment. The author and whoever manages the meal may do
// this; commentCount never drops below zero.
func (s *Service) Remove(ctx context.Context, mealID, commentID string, actor policy.Actor) error {
	if actor.UID == "" {
		return apperr.Unauthenticated("Missing caller identity")
	}
	var meal store.Meal
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Repo) error {
		var err error
		meal, err = lockMeal(ctx, tx, mealID)
		if err != nil {
			return err
		}
		comment, err := lockComment(ctx, tx, mealID, commentID)
		if err != nil {
			return err
		}
		if comment.AuthorUID != actor.UID && !s.policy.CanManageMeal(actor, meal) {
			return apperr.Forbidden("Only the author or the meal owner can delete this comment")
		}
		if err := tx.DeleteComment(ctx, mealID, commentID); err != nil {
			return err
		}
		meal.CommentCount--
		if meal.CommentCount < 0 {
			meal.CommentCount = 0
		}
		meal.UpdatedAt = s.now().UTC()
		return tx.UpdateMeal(ctx, meal)
	})
	if err != nil {
		return err
	}
	s.changed(ctx, meal)
	return nil
}

// List returns the comments of a readable meal, oldest first.
func (s *Service) List(ctx context.Context, mealID string, actor policy.Actor) ([]store.Comment, error) {
	if err := s.policy.CanReadComments(actor).Err(); err != nil {
		return nil, err
	}
	meal, err := s.store.GetMeal(ctx, mealID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("Meal not found")
	}
	if err != nil {
		return nil, err
	}
	if err := s.policy.CanReadMeal(actor, meal).Err(); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, mealID)
}

func (s *Service) changed(ctx context.Context, meal store.Meal) {
	if s.broker == nil {
		return
	}
	ev := feed.Event{Kind: feed.EventUpsert, MealID: meal.ID, Timestamp: meal.Timestamp}
	if err := s.broker.Publish(ctx, ev); err != nil {
		s.logger.Warn(ctx, "publish comment change", "meal_id", meal.ID, "error", err)
	}
}
