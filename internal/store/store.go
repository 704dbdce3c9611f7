package store

import (
	"context"
	"time"
)

// Repo is the set of document operations available both outside and inside a
// transaction. Inside RunInTx every Get* call on a meal, comment or delete
// job locks the row until the transaction ends.
type Repo interface {
	GetProfile(ctx context.Context, uid string) (UserProfile, error)
	UpsertProfile(ctx context.Context, profile UserProfile) error

	GetMeal(ctx context.Context, id string) (Meal, error)
	GetMealsByIDs(ctx context.Context, ids []string) ([]Meal, error)
	InsertMeal(ctx context.Context, meal Meal) error
	UpdateMeal(ctx context.Context, meal Meal) error
	DeleteMeal(ctx context.Context, id string) error
	// ListMealsBetween returns meals with from <= timestamp <= to, newest first.
	ListMealsBetween(ctx context.Context, from, to time.Time) ([]Meal, error)
	// ListMealsByKeywords returns meals whose keywords overlap tokens.
	ListMealsByKeywords(ctx context.Context, tokens []string, limit int) ([]Meal, error)
	ListRecentMeals(ctx context.Context, limit int) ([]Meal, error)
	// ListMealsAfter pages through all meals ordered by id.
	ListMealsAfter(ctx context.Context, afterID string, limit int) ([]Meal, error)

	GetComment(ctx context.Context, mealID, commentID string) (Comment, error)
	ListComments(ctx context.Context, mealID string) ([]Comment, error)
	InsertComment(ctx context.Context, comment Comment) error
	UpdateComment(ctx context.Context, comment Comment) error
	DeleteComment(ctx context.Context, mealID, commentID string) error
	// ListCommentIDs pages comment ids of one meal ordered by id.
	ListCommentIDs(ctx context.Context, mealID, afterID string, limit int) ([]string, error)
	DeleteComments(ctx context.Context, mealID string, ids []string) error
	CountComments(ctx context.Context, mealID string) (int, error)

	GetDeleteJob(ctx context.Context, mealID string) (DeleteJob, error)
	UpsertDeleteJob(ctx context.Context, job DeleteJob) error
}

// Store is a Repo with a transaction primitive. fn may run more than once
// when the backend retries a serialization failure, so it must not have side
// effects outside the transaction.
type Store interface {
	Repo
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Repo) error) error
	Ping(ctx context.Context) error
}
