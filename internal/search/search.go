package search

import (
	"context"

	"familymeal/api/internal/store"
)

// Source names where a candidate set came from.
type Source string

const (
	SourceIndex   Source = "index"
	SourceKeyword Source = "keyword"
	SourceNone    Source = "none"
)

// MealRecord is the data we index for a meal.
type MealRecord struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
	Keywords     []string `json:"keywords"`
	OwnerUID     string   `json:"ownerUid"`
	Timestamp    int64    `json:"timestamp"`
}

// RecordFromMeal builds the index document of a meal.
func RecordFromMeal(m store.Meal) MealRecord {
	participants := m.UserIDs
	if len(participants) == 0 && m.LegacyUserID != "" {
		participants = []string{m.LegacyUserID}
	}
	return MealRecord{
		ID:           m.ID,
		Description:  m.Description,
		Type:         m.Type,
		Participants: participants,
		Keywords:     m.Keywords,
		OwnerUID:     m.OwnerUID,
		Timestamp:    m.Timestamp.UnixMilli(),
	}
}

// Index is a full-text meal index that can be unavailable at any time.
type Index interface {
	Healthy() bool
	SearchIDs(query string, limit int) ([]string, error)
	Upsert(records []MealRecord) error
	Delete(id string) error
}

// mealSource is the store slice the facade needs: hydrating index hits,
// the keyword-overlap fallback and paging for reindexing.
type mealSource interface {
	GetMealsByIDs(ctx context.Context, ids []string) ([]store.Meal, error)
	ListMealsByKeywords(ctx context.Context, tokens []string, limit int) ([]store.Meal, error)
	ListMealsAfter(ctx context.Context, afterID string, limit int) ([]store.Meal, error)
}
