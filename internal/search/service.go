package search

import (
	"context"
	"sync"

	"familymeal/api/internal/logging"
	"familymeal/api/internal/store"
)

const reindexPageSize = 500

// Service is the facade that tries the full-text index first and falls back
// to the store's keyword-overlap query.
type Service struct {
	index   Index
	meals   mealSource
	logger  logging.Logger
	pending sync.WaitGroup
}

// NewService creates a search service. index may be nil if Meilisearch is not configured.
func NewService(index Index, meals mealSource, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{index: index, meals: meals, logger: logger}
}

func (s *Service) indexUsable() bool {
	return s.index != nil && s.index.Healthy()
}

// Candidates returns meals that may match query. The caller applies the
// authoritative filter; an index error silently degrades to the store.
func (s *Service) Candidates(ctx context.Context, query string, tokens []string, limit int) ([]store.Meal, Source, error) {
	if s.indexUsable() {
		ids, err := s.index.SearchIDs(query, limit)
		if err == nil && len(ids) > 0 {
			meals, err := s.meals.GetMealsByIDs(ctx, ids)
			if err != nil {
				return nil, SourceNone, err
			}
			if len(meals) > 0 {
				return meals, SourceIndex, nil
			}
		}
		if err != nil {
			s.logger.Warn(ctx, "meilisearch error, falling back to keyword query", "error", err)
		}
	}

	if len(tokens) == 0 {
		return nil, SourceNone, nil
	}
	meals, err := s.meals.ListMealsByKeywords(ctx, tokens, limit)
	if err != nil {
		return nil, SourceNone, err
	}
	if len(meals) == 0 {
		return nil, SourceNone, nil
	}
	return meals, SourceKeyword, nil
}

// IndexMeal indexes a meal (fire-and-forget).
func (s *Service) IndexMeal(meal store.Meal) {
	if !s.indexUsable() {
		return
	}
	record := RecordFromMeal(meal)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.Upsert([]MealRecord{record}); err != nil {
			s.logger.Warn(context.Background(), "index meal", "meal_id", record.ID, "error", err)
		}
	}()
}

// DeleteMeal removes a meal from the index (fire-and-forget).
func (s *Service) DeleteMeal(id string) {
	if !s.indexUsable() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.Delete(id); err != nil {
			s.logger.Warn(context.Background(), "delete meal from index", "meal_id", id, "error", err)
		}
	}()
}

// ReindexAll pages through every stored meal and pushes it to the index.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	if !s.indexUsable() {
		return 0, nil
	}
	total := 0
	after := ""
	for {
		page, err := s.meals.ListMealsAfter(ctx, after, reindexPageSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			break
		}
		records := make([]MealRecord, 0, len(page))
		for _, meal := range page {
			records = append(records, RecordFromMeal(meal))
		}
		if err := s.index.Upsert(records); err != nil {
			return total, err
		}
		total += len(page)
		after = page[len(page)-1].ID
		if len(page) < reindexPageSize {
			break
		}
	}
	return total, nil
}

// Wait blocks until in-flight index writes finish.
func (s *Service) Wait() {
	s.pending.Wait()
}
