package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMeal(t *testing.T, s *MemoryStore, id string, at time.Time, keywords ...string) Meal {
	t.Helper()
	meal := Meal{
		ID:          id,
		OwnerUID:    "owner",
		UserIDs:     []string{"엄마"},
		Description: "meal " + id,
		Type:        "점심",
		Timestamp:   at,
		Keywords:    keywords,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	require.NoError(t, s.InsertMeal(context.Background(), meal))
	return meal
}

func TestMemoryRunInTxDiscardsOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMeal(t, s, "m1", time.Now())

	err := s.RunInTx(ctx, func(ctx context.Context, tx Repo) error {
		meal, err := tx.GetMeal(ctx, "m1")
		if err != nil {
			return err
		}
		meal.CommentCount = 99
		if err := tx.UpdateMeal(ctx, meal); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	meal, err := s.GetMeal(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0, meal.CommentCount)
}

func TestMemoryRunInTxSerializesIncrements(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMeal(t, s, "m1", time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RunInTx(ctx, func(ctx context.Context, tx Repo) error {
				meal, err := tx.GetMeal(ctx, "m1")
				if err != nil {
					return err
				}
				meal.CommentCount++
				return tx.UpdateMeal(ctx, meal)
			})
		}()
	}
	wg.Wait()

	meal, err := s.GetMeal(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 25, meal.CommentCount)
}

func TestMemoryUpdateMealKeepsOwner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	meal := seedMeal(t, s, "m1", time.Now())

	meal.OwnerUID = "intruder"
	meal.Description = "changed"
	require.NoError(t, s.UpdateMeal(ctx, meal))

	got, err := s.GetMeal(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "owner", got.OwnerUID)
	assert.Equal(t, "changed", got.Description)
}

func TestMemoryListMealsBetweenIsInclusiveAndSorted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24*time.Hour - time.Millisecond)

	seedMeal(t, s, "a", start)
	seedMeal(t, s, "b", end)
	seedMeal(t, s, "c", start.Add(12*time.Hour))
	seedMeal(t, s, "outside", end.Add(time.Millisecond))

	meals, err := s.ListMealsBetween(ctx, start, end)
	require.NoError(t, err)
	ids := make([]string, 0, len(meals))
	for _, m := range meals {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestMemoryKeywordLookupAndLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		seedMeal(t, s, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Minute), "김치")
	}
	seedMeal(t, s, "other", base, "파스타")

	meals, err := s.ListMealsByKeywords(ctx, []string{"김치", "없음"}, 3)
	require.NoError(t, err)
	require.Len(t, meals, 3)
	assert.Equal(t, "m4", meals[0].ID)
}

func TestMemoryCommentPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMeal(t, s, "m1", time.Now())
	for i := 0; i < 7; i++ {
		require.NoError(t, s.InsertComment(ctx, Comment{ID: fmt.Sprintf("c%02d", i), MealID: "m1", Author: "엄마", Text: "hi"}))
	}

	first, err := s.ListCommentIDs(ctx, "m1", "", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"c00", "c01", "c02"}, first)

	next, err := s.ListCommentIDs(ctx, "m1", first[len(first)-1], 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"c03", "c04", "c05"}, next)

	require.NoError(t, s.DeleteComments(ctx, "m1", append(first, next...)))
	count, err := s.CountComments(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryInsertCommentRequiresMeal(t *testing.T) {
	s := NewMemoryStore()
	err := s.InsertComment(context.Background(), Comment{ID: "c1", MealID: "nope"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryProfileIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	role := "딸"
	require.NoError(t, s.UpsertProfile(ctx, UserProfile{UID: "u1", Email: "kid@example.com", Role: &role}))

	role = "아들"
	got, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "딸", got.RoleValue())

	_, err = s.GetProfile(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
