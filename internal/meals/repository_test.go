package meals

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"familymeal/api/internal/apperr"
	"familymeal/api/internal/feed"
	"familymeal/api/internal/policy"
	"familymeal/api/internal/store"
)

var kst = time.FixedZone("KST", 9*60*60)

// 2026-03-04 is a Wednesday.
var fixedNow = time.Date(2026, 3, 4, 20, 30, 0, 0, kst)

var (
	mom = policy.Actor{UID: "uid-mom", Email: "mom@example.com", Role: "엄마", HasProfile: true}
	dad = policy.Actor{UID: "uid-dad", Email: "dad@example.com", Role: "아빠", HasProfile: true}
	son = policy.Actor{UID: "uid-son", Email: "son@example.com", Role: "아들", HasProfile: true}
)

type fixture struct {
	repo   *Repository
	store  *store.MemoryStore
	broker *feed.LocalBroker
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := store.NewMemoryStore()
	broker := feed.NewLocalBroker()
	t.Cleanup(func() { _ = broker.Close() })
	repo := NewRepository(Deps{
		Store:    st,
		Policy:   policy.New(policy.Options{StrictRead: true, LegacyParticipants: true}),
		Broker:   broker,
		Location: kst,
		Now:      func() time.Time { return fixedNow },
	})
	return fixture{repo: repo, store: st, broker: broker}
}

func at(day, hour int) *time.Time {
	t := time.Date(2026, 3, day, hour, 0, 0, 0, kst)
	return &t
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInput
	}{
		{"empty description", CreateInput{UserIDs: []string{"엄마"}, Description: "   ", Type: "저녁"}},
		{"too long", CreateInput{UserIDs: []string{"엄마"}, Description: strings.Repeat("가", 301), Type: "저녁"}},
		{"bad type", CreateInput{UserIDs: []string{"엄마"}, Description: "국수", Type: "야식"}},
		{"no participants", CreateInput{UserIDs: []string{"삼촌"}, Description: "국수", Type: "저녁"}},
		{"bad image", CreateInput{UserIDs: []string{"엄마"}, Description: "국수", Type: "저녁", ImageURL: "ftp://x/y.jpg"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.repo.Create(ctx, mom, tc.in)
			assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument), "got %v", err)
		})
	}

	all, err := f.store.ListRecentMeals(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateAcceptsMaxDescription(t *testing.T) {
	f := newFixture(t)
	meal, err := f.repo.Create(context.Background(), mom, CreateInput{
		UserIDs: []string{"엄마"}, Description: strings.Repeat("가", 300), Type: "저녁",
	})
	require.NoError(t, err)
	assert.Equal(t, 300, len([]rune(meal.Description)))
}

func TestCreateDerivesServerFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meal, err := f.repo.Create(ctx, mom, CreateInput{
		UserIDs:     []string{"엄마", "아빠", "엄마", "삼촌"},
		Description: "  저녁 식사 맛있어요 ",
		Type:        "저녁",
		Comments:    []string{"최고", "또 먹자"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, meal.ID)
	assert.Equal(t, "uid-mom", meal.OwnerUID)
	assert.Equal(t, []string{"엄마", "아빠"}, meal.UserIDs)
	assert.Equal(t, "저녁 식사 맛있어요", meal.Description)
	assert.Equal(t, 2, meal.CommentCount)
	assert.True(t, meal.Timestamp.Equal(fixedNow))
	assert.Subset(t, meal.Keywords, []string{"저녁", "식사", "맛있어요", "엄마", "아빠"})

	comments, err := f.store.ListComments(ctx, meal.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "엄마", comments[0].Author)
}

func TestCreateRequiresProfile(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.Create(context.Background(), policy.Actor{UID: "x", Email: "x@example.com"}, CreateInput{
		UserIDs: []string{"엄마"}, Description: "국수", Type: "점심",
	})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestUpdateByNonOwnerIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meal, err := f.repo.Create(ctx, mom, CreateInput{UserIDs: []string{"엄마"}, Description: "국수", Type: "점심"})
	require.NoError(t, err)

	changed := "라면"
	_, err = f.repo.Update(ctx, dad, meal.ID, UpdateInput{Description: &changed})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	stored, err := f.store.GetMeal(ctx, meal.ID)
	require.NoError(t, err)
	assert.Equal(t, "국수", stored.Description)
}

func TestUpdateByNonOwnerWithInvalidPatchIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meal, err := f.repo.Create(ctx, mom, CreateInput{UserIDs: []string{"엄마"}, Description: "국수", Type: "점심"})
	require.NoError(t, err)

	empty := ""
	_, err = f.repo.Update(ctx, son, meal.ID, UpdateInput{Description: &empty})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden), "got %v", err)

	// the owner still gets the validation error
	_, err = f.repo.Update(ctx, mom, meal.ID, UpdateInput{Description: &empty})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument), "got %v", err)
}

func TestCreateWithCommentsRequiresRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	noRole := policy.Actor{UID: "uid-new", Email: "new@example.com", HasProfile: true}

	_, err := f.repo.Create(ctx, noRole, CreateInput{
		UserIDs: []string{"엄마"}, Description: "국수", Type: "점심", Comments: []string{"hi"},
	})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden), "got %v", err)

	all, err := f.store.ListRecentMeals(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdateRederivesKeywordsAndKeepsServerFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meal, err := f.repo.Create(ctx, mom, CreateInput{
		UserIDs: []string{"엄마"}, Description: "김치 찌개", Type: "점심", Comments: []string{"굿"},
	})
	require.NoError(t, err)

	description := "된장 찌개"
	bogus := 99
	updated, err := f.repo.Update(ctx, mom, meal.ID, UpdateInput{
		Description:  &description,
		Comments:     []string{"a", "b", "c"},
		CommentCount: &bogus,
	})
	require.NoError(t, err)
	assert.Equal(t, meal.OwnerUID, updated.OwnerUID)
	assert.Equal(t, 1, updated.CommentCount)
	assert.Contains(t, updated.Keywords, "된장")
	assert.NotContains(t, updated.Keywords, "김치")

	stored, err := f.store.GetMeal(ctx, meal.ID)
	require.NoError(t, err)
	assert.Equal(t, "uid-mom", stored.OwnerUID)
	assert.Equal(t, 1, stored.CommentCount)
}

func TestUpdateMissingMeal(t *testing.T) {
	f := newFixture(t)
	d := "x"
	_, err := f.repo.Update(context.Background(), mom, "nope", UpdateInput{Description: &d})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestLegacyParticipantMayUpdateOwnerlessMeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertMeal(ctx, store.Meal{
		ID: "legacy", LegacyUserID: "아빠", Description: "옛날 밥", Type: "아침", Timestamp: fixedNow,
	}))

	d := "옛날 국밥"
	updated, err := f.repo.Update(ctx, dad, "legacy", UpdateInput{Description: &d})
	require.NoError(t, err)
	assert.Equal(t, []string{"아빠"}, updated.UserIDs)
	assert.Empty(t, updated.OwnerUID)

	_, err = f.repo.Update(ctx, son, "legacy", UpdateInput{Description: &d})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestListForDayRangeAndOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, in := range []CreateInput{
		{UserIDs: []string{"엄마"}, Description: "아침밥", Type: "아침", Timestamp: at(4, 8)},
		{UserIDs: []string{"엄마"}, Description: "저녁밥", Type: "저녁", Timestamp: at(4, 19)},
		{UserIDs: []string{"엄마"}, Description: "어제", Type: "저녁", Timestamp: at(3, 23)},
	} {
		_, err := f.repo.Create(ctx, mom, in)
		require.NoError(t, err)
	}
	// midnight belongs to the day it starts
	midnight := time.Date(2026, 3, 4, 0, 0, 0, 0, kst)
	_, err := f.repo.Create(ctx, mom, CreateInput{UserIDs: []string{"엄마"}, Description: "자정", Type: "간식", Timestamp: &midnight})
	require.NoError(t, err)

	day, err := f.repo.ParseDay("2026-03-04")
	require.NoError(t, err)
	items, err := f.repo.ListForDay(ctx, mom, day)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "저녁밥", items[0].Description)
	assert.Equal(t, "아침밥", items[1].Description)
	assert.Equal(t, "자정", items[2].Description)

	_, err = f.repo.ParseDay("03/04/2026")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestStrictReadHidesOtherFamiliesMeals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.repo.Create(ctx, mom, CreateInput{UserIDs: []string{"엄마"}, Description: "혼밥", Type: "점심", Timestamp: at(4, 12)})
	require.NoError(t, err)
	shared, err := f.repo.Create(ctx, mom, CreateInput{UserIDs: []string{"엄마", "아들"}, Description: "같이", Type: "점심", Timestamp: at(4, 13)})
	require.NoError(t, err)

	day, _ := f.repo.ParseDay("2026-03-04")
	items, err := f.repo.ListForDay(ctx, son, day)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, shared.ID, items[0].ID)

	_, err = f.repo.ListForDay(ctx, policy.Actor{UID: "stranger"}, day)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestDedupeAndSort(t *testing.T) {
	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	out := dedupeAndSort([]store.Meal{
		{ID: "a", Timestamp: base},
		{ID: "b", Timestamp: base.Add(time.Hour)},
		{ID: "a", Timestamp: base},
		{ID: "c", Timestamp: base},
	})
	ids := make([]string, 0, len(out))
	for _, m := range out {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.repo.Create(ctx, mom, CreateInput{UserIDs: []string{"엄마"}, Description: "김치찌개 최고", Type: "저녁", Timestamp: at(2, 19)})
	require.NoError(t, err)
	_, err = f.repo.Create(ctx, mom, CreateInput{UserIDs: []string{"엄마"}, Description: "김치볶음밥", Type: "점심", Timestamp: at(3, 12)})
	require.NoError(t, err)
	_, err = f.repo.Create(ctx, mom, CreateInput{UserIDs: []string{"엄마"}, Description: "샐러드", Type: "아침", Timestamp: at(3, 8)})
	require.NoError(t, err)

	t.Run("empty query", func(t *testing.T) {
		items, err := f.repo.Search(ctx, mom, "   ")
		require.NoError(t, err)
		assert.Empty(t, items)
		assert.NotNil(t, items)
	})

	t.Run("substring via recency scan", func(t *testing.T) {
		items, err := f.repo.Search(ctx, mom, "김치")
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "김치볶음밥", items[0].Description)
	})

	t.Run("indexed token", func(t *testing.T) {
		items, err := f.repo.Search(ctx, mom, "  샐러드 ")
		require.NoError(t, err)
		require.Len(t, items, 1)
	})

	t.Run("by type", func(t *testing.T) {
		items, err := f.repo.Search(ctx, mom, "아침")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "샐러드", items[0].Description)
	})

	t.Run("not readable", func(t *testing.T) {
		items, err := f.repo.Search(ctx, son, "김치")
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

func TestWeeklyStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, ts := range []*time.Time{at(4, 8), at(4, 19), at(1, 12), at(25, 12)} {
		_, err := f.repo.Create(ctx, mom, CreateInput{UserIDs: []string{"엄마"}, Description: "밥", Type: "점심", Timestamp: ts})
		require.NoError(t, err)
	}

	stats, err := f.repo.WeeklyStats(ctx, mom)
	require.NoError(t, err)
	require.Len(t, stats, 7)
	assert.Equal(t, DayStat{Date: "2026-02-26", Label: "목", Count: 0}, stats[0])
	assert.Equal(t, DayStat{Date: "2026-03-01", Label: "일", Count: 1}, stats[3])
	assert.Equal(t, DayStat{Date: "2026-03-04", Label: "수", Count: 2}, stats[6])

	zero := 0
	for _, s := range stats {
		if s.Count == 0 {
			zero++
		}
	}
	assert.Equal(t, 5, zero)
}

func TestSubscribeDeliversSnapshotsAndStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day, _ := f.repo.ParseDay("2026-03-04")

	var mu sync.Mutex
	var snapshots [][]store.Meal
	got := make(chan struct{}, 10)
	unsubscribe, err := f.repo.Subscribe(ctx, mom, day, func(items []store.Meal) {
		mu.Lock()
		snapshots = append(snapshots, items)
		mu.Unlock()
		got <- struct{}{}
	}, func(error) {})
	require.NoError(t, err)

	wait := func() {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("no snapshot delivered")
		}
	}
	wait()

	_, err = f.repo.Create(ctx, mom, CreateInput{UserIDs: []string{"엄마"}, Description: "오늘", Type: "점심", Timestamp: at(4, 12)})
	require.NoError(t, err)
	wait()

	unsubscribe()
	unsubscribe()

	_, err = f.repo.Create(ctx, mom, CreateInput{UserIDs: []string{"엄마"}, Description: "또", Type: "점심", Timestamp: at(4, 13)})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 2)
	assert.Empty(t, snapshots[0])
	require.Len(t, snapshots[1], 1)
	assert.Equal(t, "오늘", snapshots[1][0].Description)
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) ListMealsBetween(context.Context, time.Time, time.Time) ([]store.Meal, error) {
	return nil, errors.New("backend down")
}

func TestSubscribeReportsErrors(t *testing.T) {
	repo := NewRepository(Deps{
		Store:    failingStore{store.NewMemoryStore()},
		Policy:   policy.New(policy.Options{}),
		Location: kst,
	})
	errs := make(chan error, 1)
	unsubscribe, err := repo.Subscribe(context.Background(), mom, fixedNow, func([]store.Meal) {
		t.Error("unexpected data")
	}, func(err error) { errs <- err })
	require.NoError(t, err)
	defer unsubscribe()

	select {
	case err := <-errs:
		assert.EqualError(t, err, "backend down")
	case <-time.After(2 * time.Second):
		t.Fatal("error not delivered")
	}
}
