// Package meals implements meal queries and writes on top of the store, the
// authorization policy, the live change feed and the search index.
package meals

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"familymeal/api/internal/apperr"
	"familymeal/api/internal/feed"
	"familymeal/api/internal/logging"
	"familymeal/api/internal/metrics"
	"familymeal/api/internal/policy"
	"familymeal/api/internal/search"
	"familymeal/api/internal/store"
)

const dayLayout = "2006-01-02"

type Deps struct {
	Store    store.Store
	Policy   *policy.Engine
	Broker   feed.Broker
	Search   *search.Service
	Location *time.Location
	Logger   logging.Logger
	Now      func() time.Time
}

type Repository struct {
	store  store.Store
	policy *policy.Engine
	broker feed.Broker
	search *search.Service
	loc    *time.Location
	logger logging.Logger
	now    func() time.Time
}

func NewRepository(deps Deps) *Repository {
	r := &Repository{
		store:  deps.Store,
		policy: deps.Policy,
		broker: deps.Broker,
		search: deps.Search,
		loc:    deps.Location,
		logger: deps.Logger,
		now:    deps.Now,
	}
	if r.logger == nil {
		r.logger = logging.Nop()
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.broker == nil {
		r.broker = feed.NewLocalBroker()
	}
	if r.search == nil {
		r.search = search.NewService(nil, deps.Store, r.logger)
	}
	return r
}

// CreateInput is a new meal as submitted by a client. Comments are optional
// texts posted together with the meal.
type CreateInput struct {
	UserIDs     []string   `json:"userIds"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	ImageURL    string     `json:"imageUrl"`
	Timestamp   *time.Time `json:"timestamp"`
	Comments    []string   `json:"comments"`
}

// UpdateInput is a partial meal update. Comments and CommentCount are
// accepted so clients that echo whole documents keep working, and ignored.
type UpdateInput struct {
	UserIDs      *[]string  `json:"userIds"`
	Description  *string    `json:"description"`
	Type         *string    `json:"type"`
	ImageURL     *string    `json:"imageUrl"`
	Timestamp    *time.Time `json:"timestamp"`
	Comments     []string   `json:"comments"`
	CommentCount *int       `json:"commentCount"`
}

// DayStat is one day of the weekly overview.
type DayStat struct {
	Date  string `json:"date"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

var weekdayLabels = [...]string{"일", "월", "화", "수", "목", "금", "토"}

// ParseDay parses YYYY-MM-DD in the configured zone. Empty means today.
func (r *Repository) ParseDay(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return r.startOfDay(r.now()), nil
	}
	day, err := time.ParseInLocation(dayLayout, value, r.loc)
	if err != nil {
		return time.Time{}, apperr.InvalidArgument("date must be YYYY-MM-DD")
	}
	return day, nil
}

func (r *Repository) startOfDay(t time.Time) time.Time {
	t = t.In(r.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, r.loc)
}

// dayBounds returns local midnight and the last millisecond of the day.
func (r *Repository) dayBounds(day time.Time) (time.Time, time.Time) {
	start := r.startOfDay(day)
	end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
	return start, end
}

func requireProfile(actor policy.Actor) error {
	if !actor.HasProfile {
		return apperr.Forbidden("User profile is required")
	}
	return nil
}

func (r *Repository) readable(actor policy.Actor, items []store.Meal) []store.Meal {
	out := make([]store.Meal, 0, len(items))
	for _, meal := range items {
		if r.policy.CanReadMeal(actor, meal).Allowed {
			out = append(out, meal)
		}
	}
	return out
}

// dedupeAndSort keeps the first copy of each id and orders newest first.
func dedupeAndSort(items []store.Meal) []store.Meal {
	seen := make(map[string]struct{}, len(items))
	out := make([]store.Meal, 0, len(items))
	for _, meal := range items {
		if _, dup := seen[meal.ID]; dup {
			continue
		}
		seen[meal.ID] = struct{}{}
		out = append(out, meal)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (r *Repository) queryDay(ctx context.Context, actor policy.Actor, from, to time.Time) ([]store.Meal, error) {
	items, err := r.store.ListMealsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return r.readable(actor, dedupeAndSort(items)), nil
}

// ListForDay returns the meals eaten on day, newest first.
func (r *Repository) ListForDay(ctx context.Context, actor policy.Actor, day time.Time) ([]store.Meal, error) {
	if err := requireProfile(actor); err != nil {
		return nil, err
	}
	from, to := r.dayBounds(day)
	return r.queryDay(ctx, actor, from, to)
}

func (r *Repository) Get(ctx context.Context, actor policy.Actor, id string) (store.Meal, error) {
	if err := requireProfile(actor); err != nil {
		return store.Meal{}, err
	}
	meal, err := r.store.GetMeal(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Meal{}, apperr.NotFound("Meal not found")
	}
	if err != nil {
		return store.Meal{}, err
	}
	if err := r.policy.CanReadMeal(actor, meal).Err(); err != nil {
		return store.Meal{}, err
	}
	return meal, nil
}

func normalizeDescription(value string) (string, error) {
	value = strings.TrimSpace(value)
	n := utf8.RuneCountInString(value)
	if n < 1 || n > policy.MaxDescriptionLen {
		return "", apperr.InvalidArgument("description must be 1-300 characters")
	}
	return value, nil
}

func validateInput(meal store.Meal) error {
	if len(meal.UserIDs) == 0 {
		return apperr.InvalidArgument("at least one participant is required")
	}
	if !policy.ValidMealType(meal.Type) {
		return apperr.InvalidArgument("type must be one of 아침, 점심, 저녁, 간식")
	}
	if meal.ImageURL != "" && !strings.HasPrefix(meal.ImageURL, "http://") && !strings.HasPrefix(meal.ImageURL, "https://") {
		return apperr.InvalidArgument("imageUrl must be an http(s) URL")
	}
	return nil
}

func capKeywords(keywords []string) []string {
	if len(keywords) > policy.MaxKeywords {
		return keywords[:policy.MaxKeywords]
	}
	return keywords
}

// Create validates and stores a new meal owned by actor.
func (r *Repository) Create(ctx context.Context, actor policy.Actor, in CreateInput) (store.Meal, error) {
	if actor.UID == "" {
		return store.Meal{}, apperr.InvalidArgument("ownerUid is required")
	}
	description, err := normalizeDescription(in.Description)
	if err != nil {
		return store.Meal{}, err
	}
	seeds := make([]string, 0, len(in.Comments))
	for _, text := range in.Comments {
		text = strings.TrimSpace(text)
		if n := utf8.RuneCountInString(text); n < 1 || n > policy.MaxCommentLen {
			return store.Meal{}, apperr.InvalidArgument("comments must be 1-500 characters")
		}
		seeds = append(seeds, text)
	}
	if len(seeds) > 0 && !policy.ValidRole(actor.Role) {
		return store.Meal{}, apperr.Forbidden("A valid household role is required to comment")
	}

	now := r.now().UTC()
	meal := store.Meal{
		ID:          uuid.NewString(),
		OwnerUID:    actor.UID,
		UserIDs:     policy.SanitizeParticipants(in.UserIDs),
		Description: description,
		Type:        strings.TrimSpace(in.Type),
		ImageURL:    strings.TrimSpace(in.ImageURL),
		Timestamp:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		meal.Timestamp = in.Timestamp.UTC()
	}
	if err := validateInput(meal); err != nil {
		return store.Meal{}, err
	}
	meal.Keywords = capKeywords(DeriveKeywords(meal.Description, meal.Type, meal.UserIDs))

	if err := r.policy.Evaluate(policy.Request{
		Op: policy.OpCreate, Kind: policy.KindMeal, DocID: meal.ID, Actor: actor, IncomingMeal: &meal,
	}).Err(); err != nil {
		return store.Meal{}, err
	}
	meal.CommentCount = len(seeds)

	err = r.store.RunInTx(ctx, func(ctx context.Context, tx store.Repo) error {
		if err := tx.InsertMeal(ctx, meal); err != nil {
			return err
		}
		for _, text := range seeds {
			if err := tx.InsertComment(ctx, store.Comment{
				ID:        uuid.NewString(),
				MealID:    meal.ID,
				Author:    actor.Role,
				AuthorUID: actor.UID,
				Text:      text,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.Meal{}, err
	}

	r.changed(ctx, feed.Event{Kind: feed.EventUpsert, MealID: meal.ID, Timestamp: meal.Timestamp})
	r.search.IndexMeal(meal)
	return meal, nil
}

// Update applies a partial change to a meal the actor owns.
func (r *Repository) Update(ctx context.Context, actor policy.Actor, id string, patch UpdateInput) (store.Meal, error) {
	var before, after store.Meal
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx store.Repo) error {
		existing, err := tx.GetMeal(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("Meal not found")
		}
		if err != nil {
			return err
		}
		if !r.policy.CanManageMeal(actor, existing) {
			return apperr.Forbidden("Only the meal owner can edit it")
		}

		next := existing
		contentChanged := false
		if patch.Description != nil {
			description, err := normalizeDescription(*patch.Description)
			if err != nil {
				return err
			}
			contentChanged = contentChanged || description != existing.Description
			next.Description = description
		}
		if patch.Type != nil {
			mealType := strings.TrimSpace(*patch.Type)
			contentChanged = contentChanged || mealType != existing.Type
			next.Type = mealType
		}
		if patch.UserIDs != nil {
			participants := policy.SanitizeParticipants(*patch.UserIDs)
			contentChanged = contentChanged || !equalStrings(participants, existing.UserIDs)
			next.UserIDs = participants
		}
		if len(next.UserIDs) == 0 && policy.ValidRole(existing.LegacyUserID) {
			next.UserIDs = []string{existing.LegacyUserID}
			contentChanged = true
		}
		if patch.ImageURL != nil {
			next.ImageURL = strings.TrimSpace(*patch.ImageURL)
		}
		if patch.Timestamp != nil && !patch.Timestamp.IsZero() {
			next.Timestamp = patch.Timestamp.UTC()
		}
		if err := validateInput(next); err != nil {
			return err
		}
		if contentChanged || len(next.Keywords) == 0 {
			next.Keywords = capKeywords(DeriveKeywords(next.Description, next.Type, next.UserIDs))
		}
		next.UpdatedAt = r.now().UTC()

		if err := r.policy.Evaluate(policy.Request{
			Op: policy.OpUpdate, Kind: policy.KindMeal, DocID: id, Actor: actor,
			ExistingMeal: &existing, IncomingMeal: &next,
		}).Err(); err != nil {
			return err
		}
		if err := tx.UpdateMeal(ctx, next); err != nil {
			return err
		}
		before, after = existing, next
		return nil
	})
	if err != nil {
		return store.Meal{}, err
	}

	r.changed(ctx, feed.Event{Kind: feed.EventUpsert, MealID: id, Timestamp: after.Timestamp, PreviousTime: before.Timestamp})
	r.search.IndexMeal(after)
	return after, nil
}

// Search returns readable meals whose text contains keyword, newest first.
func (r *Repository) Search(ctx context.Context, actor policy.Actor, keyword string) ([]store.Meal, error) {
	if err := requireProfile(actor); err != nil {
		return nil, err
	}
	normalized := NormalizeQuery(keyword)
	if normalized == "" {
		return []store.Meal{}, nil
	}

	candidates, source, err := r.search.Candidates(ctx, normalized, QueryTokens(normalized), indexedLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		candidates, err = r.store.ListRecentMeals(ctx, recencyScanSize)
		if err != nil {
			return nil, err
		}
		source = "scan"
	}
	metrics.RecordSearch(string(source))

	matched := make([]store.Meal, 0, len(candidates))
	for _, meal := range candidates {
		if Matches(meal, normalized) {
			matched = append(matched, meal)
		}
	}
	return r.readable(actor, dedupeAndSort(matched)), nil
}

// WeeklyStats counts readable meals per local day for the seven days ending
// today, oldest first.
func (r *Repository) WeeklyStats(ctx context.Context, actor policy.Actor) ([]DayStat, error) {
	if err := requireProfile(actor); err != nil {
		return nil, err
	}
	today := r.startOfDay(r.now())
	first := today.AddDate(0, 0, -6)
	_, last := r.dayBounds(today)

	stats := make([]DayStat, 0, 7)
	index := make(map[string]int, 7)
	for i := 0; i < 7; i++ {
		day := first.AddDate(0, 0, i)
		key := day.Format(dayLayout)
		index[key] = i
		stats = append(stats, DayStat{Date: key, Label: weekdayLabels[day.Weekday()]})
	}

	items, err := r.queryDay(ctx, actor, first, last)
	if err != nil {
		return nil, err
	}
	for _, meal := range items {
		if i, ok := index[meal.Timestamp.In(r.loc).Format(dayLayout)]; ok {
			stats[i].Count++
		}
	}
	return stats, nil
}

// changed publishes a change event. The write is already committed, so a
// publish failure is only logged.
func (r *Repository) changed(ctx context.Context, ev feed.Event) {
	if err := r.broker.Publish(ctx, ev); err != nil {
		r.logger.Warn(ctx, "publish meal change", "meal_id", ev.MealID, "error", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
