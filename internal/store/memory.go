package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps every document in process memory. Transactions are
// serialized: RunInTx holds the store lock for the whole callback, works on
// a copy of the data and swaps it in only when fn succeeds.
type MemoryStore struct {
	mu   sync.Mutex
	data *memoryData
}

type memoryData struct {
	profiles   map[string]UserProfile
	meals      map[string]Meal
	comments   map[string]map[string]Comment
	deleteJobs map[string]DeleteJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemoryData()}
}

func newMemoryData() *memoryData {
	return &memoryData{
		profiles:   make(map[string]UserProfile),
		meals:      make(map[string]Meal),
		comments:   make(map[string]map[string]Comment),
		deleteJobs: make(map[string]DeleteJob),
	}
}

func (d *memoryData) clone() *memoryData {
	out := newMemoryData()
	for k, v := range d.profiles {
		out.profiles[k] = cloneProfile(v)
	}
	for k, v := range d.meals {
		out.meals[k] = cloneMeal(v)
	}
	for mealID, byID := range d.comments {
		copied := make(map[string]Comment, len(byID))
		for k, v := range byID {
			copied[k] = v
		}
		out.comments[mealID] = copied
	}
	for k, v := range d.deleteJobs {
		out.deleteJobs[k] = cloneJob(v)
	}
	return out
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Repo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	working := s.data.clone()
	if err := fn(ctx, &memoryRepo{data: working}); err != nil {
		return err
	}
	s.data = working
	return nil
}

func (s *MemoryStore) repo() (*memoryRepo, func()) {
	s.mu.Lock()
	return &memoryRepo{data: s.data}, s.mu.Unlock
}

func (s *MemoryStore) GetProfile(ctx context.Context, uid string) (UserProfile, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.GetProfile(ctx, uid)
}

func (s *MemoryStore) UpsertProfile(ctx context.Context, profile UserProfile) error {
	r, unlock := s.repo()
	defer unlock()
	return r.UpsertProfile(ctx, profile)
}

func (s *MemoryStore) GetMeal(ctx context.Context, id string) (Meal, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.GetMeal(ctx, id)
}

func (s *MemoryStore) GetMealsByIDs(ctx context.Context, ids []string) ([]Meal, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.GetMealsByIDs(ctx, ids)
}

func (s *MemoryStore) InsertMeal(ctx context.Context, meal Meal) error {
	r, unlock := s.repo()
	defer unlock()
	return r.InsertMeal(ctx, meal)
}

func (s *MemoryStore) UpdateMeal(ctx context.Context, meal Meal) error {
	r, unlock := s.repo()
	defer unlock()
	return r.UpdateMeal(ctx, meal)
}

func (s *MemoryStore) DeleteMeal(ctx context.Context, id string) error {
	r, unlock := s.repo()
	defer unlock()
	return r.DeleteMeal(ctx, id)
}

func (s *MemoryStore) ListMealsBetween(ctx context.Context, from, to time.Time) ([]Meal, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.ListMealsBetween(ctx, from, to)
}

func (s *MemoryStore) ListMealsByKeywords(ctx context.Context, tokens []string, limit int) ([]Meal, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.ListMealsByKeywords(ctx, tokens, limit)
}

func (s *MemoryStore) ListRecentMeals(ctx context.Context, limit int) ([]Meal, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.ListRecentMeals(ctx, limit)
}

func (s *MemoryStore) ListMealsAfter(ctx context.Context, afterID string, limit int) ([]Meal, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.ListMealsAfter(ctx, afterID, limit)
}

func (s *MemoryStore) GetComment(ctx context.Context, mealID, commentID string) (Comment, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.GetComment(ctx, mealID, commentID)
}

func (s *MemoryStore) ListComments(ctx context.Context, mealID string) ([]Comment, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.ListComments(ctx, mealID)
}

func (s *MemoryStore) InsertComment(ctx context.Context, comment Comment) error {
	r, unlock := s.repo()
	defer unlock()
	return r.InsertComment(ctx, comment)
}

func (s *MemoryStore) UpdateComment(ctx context.Context, comment Comment) error {
	r, unlock := s.repo()
	defer unlock()
	return r.UpdateComment(ctx, comment)
}

func (s *MemoryStore) DeleteComment(ctx context.Context, mealID, commentID string) error {
	r, unlock := s.repo()
	defer unlock()
	return r.DeleteComment(ctx, mealID, commentID)
}

func (s *MemoryStore) ListCommentIDs(ctx context.Context, mealID, afterID string, limit int) ([]string, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.ListCommentIDs(ctx, mealID, afterID, limit)
}

func (s *MemoryStore) DeleteComments(ctx context.Context, mealID string, ids []string) error {
	r, unlock := s.repo()
	defer unlock()
	return r.DeleteComments(ctx, mealID, ids)
}

func (s *MemoryStore) CountComments(ctx context.Context, mealID string) (int, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.CountComments(ctx, mealID)
}

func (s *MemoryStore) GetDeleteJob(ctx context.Context, mealID string) (DeleteJob, error) {
	r, unlock := s.repo()
	defer unlock()
	return r.GetDeleteJob(ctx, mealID)
}

func (s *MemoryStore) UpsertDeleteJob(ctx context.Context, job DeleteJob) error {
	r, unlock := s.repo()
	defer unlock()
	return r.UpsertDeleteJob(ctx, job)
}

// memoryRepo operates on data without locking; callers hold MemoryStore.mu.
type memoryRepo struct {
	data *memoryData
}

func (r *memoryRepo) GetProfile(_ context.Context, uid string) (UserProfile, error) {
	profile, ok := r.data.profiles[uid]
	if !ok {
		return UserProfile{}, ErrNotFound
	}
	return cloneProfile(profile), nil
}

func (r *memoryRepo) UpsertProfile(_ context.Context, profile UserProfile) error {
	if existing, ok := r.data.profiles[profile.UID]; ok {
		profile.CreatedAt = existing.CreatedAt
	}
	r.data.profiles[profile.UID] = cloneProfile(profile)
	return nil
}

func (r *memoryRepo) GetMeal(_ context.Context, id string) (Meal, error) {
	meal, ok := r.data.meals[id]
	if !ok {
		return Meal{}, ErrNotFound
	}
	return cloneMeal(meal), nil
}

func (r *memoryRepo) GetMealsByIDs(_ context.Context, ids []string) ([]Meal, error) {
	items := make([]Meal, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if meal, ok := r.data.meals[id]; ok {
			items = append(items, cloneMeal(meal))
		}
	}
	sortMealsNewestFirst(items)
	return items, nil
}

func (r *memoryRepo) InsertMeal(_ context.Context, meal Meal) error {
	r.data.meals[meal.ID] = cloneMeal(meal)
	return nil
}

func (r *memoryRepo) UpdateMeal(_ context.Context, meal Meal) error {
	existing, ok := r.data.meals[meal.ID]
	if !ok {
		return ErrNotFound
	}
	meal.OwnerUID = existing.OwnerUID
	meal.CreatedAt = existing.CreatedAt
	r.data.meals[meal.ID] = cloneMeal(meal)
	return nil
}

func (r *memoryRepo) DeleteMeal(_ context.Context, id string) error {
	delete(r.data.meals, id)
	return nil
}

func (r *memoryRepo) ListMealsBetween(_ context.Context, from, to time.Time) ([]Meal, error) {
	items := make([]Meal, 0)
	for _, meal := range r.data.meals {
		if meal.Timestamp.Before(from) || meal.Timestamp.After(to) {
			continue
		}
		items = append(items, cloneMeal(meal))
	}
	sortMealsNewestFirst(items)
	return items, nil
}

func (r *memoryRepo) ListMealsByKeywords(_ context.Context, tokens []string, limit int) ([]Meal, error) {
	wanted := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		wanted[token] = struct{}{}
	}
	items := make([]Meal, 0)
	for _, meal := range r.data.meals {
		for _, keyword := range meal.Keywords {
			if _, ok := wanted[keyword]; ok {
				items = append(items, cloneMeal(meal))
				break
			}
		}
	}
	sortMealsNewestFirst(items)
	return truncate(items, limit), nil
}

func (r *memoryRepo) ListRecentMeals(_ context.Context, limit int) ([]Meal, error) {
	items := make([]Meal, 0, len(r.data.meals))
	for _, meal := range r.data.meals {
		items = append(items, cloneMeal(meal))
	}
	sortMealsNewestFirst(items)
	return truncate(items, limit), nil
}

func (r *memoryRepo) ListMealsAfter(_ context.Context, afterID string, limit int) ([]Meal, error) {
	items := make([]Meal, 0)
	for id, meal := range r.data.meals {
		if id > afterID {
			items = append(items, cloneMeal(meal))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return truncate(items, limit), nil
}

func (r *memoryRepo) GetComment(_ context.Context, mealID, commentID string) (Comment, error) {
	comment, ok := r.data.comments[mealID][commentID]
	if !ok {
		return Comment{}, ErrNotFound
	}
	return comment, nil
}

func (r *memoryRepo) ListComments(_ context.Context, mealID string) ([]Comment, error) {
	items := make([]Comment, 0, len(r.data.comments[mealID]))
	for _, comment := range r.data.comments[mealID] {
		items = append(items, comment)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (r *memoryRepo) InsertComment(_ context.Context, comment Comment) error {
	if _, ok := r.data.meals[comment.MealID]; !ok {
		return ErrNotFound
	}
	byID := r.data.comments[comment.MealID]
	if byID == nil {
		byID = make(map[string]Comment)
		r.data.comments[comment.MealID] = byID
	}
	byID[comment.ID] = comment
	return nil
}

func (r *memoryRepo) UpdateComment(_ context.Context, comment Comment) error {
	existing, ok := r.data.comments[comment.MealID][comment.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Text = comment.Text
	existing.UpdatedAt = comment.UpdatedAt
	r.data.comments[comment.MealID][comment.ID] = existing
	return nil
}

func (r *memoryRepo) DeleteComment(_ context.Context, mealID, commentID string) error {
	delete(r.data.comments[mealID], commentID)
	return nil
}

func (r *memoryRepo) ListCommentIDs(_ context.Context, mealID, afterID string, limit int) ([]string, error) {
	ids := make([]string, 0)
	for id := range r.data.comments[mealID] {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memoryRepo) DeleteComments(_ context.Context, mealID string, ids []string) error {
	for _, id := range ids {
		delete(r.data.comments[mealID], id)
	}
	return nil
}

func (r *memoryRepo) CountComments(_ context.Context, mealID string) (int, error) {
	return len(r.data.comments[mealID]), nil
}

func (r *memoryRepo) GetDeleteJob(_ context.Context, mealID string) (DeleteJob, error) {
	job, ok := r.data.deleteJobs[mealID]
	if !ok {
		return DeleteJob{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *memoryRepo) UpsertDeleteJob(_ context.Context, job DeleteJob) error {
	r.data.deleteJobs[job.MealID] = cloneJob(job)
	return nil
}

func sortMealsNewestFirst(items []Meal) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.After(items[j].Timestamp)
		}
		return strings.Compare(items[i].ID, items[j].ID) < 0
	})
}

func truncate(items []Meal, limit int) []Meal {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func cloneMeal(m Meal) Meal {
	m.UserIDs = append([]string{}, m.UserIDs...)
	m.Keywords = append([]string{}, m.Keywords...)
	return m
}

func cloneProfile(p UserProfile) UserProfile {
	if p.Role != nil {
		role := *p.Role
		p.Role = &role
	}
	return p
}

func cloneJob(j DeleteJob) DeleteJob {
	if j.DeletedAt != nil {
		at := *j.DeletedAt
		j.DeletedAt = &at
	}
	return j
}
