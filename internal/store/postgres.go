package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const maxTxAttempts = 5

type PostgresStore struct {
	queries
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{queries: queries{db: db}, db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx runs fn in a transaction whose reads take row locks. Serialization
// failures and deadlocks are retried.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Repo) error) error {
	for attempt := 1; ; attempt++ {
		err := withTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
			return fn(ctx, queries{db: tx, lock: true})
		})
		if err == nil || !isRetryable(err) || attempt >= maxTxAttempts {
			return err
		}
		if err := retryBackoff(ctx, attempt); err != nil {
			return err
		}
	}
}

type queries struct {
	db   DBTX
	lock bool
}

func (q queries) forUpdate() string {
	if q.lock {
		return " FOR UPDATE"
	}
	return ""
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (q queries) GetProfile(ctx context.Context, uid string) (UserProfile, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT uid, email, display_name, role, created_at, updated_at
		FROM user_profiles WHERE uid=$1`+q.forUpdate(), uid)
	var profile UserProfile
	var role sql.NullString
	err := row.Scan(&profile.UID, &profile.Email, &profile.DisplayName, &role, &profile.CreatedAt, &profile.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserProfile{}, ErrNotFound
	}
	if err != nil {
		return UserProfile{}, fmt.Errorf("get profile: %w", err)
	}
	if role.Valid {
		value := role.String
		profile.Role = &value
	}
	return profile, nil
}

func (q queries) UpsertProfile(ctx context.Context, profile UserProfile) error {
	var role sql.NullString
	if profile.Role != nil {
		role = sql.NullString{String: *profile.Role, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO user_profiles (uid, email, display_name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uid) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			updated_at = EXCLUDED.updated_at
	`, profile.UID, profile.Email, profile.DisplayName, role, profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

const mealColumns = `id, owner_uid, user_ids, legacy_user_id, description, meal_type, image_url, eaten_at, keywords, comment_count, created_at, updated_at`

func scanMeal(row rowScanner) (Meal, error) {
	var meal Meal
	var userIDsRaw, keywordsRaw []byte
	if err := row.Scan(
		&meal.ID,
		&meal.OwnerUID,
		&userIDsRaw,
		&meal.LegacyUserID,
		&meal.Description,
		&meal.Type,
		&meal.ImageURL,
		&meal.Timestamp,
		&keywordsRaw,
		&meal.CommentCount,
		&meal.CreatedAt,
		&meal.UpdatedAt,
	); err != nil {
		return Meal{}, err
	}
	meal.UserIDs = decodeStrings(userIDsRaw)
	meal.Keywords = decodeStrings(keywordsRaw)
	return meal, nil
}

func (q queries) queryMeals(ctx context.Context, query string, args ...any) ([]Meal, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Meal, 0)
	for rows.Next() {
		meal, err := scanMeal(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, meal)
	}
	return items, rows.Err()
}

func (q queries) GetMeal(ctx context.Context, id string) (Meal, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+mealColumns+` FROM meals WHERE id=$1`+q.forUpdate(), id)
	meal, err := scanMeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Meal{}, ErrNotFound
	}
	if err != nil {
		return Meal{}, fmt.Errorf("get meal: %w", err)
	}
	return meal, nil
}

func (q queries) GetMealsByIDs(ctx context.Context, ids []string) ([]Meal, error) {
	if len(ids) == 0 {
		return []Meal{}, nil
	}
	encoded, err := encodeStrings(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal meal ids: %w", err)
	}
	items, err := q.queryMeals(ctx, `
		SELECT `+mealColumns+` FROM meals
		WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))
		ORDER BY eaten_at DESC, id`, encoded)
	if err != nil {
		return nil, fmt.Errorf("get meals by ids: %w", err)
	}
	return items, nil
}

func (q queries) InsertMeal(ctx context.Context, meal Meal) error {
	userIDs, err := encodeStrings(meal.UserIDs)
	if err != nil {
		return fmt.Errorf("marshal meal participants: %w", err)
	}
	keywords, err := encodeStrings(meal.Keywords)
	if err != nil {
		return fmt.Errorf("marshal meal keywords: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO meals (`+mealColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		meal.ID,
		meal.OwnerUID,
		userIDs,
		meal.LegacyUserID,
		meal.Description,
		meal.Type,
		meal.ImageURL,
		meal.Timestamp,
		keywords,
		meal.CommentCount,
		meal.CreatedAt,
		meal.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert meal: %w", err)
	}
	return nil
}

// UpdateMeal rewrites the mutable fields of a meal. owner_uid and created_at
// are never touched.
func (q queries) UpdateMeal(ctx context.Context, meal Meal) error {
	userIDs, err := encodeStrings(meal.UserIDs)
	if err != nil {
		return fmt.Errorf("marshal meal participants: %w", err)
	}
	keywords, err := encodeStrings(meal.Keywords)
	if err != nil {
		return fmt.Errorf("marshal meal keywords: %w", err)
	}
	result, err := q.db.ExecContext(ctx, `
		UPDATE meals SET
			user_ids = $2,
			legacy_user_id = $3,
			description = $4,
			meal_type = $5,
			image_url = $6,
			eaten_at = $7,
			keywords = $8,
			comment_count = $9,
			updated_at = $10
		WHERE id = $1
	`,
		meal.ID,
		userIDs,
		meal.LegacyUserID,
		meal.Description,
		meal.Type,
		meal.ImageURL,
		meal.Timestamp,
		keywords,
		meal.CommentCount,
		meal.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update meal: %w", err)
	}
	return requireAffected(result)
}

// DeleteMeal is idempotent: deleting a missing meal is not an error.
func (q queries) DeleteMeal(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM meals WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete meal: %w", err)
	}
	return nil
}

func (q queries) ListMealsBetween(ctx context.Context, from, to time.Time) ([]Meal, error) {
	items, err := q.queryMeals(ctx, `
		SELECT `+mealColumns+` FROM meals
		WHERE eaten_at >= $1 AND eaten_at <= $2
		ORDER BY eaten_at DESC, id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list meals between: %w", err)
	}
	return items, nil
}

func (q queries) ListMealsByKeywords(ctx context.Context, tokens []string, limit int) ([]Meal, error) {
	if len(tokens) == 0 {
		return []Meal{}, nil
	}
	encoded, err := encodeStrings(tokens)
	if err != nil {
		return nil, fmt.Errorf("marshal keyword tokens: %w", err)
	}
	items, err := q.queryMeals(ctx, `
		SELECT `+mealColumns+` FROM meals
		WHERE keywords ?| ARRAY(SELECT jsonb_array_elements_text($1::jsonb))
		ORDER BY eaten_at DESC, id
		LIMIT $2`, encoded, limit)
	if err != nil {
		return nil, fmt.Errorf("list meals by keywords: %w", err)
	}
	return items, nil
}

func (q queries) ListRecentMeals(ctx context.Context, limit int) ([]Meal, error) {
	items, err := q.queryMeals(ctx, `
		SELECT `+mealColumns+` FROM meals
		ORDER BY eaten_at DESC, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent meals: %w", err)
	}
	return items, nil
}

func (q queries) ListMealsAfter(ctx context.Context, afterID string, limit int) ([]Meal, error) {
	items, err := q.queryMeals(ctx, `
		SELECT `+mealColumns+` FROM meals
		WHERE id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list meals after: %w", err)
	}
	return items, nil
}

const commentColumns = `id, meal_id, author, author_uid, body, created_at, updated_at`

func scanComment(row rowScanner) (Comment, error) {
	var c Comment
	err := row.Scan(&c.ID, &c.MealID, &c.Author, &c.AuthorUID, &c.Text, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (q queries) GetComment(ctx context.Context, mealID, commentID string) (Comment, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+` FROM meal_comments
		WHERE meal_id=$1 AND id=$2`+q.forUpdate(), mealID, commentID)
	comment, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return comment, nil
}

func (q queries) ListComments(ctx context.Context, mealID string) ([]Comment, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM meal_comments
		WHERE meal_id=$1
		ORDER BY created_at ASC, id ASC`, mealID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, comment)
	}
	return items, rows.Err()
}

func (q queries) InsertComment(ctx context.Context, comment Comment) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO meal_comments (`+commentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, comment.ID, comment.MealID, comment.Author, comment.AuthorUID, comment.Text, comment.CreatedAt, comment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// UpdateComment only rewrites text and updated_at.
func (q queries) UpdateComment(ctx context.Context, comment Comment) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE meal_comments SET body=$3, updated_at=$4
		WHERE meal_id=$1 AND id=$2
	`, comment.MealID, comment.ID, comment.Text, comment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return requireAffected(result)
}

func (q queries) DeleteComment(ctx context.Context, mealID, commentID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM meal_comments WHERE meal_id=$1 AND id=$2`, mealID, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

func (q queries) ListCommentIDs(ctx context.Context, mealID, afterID string, limit int) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id FROM meal_comments
		WHERE meal_id=$1 AND id > $2
		ORDER BY id
		LIMIT $3`, mealID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list comment ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan comment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q queries) DeleteComments(ctx context.Context, mealID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	encoded, err := encodeStrings(ids)
	if err != nil {
		return fmt.Errorf("marshal comment ids: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		DELETE FROM meal_comments
		WHERE meal_id=$1 AND id IN (SELECT jsonb_array_elements_text($2::jsonb))
	`, mealID, encoded)
	if err != nil {
		return fmt.Errorf("delete comments: %w", err)
	}
	return nil
}

func (q queries) CountComments(ctx context.Context, mealID string) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM meal_comments WHERE meal_id=$1`, mealID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count comments: %w", err)
	}
	return count, nil
}

func (q queries) GetDeleteJob(ctx context.Context, mealID string) (DeleteJob, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT meal_id, status, started_at, updated_at, attempts, requested_by, deleted_at, completed_by, last_error
		FROM meal_delete_jobs WHERE meal_id=$1`+q.forUpdate(), mealID)
	var job DeleteJob
	var deletedAt sql.NullTime
	err := row.Scan(
		&job.MealID,
		&job.Status,
		&job.StartedAt,
		&job.UpdatedAt,
		&job.Attempts,
		&job.RequestedBy,
		&deletedAt,
		&job.CompletedBy,
		&job.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DeleteJob{}, ErrNotFound
	}
	if err != nil {
		return DeleteJob{}, fmt.Errorf("get delete job: %w", err)
	}
	if deletedAt.Valid {
		value := deletedAt.Time
		job.DeletedAt = &value
	}
	return job, nil
}

func (q queries) UpsertDeleteJob(ctx context.Context, job DeleteJob) error {
	var deletedAt sql.NullTime
	if job.DeletedAt != nil {
		deletedAt = sql.NullTime{Time: *job.DeletedAt, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO meal_delete_jobs (meal_id, status, started_at, updated_at, attempts, requested_by, deleted_at, completed_by, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (meal_id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at,
			attempts = EXCLUDED.attempts,
			requested_by = EXCLUDED.requested_by,
			deleted_at = EXCLUDED.deleted_at,
			completed_by = EXCLUDED.completed_by,
			last_error = EXCLUDED.last_error
	`, job.MealID, job.Status, job.StartedAt, job.UpdatedAt, job.Attempts, job.RequestedBy, deletedAt, job.CompletedBy, job.LastError)
	if err != nil {
		return fmt.Errorf("upsert delete job: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func decodeStrings(raw []byte) []string {
	out := make([]string, 0)
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}
