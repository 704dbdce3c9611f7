package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by every lookup that finds no row.
var ErrNotFound = errors.New("not found")

type UserProfile struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        *string   `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RoleValue returns the stored role or "" when none has been chosen.
func (p UserProfile) RoleValue() string {
	if p.Role == nil {
		return ""
	}
	return *p.Role
}

type Meal struct {
	ID       string `json:"id"`
	OwnerUID string `json:"ownerUid"`
	// UserIDs holds participant roles; the first one is the author.
	UserIDs []string `json:"userIds"`
	// LegacyUserID is the single-participant field of rows written before
	// participant lists existed.
	LegacyUserID string    `json:"userId,omitempty"`
	Description  string    `json:"description"`
	Type         string    `json:"type"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Keywords     []string  `json:"keywords"`
	CommentCount int       `json:"commentCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Comment struct {
	ID        string    `json:"id"`
	MealID    string    `json:"mealId"`
	Author    string    `json:"author"`
	AuthorUID string    `json:"authorUid"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	DeleteJobProcessing = "processing"
	DeleteJobCompleted  = "completed"
	DeleteJobFailed     = "failed"
)

// DeleteJob is the per-meal lease record of the deletion workflow.
type DeleteJob struct {
	MealID      string     `json:"mealId"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Attempts    int        `json:"attempts"`
	RequestedBy string     `json:"requestedBy"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	CompletedBy string     `json:"completedBy,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}
