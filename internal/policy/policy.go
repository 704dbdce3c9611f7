// Package policy decides whether an actor may read or write a user profile,
// a meal or a meal comment. Every check is a pure function of the actor, the
// stored document and the incoming document.
package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"familymeal/api/internal/apperr"
	"familymeal/api/internal/store"
)

const (
	MaxDescriptionLen = 300
	MaxCommentLen     = 500
	MaxKeywords       = 80
	MaxDisplayNameLen = 60
)

var imageURLPattern = regexp.MustCompile(`^https?://`)

type Op string

const (
	OpCreate Op = "create"
	OpRead   Op = "read"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type Kind string

const (
	KindUser    Kind = "user"
	KindMeal    Kind = "meal"
	KindComment Kind = "comment"
)

// Actor is the verified caller plus what its stored profile says.
type Actor struct {
	UID        string
	Email      string
	Role       string
	HasProfile bool
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Err converts a denial into a Forbidden error. Allowed decisions return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.Forbidden(d.Reason)
}

type Options struct {
	// StrictRead limits meal reads to the owner and listed participants.
	StrictRead bool
	// LegacyParticipants lets participant roles act as owner on meals that
	// predate ownerUid.
	LegacyParticipants bool
}

type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Request describes one attempted document operation.
type Request struct {
	Op    Op
	Kind  Kind
	DocID string
	Actor Actor

	ExistingMeal *store.Meal
	IncomingMeal *store.Meal
	ExistingUser *store.UserProfile
	IncomingUser *store.UserProfile
}

// Evaluate dispatches req to the predicate for its kind and operation.
func (e *Engine) Evaluate(req Request) Decision {
	switch req.Kind {
	case KindUser:
		switch req.Op {
		case OpCreate:
			if req.IncomingUser == nil {
				return deny("missing profile document")
			}
			return e.CanCreateUser(req.Actor, req.DocID, *req.IncomingUser)
		case OpRead:
			return e.CanReadUser(req.Actor, req.DocID)
		case OpUpdate:
			if req.ExistingUser == nil || req.IncomingUser == nil {
				return deny("missing profile document")
			}
			return e.CanUpdateUser(req.Actor, req.DocID, *req.ExistingUser, *req.IncomingUser)
		}
		return deny("profiles cannot be deleted")
	case KindMeal:
		switch req.Op {
		case OpCreate:
			if req.IncomingMeal == nil {
				return deny("missing meal document")
			}
			return e.CanCreateMeal(req.Actor, *req.IncomingMeal)
		case OpRead:
			if req.ExistingMeal == nil {
				return deny("missing meal document")
			}
			return e.CanReadMeal(req.Actor, *req.ExistingMeal)
		case OpUpdate:
			if req.ExistingMeal == nil || req.IncomingMeal == nil {
				return deny("missing meal document")
			}
			return e.CanUpdateMeal(req.Actor, *req.ExistingMeal, *req.IncomingMeal)
		}
		return deny("meals are deleted through the deletion workflow only")
	case KindComment:
		if req.Op == OpRead {
			return e.CanReadComments(req.Actor)
		}
		return deny("comments are changed through the comment routes only")
	}
	return deny("unknown document kind")
}

func (e *Engine) CanReadUser(actor Actor, uid string) Decision {
	if actor.UID == "" || actor.UID != uid {
		return deny("profiles are private to their owner")
	}
	return allow()
}

func (e *Engine) CanCreateUser(actor Actor, uid string, incoming store.UserProfile) Decision {
	if actor.UID == "" || actor.UID != uid || incoming.UID != uid {
		return deny("profile id must match the caller")
	}
	if !strings.EqualFold(strings.TrimSpace(incoming.Email), strings.TrimSpace(actor.Email)) || incoming.Email == "" {
		return deny("profile email must match the verified email")
	}
	if incoming.Role != nil {
		return deny("role is assigned by the server")
	}
	if utf8.RuneCountInString(incoming.DisplayName) > MaxDisplayNameLen {
		return deny("display name is too long")
	}
	return allow()
}

func (e *Engine) CanUpdateUser(actor Actor, uid string, existing, incoming store.UserProfile) Decision {
	if actor.UID == "" || actor.UID != uid || existing.UID != uid || incoming.UID != uid {
		return deny("profile id must match the caller")
	}
	if incoming.Email != existing.Email {
		return deny("email cannot be changed")
	}
	if incoming.RoleValue() != existing.RoleValue() || (incoming.Role == nil) != (existing.Role == nil) {
		return deny("role cannot be changed here")
	}
	if utf8.RuneCountInString(incoming.DisplayName) > MaxDisplayNameLen {
		return deny("display name is too long")
	}
	return allow()
}

func (e *Engine) CanCreateMeal(actor Actor, incoming store.Meal) Decision {
	if !actor.HasProfile {
		return deny("user profile is required")
	}
	if actor.UID == "" || incoming.OwnerUID != actor.UID {
		return deny("meal owner must be the caller")
	}
	if incoming.CommentCount != 0 {
		return deny("comment count is server-managed")
	}
	if reason := ValidateMealFields(incoming); reason != "" {
		return deny(reason)
	}
	return allow()
}

func (e *Engine) CanReadMeal(actor Actor, meal store.Meal) Decision {
	if !actor.HasProfile {
		return deny("user profile is required")
	}
	if !e.opts.StrictRead {
		return allow()
	}
	if meal.OwnerUID != "" && meal.OwnerUID == actor.UID {
		return allow()
	}
	if e.opts.LegacyParticipants && isParticipant(meal, actor.Role) {
		return allow()
	}
	return deny("meal is not shared with the caller")
}

func (e *Engine) CanUpdateMeal(actor Actor, existing, incoming store.Meal) Decision {
	if !e.CanManageMeal(actor, existing) {
		return deny("only the meal owner can edit it")
	}
	if incoming.OwnerUID != existing.OwnerUID {
		return deny("meal owner cannot be changed")
	}
	if incoming.CommentCount != existing.CommentCount {
		return deny("comment count is server-managed")
	}
	if reason := ValidateMealFields(incoming); reason != "" {
		return deny(reason)
	}
	return allow()
}

func (e *Engine) CanReadComments(actor Actor) Decision {
	if !actor.HasProfile {
		return deny("user profile is required")
	}
	return allow()
}

// CanManageMeal reports whether actor acts as the meal owner: it is the owner,
// or the meal has no owner and actor's role is a listed participant.
func (e *Engine) CanManageMeal(actor Actor, meal store.Meal) bool {
	if actor.UID == "" {
		return false
	}
	if meal.OwnerUID != "" {
		return meal.OwnerUID == actor.UID
	}
	return e.opts.LegacyParticipants && isParticipant(meal, actor.Role)
}

// ValidateMealFields checks the field-level meal constraints and returns a
// reason, or "" when the meal is valid.
func ValidateMealFields(meal store.Meal) string {
	length := utf8.RuneCountInString(meal.Description)
	if length < 1 || length > MaxDescriptionLen {
		return "description must be 1-300 characters"
	}
	if !ValidMealType(meal.Type) {
		return "unknown meal type"
	}
	if meal.ImageURL != "" && !imageURLPattern.MatchString(meal.ImageURL) {
		return "image url must be http(s)"
	}
	if len(meal.Keywords) > MaxKeywords {
		return "too many keywords"
	}
	if len(meal.UserIDs) == 0 {
		return "at least one participant is required"
	}
	for _, role := range meal.UserIDs {
		if !ValidRole(role) {
			return "unknown participant role"
		}
	}
	return ""
}

func isParticipant(meal store.Meal, role string) bool {
	if role == "" {
		return false
	}
	for _, r := range meal.UserIDs {
		if r == role {
			return true
		}
	}
	return meal.LegacyUserID == role
}
