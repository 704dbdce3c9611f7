package policy

// Role is a household member. It doubles as the participant tag on meals.
type Role string

// MealType is the fixed meal slot enumeration.
type MealType string

const (
	RoleDad      Role = "아빠"
	RoleMom      Role = "엄마"
	RoleDaughter Role = "딸"
	RoleSon      Role = "아들"
)

const (
	MealBreakfast MealType = "아침"
	MealLunch     MealType = "점심"
	MealDinner    MealType = "저녁"
	MealSnack     MealType = "간식"
)

// DefaultMealType is used for legacy rows that carry no type.
const DefaultMealType = MealLunch

// Roles lists every household role in display order.
var Roles = []Role{RoleDad, RoleMom, RoleDaughter, RoleSon}

// MealTypes lists every meal type in display order.
var MealTypes = []MealType{MealBreakfast, MealLunch, MealDinner, MealSnack}

func ValidRole(role string) bool {
	switch Role(role) {
	case RoleDad, RoleMom, RoleDaughter, RoleSon:
		return true
	default:
		return false
	}
}

func ValidMealType(mealType string) bool {
	switch MealType(mealType) {
	case MealBreakfast, MealLunch, MealDinner, MealSnack:
		return true
	default:
		return false
	}
}

// RoleStrings returns Roles as plain strings.
func RoleStrings() []string {
	out := make([]string, len(Roles))
	for i, r := range Roles {
		out[i] = string(r)
	}
	return out
}

// SanitizeParticipants keeps known roles in their original order without
// duplicates.
func SanitizeParticipants(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !ValidRole(v) {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
