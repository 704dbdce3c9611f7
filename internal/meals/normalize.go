package meals

import (
	"context"
	"errors"

	"familymeal/api/internal/logging"
	"familymeal/api/internal/policy"
	"familymeal/api/internal/store"
)

const normalizePageSize = 200

// NormalizeReport summarizes a legacy normalization pass.
type NormalizeReport struct {
	Scanned        int `json:"scanned"`
	Updated        int `json:"updated"`
	ParticipantFix int `json:"participantFix"`
	KeywordFix     int `json:"keywordFix"`
	CountFix       int `json:"countFix"`
	// MissingOwner counts meals that still have no ownerUid; they stay
	// reachable only through the legacy participant fallback.
	MissingOwner int `json:"missingOwner"`
}

// NormalizeLegacy rewrites old meals into the current shape: known
// participant roles, fresh keywords and a commentCount that matches the
// stored comments. With dryRun it only reports.
func NormalizeLegacy(ctx context.Context, st store.Store, dryRun bool, logger logging.Logger) (NormalizeReport, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	var report NormalizeReport
	after := ""
	for {
		page, err := st.ListMealsAfter(ctx, after, normalizePageSize)
		if err != nil {
			return report, err
		}
		for _, meal := range page {
			report.Scanned++
			if meal.OwnerUID == "" {
				report.MissingOwner++
			}
			delta, err := normalizeOne(ctx, st, meal.ID, dryRun)
			if errors.Is(err, store.ErrNotFound) {
				// deleted since the page was listed
				continue
			}
			if err != nil {
				return report, err
			}
			report.Updated += delta.Updated
			report.ParticipantFix += delta.ParticipantFix
			report.KeywordFix += delta.KeywordFix
			report.CountFix += delta.CountFix
		}
		if len(page) < normalizePageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	logger.Info(ctx, "legacy meal normalization finished",
		"dry_run", dryRun,
		"scanned", report.Scanned,
		"updated", report.Updated,
		"missing_owner", report.MissingOwner,
	)
	return report, nil
}

// normalizeOne fixes one meal. The tx body may be retried, so it fills a
// fresh delta on every attempt.
func normalizeOne(ctx context.Context, st store.Store, id string, dryRun bool) (NormalizeReport, error) {
	var report NormalizeReport
	err := st.RunInTx(ctx, func(ctx context.Context, tx store.Repo) error {
		report = NormalizeReport{}
		meal, err := tx.GetMeal(ctx, id)
		if err != nil {
			return err
		}
		next := meal
		changed := false

		participants := policy.SanitizeParticipants(meal.UserIDs)
		if len(participants) == 0 && policy.ValidRole(meal.LegacyUserID) {
			participants = []string{meal.LegacyUserID}
		}
		if len(participants) == 0 {
			participants = policy.RoleStrings()
		}
		if !equalStrings(participants, meal.UserIDs) {
			next.UserIDs = participants
			report.ParticipantFix = 1
			changed = true
		}
		if !policy.ValidMealType(next.Type) {
			next.Type = string(policy.DefaultMealType)
			changed = true
		}

		keywords := capKeywords(DeriveKeywords(next.Description, next.Type, next.UserIDs))
		if !sameSet(keywords, meal.Keywords) {
			next.Keywords = keywords
			report.KeywordFix = 1
			changed = true
		}

		count, err := tx.CountComments(ctx, id)
		if err != nil {
			return err
		}
		if count != meal.CommentCount {
			next.CommentCount = count
			report.CountFix = 1
			changed = true
		}

		if !changed {
			return nil
		}
		report.Updated = 1
		if dryRun {
			return nil
		}
		return tx.UpdateMeal(ctx, next)
	})
	return report, err
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
