package rules

import (
	"context"

	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logger"
	"github.com/kanbanfeed/crowbar-master-backend/internal/metrics"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
)

const ProfileCompletionBonus int64 = 20

type ProfileBonus struct {
	credits *credits.Service
}

func NewProfileBonus(c *credits.Service) *ProfileBonus {
	return &ProfileBonus{credits: c}
}

// Evaluate grants the profile completion bonus when both the profile and
// the KYC document sets are complete. It reports whether a grant was made.
func (p *ProfileBonus) Evaluate(ctx context.Context, email string) (bool, error) {
	u, err := p.credits.GetUser(ctx, email)
	if err != nil {
		return false, err
	}
	if u.ProfileCompleted {
		return false, nil
	}
	if !u.Profile.Complete() || !u.KYC.DocumentsComplete() {
		return false, nil
	}

	res, err := p.credits.GrantWith(ctx, credits.Grant{
		Email:          u.Email,
		Delta:          ProfileCompletionBonus,
		Reason:         models.ReasonProfileCompleted,
		Origin:         originCrowbar,
		IdempotencyKey: models.ReasonProfileCompleted + ":" + u.Email,
	}, func(ctx context.Context, tx *credits.Service) error {
		return tx.Store().UpdateUser(ctx, u.Email, models.UserPatch{ProfileCompleted: models.BoolPtr(true)})
	})
	if err != nil {
		return false, err
	}
	if res.Applied {
		metrics.BonusGrantsTotal.WithLabelValues("profile_completed").Inc()
		logger.Log.Info("profile completion bonus granted", "email", u.Email)
	}
	return res.Applied, nil
}
