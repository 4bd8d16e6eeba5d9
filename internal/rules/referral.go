package rules

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logger"
	"github.com/kanbanfeed/crowbar-master-backend/internal/metrics"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/kanbanfeed/crowbar-master-backend/internal/store"
)

const (
	ReferralBonus int64 = 25

	referralCodePrefix   = "CB-"
	referralCodeLength   = 8
	referralCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	maxCodeAttempts      = 10
)

var (
	ErrAlreadyReferred     = apperr.New(apperr.KindConflict, "already_referred", "this email has already used a referral code")
	ErrSelfReferral        = apperr.New(apperr.KindValidation, "self_referral", "you cannot use your own referral code")
	ErrCodeRequired        = apperr.New(apperr.KindValidation, "referral_code_required", "referral code is required")
	ErrUnknownReferralCode = apperr.New(apperr.KindNotFound, "unknown_referral_code", "referral code not found")
)

type Referrals struct {
	credits *credits.Service
	random  io.Reader
}

func NewReferrals(c *credits.Service) *Referrals {
	return &Referrals{credits: c, random: rand.Reader}
}

// WithRandom returns a copy reading code randomness from r.
func (r *Referrals) WithRandom(random io.Reader) *Referrals {
	c := *r
	c.random = random
	return &c
}

type ReferralResult struct {
	ReferrerEmail   string `json:"referrer_email"`
	ReferredEmail   string `json:"referred_email"`
	Bonus           int64  `json:"bonus"`
	ReferrerCredits int64  `json:"referrer_credits"`
}

// Apply links referredEmail to the owner of code and credits the owner.
// A referred email can be linked once; later attempts fail with
// ErrAlreadyReferred whatever code they carry and change nothing.
func (r *Referrals) Apply(ctx context.Context, referredEmail, code string) (*ReferralResult, error) {
	referred, err := credits.NormalizeEmail(referredEmail)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrCodeRequired
	}

	s := r.credits.Store()
	if _, err := s.GetReferralByReferred(ctx, referred); err == nil {
		return nil, ErrAlreadyReferred
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Upstream("failed to check referral", err)
	}

	referrer, err := s.GetUserByReferralCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownReferralCode
	}
	if err != nil {
		return nil, apperr.Upstream("failed to look up referral code", err)
	}
	if referrer.Email == referred {
		return nil, ErrSelfReferral
	}

	result := &ReferralResult{ReferrerEmail: referrer.Email, ReferredEmail: referred, Bonus: ReferralBonus}
	err = r.credits.RunInTx(ctx, func(ctx context.Context, tx *credits.Service) error {
		if _, err := tx.EnsureUser(ctx, referred); err != nil {
			return err
		}
		if err := tx.Store().InsertReferral(ctx, &models.Referral{
			ReferrerEmail: referrer.Email,
			ReferredEmail: referred,
			ReferralCode:  code,
			CreatedAt:     tx.Now(),
		}); err != nil {
			return err
		}
		total, err := tx.Record(ctx, &models.LedgerEntry{
			Email:          referrer.Email,
			Delta:          ReferralBonus,
			Reason:         models.ReasonReferralSignup,
			OriginSite:     originCrowbar,
			IdempotencyKey: models.StringPtr(models.ReasonReferralSignup + ":" + referred),
		})
		if err != nil {
			return err
		}
		result.ReferrerCredits = total
		return tx.Store().UpdateUser(ctx, referred, models.UserPatch{ReferredBy: &referrer.Email})
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, ErrAlreadyReferred
	}
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, apperr.Upstream("failed to apply referral", err)
	}

	metrics.BonusGrantsTotal.WithLabelValues("referral").Inc()
	logger.Log.Info("referral applied", "referrer", referrer.Email, "referred", referred)
	return result, nil
}

// EnsureCode returns the user's referral code, generating and storing one
// when missing. A collision with another user's code triggers a retry.
func (r *Referrals) EnsureCode(ctx context.Context, email string) (string, error) {
	u, err := r.credits.EnsureUser(ctx, email)
	if err != nil {
		return "", err
	}
	if u.ReferralCode != nil && *u.ReferralCode != "" {
		return *u.ReferralCode, nil
	}

	s := r.credits.Store()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := r.generateCode()
		if err != nil {
			return "", apperr.Internal("failed to generate referral code", err)
		}
		exists, err := s.ReferralCodeExists(ctx, code)
		if err != nil {
			return "", apperr.Upstream("failed to check referral code", err)
		}
		if exists {
			continue
		}
		err = s.SetReferralCode(ctx, u.Email, code)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return "", apperr.Upstream("failed to store referral code", err)
		}
		return code, nil
	}
	return "", apperr.Internal("failed to generate referral code", fmt.Errorf("no unused code after %d attempts", maxCodeAttempts))
}

func (r *Referrals) generateCode() (string, error) {
	var b strings.Builder
	b.WriteString(referralCodePrefix)
	size := big.NewInt(int64(len(referralCodeAlphabet)))
	for i := 0; i < referralCodeLength; i++ {
		n, err := rand.Int(r.random, size)
		if err != nil {
			return "", err
		}
		b.WriteByte(referralCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
