package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/metrics"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/kanbanfeed/crowbar-master-backend/internal/store"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidEmail        = apperr.New(apperr.KindValidation, "invalid_email", "a valid email is required")
	ErrInvalidAmount       = apperr.New(apperr.KindValidation, "invalid_amount", "amount must be a positive whole number of credits")
	ErrOriginRequired      = apperr.New(apperr.KindValidation, "origin_required", "origin is required")
	ErrInsufficientCredits = apperr.New(apperr.KindValidation, "insufficient_credits", "not enough credits")
	ErrUserNotFound        = apperr.New(apperr.KindNotFound, "user_not_found", "user not found")
)

// Service holds the only implementation of the balance mutators. Every
// component that moves credits or spend goes through it.
type Service struct {
	store store.Store
	now   func() time.Time
}

func NewService(s store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// WithClock returns a copy of the service reading time from now.
func (s *Service) WithClock(now func() time.Time) *Service {
	c := *s
	c.now = now
	return &c
}

func (s *Service) Now() time.Time {
	return s.now()
}

func (s *Service) Store() store.Store {
	return s.store
}

// RunInTx runs fn with a Service bound to one store transaction.
func (s *Service) RunInTx(ctx context.Context, fn func(ctx context.Context, tx *Service) error) error {
	return s.store.RunInTx(ctx, func(ctx context.Context, txStore store.Store) error {
		return fn(ctx, &Service{store: txStore, now: s.now})
	})
}

// NormalizeEmail normalizes and validates an email address.
func NormalizeEmail(email string) (string, error) {
	normalized := models.NormalizeEmail(email)
	if normalized == "" || !strings.Contains(normalized, "@") {
		return "", ErrInvalidEmail
	}
	return normalized, nil
}

// EnsureUser upserts the row for email. It must run before any mutation
// so a missing row is created instead of read as zero.
func (s *Service) EnsureUser(ctx context.Context, email string) (*models.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	u, err := s.store.EnsureUser(ctx, email)
	if err != nil {
		return nil, apperr.Upstream("failed to ensure user", err)
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, email string) (*models.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, apperr.Upstream("failed to load user", err)
	}
	return u, nil
}

// BumpCredits adds delta to total_credits and returns the new total. The
// increment is a single atomic update, so concurrent bumps never lose
// each other.
func (s *Service) BumpCredits(ctx context.Context, email string, delta int64) (int64, error) {
	u, err := s.EnsureUser(ctx, email)
	if err != nil {
		return 0, err
	}
	total, err := s.store.IncrementCredits(ctx, u.Email, delta)
	if err != nil {
		return 0, apperr.Upstream("failed to bump credits", err)
	}
	return total, nil
}

// BumpSpend adds usd to total_spent, unlocks full access once the spend
// threshold is reached, and returns the new total.
func (s *Service) BumpSpend(ctx context.Context, email string, usd decimal.Decimal) (decimal.Decimal, error) {
	u, err := s.EnsureUser(ctx, email)
	if err != nil {
		return decimal.Zero, err
	}
	total, err := s.store.IncrementSpend(ctx, u.Email, usd, billing.FullAccessThreshold)
	if err != nil {
		return decimal.Zero, apperr.Upstream("failed to bump spend", err)
	}
	return total, nil
}

// Record appends entry to the ledger and then applies its delta to the
// user's balance. The ledger write comes first. A store.ErrDuplicate from
// the insert is returned unwrapped-compatible so callers can treat it as
// already processed.
func (s *Service) Record(ctx context.Context, entry *models.LedgerEntry) (int64, error) {
	email, err := NormalizeEmail(entry.Email)
	if err != nil {
		return 0, err
	}
	entry.Email = email
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	if _, err := s.store.EnsureUser(ctx, email); err != nil {
		return 0, apperr.Upstream("failed to ensure user", err)
	}
	if err := s.store.InsertLedgerEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return 0, err
		}
		return 0, apperr.Upstream("failed to write ledger entry", err)
	}
	metrics.LedgerEntriesTotal.WithLabelValues(metrics.ReasonLabel(entry.Reason)).Inc()

	if entry.Delta == 0 {
		u, err := s.store.GetUser(ctx, email)
		if err != nil {
			return 0, apperr.Upstream("failed to load user", err)
		}
		return u.TotalCredits, nil
	}
	total, err := s.store.IncrementCredits(ctx, email, entry.Delta)
	if err != nil {
		return 0, apperr.Upstream("failed to bump credits", err)
	}
	return total, nil
}

// Grant describes an idempotent credit movement outside the payment flow.
type Grant struct {
	Email          string
	Delta          int64
	Reason         string
	Origin         string
	IdempotencyKey string
	AmountUSD      *decimal.Decimal
}

type GrantResult struct {
	Applied      bool                `json:"applied"`
	Entry        *models.LedgerEntry `json:"entry,omitempty"`
	TotalCredits int64               `json:"total_credits"`
}

// Grant records g in its own transaction. A grant whose idempotency key
// was already used is reported with Applied false and changes nothing.
func (s *Service) Grant(ctx context.Context, g Grant) (*GrantResult, error) {
	return s.GrantWith(ctx, g, nil)
}

// GrantWith is Grant with an extra step run inside the same transaction
// after the balance bump, used to flip guard flags atomically with the
// grant.
func (s *Service) GrantWith(ctx context.Context, g Grant, after func(ctx context.Context, tx *Service) error) (*GrantResult, error) {
	entry := &models.LedgerEntry{
		Email:          g.Email,
		Delta:          g.Delta,
		Reason:         g.Reason,
		OriginSite:     g.Origin,
		IdempotencyKey: models.StringPtr(g.IdempotencyKey),
		AmountUSD:      g.AmountUSD,
	}

	var total int64
	err := s.RunInTx(ctx, func(ctx context.Context, tx *Service) error {
		var err error
		total, err = tx.Record(ctx, entry)
		if err != nil {
			return err
		}
		if after != nil {
			return after(ctx, tx)
		}
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		u, getErr := s.store.GetUser(ctx, entry.Email)
		if getErr != nil {
			return nil, apperr.Upstream("failed to load user", getErr)
		}
		return &GrantResult{Applied: false, TotalCredits: u.TotalCredits}, nil
	}
	if err != nil {
		return nil, err
	}
	return &GrantResult{Applied: true, Entry: entry, TotalCredits: total}, nil
}

// Movement is a direct earn or spend request.
type Movement struct {
	Email          string `json:"email"`
	Amount         int64  `json:"amount"`
	Origin         string `json:"origin"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (m Movement) validate() (int64, error) {
	amount := m.Amount
	if amount < 0 {
		amount = -amount
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if strings.TrimSpace(m.Origin) == "" {
		return 0, ErrOriginRequired
	}
	return amount, nil
}

func (s *Service) Earn(ctx context.Context, m Movement) (*GrantResult, error) {
	amount, err := m.validate()
	if err != nil {
		return nil, err
	}
	reason := models.ReasonAPIEarn
	if m.Reason != "" {
		reason = models.ReasonAPIEarn + ":" + m.Reason
	}
	return s.Grant(ctx, Grant{
		Email:          m.Email,
		Delta:          amount,
		Reason:         reason,
		Origin:         m.Origin,
		IdempotencyKey: prefixedKey("earn", m.IdempotencyKey),
	})
}

// Spend always records a negative delta of the absolute amount. It is
// rejected when the balance would go below zero.
func (s *Service) Spend(ctx context.Context, m Movement) (*GrantResult, error) {
	amount, err := m.validate()
	if err != nil {
		return nil, err
	}
	email, err := NormalizeEmail(m.Email)
	if err != nil {
		return nil, err
	}
	reason := models.ReasonAPISpend
	if m.Reason != "" {
		reason = models.ReasonAPISpend + ":" + m.Reason
	}
	return s.GrantWith(ctx, Grant{
		Email:          email,
		Delta:          -amount,
		Reason:         reason,
		Origin:         m.Origin,
		IdempotencyKey: prefixedKey("spend", m.IdempotencyKey),
	}, func(ctx context.Context, tx *Service) error {
		u, err := tx.store.GetUser(ctx, email)
		if err != nil {
			return apperr.Upstream("failed to load user", err)
		}
		if u.TotalCredits < 0 {
			return ErrInsufficientCredits
		}
		return nil
	})
}

func (s *Service) Balance(ctx context.Context, email string) (int64, error) {
	u, err := s.GetUser(ctx, email)
	if err != nil {
		return 0, err
	}
	return u.TotalCredits, nil
}

func (s *Service) History(ctx context.Context, email string, limit int) ([]*models.LedgerEntry, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListLedgerEntries(ctx, email, limit)
	if err != nil {
		return nil, apperr.Upstream("failed to list ledger", err)
	}
	return entries, nil
}

// RecomputeResult reports a ledger replay for one user.
type RecomputeResult struct {
	Email  string `json:"email"`
	Before int64  `json:"before"`
	After  int64  `json:"after"`
}

func (r RecomputeResult) Drifted() bool {
	return r.Before != r.After
}

// Recompute rebuilds total_credits from the ledger. The ledger is the
// source of truth, so this repairs any balance drift.
func (s *Service) Recompute(ctx context.Context, email string) (*RecomputeResult, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	var result *RecomputeResult
	err = s.RunInTx(ctx, func(ctx context.Context, tx *Service) error {
		u, err := tx.store.LockUser(ctx, email)
		if err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}
		sum, err := tx.store.SumDeltas(ctx, email)
		if err != nil {
			return err
		}
		result = &RecomputeResult{Email: email, Before: u.TotalCredits, After: sum}
		if !result.Drifted() {
			return nil
		}
		return tx.store.SetCredits(ctx, email, sum)
	})
	if err != nil {
		return nil, apperr.Upstream("failed to recompute balance", err)
	}
	return result, nil
}

// RecomputeAll replays every user and returns the ones that drifted.
func (s *Service) RecomputeAll(ctx context.Context) ([]*RecomputeResult, error) {
	emails, err := s.store.ListUserEmails(ctx)
	if err != nil {
		return nil, apperr.Upstream("failed to list users", err)
	}
	var drifted []*RecomputeResult
	for _, email := range emails {
		res, err := s.Recompute(ctx, email)
		if err != nil {
			return drifted, err
		}
		if res.Drifted() {
			drifted = append(drifted, res)
		}
	}
	return drifted, nil
}

func prefixedKey(kind, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return kind + ":" + key
}
