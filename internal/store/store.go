package store

import (
	"context"
	"errors"
	"time"

	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert or update violates a unique
	// constraint. Callers treat it as "already processed".
	ErrDuplicate = errors.New("duplicate record")
)

type Users interface {
	// EnsureUser upserts the row for email and returns it.
	EnsureUser(ctx context.Context, email string) (*models.User, error)
	GetUser(ctx context.Context, email string) (*models.User, error)
	// LockUser ensures the row exists and locks it for the rest of the
	// enclosing transaction.
	LockUser(ctx context.Context, email string) (*models.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*models.User, error)
	ReferralCodeExists(ctx context.Context, code string) (bool, error)
	SetReferralCode(ctx context.Context, email, code string) error
	UpdateUser(ctx context.Context, email string, patch models.UserPatch) error
	IncrementCredits(ctx context.Context, email string, delta int64) (int64, error)
	IncrementSpend(ctx context.Context, email string, amount, fullAccessThreshold decimal.Decimal) (decimal.Decimal, error)
	SetCredits(ctx context.Context, email string, total int64) error
	ListUserEmails(ctx context.Context) ([]string, error)
}

type Ledger interface {
	InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error
	HasEventEntry(ctx context.Context, stripeEventID string) (bool, error)
	HasCreditedSession(ctx context.Context, stripeSessionID string) (bool, error)
	HasIdempotencyKey(ctx context.Context, key string) (bool, error)
	HasReason(ctx context.Context, email, reason string) (bool, error)
	SumAmountUSDSince(ctx context.Context, email string, since time.Time) (decimal.Decimal, error)
	SumDeltas(ctx context.Context, email string) (int64, error)
	ListLedgerEntries(ctx context.Context, email string, limit int) ([]*models.LedgerEntry, error)
	ListSessionEntries(ctx context.Context, stripeSessionID string) ([]*models.LedgerEntry, error)
}

type History interface {
	InsertHistory(ctx context.Context, row *models.CreditsHistory) error
	HasAccessPass(ctx context.Context, email string) (bool, error)
}

type Referrals interface {
	InsertReferral(ctx context.Context, referral *models.Referral) error
	GetReferralByReferred(ctx context.Context, referredEmail string) (*models.Referral, error)
	CountReferrals(ctx context.Context, referrerEmail string) (int, error)
}

type Store interface {
	Users
	Ledger
	History
	Referrals

	// RunInTx runs fn against a Store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	Close() error
}
