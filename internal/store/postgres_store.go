package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db bun.IDB
}

func NewPostgresStore(db *bun.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InitializeDatabase(ctx context.Context) error {
	return CreateSchema(ctx, s.db)
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*bun.DB); ok {
		return db.Close()
	}
	return nil
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	db, ok := s.db.(*bun.DB)
	if !ok {
		// Already inside a transaction; nest into it.
		return fn(ctx, s)
	}
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &PostgresStore{db: tx})
	})
}

func (s *PostgresStore) EnsureUser(ctx context.Context, email string) (*models.User, error) {
	userDB := models.UserFromDomain(models.NewUser(email, time.Now()))
	_, err := s.db.NewInsert().
		Model(userDB).
		On("CONFLICT (email) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", mapError(err))
	}
	return s.GetUser(ctx, email)
}

func (s *PostgresStore) GetUser(ctx context.Context, email string) (*models.User, error) {
	userDB := new(models.UserDB)
	err := s.db.NewSelect().
		Model(userDB).
		Where("email = ?", email).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return userDB.ToUser(), nil
}

func (s *PostgresStore) LockUser(ctx context.Context, email string) (*models.User, error) {
	if _, err := s.EnsureUser(ctx, email); err != nil {
		return nil, err
	}
	userDB := new(models.UserDB)
	err := s.db.NewSelect().
		Model(userDB).
		Where("email = ?", email).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", mapError(err))
	}
	return userDB.ToUser(), nil
}

func (s *PostgresStore) GetUserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	userDB := new(models.UserDB)
	err := s.db.NewSelect().
		Model(userDB).
		Where("referral_code = ?", code).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return userDB.ToUser(), nil
}

func (s *PostgresStore) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	return s.db.NewSelect().
		Model((*models.UserDB)(nil)).
		Where("referral_code = ?", code).
		Exists(ctx)
}

func (s *PostgresStore) SetReferralCode(ctx context.Context, email, code string) error {
	res, err := s.db.NewUpdate().
		Model((*models.UserDB)(nil)).
		Set("referral_code = ?", code).
		Set("updated_at = ?", time.Now()).
		Where("email = ?", email).
		Exec(ctx)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateUser(ctx context.Context, email string, patch models.UserPatch) error {
	user := &models.User{Email: email}
	cols := patch.Apply(user)
	if len(cols) == 0 {
		return nil
	}
	userDB := models.UserFromDomain(user)
	userDB.UpdatedAt = time.Now()
	cols = append(cols, "updated_at")

	res, err := s.db.NewUpdate().
		Model(userDB).
		Column(cols...).
		Where("email = ?", email).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", mapError(err))
	}
	return requireRow(res)
}

func (s *PostgresStore) IncrementCredits(ctx context.Context, email string, delta int64) (int64, error) {
	var total int64
	_, err := s.db.NewUpdate().
		Model((*models.UserDB)(nil)).
		Set("total_credits = total_credits + ?", delta).
		Set("updated_at = ?", time.Now()).
		Where("email = ?", email).
		Returning("total_credits").
		Exec(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("failed to increment credits: %w", mapError(err))
	}
	return total, nil
}

func (s *PostgresStore) IncrementSpend(ctx context.Context, email string, amount, fullAccessThreshold decimal.Decimal) (decimal.Decimal, error) {
	var total decimal.Decimal
	_, err := s.db.NewUpdate().
		Model((*models.UserDB)(nil)).
		Set("total_spent = total_spent + ?", amount).
		Set("full_access = full_access OR (total_spent + ?) >= ?", amount, fullAccessThreshold).
		Set("updated_at = ?", time.Now()).
		Where("email = ?", email).
		Returning("total_spent").
		Exec(ctx, &total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to increment spend: %w", mapError(err))
	}
	return total, nil
}

func (s *PostgresStore) SetCredits(ctx context.Context, email string, total int64) error {
	res, err := s.db.NewUpdate().
		Model((*models.UserDB)(nil)).
		Set("total_credits = ?", total).
		Set("updated_at = ?", time.Now()).
		Where("email = ?", email).
		Exec(ctx)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListUserEmails(ctx context.Context) ([]string, error) {
	var emails []string
	err := s.db.NewSelect().
		Model((*models.UserDB)(nil)).
		Column("email").
		Order("email ASC").
		Scan(ctx, &emails)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return emails, nil
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.NewInsert().
		Model(models.LedgerEntryFromDomain(entry)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", mapError(err))
	}
	return nil
}

func (s *PostgresStore) HasEventEntry(ctx context.Context, stripeEventID string) (bool, error) {
	return s.db.NewSelect().
		Model((*models.LedgerEntryDB)(nil)).
		Where("stripe_event_id = ?", stripeEventID).
		Exists(ctx)
}

func (s *PostgresStore) HasCreditedSession(ctx context.Context, stripeSessionID string) (bool, error) {
	return s.db.NewSelect().
		Model((*models.LedgerEntryDB)(nil)).
		Where("stripe_session_id = ?", stripeSessionID).
		Where("delta >= 1").
		Exists(ctx)
}

func (s *PostgresStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	return s.db.NewSelect().
		Model((*models.LedgerEntryDB)(nil)).
		Where("idempotency_key = ?", key).
		Exists(ctx)
}

func (s *PostgresStore) HasReason(ctx context.Context, email, reason string) (bool, error) {
	return s.db.NewSelect().
		Model((*models.LedgerEntryDB)(nil)).
		Where("email = ?", email).
		Where("reason = ?", reason).
		Exists(ctx)
}

func (s *PostgresStore) SumAmountUSDSince(ctx context.Context, email string, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.NewSelect().
		Model((*models.LedgerEntryDB)(nil)).
		ColumnExpr("COALESCE(SUM(amount_usd), 0)").
		Where("email = ?", email).
		Where("created_at >= ?", since).
		Scan(ctx, &sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum ledger amounts: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) SumDeltas(ctx context.Context, email string) (int64, error) {
	var sum int64
	err := s.db.NewSelect().
		Model((*models.LedgerEntryDB)(nil)).
		ColumnExpr("COALESCE(SUM(delta), 0)").
		Where("email = ?", email).
		Scan(ctx, &sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger deltas: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, email string, limit int) ([]*models.LedgerEntry, error) {
	var rows []models.LedgerEntryDB
	query := s.db.NewSelect().
		Model(&rows).
		Where("email = ?", email).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return toLedgerEntries(rows), nil
}

func (s *PostgresStore) ListSessionEntries(ctx context.Context, stripeSessionID string) ([]*models.LedgerEntry, error) {
	var rows []models.LedgerEntryDB
	err := s.db.NewSelect().
		Model(&rows).
		Where("stripe_session_id = ?", stripeSessionID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list session entries: %w", err)
	}
	return toLedgerEntries(rows), nil
}

func (s *PostgresStore) InsertHistory(ctx context.Context, row *models.CreditsHistory) error {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	_, err := s.db.NewInsert().
		Model(models.CreditsHistoryFromDomain(row)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert credits history: %w", mapError(err))
	}
	return nil
}

func (s *PostgresStore) HasAccessPass(ctx context.Context, email string) (bool, error) {
	return s.db.NewSelect().
		Model((*models.CreditsHistoryDB)(nil)).
		Where("email = ?", email).
		Where("origin = ?", models.OriginAccessPass).
		Where("legal_accept = TRUE").
		Exists(ctx)
}

func (s *PostgresStore) InsertReferral(ctx context.Context, referral *models.Referral) error {
	if referral.ID == uuid.Nil {
		referral.ID = uuid.New()
	}
	if referral.CreatedAt.IsZero() {
		referral.CreatedAt = time.Now()
	}
	_, err := s.db.NewInsert().
		Model(models.ReferralFromDomain(referral)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert referral: %w", mapError(err))
	}
	return nil
}

func (s *PostgresStore) GetReferralByReferred(ctx context.Context, referredEmail string) (*models.Referral, error) {
	referral := new(models.ReferralDB)
	err := s.db.NewSelect().
		Model(referral).
		Where("referred_email = ?", referredEmail).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return referral.ToReferral(), nil
}

func (s *PostgresStore) CountReferrals(ctx context.Context, referrerEmail string) (int, error) {
	return s.db.NewSelect().
		Model((*models.ReferralDB)(nil)).
		Where("referrer_email = ?", referrerEmail).
		Count(ctx)
}

func toLedgerEntries(rows []models.LedgerEntryDB) []*models.LedgerEntry {
	entries := make([]*models.LedgerEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].ToLedgerEntry()
	}
	return entries
}

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Field('n'))
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
