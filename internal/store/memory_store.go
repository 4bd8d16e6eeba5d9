package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store with the same uniqueness rules as the
// Postgres schema. Transactions are serialized and roll back by restoring
// a snapshot.
type MemoryStore struct {
	txMu sync.Mutex

	mu        sync.Mutex
	users     map[string]*models.User
	ledger    []*models.LedgerEntry
	history   []*models.CreditsHistory
	referrals []*models.Referral

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*models.User),
		now:   time.Now,
	}
}

// SetClock overrides the time source used for defaulted timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Close() error { return nil }

type memorySnapshot struct {
	users     map[string]*models.User
	ledger    []*models.LedgerEntry
	history   []*models.CreditsHistory
	referrals []*models.Referral
}

func (s *MemoryStore) snapshot() memorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make(map[string]*models.User, len(s.users))
	for k, u := range s.users {
		users[k] = u.Clone()
	}
	return memorySnapshot{
		users:     users,
		ledger:    append([]*models.LedgerEntry{}, s.ledger...),
		history:   append([]*models.CreditsHistory{}, s.history...),
		referrals: append([]*models.Referral{}, s.referrals...),
	}
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = snap.users
	s.ledger = snap.ledger
	s.history = snap.history
	s.referrals = snap.referrals
}

type memoryTx struct {
	*MemoryStore
}

func (t memoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, memoryTx{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Writes outside a transaction wait for any running transaction so a
// rollback never discards them.
func (s *MemoryStore) EnsureUser(ctx context.Context, email string) (*models.User, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.ensureUser(ctx, email)
}

func (s *MemoryStore) LockUser(ctx context.Context, email string) (*models.User, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.lockUser(ctx, email)
}

func (s *MemoryStore) SetReferralCode(ctx context.Context, email, code string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.setReferralCode(ctx, email, code)
}

func (s *MemoryStore) UpdateUser(ctx context.Context, email string, patch models.UserPatch) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.updateUser(ctx, email, patch)
}

func (s *MemoryStore) IncrementCredits(ctx context.Context, email string, delta int64) (int64, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.incrementCredits(ctx, email, delta)
}

func (s *MemoryStore) IncrementSpend(ctx context.Context, email string, amount, fullAccessThreshold decimal.Decimal) (decimal.Decimal, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.incrementSpend(ctx, email, amount, fullAccessThreshold)
}

func (s *MemoryStore) SetCredits(ctx context.Context, email string, total int64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.setCredits(ctx, email, total)
}

func (s *MemoryStore) InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.insertLedgerEntry(ctx, entry)
}

func (s *MemoryStore) InsertHistory(ctx context.Context, row *models.CreditsHistory) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.insertHistory(ctx, row)
}

func (s *MemoryStore) InsertReferral(ctx context.Context, referral *models.Referral) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.insertReferral(ctx, referral)
}

// Inside a transaction the lock is already held.
func (t memoryTx) EnsureUser(ctx context.Context, email string) (*models.User, error) {
	return t.ensureUser(ctx, email)
}

func (t memoryTx) LockUser(ctx context.Context, email string) (*models.User, error) {
	return t.lockUser(ctx, email)
}

func (t memoryTx) SetReferralCode(ctx context.Context, email, code string) error {
	return t.setReferralCode(ctx, email, code)
}

func (t memoryTx) UpdateUser(ctx context.Context, email string, patch models.UserPatch) error {
	return t.updateUser(ctx, email, patch)
}

func (t memoryTx) IncrementCredits(ctx context.Context, email string, delta int64) (int64, error) {
	return t.incrementCredits(ctx, email, delta)
}

func (t memoryTx) IncrementSpend(ctx context.Context, email string, amount, fullAccessThreshold decimal.Decimal) (decimal.Decimal, error) {
	return t.incrementSpend(ctx, email, amount, fullAccessThreshold)
}

func (t memoryTx) SetCredits(ctx context.Context, email string, total int64) error {
	return t.setCredits(ctx, email, total)
}

func (t memoryTx) InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	return t.insertLedgerEntry(ctx, entry)
}

func (t memoryTx) InsertHistory(ctx context.Context, row *models.CreditsHistory) error {
	return t.insertHistory(ctx, row)
}

func (t memoryTx) InsertReferral(ctx context.Context, referral *models.Referral) error {
	return t.insertReferral(ctx, referral)
}

func (s *MemoryStore) ensureUser(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		u = models.NewUser(email, s.now())
		s.users[email] = u
	}
	return u.Clone(), nil
}

func (s *MemoryStore) GetUser(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStore) lockUser(ctx context.Context, email string) (*models.User, error) {
	return s.ensureUser(ctx, email)
}

func (s *MemoryStore) GetUserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ReferralCode != nil && *u.ReferralCode == code {
			return u.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	_, err := s.GetUserByReferralCode(ctx, code)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *MemoryStore) setReferralCode(ctx context.Context, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return ErrNotFound
	}
	for other, o := range s.users {
		if other != email && o.ReferralCode != nil && *o.ReferralCode == code {
			return fmt.Errorf("%w: users_referral_code_key", ErrDuplicate)
		}
	}
	u.ReferralCode = &code
	u.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) updateUser(ctx context.Context, email string, patch models.UserPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return ErrNotFound
	}
	if cols := patch.Apply(u); len(cols) > 0 {
		u.UpdatedAt = s.now()
	}
	return nil
}

func (s *MemoryStore) incrementCredits(ctx context.Context, email string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return 0, ErrNotFound
	}
	u.TotalCredits += delta
	u.UpdatedAt = s.now()
	return u.TotalCredits, nil
}

func (s *MemoryStore) incrementSpend(ctx context.Context, email string, amount, fullAccessThreshold decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	u.TotalSpent = u.TotalSpent.Add(amount)
	if u.TotalSpent.GreaterThanOrEqual(fullAccessThreshold) {
		u.FullAccess = true
	}
	u.UpdatedAt = s.now()
	return u.TotalSpent, nil
}

func (s *MemoryStore) setCredits(ctx context.Context, email string, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return ErrNotFound
	}
	u.TotalCredits = total
	u.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListUserEmails(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	emails := make([]string, 0, len(s.users))
	for email := range s.users {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	return emails, nil
}

func (s *MemoryStore) insertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.ledger {
		if entry.StripeEventID != nil && e.StripeEventID != nil && *e.StripeEventID == *entry.StripeEventID {
			return fmt.Errorf("%w: credits_ledger_stripe_event_id_key", ErrDuplicate)
		}
		if entry.IdempotencyKey != nil && e.IdempotencyKey != nil && *e.IdempotencyKey == *entry.IdempotencyKey {
			return fmt.Errorf("%w: credits_ledger_idempotency_key_key", ErrDuplicate)
		}
		if entry.Delta >= 1 && e.Delta >= 1 && entry.StripeSessionID != nil && e.StripeSessionID != nil &&
			*e.StripeSessionID == *entry.StripeSessionID {
			return fmt.Errorf("%w: ux_credits_ledger_session_credit", ErrDuplicate)
		}
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	stored := *entry
	s.ledger = append(s.ledger, &stored)
	return nil
}

func (s *MemoryStore) findLedger(match func(e *models.LedgerEntry) bool) []*models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range s.ledger {
		if match(e) {
			c := *e
			out = append(out, &c)
		}
	}
	return out
}

func (s *MemoryStore) HasEventEntry(ctx context.Context, stripeEventID string) (bool, error) {
	return len(s.findLedger(func(e *models.LedgerEntry) bool {
		return e.StripeEventID != nil && *e.StripeEventID == stripeEventID
	})) > 0, nil
}

func (s *MemoryStore) HasCreditedSession(ctx context.Context, stripeSessionID string) (bool, error) {
	return len(s.findLedger(func(e *models.LedgerEntry) bool {
		return e.Delta >= 1 && e.StripeSessionID != nil && *e.StripeSessionID == stripeSessionID
	})) > 0, nil
}

func (s *MemoryStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	return len(s.findLedger(func(e *models.LedgerEntry) bool {
		return e.IdempotencyKey != nil && *e.IdempotencyKey == key
	})) > 0, nil
}

func (s *MemoryStore) HasReason(ctx context.Context, email, reason string) (bool, error) {
	return len(s.findLedger(func(e *models.LedgerEntry) bool {
		return e.Email == email && e.Reason == reason
	})) > 0, nil
}

func (s *MemoryStore) SumAmountUSDSince(ctx context.Context, email string, since time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range s.findLedger(func(e *models.LedgerEntry) bool {
		return e.Email == email && e.AmountUSD != nil && !e.CreatedAt.Before(since)
	}) {
		sum = sum.Add(*e.AmountUSD)
	}
	return sum, nil
}

func (s *MemoryStore) SumDeltas(ctx context.Context, email string) (int64, error) {
	var sum int64
	for _, e := range s.findLedger(func(e *models.LedgerEntry) bool { return e.Email == email }) {
		sum += e.Delta
	}
	return sum, nil
}

func (s *MemoryStore) ListLedgerEntries(ctx context.Context, email string, limit int) ([]*models.LedgerEntry, error) {
	entries := s.findLedger(func(e *models.LedgerEntry) bool { return e.Email == email })
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) ListSessionEntries(ctx context.Context, stripeSessionID string) ([]*models.LedgerEntry, error) {
	return s.findLedger(func(e *models.LedgerEntry) bool {
		return e.StripeSessionID != nil && *e.StripeSessionID == stripeSessionID
	}), nil
}

func (s *MemoryStore) insertHistory(ctx context.Context, row *models.CreditsHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	stored := *row
	s.history = append(s.history, &stored)
	return nil
}

func (s *MemoryStore) HasAccessPass(ctx context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.history {
		if h.Email == email && h.Origin == models.OriginAccessPass && h.LegalAccept {
			return true, nil
		}
	}
	return false, nil
}

// History returns a copy of every credits-history row for email.
func (s *MemoryStore) History(email string) []*models.CreditsHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CreditsHistory
	for _, h := range s.history {
		if h.Email == email {
			c := *h
			out = append(out, &c)
		}
	}
	return out
}

func (s *MemoryStore) insertReferral(ctx context.Context, referral *models.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.referrals {
		if r.ReferredEmail == referral.ReferredEmail {
			return fmt.Errorf("%w: referrals_referred_email_key", ErrDuplicate)
		}
	}
	if referral.ID == uuid.Nil {
		referral.ID = uuid.New()
	}
	if referral.CreatedAt.IsZero() {
		referral.CreatedAt = s.now()
	}
	stored := *referral
	s.referrals = append(s.referrals, &stored)
	return nil
}

func (s *MemoryStore) GetReferralByReferred(ctx context.Context, referredEmail string) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.referrals {
		if r.ReferredEmail == referredEmail {
			c := *r
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CountReferrals(ctx context.Context, referrerEmail string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.referrals {
		if r.ReferrerEmail == referrerEmail {
			n++
		}
	}
	return n, nil
}
