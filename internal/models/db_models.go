package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type UserDB struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	Email              string          `bun:"email,pk" json:"email"`
	TotalCredits       int64           `bun:"total_credits,notnull,default:0" json:"total_credits"`
	TotalSpent         decimal.Decimal `bun:"total_spent,type:numeric(12,2),notnull,default:0" json:"total_spent"`
	MembershipTier     MembershipTier  `bun:"membership_tier,notnull,default:'none'" json:"membership_tier"`
	AccessMode         AccessMode      `bun:"access_mode,notnull,default:'none'" json:"access_mode"`
	PartnerAccess      map[string]bool `bun:"partner_access,type:jsonb,notnull,default:'{}'" json:"partner_access"`
	LimitedPartners    []string        `bun:"limited_partners,type:jsonb,notnull,default:'[]'" json:"limited_partners"`
	CrowbarAccess      bool            `bun:"crowbar_access,notnull,default:false" json:"crowbar_access"`
	FullAccess         bool            `bun:"full_access,notnull,default:false" json:"full_access"`
	LimitedPaidAmount  decimal.Decimal `bun:"limited_paid_amount,type:numeric(12,2),notnull,default:0" json:"limited_paid_amount"`
	ActivityMultiplier decimal.Decimal `bun:"activity_multiplier,type:numeric(4,2),notnull,default:1" json:"activity_multiplier"`
	ReferralCode       *string         `bun:"referral_code,unique" json:"referral_code,omitempty"`
	ReferredBy         *string         `bun:"referred_by" json:"referred_by,omitempty"`
	Name               string          `bun:"name,notnull,default:''" json:"name"`
	Phone              string          `bun:"phone,notnull,default:''" json:"phone"`
	DOB                string          `bun:"dob,notnull,default:''" json:"dob"`
	Address            string          `bun:"address,notnull,default:''" json:"address"`
	SocialLink         string          `bun:"social_link,notnull,default:''" json:"social_link"`
	IDFrontURL         string          `bun:"id_front_url,notnull,default:''" json:"id_front_url"`
	IDBackURL          string          `bun:"id_back_url,notnull,default:''" json:"id_back_url"`
	SelfieURL          string          `bun:"selfie_url,notnull,default:''" json:"selfie_url"`
	DOBDocumentURL     string          `bun:"dob_document_url,notnull,default:''" json:"dob_document_url"`
	AgeVerified        bool            `bun:"age_verified,notnull,default:false" json:"age_verified"`
	KYCStatus          KYCStatus       `bun:"kyc_status,notnull,default:'none'" json:"kyc_status"`
	AutoUpgradedAt     *time.Time      `bun:"auto_upgraded_at" json:"auto_upgraded_at,omitempty"`
	ProfileCompleted   bool            `bun:"profile_completed,notnull,default:false" json:"profile_completed"`
	CreatedAt          time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt          time.Time       `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

func (u *UserDB) ToUser() *User {
	partnerAccess := u.PartnerAccess
	if partnerAccess == nil {
		partnerAccess = map[string]bool{}
	}
	limitedPartners := u.LimitedPartners
	if limitedPartners == nil {
		limitedPartners = []string{}
	}
	return &User{
		Email:              u.Email,
		TotalCredits:       u.TotalCredits,
		TotalSpent:         u.TotalSpent,
		MembershipTier:     u.MembershipTier,
		AccessMode:         u.AccessMode,
		PartnerAccess:      partnerAccess,
		LimitedPartners:    limitedPartners,
		CrowbarAccess:      u.CrowbarAccess,
		FullAccess:         u.FullAccess,
		LimitedPaidAmount:  u.LimitedPaidAmount,
		ActivityMultiplier: u.ActivityMultiplier,
		ReferralCode:       u.ReferralCode,
		ReferredBy:         u.ReferredBy,
		Profile: Profile{
			Name:       u.Name,
			Phone:      u.Phone,
			DOB:        u.DOB,
			Address:    u.Address,
			SocialLink: u.SocialLink,
		},
		KYC: KYC{
			IDFrontURL:     u.IDFrontURL,
			IDBackURL:      u.IDBackURL,
			SelfieURL:      u.SelfieURL,
			DOBDocumentURL: u.DOBDocumentURL,
			AgeVerified:    u.AgeVerified,
			Status:         u.KYCStatus,
		},
		AutoUpgradedAt:   u.AutoUpgradedAt,
		ProfileCompleted: u.ProfileCompleted,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

func UserFromDomain(u *User) *UserDB {
	return &UserDB{
		Email:              u.Email,
		TotalCredits:       u.TotalCredits,
		TotalSpent:         u.TotalSpent,
		MembershipTier:     u.MembershipTier,
		AccessMode:         u.AccessMode,
		PartnerAccess:      u.PartnerAccess,
		LimitedPartners:    u.LimitedPartners,
		CrowbarAccess:      u.CrowbarAccess,
		FullAccess:         u.FullAccess,
		LimitedPaidAmount:  u.LimitedPaidAmount,
		ActivityMultiplier: u.ActivityMultiplier,
		ReferralCode:       u.ReferralCode,
		ReferredBy:         u.ReferredBy,
		Name:               u.Profile.Name,
		Phone:              u.Profile.Phone,
		DOB:                u.Profile.DOB,
		Address:            u.Profile.Address,
		SocialLink:         u.Profile.SocialLink,
		IDFrontURL:         u.KYC.IDFrontURL,
		IDBackURL:          u.KYC.IDBackURL,
		SelfieURL:          u.KYC.SelfieURL,
		DOBDocumentURL:     u.KYC.DOBDocumentURL,
		AgeVerified:        u.KYC.AgeVerified,
		KYCStatus:          u.KYC.Status,
		AutoUpgradedAt:     u.AutoUpgradedAt,
		ProfileCompleted:   u.ProfileCompleted,
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
	}
}

type LedgerEntryDB struct {
	bun.BaseModel `bun:"table:credits_ledger,alias:cl"`

	ID              uuid.UUID        `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	Email           string           `bun:"email,notnull" json:"email"`
	Delta           int64            `bun:"delta,notnull" json:"delta"`
	Reason          string           `bun:"reason,notnull" json:"reason"`
	OriginSite      string           `bun:"origin_site,notnull,default:''" json:"origin_site"`
	StripeEventID   *string          `bun:"stripe_event_id,unique" json:"stripe_event_id,omitempty"`
	StripeSessionID *string          `bun:"stripe_session_id" json:"stripe_session_id,omitempty"`
	IdempotencyKey  *string          `bun:"idempotency_key,unique" json:"idempotency_key,omitempty"`
	AmountUSD       *decimal.Decimal `bun:"amount_usd,type:numeric(12,2)" json:"amount_usd,omitempty"`
	CreatedAt       time.Time        `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

func (e *LedgerEntryDB) ToLedgerEntry() *LedgerEntry {
	return &LedgerEntry{
		ID:              e.ID,
		Email:           e.Email,
		Delta:           e.Delta,
		Reason:          e.Reason,
		OriginSite:      e.OriginSite,
		StripeEventID:   e.StripeEventID,
		StripeSessionID: e.StripeSessionID,
		IdempotencyKey:  e.IdempotencyKey,
		AmountUSD:       e.AmountUSD,
		CreatedAt:       e.CreatedAt,
	}
}

func LedgerEntryFromDomain(e *LedgerEntry) *LedgerEntryDB {
	return &LedgerEntryDB{
		ID:              e.ID,
		Email:           e.Email,
		Delta:           e.Delta,
		Reason:          e.Reason,
		OriginSite:      e.OriginSite,
		StripeEventID:   e.StripeEventID,
		StripeSessionID: e.StripeSessionID,
		IdempotencyKey:  e.IdempotencyKey,
		AmountUSD:       e.AmountUSD,
		CreatedAt:       e.CreatedAt,
	}
}

type CreditsHistoryDB struct {
	bun.BaseModel `bun:"table:credits_history,alias:ch"`

	ID                 uuid.UUID        `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	Email              string           `bun:"email,notnull" json:"email"`
	Credits            int64            `bun:"credits,notnull" json:"credits"`
	Reason             string           `bun:"reason,notnull" json:"reason"`
	Origin             string           `bun:"origin,notnull,default:''" json:"origin"`
	StripeSessionID    *string          `bun:"stripe_session_id" json:"stripe_session_id,omitempty"`
	AmountUSD          *decimal.Decimal `bun:"amount_usd,type:numeric(12,2)" json:"amount_usd,omitempty"`
	EligibleGlobalRace bool             `bun:"eligible_global_race,notnull,default:false" json:"eligible_global_race"`
	LegalAccept        bool             `bun:"legal_accept,notnull,default:false" json:"legal_accept"`
	CreatedAt          time.Time        `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

func CreditsHistoryFromDomain(h *CreditsHistory) *CreditsHistoryDB {
	return &CreditsHistoryDB{
		ID:                 h.ID,
		Email:              h.Email,
		Credits:            h.Credits,
		Reason:             h.Reason,
		Origin:             h.Origin,
		StripeSessionID:    h.StripeSessionID,
		AmountUSD:          h.AmountUSD,
		EligibleGlobalRace: h.EligibleGlobalRace,
		LegalAccept:        h.LegalAccept,
		CreatedAt:          h.CreatedAt,
	}
}

type ReferralDB struct {
	bun.BaseModel `bun:"table:referrals,alias:r"`

	ID            uuid.UUID `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ReferrerEmail string    `bun:"referrer_email,notnull" json:"referrer_email"`
	ReferredEmail string    `bun:"referred_email,notnull,unique" json:"referred_email"`
	ReferralCode  string    `bun:"referral_code,notnull" json:"referral_code"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

func (r *ReferralDB) ToReferral() *Referral {
	return &Referral{
		ID:            r.ID,
		ReferrerEmail: r.ReferrerEmail,
		ReferredEmail: r.ReferredEmail,
		ReferralCode:  r.ReferralCode,
		CreatedAt:     r.CreatedAt,
	}
}

func ReferralFromDomain(r *Referral) *ReferralDB {
	return &ReferralDB{
		ID:            r.ID,
		ReferrerEmail: r.ReferrerEmail,
		ReferredEmail: r.ReferredEmail,
		ReferralCode:  r.ReferralCode,
		CreatedAt:     r.CreatedAt,
	}
}
