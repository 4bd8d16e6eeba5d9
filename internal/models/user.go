package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type MembershipTier string

const (
	TierNone       MembershipTier = "none"
	TierDiscount19 MembershipTier = "discount19"
	TierBasic      MembershipTier = "basic"
	TierPro        MembershipTier = "pro"
	TierElite      MembershipTier = "elite"
)

type AccessMode string

const (
	AccessModeNone     AccessMode = "none"
	AccessModeLimited  AccessMode = "limited"
	AccessModeLifetime AccessMode = "lifetime"
)

type KYCStatus string

const (
	KYCStatusNone      KYCStatus = "none"
	KYCStatusSubmitted KYCStatus = "submitted"
	KYCStatusVerified  KYCStatus = "verified"
	KYCStatusRejected  KYCStatus = "rejected"
)

type Profile struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	DOB        string `json:"dob"`
	Address    string `json:"address"`
	SocialLink string `json:"social_link"`
}

// Complete reports whether every profile field is populated.
func (p Profile) Complete() bool {
	return notBlank(p.Name, p.Phone, p.DOB, p.Address, p.SocialLink)
}

type KYC struct {
	IDFrontURL     string    `json:"id_front_url"`
	IDBackURL      string    `json:"id_back_url"`
	SelfieURL      string    `json:"selfie_url"`
	DOBDocumentURL string    `json:"dob_document_url"`
	AgeVerified    bool      `json:"age_verified"`
	Status         KYCStatus `json:"kyc_status"`
}

// DocumentsComplete reports whether every KYC document is uploaded.
func (k KYC) DocumentsComplete() bool {
	return notBlank(k.IDFrontURL, k.IDBackURL, k.SelfieURL, k.DOBDocumentURL)
}

type User struct {
	Email              string          `json:"email"`
	TotalCredits       int64           `json:"total_credits"`
	TotalSpent         decimal.Decimal `json:"total_spent"`
	MembershipTier     MembershipTier  `json:"membership_tier"`
	AccessMode         AccessMode      `json:"access_mode"`
	PartnerAccess      map[string]bool `json:"partner_access"`
	LimitedPartners    []string        `json:"limited_partners"`
	CrowbarAccess      bool            `json:"crowbar_access"`
	FullAccess         bool            `json:"full_access"`
	LimitedPaidAmount  decimal.Decimal `json:"limited_paid_amount"`
	ActivityMultiplier decimal.Decimal `json:"activity_multiplier"`
	ReferralCode       *string         `json:"referral_code,omitempty"`
	ReferredBy         *string         `json:"referred_by,omitempty"`
	Profile            Profile         `json:"profile"`
	KYC                KYC             `json:"kyc"`
	AutoUpgradedAt     *time.Time      `json:"auto_upgraded_at,omitempty"`
	ProfileCompleted   bool            `json:"profile_completed"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewUser returns the zero-aggregate row created on first mutation.
func NewUser(email string, now time.Time) *User {
	return &User{
		Email:              email,
		TotalSpent:         decimal.Zero,
		MembershipTier:     TierNone,
		AccessMode:         AccessModeNone,
		PartnerAccess:      map[string]bool{},
		LimitedPartners:    []string{},
		LimitedPaidAmount:  decimal.Zero,
		ActivityMultiplier: decimal.NewFromInt(1),
		KYC:                KYC{Status: KYCStatusNone},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (u *User) HasPartnerAccess(partner string) bool {
	return u.PartnerAccess[partner]
}

func (u *User) Clone() *User {
	c := *u
	c.PartnerAccess = make(map[string]bool, len(u.PartnerAccess))
	for k, v := range u.PartnerAccess {
		c.PartnerAccess[k] = v
	}
	c.LimitedPartners = append([]string{}, u.LimitedPartners...)
	if u.ReferralCode != nil {
		code := *u.ReferralCode
		c.ReferralCode = &code
	}
	if u.ReferredBy != nil {
		by := *u.ReferredBy
		c.ReferredBy = &by
	}
	if u.AutoUpgradedAt != nil {
		at := *u.AutoUpgradedAt
		c.AutoUpgradedAt = &at
	}
	return &c
}

// NormalizeEmail trims and lower-cases an email address. Every store key
// goes through it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func notBlank(values ...string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}
