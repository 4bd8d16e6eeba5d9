package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserPatch is a partial update of the non-aggregate user columns. Nil
// fields are left untouched. Aggregates (total_credits, total_spent) are
// never patched; they only move through atomic increments.
type UserPatch struct {
	MembershipTier     *MembershipTier
	AccessMode         *AccessMode
	PartnerAccess      map[string]bool
	LimitedPartners    []string
	CrowbarAccess      *bool
	FullAccess         *bool
	LimitedPaidAmount  *decimal.Decimal
	ActivityMultiplier *decimal.Decimal
	ReferredBy         *string
	AutoUpgradedAt     *time.Time
	ProfileCompleted   *bool

	Name       *string
	Phone      *string
	DOB        *string
	Address    *string
	SocialLink *string

	IDFrontURL     *string
	IDBackURL      *string
	SelfieURL      *string
	DOBDocumentURL *string
	AgeVerified    *bool
	KYCStatus      *KYCStatus
}

// Apply writes the patch into u and returns the column names it touched,
// in a stable order.
func (p UserPatch) Apply(u *User) []string {
	var cols []string
	set := func(col string, ok bool, fn func()) {
		if ok {
			fn()
			cols = append(cols, col)
		}
	}

	set("membership_tier", p.MembershipTier != nil, func() { u.MembershipTier = *p.MembershipTier })
	set("access_mode", p.AccessMode != nil, func() { u.AccessMode = *p.AccessMode })
	set("partner_access", p.PartnerAccess != nil, func() {
		u.PartnerAccess = make(map[string]bool, len(p.PartnerAccess))
		for k, v := range p.PartnerAccess {
			u.PartnerAccess[k] = v
		}
	})
	set("limited_partners", p.LimitedPartners != nil, func() { u.LimitedPartners = append([]string{}, p.LimitedPartners...) })
	set("crowbar_access", p.CrowbarAccess != nil, func() { u.CrowbarAccess = *p.CrowbarAccess })
	set("full_access", p.FullAccess != nil, func() { u.FullAccess = *p.FullAccess })
	set("limited_paid_amount", p.LimitedPaidAmount != nil, func() { u.LimitedPaidAmount = *p.LimitedPaidAmount })
	set("activity_multiplier", p.ActivityMultiplier != nil, func() { u.ActivityMultiplier = *p.ActivityMultiplier })
	set("referred_by", p.ReferredBy != nil, func() { u.ReferredBy = p.ReferredBy })
	set("auto_upgraded_at", p.AutoUpgradedAt != nil, func() { u.AutoUpgradedAt = p.AutoUpgradedAt })
	set("profile_completed", p.ProfileCompleted != nil, func() { u.ProfileCompleted = *p.ProfileCompleted })

	set("name", p.Name != nil, func() { u.Profile.Name = *p.Name })
	set("phone", p.Phone != nil, func() { u.Profile.Phone = *p.Phone })
	set("dob", p.DOB != nil, func() { u.Profile.DOB = *p.DOB })
	set("address", p.Address != nil, func() { u.Profile.Address = *p.Address })
	set("social_link", p.SocialLink != nil, func() { u.Profile.SocialLink = *p.SocialLink })

	set("id_front_url", p.IDFrontURL != nil, func() { u.KYC.IDFrontURL = *p.IDFrontURL })
	set("id_back_url", p.IDBackURL != nil, func() { u.KYC.IDBackURL = *p.IDBackURL })
	set("selfie_url", p.SelfieURL != nil, func() { u.KYC.SelfieURL = *p.SelfieURL })
	set("dob_document_url", p.DOBDocumentURL != nil, func() { u.KYC.DOBDocumentURL = *p.DOBDocumentURL })
	set("age_verified", p.AgeVerified != nil, func() { u.KYC.AgeVerified = *p.AgeVerified })
	set("kyc_status", p.KYCStatus != nil, func() { u.KYC.Status = *p.KYCStatus })

	return cols
}

func (p UserPatch) Empty() bool {
	return len(p.Apply(&User{})) == 0
}

func BoolPtr(b bool) *bool {
	return &b
}
