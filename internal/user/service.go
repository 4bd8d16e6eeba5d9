// Package user serves the authenticated profile and KYC surface.
package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/gcs"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/kanbanfeed/crowbar-master-backend/internal/rules"
	"github.com/rs/zerolog/log"
)

const dobLayout = "2006-01-02"

var (
	ErrEmptyUpdate        = apperr.New(apperr.KindValidation, "empty_update", "no profile fields to update")
	ErrInvalidDOB         = apperr.New(apperr.KindValidation, "invalid_dob", "dob must be formatted as YYYY-MM-DD")
	ErrUploadsUnavailable = apperr.New(apperr.KindUpstream, "uploads_unavailable", "document uploads are not configured")
	ErrInvalidDocument    = apperr.New(apperr.KindValidation, "invalid_document", "unsupported document kind or content type")
)

// UploadSigner issues upload URLs for KYC documents.
type UploadSigner interface {
	SignedUploadURL(ctx context.Context, email, document, contentType string) (*gcs.UploadURL, error)
}

// ProfileUpdate carries the fields a user may change. Nil fields are kept.
type ProfileUpdate struct {
	Name       *string `json:"name"`
	Phone      *string `json:"phone"`
	DOB        *string `json:"dob"`
	Address    *string `json:"address"`
	SocialLink *string `json:"social_link"`

	IDFrontURL     *string `json:"id_front_url"`
	IDBackURL      *string `json:"id_back_url"`
	SelfieURL      *string `json:"selfie_url"`
	DOBDocumentURL *string `json:"dob_document_url"`
}

type Profile struct {
	Email            string            `json:"email"`
	TotalCredits     int64             `json:"total_credits"`
	Profile          models.Profile    `json:"profile"`
	KYC              models.KYC        `json:"kyc"`
	ProfileComplete  bool              `json:"profile_complete"`
	KYCComplete      bool              `json:"kyc_complete"`
	ProfileCompleted bool              `json:"profile_completed"`
	BonusGranted     bool              `json:"bonus_granted"`
	ReferralCode     *string           `json:"referral_code,omitempty"`
	AccessMode       models.AccessMode `json:"access_mode"`
}

type Service struct {
	credits *credits.Service
	bonus   *rules.ProfileBonus
	uploads UploadSigner
}

func NewService(c *credits.Service, uploads UploadSigner) *Service {
	return &Service{credits: c, bonus: rules.NewProfileBonus(c), uploads: uploads}
}

// GetOrCreate returns the user row, creating an empty one on first sight.
func (s *Service) GetOrCreate(ctx context.Context, email string) (*models.User, error) {
	return s.credits.EnsureUser(ctx, email)
}

func (s *Service) GetProfile(ctx context.Context, email string) (*Profile, error) {
	u, err := s.credits.EnsureUser(ctx, email)
	if err != nil {
		return nil, err
	}
	return toProfile(u), nil
}

// UpdateProfile applies the update and grants the completion bonus the
// first time the profile and KYC documents are both complete.
func (s *Service) UpdateProfile(ctx context.Context, email string, upd ProfileUpdate) (*Profile, error) {
	patch, err := upd.patch()
	if err != nil {
		return nil, err
	}
	u, err := s.credits.EnsureUser(ctx, email)
	if err != nil {
		return nil, err
	}

	next := u.Clone()
	patch.Apply(next)
	if next.KYC.DocumentsComplete() && next.KYC.Status == models.KYCStatusNone {
		submitted := models.KYCStatusSubmitted
		patch.KYCStatus = &submitted
	}
	if err := s.credits.Store().UpdateUser(ctx, u.Email, patch); err != nil {
		return nil, apperr.Upstream("failed to update profile", err)
	}

	granted, err := s.bonus.Evaluate(ctx, u.Email)
	if err != nil {
		log.Error().Err(err).Str("email", u.Email).Msg("Profile bonus evaluation failed")
	}

	fresh, err := s.credits.GetUser(ctx, u.Email)
	if err != nil {
		return nil, err
	}
	out := toProfile(fresh)
	out.BonusGranted = granted
	return out, nil
}

func (s *Service) KYCUploadURL(ctx context.Context, email, document, contentType string) (*gcs.UploadURL, error) {
	if s.uploads == nil {
		return nil, ErrUploadsUnavailable
	}
	email, err := credits.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	out, err := s.uploads.SignedUploadURL(ctx, email, strings.TrimSpace(document), strings.TrimSpace(contentType))
	if errors.Is(err, gcs.ErrUnknownDocument) || errors.Is(err, gcs.ErrUnsupportedDocument) {
		return nil, apperr.Wrap(apperr.KindValidation, ErrInvalidDocument.Code, ErrInvalidDocument.Message, err)
	}
	if err != nil {
		return nil, apperr.Upstream("failed to sign upload URL", err)
	}
	return out, nil
}

func (u ProfileUpdate) patch() (models.UserPatch, error) {
	if u.DOB != nil {
		if _, err := time.Parse(dobLayout, strings.TrimSpace(*u.DOB)); err != nil {
			return models.UserPatch{}, ErrInvalidDOB
		}
	}
	patch := models.UserPatch{
		Name:           trimmed(u.Name),
		Phone:          trimmed(u.Phone),
		DOB:            trimmed(u.DOB),
		Address:        trimmed(u.Address),
		SocialLink:     trimmed(u.SocialLink),
		IDFrontURL:     trimmed(u.IDFrontURL),
		IDBackURL:      trimmed(u.IDBackURL),
		SelfieURL:      trimmed(u.SelfieURL),
		DOBDocumentURL: trimmed(u.DOBDocumentURL),
	}
	if patch.Empty() {
		return patch, ErrEmptyUpdate
	}
	return patch, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

func toProfile(u *models.User) *Profile {
	return &Profile{
		Email:            u.Email,
		TotalCredits:     u.TotalCredits,
		Profile:          u.Profile,
		KYC:              u.KYC,
		ProfileComplete:  u.Profile.Complete(),
		KYCComplete:      u.KYC.DocumentsComplete(),
		ProfileCompleted: u.ProfileCompleted,
		ReferralCode:     u.ReferralCode,
		AccessMode:       u.AccessMode,
	}
}
