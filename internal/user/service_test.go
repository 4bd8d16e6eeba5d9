package user_test

import (
	"context"
	"errors"
	"testing"

	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/gcs"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/kanbanfeed/crowbar-master-backend/internal/store"
	"github.com/kanbanfeed/crowbar-master-backend/internal/user"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	err error
}

func (f fakeSigner) SignedUploadURL(ctx context.Context, email, document, contentType string) (*gcs.UploadURL, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &gcs.UploadURL{URL: "https://upload.example/" + document, ObjectName: "kyc/" + document}, nil
}

func str(s string) *string { return &s }

func TestUpdateProfileGrantsBonusOnce(t *testing.T) {
	ctx := context.Background()
	svc := user.NewService(credits.NewService(store.NewMemoryStore()), fakeSigner{})

	out, err := svc.UpdateProfile(ctx, "a@x.com", user.ProfileUpdate{
		Name:       str("Ada"),
		Phone:      str("+100"),
		DOB:        str("1990-01-01"),
		Address:    str("1 Main St"),
		SocialLink: str("https://social.example/ada"),
	})
	require.NoError(t, err)
	require.True(t, out.ProfileComplete)
	require.False(t, out.KYCComplete)
	require.False(t, out.BonusGranted)

	out, err = svc.UpdateProfile(ctx, "a@x.com", user.ProfileUpdate{
		IDFrontURL:     str("https://storage.example/front"),
		IDBackURL:      str("https://storage.example/back"),
		SelfieURL:      str("https://storage.example/selfie"),
		DOBDocumentURL: str("https://storage.example/dob"),
	})
	require.NoError(t, err)
	require.True(t, out.BonusGranted)
	require.Equal(t, int64(20), out.TotalCredits)
	require.Equal(t, models.KYCStatusSubmitted, out.KYC.Status)

	out, err = svc.UpdateProfile(ctx, "a@x.com", user.ProfileUpdate{Phone: str("+200")})
	require.NoError(t, err)
	require.False(t, out.BonusGranted)
	require.Equal(t, int64(20), out.TotalCredits)
}

func TestUpdateProfileValidation(t *testing.T) {
	svc := user.NewService(credits.NewService(store.NewMemoryStore()), nil)
	_, err := svc.UpdateProfile(context.Background(), "a@x.com", user.ProfileUpdate{})
	require.ErrorIs(t, err, user.ErrEmptyUpdate)

	_, err = svc.UpdateProfile(context.Background(), "a@x.com", user.ProfileUpdate{DOB: str("01/02/1990")})
	require.ErrorIs(t, err, user.ErrInvalidDOB)
}

func TestKYCUploadURL(t *testing.T) {
	ctx := context.Background()
	c := credits.NewService(store.NewMemoryStore())

	out, err := user.NewService(c, fakeSigner{}).KYCUploadURL(ctx, "a@x.com", gcs.DocumentSelfie, "image/png")
	require.NoError(t, err)
	require.Equal(t, "kyc/selfie", out.ObjectName)

	_, err = user.NewService(c, nil).KYCUploadURL(ctx, "a@x.com", gcs.DocumentSelfie, "image/png")
	require.ErrorIs(t, err, user.ErrUploadsUnavailable)

	_, err = user.NewService(c, fakeSigner{err: gcs.ErrUnsupportedDocument}).KYCUploadURL(ctx, "a@x.com", gcs.DocumentSelfie, "text/html")
	require.ErrorIs(t, err, user.ErrInvalidDocument)

	_, err = user.NewService(c, fakeSigner{err: errors.New("boom")}).KYCUploadURL(ctx, "a@x.com", gcs.DocumentSelfie, "image/png")
	require.Error(t, err)
}
