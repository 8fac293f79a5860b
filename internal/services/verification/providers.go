package verification

import (
	"context"

	"github.com/civicos/identity-service/internal/utils"
)

// CaptchaVerifier validates captcha tokens issued to the client
type CaptchaVerifier interface {
	Verify(ctx context.Context, token string) (bool, error)
}

// TotpVerifier validates TOTP codes against an enrolled secret
type TotpVerifier interface {
	Verify(secret, code string) bool
}

// FaceMatcher scores how well a selfie matches an ID portrait and looks up
// near-duplicate faces across the system
type FaceMatcher interface {
	MatchScore(ctx context.Context, selfiePath, idFrontPath string) (int, error)
	FindDuplicate(ctx context.Context, contentHash string) (bool, error)
}

// Mailer delivers verification codes. The queue-backed enqueuer and the
// direct SMTP service both satisfy it.
type Mailer interface {
	SendVerificationCode(toEmail, code string, ttlMinutes int) error
}

// StubCaptchaVerifier accepts any non-empty token. A real captcha provider
// replaces it by configuration in production deployments.
type StubCaptchaVerifier struct{}

// Verify implements CaptchaVerifier
func (StubCaptchaVerifier) Verify(_ context.Context, token string) (bool, error) {
	return token != "", nil
}

// OTPTotpVerifier validates codes with the TOTP algorithm
type OTPTotpVerifier struct {
	Config utils.TOTPConfig
}

// Verify implements TotpVerifier
func (v OTPTotpVerifier) Verify(secret, code string) bool {
	return utils.ValidateTOTPCode(secret, code, v.Config)
}

// StubFaceMatcher returns a fixed score and never reports duplicates. It
// stands in for an external face-matching provider; the score it returns is
// treated exactly like a real provider's output.
type StubFaceMatcher struct {
	Score int
}

// MatchScore implements FaceMatcher
func (m StubFaceMatcher) MatchScore(_ context.Context, _, _ string) (int, error) {
	return m.Score, nil
}

// FindDuplicate implements FaceMatcher
func (m StubFaceMatcher) FindDuplicate(_ context.Context, _ string) (bool, error) {
	return false, nil
}
