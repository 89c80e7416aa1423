package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

// ErrGoogleLoginDisabled is returned when no client id is configured.
var ErrGoogleLoginDisabled = errors.New("google login disabled")

// GoogleProfile is the subset of a verified Google ID token used for sign-in.
type GoogleProfile struct {
	Subject string
	Email   string
	Name    string
}

// validateIDToken is a seam for testing idtoken.Validate.
var validateIDToken = func(ctx context.Context, credential string, audience string) (*idtoken.Payload, error) {
	return idtoken.Validate(ctx, credential, audience)
}

// GoogleValidator checks Google ID tokens against the OAuth client id.
type GoogleValidator struct {
	clientID string
}

// NewGoogleValidator returns a validator for clientID. An empty client id
// yields a validator that rejects every credential with ErrGoogleLoginDisabled.
func NewGoogleValidator(clientID string) *GoogleValidator {
	return &GoogleValidator{clientID: strings.TrimSpace(clientID)}
}

// Validate verifies the credential signature, audience and expiry.
func (validator *GoogleValidator) Validate(ctx context.Context, credential string) (GoogleProfile, error) {
	if validator.clientID == "" {
		return GoogleProfile{}, ErrGoogleLoginDisabled
	}
	if strings.TrimSpace(credential) == "" {
		return GoogleProfile{}, fmt.Errorf("%w: empty credential", ErrUnauthenticated)
	}
	payload, err := validateIDToken(ctx, credential, validator.clientID)
	if err != nil {
		return GoogleProfile{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return GoogleProfile{}, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}
	return GoogleProfile{
		Subject: payload.Subject,
		Email:   stringClaim(payload.Claims, "email"),
		Name:    stringClaim(payload.Claims, "name"),
	}, nil
}

func stringClaim(claims map[string]interface{}, name string) string {
	value, _ := claims[name].(string)
	return value
}
