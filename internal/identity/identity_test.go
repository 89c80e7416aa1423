package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"
)

const testSecret = "test-secret"

func newTestTokenService(test *testing.T, now func() time.Time) *TokenService {
	test.Helper()
	service, err := NewTokenService(testSecret, time.Hour, now)
	if err != nil {
		test.Fatalf("token service: %v", err)
	}
	return service
}

func TestIssueAndResolve(test *testing.T) {
	test.Parallel()
	service := newTestTokenService(test, nil)
	token, err := service.Issue("u1", "u1@example.com")
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	if token.ExpiresIn != time.Hour {
		test.Fatalf("expected ttl of one hour, got %s", token.ExpiresIn)
	}
	identity, err := service.Resolve(context.Background(), "Bearer "+token.AccessToken)
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if identity.ID != "u1" || identity.Email != "u1@example.com" {
		test.Fatalf("unexpected identity %+v", identity)
	}
}

func TestResolveRejectsBadTokens(test *testing.T) {
	test.Parallel()
	issuedAt := time.Unix(1700000000, 0)
	expiredService := newTestTokenService(test, func() time.Time { return issuedAt })
	expired, err := expiredService.Issue("u1", "")
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	laterService := newTestTokenService(test, func() time.Time { return issuedAt.Add(2 * time.Hour) })

	otherSecret, err := NewTokenService("other-secret", time.Hour, nil)
	if err != nil {
		test.Fatalf("token service: %v", err)
	}
	forged, err := otherSecret.Issue("u1", "")
	if err != nil {
		test.Fatalf("issue: %v", err)
	}

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		test.Fatalf("none token: %v", err)
	}

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	}).SignedString([]byte(testSecret))
	if err != nil {
		test.Fatalf("no expiry token: %v", err)
	}

	testCases := []struct {
		name          string
		authorization string
	}{
		{name: "missing header", authorization: ""},
		{name: "no bearer prefix", authorization: expired.AccessToken},
		{name: "empty bearer", authorization: "Bearer "},
		{name: "garbage", authorization: "Bearer not.a.jwt"},
		{name: "expired", authorization: "Bearer " + expired.AccessToken},
		{name: "forged", authorization: "Bearer " + forged.AccessToken},
		{name: "alg none", authorization: "Bearer " + noneToken},
		{name: "no expiry", authorization: "Bearer " + noExpiry},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := laterService.Resolve(context.Background(), testCase.authorization)
			if !errors.Is(err, ErrUnauthenticated) {
				test.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestNewTokenServiceValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewTokenService(" ", time.Hour, nil); !errors.Is(err, ErrInvalidTokenConfig) {
		test.Fatalf("expected ErrInvalidTokenConfig, got %v", err)
	}
	if _, err := NewTokenService(testSecret, 0, nil); !errors.Is(err, ErrInvalidTokenConfig) {
		test.Fatalf("expected ErrInvalidTokenConfig, got %v", err)
	}
	service := newTestTokenService(test, nil)
	if _, err := service.Issue(" ", ""); !errors.Is(err, ErrUnauthenticated) {
		test.Fatalf("expected ErrUnauthenticated for empty subject, got %v", err)
	}
}

// The google validator tests replace the package-level seam and must not run in parallel.
func TestGoogleValidator(test *testing.T) {
	original := validateIDToken
	defer func() { validateIDToken = original }()

	var gotAudience string
	validateIDToken = func(ctx context.Context, credential string, audience string) (*idtoken.Payload, error) {
		gotAudience = audience
		if credential != "good" {
			return nil, errors.New("idtoken: invalid token")
		}
		return &idtoken.Payload{
			Subject: "google-123",
			Claims:  map[string]interface{}{"email": "a@example.com", "name": "Ada"},
		}, nil
	}

	validator := NewGoogleValidator("client-id.apps.googleusercontent.com")
	profile, err := validator.Validate(context.Background(), "good")
	if err != nil {
		test.Fatalf("validate: %v", err)
	}
	if profile != (GoogleProfile{Subject: "google-123", Email: "a@example.com", Name: "Ada"}) {
		test.Fatalf("unexpected profile %+v", profile)
	}
	if gotAudience != "client-id.apps.googleusercontent.com" {
		test.Fatalf("expected client id as audience, got %q", gotAudience)
	}

	if _, err := validator.Validate(context.Background(), "bad"); !errors.Is(err, ErrUnauthenticated) || !strings.Contains(err.Error(), "invalid token") {
		test.Fatalf("expected wrapped unauthenticated error, got %v", err)
	}
	if _, err := validator.Validate(context.Background(), " "); !errors.Is(err, ErrUnauthenticated) {
		test.Fatalf("expected ErrUnauthenticated for empty credential, got %v", err)
	}
	if _, err := NewGoogleValidator("").Validate(context.Background(), "good"); !errors.Is(err, ErrGoogleLoginDisabled) {
		test.Fatalf("expected ErrGoogleLoginDisabled, got %v", err)
	}
}
