package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/credits/internal/generation"
	"github.com/MarkoPoloResearchLab/credits/internal/identity"
	"github.com/MarkoPoloResearchLab/credits/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errInvalidPayload = errors.New("invalid payload")

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{target: errInvalidPayload, status: http.StatusBadRequest, code: "invalid_payload", message: "expected JSON body"},
	{target: ledger.ErrInvalidAmount, status: http.StatusBadRequest, code: "invalid_amount", message: "amount must be positive"},
	{target: ledger.ErrInvalidReason, status: http.StatusBadRequest, code: "invalid_reason", message: "reason is required"},
	{target: ledger.ErrInvalidReferenceID, status: http.StatusBadRequest, code: "invalid_reference_id", message: "reference id is too long"},
	{target: ledger.ErrInvalidPage, status: http.StatusBadRequest, code: "invalid_page", message: "page must be at least 1"},
	{target: ledger.ErrInvalidLimit, status: http.StatusBadRequest, code: "invalid_limit", message: "limit is out of range"},
	{target: ledger.ErrInvalidUserID, status: http.StatusBadRequest, code: "invalid_user_id", message: "user id is required"},
	{target: generation.ErrInvalidRequest, status: http.StatusBadRequest, code: "invalid_request", message: "generation request is invalid"},
	{target: identity.ErrGoogleLoginDisabled, status: http.StatusServiceUnavailable, code: "login_disabled", message: "google login is not configured"},
	{target: identity.ErrUnauthenticated, status: http.StatusUnauthorized, code: "unauthorized", message: "invalid credential"},
	{target: ledger.ErrInsufficientBalance, status: http.StatusPaymentRequired, code: "insufficient_credits", message: "insufficient credits"},
	{target: ledger.ErrAccountNotFound, status: http.StatusNotFound, code: "user_not_found", message: "user not found"},
	{target: ratelimit.ErrRateLimitExceeded, status: http.StatusTooManyRequests, code: "rate_limited", message: "rate limit exceeded"},
	{target: generation.ErrGeneratorUnavailable, status: http.StatusBadGateway, code: "generator_error", message: "generation failed"},
	{target: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout", message: "request timed out"},
}

// writeError maps err onto a status and an opaque error body. Unknown errors
// are logged and reported as 500.
func (handler *Handler) writeError(ctx *gin.Context, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			ctx.JSON(mapping.status, errorResponse(mapping.code, mapping.message))
			return
		}
	}
	handler.logger.Error("request failed",
		zap.String("path", ctx.FullPath()),
		zap.Error(err),
	)
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal error"))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
