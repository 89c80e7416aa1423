package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/billing"
	"github.com/MarkoPoloResearchLab/credits/internal/generation"
	"github.com/MarkoPoloResearchLab/credits/internal/identity"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const tokenTypeBearer = "bearer"

// ErrInvalidHandlerConfig reports missing handler dependencies.
var ErrInvalidHandlerConfig = errors.New("invalid handler config")

// CreditService is the subset of ledger.Service used by the handlers.
type CreditService interface {
	Add(ctx context.Context, userID ledger.UserID, amount int64, reason ledger.Reason, referenceID ledger.ReferenceID) (ledger.Credits, error)
	Deduct(ctx context.Context, userID ledger.UserID, amount int64, reason ledger.Reason, referenceID ledger.ReferenceID) (ledger.Credits, error)
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error)
	EnsureAccount(ctx context.Context, userID ledger.UserID, email string, name string) (ledger.Account, error)
	ListEntries(ctx context.Context, userID ledger.UserID, page int, limit int) (ledger.EntryPage, error)
}

// TokenVerifier resolves the Authorization header to a caller.
type TokenVerifier interface {
	Resolve(ctx context.Context, authorization string) (identity.Identity, error)
}

// TokenIssuer signs access tokens after login.
type TokenIssuer interface {
	Issue(id string, email string) (identity.Token, error)
}

// GoogleVerifier validates Google sign-in credentials.
type GoogleVerifier interface {
	Validate(ctx context.Context, credential string) (identity.GoogleProfile, error)
}

// OperationRunner gates and charges AI operations.
type OperationRunner interface {
	Run(ctx context.Context, userID ledger.UserID, operation billing.Operation, action func(ctx context.Context) error) (billing.Receipt, error)
}

// Dependencies wires a Handler.
type Dependencies struct {
	Logger    *zap.Logger
	Credits   CreditService
	Verifier  TokenVerifier
	Issuer    TokenIssuer
	Google    GoogleVerifier
	Runner    OperationRunner
	Generator generation.Generator
}

// Handler serves the API routes.
type Handler struct {
	logger    *zap.Logger
	credits   CreditService
	verifier  TokenVerifier
	issuer    TokenIssuer
	google    GoogleVerifier
	runner    OperationRunner
	generator generation.Generator
}

// NewHandler validates dependencies. A nil logger is replaced by a no-op logger.
func NewHandler(deps Dependencies) (*Handler, error) {
	switch {
	case deps.Credits == nil:
		return nil, fmt.Errorf("%w: credit service is nil", ErrInvalidHandlerConfig)
	case deps.Verifier == nil:
		return nil, fmt.Errorf("%w: token verifier is nil", ErrInvalidHandlerConfig)
	case deps.Issuer == nil:
		return nil, fmt.Errorf("%w: token issuer is nil", ErrInvalidHandlerConfig)
	case deps.Google == nil:
		return nil, fmt.Errorf("%w: google verifier is nil", ErrInvalidHandlerConfig)
	case deps.Runner == nil:
		return nil, fmt.Errorf("%w: runner is nil", ErrInvalidHandlerConfig)
	case deps.Generator == nil:
		return nil, fmt.Errorf("%w: generator is nil", ErrInvalidHandlerConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:    logger,
		credits:   deps.Credits,
		verifier:  deps.Verifier,
		issuer:    deps.Issuer,
		google:    deps.Google,
		runner:    deps.Runner,
		generator: deps.Generator,
	}, nil
}

type googleLoginRequest struct {
	Credential string `json:"credential"`
}

type creditMutationRequest struct {
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id"`
}

type refineRequest struct {
	Content     string `json:"content"`
	Instruction string `json:"instruction"`
}

func (request *refineRequest) normalize() error {
	request.Instruction = strings.TrimSpace(request.Instruction)
	if request.Instruction == "" {
		return fmt.Errorf("%w: instruction is required", generation.ErrInvalidRequest)
	}
	return nil
}

type suggestionRequest struct {
	CampaignID int64  `json:"campaign_id"`
	AssetText  string `json:"asset_text"`
}

type ledgerEntryPayload struct {
	ID          int64  `json:"id"`
	Delta       int64  `json:"delta"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id"`
	CreatedAt   string `json:"created_at"`
}

func (handler *Handler) handleGoogleLogin(ctx *gin.Context) {
	var request googleLoginRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.writeError(ctx, errInvalidPayload)
		return
	}
	profile, err := handler.google.Validate(ctx.Request.Context(), request.Credential)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	userID, err := ledger.NewUserID(profile.Subject)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	account, err := handler.credits.EnsureAccount(ctx.Request.Context(), userID, profile.Email, profile.Name)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	token, err := handler.issuer.Issue(account.UserID().String(), account.Email())
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"access_token": token.AccessToken,
		"token_type":   tokenTypeBearer,
		"expires_in":   int64(token.ExpiresIn / time.Second),
	})
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	balance, err := handler.credits.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "balance": balance.Int64()})
}

func (handler *Handler) handleAdd(ctx *gin.Context) {
	handler.mutateCredits(ctx, handler.credits.Add)
}

func (handler *Handler) handleDeduct(ctx *gin.Context) {
	handler.mutateCredits(ctx, handler.credits.Deduct)
}

type creditMutation func(ctx context.Context, userID ledger.UserID, amount int64, reason ledger.Reason, referenceID ledger.ReferenceID) (ledger.Credits, error)

func (handler *Handler) mutateCredits(ctx *gin.Context, mutate creditMutation) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	var request creditMutationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.writeError(ctx, errInvalidPayload)
		return
	}
	reason, err := ledger.NewReason(request.Reason)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	referenceID, err := ledger.NewReferenceID(request.ReferenceID)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	balance, err := mutate(ctx.Request.Context(), userID, request.Amount, reason, referenceID)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "balance": balance.Int64()})
}

func (handler *Handler) handleLedger(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	page, err := queryInt(ctx, "page", 1, ledger.ErrInvalidPage)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	limit, err := queryInt(ctx, "limit", ledger.DefaultPageLimit, ledger.ErrInvalidLimit)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	entryPage, err := handler.credits.ListEntries(ctx.Request.Context(), userID, page, limit)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	items := make([]ledgerEntryPayload, 0, len(entryPage.Items))
	for _, entry := range entryPage.Items {
		items = append(items, ledgerEntryPayload{
			ID:          entry.EntryID().Int64(),
			Delta:       entry.Delta().Int64(),
			Reason:      entry.Reason().String(),
			ReferenceID: entry.ReferenceID().String(),
			CreatedAt:   time.Unix(entry.CreatedUnixUTC(), 0).UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": entryPage.Total,
		"page":  entryPage.Page,
		"limit": entryPage.Limit,
	})
}

func (handler *Handler) handleGenerateText(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	var request generation.TextRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.writeError(ctx, errInvalidPayload)
		return
	}
	if err := request.Normalize(); err != nil {
		handler.writeError(ctx, err)
		return
	}
	var generated string
	receipt, err := handler.runner.Run(ctx.Request.Context(), userID, billing.TextGeneration, func(runCtx context.Context) error {
		text, err := handler.generator.GenerateText(runCtx, request)
		if err != nil {
			return generatorError(err)
		}
		generated = text
		return nil
	})
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"generated_text": generated,
		"content":        generated,
		"reference_id":   receipt.ReferenceID,
		"balance":        receipt.Balance.Int64(),
	})
}

func (handler *Handler) handleGenerateImage(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	var request generation.ImageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.writeError(ctx, errInvalidPayload)
		return
	}
	if err := request.Normalize(); err != nil {
		handler.writeError(ctx, err)
		return
	}
	var result generation.ImageResult
	receipt, err := handler.runner.Run(ctx.Request.Context(), userID, billing.ImageGeneration, func(runCtx context.Context) error {
		image, err := handler.generator.GenerateImage(runCtx, request)
		if err != nil {
			return generatorError(err)
		}
		result = image
		return nil
	})
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"campaign_id":  result.CampaignID,
		"image_url":    result.ImageURL,
		"reference_id": receipt.ReferenceID,
		"balance":      receipt.Balance.Int64(),
	})
}

func (handler *Handler) handleRefine(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	var request refineRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.writeError(ctx, errInvalidPayload)
		return
	}
	if err := request.normalize(); err != nil {
		handler.writeError(ctx, err)
		return
	}
	var refined string
	receipt, err := handler.runner.Run(ctx.Request.Context(), userID, billing.Refine, func(runCtx context.Context) error {
		content, err := handler.generator.Refine(runCtx, request.Content, request.Instruction)
		if err != nil {
			return generatorError(err)
		}
		refined = content
		return nil
	})
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"refined_content": refined,
		"reference_id":    receipt.ReferenceID,
		"balance":         receipt.Balance.Int64(),
	})
}

func (handler *Handler) handleRegenerate(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	var assetContext map[string]interface{}
	if err := ctx.ShouldBindJSON(&assetContext); err != nil {
		handler.writeError(ctx, errInvalidPayload)
		return
	}
	var result generation.RegenerateResult
	receipt, err := handler.runner.Run(ctx.Request.Context(), userID, billing.Regenerate, func(runCtx context.Context) error {
		regenerated, err := handler.generator.Regenerate(runCtx, assetContext)
		if err != nil {
			return generatorError(err)
		}
		result = regenerated
		return nil
	})
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"regenerated":  result.Regenerated,
		"note":         result.Note,
		"reference_id": receipt.ReferenceID,
		"balance":      receipt.Balance.Int64(),
	})
}

func (handler *Handler) handleSuggestions(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	var request suggestionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.writeError(ctx, errInvalidPayload)
		return
	}
	var suggestions []string
	_, err := handler.runner.Run(ctx.Request.Context(), userID, billing.Suggestions, func(runCtx context.Context) error {
		result, err := handler.generator.Suggestions(runCtx, request.AssetText)
		if err != nil {
			return generatorError(err)
		}
		suggestions = result
		return nil
	})
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

func (handler *Handler) callerID(ctx *gin.Context) (ledger.UserID, bool) {
	caller, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(caller.ID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func queryInt(ctx *gin.Context, name string, fallback int, invalid error) (int, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", invalid, name)
	}
	return value, nil
}

// generatorError keeps request, context and already-classified errors and
// marks everything else as an upstream failure.
func generatorError(err error) error {
	switch {
	case errors.Is(err, generation.ErrInvalidRequest),
		errors.Is(err, generation.ErrGeneratorUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", generation.ErrGeneratorUnavailable, err)
	}
}
