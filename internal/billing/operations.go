package billing

import (
	"github.com/MarkoPoloResearchLab/credits/internal/ratelimit"
	"github.com/shopspring/decimal"
)

const usageServiceAI = "ai"

// Operation prices one gated action.
type Operation struct {
	// Class selects the rate limit counter.
	Class string
	// Service and Endpoint label the usage event.
	Service  string
	Endpoint string
	// Cost in credits; zero means rate limited only.
	Cost int64
	// Reason is written to the ledger for the debit.
	Reason  string
	CostUSD decimal.Decimal
}

// Paid and free AI operations.
var (
	TextGeneration = Operation{
		Class:    ratelimit.ClassText,
		Service:  usageServiceAI,
		Endpoint: "generate-text",
		Cost:     2,
		Reason:   "ai_text_generation",
		CostUSD:  decimal.RequireFromString("0.002"),
	}
	ImageGeneration = Operation{
		Class:    ratelimit.ClassImage,
		Service:  usageServiceAI,
		Endpoint: "generate-image",
		Cost:     8,
		Reason:   "ai_image_generation",
		CostUSD:  decimal.RequireFromString("0.01"),
	}
	Refine = Operation{
		Class:    ratelimit.ClassRefine,
		Service:  usageServiceAI,
		Endpoint: "refine",
		Cost:     2,
		Reason:   "ai_refine",
		CostUSD:  decimal.RequireFromString("0.002"),
	}
	Regenerate = Operation{
		Class:    ratelimit.ClassRegenerate,
		Service:  usageServiceAI,
		Endpoint: "regenerate",
		Cost:     3,
		Reason:   "ai_regenerate",
		CostUSD:  decimal.RequireFromString("0.003"),
	}
	Suggestions = Operation{
		Class:    ratelimit.ClassSuggestions,
		Service:  usageServiceAI,
		Endpoint: "suggestions",
		Reason:   "ai_suggestions",
		CostUSD:  decimal.Zero,
	}
)
