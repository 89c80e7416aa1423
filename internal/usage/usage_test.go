package usage

import (
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/shopspring/decimal"
)

func TestEventValidate(test *testing.T) {
	test.Parallel()
	userID, err := ledger.NewUserID("u1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	event := Event{UserID: userID, Service: " ai ", Endpoint: "generate-text", CostUSD: decimal.RequireFromString("0.0020")}
	if err := event.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if event.Service != "ai" || event.MetadataJSON != "{}" {
		test.Fatalf("expected normalized event, got %+v", event)
	}

	invalid := []Event{
		{Service: "ai", Endpoint: "generate-text"},
		{UserID: userID, Endpoint: "generate-text"},
		{UserID: userID, Service: "ai", Endpoint: "generate-text", LatencyMillis: -1},
		{UserID: userID, Service: "ai", Endpoint: "generate-text", CostUSD: decimal.NewFromInt(-1)},
	}
	for index := range invalid {
		if err := invalid[index].Validate(); !errors.Is(err, ErrInvalidEvent) {
			test.Fatalf("case %d: expected ErrInvalidEvent, got %v", index, err)
		}
	}
}
