// Package usage describes the per-attempt usage events appended after every
// paid operation.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/shopspring/decimal"
)

// ErrInvalidEvent reports a usage event that cannot be stored.
var ErrInvalidEvent = errors.New("invalid usage event")

const defaultMetadataJSON = "{}"

// Event is one paid operation attempt, successful or not.
type Event struct {
	UserID         ledger.UserID
	Service        string
	Endpoint       string
	LatencyMillis  int64
	Success        bool
	CostUSD        decimal.Decimal
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Recorder persists usage events.
type Recorder interface {
	RecordUsage(ctx context.Context, event Event) error
}

// Validate checks the required fields and normalizes the metadata.
func (event *Event) Validate() error {
	if event.UserID.IsZero() {
		return fmt.Errorf("%w: missing user id", ErrInvalidEvent)
	}
	event.Service = strings.TrimSpace(event.Service)
	event.Endpoint = strings.TrimSpace(event.Endpoint)
	if event.Service == "" || event.Endpoint == "" {
		return fmt.Errorf("%w: missing service or endpoint", ErrInvalidEvent)
	}
	if event.LatencyMillis < 0 {
		return fmt.Errorf("%w: negative latency", ErrInvalidEvent)
	}
	if event.CostUSD.IsNegative() {
		return fmt.Errorf("%w: negative cost", ErrInvalidEvent)
	}
	if strings.TrimSpace(event.MetadataJSON) == "" {
		event.MetadataJSON = defaultMetadataJSON
	}
	return nil
}
