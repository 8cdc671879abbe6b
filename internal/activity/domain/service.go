package domain

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/pkg/apperror"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
)

type RecordRequest struct {
	SubscriptionID snowflake.ID
	ClientID       snowflake.ID
	InvoiceID      *snowflake.ID
	PaymentID      *snowflake.ID
	Action         Action
	Description    string
	PreviousValues map[string]any
	NewValues      map[string]any
	Amount         *decimal.Decimal
	Reason         string
	Automatic      bool
	Details        map[string]any
	PerformedBy    string
	Severity       Severity
	// IdempotencyKey, when set, makes Record a no-op for a key already stored.
	IdempotencyKey string
	At             time.Time
}

type ListRequest struct {
	pagination.Pagination
	SubscriptionID *snowflake.ID
	Action         Action
	UnreviewedOnly bool
}

type ListResponse struct {
	pagination.PageInfo
	Entries []*Entry `json:"entries"`
}

type Service interface {
	// Record appends an entry. inserted is false when IdempotencyKey already exists.
	Record(ctx context.Context, req RecordRequest) (entry *Entry, inserted bool, err error)
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Entry, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	MarkReviewed(ctx context.Context, id snowflake.ID, reviewedBy string) (*Entry, error)
}

// IdempotencyKey builds kind:entity:YYYY-MM-DD[:extra...].
func IdempotencyKey(kind string, entityID snowflake.ID, date time.Time, extra ...string) string {
	parts := append([]string{kind, entityID.String(), date.UTC().Format(time.DateOnly)}, extra...)
	return strings.Join(parts, ":")
}

var (
	ErrEntryNotFound    = apperror.New(apperror.KindNotFound, "activity_not_found", "activity entry not found")
	ErrAlreadyReviewed  = apperror.New(apperror.KindInvalidState, "activity_already_reviewed", "activity entry already reviewed")
	ErrInvalidAction    = apperror.New(apperror.KindValidation, "invalid_action", "action is required")
	ErrInvalidActor     = apperror.New(apperror.KindValidation, "invalid_actor", "performed by is required")
	ErrInvalidReference = apperror.New(apperror.KindValidation, "invalid_subscription", "subscription id is required")
	ErrInvalidPageToken = apperror.New(apperror.KindValidation, "invalid_page_token", "invalid page token")

	// ErrDuplicateAction reports that an action keyed by an idempotency key
	// was already recorded, so the surrounding mutation must not apply again.
	ErrDuplicateAction = apperror.New(apperror.KindConcurrency, "duplicate_action", "action already applied")
)
