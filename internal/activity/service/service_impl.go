package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/pkg/db"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  activitydomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  activitydomain.Repository
	clock clock.Clock
}

func NewService(p Params) activitydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("activity.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) Record(ctx context.Context, req activitydomain.RecordRequest) (*activitydomain.Entry, bool, error) {
	if strings.TrimSpace(string(req.Action)) == "" {
		return nil, false, activitydomain.ErrInvalidAction
	}
	if req.SubscriptionID == 0 {
		return nil, false, activitydomain.ErrInvalidReference
	}
	performedBy := strings.TrimSpace(req.PerformedBy)
	if performedBy == "" {
		return nil, false, activitydomain.ErrInvalidActor
	}

	at := req.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	severity := req.Severity
	if severity == "" {
		severity = activitydomain.DefaultSeverity(req.Action)
	}

	entry := &activitydomain.Entry{
		ID:             s.genID.Generate(),
		SubscriptionID: req.SubscriptionID,
		ClientID:       req.ClientID,
		InvoiceID:      req.InvoiceID,
		PaymentID:      req.PaymentID,
		Action:         req.Action,
		Description:    req.Description,
		PreviousValues: toJSONMap(req.PreviousValues),
		NewValues:      toJSONMap(req.NewValues),
		Metadata: activitydomain.Metadata{
			Reason:    req.Reason,
			Automatic: req.Automatic,
			Details:   toJSONMap(req.Details),
		},
		PerformedBy: performedBy,
		Severity:    severity,
		Timestamp:   at.UTC(),
	}
	if req.Amount != nil {
		entry.Metadata.Amount = decimal.NewNullDecimal(*req.Amount)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		entry.IdempotencyKey = &key
	}

	inserted, err := s.repo.Insert(ctx, db.Conn(ctx, s.db), entry)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		s.log.Debug("activity.record.duplicate",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("action", string(req.Action)),
		)
		return nil, false, nil
	}
	return entry, true, nil
}

func (s *Service) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return s.repo.ExistsByKey(ctx, db.Conn(ctx, s.db), idempotencyKey)
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*activitydomain.Entry, error) {
	entry, err := s.repo.FindByID(ctx, db.Conn(ctx, s.db), id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, activitydomain.ErrEntryNotFound
	}
	return entry, nil
}

func (s *Service) List(ctx context.Context, req activitydomain.ListRequest) (activitydomain.ListResponse, error) {
	beforeID, err := pagination.AfterID(req.PageToken)
	if err != nil {
		return activitydomain.ListResponse{}, activitydomain.ErrInvalidPageToken
	}

	limit := req.Limit()
	entries, err := s.repo.List(ctx, db.Conn(ctx, s.db), activitydomain.ListFilter{
		SubscriptionID: req.SubscriptionID,
		Action:         req.Action,
		UnreviewedOnly: req.UnreviewedOnly,
		BeforeID:       beforeID,
		Limit:          limit,
	})
	if err != nil {
		return activitydomain.ListResponse{}, err
	}

	page, info := pagination.Trim(entries, limit, func(e *activitydomain.Entry) int64 { return e.ID.Int64() })
	return activitydomain.ListResponse{PageInfo: info, Entries: page}, nil
}

func (s *Service) MarkReviewed(ctx context.Context, id snowflake.ID, reviewedBy string) (*activitydomain.Entry, error) {
	reviewedBy = strings.TrimSpace(reviewedBy)
	if reviewedBy == "" {
		return nil, activitydomain.ErrInvalidActor
	}

	var out *activitydomain.Entry
	err := db.Transaction(ctx, s.db, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.db)
		entry, err := s.repo.FindByID(ctx, conn, id)
		if err != nil {
			return err
		}
		if entry == nil {
			return activitydomain.ErrEntryNotFound
		}

		updated, err := s.repo.MarkReviewed(ctx, conn, id, reviewedBy, s.clock.Now())
		if err != nil {
			return err
		}
		if !updated {
			return activitydomain.ErrAlreadyReviewed
		}

		out, err = s.repo.FindByID(ctx, conn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func toJSONMap(in map[string]any) datatypes.JSONMap {
	if len(in) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(in))
	for k, v := range in {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
