package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	obslogger "github.com/smallbiznis/entitle/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitle/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/ratelimit"
	"github.com/smallbiznis/entitle/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxIdempotencyKeyLength = 128

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	LedgerCfg  *config.LedgerConfigHolder
	Repo       paymentdomain.Repository
	Processor  paymentdomain.Processor
	Orphans    paymentdomain.OrphanSink
	Limiter    *ratelimit.OrderLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	ledgerCfg      *config.LedgerConfigHolder
	repo           paymentdomain.Repository
	processor      paymentdomain.Processor
	orphans        paymentdomain.OrphanSink
	limiter        *ratelimit.OrderLimiter
	obsMetrics     *obsmetrics.Metrics
	persistTimeout time.Duration
}

func NewService(p Params) paymentdomain.Service {
	persistTimeout := p.Config.OrderPersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = 5 * time.Second
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("payment.service"),
		genID:          p.GenID,
		clock:          clk,
		ledgerCfg:      p.LedgerCfg,
		repo:           p.Repo,
		processor:      p.Processor,
		orphans:        p.Orphans,
		limiter:        p.Limiter,
		obsMetrics:     p.ObsMetrics,
		persistTimeout: persistTimeout,
	}
}

type createOrder struct {
	userID   string
	key      string
	amount   int64
	currency string
	plan     paymentdomain.PlanType
	credits  int64
	notes    map[string]string
}

func (s *Service) CreateOrder(ctx context.Context, req paymentdomain.CreateOrderRequest) (paymentdomain.CreateOrderResponse, error) {
	in, err := s.validateCreate(req)
	if err != nil {
		return paymentdomain.CreateOrderResponse{}, err
	}
	log := obslogger.WithUser(obslogger.WithContext(ctx, s.log), in.userID).With(
		zap.String("plan_type", string(in.plan)),
		zap.String("currency", in.currency),
	)

	if existing, err := s.findByKey(ctx, in); err != nil || existing != nil {
		return s.replay(existing, in, err)
	}

	if allowed, retryAfter := s.limiter.AllowCreate(ctx, in.userID); !allowed {
		log.Info("order creation throttled", zap.Duration("retry_after", retryAfter))
		return paymentdomain.CreateOrderResponse{}, paymentdomain.ErrRateLimited
	}

	lease, locked := s.limiter.LockKey(ctx, in.userID, in.key)
	if !locked {
		return paymentdomain.CreateOrderResponse{}, paymentdomain.ErrOrderInProgress
	}
	defer s.limiter.UnlockKey(context.WithoutCancel(ctx), in.userID, lease)

	if existing, err := s.findByKey(ctx, in); err != nil || existing != nil {
		return s.replay(existing, in, err)
	}

	now := s.clock.Now().UTC()
	intentID := s.genID.Generate()
	notes := processorNotes(in, intentID)

	order, err := s.processor.CreateOrder(ctx, paymentdomain.ProcessorOrderRequest{
		AmountMinorUnits: in.amount,
		Currency:         in.currency,
		Receipt:          receiptFor(intentID),
		Notes:            notes,
		IdempotencyKey:   in.userID + ":" + in.key,
	})
	if err != nil {
		log.Warn("processor order creation failed", zap.Error(err))
		if errors.Is(err, paymentdomain.ErrProcessorRejected) || errors.Is(err, paymentdomain.ErrProcessorUnavailable) {
			return paymentdomain.CreateOrderResponse{}, err
		}
		return paymentdomain.CreateOrderResponse{}, fmt.Errorf("%w: %v", paymentdomain.ErrProcessorUnavailable, err)
	}
	log = log.With(zap.String("order_id", order.ID))

	notesJSON, err := json.Marshal(notes)
	if err != nil {
		return paymentdomain.CreateOrderResponse{}, err
	}
	intent := paymentdomain.PurchaseIntent{
		ID:               intentID,
		UserID:           in.userID,
		IdempotencyKey:   in.key,
		Receipt:          receiptFor(intentID),
		ProcessorOrderID: order.ID,
		AmountMinorUnits: in.amount,
		Currency:         in.currency,
		CreditsRequested: in.credits,
		PlanType:         in.plan,
		Status:           paymentdomain.IntentStatusPending,
		Notes:            datatypes.JSON(notesJSON),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// The processor order exists now; persist it even if the caller gave up.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	inserted, err := s.repo.Insert(persistCtx, s.db, &intent)
	if err != nil {
		s.obsMetrics.RecordOrderPersistFailed(persistCtx, string(in.plan))
		s.pushOrphan(persistCtx, log, orphanFrom(intent, notes, "persist_failed"), err)
		return paymentdomain.CreateOrderResponse{}, fmt.Errorf("%w: processor order %s not recorded", paymentdomain.ErrPartialFailure, order.ID)
	}
	if !inserted {
		stored, findErr := s.repo.FindByIdempotencyKey(persistCtx, s.db, in.userID, in.key)
		if findErr != nil || stored == nil {
			s.obsMetrics.RecordOrderPersistFailed(persistCtx, string(in.plan))
			s.pushOrphan(persistCtx, log, orphanFrom(intent, notes, "persist_conflict"), findErr)
			return paymentdomain.CreateOrderResponse{}, fmt.Errorf("%w: processor order %s not recorded", paymentdomain.ErrPartialFailure, order.ID)
		}
		if stored.ProcessorOrderID != order.ID {
			s.pushOrphan(persistCtx, log, orphanFrom(intent, notes, "superseded"), nil)
		}
		return s.replay(stored, in, nil)
	}

	s.obsMetrics.RecordOrderCreated(ctx, string(in.plan), in.currency)
	log.Info("purchase intent created", zap.String("intent_id", intentID.String()))

	return responseFor(&intent, false), nil
}

func (s *Service) validateCreate(req paymentdomain.CreateOrderRequest) (createOrder, error) {
	in := createOrder{
		userID:   strings.TrimSpace(req.UserID),
		key:      strings.TrimSpace(req.IdempotencyKey),
		amount:   req.AmountMinorUnits,
		currency: strings.ToUpper(strings.TrimSpace(req.Currency)),
		credits:  req.CreditsRequested,
		notes:    req.Notes,
	}
	if in.userID == "" {
		return in, paymentdomain.ErrInvalidUser
	}
	if in.key == "" || len(in.key) > maxIdempotencyKeyLength {
		return in, paymentdomain.ErrInvalidIdempotencyKey
	}
	if in.amount <= 0 {
		return in, paymentdomain.ErrInvalidAmount
	}
	if len(in.currency) != 3 || !s.ledgerCfg.Get().SupportsCurrency(in.currency) {
		return in, paymentdomain.ErrInvalidCurrency
	}

	plan, err := paymentdomain.ParsePlanType(req.PlanType)
	if err != nil {
		return in, err
	}
	in.plan = plan

	entry, _ := paymentdomain.Lookup(plan)
	if entry.GrantsCredits() && in.credits <= 0 {
		return in, paymentdomain.ErrInvalidCredits
	}
	if !entry.GrantsCredits() && in.credits != 0 {
		return in, paymentdomain.ErrInvalidCredits
	}
	return in, nil
}

func (s *Service) findByKey(ctx context.Context, in createOrder) (*paymentdomain.PurchaseIntent, error) {
	existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, in.userID, in.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrTransientStorage, err)
	}
	return existing, nil
}

// replay returns an existing intent for the idempotency key. A key reused for a
// different purchase is rejected rather than silently answered.
func (s *Service) replay(existing *paymentdomain.PurchaseIntent, in createOrder, err error) (paymentdomain.CreateOrderResponse, error) {
	if err != nil {
		return paymentdomain.CreateOrderResponse{}, err
	}
	if existing.AmountMinorUnits != in.amount ||
		existing.Currency != in.currency ||
		existing.PlanType != in.plan ||
		existing.CreditsRequested != in.credits {
		return paymentdomain.CreateOrderResponse{}, paymentdomain.ErrIdempotencyMismatch
	}
	return responseFor(existing, true), nil
}

func (s *Service) pushOrphan(ctx context.Context, log *zap.Logger, orphan paymentdomain.Orphan, cause error) {
	fields := []zap.Field{
		zap.String("intent_id", orphan.IntentID.String()),
		zap.String("order_id", orphan.ProcessorOrderID),
		zap.String("reason", orphan.Reason),
		zap.Int64("amount_minor_units", orphan.AmountMinorUnits),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if err := s.orphans.Push(ctx, orphan); err != nil {
		log.Error("processor order orphaned and could not be queued; reconcile manually",
			append(fields, zap.NamedError("queue_error", err))...)
		return
	}
	log.Error("processor order orphaned; queued for reconciliation", fields...)
}

func (s *Service) RecoverOrphans(ctx context.Context, limit int) (paymentdomain.RecoverOrphansResult, error) {
	var result paymentdomain.RecoverOrphansResult
	if limit <= 0 {
		return result, nil
	}
	log := obslogger.WithContext(ctx, s.log)

	reclaimed, err := s.orphans.Reclaim(ctx)
	if err != nil {
		return result, err
	}
	if reclaimed > 0 {
		log.Warn("orphans from an interrupted run returned to the queue", zap.Int64("count", reclaimed))
	}

	for i := 0; i < limit; i++ {
		orphan, err := s.orphans.Pop(ctx)
		if err != nil {
			return result, err
		}
		if orphan == nil {
			return result, nil
		}

		outcome, err := s.recoverOrphan(ctx, *orphan)
		if err != nil {
			if nackErr := s.orphans.Nack(context.WithoutCancel(ctx), *orphan); nackErr != nil {
				log.Error("orphan requeue failed; it is reclaimed on the next run",
					zap.String("order_id", orphan.ProcessorOrderID), zap.Error(nackErr))
			}
			result.Requeued++
			return result, fmt.Errorf("%w: %v", paymentdomain.ErrTransientStorage, err)
		}
		if ackErr := s.orphans.Ack(context.WithoutCancel(ctx), *orphan); ackErr != nil {
			log.Warn("orphan ack failed; it is reclaimed and skipped on the next run",
				zap.String("order_id", orphan.ProcessorOrderID), zap.Error(ackErr))
		}

		s.obsMetrics.RecordOrphanRecovered(ctx, outcome)
		switch outcome {
		case orphanRecovered:
			result.Recovered++
			log.Info("orphaned order recovered",
				zap.String("order_id", orphan.ProcessorOrderID),
				zap.Time("minted_at", orphan.CreatedAt),
			)
		case orphanExisting:
			result.Existing++
		default:
			result.Discarded++
			log.Warn("orphaned order superseded by another order for the same idempotency key; void it at the processor",
				zap.String("order_id", orphan.ProcessorOrderID),
				zap.String("user_id", orphan.UserID),
			)
		}
	}
	return result, nil
}

const (
	orphanRecovered = "recovered"
	orphanExisting  = "existing"
	orphanDiscarded = "discarded"
)

// recoverOrphan inserts the pending intent for one orphan and reports whether
// it was recovered, already stored, or superseded.
func (s *Service) recoverOrphan(ctx context.Context, orphan paymentdomain.Orphan) (string, error) {
	notes := []byte("{}")
	if len(orphan.Notes) > 0 {
		notes, _ = json.Marshal(orphan.Notes)
	}
	intent := orphan.Intent(datatypes.JSON(notes), s.clock.Now().UTC())
	inserted, err := s.repo.Insert(ctx, s.db, &intent)
	if err != nil {
		return "", err
	}
	if inserted {
		return orphanRecovered, nil
	}

	stored, err := s.repo.FindByProcessorOrderID(ctx, s.db, orphan.ProcessorOrderID)
	if err != nil {
		return "", err
	}
	if stored != nil {
		return orphanExisting, nil
	}
	return orphanDiscarded, nil
}

func (s *Service) ListPurchases(ctx context.Context, req paymentdomain.ListPurchasesRequest) (paymentdomain.ListPurchasesResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return paymentdomain.ListPurchasesResponse{}, paymentdomain.ErrInvalidUser
	}

	var afterID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return paymentdomain.ListPurchasesResponse{}, paymentdomain.ErrInvalidRequest
		}
		afterID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return paymentdomain.ListPurchasesResponse{}, paymentdomain.ErrInvalidRequest
		}
	}

	limit := pagination.Pagination{PageSize: int(req.PageSize)}.Limit()
	items, err := s.repo.ListByUser(ctx, s.db, userID, afterID, limit+1)
	if err != nil {
		return paymentdomain.ListPurchasesResponse{}, fmt.Errorf("%w: %v", paymentdomain.ErrTransientStorage, err)
	}

	page, info := pagination.BuildCursorPageInfo(items, limit, func(item paymentdomain.PurchaseIntent) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: item.ID.String()})
		return token
	})
	if page == nil {
		page = []paymentdomain.PurchaseIntent{}
	}
	return paymentdomain.ListPurchasesResponse{PageInfo: *info, Purchases: page}, nil
}

func (s *Service) GetPurchase(ctx context.Context, userID, intentID string) (paymentdomain.PurchaseIntent, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(intentID))
	if err != nil {
		return paymentdomain.PurchaseIntent{}, paymentdomain.ErrNotFound
	}
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return paymentdomain.PurchaseIntent{}, fmt.Errorf("%w: %v", paymentdomain.ErrTransientStorage, err)
	}
	if item == nil || item.UserID != strings.TrimSpace(userID) {
		return paymentdomain.PurchaseIntent{}, paymentdomain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) GetByProcessorOrderID(ctx context.Context, orderID string) (paymentdomain.PurchaseIntent, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return paymentdomain.PurchaseIntent{}, paymentdomain.ErrNotFound
	}
	item, err := s.repo.FindByProcessorOrderID(ctx, s.db, orderID)
	if err != nil {
		return paymentdomain.PurchaseIntent{}, fmt.Errorf("%w: %v", paymentdomain.ErrTransientStorage, err)
	}
	if item == nil {
		return paymentdomain.PurchaseIntent{}, paymentdomain.ErrNotFound
	}
	return *item, nil
}

func receiptFor(id snowflake.ID) string {
	return "rcpt_" + id.String()
}

func processorNotes(in createOrder, intentID snowflake.ID) map[string]string {
	notes := make(map[string]string, len(in.notes)+4)
	for k, v := range in.notes {
		notes[k] = v
	}
	notes["intent_id"] = intentID.String()
	notes["user_id"] = in.userID
	notes["plan_type"] = string(in.plan)
	notes["credits_requested"] = strconv.FormatInt(in.credits, 10)
	return notes
}

func orphanFrom(intent paymentdomain.PurchaseIntent, notes map[string]string, reason string) paymentdomain.Orphan {
	return paymentdomain.Orphan{
		IntentID:         intent.ID,
		UserID:           intent.UserID,
		IdempotencyKey:   intent.IdempotencyKey,
		Receipt:          intent.Receipt,
		ProcessorOrderID: intent.ProcessorOrderID,
		AmountMinorUnits: intent.AmountMinorUnits,
		Currency:         intent.Currency,
		CreditsRequested: intent.CreditsRequested,
		PlanType:         intent.PlanType,
		Notes:            notes,
		Reason:           reason,
		CreatedAt:        intent.CreatedAt,
	}
}

func responseFor(intent *paymentdomain.PurchaseIntent, replayed bool) paymentdomain.CreateOrderResponse {
	return paymentdomain.CreateOrderResponse{
		PurchaseIntentID: intent.ID.String(),
		ProcessorOrderID: intent.ProcessorOrderID,
		AmountMinorUnits: intent.AmountMinorUnits,
		Currency:         intent.Currency,
		PlanType:         intent.PlanType,
		Status:           intent.Status,
		Replayed:         replayed,
	}
}
