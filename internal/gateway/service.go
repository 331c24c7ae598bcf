package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/genmeter/internal/admission"
	"github.com/mbd888/genmeter/internal/auth"
	"github.com/mbd888/genmeter/internal/ledger"
	"github.com/mbd888/genmeter/internal/logging"
	"github.com/mbd888/genmeter/internal/resultcache"
	"github.com/mbd888/genmeter/internal/traces"
	"github.com/mbd888/genmeter/internal/upstream"
)

// debitTimeout bounds the debit after a generation. The debit runs even
// if the client has gone away.
const debitTimeout = 5 * time.Second

// KeyValidator resolves a raw credential to an API key.
type KeyValidator interface {
	ValidateKey(ctx context.Context, rawKey string) (*auth.APIKey, error)
}

// Service implements the generation lifecycle.
type Service struct {
	cache     *resultcache.Cache
	queue     *admission.Queue
	admission admission.Options
	keys      KeyValidator
	pricer    Pricer
	ledger    Ledger
	pool      Dispatcher
	store     Store
	logger    *slog.Logger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Cache     *resultcache.Cache
	Queue     *admission.Queue
	Admission admission.Options // Bypass is set per request from the key
	Keys      KeyValidator
	Pricer    Pricer
	Ledger    Ledger
	Pool      Dispatcher
	Store     Store // optional request log
	Logger    *slog.Logger
}

// NewService creates a new gateway service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		cache:     d.Cache,
		queue:     d.Queue,
		admission: d.Admission,
		keys:      d.Keys,
		pricer:    d.Pricer,
		ledger:    d.Ledger,
		pool:      d.Pool,
		store:     d.Store,
		logger:    d.Logger,
	}
}

// Generate serves one generation request. See the package comment for the
// order of stages.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	start := time.Now()
	generateInFlight.Inc()
	defer generateInFlight.Dec()

	ctx = logging.WithClientKey(ctx, req.ClientKey)
	ctx, span := traces.StartSpan(ctx, "gateway.generate",
		traces.ServiceType(req.ServiceType), traces.ClientKey(req.ClientKey))

	key := resultcache.Key(req.ServiceType, req.Params, req.Stream)
	out, accountID, err := s.generate(ctx, req, key)

	entry := &RequestLog{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		ClientKey:   req.ClientKey,
		ServiceType: req.ServiceType,
		Model:       req.Model(),
		CacheKey:    key,
		Cache:       string(CacheMiss),
		Status:      "success",
		LatencyMs:   time.Since(start).Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if out != nil {
		entry.Cache = string(out.Cache)
		entry.Charged = out.Charged
		if out.Result != nil {
			entry.Worker = out.Result.Worker
		}
		if out.Cache == CacheHit && out.Charged == 0 {
			entry.Status = "hit"
		}
		span.SetAttributes(traces.CacheStatus(string(out.Cache)), traces.Cost(out.Charged))
	}
	if err != nil {
		info := classify(err)
		entry.Status = info.code
		entry.Error = err.Error()
	}

	generateTotal.WithLabelValues(req.ServiceType, entry.Status).Inc()
	generateDuration.WithLabelValues(entry.Cache).Observe(time.Since(start).Seconds())
	s.record(ctx, entry)
	traces.End(span, err)
	return out, err
}

// generate returns the owning account once the credential resolves, so
// failures after authentication are still logged against it.
func (s *Service) generate(ctx context.Context, req GenerateRequest, key string) (*GenerateResult, string, error) {
	cctx, span := traces.StartSpan(ctx, "gateway.cache_lookup", traces.CacheKey(key))
	res, hit, err := s.cache.Join(cctx, key)
	traces.End(span, err)
	if err != nil {
		return nil, "", err
	}
	if hit {
		logging.L(ctx).Debug("cache hit", "cache_key", key, "service_type", req.ServiceType)
		return &GenerateResult{Result: res, CacheKey: key, Cache: CacheHit}, "", nil
	}

	apiKey, err := s.keys.ValidateKey(ctx, req.Credential)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	accountID := apiKey.AccountID
	ctx = logging.WithAccount(ctx, accountID)

	price, err := s.pricer.Price(req.ServiceType, req.Model())
	if err != nil {
		return nil, accountID, err
	}
	acct, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, accountID, fmt.Errorf("%w: key has no account", ErrUnauthorized)
		}
		return nil, accountID, err
	}
	if !price.Allows(acct.Tier) {
		return nil, accountID, fmt.Errorf("%w: %s requires tier %s (account is %s)", ErrForbidden, req.ServiceType, price.MinTier, acct.Tier)
	}

	opts := s.admission
	opts.Bypass = apiKey.Trusted

	out := &GenerateResult{CacheKey: key, Cache: CacheMiss}
	actx, span := traces.StartSpan(ctx, "gateway.admission", traces.AccountID(acct.ID))
	waitStart := time.Now()
	err = s.queue.Enqueue(actx, req.ClientKey, opts, func(ctx context.Context) error {
		span.AddEvent("admitted")
		admissionWait.Observe(time.Since(waitStart).Seconds())
		return s.run(ctx, req, key, acct.ID, price.Cost, price.PaidOnly, out)
	})
	traces.End(span, err)
	if err != nil {
		if out.Result != nil {
			// Generated but not debited; the result stays cached.
			return out, accountID, err
		}
		return nil, accountID, err
	}
	return out, accountID, nil
}

// run is the admitted part of a miss: pre-check, compute, debit.
func (s *Service) run(ctx context.Context, req GenerateRequest, key, accountID string, cost int64, paidOnly bool, out *GenerateResult) error {
	if _, err := s.ledger.CheckAvailable(ctx, accountID, cost, paidOnly); err != nil {
		return err
	}

	dctx, span := traces.StartSpan(ctx, "gateway.dispatch", traces.ServiceType(req.ServiceType))
	res, shared, err := s.cache.GetOrCompute(dctx, key, func(ctx context.Context) (*resultcache.Result, error) {
		resp, err := s.pool.Dispatch(ctx, upstream.Request{
			ServiceType: req.ServiceType,
			Params:      req.Params,
			Stream:      req.Stream,
		})
		if err != nil {
			return nil, err
		}
		return &resultcache.Result{
			Body:        resp.Body,
			ContentType: resp.ContentType,
			Worker:      resp.Worker,
			LatencyMs:   resp.LatencyMs,
		}, nil
	})
	if res != nil {
		span.SetAttributes(traces.Worker(res.Worker))
	}
	traces.End(span, err)
	if err != nil {
		return err
	}

	out.Result = res
	if shared {
		// Another caller ran this generation and paid for it.
		out.Cache = CacheHit
		return nil
	}

	reference := logging.RequestID(ctx)
	if reference == "" {
		reference = uuid.NewString()
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), debitTimeout)
	defer cancel()
	dctx, span = traces.StartSpan(dctx, "gateway.debit", traces.AccountID(accountID), traces.Cost(cost))
	bal, err := s.ledger.Deduct(dctx, accountID, cost, ledger.DeductOptions{
		PaidOnly:  paidOnly,
		Reference: "gen:" + reference,
	})
	traces.End(span, err)
	if err != nil {
		logging.L(ctx).Error("debit failed after generation",
			"cost", cost, "cache_key", key, "error", err)
		return err
	}

	out.Charged = cost
	out.Balances = &bal
	creditsCharged.WithLabelValues(req.ServiceType).Add(float64(cost))
	return nil
}

func (s *Service) record(ctx context.Context, entry *RequestLog) {
	if s.store == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.store.CreateLog(rctx, entry); err != nil {
		logging.L(ctx).Warn("failed to record generation", "error", err)
	}
}

// ListLogs returns an account's most recent generation requests.
func (s *Service) ListLogs(ctx context.Context, accountID string, limit int) ([]*RequestLog, error) {
	if s.store == nil {
		return []*RequestLog{}, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListLogs(ctx, accountID, limit)
}
