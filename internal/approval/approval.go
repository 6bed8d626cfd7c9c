// Package approval implements the preview/submit split: an allowed policy
// result is turned into a signed, short-lived, single-use token that binds
// the exact order parameters, and Execute is the only way to submit.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/policy"
)

var (
	ErrNotAllowed       = errors.New("policy result does not allow the order")
	ErrIssuanceHalted   = errors.New("approval issuance halted")
	ErrTokenInvalid     = errors.New("approval token invalid")
	ErrTokenExpired     = errors.New("approval token expired")
	ErrTokenInvalidated = errors.New("approval token invalidated")
	ErrParamsMismatch   = errors.New("order parameters do not match approval")
	ErrReplay           = errors.New("approval already consumed")
)

// IsIntegrity reports whether err is a replay or tampering failure.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrReplay) || errors.Is(err, ErrParamsMismatch)
}

type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusIssued      Status = "issued"
	StatusConsumed    Status = "consumed"
	StatusExpired     Status = "expired"
	StatusInvalidated Status = "invalidated"
)

// ConsumptionStore records consumed approval ids durably. MarkConsumed must
// check and set in one indivisible step and report false if id was already
// consumed.
type ConsumptionStore interface {
	MarkConsumed(ctx context.Context, id string, at, expiresAt time.Time) (bool, error)
}

// Submitter is the execution collaborator.
type Submitter interface {
	SubmitOrder(ctx context.Context, order market.BoundOrder) (market.OrderResult, error)
}

type Config struct {
	SigningKey []byte
	TTL        time.Duration
	Issuer     string
}

// Claims is the signed token body.
type Claims struct {
	Order  market.BoundOrder `json:"ord"`
	Epoch  int64             `json:"epc"`
	Digest string            `json:"dig"`
	jwt.RegisteredClaims
}

type record struct {
	status    Status
	expiresAt time.Time
}

type Service struct {
	key    []byte
	ttl    time.Duration
	issuer string
	store  ConsumptionStore

	// mu is held for reading across verify, consume and submit so that Halt
	// waits for an in-flight submission and nothing starts after it.
	mu     sync.RWMutex
	halted bool
	epoch  int64

	recMu   sync.Mutex
	records map[string]record
}

func NewService(cfg Config, store ConsumptionStore) (*Service, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("approval signing key must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("approval ttl must be positive")
	}
	if store == nil {
		return nil, fmt.Errorf("approval consumption store is required")
	}
	return &Service{
		key:     cfg.SigningKey,
		ttl:     cfg.TTL,
		issuer:  cfg.Issuer,
		store:   store,
		records: map[string]record{},
	}, nil
}

// Issue signs a token for an allowed result and returns the result with the
// approval attached.
func (s *Service) Issue(preview market.OrderPreview, result policy.Result, now time.Time) (policy.Result, error) {
	if !result.Allowed || len(result.Violations) > 0 {
		return result, ErrNotAllowed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.halted {
		return result, ErrIssuanceHalted
	}

	bound := preview.Bind()
	id := uuid.NewString()
	exp := jwt.NewNumericDate(now.Add(s.ttl))
	claims := Claims{
		Order:  bound,
		Epoch:  s.epoch,
		Digest: digest(bound),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    s.issuer,
			Subject:   bound.Symbol,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return result, fmt.Errorf("sign approval: %w", err)
	}

	s.recMu.Lock()
	s.pruneLocked(now)
	s.records[id] = record{status: StatusIssued, expiresAt: exp.Time}
	s.recMu.Unlock()

	observ.IncCounter("approvals_issued_total", map[string]string{"side": string(bound.Side)})
	result.Approval = &policy.ApprovalRef{ID: id, Token: signed, ExpiresAt: exp.Time}
	return result, nil
}

// Verify checks signature, expiry, epoch and the parameter binding.
func (s *Service) Verify(token string, order market.BoundOrder, now time.Time) (*Claims, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifyLocked(token, order, now)
}

func (s *Service) verifyLocked(token string, order market.BoundOrder, now time.Time) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		s.setStatus(claims.ID, StatusExpired)
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	case claims.ID == "":
		return nil, fmt.Errorf("%w: missing approval id", ErrTokenInvalid)
	}

	if claims.Epoch != s.epoch {
		s.setStatus(claims.ID, StatusInvalidated)
		return nil, ErrTokenInvalidated
	}
	if st := s.status(claims.ID); st == StatusConsumed {
		observ.Security("approval_replay", map[string]any{"approval_id": claims.ID, "symbol": order.Symbol})
		return nil, ErrReplay
	}
	want := claims.Order.Canonical()
	got := order.Canonical()
	if want != got || claims.Digest != digest(order) {
		observ.Security("approval_params_mismatch", map[string]any{
			"approval_id": claims.ID,
			"bound":       want,
			"presented":   got,
		})
		return nil, ErrParamsMismatch
	}
	return claims, nil
}

// Consume marks an approval id used. A second attempt returns ErrReplay.
func (s *Service) Consume(ctx context.Context, id string, expiresAt, now time.Time) error {
	ok, err := s.store.MarkConsumed(ctx, id, now, expiresAt)
	if err != nil {
		return fmt.Errorf("consume approval %s: %w", id, err)
	}
	if !ok {
		observ.Security("approval_replay", map[string]any{"approval_id": id})
		return ErrReplay
	}
	s.setStatus(id, StatusConsumed)
	observ.IncCounter("approvals_consumed_total", nil)
	return nil
}

// Execute verifies the token against order, consumes it and submits the
// order. It is the only path from an approval to the execution collaborator.
func (s *Service) Execute(ctx context.Context, token string, order market.BoundOrder, now time.Time, sub Submitter) (market.OrderResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claims, err := s.verifyLocked(token, order, now)
	if err != nil {
		return market.OrderResult{}, err
	}
	if err := s.Consume(ctx, claims.ID, claims.ExpiresAt.Time, now); err != nil {
		return market.OrderResult{}, err
	}
	res, err := sub.SubmitOrder(ctx, claims.Order)
	if err != nil {
		return res, fmt.Errorf("submit %s %s: %w", claims.Order.Side, claims.Order.Symbol, err)
	}
	return res, nil
}

// Halt stops issuance and invalidates every outstanding token by moving to a
// new epoch. It blocks until any in-flight Execute returns.
func (s *Service) Halt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = true
	s.epoch++

	s.recMu.Lock()
	for id, r := range s.records {
		if r.status == StatusIssued {
			r.status = StatusInvalidated
			s.records[id] = r
		}
	}
	s.recMu.Unlock()
	return s.epoch
}

// Resume re-enables issuance. Tokens from before the halt stay invalid.
func (s *Service) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = false
}

// Restore sets the epoch and halt flag from persisted risk state at startup.
func (s *Service) Restore(epoch int64, halted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch = epoch
	s.halted = halted
}

func (s *Service) Epoch() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *Service) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

// Status reports the lifecycle state of an approval id known to this process.
func (s *Service) Status(id string, now time.Time) Status {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return StatusUnknown
	}
	if r.status == StatusIssued && !now.Before(r.expiresAt) {
		return StatusExpired
	}
	return r.status
}

func (s *Service) status(id string) Status {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if r, ok := s.records[id]; ok {
		return r.status
	}
	return StatusUnknown
}

func (s *Service) setStatus(id string, st Status) {
	if id == "" {
		return
	}
	s.recMu.Lock()
	defer s.recMu.Unlock()
	r := s.records[id]
	if r.status == StatusConsumed {
		return
	}
	r.status = st
	s.records[id] = r
}

// pruneLocked forgets ids that expired more than an hour ago.
func (s *Service) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	for id, r := range s.records {
		if !r.expiresAt.IsZero() && r.expiresAt.Before(cutoff) {
			delete(s.records, id)
		}
	}
}

func digest(b market.BoundOrder) string {
	sum := sha256.Sum256([]byte(b.Canonical()))
	return hex.EncodeToString(sum[:])
}
