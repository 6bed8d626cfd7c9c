package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/policy"
)

var now = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

type memConsumed struct {
	mu  sync.Mutex
	ids map[string]time.Time
}

func (m *memConsumed) MarkConsumed(_ context.Context, id string, at, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids == nil {
		m.ids = map[string]time.Time{}
	}
	if _, ok := m.ids[id]; ok {
		return false, nil
	}
	m.ids[id] = at
	return true, nil
}

type countingBroker struct{ calls atomic.Int32 }

func (b *countingBroker) SubmitOrder(_ context.Context, o market.BoundOrder) (market.OrderResult, error) {
	b.calls.Add(1)
	return market.OrderResult{OrderID: "ord-1", Status: market.StatusFilled}, nil
}

func newService(t *testing.T, key string) *Service {
	t.Helper()
	svc, err := NewService(Config{SigningKey: []byte(key), TTL: 2 * time.Minute, Issuer: "test"}, &memConsumed{})
	require.NoError(t, err)
	return svc
}

const key = "0123456789abcdef0123456789abcdef"

func preview() market.OrderPreview {
	return market.OrderPreview{
		Symbol:         "aapl",
		Side:           market.SideBuy,
		Type:           market.OrderLimit,
		Quantity:       decimal.RequireFromString("10"),
		LimitPrice:     decimal.RequireFromString("150.25"),
		EstimatedPrice: decimal.RequireFromString("150.25"),
		AssetClass:     market.AssetEquity,
		TimeInForce:    market.TIFDay,
	}
}

func issue(t *testing.T, svc *Service) *policy.ApprovalRef {
	t.Helper()
	res, err := svc.Issue(preview(), policy.Result{Allowed: true}, now)
	require.NoError(t, err)
	require.NotNil(t, res.Approval)
	return res.Approval
}

func TestIssueRequiresAllowedResult(t *testing.T) {
	svc := newService(t, key)
	res, err := svc.Issue(preview(), policy.Result{
		Violations: []policy.Finding{{Rule: policy.RuleMaxNotional, Message: "too big"}},
	}, now)
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.Nil(t, res.Approval)
}

func TestNewServiceRejectsShortKey(t *testing.T) {
	_, err := NewService(Config{SigningKey: []byte("short"), TTL: time.Minute}, &memConsumed{})
	assert.Error(t, err)
}

func TestExecuteHappyPath(t *testing.T) {
	svc := newService(t, key)
	ref := issue(t, svc)
	assert.Equal(t, now.Add(2*time.Minute), ref.ExpiresAt)
	assert.Equal(t, StatusIssued, svc.Status(ref.ID, now))

	b := &countingBroker{}
	res, err := svc.Execute(context.Background(), ref.Token, preview().Bind(), now.Add(time.Second), b)
	require.NoError(t, err)
	assert.Equal(t, market.StatusFilled, res.Status)
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, StatusConsumed, svc.Status(ref.ID, now))
}

func TestConsumeTwiceIsReplay(t *testing.T) {
	svc := newService(t, key)
	ref := issue(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Consume(ctx, ref.ID, ref.ExpiresAt, now))
	err := svc.Consume(ctx, ref.ID, ref.ExpiresAt, now)
	assert.ErrorIs(t, err, ErrReplay)
	assert.False(t, errors.Is(err, ErrTokenInvalid), "replay is distinct from an invalid token")
	assert.True(t, IsIntegrity(err))
}

func TestConcurrentExecuteSubmitsOnce(t *testing.T) {
	svc := newService(t, key)
	ref := issue(t, svc)
	b := &countingBroker{}

	const n = 32
	var wg sync.WaitGroup
	var ok, replay atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Execute(context.Background(), ref.Token, preview().Bind(), now, b)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrReplay):
				replay.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), replay.Load())
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestVerifyRejections(t *testing.T) {
	svc := newService(t, key)
	ref := issue(t, svc)
	bound := preview().Bind()

	t.Run("parameter mismatch", func(t *testing.T) {
		tampered := bound
		tampered.Quantity = "10.0"
		_, err := svc.Verify(ref.Token, tampered, now)
		assert.ErrorIs(t, err, ErrParamsMismatch)

		tampered = bound
		tampered.LimitPrice = "150.26"
		_, err = svc.Verify(ref.Token, tampered, now)
		assert.ErrorIs(t, err, ErrParamsMismatch)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := svc.Verify(ref.Token, bound, now.Add(2*time.Minute))
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("foreign signature", func(t *testing.T) {
		other := newService(t, strings.Repeat("z", 32))
		foreign := issue(t, other)
		_, err := svc.Verify(foreign.Token, bound, now)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.Verify("not-a-token", bound, now)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})
}

func TestMismatchNeverSubmits(t *testing.T) {
	svc := newService(t, key)
	ref := issue(t, svc)
	b := &countingBroker{}

	other := preview()
	other.Quantity = decimal.RequireFromString("11")
	_, err := svc.Execute(context.Background(), ref.Token, other.Bind(), now, b)
	assert.ErrorIs(t, err, ErrParamsMismatch)
	assert.Equal(t, int32(0), b.calls.Load())

	// the real order can still use the untouched approval
	_, err = svc.Execute(context.Background(), ref.Token, preview().Bind(), now, b)
	assert.NoError(t, err)
}

func TestHaltInvalidatesOutstandingTokens(t *testing.T) {
	svc := newService(t, key)
	ref := issue(t, svc)
	b := &countingBroker{}

	epoch := svc.Halt()
	assert.Equal(t, int64(1), epoch)
	assert.True(t, svc.Halted())
	assert.Equal(t, StatusInvalidated, svc.Status(ref.ID, now))

	_, err := svc.Execute(context.Background(), ref.Token, preview().Bind(), now, b)
	assert.ErrorIs(t, err, ErrTokenInvalidated)
	assert.Equal(t, int32(0), b.calls.Load())

	_, err = svc.Issue(preview(), policy.Result{Allowed: true}, now)
	assert.ErrorIs(t, err, ErrIssuanceHalted)

	svc.Resume()
	_, err = svc.Execute(context.Background(), ref.Token, preview().Bind(), now, b)
	assert.ErrorIs(t, err, ErrTokenInvalidated, "resume does not revive old tokens")
	fresh := issue(t, svc)
	_, err = svc.Execute(context.Background(), fresh.Token, preview().Bind(), now, b)
	assert.NoError(t, err)
}

func TestRestore(t *testing.T) {
	svc := newService(t, key)
	svc.Restore(7, true)
	assert.Equal(t, int64(7), svc.Epoch())
	_, err := svc.Issue(preview(), policy.Result{Allowed: true}, now)
	assert.ErrorIs(t, err, ErrIssuanceHalted)
}

func TestStatusExpiresWithoutVerify(t *testing.T) {
	svc := newService(t, key)
	ref := issue(t, svc)
	assert.Equal(t, StatusExpired, svc.Status(ref.ID, now.Add(3*time.Minute)))
	assert.Equal(t, StatusUnknown, svc.Status("nope", now))
}
