package refcache

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultwatch/internal/vault"
)

type countingFetcher struct {
	refCalls    atomic.Int32
	paramsCalls atomic.Int32
	release     chan struct{}
	priced      bool
	missing     map[string]bool
}

func (f *countingFetcher) FetchCollateralReference(ctx context.Context, id string) (vault.CollateralReference, error) {
	f.refCalls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.missing[id] {
		return vault.CollateralReference{}, vault.NotFound("collateral %s", id)
	}
	ref := vault.CollateralReference{ID: id, Name: id, Decimals: 12}
	if f.priced {
		ref.Price = decimal.NewNullDecimal(decimal.NewFromInt(42))
	}
	return ref, nil
}

func (f *countingFetcher) FetchCollateralParams(ctx context.Context, id string) (vault.CollateralParams, error) {
	f.paramsCalls.Add(1)
	if f.missing[id] {
		return vault.CollateralParams{}, vault.NotFound("params %s", id)
	}
	return vault.CollateralParams{CollateralID: id, LiquidationRatio: big.NewInt(1)}, nil
}

func TestConcurrentMissesCollapseIntoOneFetch(t *testing.T) {
	f := &countingFetcher{release: make(chan struct{})}
	c := New(f, Options{})

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := c.Reference(context.Background(), "KSM")
			if err == nil && ref.ID != "KSM" {
				err = errors.New("wrong reference returned")
			}
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return f.refCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.refCalls.Load())
}

func TestHitDoesNotFetch(t *testing.T) {
	f := &countingFetcher{}
	c := New(f, Options{})

	for i := 0; i < 3; i++ {
		_, err := c.Params(context.Background(), "KSM")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.paramsCalls.Load())
}

func TestNotFoundIsNotCached(t *testing.T) {
	f := &countingFetcher{missing: map[string]bool{"LDOT": true}}
	c := New(f, Options{})

	_, err := c.Reference(context.Background(), "LDOT")
	require.True(t, errors.Is(err, vault.ErrNotFound))
	_, err = c.Reference(context.Background(), "LDOT")
	require.True(t, errors.Is(err, vault.ErrNotFound))

	assert.Equal(t, int32(2), f.refCalls.Load())
	refs, _ := c.Len()
	assert.Zero(t, refs)
}

func TestPricedReferencesExpire(t *testing.T) {
	f := &countingFetcher{priced: true}
	c := New(f, Options{PriceTTL: time.Minute})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Reference(context.Background(), "KSM")
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = c.Reference(context.Background(), "KSM")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.refCalls.Load())

	now = now.Add(time.Minute)
	_, err = c.Reference(context.Background(), "KSM")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.refCalls.Load())
}

func TestPricelessReferencesAndParamsDoNotExpireByDefault(t *testing.T) {
	f := &countingFetcher{}
	c := New(f, Options{PriceTTL: time.Second})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Reference(context.Background(), "KSM")
	require.NoError(t, err)
	_, err = c.Params(context.Background(), "KSM")
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	_, err = c.Reference(context.Background(), "KSM")
	require.NoError(t, err)
	_, err = c.Params(context.Background(), "KSM")
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.refCalls.Load())
	assert.Equal(t, int32(1), f.paramsCalls.Load())
}

func TestInvalidateForcesRefetch(t *testing.T) {
	f := &countingFetcher{}
	c := New(f, Options{})

	_, _ = c.Reference(context.Background(), "KSM")
	_, _ = c.Params(context.Background(), "KSM")
	c.Invalidate("KSM")
	_, _ = c.Reference(context.Background(), "KSM")
	_, _ = c.Params(context.Background(), "KSM")

	assert.Equal(t, int32(2), f.refCalls.Load())
	assert.Equal(t, int32(2), f.paramsCalls.Load())
}

func TestInvalidateDuringFetchDiscardsStaleResult(t *testing.T) {
	f := &countingFetcher{release: make(chan struct{})}
	c := New(f, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Reference(context.Background(), "KSM")
		done <- err
	}()

	require.Eventually(t, func() bool { return f.refCalls.Load() == 1 }, time.Second, time.Millisecond)
	c.Invalidate("KSM")
	close(f.release)
	require.NoError(t, <-done)

	refs, _ := c.Len()
	assert.Equal(t, 0, refs, "result fetched before Invalidate must not be cached")

	_, err := c.Reference(context.Background(), "KSM")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.refCalls.Load())

	refs, _ = c.Len()
	assert.Equal(t, 1, refs)
}
