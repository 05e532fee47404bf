package service

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultwatch/internal/alerting"
	"vaultwatch/internal/lifecycle"
	"vaultwatch/internal/refcache"
	"vaultwatch/internal/risk"
	"vaultwatch/internal/storage"
	"vaultwatch/internal/vault"
)

var (
	t1 = vault.CycleMarker{At: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), Raw: "2024-05-01T10:00:00"}
	t2 = vault.CycleMarker{At: time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), Raw: "2024-05-01T11:00:00"}
	t3 = vault.CycleMarker{At: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Raw: "2024-05-01T12:00:00"}
)

type fakeSource struct {
	mu          sync.Mutex
	positions   map[string]vault.Position
	refs        map[string]vault.CollateralReference
	params      map[string]vault.CollateralParams
	marker      vault.CycleMarker
	listErr     error
	// delta maps a cycle's raw marker to the ids touched in it.
	delta       map[string][]string
	deltaErr    error
	deltaSince  []vault.CycleMarker
	positionErr map[string]error
	delay       time.Duration
	calls       map[string]int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func ratio(pct int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(pct), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
}

func pos(id string, deposit, debt int64) vault.Position {
	owner, collateral, _ := strings.Cut(id, "-")
	return vault.Position{ID: id, OwnerID: owner, CollateralID: collateral, Deposit: big.NewInt(deposit), Debt: big.NewInt(debt)}
}

// newFakeSource serves KSM at price 1, zero decimals and a 100% liquidation ratio, so a position's
// deviation equals deposit-debt when debt is 100.
func newFakeSource() *fakeSource {
	return &fakeSource{
		positions: map[string]vault.Position{
			"alice-KSM": pos("alice-KSM", 105, 100),
			"bob-KSM":   pos("bob-KSM", 115, 100),
			"carol-KSM": pos("carol-KSM", 200, 100),
			"dave-XYZ":  pos("dave-XYZ", 1, 100),
		},
		refs: map[string]vault.CollateralReference{
			"KSM": {ID: "KSM", Name: "Kusama", Price: decimal.NewNullDecimal(decimal.NewFromInt(1))},
		},
		params: map[string]vault.CollateralParams{
			"KSM": {CollateralID: "KSM", LiquidationRatio: ratio(100)},
		},
		marker:      t1,
		delta:       map[string][]string{},
		positionErr: map[string]error{},
		calls:       map[string]int{},
	}
}

func (f *fakeSource) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeSource) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSource) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeSource) Network() string { return "karura" }

func (f *fakeSource) Formula() risk.Formula { return risk.FormulaPriced }

func (f *fakeSource) FetchPositions(ctx context.Context) ([]vault.Position, error) {
	f.record("FetchPositions")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]vault.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (f *fakeSource) FetchPosition(ctx context.Context, id string) (vault.Position, error) {
	f.record("FetchPosition")
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.positionErr[id]; err != nil {
		return vault.Position{}, err
	}
	p, ok := f.positions[id]
	if !ok {
		return vault.Position{}, vault.NotFound("position %s", id)
	}
	return p.Clone(), nil
}

func (f *fakeSource) FetchPositionsByOwner(ctx context.Context, ownerID string) ([]vault.Position, error) {
	f.record("FetchPositionsByOwner")
	return nil, nil
}

func (f *fakeSource) FetchCollateralReference(ctx context.Context, id string) (vault.CollateralReference, error) {
	f.record("FetchCollateralReference")
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.refs[id]
	if !ok {
		return vault.CollateralReference{}, vault.NotFound("collateral %s", id)
	}
	return ref, nil
}

func (f *fakeSource) FetchCollateralParams(ctx context.Context, id string) (vault.CollateralParams, error) {
	f.record("FetchCollateralParams")
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.params[id]
	if !ok {
		return vault.CollateralParams{}, vault.NotFound("params %s", id)
	}
	return p, nil
}

func (f *fakeSource) FetchLatestCycleMarker(ctx context.Context) (vault.CycleMarker, error) {
	f.record("FetchLatestCycleMarker")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marker, nil
}

func (f *fakeSource) FetchCycleDelta(ctx context.Context, since, until vault.CycleMarker) ([]string, error) {
	f.record("FetchCycleDelta")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltaSince = append(f.deltaSince, since)
	if f.deltaErr != nil {
		return nil, f.deltaErr
	}

	seen := map[string]bool{}
	var out []string
	for raw, ids := range f.delta {
		at, err := time.Parse("2006-01-02T15:04:05", raw)
		if err != nil {
			return nil, err
		}
		if !at.After(since.At) || at.After(until.At) {
			continue
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (f *fakeSource) Close() {}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	r.notes = append(r.notes, note)
	r.mu.Unlock()
	return nil
}

type memoryStore struct {
	mu      sync.Mutex
	records []storage.CycleRecord
	alerts  []storage.AlertRecord
	cutoffs []time.Time
}

func (m *memoryStore) UpsertCycleRecord(_ context.Context, rec storage.CycleRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) ListCycleRecordsBetween(context.Context, string, time.Time, time.Time) ([]storage.CycleRecord, error) {
	return nil, nil
}

func (m *memoryStore) ListRecentCycleRecords(context.Context, string, int) ([]storage.CycleRecord, error) {
	return nil, nil
}

func (m *memoryStore) CountCycleRecords(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

func (m *memoryStore) InsertAlert(_ context.Context, rec storage.AlertRecord) (storage.AlertRecord, error) {
	m.mu.Lock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.alerts = append(m.alerts, rec)
	m.mu.Unlock()
	return rec, nil
}

func (m *memoryStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (m *memoryStore) DeleteAlertsBefore(_ context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, olderThan)
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if !a.CreatedAt.Before(olderThan) {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
	return nil
}

func newTestService(src *fakeSource, deps Deps, opts Options) *Service {
	deps.Source = src
	deps.Classifier = risk.New(src.Formula(), risk.DefaultThresholds())
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	return New(deps, opts, zerolog.Nop())
}

func TestInitializeBuildsZonesAndPublishes(t *testing.T) {
	src := newFakeSource()
	svc := newTestService(src, Deps{}, Options{})
	events, cancel := svc.Events().Subscribe(4)
	defer cancel()

	require.NoError(t, svc.Initialize(context.Background()))

	assert.Equal(t, StateReady, svc.State())
	assert.Equal(t, t1, svc.Watermark())
	assert.True(t, svc.Events().IsReady())

	red := svc.Zones().Snapshot(vault.ZoneRed)
	yellow := svc.Zones().Snapshot(vault.ZoneYellow)
	assert.Len(t, red, 1)
	assert.Contains(t, red, "alice-KSM")
	assert.Len(t, yellow, 1)
	assert.Contains(t, yellow, "bob-KSM")
	assert.Equal(t, vault.ZoneNone, svc.Zones().Zone("dave-XYZ"))

	select {
	case ev := <-events:
		assert.Equal(t, lifecycle.EventInitialSync, ev.Kind)
		assert.Equal(t, 4, ev.Stats.Touched)
		assert.Equal(t, 3, ev.Stats.Classified)
		assert.Equal(t, 1, ev.Stats.Skipped)
		assert.Equal(t, 1, ev.Stats.Red)
		assert.Equal(t, 1, ev.Stats.Yellow)
	default:
		t.Fatal("initial sync event not published")
	}

	// one reference and one params fetch for KSM, one failed reference lookup for XYZ
	assert.Equal(t, 2, src.count("FetchCollateralReference"))
	assert.Equal(t, 1, src.count("FetchCollateralParams"))
}

func TestInitializeFailsOnSourceError(t *testing.T) {
	src := newFakeSource()
	src.listErr = vault.Transient(errors.New("indexer down"))
	svc := newTestService(src, Deps{}, Options{})

	err := svc.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, vault.IsTransient(err))
	assert.Equal(t, StateFailed, svc.State())
	assert.False(t, svc.Events().IsReady())

	_, err = svc.CatchUp(context.Background())
	assert.Error(t, err)
}

func TestCatchUpIsIdempotentForSameMarker(t *testing.T) {
	src := newFakeSource()
	svc := newTestService(src, Deps{}, Options{})
	require.NoError(t, svc.Initialize(context.Background()))

	before := src.totalCalls()
	advanced, err := svc.CatchUp(context.Background())
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, before+1, src.totalCalls(), "only the marker lookup may hit the source")
	assert.Equal(t, t1, svc.Watermark())
	assert.Equal(t, StateWaiting, svc.State())
}

func TestCatchUpMovesPositionsAndAlerts(t *testing.T) {
	src := newFakeSource()
	notifier := &recordingNotifier{}
	store := &memoryStore{}
	svc := newTestService(src, Deps{Notifier: notifier, Cycles: store, Alerts: store}, Options{
		AlertZones: []vault.Zone{vault.ZoneRed},
		Channels:   []string{"telegram"},
	})
	require.NoError(t, svc.Initialize(context.Background()))
	events, cancel := svc.Events().Subscribe(4)
	defer cancel()

	src.set(func(f *fakeSource) {
		f.marker = t2
		f.delta[t2.Raw] = []string{"alice-KSM", "carol-KSM"}
		f.positions["alice-KSM"] = pos("alice-KSM", 150, 100)
		f.positions["carol-KSM"] = pos("carol-KSM", 104, 100)
	})

	advanced, err := svc.CatchUp(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, t2, svc.Watermark())

	red := svc.Zones().Snapshot(vault.ZoneRed)
	assert.Len(t, red, 1)
	assert.Contains(t, red, "carol-KSM")
	assert.Equal(t, vault.ZoneNone, svc.Zones().Zone("alice-KSM"))
	assert.Equal(t, vault.ZoneYellow, svc.Zones().Zone("bob-KSM"))

	ev := <-events
	assert.Equal(t, lifecycle.EventCycleComplete, ev.Kind)
	assert.Equal(t, t2, ev.Marker)
	assert.Equal(t, 2, ev.Stats.Touched)

	require.Len(t, notifier.notes, 1)
	note := notifier.notes[0]
	assert.Equal(t, "carol-KSM", note.PositionID)
	assert.Equal(t, vault.ZoneNone, note.From)
	assert.Equal(t, vault.ZoneRed, note.To)
	assert.True(t, note.RatioPct.Equal(decimal.NewFromInt(104)), note.RatioPct.String())

	require.Len(t, store.alerts, 1)
	require.Len(t, store.records, 2)
	assert.Equal(t, "initial", store.records[0].Kind)
	assert.Equal(t, "catchup", store.records[1].Kind)
	assert.Equal(t, 1, store.records[1].RedCount)
}

func TestCommitPrunesExpiredAlerts(t *testing.T) {
	src := newFakeSource()
	store := &memoryStore{alerts: []storage.AlertRecord{
		{PositionID: "old-KSM", CreatedAt: time.Now().UTC().Add(-40 * 24 * time.Hour)},
		{PositionID: "recent-KSM", CreatedAt: time.Now().UTC().Add(-time.Hour)},
	}}
	svc := newTestService(src, Deps{Cycles: store, Alerts: store}, Options{AlertRetention: 30 * 24 * time.Hour})

	require.NoError(t, svc.Initialize(context.Background()))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.cutoffs, 1)
	assert.WithinDuration(t, time.Now().Add(-30*24*time.Hour), store.cutoffs[0], time.Minute)
	require.Len(t, store.alerts, 1)
	assert.Equal(t, "recent-KSM", store.alerts[0].PositionID)
}

func TestZeroRetentionKeepsAlerts(t *testing.T) {
	src := newFakeSource()
	store := &memoryStore{}
	svc := newTestService(src, Deps{Cycles: store, Alerts: store}, Options{})

	require.NoError(t, svc.Initialize(context.Background()))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.cutoffs)
}

func TestCatchUpSkippedPositionKeepsPriorZone(t *testing.T) {
	src := newFakeSource()
	svc := newTestService(src, Deps{}, Options{})
	require.NoError(t, svc.Initialize(context.Background()))

	src.set(func(f *fakeSource) {
		f.marker = t2
		f.delta[t2.Raw] = []string{"bob-KSM", "alice-KSM"}
		f.positionErr["bob-KSM"] = vault.Malformed("debit amount %q", "x")
		f.positions["alice-KSM"] = pos("alice-KSM", 0, 0)
	})

	advanced, err := svc.CatchUp(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, vault.ZoneYellow, svc.Zones().Zone("bob-KSM"))
	// zero debt cannot be classified, so alice stays red
	assert.Equal(t, vault.ZoneRed, svc.Zones().Zone("alice-KSM"))
	assert.Equal(t, t2, svc.Watermark())
}

func TestCatchUpReadsEveryCycleSinceWatermark(t *testing.T) {
	src := newFakeSource()
	svc := newTestService(src, Deps{}, Options{})
	require.NoError(t, svc.Initialize(context.Background()))
	require.Equal(t, vault.ZoneRed, svc.Zones().Zone("alice-KSM"))

	// The monitor missed t2 entirely; the indexer is already at t3.
	src.set(func(f *fakeSource) {
		f.marker = t3
		f.delta[t2.Raw] = []string{"alice-KSM"}
		f.delta[t3.Raw] = []string{"carol-KSM"}
		f.positions["alice-KSM"] = pos("alice-KSM", 200, 100)
		f.positions["carol-KSM"] = pos("carol-KSM", 105, 100)
	})

	advanced, err := svc.CatchUp(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, t3, svc.Watermark())
	assert.Equal(t, vault.ZoneNone, svc.Zones().Zone("alice-KSM"), "t2 update must not be lost")
	assert.Equal(t, vault.ZoneRed, svc.Zones().Zone("carol-KSM"))

	src.mu.Lock()
	defer src.mu.Unlock()
	require.Len(t, src.deltaSince, 1)
	assert.Equal(t, t1, src.deltaSince[0])
}

func TestCatchUpUnknownCollateralKeepsPriorZone(t *testing.T) {
	src := newFakeSource()
	cache := refcache.New(src, refcache.Options{})
	svc := newTestService(src, Deps{Cache: cache}, Options{})
	require.NoError(t, svc.Initialize(context.Background()))
	require.Equal(t, vault.ZoneRed, svc.Zones().Zone("alice-KSM"))

	// KSM disappears from the indexer between cycles.
	src.set(func(f *fakeSource) {
		f.marker = t2
		f.delta[t2.Raw] = []string{"alice-KSM"}
		f.positions["alice-KSM"] = pos("alice-KSM", 300, 100)
		delete(f.refs, "KSM")
	})
	cache.Invalidate("KSM")

	advanced, err := svc.CatchUp(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, t2, svc.Watermark())
	assert.Equal(t, vault.ZoneRed, svc.Zones().Zone("alice-KSM"))
	assert.Contains(t, svc.Zones().Snapshot(vault.ZoneRed), "alice-KSM")
}

func TestCatchUpAbortsWhenEveryPositionIsTransient(t *testing.T) {
	src := newFakeSource()
	svc := newTestService(src, Deps{}, Options{})
	require.NoError(t, svc.Initialize(context.Background()))

	src.set(func(f *fakeSource) {
		f.marker = t2
		f.delta[t2.Raw] = []string{"alice-KSM", "bob-KSM"}
		f.positions["alice-KSM"] = pos("alice-KSM", 300, 100)
		f.positionErr["alice-KSM"] = vault.Transient(errors.New("timeout"))
		f.positionErr["bob-KSM"] = vault.Transient(errors.New("timeout"))
	})

	advanced, err := svc.CatchUp(context.Background())
	assert.False(t, advanced)
	assert.ErrorIs(t, err, vault.ErrTransientSource)
	assert.Equal(t, t1, svc.Watermark())
	assert.Equal(t, vault.ZoneRed, svc.Zones().Zone("alice-KSM"))

	src.set(func(f *fakeSource) { f.positionErr = map[string]error{} })
	advanced, err = svc.CatchUp(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, vault.ZoneNone, svc.Zones().Zone("alice-KSM"))
}

func TestCatchUpAbortsWhenDeltaFails(t *testing.T) {
	src := newFakeSource()
	svc := newTestService(src, Deps{}, Options{})
	require.NoError(t, svc.Initialize(context.Background()))

	src.set(func(f *fakeSource) {
		f.marker = t2
		f.deltaErr = errors.New("connection reset")
	})

	advanced, err := svc.CatchUp(context.Background())
	assert.False(t, advanced)
	assert.ErrorIs(t, err, vault.ErrTransientSource)
	assert.Equal(t, t1, svc.Watermark())
	assert.Zero(t, src.count("FetchPosition"))
}

func TestCatchUpBoundsParallelism(t *testing.T) {
	src := newFakeSource()
	src.delay = 5 * time.Millisecond
	svc := newTestService(src, Deps{}, Options{Workers: 2})
	require.NoError(t, svc.Initialize(context.Background()))

	ids := []string{"alice-KSM", "bob-KSM", "carol-KSM", "dave-XYZ", "ghost-KSM", "eve-KSM"}
	src.set(func(f *fakeSource) {
		f.marker = t2
		f.delta[t2.Raw] = ids
	})

	advanced, err := svc.CatchUp(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, len(ids), src.count("FetchPosition"))
	assert.LessOrEqual(t, src.maxInFlight.Load(), int32(2))
}

func TestRunForeverRequiresScheduler(t *testing.T) {
	svc := newTestService(newFakeSource(), Deps{}, Options{})
	assert.Error(t, svc.RunForever(context.Background()))
}

func TestParseAlertZones(t *testing.T) {
	zones, err := ParseAlertZones([]string{"red", " Yellow ", "none"})
	require.NoError(t, err)
	assert.Equal(t, []vault.Zone{vault.ZoneRed, vault.ZoneYellow}, zones)

	_, err = ParseAlertZones([]string{"orange"})
	assert.Error(t, err)
}
