package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vaultwatch/internal/alerting"
	"vaultwatch/internal/fetcher"
	"vaultwatch/internal/lifecycle"
	"vaultwatch/internal/metrics"
	"vaultwatch/internal/refcache"
	"vaultwatch/internal/risk"
	"vaultwatch/internal/scheduler"
	"vaultwatch/internal/storage"
	"vaultwatch/internal/vault"
	"vaultwatch/internal/zone"
)

// State is the monitor lifecycle phase.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateWaiting
	StateProcessing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateWaiting:
		return "waiting"
	case StateProcessing:
		return "processing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	kindInitial = "initial"
	kindCatchUp = "catchup"
)

// Deps are the collaborators of the monitor. Cycles, Alerts and Notifier are optional.
type Deps struct {
	Source     fetcher.Source
	Cache      *refcache.Cache
	Classifier risk.Classifier
	Zones      *zone.Store
	Events     *lifecycle.Broadcaster
	Scheduler  *scheduler.Scheduler

	Cycles   storage.CycleStore
	Alerts   storage.AlertStore
	Notifier alerting.Notifier
}

// Options tune the monitor.
type Options struct {
	// Workers bounds how many positions are fetched and classified concurrently.
	Workers         int
	AdvisoryLockKey int64
	// AlertZones lists the zones whose entry triggers a notification.
	AlertZones []vault.Zone
	Channels   []string
	// AlertRetention bounds how long alert records are kept. Zero keeps them forever.
	AlertRetention time.Duration
}

// Service keeps the zone store in step with the indexer.
type Service struct {
	source     fetcher.Source
	cache      *refcache.Cache
	classifier risk.Classifier
	zones      *zone.Store
	events     *lifecycle.Broadcaster
	scheduler  *scheduler.Scheduler

	cycles   storage.CycleStore
	alerts   storage.AlertStore
	notifier alerting.Notifier
	locker   storage.AdvisoryLocker

	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	state     atomic.Int32
	mu        sync.RWMutex
	watermark vault.CycleMarker
}

// New constructs the monitoring service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if deps.Cache == nil {
		deps.Cache = refcache.New(deps.Source, refcache.Options{})
	}
	if deps.Zones == nil {
		deps.Zones = zone.NewStore()
	}
	if deps.Events == nil {
		deps.Events = lifecycle.NewBroadcaster()
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Cycles.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		source:     deps.Source,
		cache:      deps.Cache,
		classifier: deps.Classifier,
		zones:      deps.Zones,
		events:     deps.Events,
		scheduler:  deps.Scheduler,
		cycles:     deps.Cycles,
		alerts:     deps.Alerts,
		notifier:   deps.Notifier,
		locker:     locker,
		opts:       opts,
		logger:     logger.With().Str("component", "service").Str("network", deps.Source.Network()).Logger(),
		now:        time.Now,
	}
}

// State returns the current lifecycle phase.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Watermark returns the marker of the last committed cycle.
func (s *Service) Watermark() vault.CycleMarker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark
}

// Zones exposes the zone store the service writes to.
func (s *Service) Zones() *zone.Store {
	return s.zones
}

// Events exposes the lifecycle broadcaster.
func (s *Service) Events() *lifecycle.Broadcaster {
	return s.events
}

func (s *Service) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Service) setWatermark(m vault.CycleMarker) {
	s.mu.Lock()
	s.watermark = m
	s.mu.Unlock()
	if !m.IsZero() {
		metrics.Watermark.Set(float64(m.At.Unix()))
	}
}

// Initialize classifies the full position set and publishes the initial sync. The cycle marker is read
// before the positions so that no cycle landing during the sync is missed.
func (s *Service) Initialize(ctx context.Context) error {
	s.setState(StateInitializing)
	start := s.now()

	marker, err := s.source.FetchLatestCycleMarker(ctx)
	switch {
	case errors.Is(err, vault.ErrNotFound):
		s.logger.Warn().Msg("indexer has no cycle yet; every future cycle will be processed")
		marker = vault.CycleMarker{}
	case err != nil:
		return s.failInitialize(fmt.Errorf("fetch latest cycle marker: %w", err))
	}

	positions, err := s.source.FetchPositions(ctx)
	if err != nil {
		return s.failInitialize(fmt.Errorf("fetch positions: %w", err))
	}
	s.logger.Info().Int("positions", len(positions)).Str("marker", marker.String()).Msg("starting initial sync")

	results := s.classifyPositions(ctx, positions)
	if err := ctx.Err(); err != nil {
		return s.failInitialize(err)
	}
	batch, stats, transient := s.collect(results, kindInitial)
	if len(positions) > 0 && transient == len(positions) {
		return s.failInitialize(fmt.Errorf("initial sync: every position failed: %w", vault.ErrTransientSource))
	}

	s.zones.Replace(batch)
	s.setWatermark(marker)
	s.updateZoneGauges()

	stats.Touched = len(positions)
	stats.Duration = s.now().Sub(start)
	s.setState(StateReady)
	s.events.Publish(lifecycle.Event{Kind: lifecycle.EventInitialSync, Marker: marker, Stats: stats})

	metrics.CyclesTotal.WithLabelValues(kindInitial, "ok").Inc()
	metrics.CycleDuration.WithLabelValues(kindInitial).Observe(stats.Duration.Seconds())
	s.logger.Info().
		Int("classified", stats.Classified).
		Int("skipped", stats.Skipped).
		Int("yellow", stats.Yellow).
		Int("red", stats.Red).
		Dur("duration", stats.Duration).
		Msg("initial sync complete")

	s.afterCommit(ctx, kindInitial, marker, stats, nil, nil)
	return nil
}

func (s *Service) failInitialize(err error) error {
	s.setState(StateFailed)
	metrics.CyclesTotal.WithLabelValues(kindInitial, "failed").Inc()
	s.logger.Error().Err(err).Msg("initial sync failed")
	return err
}

// CatchUp polls the indexer once. It returns advanced=true after committing a new cycle and
// advanced=false when the indexer has nothing newer than the watermark.
func (s *Service) CatchUp(ctx context.Context) (bool, error) {
	if st := s.State(); st == StateInitializing || st == StateFailed {
		return false, fmt.Errorf("catch-up requires a completed initial sync (state %s)", st)
	}
	s.setState(StateWaiting)

	marker, err := s.source.FetchLatestCycleMarker(ctx)
	if errors.Is(err, vault.ErrNotFound) {
		metrics.CyclesTotal.WithLabelValues(kindCatchUp, "idle").Inc()
		return false, nil
	}
	if err != nil {
		metrics.CyclesTotal.WithLabelValues(kindCatchUp, "failed").Inc()
		return false, fmt.Errorf("fetch latest cycle marker: %w", err)
	}
	since := s.Watermark()
	if !marker.After(since) {
		metrics.CyclesTotal.WithLabelValues(kindCatchUp, "idle").Inc()
		return false, nil
	}

	s.setState(StateProcessing)
	defer s.setState(StateWaiting)
	start := s.now()
	log := s.logger.With().Str("marker", marker.String()).Str("since", since.String()).Logger()

	// Every cycle after the watermark is read, not only the newest, so no update is lost after a long
	// backoff.
	ids, err := s.source.FetchCycleDelta(ctx, since, marker)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues(kindCatchUp, "failed").Inc()
		return false, fmt.Errorf("fetch cycle delta %s: %w", marker, vault.Transient(err))
	}
	log.Info().Int("touched", len(ids)).Msg("processing cycle")

	results := s.fetchAndClassify(ctx, ids)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	batch, stats, transient := s.collect(results, kindCatchUp)
	if len(ids) > 0 && transient == len(ids) {
		metrics.CyclesTotal.WithLabelValues(kindCatchUp, "failed").Inc()
		return false, fmt.Errorf("cycle %s: all %d positions failed: %w", marker, len(ids), vault.ErrTransientSource)
	}

	transitions := s.zones.Replace(batch)
	s.setWatermark(marker)
	s.updateZoneGauges()

	stats.Touched = len(ids)
	stats.Duration = s.now().Sub(start)
	s.events.Publish(lifecycle.Event{Kind: lifecycle.EventCycleComplete, Marker: marker, Stats: stats})

	metrics.CyclesTotal.WithLabelValues(kindCatchUp, "ok").Inc()
	metrics.CycleDuration.WithLabelValues(kindCatchUp).Observe(stats.Duration.Seconds())
	log.Info().
		Int("classified", stats.Classified).
		Int("skipped", stats.Skipped).
		Int("transitions", len(transitions)).
		Dur("duration", stats.Duration).
		Msg("cycle committed")

	s.afterCommit(ctx, kindCatchUp, marker, stats, transitions, assessmentsByID(results))
	return true, nil
}

// RunForever drives CatchUp until ctx is cancelled.
func (s *Service) RunForever(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if st := s.State(); st == StateInitializing || st == StateFailed {
		return fmt.Errorf("run requires a completed initial sync (state %s)", st)
	}
	return s.scheduler.Run(ctx, s.CatchUp)
}

type outcome struct {
	id         string
	position   vault.Position
	assessment risk.Assessment
	err        error
}

func (s *Service) classifyPositions(ctx context.Context, positions []vault.Position) []outcome {
	results := make([]outcome, len(positions))
	s.forEach(ctx, len(positions), func(ctx context.Context, i int) {
		pos := positions[i]
		results[i] = outcome{id: pos.ID, position: pos}
		results[i].assessment, results[i].err = s.assess(ctx, pos)
	})
	return results
}

func (s *Service) fetchAndClassify(ctx context.Context, ids []string) []outcome {
	results := make([]outcome, len(ids))
	s.forEach(ctx, len(ids), func(ctx context.Context, i int) {
		results[i] = outcome{id: ids[i]}
		pos, err := s.source.FetchPosition(ctx, ids[i])
		if err != nil {
			results[i].err = fmt.Errorf("fetch position: %w", err)
			return
		}
		results[i].position = pos
		results[i].assessment, results[i].err = s.assess(ctx, pos)
	})
	return results
}

// forEach runs fn for every index with at most opts.Workers in flight. Each call owns slot i only.
func (s *Service) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		i := i // per-iteration copy; go.mod targets Go 1.21 loop semantics
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) assess(ctx context.Context, pos vault.Position) (risk.Assessment, error) {
	ref, err := s.cache.Reference(ctx, pos.CollateralID)
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("collateral reference %s: %w", pos.CollateralID, err)
	}
	params, err := s.cache.Params(ctx, pos.CollateralID)
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("collateral params %s: %w", pos.CollateralID, err)
	}
	return s.classifier.Assess(pos, ref, params)
}

// collect turns worker outcomes into a commit batch. Failed positions are logged and left out so
// their prior zone persists.
func (s *Service) collect(results []outcome, kind string) ([]zone.Assignment, lifecycle.Stats, int) {
	var (
		stats     lifecycle.Stats
		transient int
	)
	batch := make([]zone.Assignment, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			stats.Skipped++
			reason := vault.Kind(r.err)
			if reason == "transient" {
				transient++
			}
			metrics.PositionsSkipped.WithLabelValues(reason).Inc()
			s.logger.Warn().Err(r.err).
				Str("kind", kind).
				Str("position_id", r.id).
				Str("collateral_id", r.position.CollateralID).
				Str("reason", reason).
				Msg("position skipped")
			continue
		}
		stats.Classified++
		switch r.assessment.Zone {
		case vault.ZoneYellow:
			stats.Yellow++
		case vault.ZoneRed:
			stats.Red++
		}
		metrics.PositionsClassified.WithLabelValues(r.assessment.Zone.String()).Inc()
		batch = append(batch, zone.Assignment{Position: r.position, Zone: r.assessment.Zone})
	}
	return batch, stats, transient
}

func assessmentsByID(results []outcome) map[string]risk.Assessment {
	out := make(map[string]risk.Assessment, len(results))
	for _, r := range results {
		if r.err == nil {
			out[r.id] = r.assessment
		}
	}
	return out
}

func (s *Service) updateZoneGauges() {
	counts := s.zones.Counts()
	metrics.ZoneSize.WithLabelValues(vault.ZoneYellow.String()).Set(float64(counts.Yellow))
	metrics.ZoneSize.WithLabelValues(vault.ZoneRed.String()).Set(float64(counts.Red))
}

// afterCommit records the cycle and dispatches alerts. Only the advisory lock holder does so, which
// keeps a fleet of monitors from alerting twice. Failures here never undo the commit.
func (s *Service) afterCommit(ctx context.Context, kind string, marker vault.CycleMarker, stats lifecycle.Stats, transitions []zone.Transition, assessments map[string]risk.Assessment) {
	if s.cycles == nil && s.alerts == nil && s.notifier == nil {
		return
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("skip cycle bookkeeping")
		return
	}
	if !proceed {
		s.logger.Debug().Str("marker", marker.String()).Msg("skip cycle bookkeeping because advisory lock held elsewhere")
		return
	}
	if unlock != nil {
		defer unlock()
	}

	if s.cycles != nil && !marker.IsZero() {
		record := storage.CycleRecord{
			CycleTS:     marker.At,
			Network:     s.source.Network(),
			Kind:        kind,
			Touched:     stats.Touched,
			Classified:  stats.Classified,
			Skipped:     stats.Skipped,
			YellowCount: s.zones.Counts().Yellow,
			RedCount:    s.zones.Counts().Red,
			DurationMS:  stats.Duration.Milliseconds(),
			Status:      "complete",
			CreatedAt:   s.now().UTC(),
		}
		if err := s.cycles.UpsertCycleRecord(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("marker", marker.String()).Msg("failed to upsert cycle record")
		}
	}

	s.dispatchAlerts(ctx, marker, transitions, assessments)
	s.pruneAlerts(ctx)
}

func (s *Service) pruneAlerts(ctx context.Context) {
	if s.alerts == nil || s.opts.AlertRetention <= 0 {
		return
	}
	cutoff := s.now().UTC().Add(-s.opts.AlertRetention)
	if err := s.alerts.DeleteAlertsBefore(ctx, cutoff); err != nil {
		s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("failed to prune alert records")
	}
}

func (s *Service) dispatchAlerts(ctx context.Context, marker vault.CycleMarker, transitions []zone.Transition, assessments map[string]risk.Assessment) {
	if s.notifier == nil || len(s.opts.AlertZones) == 0 {
		return
	}
	for _, tr := range transitions {
		if !s.alertable(tr.To) {
			continue
		}
		a := assessments[tr.ID]
		note := alerting.Notification{
			Network:        s.source.Network(),
			CycleAt:        marker.At,
			PositionID:     tr.ID,
			OwnerID:        tr.Position.OwnerID,
			CollateralID:   tr.Position.CollateralID,
			From:           tr.From,
			To:             tr.To,
			RatioPct:       a.CollateralRatioPct,
			LiquidationPct: a.LiquidationRatioPct,
			Channels:       s.opts.Channels,
		}
		if s.alerts != nil {
			record := storage.AlertRecord{
				CycleTS:      marker.At,
				PositionID:   tr.ID,
				OwnerID:      tr.Position.OwnerID,
				CollateralID: tr.Position.CollateralID,
				FromZone:     tr.From.String(),
				ToZone:       tr.To.String(),
				RatioPct:     a.CollateralRatioPct,
				Channels:     s.opts.Channels,
			}
			if _, err := s.alerts.InsertAlert(ctx, record); err != nil {
				s.logger.Error().Err(err).Str("position_id", tr.ID).Msg("failed to persist alert record")
			}
		}
		if err := s.notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("position_id", tr.ID).Msg("failed to dispatch alert")
		}
	}
}

func (s *Service) alertable(z vault.Zone) bool {
	for _, candidate := range s.opts.AlertZones {
		if candidate == z {
			return true
		}
	}
	return false
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// ParseAlertZones maps zone names to zones, ignoring "none".
func ParseAlertZones(names []string) ([]vault.Zone, error) {
	zones := make([]vault.Zone, 0, len(names))
	for _, name := range names {
		z, err := vault.ParseZone(name)
		if err != nil {
			return nil, fmt.Errorf("alert zone %q: %w", strings.TrimSpace(name), err)
		}
		if z != vault.ZoneNone {
			zones = append(zones, z)
		}
	}
	return zones, nil
}
