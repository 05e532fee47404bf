package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertCycleRecordSQL = `INSERT INTO cycle_records (
        cycle_ts,
        network,
        kind,
        touched,
        classified,
        skipped,
        yellow_count,
        red_count,
        duration_ms,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (network, cycle_ts) DO UPDATE
    SET
        kind         = EXCLUDED.kind,
        touched      = EXCLUDED.touched,
        classified   = EXCLUDED.classified,
        skipped      = EXCLUDED.skipped,
        yellow_count = EXCLUDED.yellow_count,
        red_count    = EXCLUDED.red_count,
        duration_ms  = EXCLUDED.duration_ms,
        status       = EXCLUDED.status,
        error        = EXCLUDED.error;`

	cycleRecordColumns = `
        cycle_ts,
        network,
        kind,
        touched,
        classified,
        skipped,
        yellow_count,
        red_count,
        duration_ms,
        status,
        error,
        created_at`

	listCycleRecordsBetweenSQL = `SELECT` + cycleRecordColumns + `
    FROM cycle_records
    WHERE network = $1
      AND cycle_ts >= $2
      AND cycle_ts < $3
    ORDER BY cycle_ts;`

	listRecentCycleRecordsSQL = `SELECT` + cycleRecordColumns + `
    FROM cycle_records
    WHERE network = $1
    ORDER BY cycle_ts DESC
    LIMIT $2;`

	countCycleRecordsSQL = `SELECT COUNT(*) FROM cycle_records WHERE network = $1;`

	insertAlertSQL = `INSERT INTO zone_alerts (
        cycle_ts,
        position_id,
        owner_id,
        collateral_id,
        from_zone,
        to_zone,
        ratio_pct,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (cycle_ts, position_id) DO UPDATE
    SET from_zone = EXCLUDED.from_zone,
        to_zone   = EXCLUDED.to_zone,
        ratio_pct = EXCLUDED.ratio_pct,
        channels  = EXCLUDED.channels
    RETURNING id, cycle_ts, position_id, owner_id, collateral_id, from_zone, to_zone, ratio_pct::text, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        cycle_ts,
        position_id,
        owner_id,
        collateral_id,
        from_zone,
        to_zone,
        ratio_pct::text,
        channels,
        created_at
    FROM zone_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM zone_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// CycleStore defines operations for cycle record persistence.
type CycleStore interface {
	UpsertCycleRecord(ctx context.Context, record CycleRecord) error
	ListCycleRecordsBetween(ctx context.Context, network string, from, to time.Time) ([]CycleRecord, error)
	ListRecentCycleRecords(ctx context.Context, network string, limit int) ([]CycleRecord, error)
	CountCycleRecords(ctx context.Context, network string) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to cycle records and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection is closed
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertCycleRecord persists or updates a cycle record.
func (s *Store) UpsertCycleRecord(ctx context.Context, record CycleRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if record.Error != nil {
		errMsg = *record.Error
	}

	_, execErr := pool.Exec(ctx, upsertCycleRecordSQL,
		record.CycleTS,
		record.Network,
		record.Kind,
		record.Touched,
		record.Classified,
		record.Skipped,
		record.YellowCount,
		record.RedCount,
		record.DurationMS,
		record.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert cycle record: %w", execErr)
	}
	return nil
}

// ListCycleRecordsBetween lists the records of network within a time window.
func (s *Store) ListCycleRecordsBetween(ctx context.Context, network string, from, to time.Time) ([]CycleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCycleRecordsBetweenSQL, network, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list cycle records between: %w", queryErr)
	}
	defer rows.Close()

	return collectCycleRecords(rows, 0)
}

// ListRecentCycleRecords lists the most recent records ordered by descending cycle.
func (s *Store) ListRecentCycleRecords(ctx context.Context, network string, limit int) ([]CycleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentCycleRecordsSQL, network, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent cycle records: %w", queryErr)
	}
	defer rows.Close()

	return collectCycleRecords(rows, limit)
}

// CountCycleRecords counts stored records of network.
func (s *Store) CountCycleRecords(ctx context.Context, network string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countCycleRecordsSQL, network).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count cycle records: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.CycleTS,
		alert.PositionID,
		alert.OwnerID,
		alert.CollateralID,
		alert.FromZone,
		alert.ToZone,
		alert.RatioPct.String(),
		channels,
	)

	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func collectCycleRecords(rows pgx.Rows, capacity int) ([]CycleRecord, error) {
	records := make([]CycleRecord, 0, capacity)
	for rows.Next() {
		var (
			rec    CycleRecord
			errMsg sql.NullString
		)
		if err := rows.Scan(
			&rec.CycleTS,
			&rec.Network,
			&rec.Kind,
			&rec.Touched,
			&rec.Classified,
			&rec.Skipped,
			&rec.YellowCount,
			&rec.RedCount,
			&rec.DurationMS,
			&rec.Status,
			&errMsg,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec      AlertRecord
		ratioStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.CycleTS,
		&rec.PositionID,
		&rec.OwnerID,
		&rec.CollateralID,
		&rec.FromZone,
		&rec.ToZone,
		&ratioStr,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	ratio, err := decimal.NewFromString(ratioStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse ratio pct: %w", err)
	}
	rec.RatioPct = ratio
	return rec, nil
}
