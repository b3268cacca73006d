package refserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/autosave/internal/entity"
)

// SQL statements for entity operations.
const (
	sqlListEntities = `SELECT owner, record, fields, version FROM entities
		WHERE owner = ? ORDER BY record`

	sqlGetEntity = `SELECT fields, version FROM entities
		WHERE owner = ? AND record = ?`

	sqlInsertEntity = `INSERT INTO entities (owner, record, fields, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(owner, record) DO NOTHING`

	// The version predicate is the optimistic lock: zero rows affected
	// means another writer got there first.
	sqlUpdateEntity = `UPDATE entities SET fields = ?, version = version + 1, updated_at = ?
		WHERE owner = ? AND record = ? AND version = ?`

	sqlInsertConflict = `INSERT INTO conflict_log
		(id, owner, record, attempted_version, server_version, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlListConflicts = `SELECT id, attempted_version, server_version, detected_at
		FROM conflict_log WHERE owner = ? AND record = ? ORDER BY detected_at, id`
)

// ApplyResult is the outcome of a batch write: the entities stored with
// their new versions, and one conflict per entity whose version was stale.
type ApplyResult struct {
	Accepted  []entity.Entity
	Conflicts []*entity.ConflictError
}

// ConflictRecord is one rejected write kept in the conflict log.
type ConflictRecord struct {
	ID               string
	AttemptedVersion int64
	ServerVersion    int64
	DetectedAt       time.Time
}

// Store is the versioned entity table of the reference backend. Every
// write is checked against the stored version; there is no overwrite path.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// OpenStore opens the SQLite database at dbPath, runs migrations, and
// returns a ready Store. The database uses WAL mode with synchronous=FULL.
func OpenStore(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("refserver: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: batches are serialized on one connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("entity store opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// List returns every entity of owner, ordered by record ID.
func (s *Store) List(ctx context.Context, owner string) ([]entity.Entity, error) {
	rows, err := s.db.QueryContext(ctx, sqlListEntities, owner)
	if err != nil {
		return nil, fmt.Errorf("refserver: listing %q: %w", owner, err)
	}
	defer rows.Close()

	out := []entity.Entity{}

	for rows.Next() {
		var (
			e       entity.Entity
			o, r    string
			rawJSON string
		)

		if err := rows.Scan(&o, &r, &rawJSON, &e.Version); err != nil {
			return nil, fmt.Errorf("refserver: scanning entity row: %w", err)
		}

		e.Key = entity.NewKey(o, r)

		if err := json.Unmarshal([]byte(rawJSON), &e.Fields); err != nil {
			return nil, fmt.Errorf("refserver: decoding fields of %s: %w", e.Key, err)
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("refserver: iterating entity rows: %w", err)
	}

	return out, nil
}

// Get returns the stored entity for key. Reports false if there is none.
func (s *Store) Get(ctx context.Context, key entity.Key) (entity.Entity, bool, error) {
	fields, version, found, err := getEntity(ctx, s.db, key)
	if err != nil || !found {
		return entity.Entity{}, false, err
	}

	return entity.Entity{Key: key, Fields: fields, Version: version}, true, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntity(ctx context.Context, q queryer, key entity.Key) (entity.Fields, int64, bool, error) {
	var (
		rawJSON string
		version int64
		fields  entity.Fields
	)

	err := q.QueryRowContext(ctx, sqlGetEntity, key.Owner, key.Record).Scan(&rawJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Fields{}, 0, false, nil
	}

	if err != nil {
		return entity.Fields{}, 0, false, fmt.Errorf("refserver: reading %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(rawJSON), &fields); err != nil {
		return entity.Fields{}, 0, false, fmt.Errorf("refserver: decoding fields of %s: %w", key, err)
	}

	return fields, version, true, nil
}

// Apply writes batch in one transaction. An entity is stored only if its
// version equals the stored version (0 for a record that does not exist
// yet); its fields are merged over the stored fields and the version is
// incremented. Entities with a stale version are reported as conflicts and
// recorded in the conflict log. Non-conflicting entities are applied even
// when others in the batch conflict.
func (s *Store) Apply(ctx context.Context, batch []entity.Entity) (ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("refserver: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var result ApplyResult

	for _, e := range batch {
		acked, conflict, err := s.applyOne(ctx, tx, e)
		if err != nil {
			return ApplyResult{}, err
		}

		if conflict != nil {
			result.Conflicts = append(result.Conflicts, conflict)
			continue
		}

		result.Accepted = append(result.Accepted, acked)
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("refserver: committing batch: %w", err)
	}

	s.logger.Debug("batch applied",
		slog.Int("entities", len(batch)),
		slog.Int("accepted", len(result.Accepted)),
		slog.Int("conflicts", len(result.Conflicts)),
	)

	return result, nil
}

func (s *Store) applyOne(ctx context.Context, tx *sql.Tx, e entity.Entity) (entity.Entity, *entity.ConflictError, error) {
	stored, version, found, err := getEntity(ctx, tx, e.Key)
	if err != nil {
		return entity.Entity{}, nil, err
	}

	if e.Version != version {
		ce, err := s.logConflict(ctx, tx, e, stored, version)
		return entity.Entity{}, ce, err
	}

	merged := stored.Merge(e.Fields)

	data, err := json.Marshal(merged)
	if err != nil {
		return entity.Entity{}, nil, fmt.Errorf("refserver: encoding fields of %s: %w", e.Key, err)
	}

	now := s.nowFunc().UnixNano()

	var res sql.Result
	if !found {
		res, err = tx.ExecContext(ctx, sqlInsertEntity, e.Key.Owner, e.Key.Record, string(data), now)
	} else {
		res, err = tx.ExecContext(ctx, sqlUpdateEntity, string(data), now, e.Key.Owner, e.Key.Record, version)
	}

	if err != nil {
		return entity.Entity{}, nil, fmt.Errorf("refserver: writing %s: %w", e.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return entity.Entity{}, nil, fmt.Errorf("refserver: writing %s: %w", e.Key, err)
	}

	if n == 0 {
		stored, version, _, err = getEntity(ctx, tx, e.Key)
		if err != nil {
			return entity.Entity{}, nil, err
		}

		ce, err := s.logConflict(ctx, tx, e, stored, version)

		return entity.Entity{}, ce, err
	}

	return entity.Entity{Key: e.Key, Fields: merged, Version: version + 1}, nil, nil
}

func (s *Store) logConflict(
	ctx context.Context, tx *sql.Tx, attempted entity.Entity, serverFields entity.Fields, serverVersion int64,
) (*entity.ConflictError, error) {
	id := uuid.NewString()

	if _, err := tx.ExecContext(ctx, sqlInsertConflict,
		id, attempted.Key.Owner, attempted.Key.Record, attempted.Version, serverVersion, s.nowFunc().UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("refserver: logging conflict on %s: %w", attempted.Key, err)
	}

	s.logger.Info("version conflict",
		slog.String("conflict_id", id),
		slog.String("key", attempted.Key.String()),
		slog.Int64("attempted_version", attempted.Version),
		slog.Int64("server_version", serverVersion),
	)

	return &entity.ConflictError{
		Key:              attempted.Key,
		AttemptedFields:  attempted.Fields.Clone(),
		AttemptedVersion: attempted.Version,
		ServerFields:     serverFields,
		ServerVersion:    serverVersion,
	}, nil
}

// Conflicts returns the conflict log of key, oldest first.
func (s *Store) Conflicts(ctx context.Context, key entity.Key) ([]ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqlListConflicts, key.Owner, key.Record)
	if err != nil {
		return nil, fmt.Errorf("refserver: listing conflicts of %s: %w", key, err)
	}
	defer rows.Close()

	var out []ConflictRecord

	for rows.Next() {
		var (
			rec        ConflictRecord
			detectedAt int64
		)

		if err := rows.Scan(&rec.ID, &rec.AttemptedVersion, &rec.ServerVersion, &detectedAt); err != nil {
			return nil, fmt.Errorf("refserver: scanning conflict row: %w", err)
		}

		rec.DetectedAt = time.Unix(0, detectedAt)
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("refserver: iterating conflict rows: %w", err)
	}

	return out, nil
}
