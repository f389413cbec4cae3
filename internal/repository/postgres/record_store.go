package postgres

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
)

const selectEntity = `SELECT e.kind, e.id, e.attrs, e.deleted, e.version, e.created_at, e.updated_at,
COALESCE((SELECT jsonb_object_agg(o.relation, jsonb_build_object('kind', o.owner_kind, 'id', o.owner_id))
FROM entity_owners o WHERE o.kind = e.kind AND o.id = e.id), '{}'::jsonb)
FROM entities e`

const (
	getSQL          = selectEntity + ` WHERE e.kind=$1 AND e.id=$2`
	getShareSQL     = getSQL + ` FOR SHARE OF e`
	getUpdateSQL    = getSQL + ` FOR UPDATE OF e`
	setLockTimeout  = `SELECT set_config('lock_timeout', $1, true)`
	insertEntitySQL = `INSERT INTO entities (kind, id, attrs, deleted, version) VALUES ($1,$2,$3::jsonb,$4,1) ON CONFLICT (kind, id) DO NOTHING`
	insertOwnerSQL  = `INSERT INTO entity_owners (kind, id, relation, owner_kind, owner_id) VALUES ($1,$2,$3,$4,$5)`
	updateSQL       = `UPDATE entities SET attrs=$3::jsonb, deleted=$4, version=version+1, updated_at=now() WHERE kind=$1 AND id=$2 AND version=$5 AND (NOT deleted OR $4)`
	updateBlindSQL  = `UPDATE entities SET attrs=$3::jsonb, deleted=$4, version=version+1, updated_at=now() WHERE kind=$1 AND id=$2 AND (NOT deleted OR $4)`
	stateSQL        = `SELECT version, deleted FROM entities WHERE kind=$1 AND id=$2`
	versionSQL      = `SELECT version FROM entities WHERE kind=$1 AND id=$2 FOR SHARE`
	upsertUniqueSQL = `INSERT INTO unique_keys (kind, field, value, entity_id, deleted) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (kind, field, entity_id) DO UPDATE SET value=EXCLUDED.value, deleted=EXCLUDED.deleted`
)

// RecordStore implements repository.RecordStore on PostgreSQL.
// Live-scoped uniqueness is a partial unique index over unique_keys WHERE NOT deleted.
type RecordStore struct {
	db     *DB
	schema *model.Schema
}

// NewRecordStore constructs a record store.
func NewRecordStore(db *DB, schema *model.Schema) *RecordStore {
	return &RecordStore{db: db, schema: schema}
}

var _ repository.RecordStore = (*RecordStore)(nil)

// Begin opens a READ COMMITTED transaction; consistency comes from row locks and version checks.
func (s *RecordStore) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &recordTx{tx: tx, schema: s.schema}, nil
}

type recordTx struct {
	tx     pgx.Tx
	schema *model.Schema
	done   bool
}

func scanEntity(row pgx.Row) (model.Entity, error) {
	var e model.Entity
	if err := row.Scan(&e.Kind, &e.ID, &e.Attrs, &e.Deleted, &e.Version, &e.CreatedAt, &e.UpdatedAt, &e.Owners); err != nil {
		return model.Entity{}, err
	}
	return e.Clone(), nil
}

func (t *recordTx) Get(ctx context.Context, kind string, id uuid.UUID) (model.Entity, error) {
	if t.done {
		return model.Entity{}, errs.ErrTxDone
	}
	e, err := scanEntity(t.tx.QueryRow(ctx, getSQL, kind, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Entity{}, fmt.Errorf("%s/%s: %w", kind, id, errs.ErrNotFound)
	}
	return e, err
}

func (t *recordTx) GetLocked(ctx context.Context, kind string, id uuid.UUID, mode repository.LockMode, timeout time.Duration) (model.Entity, error) {
	if t.done {
		return model.Entity{}, errs.ErrTxDone
	}
	q := getShareSQL
	if mode == repository.LockWrite {
		q = getUpdateSQL
	}
	if timeout <= 0 {
		q += ` NOWAIT`
	} else {
		ms := max(timeout.Milliseconds(), 1)
		if _, err := t.tx.Exec(ctx, setLockTimeout, fmt.Sprintf("%dms", ms)); err != nil {
			return model.Entity{}, err
		}
	}
	e, err := scanEntity(t.tx.QueryRow(ctx, q, kind, id))
	switch {
	case err == nil:
		return e, nil
	case errors.Is(err, pgx.ErrNoRows):
		return model.Entity{}, fmt.Errorf("%s/%s: %w", kind, id, errs.ErrNotFound)
	default:
		return model.Entity{}, lockErr(err, fmt.Sprintf("%s lock on %s/%s", mode, kind, id))
	}
}

// lockErr maps lock waits that ran out and deadlocks to errs.ErrLockTimeout.
func lockErr(err error, what string) error {
	if err == nil || !isLockFailure(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrLockTimeout, what, err)
}

func (t *recordTx) Put(ctx context.Context, e model.Entity, expected int64) error {
	if t.done {
		return errs.ErrTxDone
	}
	attrs := e.Clone().Attrs

	if expected == 0 {
		tag, err := t.tx.Exec(ctx, insertEntitySQL, e.Kind, e.ID, attrs, e.Deleted)
		if err != nil {
			return lockErr(err, fmt.Sprintf("insert %s/%s", e.Kind, e.ID))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s/%s already exists", errs.ErrVersionConflict, e.Kind, e.ID)
		}
		for _, rel := range slices.Sorted(maps.Keys(e.Owners)) {
			o := e.Owners[rel]
			// the owner FK takes a key-share lock on the owner row
			if _, err := t.tx.Exec(ctx, insertOwnerSQL, e.Kind, e.ID, rel, o.Kind, o.ID); err != nil {
				return lockErr(err, fmt.Sprintf("owner %s of %s/%s", rel, e.Kind, e.ID))
			}
		}
	} else {
		var (
			tag pgconn.CommandTag
			err error
		)
		if expected == repository.AnyVersion {
			tag, err = t.tx.Exec(ctx, updateBlindSQL, e.Kind, e.ID, attrs, e.Deleted)
		} else {
			tag, err = t.tx.Exec(ctx, updateSQL, e.Kind, e.ID, attrs, e.Deleted, expected)
		}
		if err != nil {
			return lockErr(err, fmt.Sprintf("write %s/%s", e.Kind, e.ID))
		}
		if tag.RowsAffected() == 0 {
			return t.explainMiss(ctx, e, expected)
		}
	}
	return t.putUniqueKeys(ctx, e)
}

// explainMiss tells why an UPDATE matched no row.
func (t *recordTx) explainMiss(ctx context.Context, e model.Entity, expected int64) error {
	var (
		ver     int64
		deleted bool
	)
	err := t.tx.QueryRow(ctx, stateSQL, e.Kind, e.ID).Scan(&ver, &deleted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s/%s: %w", e.Kind, e.ID, errs.ErrNotFound)
	case err != nil:
		return err
	case expected != repository.AnyVersion && ver != expected:
		return fmt.Errorf("%w: %s/%s at version %d, expected %d", errs.ErrVersionConflict, e.Kind, e.ID, ver, expected)
	case deleted && !e.Deleted:
		return fmt.Errorf("%w: %s/%s cannot be restored", errs.ErrValidation, e.Kind, e.ID)
	default:
		return fmt.Errorf("%w: %s/%s not updated", errs.ErrVersionConflict, e.Kind, e.ID)
	}
}

func (t *recordTx) putUniqueKeys(ctx context.Context, e model.Entity) error {
	keys := t.schema.UniqueKeys(&e)
	for _, f := range slices.Sorted(maps.Keys(keys)) {
		if _, err := t.tx.Exec(ctx, upsertUniqueSQL, e.Kind, f, keys[f], e.ID, e.Deleted); err != nil {
			if isUniqueViolation(err) {
				return &errs.ConstraintConflictError{Kind: e.Kind, Field: f, Value: keys[f]}
			}
			return lockErr(err, fmt.Sprintf("unique key %s.%s", e.Kind, f))
		}
	}
	return nil
}

func (t *recordTx) CheckVersion(ctx context.Context, kind string, id uuid.UUID, expected int64) error {
	if t.done {
		return errs.ErrTxDone
	}
	var ver int64
	if err := t.tx.QueryRow(ctx, versionSQL, kind, id).Scan(&ver); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s/%s: %w", kind, id, errs.ErrNotFound)
		}
		return lockErr(err, fmt.Sprintf("version check of %s/%s", kind, id))
	}
	if ver != expected {
		return fmt.Errorf("%w: %s/%s at version %d, expected %d", errs.ErrVersionConflict, kind, id, ver, expected)
	}
	return nil
}

// buildQuery renders q as SQL with positional arguments.
func buildQuery(q repository.Query) (string, []any) {
	var sb strings.Builder
	sb.WriteString(selectEntity)
	args := []any{q.Kind}
	sb.WriteString(` WHERE e.kind=$1`)
	switch q.Visibility {
	case repository.Live:
		sb.WriteString(` AND NOT e.deleted`)
	case repository.Deleted:
		sb.WriteString(` AND e.deleted`)
	}
	if q.Owner != nil {
		args = append(args, q.Owner.Relation, q.Owner.ID)
		fmt.Fprintf(&sb, ` AND EXISTS (SELECT 1 FROM entity_owners r WHERE r.kind=e.kind AND r.id=e.id AND r.relation=$%d AND r.owner_id=$%d)`, len(args)-1, len(args))
	}
	for _, name := range slices.Sorted(maps.Keys(q.Attrs)) {
		args = append(args, name, q.Attrs[name])
		fmt.Fprintf(&sb, ` AND e.attrs->>$%d = $%d`, len(args)-1, len(args))
	}
	sb.WriteString(` ORDER BY e.created_at, e.id`)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}
	return sb.String(), args
}

func (t *recordTx) Query(ctx context.Context, q repository.Query) (repository.Rows, error) {
	if t.done {
		return nil, errs.ErrTxDone
	}
	sql, args := buildQuery(q)
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &entityRows{rows: rows}, nil
}

func (t *recordTx) Commit(ctx context.Context) error {
	if t.done {
		return errs.ErrTxDone
	}
	t.done = true
	err := t.tx.Commit(ctx)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", errs.ErrConstraintConflict, err)
	default:
		return err
	}
}

func (t *recordTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

type entityRows struct {
	rows pgx.Rows
	cur  model.Entity
	err  error
}

func (r *entityRows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}
	r.cur, r.err = scanEntity(r.rows)
	return r.err == nil
}

func (r *entityRows) Entity() model.Entity { return r.cur }

func (r *entityRows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

func (r *entityRows) Close() { r.rows.Close() }
