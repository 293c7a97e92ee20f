package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
)

// PgStore is the networked event log adapter for distributed-mode
// deployments, donated by LerianStudio-midaz's Postgres-backed repository
// stack (components/ledger/internal/adapters/postgres/*). Unlike midaz's
// database/sql-over-pgx wrapping, this talks to pgx/v5's pool API
// directly: the event log has no ORM-shaped entities to justify the extra
// layer.
type PgStore struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS angzarr_events (
	domain TEXT NOT NULL,
	root BYTEA NOT NULL,
	sequence INTEGER NOT NULL,
	event_type_url TEXT NOT NULL,
	event_value BYTEA NOT NULL,
	external BOOLEAN NOT NULL DEFAULT FALSE,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (domain, root, sequence)
);
CREATE TABLE IF NOT EXISTS angzarr_snapshots (
	domain TEXT NOT NULL,
	root BYTEA NOT NULL,
	sequence INTEGER NOT NULL,
	state BYTEA NOT NULL,
	retention INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (domain, root)
);
CREATE TABLE IF NOT EXISTS angzarr_positions (
	projector TEXT NOT NULL,
	domain TEXT NOT NULL,
	root BYTEA NOT NULL,
	sequence INTEGER NOT NULL,
	PRIMARY KEY (projector, domain, root)
);
`

// NewPgStore connects to dsn and ensures the event log schema exists.
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure event log schema: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PgStore) Close() {
	s.pool.Close()
}

func (s *PgStore) Load(ctx context.Context, key StreamKey) (*angzarrpb.EventBook, error) {
	pages, err := s.LoadRange(ctx, key, 0, 0)
	if err != nil {
		return nil, err
	}
	return &angzarrpb.EventBook{Pages: pages}, nil
}

func (s *PgStore) LoadRange(ctx context.Context, key StreamKey, from, to uint32) ([]*angzarrpb.EventPage, error) {
	var rows pgx.Rows
	var err error
	if to == 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT sequence, event_type_url, event_value, external, recorded_at FROM angzarr_events
			 WHERE domain = $1 AND root = $2 AND sequence >= $3 ORDER BY sequence`,
			key.Domain, key.Root[:], from)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT sequence, event_type_url, event_value, external, recorded_at FROM angzarr_events
			 WHERE domain = $1 AND root = $2 AND sequence >= $3 AND sequence < $4 ORDER BY sequence`,
			key.Domain, key.Root[:], from, to)
	}
	if err != nil {
		return nil, angerr.Wrap(angerr.StorageUnavailable, "failed to query event log", err)
	}
	defer rows.Close()

	var pages []*angzarrpb.EventPage
	for rows.Next() {
		var seq uint32
		var typeURL string
		var value []byte
		var external bool
		var recordedAt any
		if err := rows.Scan(&seq, &typeURL, &value, &external, &recordedAt); err != nil {
			return nil, angerr.Wrap(angerr.StorageCorrupt, "failed to scan event row", err)
		}
		pages = append(pages, &angzarrpb.EventPage{
			Sequence: seq,
			Event:    &anypb.Any{TypeUrl: typeURL, Value: value},
			External: external,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, angerr.Wrap(angerr.StorageUnavailable, "event log row iteration failed", err)
	}
	if err := ValidateDense(pages, from); err != nil {
		return nil, err
	}
	return pages, nil
}

func (s *PgStore) LoadAsOfSequence(ctx context.Context, key StreamKey, seq uint32) ([]*angzarrpb.EventPage, error) {
	return s.LoadRange(ctx, key, 0, seq+1)
}

func (s *PgStore) Tail(ctx context.Context, key StreamKey) (uint32, bool, error) {
	var maxSeq int32
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), -1) FROM angzarr_events WHERE domain = $1 AND root = $2`,
		key.Domain, key.Root[:]).Scan(&maxSeq)
	if err != nil {
		return 0, false, angerr.Wrap(angerr.StorageUnavailable, "failed to read stream tail", err)
	}
	if maxSeq < 0 {
		return 0, false, nil
	}
	return uint32(maxSeq), true, nil
}

func (s *PgStore) Append(ctx context.Context, key StreamKey, pages []*angzarrpb.EventPage, expectedSequence uint32, forceWrite bool) ([]*angzarrpb.EventPage, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, angerr.Wrap(angerr.StorageUnavailable, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var nextSeq uint32
	var maxSeq int32 = -1
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), -1) FROM angzarr_events WHERE domain = $1 AND root = $2 FOR UPDATE`,
		key.Domain, key.Root[:]).Scan(&maxSeq); err != nil {
		return nil, angerr.Wrap(angerr.StorageUnavailable, "failed to lock stream tail", err)
	}
	nextSeq = uint32(maxSeq + 1)

	if !forceWrite && nextSeq != expectedSequence {
		return nil, angerr.New(angerr.ConcurrencyConflict,
			fmt.Sprintf("expected sequence %d but stream is at %d", expectedSequence, nextSeq))
	}

	seq := nextSeq

	var stamped []*angzarrpb.EventPage
	for _, p := range pages {
		page := proto.Clone(p).(*angzarrpb.EventPage)
		page.Sequence = seq
		page.External = forceWrite
		if _, err := tx.Exec(ctx,
			`INSERT INTO angzarr_events (domain, root, sequence, event_type_url, event_value, external)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			key.Domain, key.Root[:], seq, page.GetEvent().GetTypeUrl(), page.GetEvent().GetValue(), forceWrite); err != nil {
			return nil, angerr.Wrap(angerr.StorageUnavailable, "failed to insert event page", err)
		}
		stamped = append(stamped, page)
		seq++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, angerr.Wrap(angerr.StorageUnavailable, "failed to commit append", err)
	}
	return stamped, nil
}

func (s *PgStore) WriteSnapshot(ctx context.Context, snapshot *angzarrpb.Snapshot) error {
	var root [16]byte
	copy(root[:], snapshot.GetCover().GetRoot().GetValue())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO angzarr_snapshots (domain, root, sequence, state, retention)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (domain, root) DO UPDATE SET sequence = $3, state = $4, retention = $5, created_at = now()`,
		snapshot.GetCover().GetDomain(), root[:], snapshot.GetSequence(), snapshot.GetState(), int32(snapshot.GetRetention()))
	if err != nil {
		return angerr.Wrap(angerr.StorageUnavailable, "failed to write snapshot", err)
	}
	return nil
}

func (s *PgStore) ReadSnapshot(ctx context.Context, key StreamKey) (*angzarrpb.Snapshot, error) {
	var seq uint32
	var state []byte
	var retention int32
	err := s.pool.QueryRow(ctx,
		`SELECT sequence, state, retention FROM angzarr_snapshots WHERE domain = $1 AND root = $2`,
		key.Domain, key.Root[:]).Scan(&seq, &state, &retention)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, angerr.Wrap(angerr.StorageUnavailable, "failed to read snapshot", err)
	}
	return &angzarrpb.Snapshot{
		Cover:     &angzarrpb.Cover{Domain: key.Domain, Root: &angzarrpb.UUID{Value: append([]byte(nil), key.Root[:]...)}},
		Sequence:  seq,
		State:     state,
		Retention: angzarrpb.SnapshotRetention(retention),
	}, nil
}

func (s *PgStore) ListRoots(ctx context.Context, domain string, yield func(root [16]byte) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT root FROM angzarr_events WHERE domain = $1`, domain)
	if err != nil {
		return angerr.Wrap(angerr.StorageUnavailable, "failed to list roots", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return angerr.Wrap(angerr.StorageCorrupt, "failed to scan root", err)
		}
		if len(raw) != 16 {
			continue
		}
		var root [16]byte
		copy(root[:], raw)
		if err := yield(root); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PgStore) GetPosition(ctx context.Context, projector string, key StreamKey) (uint32, bool, error) {
	var seq uint32
	err := s.pool.QueryRow(ctx,
		`SELECT sequence FROM angzarr_positions WHERE projector = $1 AND domain = $2 AND root = $3`,
		projector, key.Domain, key.Root[:]).Scan(&seq)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, angerr.Wrap(angerr.StorageUnavailable, "failed to read projector position", err)
	}
	return seq, true, nil
}

func (s *PgStore) SetPosition(ctx context.Context, projector string, key StreamKey, seq uint32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO angzarr_positions (projector, domain, root, sequence)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (projector, domain, root) DO UPDATE SET sequence = $4
		 WHERE angzarr_positions.sequence < $4`,
		projector, key.Domain, key.Root[:], seq)
	if err != nil {
		return angerr.Wrap(angerr.StorageUnavailable, "failed to set projector position", err)
	}
	return nil
}

var _ Store = (*PgStore)(nil)
