// Package pgstore implements state.Store over Postgres via database/sql and
// github.com/lib/pq, with schema migrations embedded in the binary,
// matching the reference node's database.Client connection-pool and
// migration pattern.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/merkletree"
	"github.com/certen/shielded-node/pkg/pendingblock"
	"github.com/certen/shielded-node/pkg/state"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a state.Store backed by Postgres.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger sets a custom logger for migration and connection diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMaxConns bounds the open connection pool.
func WithMaxConns(max int) Option {
	return func(s *Store) {
		if s.db != nil {
			s.db.SetMaxOpenConns(max)
		}
	}
}

// Open connects to the Postgres database at dsn and verifies the connection.
func Open(dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pgstore: dsn cannot be empty")
	}

	s := &Store{logger: log.New(log.Writer(), "[pgstore] ", log.LstdFlags)}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	s.db = db

	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ state.Store = (*Store)(nil)

// migration is one embedded schema-migration file.
type migration struct {
	version string
	sql     string
}

func (s *Store) getMigrations() ([]migration, error) {
	var migrations []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		version := strings.TrimSuffix(d.Name(), ".sql")
		migrations = append(migrations, migration{version: version, sql: string(content)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// MigrateUp applies every embedded migration not yet recorded in
// schema_migrations, each inside its own transaction.
func (s *Store) MigrateUp(ctx context.Context) error {
	migrations, err := s.getMigrations()
	if err != nil {
		return fmt.Errorf("pgstore: list migrations: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("pgstore: list applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		s.logger.Printf("applying migration %s", m.version)
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("pgstore: begin migration %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("pgstore: apply migration %s: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("pgstore: commit migration %s: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) NoteCommitmentTree(ctx context.Context) (*merkletree.Tree, error) {
	tree := merkletree.New()

	rows, err := s.db.QueryContext(ctx, "SELECT commitment FROM note_commitments ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("pgstore: query note commitments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("pgstore: scan note commitment: %w", err)
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("pgstore: malformed note commitment of length %d", len(b))
		}
		var commitment merkletree.Hash
		copy(commitment[:], b)
		if _, _, err := tree.Append(commitment, false); err != nil {
			return nil, fmt.Errorf("pgstore: replay append: %w", err)
		}
	}
	return tree, rows.Err()
}

func (s *Store) GenesisConfiguration(ctx context.Context) (*state.GenesisConfiguration, error) {
	var chainID string
	var epochDuration uint64
	var allocationsJSON []byte

	row := s.db.QueryRowContext(ctx,
		"SELECT chain_id, epoch_duration, allocations FROM genesis_configuration WHERE id = 1")
	if err := row.Scan(&chainID, &epochDuration, &allocationsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("pgstore: read genesis configuration: %w", err)
	}

	var allocations []state.GenesisAllocation
	if err := json.Unmarshal(allocationsJSON, &allocations); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal allocations: %w", err)
	}

	return &state.GenesisConfiguration{
		ChainID:       chainID,
		EpochDuration: epochDuration,
		Allocations:   allocations,
	}, nil
}

func (s *Store) SetGenesisConfiguration(ctx context.Context, cfg *state.GenesisConfiguration) error {
	allocationsJSON, err := json.Marshal(cfg.Allocations)
	if err != nil {
		return fmt.Errorf("pgstore: marshal allocations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO genesis_configuration (id, chain_id, epoch_duration, allocations)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET chain_id = EXCLUDED.chain_id,
			epoch_duration = EXCLUDED.epoch_duration, allocations = EXCLUDED.allocations`,
		cfg.ChainID, cfg.EpochDuration, allocationsJSON)
	if err != nil {
		return fmt.Errorf("pgstore: write genesis configuration: %w", err)
	}
	return nil
}

func (s *Store) SetInitialValidators(ctx context.Context, validators []state.Validator) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin validators tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM validators"); err != nil {
		return fmt.Errorf("pgstore: clear validators: %w", err)
	}
	for _, v := range validators {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO validators (pubkey, power) VALUES ($1, $2)", v.PubKey, v.Power); err != nil {
			return fmt.Errorf("pgstore: insert validator: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) RecentAnchors(ctx context.Context, n int) ([]crypto.Hash, error) {
	if n > state.RecentAnchorsWindow {
		n = state.RecentAnchorsWindow
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT anchor FROM blocks ORDER BY height DESC LIMIT $1", n)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query recent anchors: %w", err)
	}
	defer rows.Close()

	var anchors []crypto.Hash
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("pgstore: scan anchor: %w", err)
		}
		var a crypto.Hash
		copy(a[:], b)
		anchors = append(anchors, a)
	}
	return anchors, rows.Err()
}

func (s *Store) Nullifier(ctx context.Context, n crypto.Hash) (int64, bool, error) {
	var height int64
	err := s.db.QueryRowContext(ctx,
		"SELECT block_height FROM nullifiers WHERE nullifier = $1", n[:]).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("pgstore: read nullifier: %w", err)
	}
	return height, true, nil
}

func (s *Store) LatestBlockInfo(ctx context.Context) (*state.BlockInfo, error) {
	var height int64
	var appHash []byte
	var committedAt time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT height, app_hash, committed_at FROM blocks ORDER BY height DESC LIMIT 1").
		Scan(&height, &appHash, &committedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: read latest block: %w", err)
	}
	return &state.BlockInfo{Height: height, AppHash: appHash, Time: committedAt}, nil
}

func (s *Store) AppHash(ctx context.Context) ([]byte, error) {
	info, err := s.LatestBlockInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	return info.AppHash, nil
}

// CommitBlock persists every effect of pending inside a single SQL
// transaction, so readers never observe a partial commit.
func (s *Store) CommitBlock(ctx context.Context, pending *pendingblock.PendingBlock, appHash []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin commit: %w", err)
	}
	defer tx.Rollback()

	for commitment, note := range pending.Notes {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO note_commitments (position, commitment) VALUES ($1, $2)",
			note.Position, commitment[:]); err != nil {
			return fmt.Errorf("pgstore: insert note commitment: %w", err)
		}
	}

	for _, n := range pending.SpentNullifiers.All() {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO nullifiers (nullifier, block_height) VALUES ($1, $2)",
			n[:], pending.Height); err != nil {
			return fmt.Errorf("pgstore: insert nullifier: %w", err)
		}
	}

	for assetID, denom := range pending.NewAssets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assets (asset_id, denom) VALUES ($1, $2)
			ON CONFLICT (asset_id) DO UPDATE SET denom = EXCLUDED.denom`,
			assetID[:], denom); err != nil {
			return fmt.Errorf("pgstore: upsert asset: %w", err)
		}
	}

	anchor := crypto.Hash(pending.Tree.Root())
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO blocks (height, app_hash, anchor) VALUES ($1, $2, $3)",
		pending.Height, appHash, anchor[:]); err != nil {
		return fmt.Errorf("pgstore: insert block: %w", err)
	}

	return tx.Commit()
}
