package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/relves/groupchain/internal/storage"
	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/types"
	_ "modernc.org/sqlite"
)

//go:embed group_schema.sql
var groupSchemaSQL string

// openDB opens a SQLite database in WAL mode and applies schema.
func openDB(dbPath, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+ // Balance safety/speed (FULL is slower, OFF risks corruption)
		"&_pragma=wal_autocheckpoint(1000)") // Checkpoint every 1000 pages to prevent WAL accumulation
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return db, nil
}

// GroupDir returns the directory holding a group's database.
func GroupDir(basePath, groupID string) string {
	return filepath.Join(basePath, "groups", groupID)
}

// GroupStore is the SQLite-backed store of one group chain.
type GroupStore struct {
	db      *sql.DB
	groupID string
	dbPath  string
}

// OpenGroupStore opens (creating if needed) the database of groupID.
func OpenGroupStore(basePath, groupID string) (*GroupStore, error) {
	if !chain.ValidGroupID(groupID) {
		return nil, fmt.Errorf("invalid group id %q", groupID)
	}
	dir := GroupDir(basePath, groupID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create group directory: %w", err)
	}

	dbPath := filepath.Join(dir, "chain.db")
	db, err := openDB(dbPath, groupSchemaSQL)
	if err != nil {
		return nil, err
	}
	return &GroupStore{db: db, groupID: groupID, dbPath: dbPath}, nil
}

func (s *GroupStore) Close() error {
	return s.db.Close()
}

func (s *GroupStore) GroupID() string {
	return s.groupID
}

func (s *GroupStore) DBPath() string {
	return s.dbPath
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		slog.Warn("failed to parse timestamp", "field", field, "value", value, "error", err)
	}
	return t
}

// PutGroup upserts the group's metadata row.
func (s *GroupStore) PutGroup(ctx context.Context, meta types.GroupMetadata) error {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = meta.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (group_id, name, currency, genesis_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET
		   name = excluded.name,
		   currency = excluded.currency,
		   genesis_id = excluded.genesis_id,
		   updated_at = excluded.updated_at`,
		string(meta.ID), meta.Name, meta.Currency, meta.GenesisID,
		formatTime(meta.CreatedAt), formatTime(meta.UpdatedAt))
	return err
}

// GetGroup returns the group's metadata or storage.ErrNotFound.
func (s *GroupStore) GetGroup(ctx context.Context) (*types.GroupMetadata, error) {
	var meta types.GroupMetadata
	var id, createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, name, currency, genesis_id, created_at, updated_at
		 FROM groups WHERE group_id = ?`,
		s.groupID).Scan(&id, &meta.Name, &meta.Currency, &meta.GenesisID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	meta.ID = types.GroupID(id)
	meta.CreatedAt = parseTime("created_at", createdAt)
	meta.UpdatedAt = parseTime("updated_at", updatedAt)
	return &meta, nil
}

// LoadBlocks returns every stored block in height order.
func (s *GroupStore) LoadBlocks(ctx context.Context) ([]chain.Block, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT height, body FROM blocks ORDER BY height`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []chain.Block
	for rows.Next() {
		var height uint64
		var body string
		if err := rows.Scan(&height, &body); err != nil {
			return nil, err
		}
		var b chain.Block
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, fmt.Errorf("decode block %d: %w", height, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func insertBlock(ctx context.Context, tx *sql.Tx, b chain.Block) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block %d: %w", b.Height, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO blocks (height, block_id, prev_hash, author_pub, ts_ms, body)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.Height, b.ID, b.PrevHash, b.AuthorPub, b.TsMs, string(body))
	return err
}

func touchGroup(ctx context.Context, tx *sql.Tx, groupID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE groups SET updated_at = ? WHERE group_id = ?`,
		formatTime(time.Now()), groupID)
	return err
}

// AppendBlock stores b as the next block. It fails with
// storage.ErrHeadMismatch unless b extends the stored head.
func (s *GroupStore) AppendBlock(ctx context.Context, b chain.Block) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count uint64
	var headID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), (SELECT block_id FROM blocks ORDER BY height DESC LIMIT 1) FROM blocks`,
	).Scan(&count, &headID)
	if err != nil {
		return err
	}
	if b.Height != count || (count > 0 && headID.String != b.PrevHash) {
		return fmt.Errorf("%w: stored %d blocks, got height %d", storage.ErrHeadMismatch, count, b.Height)
	}

	if err := insertBlock(ctx, tx, b); err != nil {
		return fmt.Errorf("append block: %w", err)
	}
	if err := touchGroup(ctx, tx, s.groupID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceBlocks swaps the stored chain for blocks in one transaction.
func (s *GroupStore) ReplaceBlocks(ctx context.Context, blocks []chain.Block) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks`); err != nil {
		return err
	}
	for _, b := range blocks {
		if err := insertBlock(ctx, tx, b); err != nil {
			return fmt.Errorf("replace blocks: %w", err)
		}
	}
	if err := touchGroup(ctx, tx, s.groupID); err != nil {
		return err
	}
	return tx.Commit()
}
