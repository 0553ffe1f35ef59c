package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relves/groupchain/internal/storage"
)

//go:embed node_schema.sql
var nodeSchemaSQL string

// NodeStore holds node-local records: peers, subscriptions, offer keys
// and the announced market catalog.
type NodeStore struct {
	db *sql.DB
}

// OpenNodeStore opens basePath/node.db.
func OpenNodeStore(basePath string) (*NodeStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := openDB(filepath.Join(basePath, "node.db"), nodeSchemaSQL)
	if err != nil {
		return nil, err
	}
	return &NodeStore{db: db}, nil
}

func (s *NodeStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func scanNullTime(field string, v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return parseTime(field, v.String)
}

func (s *NodeStore) UpsertPeer(ctx context.Context, p storage.Peer) error {
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peers (addr, sign_pub, name, added_at, last_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(addr) DO UPDATE SET
		   sign_pub = CASE WHEN excluded.sign_pub != '' THEN excluded.sign_pub ELSE peers.sign_pub END,
		   name = CASE WHEN excluded.name != '' THEN excluded.name ELSE peers.name END,
		   last_seen = COALESCE(excluded.last_seen, peers.last_seen)`,
		p.Addr, p.SignPub, p.Name, formatTime(p.AddedAt), nullTime(p.LastSeen))
	return err
}

func scanPeer(row interface{ Scan(...any) error }) (*storage.Peer, error) {
	var p storage.Peer
	var addedAt string
	var lastSeen sql.NullString
	if err := row.Scan(&p.Addr, &p.SignPub, &p.Name, &addedAt, &lastSeen); err != nil {
		return nil, err
	}
	p.AddedAt = parseTime("added_at", addedAt)
	p.LastSeen = scanNullTime("last_seen", lastSeen)
	return &p, nil
}

func (s *NodeStore) GetPeer(ctx context.Context, addr string) (*storage.Peer, error) {
	p, err := scanPeer(s.db.QueryRowContext(ctx,
		`SELECT addr, sign_pub, name, added_at, last_seen FROM peers WHERE addr = ?`, addr))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return p, err
}

func (s *NodeStore) ListPeers(ctx context.Context) ([]storage.Peer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT addr, sign_pub, name, added_at, last_seen FROM peers ORDER BY addr`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []storage.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, *p)
	}
	return peers, rows.Err()
}

// DeletePeer removes the peer and its subscriptions.
func (s *NodeStore) DeletePeer(ctx context.Context, addr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE addr = ?`, addr)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE peer_addr = ?`, addr); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *NodeStore) UpsertSubscription(ctx context.Context, sub storage.Subscription) error {
	enabled := 0
	if sub.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (peer_addr, group_id, enabled, consecutive_failures, next_due, last_sync, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(peer_addr, group_id) DO UPDATE SET
		   enabled = excluded.enabled,
		   consecutive_failures = excluded.consecutive_failures,
		   next_due = excluded.next_due,
		   last_sync = excluded.last_sync,
		   last_error = excluded.last_error`,
		sub.PeerAddr, sub.GroupID, enabled, sub.ConsecutiveFailures,
		formatTime(sub.NextDue), nullTime(sub.LastSync), sub.LastError)
	return err
}

func scanSubscription(row interface{ Scan(...any) error }) (*storage.Subscription, error) {
	var sub storage.Subscription
	var enabled int
	var nextDue string
	var lastSync sql.NullString
	err := row.Scan(&sub.PeerAddr, &sub.GroupID, &enabled, &sub.ConsecutiveFailures,
		&nextDue, &lastSync, &sub.LastError)
	if err != nil {
		return nil, err
	}
	sub.Enabled = enabled != 0
	sub.NextDue = parseTime("next_due", nextDue)
	sub.LastSync = scanNullTime("last_sync", lastSync)
	return &sub, nil
}

const subscriptionColumns = `peer_addr, group_id, enabled, consecutive_failures, next_due, last_sync, last_error`

func (s *NodeStore) GetSubscription(ctx context.Context, peerAddr, groupID string) (*storage.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE peer_addr = ? AND group_id = ?`,
		peerAddr, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return sub, err
}

func (s *NodeStore) ListSubscriptions(ctx context.Context) ([]storage.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY peer_addr, group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []storage.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *NodeStore) PutOfferKey(ctx context.Context, groupID, offerID string, key []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offer_keys (group_id, offer_id, key) VALUES (?, ?, ?)
		 ON CONFLICT(group_id, offer_id) DO UPDATE SET key = excluded.key`,
		groupID, offerID, key)
	return err
}

func (s *NodeStore) GetOfferKey(ctx context.Context, groupID, offerID string) ([]byte, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT key FROM offer_keys WHERE group_id = ? AND offer_id = ?`,
		groupID, offerID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return key, err
}

// PutCatalogOffers upserts announced offers in one transaction.
func (s *NodeStore) PutCatalogOffers(ctx context.Context, offers []storage.CatalogOffer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, o := range offers {
		tags := o.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		if o.AnnouncedAt.IsZero() {
			o.AnnouncedAt = time.Now()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO market_catalog (group_id, offer_id, announcer, seller, title, description, price, tags, announced_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(group_id, offer_id) DO UPDATE SET
			   announcer = excluded.announcer,
			   seller = excluded.seller,
			   title = excluded.title,
			   description = excluded.description,
			   price = excluded.price,
			   tags = excluded.tags,
			   announced_at = excluded.announced_at`,
			o.GroupID, o.OfferID, o.Announcer, o.Seller, o.Title, o.Description, o.Price,
			string(tagsJSON), formatTime(o.AnnouncedAt))
		if err != nil {
			return fmt.Errorf("store offer %s: %w", o.OfferID, err)
		}
	}
	return tx.Commit()
}

func (s *NodeStore) ListCatalog(ctx context.Context) ([]storage.CatalogOffer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, offer_id, announcer, seller, title, description, price, tags, announced_at
		 FROM market_catalog ORDER BY announced_at DESC, offer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []storage.CatalogOffer
	for rows.Next() {
		var o storage.CatalogOffer
		var tags, announcedAt string
		err := rows.Scan(&o.GroupID, &o.OfferID, &o.Announcer, &o.Seller, &o.Title,
			&o.Description, &o.Price, &tags, &announcedAt)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &o.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s: %w", o.OfferID, err)
		}
		o.AnnouncedAt = parseTime("announced_at", announcedAt)
		offers = append(offers, o)
	}
	return offers, rows.Err()
}
