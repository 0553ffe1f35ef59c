// Package cas is the node's content-addressed object store. Objects are
// keyed by the hex SHA-256 of their bytes and carry a visibility record
// deciding who may read them over the wire.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/relves/groupchain/pkg/types"
)

// DefaultMaxObjectSize bounds a single object.
const DefaultMaxObjectSize = 100 << 20

var (
	ErrNotFound    = errors.New("object not found")
	ErrTooLarge    = errors.New("object too large")
	ErrInvalidRef  = errors.New("invalid object reference")
	ErrCorrupt     = errors.New("object does not match its hash")
	ErrBadMetadata = errors.New("invalid object metadata")
	ErrOwned       = errors.New("object owned by another group")
)

// Meta describes who may read an object and what it is.
type Meta struct {
	Visibility types.Visibility `json:"visibility"`
	GroupID    string           `json:"group_id,omitempty"`
	Kind       string           `json:"kind,omitempty"`
	Size       int64            `json:"size"`
	CreatedMs  int64            `json:"created_ms"`
}

func (m Meta) validate() error {
	if !m.Visibility.Valid() {
		return fmt.Errorf("%w: visibility %q", ErrBadMetadata, m.Visibility)
	}
	if m.Visibility == types.VisibilityGroup && m.GroupID == "" {
		return fmt.Errorf("%w: group visibility needs a group id", ErrBadMetadata)
	}
	return nil
}

// Config configures a Store.
type Config struct {
	Path          string
	CacheSize     int // objects kept in the read cache, 0 disables it
	MaxObjectSize int
	Logger        *slog.Logger
}

// Store keeps objects and their metadata in LevelDB with an LRU in front of
// object reads.
type Store struct {
	db      *leveldb.DB
	cache   *lru.Cache[string, []byte]
	maxSize int
	logger  *slog.Logger
}

// Open opens or creates the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxObjectSize <= 0 {
		cfg.MaxObjectSize = DefaultMaxObjectSize
	}

	db, err := leveldb.OpenFile(cfg.Path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cas database: %w", err)
	}

	s := &Store{db: db, maxSize: cfg.MaxObjectSize, logger: cfg.Logger}
	if cfg.CacheSize > 0 {
		s.cache, err = lru.New[string, []byte](cfg.CacheSize)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create cas cache: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func objKey(h string) []byte  { return []byte("obj:" + h) }
func metaKey(h string) []byte { return []byte("meta:" + h) }

// Hash returns the hex SHA-256 of data, the key objects are stored under.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its hash. Storing the same bytes again keeps
// the owner: a public object stays public and a group object cannot move to
// another group. Publishing a group object is left to the caller to authorize.
func (s *Store) Put(data []byte, meta Meta) (string, error) {
	if len(data) > s.maxSize {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), s.maxSize)
	}
	if err := meta.validate(); err != nil {
		return "", err
	}
	if meta.Visibility == types.VisibilityPublic {
		meta.GroupID = ""
	}

	h := Hash(data)
	if prev, err := s.Meta(h); err == nil {
		switch {
		case prev.Visibility == types.VisibilityPublic:
			meta = *prev
		case meta.Visibility == types.VisibilityGroup && meta.GroupID != prev.GroupID:
			return "", fmt.Errorf("%w: %s", ErrOwned, prev.GroupID)
		default:
			meta.CreatedMs = prev.CreatedMs
		}
	}
	if meta.CreatedMs == 0 {
		meta.CreatedMs = time.Now().UnixMilli()
	}
	meta.Size = int64(len(data))

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	batch := new(leveldb.Batch)
	batch.Put(objKey(h), data)
	batch.Put(metaKey(h), metaJSON)
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if s.cache != nil {
		s.cache.Add(h, data)
	}

	s.logger.Debug("stored object", "hash", h, "size", len(data), "visibility", meta.Visibility, "groupID", meta.GroupID)
	return h, nil
}

// Get returns the bytes stored under ref, a hex hash or CID string.
func (s *Store) Get(ref string) ([]byte, error) {
	h, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if data, ok := s.cache.Get(h); ok {
			return data, nil
		}
	}

	data, err := s.db.Get(objKey(h), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	if Hash(data) != h {
		s.logger.Error("object failed integrity check", "hash", h)
		return nil, ErrCorrupt
	}

	if s.cache != nil {
		s.cache.Add(h, data)
	}
	return data, nil
}

// Meta returns the metadata stored for ref.
func (s *Store) Meta(ref string) (*Meta, error) {
	h, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	raw, err := s.db.Get(metaKey(h), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}

// Has reports whether ref is stored.
func (s *Store) Has(ref string) (bool, error) {
	h, err := ParseRef(ref)
	if err != nil {
		return false, err
	}
	return s.db.Has(objKey(h), nil)
}

// Stats counts stored objects by kind.
type Stats struct {
	Objects   int            `json:"object_count"`
	TotalSize int64          `json:"total_size_bytes"`
	ByKind    map[string]int `json:"by_kind"`
}

func (s *Store) Stats() (Stats, error) {
	st := Stats{ByKind: make(map[string]int)}
	iter := s.db.NewIterator(util.BytesPrefix([]byte("meta:")), nil)
	defer iter.Release()

	for iter.Next() {
		var m Meta
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return Stats{}, fmt.Errorf("decode metadata %s: %w", iter.Key(), err)
		}
		st.Objects++
		st.TotalSize += m.Size
		kind := m.Kind
		if kind == "" {
			kind = "unknown"
		}
		st.ByKind[kind]++
	}
	return st, iter.Error()
}
