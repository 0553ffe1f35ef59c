// Package group owns the node's group chains. It ties each chain to its
// SQLite store, serializes block application with persistence per group,
// and implements the market, object and view flows on top of the engine.
package group

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relves/groupchain/internal/cas"
	"github.com/relves/groupchain/internal/metrics"
	"github.com/relves/groupchain/internal/storage"
	"github.com/relves/groupchain/internal/storage/sqlite"
	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/identity"
	"github.com/relves/groupchain/pkg/types"
)

var (
	ErrUnknownGroup = errors.New("unknown group")
	ErrGroupExists  = errors.New("group already exists")
	ErrForbidden    = errors.New("forbidden")
)

// DefaultPresenceStaleAfter is how old a presence record may get before it
// is reported stale.
const DefaultPresenceStaleAfter = 5 * time.Minute

// Config holds what a Service needs. Identity, StoreManager and NodeStore
// are required.
type Config struct {
	Identity           *identity.Identity
	Rules              chain.Rules
	StoreManager       *sqlite.StoreManager
	NodeStore          storage.NodeStore
	CAS                *cas.Store
	Metrics            *metrics.Metrics
	PresenceStaleAfter time.Duration
	Logger             *slog.Logger
	Now                func() time.Time
}

// entry is one group: its chain, its store, and the lock that serializes
// block application with persistence.
type entry struct {
	mu    sync.Mutex
	chain *chain.Chain
	store storage.ChainStore
}

// Service manages every group chain this node follows.
type Service struct {
	id         *identity.Identity
	engine     *chain.Engine
	stores     *sqlite.StoreManager
	node       storage.NodeStore
	cas        *cas.Store
	metrics    *metrics.Metrics
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	groups map[string]*entry
}

// Open creates the service and loads every group found on disk.
func Open(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Identity == nil || cfg.StoreManager == nil || cfg.NodeStore == nil {
		return nil, errors.New("group service needs an identity, a store manager and a node store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PresenceStaleAfter <= 0 {
		cfg.PresenceStaleAfter = DefaultPresenceStaleAfter
	}

	s := &Service{
		id:         cfg.Identity,
		engine:     chain.NewEngine(cfg.Rules, chain.WithClock(cfg.Now)),
		stores:     cfg.StoreManager,
		node:       cfg.NodeStore,
		cas:        cfg.CAS,
		metrics:    cfg.Metrics,
		staleAfter: cfg.PresenceStaleAfter,
		logger:     cfg.Logger,
		now:        cfg.Now,
		groups:     make(map[string]*entry),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// load replays every stored chain. Replays run in parallel since each one
// re-verifies every signature.
func (s *Service) load(ctx context.Context) error {
	ids, err := s.stores.ListGroupIDs()
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			store, err := s.stores.GetChainStore(id)
			if err != nil {
				return fmt.Errorf("open group %s: %w", id, err)
			}
			blocks, err := store.LoadBlocks(ctx)
			if err != nil {
				return fmt.Errorf("load group %s: %w", id, err)
			}
			if len(blocks) == 0 {
				s.logger.Warn("skipping group with no blocks", "groupID", id)
				return nil
			}
			c, err := chain.FromBlocks(s.engine, blocks)
			if err != nil {
				return fmt.Errorf("replay group %s: %w", id, err)
			}

			mu.Lock()
			s.groups[id] = &entry{chain: c, store: store}
			mu.Unlock()
			s.metrics.SetHeight(id, c.Head().Height)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("loaded groups", "count", len(s.groups))
	return nil
}

// Identity returns the node identity.
func (s *Service) Identity() *identity.Identity {
	return s.id
}

// Engine returns the engine all chains validate with.
func (s *Service) Engine() *chain.Engine {
	return s.engine
}

// NodeStore returns the node-local store.
func (s *Service) NodeStore() storage.NodeStore {
	return s.node
}

func (s *Service) entry(groupID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	return e, nil
}

// Chain returns the chain of groupID.
func (s *Service) Chain(groupID string) (*chain.Chain, error) {
	e, err := s.entry(groupID)
	if err != nil {
		return nil, err
	}
	return e.chain, nil
}

// Groups returns the ids of all local groups, sorted.
func (s *Service) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary is a group as listed to one of its members.
type Summary struct {
	GroupID  string         `json:"group_id"`
	Name     string         `json:"name"`
	Currency string         `json:"currency"`
	Role     types.Role     `json:"role"`
	Head     chain.BlockRef `json:"head"`
}

// GroupsFor lists the groups in which pub is a member.
func (s *Service) GroupsFor(pub string) []Summary {
	var out []Summary
	for _, id := range s.Groups() {
		c, err := s.Chain(id)
		if err != nil {
			continue
		}
		c.View(func(st *chain.State) {
			if role := st.Role(pub); role != "" {
				out = append(out, Summary{
					GroupID:  id,
					Name:     st.Name,
					Currency: st.Currency,
					Role:     role,
					Head:     st.Head,
				})
			}
		})
	}
	return out
}

// Status summarizes a group for the HTTP surface.
func (s *Service) Status(ctx context.Context, groupID string) (*types.GroupStatus, error) {
	e, err := s.entry(groupID)
	if err != nil {
		return nil, err
	}
	meta, err := e.store.GetGroup(ctx)
	if err != nil {
		return nil, fmt.Errorf("read group metadata: %w", err)
	}
	root, err := e.chain.Root()
	if err != nil {
		return nil, err
	}

	status := &types.GroupStatus{Metadata: *meta, BlocksRoot: hex.EncodeToString(root)}
	e.chain.View(func(st *chain.State) {
		status.Height = st.Head.Height
		status.HeadID = st.Head.ID
		status.Members = len(st.Members)
		status.TotalSupply = st.TotalSupply
	})
	return status, nil
}

// CreateParams describes a new group.
type CreateParams struct {
	GroupID  string // generated when empty
	Name     string
	Currency string
	Policy   *chain.Policy
	Members  []string // signing keys added as members in the genesis block
}

// CreateGroup founds a group with this node as its first admin.
func (s *Service) CreateGroup(ctx context.Context, p CreateParams) (*types.GroupMetadata, error) {
	extra := make([]chain.Transaction, 0, len(p.Members))
	for _, pub := range p.Members {
		extra = append(extra, chain.Tx(&chain.MemberAdd{Pub: pub, Role: types.RoleMember}))
	}
	genesis, err := chain.NewGenesisBlock(s.id, p.GroupID, s.now().UnixMilli(),
		&chain.Genesis{Name: p.Name, Currency: p.Currency, Policy: p.Policy}, extra...)
	if err != nil {
		return nil, err
	}
	c, err := chain.FromBlocks(s.engine, []chain.Block{genesis})
	if err != nil {
		return nil, err
	}
	return s.install(ctx, c)
}

// install persists a verified chain as a new local group.
func (s *Service) install(ctx context.Context, c *chain.Chain) (*types.GroupMetadata, error) {
	groupID := c.GroupID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupExists, groupID)
	}

	store, err := s.stores.GetChainStore(groupID)
	if err != nil {
		return nil, err
	}
	blocks := c.Blocks()
	if err := store.ReplaceBlocks(ctx, blocks); err != nil {
		return nil, fmt.Errorf("persist group: %w", err)
	}

	now := s.now()
	meta := types.GroupMetadata{
		ID:        types.GroupID(groupID),
		GenesisID: blocks[0].ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.View(func(st *chain.State) {
		meta.Name = st.Name
		meta.Currency = st.Currency
	})
	if err := store.PutGroup(ctx, meta); err != nil {
		return nil, fmt.Errorf("persist group metadata: %w", err)
	}

	s.groups[groupID] = &entry{chain: c, store: store}
	s.metrics.SetHeight(groupID, c.Head().Height)
	s.logger.Info("installed group", "groupID", groupID, "name", meta.Name, "height", c.Head().Height)
	return &meta, nil
}

// Submit signs the transactions into the next block of groupID and persists
// it. Nothing changes if validation or persistence fails.
func (s *Service) Submit(ctx context.Context, groupID string, bodies ...chain.TxBody) (chain.Block, error) {
	e, err := s.entry(groupID)
	if err != nil {
		return chain.Block{}, err
	}
	txs := make([]chain.Transaction, len(bodies))
	for i, b := range bodies {
		txs[i] = chain.Tx(b)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.chain.Extend(s.id, s.now().UnixMilli(), txs, func(b chain.Block) error {
		return e.store.AppendBlock(ctx, b)
	})
	s.metrics.Block("local", err)
	if err != nil {
		return chain.Block{}, err
	}
	s.metrics.SetHeight(groupID, b.Height)
	s.logger.Debug("appended block", "groupID", groupID, "height", b.Height, "txs", len(txs))
	return b, nil
}

// ApplyRemoteBlock validates a block received from a peer and appends it.
func (s *Service) ApplyRemoteBlock(ctx context.Context, groupID string, b chain.Block) (chain.BlockRef, error) {
	if b.GroupID != groupID {
		return chain.BlockRef{}, chain.ErrGroupMismatch
	}
	e, err := s.entry(groupID)
	if err != nil {
		return chain.BlockRef{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.chain.Append(b, func(b chain.Block) error {
		return e.store.AppendBlock(ctx, b)
	})
	s.metrics.Block("remote", err)
	if err != nil {
		return chain.BlockRef{}, err
	}
	s.metrics.SetHeight(groupID, b.Height)
	return b.Ref(), nil
}

// Merge outcomes.
const (
	MergeCreated = "created"
	MergeAdopted = "adopted"
	MergeKept    = "kept"
)

// MergeResult reports what MergeSnapshot did.
type MergeResult struct {
	Outcome string         `json:"outcome"`
	Head    chain.BlockRef `json:"head"`
}

// MergeSnapshot verifies a full chain from a peer and runs fork resolution
// against the local one, adopting the candidate only if it is preferred. An
// unknown group is installed as new.
func (s *Service) MergeSnapshot(ctx context.Context, groupID string, blocks []chain.Block) (MergeResult, error) {
	if len(blocks) == 0 {
		return MergeResult{}, chain.ErrEmptyChain
	}
	if blocks[0].GroupID != groupID {
		return MergeResult{}, chain.ErrGroupMismatch
	}

	e, err := s.entry(groupID)
	if errors.Is(err, ErrUnknownGroup) {
		candidate, err := chain.FromBlocks(s.engine, blocks)
		if err != nil {
			s.metrics.Fork("rejected")
			return MergeResult{}, err
		}
		if _, err := s.install(ctx, candidate); err != nil {
			return MergeResult{}, err
		}
		s.metrics.Fork(MergeCreated)
		return MergeResult{Outcome: MergeCreated, Head: candidate.Head()}, nil
	}
	if err != nil {
		return MergeResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	local := e.chain.Blocks()
	if chain.CompareChains(blocks, local) <= 0 {
		s.metrics.Fork(MergeKept)
		return MergeResult{Outcome: MergeKept, Head: e.chain.Head()}, nil
	}
	err = e.chain.Replace(blocks, func(bs []chain.Block) error {
		return e.store.ReplaceBlocks(ctx, bs)
	})
	if err != nil {
		s.metrics.Fork("rejected")
		return MergeResult{}, err
	}

	head := e.chain.Head()
	s.metrics.Fork(MergeAdopted)
	s.metrics.SetHeight(groupID, head.Height)
	s.logger.Info("adopted peer chain", "groupID", groupID, "height", head.Height, "replacedHeight", local[len(local)-1].Height)
	return MergeResult{Outcome: MergeAdopted, Head: head}, nil
}

// authorize checks pub's membership against the current head of groupID.
func (s *Service) authorize(groupID, pub string) (*chain.Chain, types.Role, chain.BlockRef, error) {
	c, err := s.Chain(groupID)
	if err != nil {
		return nil, "", chain.BlockRef{}, err
	}
	role, ref, err := c.Authorize(pub)
	if err != nil {
		return nil, "", chain.BlockRef{}, err
	}
	return c, role, ref, nil
}

// SnapshotFor returns the chain of groupID for member pub, pinned to the head
// pub was authorized at. chain.ErrStaleState means the head moved in between
// and the caller should retry.
func (s *Service) SnapshotFor(groupID, pub string) ([]chain.Block, error) {
	c, _, ref, err := s.authorize(groupID, pub)
	if err != nil {
		return nil, err
	}
	blocks, _, err := c.SnapshotAt(ref)
	return blocks, err
}

// Authorize returns pub's role in groupID.
func (s *Service) Authorize(groupID, pub string) (types.Role, error) {
	_, role, _, err := s.authorize(groupID, pub)
	return role, err
}

// memberState returns the state of groupID as seen by member pub.
func (s *Service) memberState(groupID, pub string) (*chain.State, error) {
	c, _, ref, err := s.authorize(groupID, pub)
	if err != nil {
		return nil, err
	}
	return c.StateAt(ref)
}

// Close releases the group stores.
func (s *Service) Close() error {
	return s.stores.CloseAll()
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
