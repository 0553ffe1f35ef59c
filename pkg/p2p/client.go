package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/group"
	"github.com/relves/groupchain/pkg/identity"
	"github.com/relves/groupchain/pkg/secure"
	"github.com/relves/groupchain/pkg/types"
)

// Client issues calls over one secure session. Calls are sequential; a
// Client is safe for concurrent use but serializes them.
type Client struct {
	sess *secure.Session

	mu     sync.Mutex
	nextID uint64
}

// Dial connects to addr and runs the client handshake.
func Dial(ctx context.Context, addr string, id *identity.Identity, cfg secure.Config) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sess, err := secure.Client(ctx, conn, id, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return NewClient(sess), nil
}

// NewClient wraps an established session.
func NewClient(sess *secure.Session) *Client {
	return &Client{sess: sess, nextID: 1}
}

// Session returns the underlying session.
func (c *Client) Session() *secure.Session { return c.sess }

// Close closes the session.
func (c *Client) Close() error { return c.sess.Close() }

// Call sends method with params and decodes the result into out, which may
// be nil. A remote failure is returned as *Error. The context bounds the
// whole exchange; when it expires the session is closed.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		raw = b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++

	stop := context.AfterFunc(ctx, func() { c.sess.Close() })
	defer stop()

	if err := c.sess.Send(Request{ID: id, Method: method, Params: raw}); err != nil {
		return c.ctxErr(ctx, fmt.Errorf("send %s: %w", method, err))
	}
	var resp Response
	if err := c.sess.Receive(&resp); err != nil {
		return c.ctxErr(ctx, fmt.Errorf("receive %s: %w", method, err))
	}
	if resp.ID != id {
		c.sess.Close()
		return fmt.Errorf("response id %d does not match request %d", resp.ID, id)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	var res PingResult
	if err := c.Call(ctx, types.MethodPing, nil, &res); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(res.TsMs), nil
}

func (c *Client) NodeInfo(ctx context.Context) (*NodeInfo, error) {
	var res NodeInfo
	if err := c.Call(ctx, types.MethodNodeInfo, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GroupList(ctx context.Context) ([]group.Summary, error) {
	var res GroupListResult
	if err := c.Call(ctx, types.MethodGroupList, nil, &res); err != nil {
		return nil, err
	}
	return res.Groups, nil
}

// GetSnapshot fetches the full chain of groupID.
func (c *Client) GetSnapshot(ctx context.Context, groupID string) (*Snapshot, error) {
	var res Snapshot
	if err := c.Call(ctx, types.MethodGroupGetSnapshot, GroupParams{GroupID: groupID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PushSnapshot offers a full chain to the remote node for fork resolution.
func (c *Client) PushSnapshot(ctx context.Context, groupID string, blocks []chain.Block) (*group.MergeResult, error) {
	var res group.MergeResult
	if err := c.Call(ctx, types.MethodGroupPushSnapshot, PushSnapshotParams{GroupID: groupID, Blocks: blocks}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PushBlock sends one block extending the remote head.
func (c *Client) PushBlock(ctx context.Context, b chain.Block) (chain.BlockRef, error) {
	var res PushBlockResult
	if err := c.Call(ctx, types.MethodGroupPushBlock, PushBlockParams{GroupID: b.GroupID, Block: b}, &res); err != nil {
		return chain.BlockRef{}, err
	}
	return res.Head, nil
}

func (c *Client) CASGet(ctx context.Context, ref string) (*Object, error) {
	var res Object
	if err := c.Call(ctx, types.MethodCASGet, CASGetParams{Ref: ref}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CASPut(ctx context.Context, p CASPutParams) (*CASPutResult, error) {
	var res CASPutResult
	if err := c.Call(ctx, types.MethodCASPut, p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListOffers(ctx context.Context) (*group.Offers, error) {
	var res group.Offers
	if err := c.Call(ctx, types.MethodMarketListOffers, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Announce sends a signed catalog announcement.
func (c *Client) Announce(ctx context.Context, a *group.Announcement) (int, error) {
	var res AnnounceResult
	if err := c.Call(ctx, types.MethodMarketAnnounceOffers, a, &res); err != nil {
		return 0, err
	}
	return res.Accepted, nil
}

// Purchase asks the remote node to carry a buyer-signed purchase.
func (c *Client) Purchase(ctx context.Context, p PurchaseParams) (*group.PurchaseResult, error) {
	var res group.PurchaseResult
	if err := c.Call(ctx, types.MethodMarketPurchase, p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) PresenceList(ctx context.Context, groupID string) ([]group.PresenceView, error) {
	var res PresenceListResult
	if err := c.Call(ctx, types.MethodPresenceList, GroupParams{GroupID: groupID}, &res); err != nil {
		return nil, err
	}
	return res.Presence, nil
}

func (c *Client) TaskList(ctx context.Context, groupID string) ([]chain.TaskRecord, error) {
	var res TaskListResult
	if err := c.Call(ctx, types.MethodTaskList, GroupParams{GroupID: groupID}, &res); err != nil {
		return nil, err
	}
	return res.Tasks, nil
}
