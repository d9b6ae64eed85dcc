package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
)

// ZKConfig configures the ZooKeeper-backed client.
type ZKConfig struct {
	Servers        []string
	SessionTimeout time.Duration
	ConnectTimeout time.Duration
}

// zkClient implements Client over a ZooKeeper ensemble. One zkClient equals
// one ZooKeeper session, so ephemeral nodes created through it follow the
// session lifecycle the engine relies on for claims and registrations.
type zkClient struct {
	conn *zk.Conn
}

// DialZK connects to the ensemble and waits up to the connect timeout for a
// session. A wait that times out is retried up to three more times with
// exponential backoff before DialZK gives up.
func DialZK(cfg ZKConfig) (Client, error) {
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper %v: %w", cfg.Servers, err)
	}

	wait := func() error {
		for {
			select {
			case ev := <-events:
				if ev.State == zk.StateHasSession {
					return nil
				}
			case <-time.After(cfg.ConnectTimeout):
				return fmt.Errorf("no zookeeper session after %s", cfg.ConnectTimeout)
			}
		}
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(wait, policy); err != nil {
		conn.Close()
		return nil, err
	}
	return &zkClient{conn: conn}, nil
}

func mapZKError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		return ErrNodeExists
	case errors.Is(err, zk.ErrNoNode):
		return ErrNoNode
	case errors.Is(err, zk.ErrBadVersion):
		return ErrBadVersion
	case errors.Is(err, zk.ErrNotEmpty):
		return ErrNotEmpty
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		return ErrClosed
	default:
		return err
	}
}

func zkFlags(mode CreateMode) int32 {
	if mode == Ephemeral {
		return zk.FlagEphemeral
	}
	return 0
}

func (c *zkClient) Create(ctx context.Context, p string, data []byte, mode CreateMode) error {
	_, err := c.conn.Create(p, data, zkFlags(mode), zk.WorldACL(zk.PermAll))
	return mapZKError(err)
}

func (c *zkClient) Get(ctx context.Context, p string) (Node, error) {
	data, stat, err := c.conn.Get(p)
	if err != nil {
		return Node{}, mapZKError(err)
	}
	return Node{Data: data, Version: stat.Version, Exists: true}, nil
}

func (c *zkClient) Set(ctx context.Context, p string, data []byte, version int32) error {
	_, err := c.conn.Set(p, data, version)
	return mapZKError(err)
}

func (c *zkClient) Delete(ctx context.Context, p string, version int32) error {
	return mapZKError(c.conn.Delete(p, version))
}

func (c *zkClient) Children(ctx context.Context, p string) ([]string, error) {
	children, _, err := c.conn.Children(p)
	return children, mapZKError(err)
}

func (c *zkClient) ChildrenW(ctx context.Context, p string) ([]string, <-chan struct{}, error) {
	children, _, events, err := c.conn.ChildrenW(p)
	if err != nil {
		return nil, nil, mapZKError(err)
	}
	fired := make(chan struct{})
	go func() {
		<-events
		close(fired)
	}()
	return children, fired, nil
}

func (c *zkClient) Exists(ctx context.Context, p string) (bool, error) {
	ok, _, err := c.conn.Exists(p)
	return ok, mapZKError(err)
}

func (c *zkClient) Multi(ctx context.Context, ops ...Op) error {
	reqs := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		switch o := op.(type) {
		case CreateOp:
			reqs = append(reqs, &zk.CreateRequest{
				Path:  o.Path,
				Data:  o.Data,
				Acl:   zk.WorldACL(zk.PermAll),
				Flags: zkFlags(o.Mode),
			})
		case SetOp:
			reqs = append(reqs, &zk.SetDataRequest{Path: o.Path, Data: o.Data, Version: o.Version})
		case DeleteOp:
			reqs = append(reqs, &zk.DeleteRequest{Path: o.Path, Version: o.Version})
		case CheckOp:
			reqs = append(reqs, &zk.CheckVersionRequest{Path: o.Path, Version: o.Version})
		}
	}

	responses, err := c.conn.Multi(reqs...)
	if err == nil {
		return nil
	}

	opIndex := -1
	opErr := mapZKError(err)
	for i, resp := range responses {
		if resp.Error != nil {
			opIndex = i
			opErr = mapZKError(resp.Error)
			break
		}
	}
	return &TxnError{OpIndex: opIndex, Ops: ops, Err: opErr}
}

func (c *zkClient) Close() error {
	c.conn.Close()
	return nil
}
