package failover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/client"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/rs/zerolog"
)

// Remote is the RPC link to the other controller. The connection is opened
// on first use and reopened after it drops.
type Remote struct {
	url      string
	username string
	password string
	logger   zerolog.Logger

	mu sync.Mutex
	c  *client.Client
}

// NewRemote creates a link to the peer websocket endpoint at url, logging
// in with the given credentials.
func NewRemote(url, username, password string) *Remote {
	return &Remote{
		url:      url,
		username: username,
		password: password,
		logger:   log.WithComponent("failover.remote"),
	}
}

// Call invokes method on the peer. Connection problems are reported as
// PeerUnreachable.
func (r *Remote) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.Call(ctx, method, params...)
	if err != nil {
		if errors.Is(err, apierr.ErrPeerUnreachable) || errors.Is(err, client.ErrClosed) {
			r.reset(c)
			return nil, apierr.PeerUnreachable(err)
		}
		return nil, err
	}
	return res, nil
}

// CallInto invokes method on the peer and decodes the result into out.
func (r *Remote) CallInto(ctx context.Context, out any, method string, params ...any) error {
	raw, err := r.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode remote %s result: %w", method, err)
	}
	return nil
}

// Ping checks that the peer answers on the RPC link.
func (r *Remote) Ping(ctx context.Context) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.Ping(ctx); err != nil {
		r.reset(c)
		return apierr.PeerUnreachable(err)
	}
	return nil
}

// Close drops the connection.
func (r *Remote) Close() error {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (r *Remote) conn(ctx context.Context) (*client.Client, error) {
	if r.url == "" {
		return nil, apierr.PeerUnreachable(errors.New("peer URL is not configured"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.c != nil && r.c.Err() == nil {
		return r.c, nil
	}

	c, err := client.Dial(ctx, r.url)
	if err != nil {
		return nil, err
	}
	if r.username != "" {
		if err := c.Login(ctx, r.username, r.password); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to log in to peer: %w", err)
		}
	}
	r.logger.Info().Str("url", r.url).Msg("Connected to peer")
	r.c = c
	return c, nil
}

func (r *Remote) reset(c *client.Client) {
	r.mu.Lock()
	if r.c == c {
		r.c = nil
	}
	r.mu.Unlock()
	_ = c.Close()
}
