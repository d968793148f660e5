package control

import (
	"context"
	"net"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

// Client calls a node's control API.
type Client struct {
	conn net.Conn
	cli  *jrpc2.Client
}

// Dial connects to the control API at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, jrpc2.Network(addr), addr)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "control.Dial", oops.Wrapf(err, "dial %s", addr))
	}
	return &Client{
		conn: conn,
		cli:  jrpc2.NewClient(channel.RawJSON(conn, conn), nil),
	}, nil
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	if err := c.cli.CallResult(ctx, ServiceName+"."+method, params, result); err != nil {
		return oops.Wrapf(err, "%s.%s", ServiceName, method)
	}
	return nil
}

// Status calls node.Status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.call(ctx, "Status", nil, &out)
	return out, err
}

// Circuits calls node.Circuits.
func (c *Client) Circuits(ctx context.Context) ([]Circuit, error) {
	var out []Circuit
	err := c.call(ctx, "Circuits", nil, &out)
	return out, err
}

// Bandwidth calls node.Bandwidth.
func (c *Client) Bandwidth(ctx context.Context) (Bandwidth, error) {
	var out Bandwidth
	err := c.call(ctx, "Bandwidth", nil, &out)
	return out, err
}

// Peers calls node.Peers.
func (c *Client) Peers(ctx context.Context) ([]Peer, error) {
	var out []Peer
	err := c.call(ctx, "Peers", nil, &out)
	return out, err
}

// CloseCircuit calls node.CloseCircuit.
func (c *Client) CloseCircuit(ctx context.Context, id uint32) error {
	var ok bool
	return c.call(ctx, "CloseCircuit", CloseCircuitArgs{ID: id}, &ok)
}

// Close releases the connection.
func (c *Client) Close() error {
	c.cli.Close()
	return c.conn.Close()
}
