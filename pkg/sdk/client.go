// Package sdk provides the client-side library for the Celerix address book.
// It supports both remote connections via TCP/TLS and a local embedded mode.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// ClientOptions tunes a remote client.
type ClientOptions struct {
	// TLS dials with TLS, accepting the daemon's self-signed certificate.
	TLS bool
	// Timeout bounds each request when the context has no deadline. Default 30s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client is a remote client for the address book daemon.
// It implements the AddressBook interface.
type Client struct {
	addr string
	opts ClientOptions

	mu     sync.Mutex // Serializes requests on the connection
	link   *link
	gen    int
	closed bool

	wmu      sync.Mutex
	watchers map[string]func(int)
}

// link is one live connection with its reader goroutine.
type link struct {
	conn    net.Conn
	replies chan string
	done    chan struct{} // closed by the reader when the connection fails
	stop    chan struct{} // closed when the client drops the connection
	err     error
}

// Connect establishes a TLS-encrypted connection to a remote daemon.
// If CELERIX_DISABLE_TLS is set to "true", it falls back to plain TCP.
func Connect(addr string) (*Client, error) {
	return ConnectWith(addr, ClientOptions{TLS: os.Getenv("CELERIX_DISABLE_TLS") != "true"})
}

// ConnectWith connects with explicit options.
func ConnectWith(addr string, opts ClientOptions) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{addr: addr, opts: opts, watchers: make(map[string]func(int))}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	c.drop()

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}

	var conn net.Conn
	var err error
	if c.opts.TLS {
		config := &tls.Config{
			InsecureSkipVerify: true, // The daemon uses a self-signed cert
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	} else {
		conn, err = dialer.Dial("tcp", c.addr)
	}
	if err != nil {
		return err
	}

	l := &link{conn: conn, replies: make(chan string, 1), done: make(chan struct{}), stop: make(chan struct{})}
	c.link = l
	c.gen++
	go c.readLoop(l)
	return nil
}

func (c *Client) drop() {
	if c.link != nil {
		close(c.link.stop)
		c.link.conn.Close()
		c.link = nil
	}
	c.wmu.Lock()
	clear(c.watchers)
	c.wmu.Unlock()
}

func (c *Client) readLoop(l *link) {
	reader := bufio.NewReader(l.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			l.err = err
			close(l.done)
			return
		}
		line = strings.TrimSpace(line)
		if payload, ok := strings.CutPrefix(line, "EVENT "); ok {
			c.dispatch(payload)
			continue
		}
		select {
		case l.replies <- line:
		case <-l.stop:
			return
		}
	}
}

func (c *Client) dispatch(payload string) {
	var ev schema.CountEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.opts.Logger.Warn("malformed event from daemon", "payload", payload)
		return
	}
	c.wmu.Lock()
	fn := c.watchers[ev.View]
	c.wmu.Unlock()
	if fn != nil {
		fn(ev.Count)
	}
}

// request sends one command and returns the reply payload, without the
// "OK" prefix. Idempotent commands are retried on a fresh connection.
func (c *Client) request(ctx context.Context, cmd string, idempotent bool) (string, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", 0, ErrClosed
	}

	attempts := 1
	if idempotent {
		attempts = 3
	}

	var err error
	for i := 0; i < attempts; i++ {
		// Ensure we have a connection
		if c.link == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		var resp string
		resp, err = c.roundTrip(ctx, c.link, cmd)
		if err == nil {
			if msg, ok := strings.CutPrefix(resp, "ERR"); ok {
				return "", c.gen, errors.New(strings.TrimSpace(msg))
			}
			if resp == "OK" || resp == "PONG" {
				return resp, c.gen, nil
			}
			return strings.TrimPrefix(resp, "OK "), c.gen, nil
		}

		// The reply may still arrive later; the connection cannot be reused.
		c.drop()
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		c.opts.Logger.Warn("request failed", "attempt", i+1, "error", err)

		// Wait before retrying (exponential backoff)
		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", 0, fmt.Errorf("failed after %d attempts. last error: %w", attempts, err)
}

func (c *Client) roundTrip(ctx context.Context, l *link, cmd string) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.Timeout)
	}
	l.conn.SetWriteDeadline(deadline)
	if _, err := fmt.Fprint(l.conn, cmd+"\n"); err != nil {
		return "", err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case resp := <-l.replies:
		return resp, nil
	case <-l.done:
		return "", l.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", errors.New("request timed out")
	}
}

func (c *Client) decode(ctx context.Context, cmd string, idempotent bool, out any) error {
	resp, _, err := c.request(ctx, cmd, idempotent)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(resp), out)
}

func quote(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// Ping checks the daemon is answering.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.request(ctx, "PING", true)
	return err
}

func (c *Client) Query(ctx context.Context, req schema.QueryRequest) (View, error) {
	resp, gen, err := c.request(ctx, "QUERY "+quote(req), false)
	if err != nil {
		return nil, err
	}
	var info schema.ViewInfo
	if err := json.Unmarshal([]byte(resp), &info); err != nil {
		return nil, err
	}
	return &remoteView{client: c, info: info, gen: gen}, nil
}

func (c *Client) CreateContact(ctx context.Context, vcard string) (string, error) {
	var id string
	err := c.decode(ctx, "CREATE "+quote(vcard), false, &id)
	return id, err
}

func (c *Client) UpdateContacts(ctx context.Context, vcards []string) ([]string, error) {
	var out []string
	err := c.decode(ctx, "UPDATE "+quote(vcards), true, &out)
	return out, err
}

func (c *Client) RemoveContacts(ctx context.Context, ids []string) (int, error) {
	resp, _, err := c.request(ctx, "REMOVE "+quote(ids), false)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

func (c *Client) LookupByVCard(ctx context.Context, vcard string) (string, error) {
	var id string
	err := c.decode(ctx, "LOOKUP "+quote(vcard), true, &id)
	return id, err
}

func (c *Client) SortFields(ctx context.Context) ([]string, error) {
	var out []string
	err := c.decode(ctx, "SORT_FIELDS", true, &out)
	return out, err
}

func (c *Client) Sources(ctx context.Context) ([]schema.SourceInfo, error) {
	var out []schema.SourceInfo
	err := c.decode(ctx, "SOURCES", true, &out)
	return out, err
}

// Close says goodbye and closes the connection. Views opened through the
// client are closed by the daemon.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.link != nil {
		c.link.conn.SetWriteDeadline(time.Now().Add(time.Second))
		fmt.Fprint(c.link.conn, "QUIT\n")
	}
	c.drop()
	return nil
}

// remoteView is a view living on the daemon, bound to the connection that
// opened it.
type remoteView struct {
	client *Client
	info   schema.ViewInfo
	gen    int
}

func (v *remoteView) ID() string            { return v.info.ID }
func (v *remoteView) Info() schema.ViewInfo { return v.info }

// call runs a view command, refusing when the connection was replaced.
func (v *remoteView) call(ctx context.Context, cmd string) (string, error) {
	v.client.mu.Lock()
	stale := v.client.gen != v.gen || v.client.link == nil
	v.client.mu.Unlock()
	if stale {
		return "", ErrDisconnected
	}
	resp, gen, err := v.client.request(ctx, cmd, false)
	if err == nil && gen != v.gen {
		return "", ErrDisconnected
	}
	return resp, err
}

func (v *remoteView) Count(ctx context.Context) (int, error) {
	resp, err := v.call(ctx, "COUNT "+v.info.ID)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

func (v *remoteView) Fetch(ctx context.Context, fields []string, start, size int) ([]string, error) {
	cmd := fmt.Sprintf("FETCH %s %d %d", v.info.ID, start, size)
	if len(fields) > 0 {
		cmd += " " + strings.Join(fields, ",")
	}
	resp, err := v.call(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var out []string
	err = json.Unmarshal([]byte(resp), &out)
	return out, err
}

func (v *remoteView) Sort(ctx context.Context, clause string) ([]string, error) {
	resp, err := v.call(ctx, strings.TrimSpace("SORT "+v.info.ID+" "+clause))
	if err != nil {
		return nil, err
	}
	var rejected []string
	err = json.Unmarshal([]byte(resp), &rejected)
	return rejected, err
}

func (v *remoteView) Watch(ctx context.Context, fn func(count int)) error {
	v.client.wmu.Lock()
	v.client.watchers[v.info.ID] = fn
	v.client.wmu.Unlock()
	_, err := v.call(ctx, "WATCH "+v.info.ID)
	return err
}

func (v *remoteView) Close() error {
	v.client.wmu.Lock()
	delete(v.client.watchers, v.info.ID)
	v.client.wmu.Unlock()
	_, err := v.call(context.Background(), "CLOSE "+v.info.ID)
	if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
