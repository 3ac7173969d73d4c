package tracker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
)

// DefaultIOTimeout bounds a single request/response exchange.
const DefaultIOTimeout = 60 * time.Second

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 5 * time.Second

const maxLineLength = 1 << 20

// Options configures a tracker connection.
type Options struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
	Logger      *logging.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = DefaultIOTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

// Response holds the decoded key/value pairs of an OK reply.
type Response map[string]string

// Int parses a numeric field. A missing field is an error.
func (r Response) Int(key string) (int, error) {
	v, ok := r[key]
	if !ok {
		return 0, fmt.Errorf("response missing %q", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("response field %q=%q is not a number", key, v)
	}
	return n, nil
}

// ServerError is an ERR reply. The connection that produced it stays usable.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "tracker error: " + e.Code
	}
	return fmt.Sprintf("tracker error: %s: %s", e.Code, e.Message)
}

var connIDs atomic.Uint64

// Conn is one session to a tracker. It is bound to a single address for
// its whole life and must not be used by two goroutines at once.
type Conn struct {
	id      uint64
	addr    Address
	opts    Options
	logger  *logging.Logger
	created time.Time

	conn net.Conn
	rw   *bufio.ReadWriter

	mu         sync.Mutex
	connected  bool
	destroyed  bool
	lastErr    string
	lastErrStr string
}

// Dial opens a session to addr.
func Dial(ctx context.Context, addr Address, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTrackerCommunication, err, "unable to connect to tracker").
			WithComponent("tracker").
			WithOperation("dial").
			WithContext("tracker", addr.String())
	}
	return newConn(nc, addr, opts), nil
}

func newConn(nc net.Conn, addr Address, opts Options) *Conn {
	id := connIDs.Add(1)
	c := &Conn{
		id:        id,
		addr:      addr,
		opts:      opts,
		created:   time.Now(),
		conn:      nc,
		rw:        bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc)),
		connected: true,
	}
	c.logger = opts.Logger.WithComponent("tracker").WithFields(map[string]interface{}{
		"tracker": addr.String(),
		"conn_id": id,
	})
	c.logger.Debug("connected to tracker")
	return c
}

// ID is a process-unique identifier, useful in logs.
func (c *Conn) ID() uint64 { return c.id }

// Address returns the tracker this session is bound to.
func (c *Conn) Address() Address { return c.addr }

// CreatedAt is when the session was opened.
func (c *Conn) CreatedAt() time.Time { return c.created }

// IsConnected reports the last known transport state without any I/O.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.destroyed
}

// LastErr returns the code of the most recent failure, or "".
func (c *Conn) LastErr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastErrStr returns the text of the most recent failure, or "".
func (c *Conn) LastErrStr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErrStr
}

// Destroy closes the session. Safe to call more than once.
func (c *Conn) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.connected = false
	c.mu.Unlock()

	_ = c.conn.Close()
	c.logger.Debug("destroyed tracker connection")
}

// DoRequest sends one command and waits for its reply. kv alternates
// argument names and values. An ERR reply returns a *ServerError and leaves
// the session connected; any transport problem returns a retryable
// TRACKER_COMMUNICATION error and marks the session disconnected. So does a
// ctx that is done before the call returns, even when the reply arrived.
func (c *Conn) DoRequest(ctx context.Context, cmd string, kv ...string) (Response, error) {
	if len(kv)%2 != 0 {
		return nil, errors.Newf(errors.ErrCodeClientError, "odd argument list for %s", cmd).
			WithComponent("tracker").WithOperation(cmd)
	}
	if !c.IsConnected() {
		return nil, c.transportFailure(cmd, fmt.Errorf("connection is closed"))
	}

	deadline := time.Now().Add(c.opts.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		// A cancel that fired may still be expiring the socket deadline,
		// so the session cannot be handed to another caller.
		if !stop() {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
		}
	}()

	line := EncodeRequest(cmd, kv...)
	c.logger.Trace("request", map[string]interface{}{"line": strings.TrimSpace(line)})

	if _, err := c.rw.WriteString(line); err != nil {
		return nil, c.transportFailure(cmd, c.ctxErr(ctx, err))
	}
	if err := c.rw.Flush(); err != nil {
		return nil, c.transportFailure(cmd, c.ctxErr(ctx, err))
	}

	reply, err := c.readLine()
	if err != nil {
		return nil, c.transportFailure(cmd, c.ctxErr(ctx, err))
	}
	c.logger.Trace("reply", map[string]interface{}{"line": reply})

	resp, serr, err := DecodeReply(reply)
	if err != nil {
		return nil, c.transportFailure(cmd, err)
	}
	if serr != nil {
		c.setLastErr(serr.Code, serr.Message)
		return nil, serr
	}

	c.setLastErr("", "")
	return resp, nil
}

func (c *Conn) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := c.rw.ReadLine()
		if err != nil {
			return "", err
		}
		sb.Write(chunk)
		if sb.Len() > maxLineLength {
			return "", fmt.Errorf("reply line exceeds %d bytes", maxLineLength)
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

func (c *Conn) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func (c *Conn) transportFailure(cmd string, cause error) error {
	c.mu.Lock()
	c.connected = false
	c.lastErr = "socket"
	c.lastErrStr = cause.Error()
	c.mu.Unlock()

	c.logger.Warn("tracker transport failure", map[string]interface{}{
		"command": cmd,
		"error":   cause,
	})

	return errors.Wrap(errors.ErrCodeTrackerCommunication, cause, "tracker request failed").
		WithComponent("tracker").
		WithOperation(cmd).
		WithContext("tracker", c.addr.String())
}

func (c *Conn) setLastErr(code, text string) {
	c.mu.Lock()
	c.lastErr = code
	c.lastErrStr = text
	c.mu.Unlock()
}

// EncodeRequest frames a command line: "cmd k1=v1&k2=v2\r\n" with keys and
// values form-encoded.
func EncodeRequest(cmd string, kv ...string) string {
	var sb strings.Builder
	sb.WriteString(cmd)
	sb.WriteByte(' ')
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(kv[i]))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(kv[i+1]))
	}
	sb.WriteString("\r\n")
	return sb.String()
}

// DecodeReply parses one reply line (without its terminator). It returns
// the decoded pairs for OK, a *ServerError for ERR, or an error for
// anything it cannot parse.
func DecodeReply(line string) (Response, *ServerError, error) {
	line = strings.TrimRight(line, "\r\n")

	switch {
	case line == "OK":
		return Response{}, nil, nil
	case strings.HasPrefix(line, "OK "):
		resp, err := DecodeArgs(line[3:])
		if err != nil {
			return nil, nil, err
		}
		return resp, nil, nil
	case line == "ERR" || strings.HasPrefix(line, "ERR "):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "ERR"))
		code, text, _ := strings.Cut(rest, " ")
		if unescaped, err := url.QueryUnescape(text); err == nil {
			text = unescaped
		}
		if code == "" {
			code = "unknown"
		}
		return nil, &ServerError{Code: code, Message: text}, nil
	default:
		return nil, nil, fmt.Errorf("malformed tracker reply %q", truncate(line, 80))
	}
}

// DecodeArgs parses "k1=v1&k2=v2" with form decoding. Later duplicates win.
func DecodeArgs(s string) (Response, error) {
	resp := Response{}
	s = strings.TrimSpace(s)
	if s == "" {
		return resp, nil
	}
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("bad key encoding %q: %w", k, err)
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("bad value encoding for %q: %w", key, err)
		}
		resp[key] = val
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
