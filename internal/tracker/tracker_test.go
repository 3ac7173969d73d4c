package tracker

import (
	"context"
	stderr "errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/mogilefs/internal/mogiletest"
	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
)

var quiet = Options{Logger: logging.Nop(), DialTimeout: time.Second, IOTimeout: 2 * time.Second}

func TestParseAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{"10.0.0.1:7001", Address{"10.0.0.1", 7001}, false},
		{"tracker.example.com:6001", Address{"tracker.example.com", 6001}, false},
		{" host:1 ", Address{"host", 1}, false},
		{"[::1]:7001", Address{"::1", 7001}, false},
		{"host", Address{}, true},
		{"host:", Address{}, true},
		{":7001", Address{}, true},
		{"host:port", Address{}, true},
		{"host:70000", Address{}, true},
		{"host:0", Address{}, true},
		{"my host:7001", Address{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, stderr.Is(err, errors.ErrBadHostFormat))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "[::1]:7001", Address{"::1", 7001}.String())
}

func TestParseAddresses(t *testing.T) {
	t.Parallel()

	addrs, err := ParseAddresses([]string{"a:1,b:2", "", "c:3"})
	require.NoError(t, err)
	assert.Equal(t, []Address{{"a", 1}, {"b", 2}, {"c", 3}}, addrs)

	_, err = ParseAddresses(nil)
	assert.True(t, stderr.Is(err, errors.ErrBadHostFormat))

	_, err = ParseAddresses([]string{"a:1", "nope"})
	assert.True(t, stderr.Is(err, errors.ErrBadHostFormat))
}

func TestEncodeRequest(t *testing.T) {
	t.Parallel()

	line := EncodeRequest("create_open", "domain", "test", "key", "a b&c=d", "class", "")
	assert.Equal(t, "create_open domain=test&key=a+b%26c%3Dd&class=\r\n", line)
	assert.Equal(t, "noop \r\n", EncodeRequest("noop"))
}

func TestDecodeReply(t *testing.T) {
	t.Parallel()

	resp, serr, err := DecodeReply("OK fid=12&devid=3&path=http%3A%2F%2Fh%3A7500%2Fdev3%2F0%2F000%2F000%2F0000000012.fid")
	require.NoError(t, err)
	require.Nil(t, serr)
	assert.Equal(t, "12", resp["fid"])
	assert.Equal(t, "http://h:7500/dev3/0/000/000/0000000012.fid", resp["path"])
	n, err := resp.Int("fid")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	_, err = resp.Int("missing")
	assert.Error(t, err)

	resp, serr, err = DecodeReply("OK")
	require.NoError(t, err)
	assert.Nil(t, serr)
	assert.Empty(t, resp)

	resp, serr, err = DecodeReply("OK key=a+b&empty=\r\n")
	require.NoError(t, err)
	assert.Nil(t, serr)
	assert.Equal(t, Response{"key": "a b", "empty": ""}, resp)

	_, serr, err = DecodeReply("ERR unknown_key Unknown+key")
	require.NoError(t, err)
	require.NotNil(t, serr)
	assert.Equal(t, "unknown_key", serr.Code)
	assert.Equal(t, "Unknown key", serr.Message)
	assert.Equal(t, "tracker error: unknown_key: Unknown key", serr.Error())

	_, serr, err = DecodeReply("ERR none_match")
	require.NoError(t, err)
	assert.Equal(t, "none_match", serr.Code)
	assert.Equal(t, "", serr.Message)

	_, _, err = DecodeReply("HTTP/1.0 400 Bad Request")
	assert.Error(t, err)

	_, _, err = DecodeReply("OK bad=%zz")
	assert.Error(t, err)
}

func dialFake(t *testing.T) (*mogiletest.Cluster, *Conn) {
	t.Helper()
	cluster := mogiletest.Start(t)
	addr, err := ParseAddress(cluster.Tracker.Addr())
	require.NoError(t, err)
	conn, err := Dial(context.Background(), addr, quiet)
	require.NoError(t, err)
	t.Cleanup(conn.Destroy)
	return cluster, conn
}

func TestConnRoundTrip(t *testing.T) {
	cluster, conn := dialFake(t)
	ctx := context.Background()

	resp, err := conn.DoRequest(ctx, "create_open", "domain", "d", "class", "c", "key", "k")
	require.NoError(t, err)
	assert.Equal(t, "1", resp["fid"])
	assert.True(t, strings.HasPrefix(resp["path"], cluster.Storage.URL()))
	assert.True(t, conn.IsConnected())

	reqs := cluster.Tracker.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "create_open", reqs[0].Command)
	assert.Equal(t, map[string]string{"domain": "d", "class": "c", "key": "k"}, reqs[0].Args)
}

func TestConnServerErrorKeepsConnection(t *testing.T) {
	_, conn := dialFake(t)
	ctx := context.Background()

	_, err := conn.DoRequest(ctx, "get_paths", "domain", "d", "key", "missing")
	var serr *ServerError
	require.True(t, stderr.As(err, &serr))
	assert.Equal(t, "unknown_key", serr.Code)
	assert.Equal(t, "unknown_key", conn.LastErr())
	assert.Equal(t, "Unknown key", conn.LastErrStr())
	assert.True(t, conn.IsConnected())

	_, err = conn.DoRequest(ctx, "noop")
	require.NoError(t, err)
	assert.Equal(t, "", conn.LastErr())
}

func TestConnTransportFailureDisconnects(t *testing.T) {
	cluster, conn := dialFake(t)
	cluster.Tracker.DropNext(1)

	_, err := conn.DoRequest(context.Background(), "noop")
	require.Error(t, err)
	assert.True(t, stderr.Is(err, errors.ErrTrackerCommunication))
	assert.True(t, errors.IsRetryable(err))
	assert.False(t, conn.IsConnected())
	assert.Equal(t, "socket", conn.LastErr())

	_, err = conn.DoRequest(context.Background(), "noop")
	assert.True(t, stderr.Is(err, errors.ErrTrackerCommunication))
}

func TestConnMalformedReplyDisconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 256)
		_, _ = c.Read(buf)
		_, _ = c.Write([]byte("WHAT\r\n"))
		_, _ = c.Read(buf)
	}()

	addr, _ := ParseAddress(ln.Addr().String())
	conn, err := Dial(context.Background(), addr, quiet)
	require.NoError(t, err)
	defer conn.Destroy()

	_, err = conn.DoRequest(context.Background(), "noop")
	assert.True(t, stderr.Is(err, errors.ErrTrackerCommunication))
	assert.False(t, conn.IsConnected())
}

func TestConnTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		<-done
	}()

	addr, _ := ParseAddress(ln.Addr().String())
	opts := quiet
	opts.IOTimeout = 50 * time.Millisecond
	conn, err := Dial(context.Background(), addr, opts)
	require.NoError(t, err)
	defer conn.Destroy()

	start := time.Now()
	_, err = conn.DoRequest(context.Background(), "noop")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, conn.IsConnected())
}

func TestConnContextCancel(t *testing.T) {
	cluster, conn := dialFake(t)
	cluster.Tracker.SetSleepUnit(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := conn.DoRequest(ctx, "sleep", "duration", "5")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, conn.IsConnected())
}

func TestConnCanceledContextNotReused(t *testing.T) {
	_, conn := dialFake(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The reply may or may not win the race with the expired deadline.
	_, _ = conn.DoRequest(ctx, "noop")
	assert.False(t, conn.IsConnected())

	_, other := dialFake(t)
	_, err := other.DoRequest(context.Background(), "noop")
	require.NoError(t, err)
	assert.True(t, other.IsConnected())
}

func TestConnOddArguments(t *testing.T) {
	_, conn := dialFake(t)
	_, err := conn.DoRequest(context.Background(), "delete", "domain")
	assert.Equal(t, errors.ErrCodeClientError, errors.CodeOf(err))
	assert.True(t, conn.IsConnected())
}

func TestDestroyIdempotent(t *testing.T) {
	_, conn := dialFake(t)
	conn.Destroy()
	conn.Destroy()
	assert.False(t, conn.IsConnected())
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), Address{"127.0.0.1", 1}, quiet)
	require.Error(t, err)
	assert.True(t, stderr.Is(err, errors.ErrTrackerCommunication))
}

func TestFactory(t *testing.T) {
	cluster := mogiletest.Start(t)
	good, _ := ParseAddress(cluster.Tracker.Addr())
	bad := Address{"127.0.0.1", 1}

	f := NewFactory([]Address{bad, good}, quiet)
	assert.Equal(t, []Address{bad, good}, f.Addresses())

	for i := 0; i < 5; i++ {
		conn, err := f.Make(context.Background())
		require.NoError(t, err)
		assert.Equal(t, good, conn.Address())
		assert.True(t, f.Validate(conn))
		assert.NoError(t, f.Activate(conn))
		assert.NoError(t, f.Passivate(conn))
		f.Destroy(conn)
		assert.False(t, f.Validate(conn))
	}

	_, err := NewFactory([]Address{bad}, quiet).Make(context.Background())
	require.Error(t, err)
	assert.True(t, stderr.Is(err, errors.ErrTrackerCommunication))

	_, err = NewFactory(nil, quiet).Make(context.Background())
	assert.True(t, stderr.Is(err, errors.ErrNoTrackers))
}
