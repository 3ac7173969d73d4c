package tracker

import (
	"context"
	"math/rand"
	"strings"

	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
)

// Factory makes tracker sessions for a pool. Each Make tries the
// configured trackers in a fresh random order and keeps the first one that
// accepts a connection.
type Factory struct {
	addrs  []Address
	opts   Options
	logger *logging.Logger
	dial   func(ctx context.Context, addr Address, opts Options) (*Conn, error)
}

// NewFactory creates a factory for addrs.
func NewFactory(addrs []Address, opts Options) *Factory {
	opts = opts.withDefaults()
	return &Factory{
		addrs:  append([]Address(nil), addrs...),
		opts:   opts,
		logger: opts.Logger.WithComponent("tracker-factory"),
		dial:   Dial,
	}
}

// Addresses returns the trackers this factory dials.
func (f *Factory) Addresses() []Address {
	return append([]Address(nil), f.addrs...)
}

// Make dials trackers until one answers.
func (f *Factory) Make(ctx context.Context) (*Conn, error) {
	if len(f.addrs) == 0 {
		return nil, errors.NewError(errors.ErrCodeNoTrackers, "no trackers configured").
			WithComponent("tracker-factory")
	}

	var failed []string
	var last error
	for _, i := range rand.Perm(len(f.addrs)) {
		addr := f.addrs[i]
		conn, err := f.dial(ctx, addr, f.opts)
		if err == nil {
			f.logger.Debug("made tracker connection", map[string]interface{}{
				"tracker": addr.String(),
				"conn_id": conn.ID(),
			})
			return conn, nil
		}
		last = err
		failed = append(failed, addr.String())
		f.logger.Debug("tracker unreachable", map[string]interface{}{
			"tracker": addr.String(),
			"error":   err,
		})
		if ctx.Err() != nil {
			break
		}
	}

	return nil, errors.Wrap(errors.ErrCodeTrackerCommunication, last, "unable to reach any tracker").
		WithComponent("tracker-factory").
		WithContext("trackers", strings.Join(failed, ","))
}

// Validate reports the session's last known transport state.
func (f *Factory) Validate(c *Conn) bool {
	ok := c.IsConnected()
	if !ok {
		f.logger.Debug("tracker connection failed validation", map[string]interface{}{
			"conn_id":  c.ID(),
			"last_err": c.LastErr(),
		})
	}
	return ok
}

// Destroy closes the session.
func (f *Factory) Destroy(c *Conn) {
	c.Destroy()
}

// Activate does nothing.
func (f *Factory) Activate(c *Conn) error {
	return nil
}

// Passivate does nothing.
func (f *Factory) Passivate(c *Conn) error {
	return nil
}
