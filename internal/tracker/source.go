package tracker

import (
	"context"
	"sync"

	"github.com/example/ride-dash/internal/models"
)

// Reading is one report from a device position stream.
type Reading struct {
	Position models.Position
	Err      error
}

type WatchOptions struct {
	HighAccuracy bool
}

// PositionSource is a driver device's continuous position stream. The
// returned channel is closed once ctx is done; cancelling ctx is how a
// watch is released.
type PositionSource interface {
	Watch(ctx context.Context, driverID string, opts WatchOptions) (<-chan Reading, error)
}

// ChannelSource is a PositionSource fed by devices pushing readings to the
// server. Each reading fans out to every open watch of that driver.
type ChannelSource struct {
	mu       sync.Mutex
	watchers map[string]map[*sourceWatch]struct{}
}

type sourceWatch struct {
	ch chan Reading
}

func NewChannelSource() *ChannelSource {
	return &ChannelSource{watchers: make(map[string]map[*sourceWatch]struct{})}
}

func (c *ChannelSource) Watch(ctx context.Context, driverID string, _ WatchOptions) (<-chan Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &sourceWatch{ch: make(chan Reading, 4)}
	c.mu.Lock()
	if c.watchers[driverID] == nil {
		c.watchers[driverID] = make(map[*sourceWatch]struct{})
	}
	c.watchers[driverID][w] = struct{}{}
	c.mu.Unlock()

	context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		set := c.watchers[driverID]
		delete(set, w)
		if len(set) == 0 {
			delete(c.watchers, driverID)
		}
		close(w.ch)
	})
	return w.ch, nil
}

// Report delivers a position to the driver's watches and returns how many
// took it. A watch that is behind misses the reading.
func (c *ChannelSource) Report(driverID string, pos models.Position) int {
	return c.send(driverID, Reading{Position: pos})
}

// Fail delivers a device error to the driver's watches.
func (c *ChannelSource) Fail(driverID string, err error) int {
	return c.send(driverID, Reading{Err: err})
}

func (c *ChannelSource) send(driverID string, r Reading) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for w := range c.watchers[driverID] {
		select {
		case w.ch <- r:
			n++
		default:
		}
	}
	return n
}

// Watching reports the number of open watches for driverID.
func (c *ChannelSource) Watching(driverID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers[driverID])
}
