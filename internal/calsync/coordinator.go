package calsync

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/metrics"
	"github.com/quantumlife/labcal/internal/storage"
)

// Syncer runs one pass for a connection.
type Syncer interface {
	Sync(ctx context.Context, connectionID string) (*Result, error)
}

// Coordinator serializes passes per connection and bounds how many
// connections sync at once.
//
// A trigger that arrives while a pass for the same connection is running
// marks that connection for exactly one re-run, however many triggers
// arrive meanwhile. Running passes are never cancelled by callers.
type Coordinator struct {
	syncer Syncer
	conns  *storage.ConnectionStore
	sem    chan struct{}
	log    *logging.Logger

	mu      sync.Mutex
	running map[string]*pass
	wg      sync.WaitGroup
}

type pass struct {
	rerun bool
}

// NewCoordinator creates a coordinator running at most workers passes at once.
func NewCoordinator(syncer Syncer, conns *storage.ConnectionStore, workers int) *Coordinator {
	if workers < 1 {
		workers = 4
	}
	return &Coordinator{
		syncer:  syncer,
		conns:   conns,
		sem:     make(chan struct{}, workers),
		log:     logging.Component("calsync"),
		running: make(map[string]*pass),
	}
}

// Trigger requests a pass in the background and returns immediately.
func (c *Coordinator) Trigger(connectionID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.Run(context.Background(), connectionID)
	}()
}

// Run performs a pass and blocks until it, and any re-run requested
// while it ran, has finished. If a pass for the connection is already
// running, Run only schedules the re-run and returns nil.
func (c *Coordinator) Run(ctx context.Context, connectionID string) error {
	c.mu.Lock()
	if p, ok := c.running[connectionID]; ok {
		p.rerun = true
		c.mu.Unlock()
		metrics.SyncTriggersCoalesced.Inc()
		return nil
	}
	p := &pass{}
	c.running[connectionID] = p
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	for {
		err := c.pass(ctx, connectionID)

		c.mu.Lock()
		if !p.rerun || (err != nil && !core.IsRetryable(err)) {
			delete(c.running, connectionID)
			c.mu.Unlock()
			return err
		}
		p.rerun = false
		c.mu.Unlock()
	}
}

func (c *Coordinator) pass(ctx context.Context, connectionID string) error {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	_, err := c.syncer.Sync(ctx, connectionID)
	if err != nil {
		c.log.WithContext(ctx).WithError(err).WithField("connection_id", connectionID).Debug("sync pass returned error")
	}
	return err
}

// Running reports whether a pass for the connection is in progress.
func (c *Coordinator) Running(connectionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[connectionID]
	return ok
}

// TriggerAll triggers every active connection and returns how many.
func (c *Coordinator) TriggerAll(ctx context.Context) (int, error) {
	conns, err := c.conns.ListByStatus(ctx, core.StatusActive)
	if err != nil {
		return 0, err
	}
	for _, conn := range conns {
		c.Trigger(conn.ID)
	}
	return len(conns), nil
}

// SyncAll runs a pass for every active connection and waits for all of
// them. Failures of single connections are counted, not returned.
func (c *Coordinator) SyncAll(ctx context.Context) (synced, failed int, err error) {
	conns, err := c.conns.ListByStatus(ctx, core.StatusActive)
	if err != nil {
		return 0, 0, err
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(cap(c.sem))
	for _, conn := range conns {
		id := conn.ID
		g.Go(func() error {
			rerr := c.Run(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if rerr != nil {
				failed++
			} else {
				synced++
			}
			return nil
		})
	}
	_ = g.Wait()
	return synced, failed, nil
}

// Wait blocks until every background pass started by Trigger has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
