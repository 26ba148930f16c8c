// Package maintenance provides an optional background merge sweep for a
// bftree.Tree. The core engine never needs this: GET and PUT already
// merge mini-pages synchronously whenever growth is exhausted. Running a
// Sweeper ahead of need just makes that synchronous cost less likely on
// the next write, at the price of a goroutine and a cron dependency that
// a caller who doesn't want them never has to link in.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/bftree-go/bftree/internal/bftree"
)

var logger = log.New(os.Stderr, "mergesweep: ", log.LstdFlags)

// Sweeper periodically scans a Tree's mapping table and merges any
// mini-page at or above a configured fullness ratio, grounded on the
// teacher's cron-based Scheduler.
type Sweeper struct {
	tree          *bftree.Tree
	fullnessRatio float64
	cronExpr      string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a Sweeper for tree. cronExpr follows the standard
// five-field cron syntax (minute-granularity); fullnessRatio is the
// mini-page occupancy fraction (current size / capacity) at or above
// which a mini-page is proactively merged. A ratio of 0 merges every
// mini-page found, a ratio of 1 only merges mini-pages that are
// completely full.
func NewSweeper(tree *bftree.Tree, cronExpr string, fullnessRatio float64) *Sweeper {
	return &Sweeper{
		tree:          tree,
		fullnessRatio: fullnessRatio,
		cronExpr:      cronExpr,
	}
}

// Start begins the sweep schedule. It returns an error if cronExpr is
// invalid. The sweep stops when ctx is canceled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cronExpr, s.runSweep); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.cronExpr, err)
	}
	s.cron = c
	s.cron.Start()
	s.running = true

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the sweep schedule.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.running = false
}

func (s *Sweeper) runSweep() {
	merged, err := s.tree.Sweep(s.fullnessRatio)
	if err != nil {
		logger.Printf("instance=%s sweep failed: %v", s.tree.InstanceID(), err)
		return
	}
	if merged == 0 {
		return
	}
	size, statErr := s.tree.BackingFileSize()
	if statErr != nil {
		logger.Printf("instance=%s merged %d mini-pages", s.tree.InstanceID(), merged)
		return
	}
	logger.Printf("instance=%s merged %d mini-pages, backing file now %s", s.tree.InstanceID(), merged, humanize.Bytes(uint64(size)))
}
