/*
worker.go - Background synchronization loop

PURPOSE:
  Runs all backend I/O off the caller's path. One goroutine owns the loop;
  catalog calls only signal it through the kick channel.

EVENTS:
  - kick:          a mutation committed, flush what is due
  - flush ticker:  retry pending writes whose backoff elapsed
  - slide ticker:  move the window when now nears an edge
  - change feed:   absorb remote deltas (backends implementing Watcher)

USAGE:
  sync.Start(ctx)
  // ... later
  sync.Stop()
  _ = sync.FlushAll(shutdownCtx)
*/
package cachesync

import (
	"context"
	"log"
	"time"

	"github.com/warp/calm-planner/calendar"
)

// Start launches the worker. Calling Start on a running worker is a no-op.
func (s *Synchronizer) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	var feed <-chan calendar.Delta
	if w, ok := s.backend.(calendar.Watcher); ok {
		ch, err := w.Watch(ctx, s.owner)
		if err != nil {
			log.Printf("[Sync] Change feed unavailable, relying on hydration: %v", err)
		} else {
			feed = ch
		}
	}

	s.wg.Add(1)
	go s.run(ctx, feed)

	log.Printf("[Sync] Started for %s (flush every %v, slide check every %v)",
		s.owner, s.opts.FlushInterval, s.opts.SlideInterval)
}

// Stop cancels in-flight I/O and waits for the worker to exit. Pending
// writes stay in the dirty set.
func (s *Synchronizer) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	log.Printf("[Sync] Stopped with %d pending writes", s.dirty.Len())
}

func (s *Synchronizer) run(ctx context.Context, feed <-chan calendar.Delta) {
	defer s.wg.Done()

	flushTicker := time.NewTicker(s.opts.FlushInterval)
	defer flushTicker.Stop()
	slideTicker := time.NewTicker(s.opts.SlideInterval)
	defer slideTicker.Stop()

	// Drain anything marked before the worker started
	s.FlushDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.FlushDue(ctx)
		case <-flushTicker.C:
			s.FlushDue(ctx)
		case <-slideTicker.C:
			if _, err := s.Slide(ctx, s.clock.Now()); err != nil {
				log.Printf("[Sync] Window slide failed: %v", err)
			}
		case d, ok := <-feed:
			if !ok {
				feed = nil
				log.Println("[Sync] Change feed closed")
				continue
			}
			s.Absorb(d)
		}
	}
}
