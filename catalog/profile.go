package catalog

import (
	"context"
	"log"

	"github.com/warp/calm-planner/cachesync"
	"github.com/warp/calm-planner/calendar"
)

// CurrentUserProfile returns the signed-in user's profile.
func (s *Service) CurrentUserProfile(ctx context.Context) (calendar.Profile, error) {
	if s.sync == nil {
		return calendar.Profile{ID: s.owner}, nil
	}
	p, err := s.sync.Profile(ctx)
	if calendar.IsNotFound(err) {
		return calendar.Profile{ID: s.owner}, nil
	}
	return p, err
}

// RefreshTimeline re-hydrates the window around now.
func (s *Service) RefreshTimeline(ctx context.Context) (cachesync.CacheWindow, error) {
	if s.sync == nil {
		return cachesync.CacheWindow{Mirrored: s.entities.Keys()}, nil
	}
	if err := s.sync.HydrateAround(ctx, s.now()); err != nil {
		log.Printf("[Catalog] Timeline refresh failed: %v", err)
		return cachesync.CacheWindow{}, err
	}
	return s.sync.State(), nil
}

// SyncWindow describes what is mirrored and what is waiting to sync.
func (s *Service) SyncWindow() cachesync.CacheWindow {
	if s.sync == nil {
		return cachesync.CacheWindow{Mirrored: s.entities.Keys()}
	}
	return s.sync.State()
}
