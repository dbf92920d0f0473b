package services

import (
	"sync"

	"rideradar/models"
	"rideradar/workers"
)

// MediaQueue accepts mirror jobs without blocking. workers.MediaWorker
// satisfies it.
type MediaQueue interface {
	Enqueue(job workers.MediaJob) bool
}

// MediaService decides which listing photos go to the mirror. A URL is
// queued at most once per process, so re-ingesting an unchanged listing
// costs nothing.
type MediaService struct {
	queue MediaQueue

	mu     sync.Mutex
	queued map[string]bool
}

func NewMediaService(queue MediaQueue) *MediaService {
	return &MediaService{queue: queue, queued: make(map[string]bool)}
}

// Enqueue queues the listing's unseen media URLs and returns how many were
// accepted. URLs from a job the queue rejected stay eligible.
func (s *MediaService) Enqueue(l *models.Listing) int {
	if s.queue == nil || len(l.Media) == 0 {
		return 0
	}

	s.mu.Lock()
	var fresh []string
	for _, u := range l.Media {
		if u == "" || s.queued[u] {
			continue
		}
		s.queued[u] = true
		fresh = append(fresh, u)
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return 0
	}
	if s.queue.Enqueue(workers.MediaJob{Vendor: l.Source, SourceID: l.SourceID, URLs: fresh}) {
		return len(fresh)
	}

	s.mu.Lock()
	for _, u := range fresh {
		delete(s.queued, u)
	}
	s.mu.Unlock()
	return 0
}

// QueueDepth reports how many distinct URLs have been handed to the mirror.
func (s *MediaService) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}
