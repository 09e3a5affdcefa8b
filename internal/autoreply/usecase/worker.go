package usecase

import (
	"context"
	"log"
	"sync"

	"mailpilot-backend/internal/autoreply/domain"
)

// ReplyJob represents one incoming message to run through the pipeline
type ReplyJob struct {
	UserID    string
	MessageID string
	ThreadID  string
	Thread    *domain.Thread // pre-fetched by poll-only gateways that cannot serve later lookups
	Source    string         // "webhook", "poll" or "manual"
}

// ReplyWorkerService drains the reply queue in the background. Webhook
// deliveries and poll batches both feed it, so a burst of notifications
// never blocks the HTTP handler.
type ReplyWorkerService struct {
	pipeline    *Pipeline
	jobQueue    chan ReplyJob
	workerWg    sync.WaitGroup
	workerCount int
	started     bool
	mu          sync.Mutex
}

// NewReplyWorkerService creates a new reply worker service
func NewReplyWorkerService(pipeline *Pipeline, workerCount int) *ReplyWorkerService {
	if workerCount <= 0 {
		workerCount = 3 // Default to 3 workers
	}

	return &ReplyWorkerService{
		pipeline:    pipeline,
		jobQueue:    make(chan ReplyJob, 500), // Buffered channel
		workerCount: workerCount,
	}
}

// Start starts the reply workers
func (s *ReplyWorkerService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	for i := 0; i < s.workerCount; i++ {
		s.workerWg.Add(1)
		go s.worker(i)
	}
	s.started = true
	log.Printf("[ReplyWorker] Started %d workers", s.workerCount)
}

// Stop stops all workers gracefully
func (s *ReplyWorkerService) Stop() {
	close(s.jobQueue)
	s.workerWg.Wait()
	log.Println("[ReplyWorker] All workers stopped")
}

// worker processes reply jobs from the queue
func (s *ReplyWorkerService) worker(id int) {
	defer s.workerWg.Done()

	for job := range s.jobQueue {
		outcome, err := s.pipeline.ProcessMessage(context.Background(), job)
		if err != nil {
			log.Printf("[ReplyWorker] Job for message %s failed: %v", job.MessageID, err)
			continue
		}
		log.Printf("[ReplyWorker] Message %s (%s): %s", job.MessageID, job.Source, outcome)
	}

	log.Printf("[ReplyWorker] Worker %d stopped", id)
}

// QueueJob adds a single job to the queue (non-blocking)
func (s *ReplyWorkerService) QueueJob(job ReplyJob) bool {
	select {
	case s.jobQueue <- job:
		return true
	default:
		return false // Queue full
	}
}
