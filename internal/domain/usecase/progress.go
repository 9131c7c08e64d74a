package usecase

import (
	"clipqueue/internal/domain/entity"
	"context"
	"log"
	"sync"
)

type progressUpdate struct {
	percent int
	message string
}

// progressReporter decouples the executor's progress callback from store
// writes. Only the latest pending update is kept, so report never blocks.
type progressReporter struct {
	store JobRepo
	jobID string

	mu      sync.Mutex
	pending *progressUpdate
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

func newProgressReporter(store JobRepo, jobID string) *progressReporter {
	return &progressReporter{
		store:  store,
		jobID:  jobID,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (r *progressReporter) report(percent int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.pending = &progressUpdate{percent: entity.ClampProgress(percent), message: message}
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *progressReporter) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-r.notify:
			r.flush(ctx)
			if !ok {
				return
			}
		}
	}
}

// close stops accepting updates and waits until the last one is written.
func (r *progressReporter) close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.notify)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *progressReporter) flush(ctx context.Context) {
	r.mu.Lock()
	u := r.pending
	r.pending = nil
	r.mu.Unlock()
	if u == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("job %s: progress update panicked: %v", r.jobID, rec)
		}
	}()
	err := r.store.UpdateJob(ctx, r.jobID, entity.JobUpdate{
		Progress:    entity.IntPtr(u.percent),
		CurrentStep: entity.StringPtr(u.message),
	})
	if err != nil {
		log.Printf("job %s: progress update %d%% failed: %v", r.jobID, u.percent, err)
	}
}
