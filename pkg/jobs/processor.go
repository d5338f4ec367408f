package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/metrics"
	"github.com/packrat-io/packrat/pkg/queue"
	"github.com/packrat-io/packrat/pkg/storage"
	"github.com/packrat-io/packrat/pkg/types"
)

// Syncer runs the repository sync engine; satisfied by reposync.Engine
type Syncer interface {
	Sync(ctx context.Context, repoID string) *types.SyncResult
}

// Processor accepts deferred jobs. Strategy selection is static at
// construction: with a queue, jobs are handed to it verbatim (async);
// without one, jobs execute inline (sync). Enqueue returns only after
// the job has been accepted either way.
//
// Handlers tolerate at-least-once delivery: the token touch is a
// bounded last-write-wins timestamp and the download counter increment
// is monotone per message, so duplicates only over-count slightly.
type Processor struct {
	store  storage.Store
	syncer Syncer
	q      queue.Queue // nil = synchronous strategy
}

// NewProcessor creates a job processor. q may be nil.
func NewProcessor(store storage.Store, syncer Syncer, q queue.Queue) *Processor {
	return &Processor{store: store, syncer: syncer, q: q}
}

// Enqueue accepts one job
func (p *Processor) Enqueue(ctx context.Context, job types.Job) error {
	if p.q != nil {
		msg, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		return p.q.Send(ctx, msg)
	}

	// Synchronous strategy: execute inline, swallow the failure
	if err := p.handle(ctx, job); err != nil {
		log.WithComponent("jobs").Warn().Err(err).Str("type", string(job.Type)).Msg("job failed")
	}
	return nil
}

// EnqueueAll accepts a batch of jobs. Under the synchronous strategy the
// batch fans out in parallel and individual failures do not stop the
// rest.
func (p *Processor) EnqueueAll(ctx context.Context, batch []types.Job) error {
	if len(batch) == 0 {
		return nil
	}
	if p.q != nil {
		msgs := make([][]byte, 0, len(batch))
		for _, job := range batch {
			msg, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("failed to marshal job: %w", err)
			}
			msgs = append(msgs, msg)
		}
		return p.q.SendBatch(ctx, msgs)
	}

	var wg sync.WaitGroup
	for _, job := range batch {
		wg.Add(1)
		go func(job types.Job) {
			defer wg.Done()
			if err := p.handle(ctx, job); err != nil {
				log.WithComponent("jobs").Warn().Err(err).Str("type", string(job.Type)).Msg("job failed")
			}
		}(job)
	}
	wg.Wait()
	return nil
}

// Consume is the queue consumer entrypoint: it decodes one message and
// dispatches it, logging and swallowing failures so the queue loop
// keeps running.
func (p *Processor) Consume(ctx context.Context, msg []byte) {
	var job types.Job
	if err := json.Unmarshal(msg, &job); err != nil {
		log.WithComponent("jobs").Warn().Err(err).Msg("discarding undecodable job message")
		return
	}
	if err := p.handle(ctx, job); err != nil {
		log.WithComponent("jobs").Warn().Err(err).Str("type", string(job.Type)).Msg("job failed")
	}
}

func (p *Processor) handle(ctx context.Context, job types.Job) error {
	metrics.JobsTotal.WithLabelValues(string(job.Type)).Inc()

	switch job.Type {
	case types.JobTokenTouched:
		return p.store.TouchToken(job.TokenID, time.Unix(job.Timestamp, 0).UTC())

	case types.JobArtifactDownloaded:
		return p.store.RecordDownload(job.ArtifactID, time.Unix(job.Timestamp, 0).UTC())

	case types.JobRepositorySync:
		if p.syncer == nil {
			return fmt.Errorf("no sync engine configured")
		}
		result := p.syncer.Sync(ctx, job.RepoID)
		if !result.OK {
			return fmt.Errorf("sync failed: %s", result.Error)
		}
		return nil

	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}
