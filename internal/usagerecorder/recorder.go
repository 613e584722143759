// Package usagerecorder implements the fire-and-forget usage bucket
// recording of spec §4.7: proxy handlers never block the response path on
// persistence, and a token-usage notification arriving before the request's
// outcome is known is cached and attached rather than lost.
//
// Grounded on the teacher's internal/usage async-write idiom
// (internal/usage/collector.go), generalized from the teacher's single
// write-after-response call into a two-phase handle because Kleis's SSE
// streaming means token usage is often not known until long after the
// response status and duration are known.
package usagerecorder

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/store"
)

// Recorder persists usage buckets against a Repository, off the request path.
type Recorder struct {
	repo store.Repository
}

func New(repo store.Repository) *Recorder {
	return &Recorder{repo: repo}
}

// requestState is the two-phase state machine of §4.7:
// initial -> countersPersisted. Usage reported after countersPersisted is
// written as separate token-only upserts without a further state change.
type requestState int

const (
	stateInitial requestState = iota
	stateCountersPersisted
)

// Handle tracks one in-flight request's usage from the moment its route is
// resolved until its response (and any streamed usage) is fully observed.
type Handle struct {
	recorder *Recorder
	key      domain.UsageBucketKey

	mu           sync.Mutex
	state        requestState
	latestUsage  *domain.TokenUsage
}

// NewRequest starts tracking a request under key. Call ReportUsage as usage
// becomes known (possibly never, for a failed request) and Complete exactly
// once when the response status and duration are known.
func (r *Recorder) NewRequest(key domain.UsageBucketKey) *Handle {
	return &Handle{recorder: r, key: key}
}

// ReportUsage records newly observed token usage for this request. If the
// request's outcome counters are already persisted, this fires an immediate
// token-only upsert; otherwise the usage is cached for Complete to attach.
//
// Called potentially more than once for a streamed response (the extractor's
// Result() reflects the latest observed totals, not a delta), so before
// Complete later calls simply replace the cached value rather than summing.
// After Complete, every call issues its own token-only upsert, which the
// store adds to the bucket.
func (h *Handle) ReportUsage(usage domain.TokenUsage) {
	h.mu.Lock()
	alreadyPersisted := h.state == stateCountersPersisted
	h.latestUsage = &usage
	h.mu.Unlock()

	if !alreadyPersisted {
		return
	}
	h.recordTokensAsync(usage)
}

// Complete persists the request's outcome counters, attaching any usage
// already reported via ReportUsage. Safe to call from a deferred handler
// once the response writer has finished, off the client-facing path.
func (h *Handle) Complete(status int, durationMs int64, occurredAt time.Time) {
	h.mu.Lock()
	usage := h.latestUsage
	h.state = stateCountersPersisted
	h.mu.Unlock()

	go func() {
		rec := store.RequestUsageRecord{
			Key:        h.key,
			Status:     status,
			DurationMs: durationMs,
			OccurredAt: occurredAt,
			TokenUsage: usage,
		}
		if err := h.recorder.repo.RecordRequestUsage(context.Background(), rec); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"api_key_id": h.key.ApiKeyID,
				"provider":   h.key.Provider,
				"endpoint":   h.key.Endpoint,
			}).Warn("usagerecorder: failed to persist request usage")
		}
	}()
}

// recordTokensAsync issues a token-only upsert for usage discovered after
// Complete already persisted the outcome counters (e.g. the proxy handler
// reports a streamed response's usage only after calling Complete).
func (h *Handle) recordTokensAsync(usage domain.TokenUsage) {
	go func() {
		rec := store.TokenUsageRecord{
			Key:        h.key,
			OccurredAt: time.Now(),
			Usage:      usage,
		}
		if err := h.recorder.repo.RecordTokenUsage(context.Background(), rec); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"api_key_id": h.key.ApiKeyID,
				"provider":   h.key.Provider,
				"endpoint":   h.key.Endpoint,
			}).Warn("usagerecorder: failed to persist late token usage")
		}
	}()
}
