package usagerecorder

import (
	"context"
	"testing"
	"time"

	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/store"
)

// fakeRepo records calls over channels so tests can deterministically wait
// on the Recorder's fire-and-forget goroutines instead of sleeping.
type fakeRepo struct {
	store.Repository // unimplemented methods panic if ever called

	requestUsage chan store.RequestUsageRecord
	tokenUsage   chan store.TokenUsageRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		requestUsage: make(chan store.RequestUsageRecord, 8),
		tokenUsage:   make(chan store.TokenUsageRecord, 8),
	}
}

func (f *fakeRepo) RecordRequestUsage(_ context.Context, rec store.RequestUsageRecord) error {
	f.requestUsage <- rec
	return nil
}

func (f *fakeRepo) RecordTokenUsage(_ context.Context, rec store.TokenUsageRecord) error {
	f.tokenUsage <- rec
	return nil
}

func testKey() domain.UsageBucketKey {
	return domain.UsageBucketKey{
		ApiKeyID:          "key-1",
		ProviderAccountID: "acct-1",
		Provider:          domain.ProviderCodex,
		Endpoint:          domain.EndpointResponses,
		Model:             "gpt-5",
	}
}

func TestCompleteWithNoUsageReported(t *testing.T) {
	repo := newFakeRepo()
	r := New(repo)
	h := r.NewRequest(testKey())

	h.Complete(200, 42, time.Now())

	select {
	case rec := <-repo.requestUsage:
		if rec.Status != 200 || rec.DurationMs != 42 {
			t.Errorf("unexpected record: %+v", rec)
		}
		if rec.TokenUsage != nil {
			t.Errorf("expected nil TokenUsage, got %+v", rec.TokenUsage)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RecordRequestUsage")
	}
}

func TestReportUsageBeforeCompleteIsAttached(t *testing.T) {
	repo := newFakeRepo()
	r := New(repo)
	h := r.NewRequest(testKey())

	usage := domain.TokenUsage{InputTokens: 10, OutputTokens: 5}
	h.ReportUsage(usage)
	h.Complete(200, 10, time.Now())

	select {
	case rec := <-repo.requestUsage:
		if rec.TokenUsage == nil || *rec.TokenUsage != usage {
			t.Errorf("expected usage attached, got %+v", rec.TokenUsage)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RecordRequestUsage")
	}

	select {
	case rec := <-repo.tokenUsage:
		t.Errorf("did not expect a separate token-only upsert, got %+v", rec)
	default:
	}
}

func TestReportUsageAfterCompleteFiresTokenOnlyUpsert(t *testing.T) {
	repo := newFakeRepo()
	r := New(repo)
	h := r.NewRequest(testKey())

	h.Complete(200, 10, time.Now())
	select {
	case <-repo.requestUsage:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial RecordRequestUsage")
	}

	usage := domain.TokenUsage{InputTokens: 20, OutputTokens: 8}
	h.ReportUsage(usage)

	select {
	case rec := <-repo.tokenUsage:
		if rec.Usage != usage {
			t.Errorf("token usage record = %+v, want %+v", rec.Usage, usage)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RecordTokenUsage")
	}
}

func TestReportUsageReplacesCachedValueRatherThanSumming(t *testing.T) {
	repo := newFakeRepo()
	r := New(repo)
	h := r.NewRequest(testKey())

	h.ReportUsage(domain.TokenUsage{InputTokens: 1})
	h.ReportUsage(domain.TokenUsage{InputTokens: 99})
	h.Complete(200, 5, time.Now())

	select {
	case rec := <-repo.requestUsage:
		if rec.TokenUsage == nil || rec.TokenUsage.InputTokens != 99 {
			t.Errorf("expected latest usage (99) to win, got %+v", rec.TokenUsage)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RecordRequestUsage")
	}
}
