// Package store defines the repository contract of spec §6.5 and provides a
// Postgres-backed implementation, grounded on the teacher's
// internal/usage/postgres_backend.go pgx idiom.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kleis/kleis/internal/domain"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a conditional write's precondition failed
// (the API key being deleted isn't revoked). A refresh lock that is not held
// is reported as a false or nil result instead, not as ErrConflict.
var ErrConflict = errors.New("store: conflict")

// TokenUpdate is the payload written back after a successful adapter refresh.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    *string
	Metadata     *domain.AccountMetadata
	Label        *string
}

// RequestUsageRecord is one request's worth of usage counters to upsert.
type RequestUsageRecord struct {
	Key         domain.UsageBucketKey
	Status      int
	DurationMs  int64
	OccurredAt  time.Time
	TokenUsage  *domain.TokenUsage // optional, attached if already known
}

// TokenUsageRecord is an isolated token-usage notification (no request outcome).
type TokenUsageRecord struct {
	Key        domain.UsageBucketKey
	OccurredAt time.Time
	Usage      domain.TokenUsage
}

// Repository is the abstract persistence contract of spec §6.5. Kleis treats
// the storage engine behind it as an external collaborator; this interface is
// the seam, with PostgresRepository the one concrete implementation shipped.
type Repository interface {
	// --- OAuth states ---
	InsertOAuthState(ctx context.Context, state domain.OAuthState) error
	FindOAuthState(ctx context.Context, state string, provider domain.Provider, now time.Time) (*domain.OAuthState, error)
	ConsumeOAuthState(ctx context.Context, state string, provider domain.Provider, now time.Time) (*domain.OAuthState, error)

	// --- Provider accounts ---
	UpsertProviderAccount(ctx context.Context, account domain.ProviderAccount) (*domain.ProviderAccount, error)
	GetProviderAccount(ctx context.Context, id string) (*domain.ProviderAccount, error)
	GetPrimaryProviderAccount(ctx context.Context, provider domain.Provider) (*domain.ProviderAccount, error)
	ListProviderAccounts(ctx context.Context, provider *domain.Provider) ([]domain.ProviderAccount, error)
	TryAcquireProviderAccountRefreshLock(ctx context.Context, id, token string, now, expiresAt time.Time) (bool, error)
	UpdateProviderAccountTokens(ctx context.Context, id string, tokens TokenUpdate, lockToken *string) (*domain.ProviderAccount, error)
	ReleaseProviderAccountRefreshLock(ctx context.Context, id, token string) error
	MarkProviderAccountRefreshFailed(ctx context.Context, id string, lockToken *string, now time.Time) error
	SetPrimaryProviderAccount(ctx context.Context, id string, now time.Time) (*domain.ProviderAccount, error)
	DeleteProviderAccount(ctx context.Context, id string) error

	// --- API keys ---
	CreateApiKey(ctx context.Context, key domain.ApiKey) (*domain.ApiKey, error)
	FindActiveApiKeyByValue(ctx context.Context, value string, now time.Time) (*domain.ApiKey, error)
	GetApiKey(ctx context.Context, id string) (*domain.ApiKey, error)
	ListApiKeys(ctx context.Context) ([]domain.ApiKey, error)
	UpdateApiKey(ctx context.Context, key domain.ApiKey) (*domain.ApiKey, error)
	RevokeApiKey(ctx context.Context, id string, now time.Time) (*domain.ApiKey, error)
	DeleteRevokedApiKey(ctx context.Context, id string) error

	// --- Usage ---
	RecordRequestUsage(ctx context.Context, rec RequestUsageRecord) error
	RecordTokenUsage(ctx context.Context, rec TokenUsageRecord) error
	QueryUsage(ctx context.Context, since time.Time) ([]domain.UsageBucket, error)
	QueryUsageForApiKey(ctx context.Context, apiKeyID string, since time.Time) ([]domain.UsageBucket, error)

	Close()
}
