package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kleis/kleis/internal/domain"
)

// PostgresRepository implements Repository over Postgres via pgx, following
// the pool-setup and schema-ensure idiom of the teacher's
// internal/usage/postgres_backend.go.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to dsn, verifies connectivity, and applies
// the embedded schema.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(connectCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// --- OAuth states ---

func (r *PostgresRepository) InsertOAuthState(ctx context.Context, state domain.OAuthState) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO oauth_states (state, provider, pkce_verifier, metadata_json, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (state, provider) DO UPDATE SET
			pkce_verifier = EXCLUDED.pkce_verifier,
			metadata_json = EXCLUDED.metadata_json,
			expires_at = EXCLUDED.expires_at
	`, state.State, string(state.Provider), state.PKCEVerifier, state.MetadataJSON, state.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert oauth state: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindOAuthState(ctx context.Context, state string, provider domain.Provider, now time.Time) (*domain.OAuthState, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT state, provider, pkce_verifier, metadata_json, expires_at
		FROM oauth_states WHERE state = $1 AND provider = $2 AND expires_at > $3
	`, state, string(provider), now)
	return scanOAuthState(row)
}

func (r *PostgresRepository) ConsumeOAuthState(ctx context.Context, state string, provider domain.Provider, now time.Time) (*domain.OAuthState, error) {
	row := r.pool.QueryRow(ctx, `
		DELETE FROM oauth_states
		WHERE state = $1 AND provider = $2 AND expires_at > $3
		RETURNING state, provider, pkce_verifier, metadata_json, expires_at
	`, state, string(provider), now)
	s, err := scanOAuthState(row)
	if errors.Is(err, ErrNotFound) {
		// Zero rows deleted: either never existed, expired, or already
		// consumed by a concurrent caller. The spec maps all three to the
		// same "state missing or expired" outcome.
		return nil, ErrNotFound
	}
	return s, err
}

func scanOAuthState(row pgx.Row) (*domain.OAuthState, error) {
	var s domain.OAuthState
	var provider string
	if err := row.Scan(&s.State, &provider, &s.PKCEVerifier, &s.MetadataJSON, &s.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan oauth state: %w", err)
	}
	s.Provider = domain.Provider(provider)
	return &s, nil
}

// --- Provider accounts ---

func (r *PostgresRepository) UpsertProviderAccount(ctx context.Context, account domain.ProviderAccount) (*domain.ProviderAccount, error) {
	metadataJSON, err := json.Marshal(account.Metadata)
	if err != nil {
		return nil, fmt.Errorf("store: marshal metadata: %w", err)
	}

	if account.ID == "" {
		account.ID = newID("acct")
	}
	now := time.Now().UTC()

	if account.AccountID != nil {
		// Upsert keyed by (provider, accountId) per the unique constraint.
		row := r.pool.QueryRow(ctx, `
			INSERT INTO provider_accounts
				(id, provider, account_id, label, is_primary, access_token, refresh_token,
				 expires_at, metadata_json, created_at, updated_at)
			VALUES ($1, $2, $3, $4,
				NOT EXISTS (SELECT 1 FROM provider_accounts WHERE provider = $2 AND is_primary),
				$5, $6, $7, $8, $9, $9)
			ON CONFLICT (provider, account_id) WHERE account_id IS NOT NULL DO UPDATE SET
				label = EXCLUDED.label,
				access_token = EXCLUDED.access_token,
				refresh_token = EXCLUDED.refresh_token,
				expires_at = EXCLUDED.expires_at,
				metadata_json = EXCLUDED.metadata_json,
				updated_at = EXCLUDED.updated_at
			RETURNING id, provider, account_id, label, is_primary, access_token, refresh_token,
				expires_at, refresh_lock_token, refresh_lock_expires_at, metadata_json,
				last_refresh_at, last_refresh_status, created_at, updated_at
		`, account.ID, string(account.Provider), account.AccountID, account.Label,
			account.AccessToken, account.RefreshToken, account.ExpiresAt, metadataJSON, now)
		return scanProviderAccount(row)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO provider_accounts
			(id, provider, account_id, label, is_primary, access_token, refresh_token,
			 expires_at, metadata_json, created_at, updated_at)
		VALUES ($1, $2, NULL, $3,
			NOT EXISTS (SELECT 1 FROM provider_accounts WHERE provider = $2 AND is_primary),
			$4, $5, $6, $7, $8, $8)
		RETURNING id, provider, account_id, label, is_primary, access_token, refresh_token,
			expires_at, refresh_lock_token, refresh_lock_expires_at, metadata_json,
			last_refresh_at, last_refresh_status, created_at, updated_at
	`, account.ID, string(account.Provider), account.Label,
		account.AccessToken, account.RefreshToken, account.ExpiresAt, metadataJSON, now)
	return scanProviderAccount(row)
}

func (r *PostgresRepository) GetProviderAccount(ctx context.Context, id string) (*domain.ProviderAccount, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, provider, account_id, label, is_primary, access_token, refresh_token,
			expires_at, refresh_lock_token, refresh_lock_expires_at, metadata_json,
			last_refresh_at, last_refresh_status, created_at, updated_at
		FROM provider_accounts WHERE id = $1
	`, id)
	return scanProviderAccount(row)
}

func (r *PostgresRepository) GetPrimaryProviderAccount(ctx context.Context, provider domain.Provider) (*domain.ProviderAccount, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, provider, account_id, label, is_primary, access_token, refresh_token,
			expires_at, refresh_lock_token, refresh_lock_expires_at, metadata_json,
			last_refresh_at, last_refresh_status, created_at, updated_at
		FROM provider_accounts WHERE provider = $1 AND is_primary
	`, string(provider))
	acct, err := scanProviderAccount(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return acct, err
}

func (r *PostgresRepository) ListProviderAccounts(ctx context.Context, provider *domain.Provider) ([]domain.ProviderAccount, error) {
	var rows pgx.Rows
	var err error
	if provider != nil {
		rows, err = r.pool.Query(ctx, `
			SELECT id, provider, account_id, label, is_primary, access_token, refresh_token,
				expires_at, refresh_lock_token, refresh_lock_expires_at, metadata_json,
				last_refresh_at, last_refresh_status, created_at, updated_at
			FROM provider_accounts WHERE provider = $1 ORDER BY created_at
		`, string(*provider))
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT id, provider, account_id, label, is_primary, access_token, refresh_token,
				expires_at, refresh_lock_token, refresh_lock_expires_at, metadata_json,
				last_refresh_at, last_refresh_status, created_at, updated_at
			FROM provider_accounts ORDER BY provider, created_at
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list provider accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.ProviderAccount
	for rows.Next() {
		acct, err := scanProviderAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acct)
	}
	return out, rows.Err()
}

// TryAcquireProviderAccountRefreshLock implements the conditional claim of §4.2
// step 1: set (token, expiresAt) iff no lock is held or the existing lease
// has expired, then read back to confirm this caller's token won.
func (r *PostgresRepository) TryAcquireProviderAccountRefreshLock(ctx context.Context, id, token string, now, expiresAt time.Time) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		UPDATE provider_accounts
		SET refresh_lock_token = $1, refresh_lock_expires_at = $2
		WHERE id = $3 AND (refresh_lock_token IS NULL OR refresh_lock_expires_at <= $4)
	`, token, expiresAt, id, now)
	if err != nil {
		return false, fmt.Errorf("store: acquire refresh lock: %w", err)
	}

	var held string
	err = r.pool.QueryRow(ctx, `SELECT COALESCE(refresh_lock_token, '') FROM provider_accounts WHERE id = $1`, id).Scan(&held)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("store: readback refresh lock: %w", err)
	}
	return held == token, nil
}

func (r *PostgresRepository) UpdateProviderAccountTokens(ctx context.Context, id string, tokens TokenUpdate, lockToken *string) (*domain.ProviderAccount, error) {
	now := time.Now().UTC()
	status := string(domain.RefreshStatusSuccess)

	var metadataArg any
	if tokens.Metadata != nil {
		b, err := json.Marshal(*tokens.Metadata)
		if err != nil {
			return nil, fmt.Errorf("store: marshal metadata: %w", err)
		}
		metadataArg = b
	}

	var row pgx.Row
	if lockToken != nil {
		row = r.pool.QueryRow(ctx, `
			UPDATE provider_accounts SET
				access_token = $1,
				refresh_token = $2,
				expires_at = $3,
				account_id = COALESCE($4, account_id),
				metadata_json = COALESCE($5, metadata_json),
				label = COALESCE(NULLIF($6, ''), label),
				last_refresh_at = $7,
				last_refresh_status = $8,
				updated_at = $7
			WHERE id = $9 AND refresh_lock_token = $10 AND refresh_lock_expires_at > $7
			RETURNING id, provider, account_id, label, is_primary, access_token, refresh_token,
				expires_at, refresh_lock_token, refresh_lock_expires_at, metadata_json,
				last_refresh_at, last_refresh_status, created_at, updated_at
		`, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, tokens.AccountID, metadataArg,
			labelOrEmpty(tokens.Label), now, status, id, *lockToken)
	} else {
		row = r.pool.QueryRow(ctx, `
			UPDATE provider_accounts SET
				access_token = $1,
				refresh_token = $2,
				expires_at = $3,
				account_id = COALESCE($4, account_id),
				metadata_json = COALESCE($5, metadata_json),
				label = COALESCE(NULLIF($6, ''), label),
				last_refresh_at = $7,
				last_refresh_status = $8,
				updated_at = $7
			WHERE id = $9
			RETURNING id, provider, account_id, label, is_primary, access_token, refresh_token,
				expires_at, refresh_lock_token, refresh_lock_expires_at, metadata_json,
				last_refresh_at, last_refresh_status, created_at, updated_at
		`, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, tokens.AccountID, metadataArg,
			labelOrEmpty(tokens.Label), now, status, id)
	}

	acct, err := scanProviderAccount(row)
	if errors.Is(err, ErrNotFound) {
		// Zero-row update: lock mismatch (a successor already wrote fresher
		// tokens and released/reclaimed the lease) — the caller treats this
		// as "no update happened", not an error.
		return nil, nil
	}
	return acct, err
}

func labelOrEmpty(label *string) string {
	if label == nil {
		return ""
	}
	return *label
}

func (r *PostgresRepository) ReleaseProviderAccountRefreshLock(ctx context.Context, id, token string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE provider_accounts SET refresh_lock_token = NULL, refresh_lock_expires_at = NULL
		WHERE id = $1 AND refresh_lock_token = $2
	`, id, token)
	if err != nil {
		return fmt.Errorf("store: release refresh lock: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkProviderAccountRefreshFailed(ctx context.Context, id string, lockToken *string, now time.Time) error {
	var err error
	if lockToken != nil {
		_, err = r.pool.Exec(ctx, `
			UPDATE provider_accounts SET last_refresh_at = $1, last_refresh_status = $2, updated_at = $1
			WHERE id = $3 AND refresh_lock_token = $4
		`, now, string(domain.RefreshStatusFailed), id, *lockToken)
	} else {
		_, err = r.pool.Exec(ctx, `
			UPDATE provider_accounts SET last_refresh_at = $1, last_refresh_status = $2, updated_at = $1
			WHERE id = $3
		`, now, string(domain.RefreshStatusFailed), id)
	}
	if err != nil {
		return fmt.Errorf("store: mark refresh failed: %w", err)
	}
	return nil
}

// SetPrimaryProviderAccount implements the transactional clear-then-set of §5:
// within one transaction, clear the current primary for the target's
// provider, then promote the target. Returns nil if the target vanished
// mid-transaction (a concurrent delete raced it).
func (r *PostgresRepository) SetPrimaryProviderAccount(ctx context.Context, id string, now time.Time) (*domain.ProviderAccount, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var provider string
	err = tx.QueryRow(ctx, `SELECT provider FROM provider_accounts WHERE id = $1 FOR UPDATE`, id).Scan(&provider)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: lookup for set-primary: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE provider_accounts SET is_primary = FALSE, updated_at = $1 WHERE provider = $2 AND is_primary`, now, provider); err != nil {
		return nil, fmt.Errorf("store: clear primary: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE provider_accounts SET is_primary = TRUE, updated_at = $1 WHERE id = $2
		RETURNING id, provider, account_id, label, is_primary, access_token, refresh_token,
			expires_at, refresh_lock_token, refresh_lock_expires_at, metadata_json,
			last_refresh_at, last_refresh_status, created_at, updated_at
	`, now, id)
	acct, err := scanProviderAccount(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit set-primary: %w", err)
	}
	return acct, nil
}

// DeleteProviderAccount hard-deletes the row; if it was primary, the most
// recently created remaining account of the same provider is promoted.
func (r *PostgresRepository) DeleteProviderAccount(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var provider string
	var wasPrimary bool
	err = tx.QueryRow(ctx, `SELECT provider, is_primary FROM provider_accounts WHERE id = $1 FOR UPDATE`, id).Scan(&provider, &wasPrimary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: lookup for delete: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM provider_accounts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete account: %w", err)
	}

	if wasPrimary {
		var nextID string
		err := tx.QueryRow(ctx, `
			SELECT id FROM provider_accounts WHERE provider = $1 ORDER BY created_at DESC LIMIT 1
		`, provider).Scan(&nextID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: elect new primary: %w", err)
		}
		if err == nil {
			if _, err := tx.Exec(ctx, `UPDATE provider_accounts SET is_primary = TRUE, updated_at = NOW() WHERE id = $1`, nextID); err != nil {
				return fmt.Errorf("store: promote new primary: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit delete: %w", err)
	}
	return nil
}

func scanProviderAccount(row pgx.Row) (*domain.ProviderAccount, error) {
	var a domain.ProviderAccount
	var provider string
	var metadataJSON []byte
	var lastRefreshStatus *string

	err := row.Scan(&a.ID, &provider, &a.AccountID, &a.Label, &a.IsPrimary,
		&a.AccessToken, &a.RefreshToken, &a.ExpiresAt,
		&a.RefreshLockToken, &a.RefreshLockExpiresAt,
		&metadataJSON, &a.LastRefreshAt, &lastRefreshStatus,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan provider account: %w", err)
	}
	a.Provider = domain.Provider(provider)
	if lastRefreshStatus != nil {
		s := domain.RefreshStatus(*lastRefreshStatus)
		a.LastRefreshStatus = &s
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &a.Metadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal metadata: %w", err)
		}
	}
	return &a, nil
}

// --- API keys ---

func (r *PostgresRepository) CreateApiKey(ctx context.Context, key domain.ApiKey) (*domain.ApiKey, error) {
	if key.ID == "" {
		key.ID = newID("key")
	}
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, key, models_discovery_token, label, provider_scopes, model_scopes, expires_at, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8)
		RETURNING id, key, models_discovery_token, label, provider_scopes, model_scopes, expires_at, revoked_at, created_at
	`, key.ID, key.Key, key.ModelsDiscoveryToken, key.Label, providersToText(key.ProviderScopes), key.ModelScopes, key.ExpiresAt, now)
	return scanApiKey(row)
}

func (r *PostgresRepository) FindActiveApiKeyByValue(ctx context.Context, value string, now time.Time) (*domain.ApiKey, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, key, models_discovery_token, label, provider_scopes, model_scopes, expires_at, revoked_at, created_at
		FROM api_keys
		WHERE key = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
	`, value, now)
	k, err := scanApiKey(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return k, err
}

func (r *PostgresRepository) GetApiKey(ctx context.Context, id string) (*domain.ApiKey, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, key, models_discovery_token, label, provider_scopes, model_scopes, expires_at, revoked_at, created_at
		FROM api_keys WHERE id = $1
	`, id)
	return scanApiKey(row)
}

func (r *PostgresRepository) ListApiKeys(ctx context.Context) ([]domain.ApiKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, key, models_discovery_token, label, provider_scopes, model_scopes, expires_at, revoked_at, created_at
		FROM api_keys ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list api keys: %w", err)
	}
	defer rows.Close()

	var out []domain.ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateApiKey(ctx context.Context, key domain.ApiKey) (*domain.ApiKey, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE api_keys SET
			label = $1, provider_scopes = $2, model_scopes = $3, expires_at = $4
		WHERE id = $5
		RETURNING id, key, models_discovery_token, label, provider_scopes, model_scopes, expires_at, revoked_at, created_at
	`, key.Label, providersToText(key.ProviderScopes), key.ModelScopes, key.ExpiresAt, key.ID)
	return scanApiKey(row)
}

func (r *PostgresRepository) RevokeApiKey(ctx context.Context, id string, now time.Time) (*domain.ApiKey, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE api_keys SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL
		RETURNING id, key, models_discovery_token, label, provider_scopes, model_scopes, expires_at, revoked_at, created_at
	`, now, id)
	return scanApiKey(row)
}

func (r *PostgresRepository) DeleteRevokedApiKey(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var revoked bool
	err = tx.QueryRow(ctx, `SELECT revoked_at IS NOT NULL FROM api_keys WHERE id = $1 FOR UPDATE`, id).Scan(&revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: lookup api key for delete: %w", err)
	}
	if !revoked {
		return ErrConflict
	}

	if _, err := tx.Exec(ctx, `DELETE FROM usage_buckets WHERE api_key_id = $1`, id); err != nil {
		return fmt.Errorf("store: cascade delete usage: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete api key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit delete api key: %w", err)
	}
	return nil
}

func scanApiKey(row pgx.Row) (*domain.ApiKey, error) {
	var k domain.ApiKey
	var providerScopes []string
	err := row.Scan(&k.ID, &k.Key, &k.ModelsDiscoveryToken, &k.Label, &providerScopes, &k.ModelScopes, &k.ExpiresAt, &k.RevokedAt, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan api key: %w", err)
	}
	for _, p := range providerScopes {
		k.ProviderScopes = append(k.ProviderScopes, domain.Provider(p))
	}
	return &k, nil
}

func providersToText(providers []domain.Provider) []string {
	if len(providers) == 0 {
		return nil
	}
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = string(p)
	}
	return out
}

// --- Usage ---

// RecordRequestUsage upserts into the compound-key bucket, adding counters
// and taking max() of latency/timestamp fields, per §4.7/§8.
func (r *PostgresRepository) RecordRequestUsage(ctx context.Context, rec RequestUsageRecord) error {
	class := domain.ClassifyStatus(rec.Status)
	var success, clientErr, serverErr, authErr, rateLimit int64
	switch class {
	case domain.StatusClassSuccess:
		success = 1
	case domain.StatusClassClientError:
		clientErr = 1
	case domain.StatusClassServerError:
		serverErr = 1
	case domain.StatusClassAuthError:
		authErr = 1
	case domain.StatusClassRateLimit:
		rateLimit = 1
	}

	var usage domain.TokenUsage
	if rec.TokenUsage != nil {
		usage = *rec.TokenUsage
	}

	bucketStart := domain.BucketStart(rec.OccurredAt)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO usage_buckets (
			bucket_start, api_key_id, provider_account_id, provider, endpoint, model,
			request_count, success_count, client_error_count, server_error_count,
			auth_error_count, rate_limit_count, total_latency_ms, max_latency_ms,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, last_request_at
		) VALUES ($1,$2,$3,$4,$5,$6, 1,$7,$8,$9,$10,$11,$12,$12, $13,$14,$15,$16, $17)
		ON CONFLICT (bucket_start, api_key_id, provider_account_id, provider, endpoint, model) DO UPDATE SET
			request_count = usage_buckets.request_count + 1,
			success_count = usage_buckets.success_count + EXCLUDED.success_count,
			client_error_count = usage_buckets.client_error_count + EXCLUDED.client_error_count,
			server_error_count = usage_buckets.server_error_count + EXCLUDED.server_error_count,
			auth_error_count = usage_buckets.auth_error_count + EXCLUDED.auth_error_count,
			rate_limit_count = usage_buckets.rate_limit_count + EXCLUDED.rate_limit_count,
			total_latency_ms = usage_buckets.total_latency_ms + EXCLUDED.total_latency_ms,
			max_latency_ms = GREATEST(usage_buckets.max_latency_ms, EXCLUDED.max_latency_ms),
			input_tokens = usage_buckets.input_tokens + EXCLUDED.input_tokens,
			output_tokens = usage_buckets.output_tokens + EXCLUDED.output_tokens,
			cache_read_tokens = usage_buckets.cache_read_tokens + EXCLUDED.cache_read_tokens,
			cache_write_tokens = usage_buckets.cache_write_tokens + EXCLUDED.cache_write_tokens,
			last_request_at = GREATEST(usage_buckets.last_request_at, EXCLUDED.last_request_at)
	`, bucketStart, rec.Key.ApiKeyID, rec.Key.ProviderAccountID, string(rec.Key.Provider), string(rec.Key.Endpoint), rec.Key.Model,
		success, clientErr, serverErr, authErr, rateLimit, rec.DurationMs,
		usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheWriteTokens, rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("store: record request usage: %w", err)
	}
	return nil
}

// RecordTokenUsage upserts a zero-request-counter row carrying only token
// deltas, per §4.7.
func (r *PostgresRepository) RecordTokenUsage(ctx context.Context, rec TokenUsageRecord) error {
	bucketStart := domain.BucketStart(rec.OccurredAt)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO usage_buckets (
			bucket_start, api_key_id, provider_account_id, provider, endpoint, model,
			request_count, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, last_request_at
		) VALUES ($1,$2,$3,$4,$5,$6, 0,$7,$8,$9,$10, $11)
		ON CONFLICT (bucket_start, api_key_id, provider_account_id, provider, endpoint, model) DO UPDATE SET
			input_tokens = usage_buckets.input_tokens + EXCLUDED.input_tokens,
			output_tokens = usage_buckets.output_tokens + EXCLUDED.output_tokens,
			cache_read_tokens = usage_buckets.cache_read_tokens + EXCLUDED.cache_read_tokens,
			cache_write_tokens = usage_buckets.cache_write_tokens + EXCLUDED.cache_write_tokens,
			last_request_at = GREATEST(usage_buckets.last_request_at, EXCLUDED.last_request_at)
	`, bucketStart, rec.Key.ApiKeyID, rec.Key.ProviderAccountID, string(rec.Key.Provider), string(rec.Key.Endpoint), rec.Key.Model,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.CacheReadTokens, rec.Usage.CacheWriteTokens, rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("store: record token usage: %w", err)
	}
	return nil
}

func (r *PostgresRepository) QueryUsage(ctx context.Context, since time.Time) ([]domain.UsageBucket, error) {
	return r.queryUsage(ctx, `WHERE bucket_start >= $1`, since)
}

func (r *PostgresRepository) QueryUsageForApiKey(ctx context.Context, apiKeyID string, since time.Time) ([]domain.UsageBucket, error) {
	rows, err := r.pool.Query(ctx, usageSelect+` WHERE bucket_start >= $1 AND api_key_id = $2 ORDER BY bucket_start`, since, apiKeyID)
	if err != nil {
		return nil, fmt.Errorf("store: query usage for key: %w", err)
	}
	defer rows.Close()
	return scanUsageBuckets(rows)
}

const usageSelect = `
	SELECT bucket_start, api_key_id, provider_account_id, provider, endpoint, model,
		request_count, success_count, client_error_count, server_error_count,
		auth_error_count, rate_limit_count, total_latency_ms, max_latency_ms,
		input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, last_request_at
	FROM usage_buckets
`

func (r *PostgresRepository) queryUsage(ctx context.Context, where string, args ...any) ([]domain.UsageBucket, error) {
	rows, err := r.pool.Query(ctx, usageSelect+where+` ORDER BY bucket_start`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query usage: %w", err)
	}
	defer rows.Close()
	return scanUsageBuckets(rows)
}

func scanUsageBuckets(rows pgx.Rows) ([]domain.UsageBucket, error) {
	var out []domain.UsageBucket
	for rows.Next() {
		var b domain.UsageBucket
		var provider, endpoint string
		if err := rows.Scan(&b.BucketStart, &b.ApiKeyID, &b.ProviderAccountID, &provider, &endpoint, &b.Model,
			&b.RequestCount, &b.SuccessCount, &b.ClientErrorCount, &b.ServerErrorCount,
			&b.AuthErrorCount, &b.RateLimitCount, &b.TotalLatencyMs, &b.MaxLatencyMs,
			&b.InputTokens, &b.OutputTokens, &b.CacheReadTokens, &b.CacheWriteTokens, &b.LastRequestAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan usage bucket: %w", err)
		}
		b.Provider = domain.Provider(provider)
		b.Endpoint = domain.Endpoint(endpoint)
		out = append(out, b)
	}
	return out, rows.Err()
}

func newID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}
