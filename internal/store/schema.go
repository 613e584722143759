package store

// schema is the embedded SQL Kleis applies via `kleis migrate`. The spec
// treats the storage engine as abstract, but a runnable module needs a
// concrete schema to exist somewhere; this is that seam, grounded on the
// teacher's ensurePostgresSchema idiom in internal/usage/postgres_backend.go.
const schema = `
CREATE TABLE IF NOT EXISTS provider_accounts (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	account_id TEXT,
	label TEXT NOT NULL DEFAULT '',
	is_primary BOOLEAN NOT NULL DEFAULT FALSE,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	refresh_lock_token TEXT,
	refresh_lock_expires_at TIMESTAMPTZ,
	metadata_json JSONB NOT NULL DEFAULT '{}',
	last_refresh_at TIMESTAMPTZ,
	last_refresh_status TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_provider_accounts_account
	ON provider_accounts(provider, account_id) WHERE account_id IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS idx_provider_accounts_primary
	ON provider_accounts(provider) WHERE is_primary;

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	models_discovery_token TEXT UNIQUE,
	label TEXT,
	provider_scopes TEXT[],
	model_scopes TEXT[],
	expires_at TIMESTAMPTZ,
	revoked_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS oauth_states (
	state TEXT NOT NULL,
	provider TEXT NOT NULL,
	pkce_verifier TEXT,
	metadata_json TEXT,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (state, provider)
);

CREATE TABLE IF NOT EXISTS usage_buckets (
	bucket_start TIMESTAMPTZ NOT NULL,
	api_key_id TEXT NOT NULL,
	provider_account_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	model TEXT NOT NULL,
	request_count BIGINT NOT NULL DEFAULT 0,
	success_count BIGINT NOT NULL DEFAULT 0,
	client_error_count BIGINT NOT NULL DEFAULT 0,
	server_error_count BIGINT NOT NULL DEFAULT 0,
	auth_error_count BIGINT NOT NULL DEFAULT 0,
	rate_limit_count BIGINT NOT NULL DEFAULT 0,
	total_latency_ms BIGINT NOT NULL DEFAULT 0,
	max_latency_ms BIGINT NOT NULL DEFAULT 0,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens BIGINT NOT NULL DEFAULT 0,
	cache_write_tokens BIGINT NOT NULL DEFAULT 0,
	last_request_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (bucket_start, api_key_id, provider_account_id, provider, endpoint, model)
);

CREATE INDEX IF NOT EXISTS idx_usage_buckets_api_key ON usage_buckets(api_key_id, bucket_start);
CREATE INDEX IF NOT EXISTS idx_usage_buckets_start ON usage_buckets(bucket_start);
`
