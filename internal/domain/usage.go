package domain

import "time"

// TokenUsage is the non-negative token-count tuple extracted from an
// upstream response, per §4.5.
type TokenUsage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Add returns the elementwise sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
	}
}

// IsZero reports whether all four counters are zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheReadTokens == 0 && u.CacheWriteTokens == 0
}

// StatusClass is the usage-counter classification of an HTTP status code, §7.
type StatusClass int

const (
	StatusClassSuccess StatusClass = iota
	StatusClassClientError
	StatusClassServerError
	StatusClassAuthError
	StatusClassRateLimit
)

// ClassifyStatus maps an upstream/response HTTP status code to its usage
// counter bucket per §7: 2xx/3xx success, 401/403 authError, 429 rateLimit,
// other 4xx clientError, 5xx serverError.
func ClassifyStatus(status int) StatusClass {
	switch {
	case status == 401 || status == 403:
		return StatusClassAuthError
	case status == 429:
		return StatusClassRateLimit
	case status >= 200 && status < 400:
		return StatusClassSuccess
	case status >= 400 && status < 500:
		return StatusClassClientError
	default:
		return StatusClassServerError
	}
}

// UsageBucketKey is the compound primary key of a usage bucket.
type UsageBucketKey struct {
	BucketStart       time.Time
	ApiKeyID          string
	ProviderAccountID string
	Provider          Provider
	Endpoint          Endpoint
	Model             string
}

// BucketStart floors occurredAt to the 60-second bucket boundary of §3.
func BucketStart(occurredAt time.Time) time.Time {
	return time.UnixMilli((occurredAt.UnixMilli() / 60_000) * 60_000).UTC()
}

// UsageBucket is one aggregated usage-counter row.
type UsageBucket struct {
	UsageBucketKey

	RequestCount     int64
	SuccessCount     int64
	ClientErrorCount int64
	ServerErrorCount int64
	AuthErrorCount   int64
	RateLimitCount   int64
	TotalLatencyMs   int64
	MaxLatencyMs     int64

	TokenUsage

	LastRequestAt time.Time
}
