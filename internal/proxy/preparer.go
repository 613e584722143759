// Package proxy implements the per-provider request preparers, SSE usage
// passthrough, and response transformers of spec §4.4/§4.5. Grounded on the
// teacher's executor Execute/ExecuteStream split
// (internal/runtime/executor/providers/*.go) — a preparer here plays the
// role of the teacher's body-translate-and-header-apply step, adapted from
// "translate between wire formats" to "rewrite one provider's envelope".
package proxy

import (
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/kleis/kleis/internal/domain"
)

// Prepared is what a preparer hands back to the orchestrator.
type Prepared struct {
	UpstreamURL       string
	Body              []byte
	Header            http.Header
	TransformResponse ResponseTransformer // optional
}

// ResponseTransformer wraps an upstream response body reader, returning a
// reader that forwards bytes unchanged (give or take provider-specific
// rewrites) while accumulating token usage observed along the way.
type ResponseTransformer func(upstream *http.Response) (TransformedResponse, error)

// TransformedResponse is a response body ready to stream back to the
// caller, plus a accessor for the token usage accumulated so far (valid
// once reading reaches EOF).
type TransformedResponse struct {
	Body        interface{ Read([]byte) (int, error) }
	ContentType string
	Usage       func() domain.TokenUsage
}

// PreparerInput is the shared, read-only context every preparer receives.
// The caller (orchestrator) has already stripped authorization, x-api-key,
// host, and content-length from Header before invocation, per §4.4's shared
// invariant; the preparer must never mutate Account.
type PreparerInput struct {
	Route     domain.Route
	Account   *domain.ProviderAccount
	Header    http.Header
	Body      []byte
	BodyJSON  gjson.Result
	Path      string // original request path (with query), for Copilot/Claude URL construction
}

// Preparer is a pure function: (input) -> (prepared upstream request).
type Preparer interface {
	Prepare(input PreparerInput) (*Prepared, error)
}

// cloneHeader returns a copy of h so preparers never mutate the caller's map.
func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}
