package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/kleis/kleis/internal/domain"
)

// wrapWithExtractor chooses between the SSE tee path and the buffered-JSON
// path based on the upstream response's content-type, per §4.5's closing
// paragraph: "for non-SSE JSON responses, buffer the full body... then
// re-emit the response with a rebuilt body and content-length removed."
func wrapWithExtractor(upstream *http.Response, extractor UsageExtractor) (TransformedResponse, error) {
	contentType := upstream.Header.Get("Content-Type")

	if strings.Contains(contentType, "text/event-stream") {
		tee := NewTeeSSEReader(upstream.Body, extractor)
		return TransformedResponse{
			Body:        tee,
			ContentType: contentType,
			Usage:       func() domain.TokenUsage { return tee.Usage().Result() },
		}, nil
	}

	body, err := io.ReadAll(upstream.Body)
	if err != nil {
		return TransformedResponse{}, err
	}
	_ = upstream.Body.Close()
	extractor.Feed(body)

	return TransformedResponse{
		Body:        io.NopCloser(bytes.NewReader(body)),
		ContentType: contentType,
		Usage:       func() domain.TokenUsage { return extractor.Result() },
	}, nil
}

// wrapClaudeResponse chains the tool-name rewrite reader before the usage tee, so
// the bytes the tee observes (and forwards) are the final, already-rewritten
// bytes seen by the client, per the byte-exact-except-regex invariant of §8.
func wrapClaudeResponse(upstream *http.Response) (TransformedResponse, error) {
	contentType := upstream.Header.Get("Content-Type")
	extractor := NewAnthropicExtractor()

	if strings.Contains(contentType, "text/event-stream") {
		rewritten := NewClaudeToolNameRewriteReader(upstream.Body)
		tee := NewTeeSSEReader(rewritten, extractor)
		return TransformedResponse{
			Body:        tee,
			ContentType: contentType,
			Usage:       func() domain.TokenUsage { return tee.Usage().Result() },
		}, nil
	}

	body, err := io.ReadAll(upstream.Body)
	if err != nil {
		return TransformedResponse{}, err
	}
	_ = upstream.Body.Close()
	body = claudeToolNamePattern.ReplaceAll(body, []byte(`"name":"$1"`))
	extractor.Feed(body)

	return TransformedResponse{
		Body:        io.NopCloser(bytes.NewReader(body)),
		ContentType: contentType,
		Usage:       func() domain.TokenUsage { return extractor.Result() },
	}, nil
}
