package proxy

import (
	"bytes"
	"io"
	"regexp"
	"strings"
)

// TeeSSEReader forwards upstream bytes to the caller unchanged while
// incrementally parsing SSE framing alongside, per §4.5: decode as UTF-8 (no
// transcoding needed since we operate on raw bytes directly), split on \n
// tolerating \r\n, collect consecutive data: lines into one event, flush on
// a blank line, and feed the concatenated payload to extractor. The literal
// [DONE] sentinel is dropped here before reaching the extractor; other
// non-JSON payloads are ignored by the extractors via gjson's tolerant parsing.
type TeeSSEReader struct {
	upstream  io.ReadCloser
	extractor UsageExtractor

	pending   []byte // bytes read from upstream not yet scanned into lines
	dataLines []string
	finalized bool
}

func NewTeeSSEReader(upstream io.ReadCloser, extractor UsageExtractor) *TeeSSEReader {
	return &TeeSSEReader{upstream: upstream, extractor: extractor}
}

func (t *TeeSSEReader) Read(p []byte) (int, error) {
	n, err := t.upstream.Read(p)
	if n > 0 {
		t.pending = append(t.pending, p[:n]...)
		t.scanLines(false)
	}
	if err == io.EOF && !t.finalized {
		t.finalize()
	}
	return n, err
}

func (t *TeeSSEReader) Close() error {
	if !t.finalized {
		t.finalize()
	}
	return t.upstream.Close()
}

// Usage returns the accumulated token usage; valid once the stream reaches EOF.
func (t *TeeSSEReader) Usage() UsageExtractor { return t.extractor }

func (t *TeeSSEReader) scanLines(flushTrailing bool) {
	for {
		idx := bytes.IndexByte(t.pending, '\n')
		if idx < 0 {
			if flushTrailing && len(t.pending) > 0 {
				t.processLine(string(t.pending))
				t.pending = nil
			}
			return
		}
		line := t.pending[:idx]
		t.pending = t.pending[idx+1:]
		t.processLine(strings.TrimSuffix(string(line), "\r"))
	}
}

func (t *TeeSSEReader) processLine(line string) {
	if line == "" {
		t.flushEvent()
		return
	}
	if data, ok := cutPrefix(line, "data:"); ok {
		data = strings.TrimPrefix(data, " ")
		t.dataLines = append(t.dataLines, data)
	}
}

func (t *TeeSSEReader) flushEvent() {
	if len(t.dataLines) == 0 {
		return
	}
	payload := strings.Join(t.dataLines, "\n")
	t.dataLines = nil
	if payload == "[DONE]" {
		return
	}
	t.extractor.Feed([]byte(payload))
}

// finalize flushes any trailing partial event, as if the stream had ended
// with a virtual \n\n, per §4.5's final-event-emission requirement.
func (t *TeeSSEReader) finalize() {
	t.finalized = true
	t.scanLines(true)
	t.flushEvent()
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return s, false
	}
	return s[len(prefix):], true
}

// claudeToolNamePattern matches a JSON "name" field whose value carries the
// mcp_ prefix Kleis adds on the way out to Claude, per §4.4's tool-name
// unprefixing on the way back.
var claudeToolNamePattern = regexp.MustCompile(`"name"\s*:\s*"mcp_([^"]+)"`)

// ClaudeToolNameRewriteReader rewrites `"name":"mcp_X"` to `"name":"X"` in
// each complete line while forwarding all other bytes unchanged, satisfying
// the byte-exact-except-for-the-regex invariant of §8. Operates line-at-a-time
// since SSE data payloads are single-line JSON; a match split across a read
// boundary is still caught because rewriting happens only on buffered
// complete lines, never on an in-flight partial line.
type ClaudeToolNameRewriteReader struct {
	upstream io.ReadCloser
	in       []byte
	out      []byte
	err      error
}

func NewClaudeToolNameRewriteReader(upstream io.ReadCloser) *ClaudeToolNameRewriteReader {
	return &ClaudeToolNameRewriteReader{upstream: upstream}
}

func (r *ClaudeToolNameRewriteReader) Read(p []byte) (int, error) {
	buf := make([]byte, 32*1024)
	for len(r.out) == 0 && r.err == nil {
		n, err := r.upstream.Read(buf)
		if n > 0 {
			r.in = append(r.in, buf[:n]...)
			r.drainCompleteLines()
		}
		if err != nil {
			r.err = err
			if len(r.in) > 0 {
				r.out = append(r.out, claudeToolNamePattern.ReplaceAll(r.in, []byte(`"name":"$1"`))...)
				r.in = nil
			}
		}
	}
	if len(r.out) > 0 {
		n := copy(p, r.out)
		r.out = r.out[n:]
		return n, nil
	}
	return 0, r.err
}

func (r *ClaudeToolNameRewriteReader) drainCompleteLines() {
	idx := bytes.LastIndexByte(r.in, '\n')
	if idx < 0 {
		return
	}
	complete := r.in[:idx+1]
	rest := make([]byte, len(r.in)-idx-1)
	copy(rest, r.in[idx+1:])
	r.in = rest
	r.out = append(r.out, claudeToolNamePattern.ReplaceAll(complete, []byte(`"name":"$1"`))...)
}

func (r *ClaudeToolNameRewriteReader) Close() error {
	return r.upstream.Close()
}
