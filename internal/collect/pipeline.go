// Package collect implements best-effort extraction of token usage and
// model name from a (possibly streamed, possibly compressed) upstream
// response body, without buffering the full body. Observability must
// never slow or break the proxied response, so extraction failures are
// swallowed rather than propagated.
package collect

import (
	"mime"
	"strings"

	"github.com/aiproxy-dev/relay/internal/domain"
)

// DefaultTailWindow bounds how many trailing bytes of a non-streaming
// body the pipeline retains for extraction; usage fields live at the
// end of a JSON response, so only the tail is worth keeping.
const DefaultTailWindow = 64 << 10

// eligibleContentTypes are the only response shapes this package
// attempts to parse; anything else (images, audio, arbitrary binary
// upstream passthrough) is tee'd to the client untouched and never
// inspected.
var eligibleContentTypes = map[string]bool{
	"application/json":         true,
	"application/vnd.api+json": true,
	"text/event-stream":        true,
}

// Eligible reports whether contentType is one collect will attempt to
// parse, ignoring any charset/boundary parameters.
func Eligible(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return eligibleContentTypes[strings.ToLower(mt)]
}

// ModelExtraction is provider_types.model_extraction_json decoded: a
// single FieldMapping identifying where the model name appears in a
// response body.
type ModelExtraction FieldMapping

// Pipeline accumulates one request/response pair's body and produces a
// UsageSnapshot once the response is complete. Not safe for concurrent
// use by more than one goroutine; the proxy owns exactly one Pipeline
// per in-flight request.
type Pipeline struct {
	mappings   TokenMappings
	modelPath  string
	isSSE      bool
	sse        *SSEDecoder
	tail       []byte
	lastSSEObj []byte
	window     int
}

func New(mappings TokenMappings, modelExtraction *ModelExtraction, contentType string) *Pipeline {
	p := &Pipeline{mappings: mappings, window: DefaultTailWindow}
	if modelExtraction != nil {
		p.modelPath = modelExtraction.Path
	}
	mt, _, _ := mime.ParseMediaType(contentType)
	if strings.EqualFold(mt, "text/event-stream") {
		p.isSSE = true
		p.sse = NewSSEDecoder()
	}
	return p
}

// Write feeds a chunk of the (already decompressed) response body into
// the pipeline. Errors are never returned: a parse failure here must
// never affect the bytes already streamed to the client.
func (p *Pipeline) Write(chunk []byte) {
	if p.isSSE {
		for _, ev := range p.sse.Feed(chunk) {
			if len(ev.Data) > 0 {
				p.lastSSEObj = ev.Data
			}
		}
		return
	}

	p.tail = append(p.tail, chunk...)
	if len(p.tail) > p.window {
		// Drop-beyond-window: keep only the trailing slice, since usage
		// totals are emitted once at the end of a JSON body.
		p.tail = append([]byte(nil), p.tail[len(p.tail)-p.window:]...)
	}
}

// Finish flushes any buffered SSE event and extracts a UsageSnapshot
// from whatever body was captured. Returns a snapshot with every field
// nil if nothing could be extracted — absence, not zero.
func (p *Pipeline) Finish() domain.UsageSnapshot {
	var body []byte
	if p.isSSE {
		if ev, ok := p.sse.Flush(); ok && len(ev.Data) > 0 {
			p.lastSSEObj = ev.Data
		}
		body = p.lastSSEObj
	} else {
		body = ExtractTrailingJSON(p.tail)
		if body == nil {
			body = p.tail
		}
	}
	if len(body) == 0 {
		return domain.UsageSnapshot{}
	}

	fields := Extract(p.mappings, body)
	snap := domain.UsageSnapshot{}
	if v, ok := fields["tokens_prompt"]; ok {
		snap.PromptTokens = &v
	}
	if v, ok := fields["tokens_completion"]; ok {
		snap.CompletionTokens = &v
	}
	if v, ok := fields["tokens_total"]; ok {
		snap.TotalTokens = &v
	} else if snap.PromptTokens != nil || snap.CompletionTokens != nil {
		var total int64
		if snap.PromptTokens != nil {
			total += *snap.PromptTokens
		}
		if snap.CompletionTokens != nil {
			total += *snap.CompletionTokens
		}
		snap.TotalTokens = &total
	}
	if v, ok := fields["cache_create_tokens"]; ok {
		snap.CacheCreateTokens = &v
	}
	if v, ok := fields["cache_read_tokens"]; ok {
		snap.CacheReadTokens = &v
	}

	if p.modelPath != "" {
		if model, ok := lookupStringPath(body, p.modelPath); ok {
			snap.Model = &model
		}
	}
	return snap
}
