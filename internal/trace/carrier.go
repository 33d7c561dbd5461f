package trace

import (
	"encoding/base64"
	"encoding/json"
)

// EncodeContext serializes a span context into the opaque carrier string
// embedded in outgoing operations (base64-wrapped JSON, so it survives any
// transport that can carry a string).
func EncodeContext(sc SpanContext) string {
	data, err := json.Marshal(sc)
	if err != nil {
		// SpanContext contains only marshalable fields; this cannot happen
		// short of memory corruption.
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeContext parses a carrier produced by EncodeContext. It returns false
// for an empty, malformed, or incomplete carrier: trace_id, span_id, and
// timestamp must all be present for the context to be usable.
func DecodeContext(carrier string) (SpanContext, bool) {
	if carrier == "" {
		return SpanContext{}, false
	}
	data, err := base64.StdEncoding.DecodeString(carrier)
	if err != nil {
		return SpanContext{}, false
	}
	var sc SpanContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return SpanContext{}, false
	}
	if sc.TraceID == "" || sc.SpanID == "" || sc.Timestamp.IsZero() {
		return SpanContext{}, false
	}
	return sc, true
}

// Extract is DecodeContext with a diagnostic: a non-empty carrier that fails
// to decode is logged, since it usually means a producer/consumer version
// mismatch.
func (t *Tracer) Extract(carrier string) (SpanContext, bool) {
	sc, ok := DecodeContext(carrier)
	if !ok && carrier != "" {
		t.logger.Warn("undecodable trace carrier", "carrier_len", len(carrier))
	}
	return sc, ok
}
