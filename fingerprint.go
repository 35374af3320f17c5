package troupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// Fingerprint computes the deterministic dedupe key for a generate
// request: a sha256 over tenant, model, the canonical message transcript,
// the advertised function schemas, temperature, and max_tokens. Stream is
// deliberately excluded; a streamed and an unstreamed request for the
// same content are the same work.
func Fingerprint(req GenerateRequest) string {
	h := sha256.New()
	writeField(h.Write, req.Tenant)
	writeField(h.Write, req.Model)
	for _, m := range req.Messages {
		writeField(h.Write, m.Role)
		writeField(h.Write, m.Content)
		writeField(h.Write, m.ToolCallID)
		for _, tc := range m.ToolCalls {
			writeField(h.Write, tc.Name)
			writeField(h.Write, canonicalJSON(tc.Args))
		}
	}
	for _, f := range req.Functions {
		writeField(h.Write, f.Name)
		writeField(h.Write, canonicalJSON(f.Parameters))
	}
	writeField(h.Write, strconv.FormatFloat(req.Temperature, 'g', -1, 64))
	writeField(h.Write, strconv.Itoa(req.MaxTokens))
	return hex.EncodeToString(h.Sum(nil))
}

// EmbedFingerprint computes the dedupe key for an embedding request.
func EmbedFingerprint(tenant, model string, texts []string) string {
	h := sha256.New()
	writeField(h.Write, "embed")
	writeField(h.Write, tenant)
	writeField(h.Write, model)
	for _, t := range texts {
		writeField(h.Write, t)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField hashes a length-prefixed field so that adjacent fields can
// never collide by concatenation.
func writeField(w func([]byte) (int, error), s string) {
	var lenBuf [10]byte
	n := strconv.AppendInt(lenBuf[:0], int64(len(s)), 10)
	w(n)
	w([]byte{':'})
	w([]byte(s))
}

// canonicalJSON re-marshals raw JSON so that key order and whitespace do
// not change the fingerprint. Invalid JSON is hashed verbatim.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	// encoding/json sorts map keys when marshalling.
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
