package store

import jsoniter "github.com/json-iterator/go"

// canonicalJSON is the stable serializer shared by every JSON-valued
// column and every export artifact: sorted map keys, standard-library
// compatible number/string formatting. Spec §9 calls this out
// explicitly as required for byte-deterministic exports (property 10).
var canonicalJSON = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// MarshalCanonical serializes v using the project-wide stable
// serializer. Every persisted JSON column and every export artifact
// must go through this, never encoding/json or a bare jsoniter config,
// so two runs over identical data produce identical bytes.
func MarshalCanonical(v any) ([]byte, error) {
	return canonicalJSON.Marshal(v)
}

// UnmarshalCanonical is the matching reader.
func UnmarshalCanonical(data []byte, v any) error {
	return canonicalJSON.Unmarshal(data, v)
}
