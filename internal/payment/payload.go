package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Payload is provider-specific payment data collected by the client step.
// The orchestrator never interprets it.
type Payload map[string]any

// StringValue returns the value at key if it is a non-empty string.
func (p Payload) StringValue(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// Fingerprint is a stable digest of the payload contents, independent of map
// ordering. Two payloads with the same data share a fingerprint.
func (p Payload) Fingerprint() (string, error) {
	s, err := structpb.NewStruct(map[string]any(p))
	if err != nil {
		return "", fmt.Errorf("payload fingerprint: %w", err)
	}
	raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("payload fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
