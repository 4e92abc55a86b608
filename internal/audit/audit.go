// Package audit implements the hash-chain arithmetic behind Kiln's
// tamper-evident audit log: computing the HMAC that seals one record
// given its predecessor, and replaying the chain to find the first broken
// link. It holds no storage of its own: internal/store owns the rows and
// calls into this package for the chain math.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Genesis is the fixed prev_hmac for the first record: every later
// record's prev_hmac must equal the HMAC of the immediately prior record.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// Fields is the row content the chain is computed over, excluding the HMAC
// fields themselves.
type Fields struct {
	Seq              int64
	Timestamp        string
	ActorID          string
	ToolName         string
	ParametersDigest string
	ResultKind       string
}

// Seal computes H_n = HMAC(key, seq_n || prev_hmac || fields).
func Seal(key []byte, prevHMACHex string, f Fields) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%d|%s|%s|%s|%s|%s", f.Seq, prevHMACHex, f.Timestamp, f.ActorID, f.ToolName, f.ParametersDigest)
	fmt.Fprintf(mac, "|%s", f.ResultKind)
	return hex.EncodeToString(mac.Sum(nil))
}

// Digest computes the SHA-256 digest of the canonical JSON encoding of
// params, used as the audit record's ParametersDigest. Callers must redact
// secrets from params before calling this; the digest is not reversible
// but a matching plaintext dictionary attack is not this function's
// concern.
func Digest(params map[string]any) string {
	canon := canonicalize(params)
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalize produces a JSON-marshalable value with map keys in sorted
// order at every level, matching the canonical keys-sorted wire
// format. encoding/json already sorts map[string]any keys on Marshal, so
// this is a light recursive pass over nested map[string]any and []any
// values; any other value is returned unchanged.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalize(val)
		}
		return out
	default:
		return v
	}
}

// Record is the minimal shape VerifyChain needs from a persisted row.
type Record struct {
	Seq              int64
	Timestamp        string
	ActorID          string
	ToolName         string
	ParametersDigest string
	ResultKind       string
	HMACHex          string
	PrevHMACHex      string
}

// VerifyReport is the result of replaying the chain.
type VerifyReport struct {
	OK       bool
	BrokenAt int64 // only meaningful when OK is false
}

// VerifyChain replays records in seq order, recomputing each HMAC and
// comparing it (and the prev-hmac linkage) against the stored values.
// Records must be sorted by Seq ascending. Returns the seq of the first
// record that fails to verify.
func VerifyChain(key []byte, records []Record) VerifyReport {
	prev := Genesis
	for _, r := range records {
		if r.PrevHMACHex != prev {
			return VerifyReport{OK: false, BrokenAt: r.Seq}
		}
		want := Seal(key, prev, Fields{
			Seq:              r.Seq,
			Timestamp:        r.Timestamp,
			ActorID:          r.ActorID,
			ToolName:         r.ToolName,
			ParametersDigest: r.ParametersDigest,
			ResultKind:       r.ResultKind,
		})
		if want != r.HMACHex {
			return VerifyReport{OK: false, BrokenAt: r.Seq}
		}
		prev = r.HMACHex
	}
	return VerifyReport{OK: true}
}
