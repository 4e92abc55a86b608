package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func chainOf(key []byte, n int) []Record {
	recs := make([]Record, 0, n)
	prev := Genesis
	for i := int64(0); i < int64(n); i++ {
		f := Fields{
			Seq:              i,
			Timestamp:        "2026-01-01T00:00:00Z",
			ActorID:          "tester",
			ToolName:         "start_print",
			ParametersDigest: Digest(map[string]any{"n": i}),
			ResultKind:       "OK",
		}
		h := Seal(key, prev, f)
		recs = append(recs, Record{
			Seq: f.Seq, Timestamp: f.Timestamp, ActorID: f.ActorID, ToolName: f.ToolName,
			ParametersDigest: f.ParametersDigest, ResultKind: f.ResultKind,
			HMACHex: h, PrevHMACHex: prev,
		})
		prev = h
	}
	return recs
}

func TestVerifyChain_UnmodifiedOK(t *testing.T) {
	key := []byte("secret")
	recs := chainOf(key, 5)
	report := VerifyChain(key, recs)
	require.True(t, report.OK)
}

func TestVerifyChain_TamperedDigestBreaksAtThatSeq(t *testing.T) {
	key := []byte("secret")
	recs := chainOf(key, 5)
	recs[2].ParametersDigest = "deadbeef"
	report := VerifyChain(key, recs)
	require.False(t, report.OK)
	require.Equal(t, int64(2), report.BrokenAt)
}

func TestVerifyChain_DeletedRowBreaksLinkage(t *testing.T) {
	key := []byte("secret")
	recs := chainOf(key, 5)
	recs = append(recs[:2], recs[3:]...) // delete seq=2
	report := VerifyChain(key, recs)
	require.False(t, report.OK)
	require.Equal(t, int64(3), report.BrokenAt)
}

func TestDigest_Deterministic(t *testing.T) {
	a := Digest(map[string]any{"b": 1, "a": 2})
	b := Digest(map[string]any{"a": 2, "b": 1})
	require.Equal(t, a, b)
}
