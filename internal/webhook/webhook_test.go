package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiln-systems/kiln/internal/clock"
	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/models"
)

func TestValidateURL_RejectsPrivateAddress(t *testing.T) {
	err := ValidateURL("http://10.0.0.5/hook")
	require.Error(t, err)
	require.Equal(t, kerrors.KindSSRFBlocked, kerrors.KindOf(err))
}

func TestValidateURL_RejectsLoopback(t *testing.T) {
	err := ValidateURL("http://127.0.0.1:8080/hook")
	require.Error(t, err)
	require.Equal(t, kerrors.KindSSRFBlocked, kerrors.KindOf(err))
}

func TestValidateURL_AllowsPublicAddress(t *testing.T) {
	old := lookupIP
	lookupIP = func(host string) ([]net.IP, error) { return []net.IP{net.ParseIP("93.184.216.34")}, nil }
	defer func() { lookupIP = old }()
	err := ValidateURL("https://example.com/hook")
	require.NoError(t, err)
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	var mu sync.Mutex
	var gotSig, gotKind string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotSig = r.Header.Get("X-Kiln-Signature")
		gotKind = r.Header.Get("X-Kiln-Event-Kind")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(DefaultConfig(), clock.Real(), nil, nil, nil)
	d.Start()
	defer d.Stop()
	// Register would SSRF-block the loopback test server; insert directly.
	d.subsMu.Lock()
	d.subs["w1"] = models.WebhookSubscription{ID: "w1", URL: srv.URL, Secret: "s3cr3t"}
	d.subsMu.Unlock()

	d.Enqueue(models.Event{ID: 1, Kind: models.EventJobCompleted})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotSig != ""
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, models.EventJobCompleted, gotKind)
	require.Contains(t, gotSig, "sha256=")

	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	payload, _ := json.Marshal(models.Event{ID: 1, Kind: models.EventJobCompleted})
	mac.Write(payload)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	require.Equal(t, want, gotSig)
}

func TestDispatcher_OverflowDropsAndCallsHook(t *testing.T) {
	var overflowed []models.Event
	cfg := Config{Workers: 0, QueueCapacity: 1}
	d := New(cfg, clock.Real(), nil, nil, func(evt models.Event) { overflowed = append(overflowed, evt) })
	d.subsMu.Lock()
	d.subs["w1"] = models.WebhookSubscription{ID: "w1", URL: "https://example.com/hook"}
	d.subsMu.Unlock()

	d.Enqueue(models.Event{Kind: models.EventJobCompleted}) // fills the 1-slot queue
	d.Enqueue(models.Event{Kind: models.EventJobCompleted}) // overflow

	require.Len(t, overflowed, 1)
}
