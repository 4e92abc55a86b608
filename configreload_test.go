package kiln

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadWebhookSubscriptionsFile_ParsesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
subscriptions:
  - url: https://hooks.example.com/a
    event_kinds: [job.completed, job.failed]
    secret: s3cr3t
  - id: custom-id
    url: https://hooks.example.com/b
`), 0o644))

	subs, err := loadWebhookSubscriptionsFile(path)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	require.Equal(t, "file:https://hooks.example.com/a", subs[0].ID)
	require.Equal(t, []string{"job.completed", "job.failed"}, subs[0].EventKinds)
	require.Equal(t, "s3cr3t", subs[0].Secret)

	require.Equal(t, "custom-id", subs[1].ID)
	require.Equal(t, "https://hooks.example.com/b", subs[1].URL)
}

func TestLoadWebhookSubscriptionsFile_RejectsEntryMissingURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
subscriptions:
  - id: no-url
`), 0o644))

	_, err := loadWebhookSubscriptionsFile(path)
	require.Error(t, err)
}

func TestLoadWebhookSubscriptionsFile_MissingFile(t *testing.T) {
	_, err := loadWebhookSubscriptionsFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadWebhookSubscriptionsFile_EmptyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("subscriptions: []\n"), 0o644))

	subs, err := loadWebhookSubscriptionsFile(path)
	require.NoError(t, err)
	require.Empty(t, subs)
}
