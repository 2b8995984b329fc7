package dlqarchive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/envelope"
	"jobrunner/streamclient/memclient"
)

type fakeUploader struct {
	mu      sync.Mutex
	uploads map[string][]byte
	failKey string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploads: make(map[string][]byte)}
}

func (f *fakeUploader) PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := *input.Key
	if key == f.failKey {
		return nil, assert.AnError
	}
	buf := make([]byte, 0)
	b := make([]byte, 4096)
	for {
		n, err := input.Body.Read(b)
		buf = append(buf, b[:n]...)
		if err != nil {
			break
		}
	}
	f.uploads[key] = buf
	return &s3.PutObjectOutput{}, nil
}

func appendDLQEntry(t *testing.T, client *memclient.Client, stream string, enqueuedAt time.Time) string {
	t.Helper()
	headers := envelope.Headers{Type: "msg", EnqueuedAtMs: enqueuedAt.UnixMilli()}
	fields, err := envelope.JSONCodec{}.Encode(envelope.Envelope{Headers: headers, Payload: "payload"})
	require.NoError(t, err)
	id, err := client.Append(context.Background(), stream, fields)
	require.NoError(t, err)
	return id
}

func TestRunSweep_ArchivesAndTrimsOldEntries(t *testing.T) {
	ctx := context.Background()
	client := memclient.New()

	oldID := appendDLQEntry(t, client, "orders:dlq", time.Now().Add(-48*time.Hour))
	newID := appendDLQEntry(t, client, "orders:dlq", time.Now())

	up := newFakeUploader()
	a := newArchiver(up, client, client, Config{Bucket: "archive", KeyPrefix: "dlq"})

	n, err := a.RunSweep(ctx, "orders:dlq", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Contains(t, up.uploads, "dlq/orders:dlq/"+oldID+".json")

	remaining, err := client.Range(ctx, "orders:dlq", "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, newID, remaining[0].ID)
}

func TestRunSweep_LeavesEntryInPlaceOnUploadFailure(t *testing.T) {
	ctx := context.Background()
	client := memclient.New()

	oldID := appendDLQEntry(t, client, "orders:dlq", time.Now().Add(-48*time.Hour))

	up := newFakeUploader()
	up.failKey = "dlq/orders:dlq/" + oldID + ".json"
	a := newArchiver(up, client, client, Config{Bucket: "archive", KeyPrefix: "dlq"})

	n, err := a.RunSweep(ctx, "orders:dlq", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	remaining, err := client.Range(ctx, "orders:dlq", "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, oldID, remaining[0].ID)
}

func TestRunSweep_SkipsEntriesMissingHeaders(t *testing.T) {
	ctx := context.Background()
	client := memclient.New()

	_, err := client.Append(ctx, "orders:dlq", map[string]string{"payload": "no headers here"})
	require.NoError(t, err)

	up := newFakeUploader()
	a := newArchiver(up, client, client, Config{Bucket: "archive"})

	n, err := a.RunSweep(ctx, "orders:dlq", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, up.uploads)
}

func TestArchive_UploadsEntryJSON(t *testing.T) {
	ctx := context.Background()
	client := memclient.New()
	up := newFakeUploader()
	a := newArchiver(up, client, client, Config{Bucket: "archive", KeyPrefix: "dlq"})

	err := a.Archive(ctx, DLQEntry{Stream: "orders:dlq", ID: "1-0", Fields: map[string]string{"a": "b"}})
	require.NoError(t, err)
	assert.Contains(t, up.uploads, "dlq/orders:dlq/1-0.json")
}

func TestConfig_ValidateRequiresBucket(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	assert.Error(t, cfg.validate())
}
