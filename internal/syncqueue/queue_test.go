package syncqueue

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestQueue(t *testing.T, retention time.Duration) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), retention, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func snapshot(url string) Snapshot {
	return Snapshot{
		Method: http.MethodPost,
		URL:    url,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{}`),
	}
}

func TestReplayFIFOWithinTopic(t *testing.T) {
	q := openTestQueue(t, DefaultRetention)
	for _, u := range []string{"https://farm.example/api/orders/1", "https://farm.example/api/orders/2", "https://farm.example/api/orders/3"} {
		_, err := q.Enqueue("orders", snapshot(u))
		require.NoError(t, err)
	}

	var delivered []string
	res := q.Replay(context.Background(), func(ctx context.Context, e Entry) error {
		delivered = append(delivered, e.Snapshot.URL)
		return nil
	})

	assert.Equal(t, Result{Replayed: 3}, res)
	assert.Equal(t, []string{
		"https://farm.example/api/orders/1",
		"https://farm.example/api/orders/2",
		"https://farm.example/api/orders/3",
	}, delivered, "replay must preserve enqueue order")
	assert.Equal(t, 0, q.Depth("orders"))
}

func TestReplaySuccessRemovesEntry(t *testing.T) {
	q := openTestQueue(t, DefaultRetention)
	_, err := q.Enqueue("orders", snapshot("https://farm.example/api/orders"))
	require.NoError(t, err)

	res := q.Replay(context.Background(), func(ctx context.Context, e Entry) error { return nil })
	assert.Equal(t, 1, res.Replayed)

	// A second pass finds nothing: the entry does not reappear.
	res = q.Replay(context.Background(), func(ctx context.Context, e Entry) error {
		t.Fatal("nothing should be delivered")
		return nil
	})
	assert.Equal(t, Result{}, res)
}

func TestReplayFailureKeepsEntryAndTopicOrder(t *testing.T) {
	q := openTestQueue(t, DefaultRetention)
	_, err := q.Enqueue("orders", snapshot("https://farm.example/api/orders/1"))
	require.NoError(t, err)
	_, err = q.Enqueue("orders", snapshot("https://farm.example/api/orders/2"))
	require.NoError(t, err)
	_, err = q.Enqueue("profile", snapshot("https://farm.example/api/profile"))
	require.NoError(t, err)

	res := q.Replay(context.Background(), func(ctx context.Context, e Entry) error {
		if e.Topic == "orders" {
			return errors.New("still unreachable")
		}
		return nil
	})

	assert.Equal(t, 1, res.Replayed, "other topics still get their turn")
	assert.Equal(t, 1, res.Failed, "only the head of the failing topic is attempted")
	assert.Equal(t, 2, q.Depth("orders"), "failed entry and everything behind it stay queued")
	assert.Equal(t, 0, q.Depth("profile"))
}

func TestRetentionExpiryDropsSilently(t *testing.T) {
	q := openTestQueue(t, 24*time.Hour)
	base := time.Now()
	q.now = func() time.Time { return base }

	_, err := q.Enqueue("orders", snapshot("https://farm.example/api/orders/old"))
	require.NoError(t, err)

	q.now = func() time.Time { return base.Add(25 * time.Hour) }
	_, err = q.Enqueue("orders", snapshot("https://farm.example/api/orders/new"))
	require.NoError(t, err)

	var delivered []string
	res := q.Replay(context.Background(), func(ctx context.Context, e Entry) error {
		delivered = append(delivered, e.Snapshot.URL)
		return nil
	})

	assert.Equal(t, Result{Replayed: 1, Dropped: 1}, res)
	assert.Equal(t, []string{"https://farm.example/api/orders/new"}, delivered,
		"expired entries are dropped without replay")
	assert.Equal(t, 0, q.Depth("orders"), "dropped entries do not reappear")
}

func TestReplayAddsIdentificationHeaders(t *testing.T) {
	q := openTestQueue(t, DefaultRetention)
	ent, err := q.Enqueue("orders", snapshot("https://farm.example/api/orders"))
	require.NoError(t, err)

	q.Replay(context.Background(), func(ctx context.Context, e Entry) error {
		assert.Equal(t, ent.ID, e.Snapshot.Header.Get("X-Replay-Id"))
		assert.NotEmpty(t, e.Snapshot.Header.Get("X-Replayed-At"))
		assert.Equal(t, "application/json", e.Snapshot.Header.Get("Content-Type"),
			"original headers are preserved")
		return nil
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, DefaultRetention, zap.NewNop())
	require.NoError(t, err)
	_, err = q.Enqueue("orders", snapshot("https://farm.example/api/orders/1"))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = Open(dir, DefaultRetention, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	assert.Equal(t, 1, q.Depth("orders"))
	_, err = q.Enqueue("orders", snapshot("https://farm.example/api/orders/2"))
	require.NoError(t, err)

	var delivered []string
	q.Replay(context.Background(), func(ctx context.Context, e Entry) error {
		delivered = append(delivered, e.Snapshot.URL)
		return nil
	})
	assert.Equal(t, []string{
		"https://farm.example/api/orders/1",
		"https://farm.example/api/orders/2",
	}, delivered, "ordering survives a restart")
}

func TestPurgeExpired(t *testing.T) {
	q := openTestQueue(t, time.Hour)
	base := time.Now()
	q.now = func() time.Time { return base }
	_, err := q.Enqueue("orders", snapshot("https://farm.example/api/orders/old"))
	require.NoError(t, err)

	q.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = q.Enqueue("orders", snapshot("https://farm.example/api/orders/new"))
	require.NoError(t, err)

	assert.Equal(t, 1, q.PurgeExpired())
	assert.Equal(t, 1, q.Depth("orders"))
}

func TestInvalidTopic(t *testing.T) {
	q := openTestQueue(t, DefaultRetention)
	_, err := q.Enqueue("", snapshot("https://farm.example/x"))
	assert.Error(t, err)
	_, err = q.Enqueue("has:colon", snapshot("https://farm.example/x"))
	assert.Error(t, err)
}
