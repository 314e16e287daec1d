package review

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/activitysync/internal/content"
	"github.com/agentworkforce/activitysync/internal/item"
	"github.com/agentworkforce/activitysync/internal/upsert"
)

func listen(n int) item.Item {
	return item.Item{
		Kind:       item.KindListen,
		Source:     "listenbrainz",
		Track:      fmt.Sprintf("Track %d", n),
		Artist:     "Stereolab",
		OccurredAt: time.Date(2024, 5, 1, 10, n%60, 0, 0, time.UTC),
	}
}

type failingCreator struct {
	err error
}

func (c failingCreator) Create(ctx context.Context, it item.Item, postStatus string) (upsert.Result, error) {
	return upsert.Result{}, c.err
}

func newTestQueue(t *testing.T, creator Creator) *Queue {
	t.Helper()
	logger, _ := test.NewNullLogger()
	q, err := NewQueue(NewMemoryBackend(), creator, Options{Logger: logger, PostStatus: "draft"})
	require.NoError(t, err)
	return q
}

func TestQueueKeepsNewestHundred(t *testing.T) {
	q := newTestQueue(t, nil)
	for i := 0; i < 150; i++ {
		_, err := q.Enqueue(listen(i), "listenbrainz")
		require.NoError(t, err)
	}
	entries := q.List()
	require.Len(t, entries, 100)
	require.Equal(t, "Track 50", entries[0].Item.Track)
	require.Equal(t, "Track 149", entries[99].Item.Track)
	require.InDelta(t, 100, testutil.ToFloat64(queueDepth), 0.001)
}

func TestApproveCreatesRecordAndRemovesEntry(t *testing.T) {
	ctx := context.Background()
	repo := content.NewMemoryRepository()
	q := newTestQueue(t, upsert.NewEngine(repo, nil, nil))

	first, err := q.Enqueue(listen(1), "listenbrainz")
	require.NoError(t, err)
	second, err := q.Enqueue(listen(2), "listenbrainz")
	require.NoError(t, err)
	third, err := q.Enqueue(listen(3), "listenbrainz")
	require.NoError(t, err)

	result, err := q.Approve(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, upsert.OutcomeImported, result.Outcome)
	require.Equal(t, 1, repo.Len())
	rec, err := repo.Get(ctx, result.ID)
	require.NoError(t, err)
	require.Equal(t, "draft", rec.Fields["status"])

	// IDs of the remaining entries are unaffected by the removal.
	got, err := q.Get(third.ID)
	require.NoError(t, err)
	require.Equal(t, "Track 3", got.Item.Track)
	require.Equal(t, []string{first.ID, third.ID}, []string{q.List()[0].ID, q.List()[1].ID})

	_, err = q.Approve(ctx, second.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = q.Reject(second.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, repo.Len())
}

func TestRejectRemovesWithoutCreating(t *testing.T) {
	repo := content.NewMemoryRepository()
	q := newTestQueue(t, upsert.NewEngine(repo, nil, nil))

	e, err := q.Enqueue(listen(1), "plex")
	require.NoError(t, err)
	rejected, err := q.Reject(e.ID)
	require.NoError(t, err)
	require.Equal(t, "plex", rejected.Service)
	require.Equal(t, 0, q.Len())
	require.Equal(t, 0, repo.Len())
}

func TestApproveFailureRestoresEntryInPlace(t *testing.T) {
	q := newTestQueue(t, failingCreator{err: errors.New("content api down")})

	var ids []string
	for i := 0; i < 3; i++ {
		e, err := q.Enqueue(listen(i), "jellyfin")
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	_, err := q.Approve(context.Background(), ids[1])
	require.ErrorContains(t, err, "content api down")

	entries := q.List()
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, ids[i], e.ID)
	}
}

// brokenDiskBackend fails every save while err is set.
type brokenDiskBackend struct {
	*MemoryBackend
	err error
}

func (b *brokenDiskBackend) Save(entries []Entry) error {
	if b.err != nil {
		return b.err
	}
	return b.MemoryBackend.Save(entries)
}

func TestEnqueueFailureLeavesQueueUnchanged(t *testing.T) {
	logger, _ := test.NewNullLogger()
	backend := &brokenDiskBackend{MemoryBackend: NewMemoryBackend()}
	q, err := NewQueue(backend, nil, Options{Capacity: 2, Logger: logger})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 2; i++ {
		e, err := q.Enqueue(listen(i), "plex")
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	backend.err = errors.New("disk full")
	_, err = q.Enqueue(listen(2), "plex")
	require.ErrorContains(t, err, "disk full")
	entries := q.List()
	require.Len(t, entries, 2)
	require.Equal(t, ids[0], entries[0].ID)
	require.Equal(t, ids[1], entries[1].ID)
	require.InDelta(t, 2, testutil.ToFloat64(queueDepth), 0.001)

	backend.err = nil
	e, err := q.Enqueue(listen(3), "plex")
	require.NoError(t, err)
	entries = q.List()
	require.Equal(t, ids[1], entries[0].ID)
	require.Equal(t, e.ID, entries[1].ID)
	stored, err := backend.Load()
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestEnqueueRejectsInvalidItems(t *testing.T) {
	q := newTestQueue(t, nil)
	_, err := q.Enqueue(item.Item{Kind: item.KindListen}, "plex")
	require.ErrorIs(t, err, item.ErrInvalidItem)
	require.Equal(t, 0, q.Len())
}

func TestApproveWithoutCreator(t *testing.T) {
	q := newTestQueue(t, nil)
	e, err := q.Enqueue(listen(1), "plex")
	require.NoError(t, err)
	_, err = q.Approve(context.Background(), e.ID)
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Equal(t, 1, q.Len())
}

func TestJSONFileBackendSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review", "pending.json")
	logger, _ := test.NewNullLogger()

	q, err := NewQueue(BuildBackend(path), nil, Options{Logger: logger})
	require.NoError(t, err)
	first, err := q.Enqueue(listen(1), "trakt")
	require.NoError(t, err)
	second, err := q.Enqueue(listen(2), "trakt")
	require.NoError(t, err)
	_, err = q.Reject(first.ID)
	require.NoError(t, err)

	reopened, err := NewQueue(BuildBackend(path), nil, Options{Logger: logger})
	require.NoError(t, err)
	entries := reopened.List()
	require.Len(t, entries, 1)
	require.Equal(t, second.ID, entries[0].ID)
	require.Equal(t, "Track 2", entries[0].Item.Track)

	third, err := reopened.Enqueue(listen(3), "trakt")
	require.NoError(t, err)
	require.Greater(t, third.Seq, second.Seq)
}

func TestBuildBackendDefaultsToMemory(t *testing.T) {
	require.IsType(t, &MemoryBackend{}, BuildBackend(" "))
	require.IsType(t, &JSONFileBackend{}, BuildBackend("/tmp/pending.json"))
}
