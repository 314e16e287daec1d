package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/activitysync/internal/item"
)

// listenServer serves ListenBrainz-shaped pages over a fixed history of
// listens, newest first, honoring count, max_ts and min_ts.
func listenServer(t *testing.T, timestamps []int64, seen *[]listenQuery) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		*seen = append(*seen, listenQuery{maxTS: q.Get("max_ts"), minTS: q.Get("min_ts")})
		count, _ := strconv.Atoi(q.Get("count"))
		maxTS, _ := strconv.ParseInt(q.Get("max_ts"), 10, 64)
		minTS, _ := strconv.ParseInt(q.Get("min_ts"), 10, 64)
		var listens []string
		for _, ts := range timestamps {
			if maxTS > 0 && ts >= maxTS {
				continue
			}
			if minTS > 0 && ts <= minTS {
				continue
			}
			if len(listens) == count {
				break
			}
			listens = append(listens, fmt.Sprintf(`{"listened_at":%d,"track_metadata":{"track_name":"Track %d","artist_name":"Artist"}}`, ts, ts))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"payload":{"count":%d,"listens":[%s]}}`, len(listens), strings.Join(listens, ","))
	}))
}

type listenQuery struct {
	maxTS string
	minTS string
}

func TestListenBrainzTimeCursorIsNonIncreasingAndStops(t *testing.T) {
	var history []int64
	for ts := int64(1000); ts > 900; ts -= 10 {
		history = append(history, ts)
	}
	var seen []listenQuery
	server := listenServer(t, history, &seen)
	defer server.Close()

	src := NewListenBrainz(ListenBrainzConfig{User: "rob", BaseURL: server.URL, HTTPClient: server.Client()})
	ctx := context.Background()
	req := BatchRequest{Limit: 4}
	var cursors []int64
	var total int
	for i := 0; i < 10; i++ {
		batch, err := src.FetchBatch(ctx, req)
		require.NoError(t, err)
		total += len(batch.Records)
		if batch.NextCursor != "" {
			c, err := timeCursor(batch.NextCursor, time.Time{})
			require.NoError(t, err)
			cursors = append(cursors, c.at)
		}
		if !batch.HasMore {
			break
		}
		req.Cursor = batch.NextCursor
	}
	require.Equal(t, 10, total)
	for i := 1; i < len(cursors); i++ {
		require.LessOrEqual(t, cursors[i], cursors[i-1])
	}
	require.Equal(t, "", seen[0].maxTS)
}

func TestListenBrainzHaltsAtMinTimestamp(t *testing.T) {
	history := []int64{1000, 990, 980, 970, 960, 950}
	var seen []listenQuery
	server := listenServer(t, history, &seen)
	defer server.Close()

	src := NewListenBrainz(ListenBrainzConfig{User: "rob", BaseURL: server.URL, HTTPClient: server.Client()})
	batch, err := src.FetchBatch(context.Background(), BatchRequest{Limit: 10, Since: time.Unix(975, 0)})
	require.NoError(t, err)
	require.Len(t, batch.Records, 3)
	require.False(t, batch.HasMore)
	require.Equal(t, "975", seen[0].minTS)

	it, err := src.Normalize(batch.Records[0])
	require.NoError(t, err)
	require.Equal(t, item.KindListen, it.Kind)
	require.Equal(t, "Track 1000", it.Track)
	require.Equal(t, int64(1000), it.OccurredAt.Unix())
}

func TestFinishTimePageDropsRecordsPastSince(t *testing.T) {
	recs := []timedRecord{{raw: RawRecord(`{}`), at: 50}, {raw: RawRecord(`{}`), at: 40}, {raw: RawRecord(`{}`), at: 30}}
	batch := finishTimePage(recs, 3, 3, time.Unix(40, 0), timeBoundary{at: 60})
	require.Len(t, batch.Records, 1)
	require.False(t, batch.HasMore)
	require.Equal(t, "50:1", batch.NextCursor)

	batch = finishTimePage(recs, 3, 3, time.Time{}, timeBoundary{})
	require.Len(t, batch.Records, 3)
	require.True(t, batch.HasMore)
	require.Equal(t, "30:1", batch.NextCursor)
}

func TestTimeCursorTokens(t *testing.T) {
	b, err := timeCursor("", time.Time{})
	require.NoError(t, err)
	require.Equal(t, timeBoundary{}, b)

	b, err = timeCursor("", time.Unix(1700, 0))
	require.NoError(t, err)
	require.Equal(t, timeBoundary{at: 1699}, b)

	b, err = timeCursor("1700", time.Time{})
	require.NoError(t, err)
	require.Equal(t, timeBoundary{at: 1699}, b)

	b, err = timeCursor("1650:3", time.Time{})
	require.NoError(t, err)
	require.Equal(t, timeBoundary{at: 1650, seen: 3}, b)
	require.Equal(t, "1650:3", b.String())
	require.Equal(t, 5, b.fetchSize(2, 100))
	require.Equal(t, 4, b.fetchSize(2, 4))

	for _, bad := range []string{"soon", "1650:", "1650:-1", "-5"} {
		_, err = timeCursor(bad, time.Time{})
		require.Error(t, err, bad)
	}
}

func TestFinishTimePageSkipsRecordsAlreadyReturnedAtBoundary(t *testing.T) {
	recs := []timedRecord{
		{raw: RawRecord(`{"n":1}`), at: 90},
		{raw: RawRecord(`{"n":2}`), at: 90},
		{raw: RawRecord(`{"n":3}`), at: 90},
		{raw: RawRecord(`{"n":4}`), at: 80},
	}
	batch := finishTimePage(recs, 4, 2, time.Time{}, timeBoundary{at: 90, seen: 1})
	require.Equal(t, []RawRecord{RawRecord(`{"n":2}`), RawRecord(`{"n":3}`)}, batch.Records)
	require.True(t, batch.HasMore)
	require.Equal(t, "90:3", batch.NextCursor)
}

func TestListenBrainzKeepsListensSharingTheBoundarySecond(t *testing.T) {
	history := []int64{1000, 990, 990, 990, 980}
	var seen []listenQuery
	server := listenServer(t, history, &seen)
	defer server.Close()

	src := NewListenBrainz(ListenBrainzConfig{User: "rob", BaseURL: server.URL, HTTPClient: server.Client()})
	ctx := context.Background()
	req := BatchRequest{Limit: 2}
	var got []int64
	for i := 0; i < 10; i++ {
		batch, err := src.FetchBatch(ctx, req)
		require.NoError(t, err)
		for _, rec := range batch.Records {
			it, err := src.Normalize(rec)
			require.NoError(t, err)
			got = append(got, it.OccurredAt.Unix())
		}
		if !batch.HasMore {
			break
		}
		req.Cursor = batch.NextCursor
	}
	require.Equal(t, history, got)
	require.Equal(t, "991", seen[1].maxTS)
}

func TestLastFMSkipsNowPlayingAndReadsTotal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "user.getrecenttracks", r.URL.Query().Get("method"))
		require.Equal(t, "1699", r.URL.Query().Get("to"))
		_, _ = w.Write([]byte(`{"recenttracks":{"@attr":{"total":"321"},"track":[
			{"name":"Live","artist":{"#text":"Now"},"@attr":{"nowplaying":"true"}},
			{"name":"Song","artist":{"#text":"Band"},"album":{"#text":"LP"},"mbid":"m-1","date":{"uts":"1650"}}
		]}}`))
	}))
	defer server.Close()

	src := NewLastFM(LastFMConfig{APIKey: "k", User: "u", BaseURL: server.URL, HTTPClient: server.Client()})
	batch, err := src.FetchBatch(context.Background(), BatchRequest{Cursor: "1700", Limit: 2})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, 321, batch.Total)
	require.Equal(t, "1650:1", batch.NextCursor)
	require.True(t, batch.HasMore)

	it, err := src.Normalize(batch.Records[0])
	require.NoError(t, err)
	require.Equal(t, "Song", it.Track)
	require.Equal(t, "Band", it.Artist)
	require.Equal(t, "LP", it.Album)
	require.Equal(t, "m-1", it.ExternalID["musicbrainz"])
}

func TestTraktPageCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "cid", r.Header.Get("trakt-api-key"))
		page := r.URL.Query().Get("page")
		w.Header().Set("X-Pagination-Page-Count", "2")
		w.Header().Set("X-Pagination-Item-Count", "3")
		if page == "1" {
			_, _ = w.Write([]byte(`[
				{"watched_at":"2024-01-01T20:00:00Z","type":"movie","movie":{"title":"Heat","year":1995,"ids":{"trakt":1,"imdb":"tt0113277","tmdb":949}}},
				{"watched_at":"2024-01-02T20:00:00Z","type":"episode","episode":{"season":1,"number":2,"title":"Pilot II","ids":{"trakt":9}},"show":{"title":"Show","year":2010,"ids":{"trakt":5,"tvdb":77}}}
			]`))
			return
		}
		_, _ = w.Write([]byte(`[{"watched_at":"2024-01-03T20:00:00Z","type":"movie","movie":{"title":"Ronin","year":1998,"ids":{"trakt":2}}}]`))
	}))
	defer server.Close()

	src := NewTrakt(TraktConfig{ClientID: "cid", BaseURL: server.URL, HTTPClient: server.Client()})
	ctx := context.Background()
	first, err := src.FetchBatch(ctx, BatchRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Records, 2)
	require.True(t, first.HasMore)
	require.Equal(t, "2", first.NextCursor)
	require.Equal(t, 3, first.Total)

	second, err := src.FetchBatch(ctx, BatchRequest{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Records, 1)
	require.False(t, second.HasMore)

	movie, err := src.Normalize(first.Records[0])
	require.NoError(t, err)
	require.Equal(t, "Heat", movie.Title)
	require.Equal(t, 1995, *movie.Year)
	require.Equal(t, "tt0113277", movie.ExternalID["imdb"])

	episode, err := src.Normalize(first.Records[1])
	require.NoError(t, err)
	require.Equal(t, "Show", episode.Show)
	require.Equal(t, 2, *episode.EpisodeNumber)
	require.Equal(t, "Watched Show S01E02", episode.DisplayTitle())
}

func TestPinboardSnapshotReturnsEverything(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "me:TOKEN", r.URL.Query().Get("auth_token"))
		_, _ = w.Write([]byte(`[
			{"href":"https://go.dev","description":"Go","tags":"lang google","time":"2024-01-01T00:00:00Z","hash":"h1"},
			{"href":"https://pkg.go.dev","description":"Packages","tags":"","time":"2024-01-02T00:00:00Z","hash":"h2"}
		]`))
	}))
	defer server.Close()

	src := NewPinboard(PinboardConfig{Token: "me:TOKEN", BaseURL: server.URL, HTTPClient: server.Client()})
	batch, err := src.FetchBatch(context.Background(), BatchRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	require.False(t, batch.HasMore)

	it, err := src.Normalize(batch.Records[0])
	require.NoError(t, err)
	require.Equal(t, []string{"lang", "google"}, it.Tags)
	require.Equal(t, item.KindBookmark, it.Kind)
}

func TestReadwiseEmbedsHighlights(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Token rw", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/v2/books/":
			_, _ = w.Write([]byte(`{"count":1,"next":null,"results":[{"id":7,"title":"Dune","author":"Frank Herbert","num_highlights":1,"last_highlight_at":"2024-03-01T10:00:00Z"}]}`))
		case "/api/v2/highlights/":
			require.Equal(t, "7", r.URL.Query().Get("book_id"))
			_, _ = w.Write([]byte(`{"results":[{"text":"Fear is the mind-killer."}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	src := NewReadwise(ReadwiseConfig{Token: "rw", BaseURL: server.URL, HTTPClient: server.Client()})
	batch, err := src.FetchBatch(context.Background(), BatchRequest{Limit: 10})
	require.NoError(t, err)
	require.False(t, batch.HasMore)
	require.Len(t, batch.Records, 1)
	it, err := src.Normalize(batch.Records[0])
	require.NoError(t, err)
	require.Equal(t, []string{"Fear is the mind-killer."}, it.Highlights)
	require.Equal(t, "Frank Herbert", it.Author)
}

func TestFoursquareNormalizesCheckin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"meta":{"code":200},"response":{"checkins":{"count":1,"items":[
			{"id":"c1","createdAt":1700000000,"shout":"coffee","venue":{"id":"v1","name":"Blue Bottle","location":{"lat":37.77,"lng":-122.42}}}
		]}}}`))
	}))
	defer server.Close()

	src := NewFoursquare(FoursquareConfig{Token: "t", BaseURL: server.URL, HTTPClient: server.Client()})
	batch, err := src.FetchBatch(context.Background(), BatchRequest{Limit: 50})
	require.NoError(t, err)
	require.False(t, batch.HasMore)
	it, err := src.Normalize(batch.Records[0])
	require.NoError(t, err)
	require.Equal(t, "Blue Bottle", it.VenueName)
	require.InDelta(t, 37.77, *it.Latitude, 0.0001)
	require.Equal(t, "2023-11-14", it.DateBucket())
}

func TestAdapterErrorsAreTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1/user/denied/listens":
			w.WriteHeader(http.StatusUnauthorized)
		case "/1/user/broken/listens":
			_, _ = w.Write([]byte(`{not json`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	fetch := func(user string) error {
		_, err := NewListenBrainz(ListenBrainzConfig{User: user, BaseURL: server.URL, HTTPClient: server.Client()}).FetchBatch(ctx, BatchRequest{Limit: 1})
		return err
	}
	require.ErrorIs(t, fetch("denied"), ErrAuth)
	require.ErrorIs(t, fetch("broken"), ErrMalformed)
	require.ErrorIs(t, fetch("other"), ErrNetwork)
	require.ErrorIs(t, NewLastFM(LastFMConfig{}).Check(), ErrConfig)

	var adapterErr *AdapterError
	require.ErrorAs(t, fetch("denied"), &adapterErr)
	require.Equal(t, SourceListenBrainz, adapterErr.Source)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(NewPinboard(PinboardConfig{}), NewTrakt(TraktConfig{}))
	a, err := reg.Lookup(" Trakt ")
	require.NoError(t, err)
	require.Equal(t, SourceTrakt, a.ID())
	_, err = reg.Lookup("myspace")
	require.ErrorIs(t, err, ErrUnknownSource)
	require.Equal(t, []SourceID{SourcePinboard, SourceTrakt}, reg.IDs())
}

func TestThrottleGateRejectsWithinInterval(t *testing.T) {
	gate := NewThrottleGate(time.Hour)
	require.NoError(t, gate.Allow("alice"))
	require.ErrorIs(t, gate.Allow("alice"), ErrThrottled)
	require.NoError(t, gate.Allow("bob"))

	short := NewThrottleGate(20 * time.Millisecond)
	require.NoError(t, short.Allow("alice"))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, short.Allow("alice"))
}

func TestTraktSearchThroughGate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search/movie,show", r.URL.Path)
		_, _ = w.Write([]byte(`[{"type":"movie","score":10.5,"movie":{"title":"Heat","year":1995,"ids":{"imdb":"tt0113277"}}}]`))
	}))
	defer server.Close()

	src := NewTrakt(TraktConfig{ClientID: "cid", BaseURL: server.URL, HTTPClient: server.Client()})
	gate := NewThrottleGate(time.Hour)
	results, err := ThrottledSearch(context.Background(), gate, src, "alice", "heat", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Heat", results[0].Title)
	_, err = ThrottledSearch(context.Background(), gate, src, "alice", "heat", 5)
	require.ErrorIs(t, err, ErrThrottled)
}
