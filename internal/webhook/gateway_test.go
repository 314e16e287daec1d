package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/activitysync/internal/content"
	"github.com/agentworkforce/activitysync/internal/item"
	"github.com/agentworkforce/activitysync/internal/review"
	"github.com/agentworkforce/activitysync/internal/upsert"
)

var receivedAt = time.Date(2024, 6, 2, 20, 15, 0, 0, time.UTC)

type harness struct {
	gateway  *Gateway
	registry *Registry
	secrets  *SecretStore
	repo     *content.MemoryRepository
	queue    *review.Queue
}

func newHarness(t *testing.T, autoPost bool, mutate func(*Options)) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	endpoints, err := DefaultEndpoints(autoPost)
	require.NoError(t, err)
	registry := NewRegistry(endpoints...)
	secrets, err := NewSecretStore("")
	require.NoError(t, err)
	repo := content.NewMemoryRepository()
	engine := upsert.NewEngine(repo, nil, logger)
	queue, err := review.NewQueue(review.NewMemoryBackend(), engine, review.Options{Logger: logger})
	require.NoError(t, err)
	opts := Options{
		PostStatus: "publish",
		Now:        func() time.Time { return receivedAt },
		Logger:     logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{
		gateway:  NewGateway(registry, secrets, engine, queue, opts),
		registry: registry,
		secrets:  secrets,
		repo:     repo,
		queue:    queue,
	}
}

func (h *harness) secret(t *testing.T, service Service) string {
	t.Helper()
	s, err := h.secrets.Secret(service)
	require.NoError(t, err)
	return s
}

func jsonRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/x", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

const jellyfinMovieStop = `{
	"NotificationType": "PlaybackStop",
	"PlayedToCompletion": true,
	"ItemType": "Movie",
	"Name": "Heat",
	"Year": 1995,
	"UtcTimestamp": "2024-06-02T19:00:00Z",
	"Provider_imdb": "tt0113277"
}`

func TestTokenAuthRejectsBeforeAnyWork(t *testing.T) {
	h := newHarness(t, true, nil)
	plexSecret := h.secret(t, ServicePlex)
	jellyfinSecret := h.secret(t, ServiceJellyfin)
	require.NotEqual(t, plexSecret, jellyfinSecret)

	unauthorizedBefore := testutil.ToFloat64(requestsTotal.WithLabelValues("jellyfin", "unauthorized"))

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{name: "missing", token: "", status: http.StatusUnauthorized},
		{name: "wrong", token: "nope", status: http.StatusForbidden},
		{name: "other service", token: plexSecret, status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := jsonRequest(jellyfinMovieStop)
			if tc.token != "" {
				req.Header.Set("X-Webhook-Token", tc.token)
			}
			_, werr := h.gateway.Handle(context.Background(), "jellyfin", req)
			require.NotNil(t, werr)
			require.Equal(t, tc.status, werr.Status)
		})
	}
	require.Equal(t, 0, h.repo.Len())
	require.Equal(t, 0, h.queue.Len())
	require.InDelta(t, unauthorizedBefore+1, testutil.ToFloat64(requestsTotal.WithLabelValues("jellyfin", "unauthorized")), 0.001)

	req := jsonRequest(jellyfinMovieStop)
	req.Header.Set("Authorization", "Bearer "+jellyfinSecret)
	resp, werr := h.gateway.Handle(context.Background(), "jellyfin", req)
	require.Nil(t, werr)
	require.Equal(t, "created", resp.Action)
	require.Len(t, resp.IDs, 1)

	rec, err := h.repo.Get(context.Background(), resp.IDs[0])
	require.NoError(t, err)
	require.Equal(t, "Watched Heat", rec.Fields["title"])
	require.Equal(t, "2024-06-02", rec.Fields["date"])
}

func TestTokenAcceptedFromQueryParameter(t *testing.T) {
	h := newHarness(t, false, nil)
	req := jsonRequest(jellyfinMovieStop)
	req.URL.RawQuery = "token=" + h.secret(t, ServiceJellyfin)
	resp, werr := h.gateway.Handle(context.Background(), "Jellyfin", req)
	require.Nil(t, werr)
	require.Equal(t, "queued", resp.Action)
	require.Equal(t, 1, h.queue.Len())
	require.Equal(t, "jellyfin", h.queue.List()[0].Service)
}

func TestHMACAuth(t *testing.T) {
	h := newHarness(t, true, nil)
	hmacAuth := AuthHMAC
	require.NoError(t, h.registry.Apply(Settings{Endpoints: map[Service]EndpointSettings{
		ServiceGeneric: {Auth: &hmacAuth},
	}}))
	body := `{"title":"Deployed v2"}`
	mac := hmac.New(sha256.New, []byte(h.secret(t, ServiceGeneric)))
	mac.Write([]byte(body))
	signature := hex.EncodeToString(mac.Sum(nil))

	req := jsonRequest(body)
	_, werr := h.gateway.Handle(context.Background(), "generic", req)
	require.NotNil(t, werr)
	require.Equal(t, http.StatusUnauthorized, werr.Status)

	req = jsonRequest(body)
	req.Header.Set("X-Webhook-Signature", "sha256="+strings.Repeat("0", 64))
	_, werr = h.gateway.Handle(context.Background(), "generic", req)
	require.NotNil(t, werr)
	require.Equal(t, http.StatusForbidden, werr.Status)
	require.Equal(t, 0, h.repo.Len())

	req = jsonRequest(body)
	req.Header.Set("X-Webhook-Signature", "sha256="+signature)
	resp, werr := h.gateway.Handle(context.Background(), "generic", req)
	require.Nil(t, werr)
	require.Equal(t, "created", resp.Action)
	rec, err := h.repo.Get(context.Background(), resp.IDs[0])
	require.NoError(t, err)
	require.Equal(t, "Deployed v2", rec.Fields["title"])
	require.Equal(t, "note", rec.Fields["kind"])
}

func TestBasicAuth(t *testing.T) {
	h := newHarness(t, false, nil)
	basic := AuthBasic
	require.NoError(t, h.registry.Apply(Settings{Endpoints: map[Service]EndpointSettings{
		ServiceJellyfin: {Auth: &basic, BasicUser: "jelly", BasicPassword: "fin"},
	}}))

	req := jsonRequest(jellyfinMovieStop)
	_, werr := h.gateway.Handle(context.Background(), "jellyfin", req)
	require.Equal(t, http.StatusUnauthorized, werr.Status)

	req = jsonRequest(jellyfinMovieStop)
	req.SetBasicAuth("jelly", "wrong")
	_, werr = h.gateway.Handle(context.Background(), "jellyfin", req)
	require.Equal(t, http.StatusForbidden, werr.Status)

	req = jsonRequest(jellyfinMovieStop)
	req.SetBasicAuth("jelly", "fin")
	resp, werr := h.gateway.Handle(context.Background(), "jellyfin", req)
	require.Nil(t, werr)
	require.Equal(t, "queued", resp.Action)
}

func plexRequest(t *testing.T, payload string, token string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("payload", payload))
	part, err := w.CreateFormFile("thumb", "thumb.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte{0xff, 0xd8, 0xff})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/plex?token="+token, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestPlexEpisodeScrobbleFromMultipart(t *testing.T) {
	h := newHarness(t, true, nil)
	token := h.secret(t, ServicePlex)
	payload := `{
		"event": "media.scrobble",
		"Metadata": {
			"type": "episode",
			"title": "Pilot",
			"grandparentTitle": "Severance",
			"parentIndex": 1,
			"index": 1,
			"lastViewedAt": 1717354800,
			"Guid": [{"id": "imdb://tt11280740"}, {"id": "tvdb://371980"}]
		}
	}`

	resp, werr := h.gateway.Handle(context.Background(), "plex", plexRequest(t, payload, token))
	require.Nil(t, werr)
	require.Equal(t, "created", resp.Action)
	rec, err := h.repo.Get(context.Background(), resp.IDs[0])
	require.NoError(t, err)
	require.Equal(t, "Watched Severance S01E01", rec.Fields["title"])
	require.Equal(t, map[string]any{"imdb": "tt11280740", "tvdb": "371980"}, rec.Fields["external_ids"])

	resp, werr = h.gateway.Handle(context.Background(), "plex", plexRequest(t, payload, token))
	require.Nil(t, werr)
	require.Equal(t, "skipped", resp.Action)
	require.Equal(t, 1, h.repo.Len())
}

func TestNonTerminalEventsAreIgnored(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	resp, werr := h.gateway.Handle(ctx, "plex", plexRequest(t, `{"event":"media.play","Metadata":{"type":"movie","title":"Heat"}}`, h.secret(t, ServicePlex)))
	require.Nil(t, werr)
	require.Equal(t, Response{Action: "ignored"}, resp)

	req := jsonRequest(strings.Replace(jellyfinMovieStop, `"PlayedToCompletion": true`, `"PlayedToCompletion": "False"`, 1))
	req.Header.Set("X-Webhook-Token", h.secret(t, ServiceJellyfin))
	resp, werr = h.gateway.Handle(ctx, "jellyfin", req)
	require.Nil(t, werr)
	require.Equal(t, "ignored", resp.Action)

	resp, werr = h.gateway.Handle(ctx, "trakt", jsonRequest(`{"action":"start","movie":{"title":"Heat"}}`))
	require.Nil(t, werr)
	require.Equal(t, "ignored", resp.Action)

	req = jsonRequest(`{"listen_type":"import","payload":[{"track_metadata":{"track_name":"Cybele's Reverie","artist_name":"Stereolab"}}]}`)
	req.Header.Set("X-Webhook-Token", h.secret(t, ServiceListenBrainz))
	resp, werr = h.gateway.Handle(ctx, "listenbrainz", req)
	require.Nil(t, werr)
	require.Equal(t, "ignored", resp.Action)

	require.Equal(t, 0, h.repo.Len())
	require.Equal(t, 0, h.queue.Len())
}

func TestTraktScrobbleNeedsNoCredentials(t *testing.T) {
	h := newHarness(t, false, nil)
	resp, werr := h.gateway.Handle(context.Background(), "trakt", jsonRequest(`{
		"action": "scrobble",
		"show": {"title": "Severance", "year": 2022, "ids": {"imdb": "tt11280740"}},
		"episode": {"title": "Pilot", "season": 1, "number": 1}
	}`))
	require.Nil(t, werr)
	require.Equal(t, "queued", resp.Action)
	entry := h.queue.List()[0]
	require.Equal(t, "Severance", entry.Item.Show)
	require.True(t, entry.Item.OccurredAt.Equal(receivedAt))
}

func TestListenBrainzPlayingNowUsesReceiveTime(t *testing.T) {
	h := newHarness(t, false, nil)
	req := jsonRequest(`{"listen_type":"playing_now","payload":[{"track_metadata":{"track_name":"Cybele's Reverie","artist_name":"Stereolab","additional_info":{"recording_mbid":"abc"}}}]}`)
	req.Header.Set("X-Webhook-Token", h.secret(t, ServiceListenBrainz))
	resp, werr := h.gateway.Handle(context.Background(), "listenbrainz", req)
	require.Nil(t, werr)
	require.Equal(t, 1, resp.Items)
	got := h.queue.List()[0].Item
	require.Equal(t, item.KindListen, got.Kind)
	require.True(t, got.OccurredAt.Equal(receivedAt))
	require.Equal(t, "abc", got.ExternalID["musicbrainz"])
}

func TestMalformedAndNonConformingPayloads(t *testing.T) {
	h := newHarness(t, true, nil)
	token := h.secret(t, ServiceJellyfin)

	req := jsonRequest(`{"NotificationType":`)
	req.Header.Set("X-Webhook-Token", token)
	_, werr := h.gateway.Handle(context.Background(), "jellyfin", req)
	require.Equal(t, http.StatusBadRequest, werr.Status)
	require.Equal(t, "invalid_json", werr.Code)

	req = jsonRequest(`{"Name":"Heat"}`)
	req.Header.Set("X-Webhook-Token", token)
	_, werr = h.gateway.Handle(context.Background(), "jellyfin", req)
	require.Equal(t, http.StatusBadRequest, werr.Status)
	require.Equal(t, "schema_violation", werr.Code)

	req = jsonRequest(`{"NotificationType":"PlaybackStop","PlayedToCompletion":true,"ItemType":"Movie"}`)
	req.Header.Set("X-Webhook-Token", token)
	_, werr = h.gateway.Handle(context.Background(), "jellyfin", req)
	require.Equal(t, http.StatusUnprocessableEntity, werr.Status)
	require.Equal(t, 0, h.repo.Len())
}

func TestOversizedBodyIsRejected(t *testing.T) {
	h := newHarness(t, true, func(o *Options) { o.MaxBodyBytes = 16 })
	req := jsonRequest(jellyfinMovieStop)
	req.Header.Set("X-Webhook-Token", h.secret(t, ServiceJellyfin))
	_, werr := h.gateway.Handle(context.Background(), "jellyfin", req)
	require.Equal(t, http.StatusRequestEntityTooLarge, werr.Status)
}

func TestGenericHookMapsPayload(t *testing.T) {
	hook := func(payload []byte) ([]item.Item, error) {
		var body struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.URL == "" {
			return nil, nil
		}
		return []item.Item{{Kind: item.KindBookmark, URL: body.URL}}, nil
	}
	h := newHarness(t, false, func(o *Options) { o.Hook = hook })
	token := h.secret(t, ServiceGeneric)

	req := jsonRequest(`{"url":"https://example.com/post"}`)
	req.Header.Set("X-Webhook-Token", token)
	_, werr := h.gateway.Handle(context.Background(), "generic", req)
	require.Nil(t, werr)

	req = jsonRequest(`{"something":"else"}`)
	req.Header.Set("X-Webhook-Token", token)
	_, werr = h.gateway.Handle(context.Background(), "generic", req)
	require.Nil(t, werr)

	entries := h.queue.List()
	require.Len(t, entries, 2)
	require.Equal(t, item.KindBookmark, entries[0].Item.Kind)
	require.Equal(t, "generic", entries[0].Item.Source)
	require.Equal(t, item.KindNote, entries[1].Item.Kind)
	require.Equal(t, `{"something":"else"}`, entries[1].Item.Body)
}

func TestUnknownAndDisabledServices(t *testing.T) {
	h := newHarness(t, true, nil)
	_, werr := h.gateway.Handle(context.Background(), "spotify", jsonRequest(`{}`))
	require.Equal(t, http.StatusNotFound, werr.Status)

	disabled := false
	require.NoError(t, h.registry.Apply(Settings{Endpoints: map[Service]EndpointSettings{
		ServiceTrakt: {Enabled: &disabled},
	}}))
	_, werr = h.gateway.Handle(context.Background(), "trakt", jsonRequest(`{"action":"scrobble","movie":{"title":"Heat"}}`))
	require.Equal(t, http.StatusNotFound, werr.Status)
	require.Equal(t, 0, h.repo.Len())
}

func TestRateLimitPerService(t *testing.T) {
	h := newHarness(t, false, func(o *Options) {
		o.RatePerSecond = 0.001
		o.RateBurst = 1
	})
	body := `{"action":"scrobble","movie":{"title":"Heat"}}`
	_, werr := h.gateway.Handle(context.Background(), "trakt", jsonRequest(body))
	require.Nil(t, werr)
	_, werr = h.gateway.Handle(context.Background(), "trakt", jsonRequest(body))
	require.Equal(t, http.StatusTooManyRequests, werr.Status)

	req := jsonRequest(jellyfinMovieStop)
	req.Header.Set("X-Webhook-Token", h.secret(t, ServiceJellyfin))
	_, werr = h.gateway.Handle(context.Background(), "jellyfin", req)
	require.Nil(t, werr)
}

func TestRejectedCredentialsDoNotSpendRateBudget(t *testing.T) {
	h := newHarness(t, false, func(o *Options) {
		o.RatePerSecond = 0.001
		o.RateBurst = 1
	})
	for i := 0; i < 5; i++ {
		req := jsonRequest(jellyfinMovieStop)
		req.Header.Set("X-Webhook-Token", "nope")
		_, werr := h.gateway.Handle(context.Background(), "jellyfin", req)
		require.NotNil(t, werr)
		require.Equal(t, http.StatusForbidden, werr.Status)
	}

	req := jsonRequest(jellyfinMovieStop)
	req.Header.Set("X-Webhook-Token", h.secret(t, ServiceJellyfin))
	resp, werr := h.gateway.Handle(context.Background(), "jellyfin", req)
	require.Nil(t, werr)
	require.Equal(t, "queued", resp.Action)

	req = jsonRequest(jellyfinMovieStop)
	req.Header.Set("X-Webhook-Token", h.secret(t, ServiceJellyfin))
	_, werr = h.gateway.Handle(context.Background(), "jellyfin", req)
	require.NotNil(t, werr)
	require.Equal(t, http.StatusTooManyRequests, werr.Status)
}

func TestActivityLogKeepsNewestHundred(t *testing.T) {
	h := newHarness(t, false, nil)
	for i := 0; i < 105; i++ {
		_, _ = h.gateway.Handle(context.Background(), "jellyfin", jsonRequest(jellyfinMovieStop))
	}
	_, werr := h.gateway.Handle(context.Background(), "trakt", jsonRequest(`{"action":"pause"}`))
	require.Nil(t, werr)

	activity := h.gateway.Activity(200)
	require.Len(t, activity, 100)
	require.Equal(t, "trakt", activity[0].Service)
	require.Equal(t, "ignored", activity[0].Outcome)
	require.Equal(t, http.StatusUnauthorized, activity[1].Status)
	require.Equal(t, receivedAt, activity[1].ReceivedAt)
}

func TestApplyRejectsInvalidSettings(t *testing.T) {
	h := newHarness(t, false, nil)
	bogus := AuthType("oauth")
	err := h.registry.Apply(Settings{Endpoints: map[Service]EndpointSettings{ServicePlex: {Auth: &bogus}}})
	require.Error(t, err)
	err = h.registry.Apply(Settings{Endpoints: map[Service]EndpointSettings{"myspace": {}}})
	require.ErrorIs(t, err, ErrUnknownService)

	ep, err := h.registry.Lookup("plex")
	require.NoError(t, err)
	require.Equal(t, AuthToken, ep.Auth)
}

func TestApplyResetsToDefaults(t *testing.T) {
	h := newHarness(t, false, nil)
	autoPost := true
	require.NoError(t, h.registry.Apply(Settings{Endpoints: map[Service]EndpointSettings{ServiceTrakt: {AutoPost: &autoPost}}}))
	ep, err := h.registry.Lookup("trakt")
	require.NoError(t, err)
	require.True(t, ep.AutoPost)

	require.NoError(t, h.registry.Apply(Settings{}))
	ep, err = h.registry.Lookup("trakt")
	require.NoError(t, err)
	require.False(t, ep.AutoPost)
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhooks.json")
	s, err := LoadSettings(path)
	require.NoError(t, err)
	require.Empty(t, s.Endpoints)

	require.NoError(t, os.WriteFile(path, []byte(`{"endpoints":{"plex":{"auth":"hmac","enabled":false}}}`), 0o600))
	s, err = LoadSettings(path)
	require.NoError(t, err)
	require.Equal(t, AuthHMAC, *s.Endpoints[ServicePlex].Auth)
	require.False(t, *s.Endpoints[ServicePlex].Enabled)
}

func TestPinnedSecretAuthenticates(t *testing.T) {
	h := newHarness(t, false, nil)
	require.ErrorIs(t, h.gateway.PinSecret("myspace", "x"), ErrUnknownService)
	require.ErrorIs(t, h.gateway.PinSecret("jellyfin", " "), ErrInvalidSecret)
	require.NoError(t, h.gateway.PinSecret("Jellyfin", "configured-in-jellyfin"))

	req := jsonRequest(jellyfinMovieStop)
	req.Header.Set("X-Webhook-Token", "configured-in-jellyfin")
	resp, werr := h.gateway.Handle(context.Background(), "jellyfin", req)
	require.Nil(t, werr)
	require.Equal(t, "queued", resp.Action)

	services := []Service{}
	for _, ep := range h.gateway.Endpoints() {
		services = append(services, ep.Service)
	}
	require.Equal(t, []Service{ServiceGeneric, ServiceJellyfin, ServiceListenBrainz, ServicePlex, ServiceTrakt}, services)
}

func TestSecretStorePersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets", "webhooks.json")
	store, err := NewSecretStore(path)
	require.NoError(t, err)
	first, err := store.Secret(ServicePlex)
	require.NoError(t, err)
	require.Len(t, first, 64)
	require.NoError(t, store.Set(ServiceJellyfin, "pinned"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := NewSecretStore(path)
	require.NoError(t, err)
	again, err := reopened.Secret(ServicePlex)
	require.NoError(t, err)
	require.Equal(t, first, again)
	pinned, err := reopened.Secret(ServiceJellyfin)
	require.NoError(t, err)
	require.Equal(t, "pinned", pinned)
}
