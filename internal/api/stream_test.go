package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlwatch/internal/event"
	"github.com/JakeFAU/crawlwatch/internal/pubsub"
)

func readFrame(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &out))
		return out
	}
}

func TestStatusStreamOutlivesRequestTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.RequestTimeout = 50 * time.Millisecond
	env := newEnv(t, cfg)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/crawlers/7/status_stream/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	hello := readFrame(t, reader)
	assert.Equal(t, "hello", hello["type"])
	assert.EqualValues(t, 7, hello["crawler_id"])

	channel := pubsub.ChannelName(7)
	require.Eventually(t, func() bool { return env.broker.Subscribers(channel) == 1 }, time.Second, 5*time.Millisecond)

	// Wait past the request timeout before publishing.
	time.Sleep(2 * cfg.Server.RequestTimeout)
	payload, err := event.Encode(event.CrawlerUpdate{CrawlerID: 7, State: "RUNNING", Timestamp: 1})
	require.NoError(t, err)
	require.NoError(t, env.broker.Publish(ctx, channel, payload))

	update := readFrame(t, reader)
	assert.Equal(t, "crawler_update", update["type"])
	assert.Equal(t, "RUNNING", update["state"])
}

func TestStatusStreamEndsWithErrorFrameWhenBrokerDrops(t *testing.T) {
	t.Parallel()

	env := newEnv(t, testConfig())
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/crawlers/3/status_stream/")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "hello", readFrame(t, reader)["type"])

	channel := pubsub.ChannelName(3)
	require.Eventually(t, func() bool { return env.broker.Subscribers(channel) == 1 }, time.Second, 5*time.Millisecond)
	env.broker.Invalidate(channel)

	last := readFrame(t, reader)
	assert.Equal(t, "error", last["type"])
	assert.Equal(t, "subscription closed", last["message"])
}

func TestStatusStreamRejectsBadCrawlerID(t *testing.T) {
	t.Parallel()

	env := newEnv(t, testConfig())
	rec := env.do(t, http.MethodGet, "/api/crawlers/nope/status_stream/", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
