package ota

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/events"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int // sign only
	}{
		{"v1.2.4", "v1.2.3", 1},
		{"v1.2.3", "v1.2.4", -1},
		{"v2.0.0", "v1.9.9", 1},
		{"1.2.3", "v1.2.3", 0},
		{"v1.3.0", "v1.2.9", 1},
		// Release beats a prerelease of the same base.
		{"v1.2.3", "v1.2.3-dev.1", 1},
		{"v1.2.3-dev.1", "v1.2.3", -1},
		// Different suffixes are not comparable: the left argument wins,
		// in both orderings.
		{"v1.2.3-dev.1", "v1.2.3-dev.2", 1},
		{"v1.2.3-dev.2", "v1.2.3-dev.1", 1},
		{"v1.2.3-dev.1", "v1.2.3-dev.1", 0},
		// Local git-describe build offered the next official prerelease.
		{"v1.2.3-dev.1", "v1.2.3-6-ga026865", 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_vs_%s", tt.a, tt.b), func(t *testing.T) {
			got := CompareVersions(tt.a, tt.b)
			switch {
			case tt.want > 0:
				assert.Positive(t, got)
			case tt.want < 0:
				assert.Negative(t, got)
			default:
				assert.Zero(t, got)
			}
		})
	}
}

func TestExtractSummary(t *testing.T) {
	body := "intro text\n### Summary\nFixes the meridian countdown.\nAnd more.\n### Changes\n- stuff"
	assert.Equal(t, "Fixes the meridian countdown.\nAnd more.", ExtractSummary(body))

	body = "### summary\nlowercase heading works\n## Next"
	assert.Equal(t, "lowercase heading works", ExtractSummary(body))

	assert.Equal(t, "plain body, no heading", ExtractSummary("plain body, no heading\n"))

	long := bytes.Repeat([]byte("x"), maxSummaryLen*2)
	assert.Len(t, ExtractSummary(string(long)), maxSummaryLen)
}

func newTestCoordinator(t *testing.T, feedURL string) (*Coordinator, *events.Log, string) {
	t.Helper()
	dir := t.TempDir()
	log := events.NewLog(events.DefaultCapacity, zap.NewNop())
	slot := NewFileSlot(filepath.Join(dir, "firmware.bin"))
	c := NewCoordinator(feedURL, dir, "v1.0.0", slot, log, zap.NewNop())
	return c, log, dir
}

func releaseFeed(assetURL string) string {
	return `[
		{"tag_name":"v9.9.9","draft":true,"prerelease":false,"body":"",
		 "assets":[{"name":"nina-display-ota.bin","browser_download_url":"` + assetURL + `"}]},
		{"tag_name":"v2.0.0-dev.1","draft":false,"prerelease":true,"body":"",
		 "assets":[{"name":"nina-display-ota.bin","browser_download_url":"` + assetURL + `"}]},
		{"tag_name":"v1.5.0","draft":false,"prerelease":false,"body":"### Summary\nBig fixes.",
		 "assets":[{"name":"sources.zip","browser_download_url":"x"},
		           {"name":"nina-display-ota.bin","browser_download_url":"` + assetURL + `"}]},
		{"tag_name":"v0.9.0","draft":false,"prerelease":false,"body":"",
		 "assets":[{"name":"nina-display-ota.bin","browser_download_url":"` + assetURL + `"}]}
	]`
}

func TestCheckPicksNewestStableRelease(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/releases":
			fmt.Fprint(w, releaseFeed(srv.URL+"/asset"))
		case "/asset":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, log, _ := newTestCoordinator(t, srv.URL+"/releases")
	rel, err := c.Check(context.Background(), ChannelStable)
	require.NoError(t, err)
	require.NotNil(t, rel)

	// Draft and prerelease skipped, v0.9.0 not newer than v1.0.0.
	assert.Equal(t, "v1.5.0", rel.Tag)
	assert.Equal(t, "Big fixes.", rel.Summary)
	assert.False(t, rel.Prerelease)
	assert.Equal(t, StateAvailable, c.Status().State)

	entries := log.Recent()
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0].Message, "Update available: v1.5.0")
}

func TestCheckPrereleaseChannel(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/releases" {
			fmt.Fprint(w, releaseFeed(srv.URL+"/asset"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _, _ := newTestCoordinator(t, srv.URL+"/releases")
	rel, err := c.Check(context.Background(), ChannelPrerelease)
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, "v2.0.0-dev.1", rel.Tag)
	assert.True(t, rel.Prerelease)
}

func TestCheckUpToDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"tag_name":"v1.0.0","draft":false,"prerelease":false,"body":"","assets":[]}]`)
	}))
	defer srv.Close()

	c, _, _ := newTestCoordinator(t, srv.URL)
	rel, err := c.Check(context.Background(), ChannelStable)
	require.NoError(t, err)
	assert.Nil(t, rel)
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestCheckFeedErrorSetsErrorState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _, _ := newTestCoordinator(t, srv.URL)
	_, err := c.Check(context.Background(), ChannelStable)
	require.Error(t, err)
	st := c.Status()
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Err, "check failed")
}

func TestAutoCheckStagesRelease(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/releases":
			fmt.Fprint(w, releaseFeed(srv.URL+"/asset"))
		case "/asset":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _, _ := newTestCoordinator(t, srv.URL+"/releases")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunAutoCheck(ctx, 10*time.Millisecond, func() (bool, Channel) {
		return true, ChannelStable
	})

	require.Eventually(t, func() bool {
		return c.Status().State == StateAvailable
	}, 2*time.Second, 10*time.Millisecond)

	// Staged only. The image was never fetched.
	st := c.Status()
	require.NotNil(t, st.Release)
	assert.Equal(t, "v1.5.0", st.Release.Tag)
	assert.Zero(t, st.Progress)
}

func TestAutoCheckDisabledStaysIdle(t *testing.T) {
	checked := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case checked <- struct{}{}:
		default:
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c, _, _ := newTestCoordinator(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunAutoCheck(ctx, 10*time.Millisecond, func() (bool, Channel) {
		return false, ChannelStable
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, checked)
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestResolveAssetURL(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer final.Close()

	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/blob", http.StatusFound)
	}))
	defer redirecting.Close()

	c, _, _ := newTestCoordinator(t, "http://unused")

	// 302 yields the Location target.
	assert.Equal(t, final.URL+"/blob", c.resolveAssetURL(context.Background(), redirecting.URL))
	// 200 keeps the original URL.
	assert.Equal(t, final.URL, c.resolveAssetURL(context.Background(), final.URL))
	// Unreachable hosts fall back to the original URL.
	assert.Equal(t, "http://127.0.0.1:1/x", c.resolveAssetURL(context.Background(), "http://127.0.0.1:1/x"))
}

func TestDownloadCommitsImage(t *testing.T) {
	image := bytes.Repeat([]byte{0xA5}, chunkSize*3+17)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/releases":
			fmt.Fprint(w, releaseFeed(srv.URL+"/asset"))
		default:
			w.Header().Set("Content-Length", strconv.Itoa(len(image)))
			w.Write(image)
		}
	}))
	defer srv.Close()

	c, log, dir := newTestCoordinator(t, srv.URL+"/releases")
	_, err := c.Check(context.Background(), ChannelStable)
	require.NoError(t, err)

	var lastPct int
	require.NoError(t, c.Download(context.Background(), func(pct int) { lastPct = pct }))
	assert.Equal(t, 100, lastPct)

	st := c.Status()
	assert.Equal(t, StateRebootPending, st.State)
	assert.Equal(t, 100, st.Progress)

	written, err := os.ReadFile(filepath.Join(dir, "firmware.bin"))
	require.NoError(t, err)
	assert.Equal(t, image, written)

	// The installed tag survives for the next comparison.
	assert.Equal(t, "v1.5.0", c.InstalledVersion())
	entries := log.Recent()
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0].Message, "Update installed: v1.5.0")
}

func TestDownloadWithoutStagedRelease(t *testing.T) {
	c, _, _ := newTestCoordinator(t, "http://unused")
	assert.Error(t, c.Download(context.Background(), nil))
}

func TestDownloadFailureAborts(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/releases":
			fmt.Fprint(w, releaseFeed(srv.URL+"/asset"))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c, _, dir := newTestCoordinator(t, srv.URL+"/releases")
	_, err := c.Check(context.Background(), ChannelStable)
	require.NoError(t, err)

	require.Error(t, c.Download(context.Background(), nil))
	assert.Equal(t, StateError, c.Status().State)
	_, statErr := os.Stat(filepath.Join(dir, "firmware.bin"))
	assert.True(t, os.IsNotExist(statErr))

	// Installed version is untouched after a failed update.
	assert.Equal(t, "v1.0.0", c.InstalledVersion())
}

func TestInstalledVersionFallsBackToBuildTag(t *testing.T) {
	c, _, dir := newTestCoordinator(t, "http://unused")
	assert.Equal(t, "v1.0.0", c.InstalledVersion())

	require.NoError(t, os.WriteFile(filepath.Join(dir, versionFileName), []byte("v1.4.0\n"), 0o644))
	assert.Equal(t, "v1.4.0", c.InstalledVersion())
}

func TestFileSlotAbortLeavesNoPartial(t *testing.T) {
	dir := t.TempDir()
	slot := NewFileSlot(filepath.Join(dir, "fw.bin"))
	require.NoError(t, slot.Begin(0))
	_, err := slot.Write([]byte("partial"))
	require.NoError(t, err)
	slot.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
