// Package ota checks a release feed for newer firmware, resolves the asset
// download URL, and streams the image into the inactive slot.
package ota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/events"
)

const (
	// DefaultFeedURL is the GitHub release feed.
	DefaultFeedURL = "https://api.github.com/repos/unklstewy/nina-display/releases?per_page=5"
	// AssetName is the firmware asset attached to eligible releases.
	AssetName = "nina-display-ota.bin"

	// chunkSize is the streaming write granularity.
	chunkSize = 4096
	// maxSummaryLen bounds the release notes carried to the UI.
	maxSummaryLen = 2048
	// estimatedImageSize stands in for a missing Content-Length so the
	// progress bar still moves.
	estimatedImageSize = 2 * 1024 * 1024

	checkTimeout    = 15 * time.Second
	downloadTimeout = 5 * time.Minute

	// DefaultAutoCheckInterval spaces unattended feed checks.
	DefaultAutoCheckInterval = 6 * time.Hour

	versionFileName = "installed-version"
)

// State is the coordinator's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateChecking
	StateAvailable
	StateDownloading
	StateVerified
	StateCommitted
	StateRebootPending
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateAvailable:
		return "available"
	case StateDownloading:
		return "downloading"
	case StateVerified:
		return "verified"
	case StateCommitted:
		return "committed"
	case StateRebootPending:
		return "reboot_pending"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Channel selects which releases are eligible.
type Channel int

const (
	ChannelStable Channel = iota
	ChannelPrerelease
)

// Release describes one eligible update.
type Release struct {
	Tag        string `json:"tag"`
	Summary    string `json:"summary"`
	AssetURL   string `json:"asset_url"`
	Prerelease bool   `json:"prerelease"`
}

// Status is a copy of the coordinator's externally visible state.
type Status struct {
	State    State
	Progress int
	Err      string
	Release  *Release
}

// feedRelease mirrors the release feed's JSON shape.
type feedRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
	Body       string `json:"body"`
	Assets     []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// Coordinator drives the update lifecycle. One download runs at a time.
type Coordinator struct {
	feedURL      string
	dataDir      string
	buildVersion string
	slot         SlotWriter
	log          *events.Log
	logger       *zap.Logger

	// noRedirect performs the resolve GET without chasing redirects; the
	// download client follows them normally.
	noRedirect *http.Client
	download   *http.Client

	mu       sync.Mutex
	state    State
	errMsg   string
	progress int
	release  *Release
	busy     bool
}

// NewCoordinator creates a coordinator persisting its version tag under
// dataDir. buildVersion is the compiled-in fallback.
func NewCoordinator(feedURL, dataDir, buildVersion string, slot SlotWriter, log *events.Log, logger *zap.Logger) *Coordinator {
	if feedURL == "" {
		feedURL = DefaultFeedURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		feedURL:      feedURL,
		dataDir:      dataDir,
		buildVersion: buildVersion,
		slot:         slot,
		log:          log,
		logger:       logger.With(zap.String("subsystem", "ota")),
		noRedirect: &http.Client{
			Timeout: checkTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		download: &http.Client{Timeout: downloadTimeout},
	}
}

// InstalledVersion returns the tag written by the last successful update,
// falling back to the compiled-in build version.
func (c *Coordinator) InstalledVersion() string {
	data, err := os.ReadFile(c.versionPath())
	if err == nil {
		if tag := strings.TrimSpace(string(data)); tag != "" {
			return tag
		}
	}
	return c.buildVersion
}

// Status returns a copy of the visible state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, Progress: c.progress, Err: c.errMsg}
	if c.release != nil {
		r := *c.release
		st.Release = &r
	}
	return st
}

// Check queries the feed for a release strictly newer than the installed
// version on the given channel. Returns (nil, nil) when up to date.
func (c *Coordinator) Check(ctx context.Context, channel Channel) (*Release, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("update in progress")
	}
	c.state = StateChecking
	c.errMsg = ""
	c.progress = 0
	c.release = nil
	c.mu.Unlock()

	current := c.InstalledVersion()
	release, err := c.fetchFeed(ctx, channel, current)
	if err != nil {
		c.fail(fmt.Sprintf("check failed: %v", err))
		return nil, err
	}
	if release == nil {
		c.logger.Info("No newer release", zap.String("current", current))
		c.setState(StateIdle)
		return nil, nil
	}

	release.AssetURL = c.resolveAssetURL(ctx, release.AssetURL)

	c.mu.Lock()
	c.state = StateAvailable
	c.release = release
	c.mu.Unlock()

	c.log.Addf(events.SeverityInfo, events.SystemInstance, "Update available: %s", release.Tag)
	c.logger.Info("Update available",
		zap.String("tag", release.Tag),
		zap.Bool("prerelease", release.Prerelease))
	r := *release
	return &r, nil
}

// RunAutoCheck periodically queries the feed until the context is
// cancelled. enabled is read before every check so the setting can change
// at runtime; a found release is staged for the user, never auto-installed.
func (c *Coordinator) RunAutoCheck(ctx context.Context, interval time.Duration, enabled func() (bool, Channel)) {
	if interval <= 0 {
		interval = DefaultAutoCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		on, channel := enabled()
		if !on {
			continue
		}
		if st := c.Status().State; st != StateIdle && st != StateError {
			continue
		}
		if _, err := c.Check(ctx, channel); err != nil {
			c.logger.Warn("Scheduled update check failed", zap.Error(err))
		}
	}
}

// Download streams the available release into the slot and commits it.
// progress, when non-nil, receives integer percentages. Not cancellable once
// the stream starts; ctx only bounds connection setup.
func (c *Coordinator) Download(ctx context.Context, progress func(int)) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return fmt.Errorf("update in progress")
	}
	if c.state != StateAvailable || c.release == nil {
		c.mu.Unlock()
		return fmt.Errorf("no release staged")
	}
	release := *c.release
	c.busy = true
	c.state = StateDownloading
	c.progress = 0
	c.mu.Unlock()

	err := c.runDownload(ctx, release, progress)
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
	if err != nil {
		c.slot.Abort()
		c.fail(err.Error())
		return err
	}

	c.saveInstalledVersion(release.Tag)
	c.setState(StateRebootPending)
	c.log.Addf(events.SeveritySuccess, events.SystemInstance, "Update installed: %s", release.Tag)
	c.logger.Info("Update installed, reboot pending", zap.String("tag", release.Tag))
	return nil
}

func (c *Coordinator) runDownload(ctx context.Context, release Release, progress func(int)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, release.AssetURL, nil)
	if err != nil {
		return fmt.Errorf("download request: %w", err)
	}
	resp, err := c.download.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = estimatedImageSize
		c.logger.Warn("Content length unknown, estimating", zap.Int64("estimate", total))
	}
	if err := c.slot.Begin(total); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	var received int64
	lastPct := -1
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.slot.Write(buf[:n]); werr != nil {
				return fmt.Errorf("slot write: %w", werr)
			}
			received += int64(n)
			pct := int(received * 100 / total)
			if pct > 100 {
				pct = 100
			}
			if pct != lastPct {
				lastPct = pct
				c.setProgress(pct)
				if progress != nil {
					progress(pct)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("download read: %w", rerr)
		}
	}

	c.setState(StateVerified)
	if err := c.slot.Commit(); err != nil {
		return err
	}
	c.setState(StateCommitted)
	c.setProgress(100)
	c.logger.Info("Image committed", zap.Int64("bytes", received))
	return nil
}

// fetchFeed returns the first eligible release newer than current, or nil.
func (c *Coordinator) fetchFeed(ctx context.Context, channel Channel, current string) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.noRedirect.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed fetch: unexpected status %d", resp.StatusCode)
	}

	var releases []feedRelease
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("feed parse: %w", err)
	}

	for _, rel := range releases {
		if rel.Draft {
			continue
		}
		// Each channel only sees its own releases.
		if rel.Prerelease != (channel == ChannelPrerelease) {
			continue
		}
		if rel.TagName == "" || CompareVersions(rel.TagName, current) <= 0 {
			continue
		}
		assetURL := ""
		for _, asset := range rel.Assets {
			if asset.Name == AssetName {
				assetURL = asset.BrowserDownloadURL
				break
			}
		}
		if assetURL == "" {
			c.logger.Warn("Release has no firmware asset, skipping",
				zap.String("tag", rel.TagName))
			continue
		}
		return &Release{
			Tag:        rel.TagName,
			Summary:    ExtractSummary(rel.Body),
			AssetURL:   assetURL,
			Prerelease: rel.Prerelease,
		}, nil
	}
	return nil, nil
}

// resolveAssetURL chases at most one redirect with a non-following GET:
// 301/302 yield the Location header, 200 keeps the original, anything else
// falls back to the original URL.
func (c *Coordinator) resolveAssetURL(ctx context.Context, rawURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return rawURL
	}
	resp, err := c.noRedirect.Do(req)
	if err != nil {
		c.logger.Warn("Redirect resolve failed, using original URL", zap.Error(err))
		return rawURL
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, chunkSize))
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound:
		if loc := resp.Header.Get("Location"); loc != "" {
			c.logger.Info("Resolved asset URL via redirect",
				zap.Int("status", resp.StatusCode))
			return loc
		}
	case http.StatusOK:
	default:
		c.logger.Warn("Unexpected resolve status, using original URL",
			zap.Int("status", resp.StatusCode))
	}
	return rawURL
}

// ExtractSummary pulls the "### Summary" section out of release notes,
// stopping at the next heading. Without one it returns the leading body
// text, capped either way.
func ExtractSummary(body string) string {
	lower := strings.ToLower(body)
	if i := strings.Index(lower, "### summary"); i >= 0 {
		rest := body[i:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
			end := len(rest)
			if j := strings.Index(rest, "\n### "); j >= 0 {
				end = j
			} else if j := strings.Index(rest, "\n## "); j >= 0 {
				end = j
			}
			return capSummary(strings.TrimSpace(rest[:end]))
		}
	}
	return capSummary(strings.TrimSpace(body))
}

func capSummary(s string) string {
	if len(s) > maxSummaryLen {
		return s[:maxSummaryLen]
	}
	return s
}

func (c *Coordinator) saveInstalledVersion(tag string) {
	if err := os.MkdirAll(c.dataDir, 0o755); err != nil {
		c.logger.Warn("Version tag dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(c.versionPath(), []byte(tag+"\n"), 0o644); err != nil {
		c.logger.Warn("Version tag write", zap.Error(err))
	}
}

func (c *Coordinator) versionPath() string {
	return filepath.Join(c.dataDir, versionFileName)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) setProgress(pct int) {
	c.mu.Lock()
	c.progress = pct
	c.mu.Unlock()
}

func (c *Coordinator) fail(msg string) {
	c.mu.Lock()
	c.state = StateError
	c.errMsg = msg
	c.mu.Unlock()
	c.log.Addf(events.SeverityError, events.SystemInstance, "Update failed: %s", msg)
	c.logger.Error("Update failed", zap.String("reason", msg))
}
