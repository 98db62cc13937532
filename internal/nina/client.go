// Package nina is the REST client for the N.I.N.A. Advanced API. One Client
// per configured instance; each fetcher fills its field group of a
// PollOutcome, leaving sentinels in place when the endpoint is unreachable or
// a field is missing.
package nina

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/perf"
)

const (
	// DefaultRequestTimeout bounds one HTTP request.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultRetryBudget is how many extra attempts transport failures get.
	DefaultRetryBudget = 2
	// maxExposureRemainingS rejects nonsense end times beyond two hours.
	maxExposureRemainingS = 7200
)

// Client fetches state from one instance.
type Client struct {
	base    string
	http    *http.Client
	retries int
	logger  *zap.Logger
	monitor *perf.Monitor
	now     func() time.Time
}

// NewClient creates a client for the given instance base URL. The URL is
// normalized to the "<scheme>://<host>:<port>/v2/api/" form regardless of any
// path the user typed.
func NewClient(rawURL string, monitor *perf.Monitor, logger *zap.Logger) (*Client, error) {
	base, err := NormalizeBaseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: DefaultRequestTimeout},
		retries: DefaultRetryBudget,
		logger:  logger.With(zap.String("subsystem", "nina"), zap.String("base", base)),
		monitor: monitor,
		now:     time.Now,
	}, nil
}

// BaseURL returns the normalized API base.
func (c *Client) BaseURL() string { return c.base }

// SetRequestTimeout applies the configured per-request timeout. Only the
// polling worker may call it; requests in flight keep the old value.
func (c *Client) SetRequestTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.http.Timeout = d
}

// NormalizeBaseURL rewrites a user-entered instance URL to the API root.
func NormalizeBaseURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("empty instance URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid instance URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("instance URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("instance URL has no host: %q", rawURL)
	}
	return fmt.Sprintf("%s://%s/v2/api/", u.Scheme, u.Host), nil
}

// WebSocketURL derives the push channel endpoint from an instance URL.
func WebSocketURL(rawURL string) (string, error) {
	base, err := NormalizeBaseURL(rawURL)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(base)
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/v2/socket", scheme, u.Host), nil
}

// getJSON performs one GET with the retry budget and decodes the "Response"
// envelope into target. Retries apply to transport failures only; a non-2xx
// status or a decode failure is terminal.
func (c *Client) getJSON(ctx context.Context, endpoint string, target interface{}) error {
	start := c.now()
	err := c.getJSONOnce(ctx, endpoint, target)
	for attempt := 0; attempt < c.retries && err != nil && KindOf(err) == ErrTransport; attempt++ {
		if ctx.Err() != nil {
			break
		}
		c.logger.Debug("Retrying fetch",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		err = c.getJSONOnce(ctx, endpoint, target)
	}
	if c.monitor != nil {
		kind := ""
		if err != nil {
			kind = KindOf(err).String()
		}
		c.monitor.ObserveFetch(endpoint, c.now().Sub(start), kind)
	}
	return err
}

func (c *Client) getJSONOnce(ctx context.Context, endpoint string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+endpoint, nil)
	if err != nil {
		return newFetchError(ErrTransport, endpoint, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		kind := ErrTransport
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			kind = ErrTimeout
		}
		return newFetchError(kind, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return newFetchError(ErrHTTPStatus, endpoint, fmt.Errorf("status %d", resp.StatusCode))
	}

	var envelope struct {
		Response json.RawMessage `json:"Response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return newFetchError(ErrParse, endpoint, err)
	}
	if len(envelope.Response) == 0 || string(envelope.Response) == "null" {
		return newFetchError(ErrEmpty, endpoint, fmt.Errorf("missing Response field"))
	}
	if err := json.Unmarshal(envelope.Response, target); err != nil {
		return newFetchError(ErrParse, endpoint, err)
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// FetchCamera fills temperature, cooler power, and exposure-remaining. Its
// error is the connectivity signal for the whole poll: the other fetchers
// are best-effort.
func (c *Client) FetchCamera(ctx context.Context, out *PollOutcome) error {
	var resp struct {
		CameraState     string  `json:"CameraState"`
		Temperature     float64 `json:"Temperature"`
		CoolerPower     float64 `json:"CoolerPower"`
		IsExposing      bool    `json:"IsExposing"`
		ExposureEndTime string  `json:"ExposureEndTime"`
	}
	if err := c.getJSON(ctx, "equipment/camera/info", &resp); err != nil {
		return err
	}

	out.CameraTemperature = resp.Temperature
	out.CoolerPower = resp.CoolerPower
	out.IsExposing = resp.IsExposing

	if resp.IsExposing && resp.ExposureEndTime != "" {
		end, err := ParseISO8601(resp.ExposureEndTime)
		now := c.now()
		if err == nil && clockValid(now) {
			remaining := end.Sub(now).Seconds()
			if remaining >= 0 && remaining <= maxExposureRemainingS {
				out.ExposureRemainingS = remaining
			}
		}
	}
	return nil
}

// FetchGuider fills the guiding RMS fields.
func (c *Client) FetchGuider(ctx context.Context, out *PollOutcome) error {
	type axis struct {
		Arcseconds float64 `json:"Arcseconds"`
	}
	var resp struct {
		RMSError struct {
			RA    *axis `json:"RA"`
			Dec   *axis `json:"Dec"`
			Total *axis `json:"Total"`
		} `json:"RMSError"`
	}
	if err := c.getJSON(ctx, "equipment/guider/info", &resp); err != nil {
		return err
	}
	if resp.RMSError.RA != nil {
		out.RMSRA = resp.RMSError.RA.Arcseconds
	}
	if resp.RMSError.Dec != nil {
		out.RMSDec = resp.RMSError.Dec.Arcseconds
	}
	if resp.RMSError.Total != nil {
		out.RMSTotal = resp.RMSError.Total.Arcseconds
	}
	return nil
}

// FetchMount fills the meridian-flip countdown string.
func (c *Client) FetchMount(ctx context.Context, out *PollOutcome) error {
	var resp struct {
		TimeToMeridianFlipString string `json:"TimeToMeridianFlipString"`
	}
	if err := c.getJSON(ctx, "equipment/mount/info", &resp); err != nil {
		return err
	}
	if resp.TimeToMeridianFlipString != "" {
		out.MeridianFlipCountdown = resp.TimeToMeridianFlipString
	}
	return nil
}

// FetchFocuser fills the focuser position and temperature.
func (c *Client) FetchFocuser(ctx context.Context, out *PollOutcome) error {
	var resp struct {
		Position    int     `json:"Position"`
		Temperature float64 `json:"Temperature"`
	}
	if err := c.getJSON(ctx, "equipment/focuser/info", &resp); err != nil {
		return err
	}
	out.FocuserPosition = resp.Position
	out.FocuserTemperature = resp.Temperature
	return nil
}

// FetchSwitch fills power telemetry from the switch hub's readonly gauges.
func (c *Client) FetchSwitch(ctx context.Context, out *PollOutcome) error {
	type sw struct {
		Name  string  `json:"Name"`
		Value float64 `json:"Value"`
	}
	var resp struct {
		Connected        bool `json:"Connected"`
		ReadonlySwitches []sw `json:"ReadonlySwitches"`
	}
	if err := c.getJSON(ctx, "equipment/switch/info", &resp); err != nil {
		return err
	}
	if !resp.Connected {
		return nil
	}
	for _, s := range resp.ReadonlySwitches {
		if s.Name == "" {
			continue
		}
		out.Switches = append(out.Switches, SwitchReading{Name: s.Name, Value: s.Value})
	}
	return nil
}

// FetchSequenceJSON walks the sequence/json tree for the target, active
// container, running step, and the Smart Exposure triple.
func (c *Client) FetchSequenceJSON(ctx context.Context, out *PollOutcome) error {
	var roots []SeqNode
	if err := c.getJSON(ctx, "sequence/json", &roots); err != nil {
		return err
	}
	walkSequenceJSON(roots, out)
	return nil
}

// FetchSequenceState walks the sequence/state tree for the exposure triple,
// filter, and timed-loop countdown.
func (c *Client) FetchSequenceState(ctx context.Context, out *PollOutcome) error {
	var roots []SeqNode
	if err := c.getJSON(ctx, "sequence/state", &roots); err != nil {
		return err
	}
	walkSequenceState(roots, out)
	return nil
}

// FetchImageHistory fills HFR and star count from the newest entry, with the
// target, exposure time, and filter used as fallbacks when the sequence
// walkers left them empty.
func (c *Client) FetchImageHistory(ctx context.Context, out *PollOutcome) error {
	var entries []struct {
		TargetName   string  `json:"TargetName"`
		ExposureTime float64 `json:"ExposureTime"`
		Filter       string  `json:"Filter"`
		HFR          float64 `json:"HFR"`
		Stars        int     `json:"Stars"`
	}
	if err := c.getJSON(ctx, "image-history", &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	latest := entries[0]
	if latest.HFR > 0 {
		out.HFR = latest.HFR
	}
	if latest.Stars > 0 {
		out.Stars = latest.Stars
	}
	if out.Target == "" && latest.TargetName != "" {
		out.Target = latest.TargetName
	}
	if out.ExposureTotalS <= 0 && latest.ExposureTime > 0 {
		out.ExposureTotalS = latest.ExposureTime
	}
	if out.Filter == "" && latest.Filter != "" {
		out.Filter = latest.Filter
	}
	return nil
}

// FetchFilterWheel fills the current filter iff the sequence walkers did not
// already name one, plus the available filter list for config sync.
func (c *Client) FetchFilterWheel(ctx context.Context, out *PollOutcome) error {
	var resp struct {
		SelectedFilter *struct {
			Name string `json:"Name"`
		} `json:"SelectedFilter"`
		AvailableFilters []struct {
			Name string `json:"Name"`
		} `json:"AvailableFilters"`
	}
	if err := c.getJSON(ctx, "equipment/filterwheel/info", &resp); err != nil {
		return err
	}
	if out.Filter == "" && resp.SelectedFilter != nil {
		out.Filter = resp.SelectedFilter.Name
	}
	for _, f := range resp.AvailableFilters {
		if f.Name != "" {
			out.FilterNames = append(out.FilterNames, f.Name)
		}
	}
	return nil
}

// FetchProfile fills the active profile name.
func (c *Client) FetchProfile(ctx context.Context, out *PollOutcome) error {
	var profiles []struct {
		Name     string `json:"Name"`
		IsActive bool   `json:"IsActive"`
	}
	if err := c.getJSON(ctx, "profile/show", &profiles); err != nil {
		return err
	}
	for _, p := range profiles {
		if p.IsActive {
			out.ProfileName = p.Name
			break
		}
	}
	return nil
}

// Poll runs the full fetcher suite. The camera fetch decides connectivity;
// when it fails the outcome is returned as-is with the error. Failures of
// the remaining fetchers are logged and counted but leave fields at their
// sentinels.
func (c *Client) Poll(ctx context.Context) (*PollOutcome, error) {
	out := NewPollOutcome()

	if err := c.FetchCamera(ctx, out); err != nil {
		return out, err
	}

	fetchers := []struct {
		name string
		fn   func(context.Context, *PollOutcome) error
	}{
		{"sequence-json", c.FetchSequenceJSON},
		{"sequence-state", c.FetchSequenceState},
		{"guider", c.FetchGuider},
		{"mount", c.FetchMount},
		{"image-history", c.FetchImageHistory},
		{"profile", c.FetchProfile},
		{"filterwheel", c.FetchFilterWheel},
		{"focuser", c.FetchFocuser},
		{"switch", c.FetchSwitch},
	}
	for _, f := range fetchers {
		if ctx.Err() != nil {
			break
		}
		if err := f.fn(ctx, out); err != nil {
			c.logger.Debug("Fetcher failed",
				zap.String("fetcher", f.name),
				zap.Error(err))
		}
	}
	return out, nil
}

// PollHeartbeat runs only the camera fetcher: enough to keep the
// connected/disconnected signal and minimal fields fresh for background
// instances.
func (c *Client) PollHeartbeat(ctx context.Context) (*PollOutcome, error) {
	out := NewPollOutcome()
	err := c.FetchCamera(ctx, out)
	return out, err
}
