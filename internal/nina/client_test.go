package nina

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

func respond(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func TestNormalizeBaseURL(t *testing.T) {
	got, err := NormalizeBaseURL("http://astro-pc:1888")
	require.NoError(t, err)
	assert.Equal(t, "http://astro-pc:1888/v2/api/", got)

	got, err = NormalizeBaseURL("https://astro-pc:1888/v2/api/")
	require.NoError(t, err)
	assert.Equal(t, "https://astro-pc:1888/v2/api/", got)

	_, err = NormalizeBaseURL("ftp://astro-pc")
	assert.Error(t, err)
	_, err = NormalizeBaseURL("")
	assert.Error(t, err)
}

func TestWebSocketURL(t *testing.T) {
	got, err := WebSocketURL("http://astro-pc:1888")
	require.NoError(t, err)
	assert.Equal(t, "ws://astro-pc:1888/v2/socket", got)

	got, err = WebSocketURL("https://astro-pc:1888")
	require.NoError(t, err)
	assert.Equal(t, "wss://astro-pc:1888/v2/socket", got)
}

func TestSetRequestTimeout(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	assert.Equal(t, DefaultRequestTimeout, c.http.Timeout)

	c.SetRequestTimeout(12 * time.Second)
	assert.Equal(t, 12*time.Second, c.http.Timeout)

	// Non-positive values keep the current timeout.
	c.SetRequestTimeout(0)
	assert.Equal(t, 12*time.Second, c.http.Timeout)
	c.SetRequestTimeout(-time.Second)
	assert.Equal(t, 12*time.Second, c.http.Timeout)
}

func TestFetchCameraFillsFields(t *testing.T) {
	end := time.Now().Add(45 * time.Second)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/api/equipment/camera/info", r.URL.Path)
		respond(w, fmt.Sprintf(`{"Response": {
			"CameraState": "Exposing",
			"Temperature": -10.3,
			"CoolerPower": 47.5,
			"IsExposing": true,
			"ExposureEndTime": %q
		}}`, end.UTC().Format("2006-01-02T15:04:05Z07:00")))
	})

	c := newTestClient(t, handler)
	out := NewPollOutcome()
	require.NoError(t, c.FetchCamera(context.Background(), out))

	assert.InDelta(t, -10.3, out.CameraTemperature, 1e-9)
	assert.InDelta(t, 47.5, out.CoolerPower, 1e-9)
	assert.True(t, out.IsExposing)
	assert.InDelta(t, 45.0, out.ExposureRemainingS, 2.0)
}

func TestFetchCameraRejectsAbsurdEndTime(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"Response": {
			"IsExposing": true,
			"ExposureEndTime": "2030-01-01T00:00:00Z"
		}}`)
	})

	c := newTestClient(t, handler)
	out := NewPollOutcome()
	require.NoError(t, c.FetchCamera(context.Background(), out))
	assert.InDelta(t, UnknownValue, out.ExposureRemainingS, 1e-9,
		"remaining beyond two hours stays unknown")
}

func TestFetchCameraUnsyncedClockLeavesUnknown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"Response": {
			"IsExposing": true,
			"ExposureEndTime": "1970-01-01T00:01:00Z"
		}}`)
	})

	c := newTestClient(t, handler)
	c.now = func() time.Time { return time.Unix(30, 0) }

	out := NewPollOutcome()
	require.NoError(t, c.FetchCamera(context.Background(), out))
	assert.InDelta(t, UnknownValue, out.ExposureRemainingS, 1e-9)
}

func TestErrorKinds(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		err := c.FetchCamera(context.Background(), NewPollOutcome())
		require.Error(t, err)
		assert.Equal(t, ErrHTTPStatus, KindOf(err))
	})

	t.Run("parse", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respond(w, `not json at all`)
		}))
		err := c.FetchCamera(context.Background(), NewPollOutcome())
		require.Error(t, err)
		assert.Equal(t, ErrParse, KindOf(err))
	})

	t.Run("empty", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respond(w, `{"StatusCode": 200}`)
		}))
		err := c.FetchCamera(context.Background(), NewPollOutcome())
		require.Error(t, err)
		assert.Equal(t, ErrEmpty, KindOf(err))
	})

	t.Run("transport", func(t *testing.T) {
		c, err := NewClient("http://127.0.0.1:1", nil, zap.NewNop())
		require.NoError(t, err)
		err = c.FetchCamera(context.Background(), NewPollOutcome())
		require.Error(t, err)
		assert.Equal(t, ErrTransport, KindOf(err))
	})
}

func TestRetryBudgetAppliesToTransportOnly(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, handler)

	err := c.FetchCamera(context.Background(), NewPollOutcome())
	require.Error(t, err)
	assert.Equal(t, 1, calls, "HTTP status failures are not retried")
}

func TestPollCameraFailureShortCircuits(t *testing.T) {
	calls := map[string]int{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls[r.URL.Path]++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, handler)

	_, err := c.Poll(context.Background())
	require.Error(t, err)
	assert.Len(t, calls, 1, "only the camera endpoint is contacted")
}

func TestPollBestEffortOnSecondaryFailures(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/api/equipment/camera/info":
			respond(w, `{"Response": {"Temperature": -5.0, "CoolerPower": 30}}`)
		case "/v2/api/equipment/guider/info":
			respond(w, `{"Response": {"RMSError": {"Total": {"Arcseconds": 0.62}, "RA": {"Arcseconds": 0.41}, "Dec": {"Arcseconds": 0.47}}}}`)
		case "/v2/api/image-history":
			respond(w, `{"Response": [{"TargetName": "M31", "HFR": 2.41, "Stars": 512, "ExposureTime": 120, "Filter": "Ha"}]}`)
		case "/v2/api/profile/show":
			respond(w, `{"Response": [{"Name": "Backyard", "IsActive": false}, {"Name": "Remote", "IsActive": true}]}`)
		case "/v2/api/equipment/filterwheel/info":
			respond(w, `{"Response": {"SelectedFilter": {"Name": "L"}, "AvailableFilters": [{"Name": "L"}, {"Name": "Ha"}]}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(t, handler)

	out, err := c.Poll(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, -5.0, out.CameraTemperature, 1e-9)
	assert.InDelta(t, 0.62, out.RMSTotal, 1e-9)
	assert.InDelta(t, 2.41, out.HFR, 1e-9)
	assert.Equal(t, 512, out.Stars)
	assert.Equal(t, "M31", out.Target)
	assert.Equal(t, "Remote", out.ProfileName)
	assert.Equal(t, []string{"L", "Ha"}, out.FilterNames)
	// Image history set the filter before the filter wheel was asked.
	assert.Equal(t, "Ha", out.Filter)
	// Failed endpoints leave their sentinels.
	assert.Equal(t, UnknownCount, out.FocuserPosition)
	assert.Empty(t, out.MeridianFlipCountdown)
}

func TestPollHeartbeatOnlyTouchesCamera(t *testing.T) {
	paths := map[string]int{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths[r.URL.Path]++
		respond(w, `{"Response": {"Temperature": 1.0}}`)
	})
	c := newTestClient(t, handler)

	out, err := c.PollHeartbeat(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out.CameraTemperature, 1e-9)
	assert.Len(t, paths, 1)
	assert.Contains(t, paths, "/v2/api/equipment/camera/info")
}

func TestFetchSwitchReadsGauges(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"Response": {"Connected": true, "ReadonlySwitches": [
			{"Name": "Input Voltage", "Value": 12.4},
			{"Name": "Total Current", "Value": 3.1}
		]}}`)
	})
	c := newTestClient(t, handler)

	out := NewPollOutcome()
	require.NoError(t, c.FetchSwitch(context.Background(), out))
	require.Len(t, out.Switches, 2)
	assert.Equal(t, "Input Voltage", out.Switches[0].Name)
	assert.InDelta(t, 12.4, out.Switches[0].Value, 1e-9)
}

func TestFetchSwitchDisconnectedHub(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"Response": {"Connected": false}}`)
	})
	c := newTestClient(t, handler)

	out := NewPollOutcome()
	require.NoError(t, c.FetchSwitch(context.Background(), out))
	assert.Empty(t, out.Switches)
}
