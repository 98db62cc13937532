package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/config"
	"github.com/unklstewy/nina-display/internal/ota"
	"github.com/unklstewy/nina-display/pkg/healthcheck"
)

// rebootDelay lets the response flush before the device goes down.
const rebootDelay = 250 * time.Millisecond

const indexPage = `<!DOCTYPE html>
<html>
<head><title>NINA Display</title></head>
<body>
<h1>NINA Display</h1>
<p>Device configuration API. Fetch <code>/api/config</code> for the current
settings, POST the edited document back to save.</p>
</body>
</html>
`

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexPage))
}

func (s *Server) handleGetConfig(c *gin.Context) {
	cfg := s.cfg.Snapshot()
	cfg.MQTTPassword = ""
	c.JSON(http.StatusOK, gin.H{
		"config": cfg,
		"dirty":  s.cfg.IsDirty(),
	})
}

// readConfigBody merges a posted document over the live configuration.
// Fields absent from the body keep their current values; an empty password
// keeps the stored one since GET redacts it.
func (s *Server) readConfigBody(c *gin.Context) (config.Config, bool) {
	current := s.cfg.Snapshot()
	next := current

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxConfigBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "config document too large"})
		} else {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "failed to read request body"})
		}
		return config.Config{}, false
	}
	if err := json.Unmarshal(body, &next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return config.Config{}, false
	}
	if next.MQTTPassword == "" {
		next.MQTTPassword = current.MQTTPassword
	}
	return next, true
}

func (s *Server) handlePostConfig(c *gin.Context) {
	next, ok := s.readConfigBody(c)
	if !ok {
		return
	}
	if err := s.cfg.Save(next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

func (s *Server) handleApplyConfig(c *gin.Context) {
	next, ok := s.readConfigBody(c)
	if !ok {
		return
	}
	if err := s.cfg.Apply(next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

func (s *Server) handleRevertConfig(c *gin.Context) {
	if err := s.cfg.Revert(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reverted"})
}

// singleField builds a handler that applies one live setting. The value is
// clamped by validation; the change stays transient until the next save.
func (s *Server) singleField(field string, set func(*config.Config, int)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body map[string]int
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
			return
		}
		value, ok := body[field]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing field " + field})
			return
		}
		cfg := s.cfg.Snapshot()
		set(&cfg, value)
		if err := s.cfg.Apply(cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", field: value})
	}
}

func (s *Server) handlePage(c *gin.Context) {
	var body map[string]int
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	page, ok := body["page"]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing field page"})
		return
	}
	if page < 0 || page >= config.NumPages {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page out of range"})
		return
	}

	cfg := s.cfg.Snapshot()
	cfg.ActivePageOverride = page
	if err := s.cfg.Apply(cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.arbiter != nil {
		s.arbiter.SetPage(page)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "page": page})
}

func (s *Server) handleScreenshot(c *gin.Context) {
	if s.Screenshot == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "screenshot unavailable"})
		return
	}
	data, err := s.Screenshot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handleReboot(c *gin.Context) {
	s.logger.Info("Reboot requested over HTTP")
	c.JSON(http.StatusOK, gin.H{"status": "rebooting"})
	if s.OnReboot != nil {
		go func() {
			time.Sleep(rebootDelay)
			s.OnReboot()
		}()
	}
}

func (s *Server) handleFactoryReset(c *gin.Context) {
	if err := s.cfg.FactoryReset(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
	if s.OnFactoryReset != nil {
		go func() {
			time.Sleep(rebootDelay)
			s.OnFactoryReset()
		}()
	}
}

func (s *Server) handleCheckUpdate(c *gin.Context) {
	channel := ota.ChannelStable
	if s.cfg.Snapshot().OTAChannel == config.OTAChannelPrerelease {
		channel = ota.ChannelPrerelease
	}
	release, err := s.updater.Check(c.Request.Context(), channel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if release == nil {
		c.JSON(http.StatusOK, gin.H{
			"update_available": false,
			"current":          s.updater.InstalledVersion(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"update_available": true,
		"current":          s.updater.InstalledVersion(),
		"release":          release,
	})
}

func (s *Server) handleStartOTA(c *gin.Context) {
	if st := s.updater.Status(); st.State != ota.StateAvailable {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no update staged, check first"})
		return
	}
	// The download outlives the request and is not cancellable once started.
	go func() {
		s.otaActive.Lock()
		defer s.otaActive.Unlock()
		if err := s.updater.Download(context.Background(), nil); err != nil {
			s.logger.Error("OTA download failed", zap.Error(err))
		} else if s.OnReboot != nil {
			time.Sleep(rebootDelay)
			s.OnReboot()
		}
	}()
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) handleVersion(c *gin.Context) {
	st := s.updater.Status()
	resp := gin.H{
		"version":      s.updater.InstalledVersion(),
		"build":        s.version,
		"ota_state":    st.State.String(),
		"ota_progress": st.Progress,
	}
	if st.Err != "" {
		resp["ota_error"] = st.Err
	}
	if st.Release != nil {
		resp["release"] = st.Release
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePerfReset(c *gin.Context) {
	s.monitor.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// handleHealth reports aggregated subsystem health. An unhealthy aggregate
// maps to 503 so external monitors can alert on the status code alone.
func (s *Server) handleHealth(c *gin.Context) {
	if s.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": string(healthcheck.StatusUnknown)})
		return
	}
	agg := s.Health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if agg.OverallStatus == healthcheck.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, agg)
}
