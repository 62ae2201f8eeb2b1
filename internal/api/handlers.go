package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pioneer-wyt/wyt-bridge/internal/discovery"
	"github.com/pioneer-wyt/wyt-bridge/internal/storage"
	"github.com/pioneer-wyt/wyt-bridge/internal/thermostat"
)

// statusCacheTTL matches the original service: a /status refresh (forced,
// or for a snapshot with no DPs yet) is skipped when the last refresh
// completed within this window. Otherwise /status serves the snapshot that
// device events keep current.
const statusCacheTTL = 2 * time.Second

// authMiddleware verifies the bearer credential on protected routes.
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}
		if !s.tokens.Verify(parts[1]) {
			s.respondError(w, http.StatusForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func (s *RESTServer) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]any{"success": false, "error": msg})
}

// HandleHealth reports service health; public, so monitors need no token.
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"device_id": s.config.Device.DeviceID,
		"device_ip": s.config.Device.IP,
		"connected": s.ctrl.Connected(),
		"temp_unit": s.config.Bridge.TempUnit,
	})
}

// HandleIssueToken exchanges the static bridge token for a short-lived JWT.
func (s *RESTServer) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.tokens.VerifyStatic(req.Token) {
		s.respondError(w, http.StatusForbidden, "invalid token")
		return
	}
	token, ttl, err := s.tokens.IssueJWT()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"expires_in":   int(ttl.Seconds()),
		"token_type":   "Bearer",
	})
}

// statusView is the REST shape of the thermostat state, converted to the
// configured temperature unit.
type statusView struct {
	Online         bool           `json:"online"`
	Power          *bool          `json:"power,omitempty"`
	Mode           string         `json:"mode,omitempty"`
	TargetTemp     *float64       `json:"target_temp,omitempty"`
	CurrentTemp    *float64       `json:"current_temp,omitempty"`
	Fan            string         `json:"fan,omitempty"`
	Humidity       *int           `json:"humidity,omitempty"`
	VertSwing      string         `json:"vert_swing,omitempty"`
	HorizSwing     string         `json:"horiz_swing,omitempty"`
	FilterDirty    *bool          `json:"filter_dirty,omitempty"`
	OperatingState string         `json:"operating_state,omitempty"`
	RawDPS         map[string]any `json:"raw_dps"`
}

func (s *RESTServer) statusView(st thermostat.State) statusView {
	v := statusView{
		Online:         st.Online,
		Mode:           st.Mode,
		Fan:            st.Fan,
		VertSwing:      st.VertSwing,
		HorizSwing:     st.HorizSwing,
		OperatingState: st.OperatingState,
		RawDPS:         st.Raw,
	}
	if len(st.Raw) == 0 {
		return v
	}
	power, humidity, filter := st.Power, st.Humidity, st.FilterDirty
	v.Power = &power
	v.Humidity = &humidity
	v.FilterDirty = &filter

	target, current := st.TargetTemp, st.CurrentTemp
	if s.config.Bridge.TempUnit == "C" {
		target = round1(thermostat.FahrenheitToCelsius(target))
		current = round1(thermostat.FahrenheitToCelsius(current))
	}
	v.TargetTemp = &target
	v.CurrentTemp = &current
	return v
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}

// HandleStatus returns the device status, refreshing from the device when
// asked or when nothing has been heard yet.
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	st := s.ctrl.Snapshot()

	stale := time.Since(s.refreshedAt()) > statusCacheTTL
	if (force || len(st.Raw) == 0) && stale {
		if err := s.ctrl.Refresh(r.Context()); err != nil {
			log.Warn().Err(err).Msg("status refresh failed")
		} else {
			s.markRefreshed()
		}
		st = s.ctrl.Snapshot()
	}
	s.respondJSON(w, http.StatusOK, s.statusView(st))
}

// HandleCommand dispatches one named command to the device and returns
// the refreshed status.
func (s *RESTServer) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
		Value   any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.ToLower(req.Command)

	value := req.Value
	// target_temp arrives in the user's unit; the device speaks °F.
	if name == "target_temp" && s.config.Bridge.TempUnit == "C" {
		if c, ok := asNumber(value); ok {
			value = thermostat.CelsiusToFahrenheit(c)
		}
	}

	if err := s.ctrl.Command(r.Context(), name, value); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.ctrl.Refresh(r.Context()); err != nil {
		log.Warn().Err(err).Msg("post-command refresh failed")
	} else {
		s.markRefreshed()
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"command": name,
		"status":  s.statusView(s.ctrl.Snapshot()),
	})
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// HandleReconnect forces a round-trip to the device; the engine
// re-establishes the session itself after any drop.
func (s *RESTServer) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Refresh(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, "device unreachable: "+err.Error())
		return
	}
	s.markRefreshed()
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "device responding"})
}

// HandleDiscover scans the LAN for announcing devices.
func (s *RESTServer) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	reports, err := discovery.Scan(r.Context(), 8*time.Second)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reports == nil {
		reports = []discovery.Report{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"devices": reports})
}

// HandleHistory lists recorded attribute changes from the telemetry store.
func (s *RESTServer) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	changes, err := s.store.ListDPChanges(r.Context(), s.config.Device.DeviceID, since, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if changes == nil {
		changes = []*storage.DPChange{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"changes": changes})
}
