package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gridsense/gridsense/pkg/log"
	"github.com/gridsense/gridsense/pkg/syncer"
	"github.com/gridsense/gridsense/pkg/types"
)

const (
	defaultForecastHours = 24
	maxForecastHours     = 168
	forecastHistoryDays  = 7
)

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sync.View(), http.StatusOK)
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, 1024)

	var req struct {
		Threshold *float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode threshold request", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Threshold == nil {
		writeJSONError(w, "threshold is required", http.StatusBadRequest)
		return
	}
	if err := s.sync.SetThreshold(*req.Threshold); err != nil {
		if errors.Is(err, syncer.ErrInvalidThreshold) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to set threshold", slog.Any("error", err))
		writeJSONError(w, "failed to set threshold", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "threshold changed", slog.Float64("threshold", *req.Threshold))
	writeJSON(w, s.sync.View(), http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.sync.Refresh() {
		writeJSONError(w, "refresh unavailable", http.StatusConflict)
		return
	}
	writeJSON(w, struct {
		Status string `json:"status"`
	}{Status: "refreshing"}, http.StatusAccepted)
}

type forecastResponse struct {
	Hours       int                   `json:"hours"`
	History     []types.EnergyBucket  `json:"history"`
	Predictions []types.ForecastPoint `json:"predictions"`
}

// handleForecast returns the last week of daily energy from the current
// snapshot together with the predictions for the requested hours.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.forecaster == nil {
		writeJSONError(w, "forecast unavailable", http.StatusNotImplemented)
		return
	}

	hours := defaultForecastHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		var err error
		hours, err = strconv.Atoi(raw)
		if err != nil || hours < 1 || hours > maxForecastHours {
			writeJSONError(w, "hours must be between 1 and 168", http.StatusBadRequest)
			return
		}
	}

	f, err := s.forecaster.Forecast(ctx, hours)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get forecast", slog.Int("hours", hours), slog.Any("error", err))
		writeJSONError(w, "failed to get forecast: "+string(types.KindOf(err)), http.StatusBadGateway)
		return
	}

	res := forecastResponse{
		Hours:       f.Hours,
		History:     []types.EnergyBucket{},
		Predictions: f.Predictions,
	}
	if res.Predictions == nil {
		res.Predictions = []types.ForecastPoint{}
	}
	if snap := s.sync.View().Snapshot; snap != nil {
		daily := snap.DailyEnergy
		res.History = append(res.History, daily[max(0, len(daily)-forecastHistoryDays):]...)
	}
	writeJSON(w, res, http.StatusOK)
}
