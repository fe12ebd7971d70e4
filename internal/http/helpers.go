package http

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tanklog/internal/analytics"
)

const sessionCookie = "tanklog_session"

// parseCriteria builds filter criteria from query parameters. The history
// view passes gran=date, the analytics view gran=month.
func parseCriteria(r *http.Request) analytics.Criteria {
	q := r.URL.Query()
	c := analytics.Criteria{
		Month: strings.TrimSpace(q.Get("month")),
		Start: strings.TrimSpace(q.Get("from")),
		End:   strings.TrimSpace(q.Get("to")),
	}
	if v := strings.TrimSpace(q.Get("car")); v != "" && v != "all" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.CarID = id
		}
	}
	if q.Get("gran") == "month" {
		c.Granularity = analytics.ByMonth
	}
	return c
}

// criteriaKey is the cache key for a filter result.
func criteriaKey(c analytics.Criteria) string {
	return fmt.Sprintf("car=%d|month=%s|from=%s|to=%s|gran=%d", c.CarID, c.Month, c.Start, c.End, c.Granularity)
}

// parseSort reads the sort column and direction from query parameters.
func parseSort(r *http.Request) (analytics.Column, analytics.Direction) {
	col := analytics.Column(r.URL.Query().Get("sort"))
	dir := analytics.Direction(r.URL.Query().Get("dir"))
	if dir != analytics.Descending {
		dir = analytics.Ascending
	}
	return col, dir
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

// parseOptionalFloat reads a form float, empty meaning absent.
func parseOptionalFloat(v string) (*float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// generateRequestID creates a unique request ID for tracing.
func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}
