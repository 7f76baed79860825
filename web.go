/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("showsync v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// serveStatus reports the canonical demo state plus per-role slot
// occupancy, mirroring the state-update event for polling admins.
func serveStatus(cfg *Config, co *Coordinator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		snap := co.Snapshot()

		writeJSON(cfg, w, http.StatusOK, struct {
			DemoState
			ConnectedDevices map[Role]bool `json:"connectedDevices"`
		}{
			DemoState:        snap.state,
			ConnectedDevices: snap.connected,
		})
	}
}

func serveReset(cfg *Config, co *Coordinator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		co.Reset()

		logf(cfg, "SERVE: Demo reset via API by %s", realIP(r))

		writeJSON(cfg, w, http.StatusOK, map[string]bool{"success": true})
	}
}

func serveHealth(cfg *Config, co *Coordinator, stats *AnalyticsStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		snap := co.Snapshot()

		writeJSON(cfg, w, http.StatusOK, struct {
			Status           string    `json:"status"`
			Timestamp        time.Time `json:"timestamp"`
			ConnectedDevices int       `json:"connectedDevices"`
			AnalyticsOffline bool      `json:"analyticsOffline"`
		}{
			Status:           "healthy",
			Timestamp:        time.Now().UTC(),
			ConnectedDevices: snap.clients,
			AnalyticsOffline: stats.Offline(),
		})
	}
}

func serveHealthCheck(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)

		_, err := w.Write([]byte("Ok\n"))
		if err != nil {
			errs <- err

			return
		}
	}
}

func serveAdminAuth(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var body struct {
			Password string `json:"password"`
		}

		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(cfg, w, http.StatusBadRequest, map[string]any{
				"success": false,
				"message": "Invalid request body",
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(body.Password), []byte(cfg.adminPassword)) != 1 {
			logf(cfg, "SERVE: Failed admin auth from %s", realIP(r))

			writeJSON(cfg, w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"message": "Invalid password",
			})
			return
		}

		writeJSON(cfg, w, http.StatusOK, map[string]any{"success": true})
	}
}

func serveAnalytics(cfg *Config, stats *AnalyticsStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if date := r.URL.Query().Get("date"); date != "" {
			if _, err := time.Parse(dateFormat, date); err != nil {
				writeJSON(cfg, w, http.StatusBadRequest, map[string]any{
					"success": false,
					"message": "Date must be formatted as YYYY-MM-DD",
				})
				return
			}

			writeJSON(cfg, w, http.StatusOK, map[string]any{
				"success": true,
				"data":    stats.ReportForDate(date),
			})
			return
		}

		report := stats.Report()

		if since := r.URL.Query().Get("since"); since != "" {
			if _, err := time.Parse(dateFormat, since); err != nil {
				writeJSON(cfg, w, http.StatusBadRequest, map[string]any{
					"success": false,
					"message": "Date must be formatted as YYYY-MM-DD",
				})
				return
			}

			for date := range report.DailyData {
				if date < since {
					delete(report.DailyData, date)
				}
			}
		}

		writeJSON(cfg, w, http.StatusOK, map[string]any{
			"success": true,
			"data":    report,
		})
	}
}

func serveAnalyticsClear(cfg *Config, stats *AnalyticsStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := stats.Clear(); err != nil {
			logf(cfg, "STATS: %v", err)

			writeJSON(cfg, w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"message": "Failed to clear analytics",
			})
			return
		}

		logf(cfg, "STATS: Analytics cleared by %s", realIP(r))

		writeJSON(cfg, w, http.StatusOK, map[string]bool{"success": true})
	}
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: showsync v%s", releaseVersion)

	scripts, err := loadScenarios(cfg.scenarios)
	if err != nil {
		logf(cfg, "START: %v (continuing without scripts)", err)
	}

	stats := newAnalyticsStore(cfg, cfg.database)
	defer stats.Close()

	co := newCoordinator(cfg, scripts, stats)
	go co.run(ctx)

	mux := httprouter.New()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           mux,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	errs := make(chan error, 64)

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	mux.GET(cfg.prefix+"/", serveHomePage(cfg))

	mux.GET(cfg.prefix+"/ws", serveWS(co))

	mux.GET(cfg.prefix+"/api/status", serveStatus(cfg, co))

	mux.POST(cfg.prefix+"/api/reset", serveReset(cfg, co))

	mux.POST(cfg.prefix+"/api/admin/auth", serveAdminAuth(cfg))

	mux.GET(cfg.prefix+"/api/analytics", serveAnalytics(cfg, stats))

	mux.DELETE(cfg.prefix+"/api/analytics", serveAnalyticsClear(cfg, stats))

	mux.GET(cfg.prefix+"/health", serveHealth(cfg, co, stats))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	registerRolePages(cfg, mux)

	go func() {
		var err error
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("%s | ERROR: %v\n", time.Now().Format(logDate), err)
		}
	}()

	for _, role := range []Role{RoleDisplay, RoleController, RoleAdmin} {
		logf(cfg, "SERVE: %s page at %s://%s%s/%s", role, cfg.scheme(), srv.Addr, cfg.prefix, role)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
