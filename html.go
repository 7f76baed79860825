/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

func serveHomePage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var body strings.Builder

		body.WriteString("<h1>showsync</h1><ul>")
		for _, role := range []Role{RoleController, RoleDisplay, RoleAdmin} {
			body.WriteString(fmt.Sprintf(`<li><a href="%s/%s">%s</a></li>`, cfg.prefix, role, role))
		}
		body.WriteString("</ul>")

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(newPage("showsync", body.String())))
	}
}

// serveRolePage renders a minimal landing page for one device role,
// with a QR code so booth staff can point a device at the right URL.
// The actual controller/display clients are deployed separately; this
// page only identifies the endpoint.
func serveRolePage(cfg *Config, role Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var body strings.Builder

		body.WriteString(fmt.Sprintf("<h1>showsync %s</h1>", role))
		body.WriteString(fmt.Sprintf(`<p>Connect this device as the %s.</p>`, role))
		body.WriteString(fmt.Sprintf(`<img src="%s/%s/qr" alt="QR code" width="320" height="320">`, cfg.prefix, role))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(newPage("showsync "+string(role), body.String())))
	}
}

// qrHandler generates a PNG QR code for a role page URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:role/qr; strip trailing "/qr" to get the page URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func serveRobots(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		data := `User-agent: Amazonbot
Disallow: /

User-agent: Applebot-Extended
Disallow: /

User-agent: Bytespider
Disallow: /

User-agent: CCBot
Disallow: /

User-agent: ClaudeBot
Disallow: /

User-agent: Google-Extended
Disallow: /

User-agent: GPTBot
Disallow: /

User-agent: meta-externalagent
Disallow: /`

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		_, err := w.Write([]byte(data))
		if err != nil {
			errs <- err

			return
		}
	}
}

// registerRolePages wires /controller, /display, and /admin plus their
// QR endpoints.
func registerRolePages(cfg *Config, mux *httprouter.Router) {
	for _, role := range []Role{RoleController, RoleDisplay, RoleAdmin} {
		mux.GET(cfg.prefix+"/"+string(role), serveRolePage(cfg, role))
		mux.GET(cfg.prefix+"/"+string(role)+"/qr", qrHandler)
	}
}
