package main

import (
	"context"
	"net/http"
	"time"

	"libraryapi/internal/circulation"
	"libraryapi/internal/enrich"
	"libraryapi/internal/entity"
	"libraryapi/internal/httpx"
	"libraryapi/internal/ingest"
	"libraryapi/internal/metrics"
	"libraryapi/internal/wishlist"
)

type handlers struct {
	imports     *ingest.HTTPHandler
	circulation *circulation.HTTPHandler
	wishlist    *wishlist.HTTPHandler
	enrich      *enrich.HTTPHandler
}

type routerConfig struct {
	jwtSecret      string
	maxUploadBytes int64
	limiter        *httpx.RateLimiter
	ready          func(ctx context.Context) error
}

func newRouter(h handlers, cfg routerConfig) http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if cfg.ready != nil {
			if err := cfg.ready(ctx); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	router.Handle("GET /metrics", metrics.Handler())

	auth := httpx.AuthMiddleware(cfg.jwtSecret)
	user := func(fn http.HandlerFunc) http.Handler {
		return httpx.Chain(fn, auth)
	}
	admin := func(fn http.HandlerFunc) http.Handler {
		return httpx.Chain(fn, auth, httpx.RequireRole(entity.RoleAdmin))
	}

	// Imports
	router.Handle("POST /v1/imports", httpx.Chain(http.HandlerFunc(h.imports.Create),
		auth, httpx.RequireRole(entity.RoleAdmin), httpx.RequestSizeLimitMiddleware(cfg.maxUploadBytes)))
	router.Handle("GET /v1/imports", admin(h.imports.List))
	router.Handle("GET /v1/imports/{id}", admin(h.imports.Get))
	router.Handle("DELETE /v1/imports/{id}", admin(h.imports.Cancel))

	// Circulation
	router.Handle("POST /v1/copies/{id}/borrow", user(h.circulation.Borrow))
	router.Handle("POST /v1/copies/{id}/return", user(h.circulation.Return))
	router.Handle("GET /v1/copies/{id}/history", user(h.circulation.History))
	router.Handle("POST /v1/copies/{id}/reserve", admin(h.circulation.Reserve))
	router.Handle("POST /v1/copies/{id}/missing", admin(h.circulation.MarkMissing))
	router.Handle("POST /v1/copies/{id}/restore", admin(h.circulation.Restore))
	router.Handle("GET /v1/books/{id}/copies", user(h.circulation.ListCopies))
	router.Handle("POST /v1/books/{id}/copies", admin(h.circulation.CreateCopy))
	router.Handle("GET /v1/reports/borrowed", admin(h.circulation.BorrowedReport))
	router.Handle("GET /v1/me/notifications", user(h.circulation.Notifications))

	// Wishlist
	router.Handle("POST /v1/books/{id}/wishlist", user(h.wishlist.Add))
	router.Handle("DELETE /v1/books/{id}/wishlist", user(h.wishlist.Remove))
	router.Handle("GET /v1/me/wishlist", user(h.wishlist.Mine))

	// Enrichment
	router.Handle("POST /v1/books/amazon-ids", admin(h.enrich.UpdateAmazonIDs))
	router.Handle("POST /v1/admin/enrich", admin(h.enrich.Run))

	mws := []func(http.Handler) http.Handler{
		httpx.RequestIDMiddleware,
		httpx.RecoveryMiddleware,
		httpx.AccessLogMiddleware,
		httpx.SecurityHeadersMiddleware,
	}
	if cfg.limiter != nil {
		mws = append(mws, cfg.limiter.Middleware)
	}
	return httpx.Chain(router, mws...)
}
