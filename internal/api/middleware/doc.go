// Package middleware provides the HTTP middleware of the terminal server.
//
//   - CORS: cross-origin access for browser frontends, WebSocket aware
//   - RateLimit: per-IP token buckets with idle cleanup
//   - RequestID: X-Request-ID propagation
//   - AccessLog and Recovery: zap request logging and panic recovery
//
// Error bodies use the {"detail": ...} shape of the rest of the API.
//
//	router.Use(middleware.RequestID(), middleware.Recovery(logger))
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
