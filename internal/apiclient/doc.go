// Package apiclient is the client side of the webterm HTTP API: catalog
// listing, launching, stopping and artifact download.
//
// Reads go through a retrying transport (hashicorp/go-retryablehttp). Run
// and stop requests are sent once. Every call passes a rate limiter and a
// circuit breaker; 4xx answers do not count against the breaker.
package apiclient
