// Package docker implements runtime.Runtime against the Docker Engine API.
//
// Ordinary calls go through resty over the engine socket. Attach and exec
// ask the engine to upgrade the HTTP connection to a raw TTY stream, which
// net/http hands back as the response body.
package docker
