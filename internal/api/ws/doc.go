// Package ws bridges browser terminals to container processes.
//
// GET /ws/:container_id?mode=attach|exec&cmd=... opens a stream into the
// container (attach to its main process, or exec cmd under /bin/sh) and
// upgrades to a WebSocket:
//
//   - binary frames from the browser are stdin bytes
//   - text frames are resize control messages ({"type":"resize","cols":N,
//     "rows":M}) when they parse as one, stdin bytes otherwise
//   - process output goes back as binary frames, in order
//
// When the process output ends the socket is closed with 1000. When the
// last socket of a container closes, the Reaper stops the container after
// a delay unless another socket attaches first.
package ws
