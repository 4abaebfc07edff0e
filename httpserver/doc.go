/*
Package httpserver wires the uploader HTTP surface onto a chi router.

Routes:

  - GET /progress/{id}: session progress, optionally authenticated
  - /upload/*: the tus resumable upload protocol, behind the upload gate
  - POST /hooks: tusd webhooks, when a separate tusd process handles uploads
  - GET /download/{filename}: staged file download, authenticated
  - GET /version, /livez, /readyz, /drain, /undrain
  - /debug/pprof when enabled

Every request is logged through the flashbots httplogger middleware and
panics are recovered. The upload and progress routes are rate limited per
client IP when a limit is configured.

Shutdown first flips readiness off, waits the drain duration so load
balancers stop routing new uploads here, then shuts the listener down
gracefully.
*/
package httpserver
