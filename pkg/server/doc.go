/*
Package server is the HTTP front of the proxy.

It serves two surfaces from one router: the Composer protocol
(/packages.json, /p2 metadata, /dist archives) and the admin API
(/api/repositories, /api/tokens, /api/packages, /api/stats,
/api/settings), plus /metrics and /healthz.

Composer read endpoints admit anonymous callers; presenting invalid
credentials is rejected. Admin reads require any authenticated
principal and mutations require write permission. Hourly rate limits
apply to token principals only.

Responses that trigger persistence (metadata fetched from upstream,
artifacts mirrored on demand) flush to the client first; the write runs
afterwards on a detached context that graceful shutdown waits for.
*/
package server
