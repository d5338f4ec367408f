/*
Package metrics provides Prometheus metrics and health reporting.

All collectors are registered at package init on the default registry
and exposed through Handler for the /metrics endpoint. Request counters
and histograms are driven by the server middleware; cache-mode counters
by the metadata resolver and artifact mirror; the inventory gauges by a
periodic Collector reading entity counts from the database.

The health checker aggregates per-component reports (database, blob
store, cache, queue) into the /healthz response.
*/
package metrics
