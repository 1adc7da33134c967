/*
Package metrics exposes the runtime's Prometheus collectors.

Engine lifecycle gauges mirror the counter cells the database maintains
transactionally: the elected worker instance publishes those cells on an
interval and EmitGauge projects each sample onto its collector. Chirp and
Guard counters are updated inline by their packages.
*/
package metrics
