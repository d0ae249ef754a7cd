// Package machine tracks client machines: registration, heartbeat ingestion
// and liveness classification. Liveness is derived from heartbeat recency
// against the configured offline threshold and recomputed lazily on read;
// the periodic offline sweep persists the online→offline transition and
// reports the newly-offline set for alerting.
package machine
