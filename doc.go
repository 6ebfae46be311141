// Package fieldlink integrates industrial equipment into one data platform:
// protocol adapters bring readings in over OPC UA, MQTT, and REST, a
// supervised connection per equipment keeps sessions alive, and an ingestion
// pipeline normalizes, detects anomalies, and persists what arrives.
//
// # Architecture
//
//	┌───────────────────────────────────────┐
//	│       REST API + push channel         │  chi router, websocket hub
//	│  (equipment, data, monitoring)        │  rate-limited admission
//	└───────────────────────────────────────┘
//	           ↓ reads through
//	┌───────────────────────────────────────┐
//	│  State Store (sqlite + redis cache)   │  equipment, sensors,
//	│     narrow repository interfaces      │  readings, alerts, jobs
//	└───────────────────────────────────────┘
//	           ↑ written by
//	┌───────────────────────────────────────┐
//	│ Ingestion Pipeline → Anomaly Detector │  bounded worker pool,
//	│  (validate, tag quality, detect)      │  detection before persist
//	└───────────────────────────────────────┘
//	           ↑ fed by
//	┌───────────────────────────────────────┐
//	│   Connection Manager + Adapters       │  one supervision unit per
//	│   (OPC UA / MQTT / REST sessions)     │  equipment, backoff retry
//	└───────────────────────────────────────┘
//
// Events (readings, alerts, connection transitions) travel over the bus
// package, NATS-backed in deployments and in-process for tests, and reach
// dashboard clients through the websocket hub.
//
// # Package layout
//
//   - model: domain records and the connection state machine
//   - errors: classified errors (transient, invalid, fatal) and sentinels
//   - adapter, adapter/{opcuaadp,mqttadp,restadp}: protocol sessions
//   - connmgr: per-equipment connection supervision
//   - ingest: validation, quality tagging, fan-out to detector and store
//   - anomaly: threshold and statistical rules, alert lifecycle
//   - store, store/{memory,sqlite,rediscache}: repositories
//   - export: time-series queries and asynchronous export jobs
//   - api: REST surface and websocket push channel
//   - bus, metric, health, config, pkg/{retry,worker,ratelimit}: shared
//     infrastructure
package fieldlink
