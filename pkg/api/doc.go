/*
Package api serves the middlewared client surfaces: the websocket RPC
protocol, a REST call endpoint, the health and metrics endpoints over HTTP
and a gRPC health service for the HA peer.

# Architecture

	┌──────────────────────── HTTP (gin) ────────────────────────┐
	│                                                              │
	│  GET  /websocket            ──► conn ──► rpc.Dispatcher      │
	│                                   └───► events.Broker (sub)  │
	│  POST /api/current/:method  ──► restAuth ──► rpc.Dispatcher  │
	│  GET  /health /ready /health/components /metrics             │
	│                                                              │
	└──────────────────────────────────────────────────────────────┘
	┌──────────────────────── gRPC ──────────────────────────────┐
	│  grpc.health.v1.Health/Check  service "middlewared"          │
	└──────────────────────────────────────────────────────────────┘

# Websocket protocol

Every frame is a JSON object with a "msg" field. The first client message
must be {"msg":"connect","version":"1"}; the server answers "connected"
with a session id, or "failed" with the version it supports and closes.

	client                                server
	  │ {"msg":"connect","version":"1"}     │
	  │────────────────────────────────────►│
	  │ {"msg":"connected","session":"…"}   │
	  │◄────────────────────────────────────│
	  │ {"msg":"method","id":"1",           │
	  │  "method":"auth.login","params":[…]}│
	  │────────────────────────────────────►│
	  │ {"msg":"result","id":"1",...}       │
	  │◄────────────────────────────────────│
	  │ {"msg":"sub","id":"s","name":"…"}   │
	  │────────────────────────────────────►│
	  │ {"msg":"ready","subs":["s"]}        │
	  │◄────────────────────────────────────│
	  │ {"msg":"added","collection":"…"}    │
	  │◄────────────────────────────────────│

Method calls on one connection run concurrently and their replies may
arrive out of order; clients match them by id. Subscriptions need an
authenticated session and a registered event name or a pattern ending in
"*". "ping" is answered with "pong".

# REST

POST /api/current/<method> takes the positional params as a JSON array
(any other JSON value is a single param) and returns the result as JSON.
Credentials come from Basic or Bearer authorization. Errors keep their
errno and reason in the body and map to HTTP status codes: 401 and 403
for access problems, 404 for unknown methods, 422 for validation errors,
409 for a full job queue and 500 otherwise.

# Health

/health always answers while the process runs. /ready answers 200 once the
node finished booting, is not shutting down and every critical component
registered with pkg/metrics is healthy. The gRPC health service reports
NOT_SERVING until SetServing(true) is called at the end of boot.
*/
package api
