/*
Package failover tracks the HA role of this controller and owns the link to
its peer.

A node is SINGLE when HA is disabled. With HA enabled, node A starts as
MASTER and node B as BACKUP until the failover machinery reports otherwise
through SetStatus, which publishes failover.status on a change.

	            ┌──────────── Failover ────────────┐
	            │ Status / SetStatus                │
	            │ LocalVersion / RemoteVersion      │
	            │ ApplySQL  ──────────┐             │
	            │ SendDatabase ───────┤             │
	            │ Probe ──────┐       │             │
	            └─────────────┼───────┼─────────────┘
	                          │       ▼
	                  gRPC health   Remote (websocket client, peer login)
	                          │       │
	                          ▼       ▼
	                   ┌──── peer middlewared ────┐
	                   │ system.version           │
	                   │ datastore.sql            │
	                   │ failover.receive_*       │
	                   └──────────────────────────┘

Remote dials lazily and reconnects after the link drops. Transport
failures surface as apierr.ErrPeerUnreachable so that callers such as the
HA journal can retry quietly.

SendDatabase copies the whole configuration database to the peer while the
datastore write lock is held: it puts a reset marker on the journal, sends
the file in base64 chunks and asks the peer to swap the copy in.
*/
package failover
