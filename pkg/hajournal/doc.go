/*
Package hajournal replicates configuration writes from the MASTER node to
its peer.

Every statement committed through the datastore's typed write path is put
on an in-memory Queue by an inline post-write hook, in commit order. The
Syncer moves queued statements into the Journal, which is mirrored to
<state_dir>/ha-journal, and applies them on the peer through datastore.sql:

	datastore.ExecuteWrite ──► hook ──► Queue ──► Syncer.Process
	                                                   │
	                        ┌──────────────────────────┤
	                        ▼                          ▼
	                  Journal (file)  ──flush──►  peer datastore.sql
	                                   shift + write per ack

A round of Process:

 1. Reads the local HA status. On anything but MASTER the journal and
    the queue are discarded.
 2. Drains the queue into the journal. The reset marker put by
    failover.send_database clears the journal instead.
 3. Compares the local and peer versions. A mismatch or an unknown peer
    version holds the journal and raises an alert.
 4. Flushes oldest first. An unreachable peer stops the flush quietly; any
    other failure raises FailoverSyncFailed, which the next successful
    statement clears.

Run repeats Process, sleeping until a new statement arrives when the peer
is caught up and for the retry interval otherwise.

The journal file is rewritten to <path>.tmp, synced and renamed over
<path>, and only when its contents changed.
*/
package hajournal
