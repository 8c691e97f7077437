/*
Package jobs runs long operations in the background and tracks them.

A job is submitted with a handler, its arguments and per-method Options.
Submit returns immediately with the job id; callers follow the job through
Wait, Watch or the "core.get_jobs" event.

# Lifecycle

	          Submit
	            │
	            ▼
	        ┌────────┐   lock free    ┌─────────┐
	        │WAITING │───────────────▶│ RUNNING │
	        └────────┘                └─────────┘
	            │ Abort                  │   │   │
	            ▼                        ▼   ▼   ▼
	        ABORTED               SUCCESS FAILED ABORTED

Terminal states never change again. Terminal jobs are kept in a ring of
Config.RingSize entries; evicting a job also removes its log file.

# Locks

Jobs with the same lock name run one at a time in submission order. The
lock comes from Options.Lock or Options.LockFunc(args). LockQueueSize bounds
the queue:

	nil   unlimited
	0     EBUSY while another job holds the lock
	1     a new job replaces the one already waiting
	n>=2  EBUSY once n jobs are running or waiting

# Abort and progress

Aborting a waiting job finishes it at once. Aborting a running job cancels
its context; handlers notice through ctx.Done or the error returned by
SetProgress. A handler that ignores both is marked ABORTED after
Config.AbortTimeout and its lock is handed on.

Progress events are limited to Config.ProgressRate per second per job.
Updates above the rate are folded into one trailing event carrying the
latest values.
*/
package jobs
