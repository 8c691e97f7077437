/*
Package dlm is the user-space control plane for the kernel distributed
lock manager on an HA pair.

Kernel writes the kernel's pseudo-filesystems directly:

	<sys_root>/                      /sys/kernel/dlm
	  <lockspace>/control            0 stops, 1 starts
	  <lockspace>/id                 global id
	  <lockspace>/event_done         uevent outcome, 0 is success
	<config_root>/cluster/           /sys/kernel/config/dlm/cluster
	  cluster_name
	  comms/<nodeid>/{nodeid,addr,mark,local}
	  spaces/<lockspace>/nodes/<nodeid>/{nodeid,weight}

The global id of a lockspace is the CRC32 of "dlm:ls:<name>\x00", so both
controllers derive the same value without talking to each other. The addr
attribute is a sockaddr_in padded to 128 bytes, and local is written last
because the kernel acts on it.

Manager runs the membership protocol. When the kernel brings a lockspace
online it raises a udev.dlm hook; JoinLockspace then:

	this node                              peer
	    │ lockspace_member ───────────────────►│
	    │ stop_kernel_lockspace ──────────────►│ control=0
	    │ join_kernel_lockspace ──────────────►│ add node, control=1
	    │ set id, add all nodes, control=1     │
	    │ event_done=0                         │

LeaveLockspace is the mirror image. Operations aimed at the peer go through
the private dlm.* methods of Service over the HA link and are skipped while
the peer is unreachable. Per-node steps run in parallel.

Kernel errors are classified: ENOENT means the object is already gone and
is ignored, EBUSY is retried after a fixed back-off, and anything else is
logged and raised as a DLMFailure alert.
*/
package dlm
