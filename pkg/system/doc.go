/*
Package system holds the process-wide system state.

The State value is created once by the entry point and passed to the
components that need it. It carries the boot id, the ready and shutdown
flags, the first-boot flag and the current license with the product type
derived from it.

Files under the state directory:

	first-boot    present on the first start after install; read once
	.bootready    created by SetReady; survives a middleware restart

Every change is published on the "system" event with the id naming what
changed ("ready", "shutdown" or "license"). A license change also runs the
system.post_license_update hook with the previous product type, whether it
came from UpdateLicense or from an external edit picked up by Watch.
*/
package system
