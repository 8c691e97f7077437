/*
Package alert keeps the one-shot alerts raised by the runtime.

Components raise an alert when a condition needs operator attention and
clear it once the condition is gone:

	alerts.OneshotCreate("FailoverSyncFailed", map[string]any{"error": err.Error()})
	...
	alerts.OneshotDelete("FailoverSyncFailed", nil)

Raising the same class with the same args again only refreshes
LastOccurrence. Every change is published on "alert.list".
*/
package alert
