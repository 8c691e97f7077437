/*
Package audit records administrator calls.

Every call to a method flagged for auditing produces exactly one row in the
audit_log table. The row is written as PENDING before the handler runs and
completed with SUCCESS or FAILURE afterwards:

	rec, _ := auditor.Begin(ctx, audit.Entry{Method: "user.update", ...})
	result, err := handler(...)
	auditor.Finish(ctx, rec, err == nil, callbackMessages...)

Fields named password, secret, bindpw, passphrase or token are replaced with
"********" at any depth before the record is stored or published on
"audit.record". Records use the datastore's raw Execute path, so they are
never journaled to the HA peer.
*/
package audit
