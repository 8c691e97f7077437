/*
Package rpc implements the method registry and call dispatcher.

Services register explicitly at startup. Each service returns a list of
Method descriptors and the dispatcher keys them by "<namespace>.<name>":

	type poolService struct{ ... }

	func (s *poolService) Namespace() string { return "pool" }

	func (s *poolService) Methods() []rpc.Method {
		return []rpc.Method{{
			Name:       "scrub",
			Roles:      []string{"POOL_WRITE"},
			Params:     []rpc.Param{{Name: "name", Schema: map[string]any{"type": "string"}, Required: true}},
			Job:        &jobs.Options{Lock: "scrub", Abortable: true},
			Audit:      "Scrub pool",
			JobHandler: s.scrub,
		}}
	}

# Dispatch

	request {method, params}
	   │
	   ├─ lookup ................ MethodNotFound
	   ├─ authorize ............. AccessDenied   (audited when rejected)
	   ├─ audit begin (PENDING)
	   ├─ validate all params ... ValidationError, every field reported
	   ├─ job?  ── yes ─▶ jobs.Submit ─▶ job id   (audit completed when the job ends)
	   │        └─ no ──▶ handler (memoised for CacheTTL)
	   └─ audit finish (SUCCESS / FAILURE)

Parameters are positional and validated with JSON schema. Calls made by
middlewared itself go through Call and CallWait with internal credentials;
they skip authorization and are never audited.

The wire messages of the duplex protocol are defined in wire.go; the
transport lives in package api.
*/
package rpc
