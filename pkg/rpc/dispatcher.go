package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/audit"
	"github.com/cuemby/middlewared/pkg/auth"
	"github.com/cuemby/middlewared/pkg/cache"
	"github.com/cuemby/middlewared/pkg/jobs"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sys/unix"
)

// Auditor records audited calls.
type Auditor interface {
	Begin(ctx context.Context, e audit.Entry) (*audit.Record, error)
	Finish(ctx context.Context, rec *audit.Record, success bool, messages ...string) error
}

// Options wires a Dispatcher to its collaborators. Auditor and Cache are
// optional.
type Options struct {
	Roles   *auth.RoleManager
	Jobs    *jobs.Manager
	Auditor Auditor
	Cache   *cache.Cache
}

// Dispatcher resolves dotted method names and runs calls through
// authorization, validation, auditing and the handler or job manager.
type Dispatcher struct {
	roles   *auth.RoleManager
	jobs    *jobs.Manager
	auditor Auditor
	cache   *cache.Cache
	logger  zerolog.Logger

	mu      sync.RWMutex
	methods map[string]*registered
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Roles == nil {
		opts.Roles = auth.NewRoleManager()
	}
	if opts.Jobs == nil {
		opts.Jobs = jobs.NewManager(jobs.Config{}, nil)
	}
	return &Dispatcher{
		roles:   opts.Roles,
		jobs:    opts.Jobs,
		auditor: opts.Auditor,
		cache:   opts.Cache,
		logger:  log.WithComponent("rpc"),
		methods: make(map[string]*registered),
	}
}

// Register adds every method of svc. Either all methods are registered or,
// on error, none.
func (d *Dispatcher) Register(svc Service) error {
	ns := svc.Namespace()
	compiled := make([]*registered, 0)
	for _, m := range svc.Methods() {
		r, err := compile(ns, m)
		if err != nil {
			return err
		}
		compiled = append(compiled, r)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]bool, len(compiled))
	for _, r := range compiled {
		if _, ok := d.methods[r.fullName]; ok || seen[r.fullName] {
			return fmt.Errorf("method %s is already registered", r.fullName)
		}
		seen[r.fullName] = true
	}
	for _, r := range compiled {
		d.methods[r.fullName] = r
	}
	d.logger.Debug().Str("service", ns).Int("methods", len(compiled)).Msg("Service registered")
	return nil
}

// Methods describes every registered method, sorted by name.
func (d *Dispatcher) Methods() []MethodInfo {
	d.mu.RLock()
	out := make([]MethodInfo, 0, len(d.methods))
	for _, r := range d.methods {
		out = append(out, r.info())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the descriptor of name.
func (d *Dispatcher) Lookup(name string) (Method, bool) {
	r, ok := d.lookup(name)
	if !ok {
		return Method{}, false
	}
	return r.Method, true
}

func (d *Dispatcher) lookup(name string) (*registered, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.methods[name]
	return r, ok
}

// Jobs returns the job manager calls are submitted to.
func (d *Dispatcher) Jobs() *jobs.Manager {
	return d.jobs
}

// Roles returns the role manager used for authorization.
func (d *Dispatcher) Roles() *auth.RoleManager {
	return d.roles
}

// Dispatch runs one call on behalf of sess. For job methods the result is
// the job id. id is the client's message id and only used for tracing.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, id, name string, params []any) (result any, err error) {
	timer := metrics.NewTimer()
	ctx, span := otel.Tracer("github.com/cuemby/middlewared/pkg/rpc").Start(ctx, "rpc."+name)
	span.SetAttributes(attribute.String("rpc.method", name), attribute.String("rpc.session", sess.ID))
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RPCCallsTotal.WithLabelValues(name, status).Inc()
		timer.ObserveDurationVec(metrics.RPCCallDuration, name)
	}()

	r, ok := d.lookup(name)
	if !ok {
		return nil, apierr.MethodNotFound(name)
	}
	call := &Call{ID: id, Method: name, Session: sess}

	if err := d.authorize(r, sess); err != nil {
		d.auditRejected(ctx, r, call, params)
		return nil, err
	}

	rec := d.auditBegin(ctx, r, call, params)
	if r.Job != nil {
		jobID, err := d.submit(ctx, r, call, params, rec)
		if err != nil {
			return nil, err
		}
		return jobID, nil
	}

	result, err = d.run(ctx, r, call, params)
	d.auditFinish(rec, call, err == nil)
	return result, err
}

func (d *Dispatcher) run(ctx context.Context, r *registered, call *Call, params []any) (any, error) {
	params, err := d.validate(r, params)
	if err != nil {
		return nil, err
	}
	if r.CacheTTL > 0 && d.cache != nil {
		return d.cache.GetOrSet(cacheKey(r.fullName, params), r.CacheTTL, cache.Volatile, func() (any, error) {
			return d.invoke(ctx, r, call, params)
		})
	}
	return d.invoke(ctx, r, call, params)
}

func (d *Dispatcher) invoke(ctx context.Context, r *registered, call *Call, params []any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error().Str("method", r.fullName).Interface("panic", p).Msg("Method handler panicked")
			err = fmt.Errorf("method %s panicked: %v", r.fullName, p)
		}
	}()
	return r.Handler(ctx, call, params)
}

func (d *Dispatcher) submit(ctx context.Context, r *registered, call *Call, params []any, rec *audit.Record) (int64, error) {
	params, err := d.validate(r, params)
	if err != nil {
		d.auditFinish(rec, call, false)
		return 0, err
	}

	handler := func(jctx context.Context, job *jobs.Job) (any, error) {
		return r.JobHandler(jctx, job, call, params)
	}
	job, err := d.jobs.Submit(r.fullName, params, *r.Job, handler, call.Credentials())
	if err != nil {
		d.auditFinish(rec, call, false)
		return 0, err
	}
	if rec != nil {
		go func() {
			<-job.Done()
			d.auditFinish(rec, call, job.State() == jobs.Success)
		}()
	}
	return job.ID, nil
}

func (d *Dispatcher) authorize(r *registered, sess *Session) error {
	if r.NoAuth {
		return nil
	}
	creds := sess.Credentials()
	if creds == nil {
		return apierr.AccessDenied("Not authenticated")
	}
	trusted := creds.Kind == auth.KindInternal || creds.Kind == auth.KindPeer
	if r.Private && !trusted {
		return apierr.AccessDenied(fmt.Sprintf("%s is a private method", r.fullName))
	}
	if r.NoAuthz || trusted {
		return nil
	}
	if !d.roles.Allowed(creds.Roles, r.Roles) {
		return apierr.AccessDenied("Not authorized")
	}
	return nil
}

// validate checks every parameter against its schema and fills defaults.
// All failures are collected before returning.
func (d *Dispatcher) validate(r *registered, params []any) ([]any, error) {
	verrs := apierr.NewValidationErrors()
	if len(params) > len(r.Params) {
		verrs.Add(r.fullName, fmt.Sprintf("Too many arguments (expected %d, found %d)", len(r.Params), len(params)), int(unix.EINVAL))
		return nil, verrs
	}

	out := make([]any, len(r.Params))
	for i, p := range r.Params {
		given := i < len(params)
		switch {
		case given:
			out[i] = params[i]
		case p.Required:
			verrs.Add(p.Name, "attribute required", int(unix.EINVAL))
			continue
		default:
			out[i] = p.Default
		}

		schema := r.schemas[i]
		if schema == nil || (!given && out[i] == nil) {
			continue
		}
		res, err := schema.Validate(gojsonschema.NewGoLoader(out[i]))
		if err != nil {
			verrs.Add(p.Name, fmt.Sprintf("Unable to validate: %v", err), int(unix.EINVAL))
			continue
		}
		for _, re := range res.Errors() {
			attr := p.Name
			if f := re.Field(); f != "" && f != "(root)" {
				attr += "." + f
			}
			verrs.Add(attr, re.Description(), int(unix.EINVAL))
		}
	}
	if verrs.Len() > 0 {
		return nil, verrs
	}
	return out, nil
}

func (d *Dispatcher) auditEntry(r *registered, call *Call, params []any) audit.Entry {
	desc := r.Audit
	if r.AuditExtended != nil {
		if extra := safeExtended(r.AuditExtended, params); extra != "" {
			desc += " " + extra
		}
	}
	return audit.Entry{
		SessionID:     call.Session.ID,
		Username:      call.Session.Username(),
		Address:       call.Session.Origin,
		Method:        r.fullName,
		Params:        toJSONValue(params),
		Description:   desc,
		Authenticated: call.Session.Authenticated(),
		Authorized:    true,
	}
}

func (d *Dispatcher) audited(r *registered, sess *Session) bool {
	return d.auditor != nil && r.Audit != "" && sess.Transport != TransportInternal
}

func (d *Dispatcher) auditBegin(ctx context.Context, r *registered, call *Call, params []any) *audit.Record {
	if !d.audited(r, call.Session) {
		return nil
	}
	rec, err := d.auditor.Begin(ctx, d.auditEntry(r, call, params))
	if err != nil {
		d.logger.Error().Err(err).Str("method", r.fullName).Msg("Failed to write audit record")
		return nil
	}
	return rec
}

func (d *Dispatcher) auditFinish(rec *audit.Record, call *Call, success bool) {
	if rec == nil {
		return
	}
	// The call context may already be cancelled; the record must still be
	// completed.
	if err := d.auditor.Finish(context.Background(), rec, success, call.auditMessages()...); err != nil {
		d.logger.Error().Err(err).Str("method", call.Method).Msg("Failed to complete audit record")
	}
}

func (d *Dispatcher) auditRejected(ctx context.Context, r *registered, call *Call, params []any) {
	if !d.audited(r, call.Session) {
		return
	}
	e := d.auditEntry(r, call, params)
	e.Authorized = false
	rec, err := d.auditor.Begin(ctx, e)
	if err != nil {
		d.logger.Error().Err(err).Str("method", r.fullName).Msg("Failed to write audit record")
		return
	}
	d.auditFinish(rec, call, false)
}

func safeExtended(fn func([]any) string, params []any) (s string) {
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()
	return fn(params)
}

// toJSONValue converts params to plain JSON values so the audit redaction
// sees maps and slices regardless of the Go types the caller used.
func toJSONValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func cacheKey(method string, params []any) string {
	b, err := json.Marshal(params)
	if err != nil {
		return "rpc:" + method + ":" + fmt.Sprint(params)
	}
	return "rpc:" + method + ":" + string(b)
}

// Call invokes a method as middlewared itself: no authorization and no
// audit record. Job methods return the job id.
func (d *Dispatcher) Call(ctx context.Context, name string, params ...any) (any, error) {
	return d.Dispatch(ctx, InternalSession(), "", name, params)
}

// CallWait is Call that also waits for job methods and returns the job
// result, or its error.
func (d *Dispatcher) CallWait(ctx context.Context, name string, params ...any) (any, error) {
	r, ok := d.lookup(name)
	if !ok {
		return nil, apierr.MethodNotFound(name)
	}
	res, err := d.Call(ctx, name, params...)
	if err != nil || r.Job == nil {
		return res, err
	}
	id, ok := res.(int64)
	if !ok {
		return nil, errors.New("job method did not return a job id")
	}
	return d.jobs.Wait(ctx, id, 0, true)
}
