package rpc

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/cuemby/middlewared/pkg/jobs"
	"github.com/xeipuuv/gojsonschema"
)

// Handler implements a plain method.
type Handler func(ctx context.Context, call *Call, params []any) (any, error)

// JobHandler implements a job method. It runs inside the job and should
// report progress through job.SetProgress.
type JobHandler func(ctx context.Context, job *jobs.Job, call *Call, params []any) (any, error)

// Param describes one positional parameter.
type Param struct {
	Name     string
	Schema   map[string]any
	Required bool
	Default  any
}

// Method is an immutable method descriptor. Name is relative to the
// service namespace.
type Method struct {
	Name        string
	Description string
	Params      []Param
	Result      map[string]any

	// Roles lists the roles that may call the method; holding any one is
	// enough. An empty list admits only full administrators.
	Roles []string
	// NoAuth methods may be called before logging in.
	NoAuth bool
	// NoAuthz methods may be called by any authenticated session.
	NoAuthz bool
	// Private methods are only callable by middlewared itself and the HA
	// peer.
	Private bool

	// Job, when set, makes the method a job with these options.
	Job *jobs.Options

	// Audit is the description template of an audited method. Calls to
	// methods with an empty Audit are not recorded.
	Audit string
	// AuditExtended derives extra description text from the params.
	AuditExtended func(params []any) string

	// CacheTTL memoises results of plain methods per params.
	CacheTTL time.Duration

	Handler    Handler
	JobHandler JobHandler
}

// Service groups methods under a namespace, e.g. "failover".
type Service interface {
	Namespace() string
	Methods() []Method
}

// MethodInfo describes a registered method for introspection.
type MethodInfo struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Params      []map[string]any `json:"accepts"`
	Result      map[string]any   `json:"returns"`
	Roles       []string         `json:"roles"`
	Job         bool             `json:"job"`
	Audited     bool             `json:"audited"`
	Private     bool             `json:"private"`
}

// registered is a Method plus its compiled parameter schemas.
type registered struct {
	Method
	fullName string
	schemas  []*gojsonschema.Schema
}

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

func compile(namespace string, m Method) (*registered, error) {
	full := namespace + "." + m.Name
	if !nameRe.MatchString(full) {
		return nil, fmt.Errorf("invalid method name %q", full)
	}
	if m.Job != nil && m.JobHandler == nil {
		return nil, fmt.Errorf("job method %s has no job handler", full)
	}
	if m.Job == nil && m.Handler == nil {
		return nil, fmt.Errorf("method %s has no handler", full)
	}
	if m.Job != nil && m.CacheTTL > 0 {
		return nil, fmt.Errorf("job method %s cannot be cached", full)
	}

	r := &registered{Method: m, fullName: full, schemas: make([]*gojsonschema.Schema, len(m.Params))}
	for i, p := range m.Params {
		if p.Name == "" {
			return nil, fmt.Errorf("method %s: parameter %d has no name", full, i)
		}
		if p.Schema == nil {
			continue
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(p.Schema))
		if err != nil {
			return nil, fmt.Errorf("method %s: invalid schema for %s: %w", full, p.Name, err)
		}
		r.schemas[i] = s
	}
	return r, nil
}

func (r *registered) info() MethodInfo {
	params := make([]map[string]any, 0, len(r.Params))
	for _, p := range r.Params {
		params = append(params, map[string]any{
			"name":     p.Name,
			"schema":   p.Schema,
			"required": p.Required,
		})
	}
	return MethodInfo{
		Name:        r.fullName,
		Description: r.Description,
		Params:      params,
		Result:      r.Result,
		Roles:       r.Roles,
		Job:         r.Job != nil,
		Audited:     r.Audit != "",
		Private:     r.Private,
	}
}
