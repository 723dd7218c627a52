package runtime

import (
	"github.com/emberml/ember/graph"
)

// ExecutionContext is the opaque per-request payload: input/output bindings,
// optional trace scope, and the request's wall-clock bookkeeping.
//
// A context is exclusively owned by one request from submission until its
// callback returns it.
type ExecutionContext struct {
	Bindings *graph.PlaceholderBindings
	Trace    *TraceContext
	Request  RequestData
}

// NewContext wraps bindings into an execution context. Nil bindings get a
// fresh empty set.
func NewContext(bindings *graph.PlaceholderBindings) *ExecutionContext {
	if bindings == nil {
		bindings = graph.NewBindings()
	}
	return &ExecutionContext{Bindings: bindings}
}

// ResultCB receives the outcome of one inference request. It is invoked
// exactly once per request, with the request's identifier, its error (nil on
// success) and the context handed back to the caller.
type ResultCB func(runID RunIdentifier, err error, ctx *ExecutionContext)
