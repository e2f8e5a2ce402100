// SPDX-License-Identifier: AGPL-3.0-only
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
)

// LocalCollectionName is the collection name local functions are exposed under.
const LocalCollectionName = "cluster_report"

// Registry holds in-process functions.
type Registry struct {
	mu    sync.RWMutex
	order []string
	funcs map[string]Function
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Function)}
}

// Register adds a local function. Names are unique within the registry.
func (r *Registry) Register(name, description string, schema map[string]interface{}, h Handler) error {
	if name == "" {
		return errors.InvalidInput("function name is empty")
	}
	if h == nil {
		return errors.InvalidInput(fmt.Sprintf("function %s has no handler", name))
	}
	if schema == nil {
		schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return errors.DuplicateFunction(name)
	}
	d := Descriptor{Name: name, Description: description, Schema: schema}
	r.funcs[name] = NewFunction(d, Local, guard(name, h))
	r.order = append(r.order, name)
	return nil
}

// Collection snapshots the registered functions.
func (r *Registry) Collection() *Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fns := make([]Function, 0, len(r.order))
	for _, name := range r.order {
		fns = append(fns, r.funcs[name])
	}
	return NewCollection(LocalCollectionName, fns...)
}

// guard converts handler errors and panics into *errors.ToolError.
func guard(name string, h Handler) Handler {
	return func(ctx context.Context, args map[string]interface{}) (out string, err error) {
		defer func() {
			if p := recover(); p != nil {
				out = ""
				err = errors.ToolExecution(name, fmt.Sprintf("panic: %v", p))
			}
		}()
		out, err = h(ctx, args)
		if err != nil {
			var te *errors.ToolError
			if errors.As(err, &te) {
				return "", err
			}
			return "", errors.ToolExecution(name, err.Error())
		}
		return out, nil
	}
}
