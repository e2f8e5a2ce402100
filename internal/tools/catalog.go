// SPDX-License-Identifier: AGPL-3.0-only
package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
)

// Catalog is the ordered set of functions offered to the model.
type Catalog struct {
	collections []*Collection
	byName      map[string]Function
	ordered     []Function
}

// NewCatalog merges collections in order. A name present in two
// collections is rejected.
func NewCatalog(cols ...*Collection) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Function)}
	for _, col := range cols {
		if col == nil {
			continue
		}
		for _, fn := range col.functions {
			if _, dup := c.byName[fn.Name]; dup {
				return nil, errors.DuplicateFunction(fn.Name)
			}
			c.byName[fn.Name] = fn
			c.ordered = append(c.ordered, fn)
		}
		c.collections = append(c.collections, col)
	}
	return c, nil
}

// Collections returns the merged collections in order.
func (c *Catalog) Collections() []*Collection {
	return append([]*Collection(nil), c.collections...)
}

// Functions returns every function in catalog order.
func (c *Catalog) Functions() []Function {
	return append([]Function(nil), c.ordered...)
}

// Definitions returns the descriptors in catalog order.
func (c *Catalog) Definitions() []Descriptor {
	out := make([]Descriptor, 0, len(c.ordered))
	for _, fn := range c.ordered {
		out = append(out, fn.Descriptor)
	}
	return out
}

// Lookup finds a function by name.
func (c *Catalog) Lookup(name string) (Function, bool) {
	fn, ok := c.byName[name]
	return fn, ok
}

// Len returns the number of functions.
func (c *Catalog) Len() int {
	return len(c.ordered)
}

// Call decodes argumentsJSON and dispatches to the named function.
// An empty argument string is treated as an empty object.
func (c *Catalog) Call(ctx context.Context, name, argumentsJSON string) (string, error) {
	fn, ok := c.byName[name]
	if !ok {
		return "", errors.ToolNotFound(name)
	}
	args := map[string]interface{}{}
	if raw := strings.TrimSpace(argumentsJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return "", errors.ToolExecution(name, errors.InvalidInput("malformed arguments: "+err.Error()).Error())
		}
	}
	return fn.Call(ctx, args)
}
