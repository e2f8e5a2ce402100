// SPDX-License-Identifier: AGPL-3.0-only

// Package tools holds the callable functions offered to the completion
// service: functions bridged from the tool provider and functions
// implemented in this process.
package tools

import (
	"context"
)

// Kind tells where a function is executed.
type Kind int

const (
	// Bridged functions are forwarded to the tool-provider subprocess.
	Bridged Kind = iota
	// Local functions run in-process.
	Local
)

func (k Kind) String() string {
	switch k {
	case Bridged:
		return "bridged"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// Descriptor describes a function the model may call.
type Descriptor struct {
	Name        string
	Description string
	// Schema is a JSON-Schema object describing the arguments.
	Schema map[string]interface{}
}

// Handler executes one call with decoded arguments.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Function is a descriptor bound to its handler.
type Function struct {
	Descriptor
	Kind    Kind
	handler Handler
}

// NewFunction binds a descriptor to a handler.
func NewFunction(d Descriptor, kind Kind, h Handler) Function {
	return Function{Descriptor: d, Kind: kind, handler: h}
}

// Call runs the function.
func (f Function) Call(ctx context.Context, args map[string]interface{}) (string, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	return f.handler(ctx, args)
}

// Collection is a named, ordered group of functions.
type Collection struct {
	Name      string
	functions []Function
}

// NewCollection creates a collection keeping fns in order.
func NewCollection(name string, fns ...Function) *Collection {
	c := &Collection{Name: name}
	c.functions = append(c.functions, fns...)
	return c
}

// Functions returns a copy of the functions in registration order.
func (c *Collection) Functions() []Function {
	out := make([]Function, len(c.functions))
	copy(out, c.functions)
	return out
}

// Len returns the number of functions.
func (c *Collection) Len() int {
	return len(c.functions)
}
