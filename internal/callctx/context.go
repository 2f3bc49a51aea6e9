// Package callctx holds per-call state shared between the entry phase of the
// guard and the exit phase that releases admission tokens.
package callctx

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ppiankov/rpcguard/internal/model"
)

// Key selects one of the two token slots.
type Key int

const (
	ServiceEntryKey Key = iota
	OperationEntryKey
)

// String returns the slot name.
func (k Key) String() string {
	switch k {
	case ServiceEntryKey:
		return "service"
	case OperationEntryKey:
		return "operation"
	default:
		return "unknown"
	}
}

// Context is the state of one call. A single instance is created per call
// and passed by reference through entry and exit.
type Context struct {
	id string

	mu        sync.Mutex
	service   model.Token
	operation model.Token
}

// New creates an empty call context with a fresh call ID.
func New() *Context {
	return &Context{id: uuid.NewString()}
}

// ID returns the call ID used for log correlation.
func (c *Context) ID() string { return c.id }

// Put stores a token under key. Last write wins.
func (c *Context) Put(key Key, t model.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.slot(key) = t
}

// Get returns the token stored under key, or nil.
func (c *Context) Get(key Key) model.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.slot(key)
}

// Take removes and returns the token stored under key.
func (c *Context) Take(key Key) model.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(key)
	t := *s
	*s = nil
	return t
}

func (c *Context) slot(key Key) *model.Token {
	if key == OperationEntryKey {
		return &c.operation
	}
	return &c.service
}
