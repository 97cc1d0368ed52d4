// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package key provides synchronized access to the object key counter of a
// region. Keys are assigned in a continuous sequence, which is what the
// region restore relies on.
package key

import (
	"sync"
)

type Counter struct {
	mutex sync.Mutex
	key   int64
}

// Current returns value of currently unassigned key. It must not be used for
// a new object without calling Next().
func (c *Counter) Current() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.key
}

// Next returns currently unassigned key and increments the counter, hence it
// contains unassigned key again.
func (c *Counter) Next() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tmp := c.key
	c.key++

	return tmp
}

// Replace sets the next unassigned key.
func (c *Counter) Replace(newKey int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.key = newKey
}
