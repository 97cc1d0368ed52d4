// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package key

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounter__ConcurrentNextIsContinuous(t *testing.T) {
	var c Counter
	c.Replace(10)

	var wg sync.WaitGroup
	keys := make(chan int64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys <- c.Next()
		}()
	}
	wg.Wait()
	close(keys)

	seen := make(map[int64]bool)
	for k := range keys {
		assert.False(t, seen[k], "key %d assigned twice", k)
		seen[k] = true
	}

	for k := int64(10); k < 110; k++ {
		assert.True(t, seen[k], "key %d missing", k)
	}
	assert.EqualValues(t, 110, c.Current())
}
