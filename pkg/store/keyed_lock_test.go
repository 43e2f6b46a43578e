package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()
	counter := map[string]*int{"a": new(int), "b": new(int)}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				unlock := km.Lock(key)
				defer unlock()
				*counter[key]++
			}(key)
		}
	}
	wg.Wait()

	assert.Equal(t, 50, *counter["a"])
	assert.Equal(t, 50, *counter["b"])
	assert.Empty(t, km.locks)
}
