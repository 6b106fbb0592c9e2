package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryGetSetRemove(t *testing.T) {
	a := assert.New(t)

	m := NewMemory()

	_, err := m.Get("fp1")
	a.ErrorIs(err, ErrNotFound)

	a.NoError(m.Set("fp1", "https://example.com/files/abc"))
	url, err := m.Get("fp1")
	a.NoError(err)
	a.Equal("https://example.com/files/abc", url)

	a.NoError(m.Set("fp1", "https://example.com/files/def"))
	url, err = m.Get("fp1")
	a.NoError(err)
	a.Equal("https://example.com/files/def", url)

	a.NoError(m.Remove("fp1"))
	_, err = m.Get("fp1")
	a.ErrorIs(err, ErrNotFound)

	a.NoError(m.Remove("never-existed"))
}

func TestMemoryConcurrentAccess(t *testing.T) {
	m := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := "fp"
			m.Set(fp, "url")
			m.Get(fp)
			m.Remove(fp)
		}(i)
	}
	wg.Wait()
}
