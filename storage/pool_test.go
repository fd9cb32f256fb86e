package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesPool(t *testing.T) {
	p := NewBytesPool(64)

	b := p.GetBytes()
	require.Len(t, *b, 0)

	*b = append(*b, "abc"...)
	p.PutBytes(b)

	b = p.GetBytes()
	require.Len(t, *b, 0)

	big := make([]byte, 0, maxPooledSize+1)
	p.PutBytes(&big)
	require.Len(t, big, 0)
}

func TestBytesPoolInitialSize(t *testing.T) {
	p := NewBytesPool(128)

	// GetBytes falls back to New on an empty pool.
	b := p.pool.New().(*[]byte)
	require.Equal(t, 128, cap(*b))
	require.Len(t, *b, 0)
}
