// Package random supplies the validator-selection draw. The case pipeline
// treats the draw as an opaque, trusted, single-use source of distinct
// indices; it never derives indices itself.
package random

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Drawer returns n distinct indices in [0, poolSize).
type Drawer interface {
	Draw(n, poolSize int) ([]int, error)
}

// CryptoDrawer draws indices using crypto/rand via a partial Fisher-Yates
// shuffle over the index range.
type CryptoDrawer struct{}

func NewCryptoDrawer() *CryptoDrawer {
	return &CryptoDrawer{}
}

func (d *CryptoDrawer) Draw(n, poolSize int) ([]int, error) {
	if n <= 0 {
		return nil, fmt.Errorf("random: draw count must be positive, got %d", n)
	}
	if n > poolSize {
		return nil, fmt.Errorf("random: draw count %d exceeds pool size %d", n, poolSize)
	}

	indices := make([]int, poolSize)
	for i := range indices {
		indices[i] = i
	}
	for i := 0; i < n; i++ {
		j, err := intn(poolSize - i)
		if err != nil {
			return nil, fmt.Errorf("random: draw: %w", err)
		}
		indices[i], indices[i+j] = indices[i+j], indices[i]
	}
	return indices[:n], nil
}

func intn(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
