// Package embed converts post bodies into fixed-length vectors.
package embed

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmbeddingUnavailable is returned for any network, auth, quota or shape
// failure. A batch that gets it cannot be clustered.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Embedder returns one vector per input text, in input order, all of the
// same dimensionality.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Check verifies that vectors line up with n inputs and share one dimension.
func Check(vectors [][]float32, n int) error {
	if len(vectors) != n {
		return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingUnavailable, len(vectors), n)
	}
	if n == 0 {
		return nil
	}
	dim := len(vectors[0])
	if dim == 0 {
		return fmt.Errorf("%w: empty vector", ErrEmbeddingUnavailable)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrEmbeddingUnavailable, i, len(v), dim)
		}
	}
	return nil
}
