package store

import "encoding/json"

// Embeddings are persisted as JSON arrays so the same column works on every driver.

func encodeVector(vec []float32) (string, error) {
	b, err := json.Marshal(vec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
