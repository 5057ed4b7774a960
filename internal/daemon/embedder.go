package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aegisops/aegis/internal/model"
)

// httpEmbedder calls an external embedding service: POST {"text": ...},
// response {"embedding": [...]}. The service owns model choice and
// dimension; the core only carries the vector.
type httpEmbedder struct {
	endpoint string
	client   *http.Client
}

func newHTTPEmbedder(endpoint string, timeout time.Duration) *httpEmbedder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpEmbedder{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (e *httpEmbedder) Embed(text string) (model.Vector, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	resp, err := e.client.Post(e.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedder returned %d: %s", resp.StatusCode, data)
	}

	var parsed struct {
		Embedding model.Vector `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("embedder returned empty vector")
	}
	return parsed.Embedding, nil
}
