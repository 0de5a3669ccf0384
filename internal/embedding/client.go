// Package embedding generates embedding vectors for derived documents.
// Chroma embedded documents implicitly; Qdrant needs explicit vectors, so
// every document passes through here before it reaches the index.
package embedding

import (
	"fmt"
	"os"

	"github.com/openai/openai-go"
)

// Client wraps the OpenAI client used for embeddings and QA generation.
type Client struct {
	client *openai.Client
}

// NewClient creates the OpenAI client. OPENAI_API_KEY must be set; failing
// fast here beats failing mid-batch.
func NewClient() (*Client, error) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	client := openai.NewClient()
	return &Client{client: &client}, nil
}

// Client exposes the underlying OpenAI client so the QA generator can share
// one connection.
func (c *Client) Client() *openai.Client {
	return c.client
}
