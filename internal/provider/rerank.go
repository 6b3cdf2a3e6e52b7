package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const rerankTimeout = 30 * time.Second

// RerankClient calls a hosted Cohere-style /rerank endpoint to score
// documents against a query.
type RerankClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewRerankClient creates a rerank client for the given endpoint and model.
func NewRerankClient(baseURL, apiKey, model string) *RerankClient {
	return &RerankClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: rerankTimeout,
		},
	}
}

// rerankRequest is the JSON body for POST /rerank.
type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

// RerankResult scores one input document; Index refers to the request's
// documents array.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// rerankResponse is the JSON returned by POST /rerank.
type rerankResponse struct {
	Results []RerankResult `json:"results"`
}

// Rerank scores documents against the query and returns up to topN results,
// most relevant first. A 429 response comes back as a retryable APIError.
func (c *RerankClient) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	body, err := json.Marshal(rerankRequest{
		Model:     c.model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, newAPIError("rerank", resp.StatusCode, respBody)
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	for _, r := range result.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("rerank: result index %d out of range", r.Index)
		}
	}
	return result.Results, nil
}
