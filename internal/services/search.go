package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/curetrials/trialchat/internal/models"
)

// SearchClient issues queries against the remote trial-search (RAG) backend. It makes exactly one
// request per query and never retries; a failure is surfaced to the caller immediately.
type SearchClient struct {
	endpoint              string
	threshold             float64
	externalDataThreshold float64

	client *http.Client

	logger *slog.Logger
}

// SearchRequest holds the per-query inputs of a search.
type SearchRequest struct {
	Query    string
	NResults int
	// ExternalData relaxes the similarity threshold so the backend may blend in external sources.
	ExternalData bool
}

// SearchClientConfig configures a SearchClient. Zero values fall back to the defaults below.
type SearchClientConfig struct {
	Endpoint              string
	Threshold             float64
	ExternalDataThreshold float64
	Timeout               time.Duration
}

const (
	defaultSimilarityThreshold   = 0.2
	defaultExternalDataThreshold = 0.3
	defaultSearchTimeout         = 30 * time.Second

	defaultSourceType      = "Trial"
	defaultSourceID        = "Unknown"
	defaultSourceRelevance = "N/A"
)

type searchRequestBody struct {
	Query               string  `json:"query"`
	NResults            int     `json:"n_results"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

type searchResponseBody struct {
	Answer         string          `json:"answer"`
	Sources        searchSources   `json:"sources"`
	Confidence     string          `json:"confidence"`
	TotalResults   int             `json:"total_results"`
	ProcessingTime float64         `json:"processing_time"`
	TrialLocations json.RawMessage `json:"trial_locations,omitempty"`
}

type searchSources struct {
	VectorDB []searchSource `json:"vector_db"`
	MCP      []searchSource `json:"mcp"`
}

type searchSource struct {
	TrialID   string       `json:"trial_id"`
	Type      string       `json:"type"`
	Relevance flexibleText `json:"relevance"`
}

type searchErrorBody struct {
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

// flexibleText accepts either a JSON string or a JSON number, since the backend reports relevance
// as a label for some providers and as a score for others.
type flexibleText string

func (f *flexibleText) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleText(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("relevance is neither string nor number: %s", string(data))
	}
	*f = flexibleText(strconv.FormatFloat(n, 'f', -1, 64))
	return nil
}

// NewSearchClient creates a SearchClient for the given backend endpoint.
func NewSearchClient(cfg SearchClientConfig, logger *slog.Logger) SearchClient {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = defaultSimilarityThreshold
	}
	externalThreshold := cfg.ExternalDataThreshold
	if externalThreshold == 0 {
		externalThreshold = defaultExternalDataThreshold
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultSearchTimeout
	}

	return SearchClient{
		endpoint:              cfg.Endpoint,
		threshold:             threshold,
		externalDataThreshold: externalThreshold,
		client:                &http.Client{Timeout: timeout},
		logger:                logger.With(slog.String("module", "search")),
	}
}

// Threshold returns the similarity threshold applied to a request.
func (s SearchClient) Threshold(externalData bool) float64 {
	if externalData {
		return s.externalDataThreshold
	}
	return s.threshold
}

// Search sends the query to the search backend and returns its answer with flattened citations.
func (s SearchClient) Search(ctx context.Context, req SearchRequest) (models.SearchResult, error) {
	body, err := json.Marshal(searchRequestBody{
		Query:               req.Query,
		NResults:            req.NResults,
		SimilarityThreshold: s.Threshold(req.ExternalData),
	})
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.SearchResult{}, searchError(resp.StatusCode, raw)
	}

	var res searchResponseBody
	if err := json.Unmarshal(raw, &res); err != nil {
		return models.SearchResult{}, fmt.Errorf("error unmarshaling response: %w", err)
	}

	s.logger.Debug("Search completed",
		slog.String("query", req.Query),
		slog.Int("totalResults", res.TotalResults),
		slog.Duration("elapsed", time.Since(start)))

	return models.SearchResult{
		Answer:         res.Answer,
		Confidence:     models.Confidence(res.Confidence),
		TotalResults:   res.TotalResults,
		ProcessingTime: res.ProcessingTime,
		Sources:        flattenSources(res.Sources),
		TrialLocations: res.TrialLocations,
	}, nil
}

func searchError(status int, raw []byte) error {
	var e searchErrorBody
	if err := json.Unmarshal(raw, &e); err == nil {
		if e.Detail != "" {
			return errors.New(e.Detail)
		}
		if e.Error != "" {
			return errors.New(e.Error)
		}
	}
	return fmt.Errorf("search service returned %d %s", status, http.StatusText(status))
}

func flattenSources(src searchSources) []models.Source {
	all := make([]searchSource, 0, len(src.VectorDB)+len(src.MCP))
	all = append(all, src.VectorDB...)
	all = append(all, src.MCP...)
	if len(all) == 0 {
		return nil
	}

	sources := make([]models.Source, len(all))
	for i, s := range all {
		sources[i] = models.Source{
			Type:      orDefault(s.Type, defaultSourceType),
			ID:        orDefault(s.TrialID, defaultSourceID),
			Relevance: orDefault(string(s.Relevance), defaultSourceRelevance),
		}
	}
	return sources
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
