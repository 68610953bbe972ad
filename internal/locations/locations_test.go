package locations_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/curetrials/trialchat/internal/locations"
	"github.com/curetrials/trialchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	response string
	err      error
}

func (m mockLLM) CompleteJSON(context.Context, string) (string, error) {
	return m.response, m.err
}

type mockGeocoder struct {
	mu    sync.Mutex
	calls []string
	at    []time.Time
	hits  map[string]*models.Place
	err   error
}

func (m *mockGeocoder) Geocode(_ context.Context, query string) (*models.Place, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, query)
	m.at = append(m.at, time.Now())
	if m.err != nil {
		return nil, m.err
	}
	return m.hits[query], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseExtractionFilters(t *testing.T) {
	raw := `{"locations": [
		{"name": "Boston", "type": "city", "confidence": 0.9},
		{"name": "MA", "type": "state", "confidence": 0.9},
		{"name": "Somewhere", "type": "region", "confidence": 0.4},
		{"name": "Texas", "type": "state", "confidence": 0.5}
	]}`

	locs, err := locations.ParseExtraction(raw)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.Equal(t, "Boston", locs[0].Name)
	assert.Equal(t, "Texas", locs[1].Name)
}

func TestParseExtractionCodeFenceAndCap(t *testing.T) {
	raw := "```json\n{\"locations\": ["
	for i := 0; i < 25; i++ {
		if i > 0 {
			raw += ","
		}
		raw += `{"name": "Place", "type": "city", "confidence": 0.8}`
	}
	raw += "]}\n```"

	locs, err := locations.ParseExtraction(raw)
	require.NoError(t, err)
	assert.Len(t, locs, 20)
}

func TestParseExtractionMalformed(t *testing.T) {
	_, err := locations.ParseExtraction("locations: Boston")
	assert.Error(t, err)
}

func TestFallbackExtract(t *testing.T) {
	text := "Trials are recruiting in Boston, MA and Houston, TX. Other sites are in Ohio and in " +
		"West Virginia. Boston, MA appears twice."

	locs := locations.FallbackExtract(text)
	require.Len(t, locs, 4)

	assert.Equal(t, models.Location{Name: "Boston, MA", Type: "city", Confidence: 0.7}, locs[0])
	assert.Equal(t, models.Location{Name: "Houston, TX", Type: "city", Confidence: 0.7}, locs[1])
	assert.Equal(t, "West Virginia", locs[2].Name)
	assert.Equal(t, 0.6, locs[2].Confidence)
	assert.Equal(t, "Ohio", locs[3].Name)
}

func TestFallbackExtractSkipsStateAlreadyMentioned(t *testing.T) {
	locs := locations.FallbackExtract("Sites in New York, NY serve all of New York.")
	require.Len(t, locs, 1)
	assert.Equal(t, "New York, NY", locs[0].Name)
}

func TestFallbackExtractCap(t *testing.T) {
	text := "Alabama Alaska Arizona Arkansas California Colorado Connecticut Delaware Florida Georgia Hawaii Idaho"
	assert.Len(t, locations.FallbackExtract(text), 10)
}

func TestResolverFallsBackOnModelFailure(t *testing.T) {
	tests := []struct {
		name string
		llm  locations.LLM
	}{
		{name: "No model", llm: nil},
		{name: "Model error", llm: mockLLM{err: errors.New("api key is not set")}},
		{name: "Malformed JSON", llm: mockLLM{response: "{not json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := locations.NewResolver(tt.llm, locations.NewCachedGeocoder(&mockGeocoder{}), 0, discardLogger())
			locs := r.Extract(context.Background(), "Recruiting in Denver, CO.")
			require.Len(t, locs, 1)
			assert.Equal(t, "Denver, CO", locs[0].Name)
			assert.Equal(t, 0.7, locs[0].Confidence)
		})
	}
}

func TestResolverGeocodesAndDropsMisses(t *testing.T) {
	geo := &mockGeocoder{hits: map[string]*models.Place{
		"Boston": {Longitude: -71.06, Latitude: 42.36, PlaceName: "Boston, Massachusetts, United States", Context: "Massachusetts, United States"},
	}}
	llm := mockLLM{response: `{"locations": [
		{"name": "Boston", "type": "city", "confidence": 0.9},
		{"name": "Atlantis", "type": "city", "confidence": 0.9}
	]}`}

	r := locations.NewResolver(llm, locations.NewCachedGeocoder(geo), 0, discardLogger())
	locs := r.Resolve(context.Background(), "irrelevant")

	require.Len(t, locs, 1)
	assert.Equal(t, "Boston", locs[0].Name)
	require.NotNil(t, locs[0].Coordinates)
	assert.Equal(t, [2]float64{-71.06, 42.36}, *locs[0].Coordinates)
	assert.Equal(t, "Massachusetts, United States", locs[0].Context)
}

func TestResolverDropsErrors(t *testing.T) {
	geo := &mockGeocoder{err: errors.New("provider down")}
	r := locations.NewResolver(nil, locations.NewCachedGeocoder(geo), 0, discardLogger())

	locs := r.Resolve(context.Background(), "Sites in Austin, TX and Dallas, TX.")
	assert.Empty(t, locs)
	assert.Len(t, geo.calls, 2)
}

func TestResolverThrottlesProviderCalls(t *testing.T) {
	geo := &mockGeocoder{hits: map[string]*models.Place{}}
	delay := 20 * time.Millisecond
	r := locations.NewResolver(nil, locations.NewCachedGeocoder(geo), delay, discardLogger())

	r.Resolve(context.Background(), "Austin, TX; Dallas, TX; Houston, TX")

	require.Len(t, geo.at, 3)
	for i := 1; i < len(geo.at); i++ {
		// Allow a little scheduler slack below the nominal spacing.
		assert.GreaterOrEqual(t, geo.at[i].Sub(geo.at[i-1]), delay-5*time.Millisecond)
	}
}

func TestCachedGeocoder(t *testing.T) {
	geo := &mockGeocoder{hits: map[string]*models.Place{
		"Boston": {Longitude: 1, Latitude: 2},
	}}
	c := locations.NewCachedGeocoder(geo)

	p, err := c.Geocode(context.Background(), "Boston")
	require.NoError(t, err)
	require.NotNil(t, p)

	p, err = c.Geocode(context.Background(), "  BOSTON ")
	require.NoError(t, err)
	require.NotNil(t, p)

	miss, err := c.Geocode(context.Background(), "Nowhere")
	require.NoError(t, err)
	assert.Nil(t, miss)
	_, err = c.Geocode(context.Background(), "nowhere")
	require.NoError(t, err)

	assert.Equal(t, []string{"Boston", "Nowhere"}, geo.calls)
}

func TestCachedGeocoderDoesNotCacheErrors(t *testing.T) {
	geo := &mockGeocoder{err: errors.New("boom")}
	c := locations.NewCachedGeocoder(geo)

	_, err := c.Geocode(context.Background(), "Boston")
	require.Error(t, err)
	_, err = c.Geocode(context.Background(), "Boston")
	require.Error(t, err)

	assert.Len(t, geo.calls, 2)
}

type blockingGeocoder struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	ctxErr  chan error
}

func (b *blockingGeocoder) Geocode(ctx context.Context, _ string) (*models.Place, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}
	<-b.release
	b.ctxErr <- ctx.Err()
	return &models.Place{Longitude: -71.06, Latitude: 42.36}, nil
}

func TestCachedGeocoderSharedLookupSurvivesCallerCancel(t *testing.T) {
	geo := &blockingGeocoder{
		started: make(chan struct{}),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	c := locations.NewCachedGeocoder(geo)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Geocode(ctx, "Boston")
		firstErr <- err
	}()
	<-geo.started

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	second := make(chan *models.Place, 1)
	go func() {
		p, err := c.Geocode(context.Background(), "boston")
		assert.NoError(t, err)
		second <- p
	}()

	close(geo.release)
	assert.NoError(t, <-geo.ctxErr)

	p := <-second
	require.NotNil(t, p)
	assert.Equal(t, 42.36, p.Latitude)
	assert.EqualValues(t, 1, geo.calls.Load())
}
