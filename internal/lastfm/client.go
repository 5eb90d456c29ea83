package lastfm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://ws.audioscrobbler.com/2.0/"

// DefaultRequestsPerSecond keeps a client within Last.fm's published
// request rate.
const DefaultRequestsPerSecond = 5

// errTrackNotFound is the Last.fm error code for an unknown track.
const errTrackNotFound = 6

// Client is a minimal Last.fm API client for track search and album art.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new Last.fm client. If baseURL is empty, it defaults
// to the public API endpoint. Requests are paced to rps per second
// (DefaultRequestsPerSecond when rps is not positive).
func NewClient(baseURL, apiKey string, timeout time.Duration, rps float64) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Track is a search result.
type Track struct {
	Name      string `json:"name"`
	Artist    string `json:"artist"`
	URL       string `json:"url"`
	Listeners string `json:"listeners"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

// SearchTracks searches the catalog by track name.
func (c *Client) SearchTracks(ctx context.Context, query string) ([]Track, error) {
	params := url.Values{}
	params.Set("method", "track.search")
	params.Set("track", query)

	var resp trackSearchResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, fmt.Errorf("search tracks: %w", err)
	}

	tracks := make([]Track, 0, len(resp.Results.TrackMatches.Track))
	for _, t := range resp.Results.TrackMatches.Track {
		tracks = append(tracks, Track{
			Name:      t.Name,
			Artist:    t.Artist,
			URL:       t.URL,
			Listeners: t.Listeners,
			ImageURL:  largestImage(t.Image),
		})
	}
	return tracks, nil
}

// AlbumArt returns the largest album cover for a track, or "" when the
// track has no album or the catalog does not know it.
func (c *Client) AlbumArt(ctx context.Context, artist, track string) (string, error) {
	params := url.Values{}
	params.Set("method", "track.getInfo")
	params.Set("artist", artist)
	params.Set("track", track)

	var resp trackInfoResponse
	if err := c.get(ctx, params, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == errTrackNotFound {
			return "", nil
		}
		return "", fmt.Errorf("get track info: %w", err)
	}

	if resp.Track.Album == nil {
		return "", nil
	}
	return largestImage(resp.Track.Album.Image), nil
}

// APIError is an error reported in a Last.fm response body.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (status %d): %s", e.Code, e.Status, e.Message)
}

func (c *Client) get(ctx context.Context, params url.Values, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}

	params.Set("api_key", c.apiKey)
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	// Last.fm reports failures in the body, sometimes with a 200 status.
	var apiErr errorResponse
	if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != 0 {
		return &APIError{Status: resp.StatusCode, Code: apiErr.Error, Message: apiErr.Message}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// largestImage picks the last non-empty image URL; Last.fm lists sizes
// from small to mega.
func largestImage(images []image) string {
	for i := len(images) - 1; i >= 0; i-- {
		if images[i].URL != "" {
			return images[i].URL
		}
	}
	return ""
}

type errorResponse struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

type image struct {
	URL  string `json:"#text"`
	Size string `json:"size"`
}

type trackSearchResponse struct {
	Results struct {
		TrackMatches struct {
			Track []struct {
				Name      string  `json:"name"`
				Artist    string  `json:"artist"`
				URL       string  `json:"url"`
				Listeners string  `json:"listeners"`
				Image     []image `json:"image"`
			} `json:"track"`
		} `json:"trackmatches"`
	} `json:"results"`
}

type trackInfoResponse struct {
	Track struct {
		Name  string `json:"name"`
		Album *struct {
			Title string  `json:"title"`
			Image []image `json:"image"`
		} `json:"album"`
	} `json:"track"`
}
