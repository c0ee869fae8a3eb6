package openlibrary

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoMatch is returned when a search finds no document carrying an ISBN.
var ErrNoMatch = errors.New("no matching edition")

const DefaultBaseURL = "https://openlibrary.org"

type Client struct {
	httpClient *http.Client
	userAgent  string
	baseURL    string
	limiter    *rate.Limiter
	maxRetries int
	backoff    func(attempt int) time.Duration
}

func NewClient(userAgent string, rps int, maxRetries int) *Client {
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		userAgent:  userAgent,
		baseURL:    DefaultBaseURL,
		limiter:    rate.NewLimiter(rate.Every(time.Second/time.Duration(rps)), 1),
		maxRetries: maxRetries,
		backoff: func(attempt int) time.Duration {
			// 1s, 2s, 4s...
			return time.Duration(1<<uint(attempt-1)) * time.Second
		},
	}
}

// WithBaseURL points the client at another host, such as a mirror.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

// SearchResponse matches search.json with fields=isbn.
type SearchResponse struct {
	NumFound int `json:"numFound"`
	Docs     []struct {
		ISBN []string `json:"isbn"`
	} `json:"docs"`
}

// ISBNForTitle returns the first ISBN of the best match for title.
func (c *Client) ISBNForTitle(ctx context.Context, title string) (string, error) {
	u := fmt.Sprintf("%s/search.json?title=%s&fields=isbn", c.baseURL, url.QueryEscape(title))

	var res SearchResponse
	if err := c.get(ctx, u, &res); err != nil {
		return "", err
	}
	if len(res.Docs) == 0 || len(res.Docs[0].ISBN) == 0 {
		return "", fmt.Errorf("title %q: %w", title, ErrNoMatch)
	}
	return res.Docs[0].ISBN[0], nil
}

func (c *Client) get(ctx context.Context, url string, target interface{}) error {
	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(c.backoff(i)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		retry, err := c.do(ctx, url, target)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, url string, target interface{}) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, err
	}
	return false, json.NewDecoder(resp.Body).Decode(target)
}
