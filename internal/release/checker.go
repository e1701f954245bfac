// Package release compares the running build with the latest published
// release.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/observability"
)

const (
	// DefaultLatestURL is the GitHub API endpoint for the latest release.
	DefaultLatestURL = "https://api.github.com/repos/nocloudhq/cloudbridge/releases/latest"

	// DefaultDownloadURL is where operators fetch new releases.
	DefaultDownloadURL = "https://github.com/nocloudhq/cloudbridge/releases/latest"

	// DefaultTimeout bounds the release lookup.
	DefaultTimeout = 5 * time.Second

	maxReleaseBytes = 1 << 20
)

// Result is the outcome of one check.
type Result struct {
	Current     string `json:"current"`
	Latest      string `json:"latest"`
	Comparison  int    `json:"comparison"`
	DownloadURL string `json:"download_url"`
}

// UpdateAvailable reports whether Latest is newer than Current.
func (r Result) UpdateAvailable() bool {
	return r.Comparison < 0
}

// Option configures a Checker.
type Option func(*Checker)

// WithLatestURL overrides the release endpoint.
func WithLatestURL(url string) Option {
	return func(c *Checker) {
		if strings.TrimSpace(url) != "" {
			c.latestURL = url
		}
	}
}

// WithTimeout bounds each lookup.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithLogger sets the checker logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Checker) { c.logger = observability.OrNop(logger) }
}

// Checker looks up the latest release tag.
type Checker struct {
	client    *http.Client
	latestURL string
	logger    observability.Logger
}

// NewChecker creates a Checker against the GitHub releases API.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		client:    &http.Client{Timeout: DefaultTimeout},
		latestURL: DefaultLatestURL,
		logger:    observability.OrNop(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Latest returns the tag name of the latest release.
func (c *Checker) Latest(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.latestURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch latest release: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch latest release: %s", resp.Status)
	}

	var body struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReleaseBytes)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode latest release: %w", err)
	}
	if strings.TrimSpace(body.TagName) == "" {
		return "", fmt.Errorf("latest release has no tag")
	}
	return body.TagName, nil
}

// Check compares current with the latest release and logs the outcome.
// Unset and development builds have no version to compare.
func (c *Checker) Check(ctx context.Context, current string) (Result, error) {
	if v := strings.TrimSpace(current); v == "" || v == "dev" {
		c.logger.Warn("Could not determine the running version", zap.String("version", current))
		return Result{}, fmt.Errorf("current version is unknown")
	}

	latest, err := c.Latest(ctx)
	if err != nil {
		c.logger.Error("Failed to check for updates", zap.Error(err))
		return Result{}, err
	}

	result := Result{
		Current:     current,
		Latest:      latest,
		Comparison:  CompareVersions(current, latest),
		DownloadURL: DefaultDownloadURL,
	}

	switch {
	case result.UpdateAvailable():
		c.logger.Info("A new version is available",
			zap.String("current", current),
			zap.String("latest", latest),
			zap.String("download", result.DownloadURL))
	case result.Comparison == 0:
		c.logger.Info("Running the latest version", zap.String("version", current))
	default:
		c.logger.Debug("Running a build newer than the latest release",
			zap.String("current", current),
			zap.String("latest", latest))
	}
	return result, nil
}

// CompareVersions compares dotted versions part by part after dropping a
// leading "v". Missing or non-numeric parts read as 0. It returns -1, 0,
// or 1 as current is older than, equal to, or newer than latest.
func CompareVersions(current, latest string) int {
	a := versionParts(current)
	b := versionParts(latest)

	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	fields := strings.Split(v, ".")
	parts := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			n = 0
		}
		parts[i] = n
	}
	return parts
}
