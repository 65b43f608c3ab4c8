// Package catalog holds the read-only set of deployable Jenkins jobs.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	robotstxt "github.com/temoto/robotstxt"
)

// jobRowPrefix is the id prefix Jenkins puts on every job row of a view.
const jobRowPrefix = "job_"

// Catalog is an immutable set of job names. It is safe for concurrent use.
type Catalog struct {
	jobs map[string]struct{}
}

// New builds a catalog from names, ignoring blanks and duplicates.
func New(names ...string) *Catalog {
	c := &Catalog{jobs: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		c.jobs[n] = struct{}{}
	}
	return c
}

// IsKnown reports whether name is a deployable job.
func (c *Catalog) IsKnown(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.jobs[name]
	return ok
}

// All returns every job name in lexical order.
func (c *Catalog) All() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.jobs))
	for n := range c.jobs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.jobs)
}

// FromHTML parses a Jenkins view page and collects every table row whose
// id starts with "job_".
func FromHTML(r io.Reader) (*Catalog, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse job listing: %w", err)
	}

	var names []string
	doc.Find("tr[id]").Each(func(_ int, sel *goquery.Selection) {
		id, _ := sel.Attr("id")
		if strings.HasPrefix(id, jobRowPrefix) && len(id) > len(jobRowPrefix) {
			names = append(names, strings.TrimPrefix(id, jobRowPrefix))
		}
	})
	return New(names...), nil
}

// LoadOptions controls fetching a listing over HTTP.
type LoadOptions struct {
	Timeout       time.Duration
	UserAgent     string
	RespectRobots bool
}

// ErrDisallowed is returned when robots.txt forbids fetching the listing.
var ErrDisallowed = errors.New("catalog: listing disallowed by robots.txt")

// Load reads the listing from a local file or an http(s) URL.
func Load(ctx context.Context, source string, opts LoadOptions) (*Catalog, error) {
	if source == "" {
		return nil, errors.New("catalog: source is required")
	}

	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("open job listing: %w", err)
		}
		defer f.Close()
		return FromHTML(f)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	if opts.RespectRobots {
		robots, err := fetchRobots(ctx, client, u, opts.UserAgent)
		if err == nil && robots != nil && !robots.TestAgent(u.Path, agentOrDefault(opts.UserAgent)) {
			return nil, ErrDisallowed
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch job listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch job listing: unexpected status %d", resp.StatusCode)
	}
	return FromHTML(resp.Body)
}

func fetchRobots(ctx context.Context, client *http.Client, base *url.URL, userAgent string) (*robotstxt.RobotsData, error) {
	robotsURL := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return robotstxt.FromStatusAndBytes(resp.StatusCode, body)
}

func agentOrDefault(ua string) string {
	if ua == "" {
		return "jdeploy"
	}
	return ua
}
