// ============================================================================
// proxy-suite Probe - Source Fetcher
// ============================================================================
//
// Package: internal/probe
// File: fetcher.go
// Purpose: Executor for source-fetch tasks: download a source list and turn
//          it into UNTESTED candidates.
//
// Formats:
//   txt   every "a.b.c.d:port" in the body
//   json  array reached by a dotted path; items are strings, {"proxy": ...}
//         or {"ip": ..., "port": ...}
//   html  rows selected by a CSS selector (default "table tr"); either the
//         row text holds "ip:port" or the first two cells are ip and port
//
// ============================================================================

package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ChuLiYu/proxy-suite/internal/worker"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

var (
	// ErrNotSourceTask the task carries no source
	ErrNotSourceTask = errors.New("task has no source")
	// ErrUnknownFormat unsupported source format
	ErrUnknownFormat = errors.New("unknown source format")
)

// maxBodyBytes caps the size of a downloaded source list.
const maxBodyBytes = 32 << 20

var addrPattern = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d{1,5}\b`)

const defaultHTMLSelector = "table tr"

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client // optional, mainly for tests
}

// Fetcher downloads and parses sources.
type Fetcher struct {
	client    *http.Client
	userAgent string
	log       *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Fetcher{
		client:    client,
		userAgent: cfg.UserAgent,
		log:       slog.Default().With("component", "fetcher"),
	}
}

// Execute implements worker.Executor.
func (f *Fetcher) Execute(ctx context.Context, task worker.Task) (worker.Result, error) {
	src := task.Source
	if src == nil {
		return worker.Result{}, ErrNotSourceTask
	}

	body, err := f.download(ctx, src.URL)
	if err != nil {
		return worker.Result{}, err
	}

	var addrs []string
	switch src.Format {
	case types.FormatText, "":
		addrs = ParseText(body)
	case types.FormatJSON:
		addrs, err = ParseJSON(body, src.JSONPath)
	case types.FormatHTML:
		addrs, err = ParseHTML(body, src.Selector)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownFormat, src.Format)
	}
	if err != nil {
		return worker.Result{}, fmt.Errorf("failed to parse %s: %w", src.URL, err)
	}

	candidates := make([]types.Candidate, 0, len(addrs))
	for _, addr := range addrs {
		candidates = append(candidates, types.NewCandidate(addr, src.Protocol, src.URL))
	}
	f.log.Debug("source fetched", "url", src.URL, "found", len(candidates))

	return worker.Result{TaskID: task.ID, Candidates: candidates}, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: HTTP %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return body, nil
}

// ParseText extracts every ip:port in body, first occurrence order, deduplicated.
func ParseText(body []byte) []string {
	return dedupe(addrPattern.FindAllString(string(body), -1))
}

// ParseJSON walks a dotted path (e.g. "data.proxies") and reads the array there.
func ParseJSON(body []byte, path string) ([]string, error) {
	var root any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	node := root
	if path != "" {
		for _, key := range strings.Split(path, ".") {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, nil
			}
			node = obj[key]
		}
	}

	items, ok := node.([]any)
	if !ok {
		return nil, nil
	}

	var out []string
	for _, item := range items {
		var s string
		switch v := item.(type) {
		case string:
			s = v
		case map[string]any:
			if p, ok := v["proxy"].(string); ok && p != "" {
				s = p
			} else if ip, ok := v["ip"].(string); ok && ip != "" {
				if port := jsonScalar(v["port"]); port != "" {
					s = ip + ":" + port
				}
			}
		}
		if addr := addrPattern.FindString(s); addr != "" {
			out = append(out, addr)
		}
	}
	return dedupe(out), nil
}

// ParseHTML reads table-like markup with goquery.
func ParseHTML(body []byte, selector string) ([]string, error) {
	if selector == "" {
		selector = defaultHTMLSelector
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid html: %w", err)
	}

	var out []string
	doc.Find(selector).Each(func(_ int, row *goquery.Selection) {
		if found := addrPattern.FindAllString(row.Text(), -1); len(found) > 0 {
			out = append(out, found...)
			return
		}
		cells := row.Find("td")
		ip := strings.TrimSpace(cells.Eq(0).Text())
		port := strings.TrimSpace(cells.Eq(1).Text())
		if ip == "" || port == "" {
			return
		}
		if _, err := strconv.Atoi(port); err != nil {
			return
		}
		if addr := addrPattern.FindString(ip + ":" + port); addr != "" {
			out = append(out, addr)
		}
	})
	return dedupe(out), nil
}

func jsonScalar(v any) string {
	switch p := v.(type) {
	case string:
		return p
	case json.Number:
		return p.String()
	}
	return ""
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
