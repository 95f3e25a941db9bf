// ============================================================================
// proxy-suite Probe - Candidate Checker
// ============================================================================
//
// Package: internal/probe
// File: checker.go
// Purpose: Executor for candidate-check tasks. Dials through the candidate,
//          measures latency against each target and, depending on the mode,
//          classifies anonymity, looks up geo data, checks Google reachability
//          or DNSBL listings.
//
// Modes:
//   LIGHTNING  targets only, anonymity stays UNKNOWN
//   STANDARD   targets + judge anonymity + country
//   INTENSIVE  targets + judge anonymity + full geo + Google
//   GOOGLE     Google reachability only
//   SECURITY   DNSBL listing only
//
// A candidate that fails to respond is a normal INVALID observation, not a
// task error. Task errors are reserved for malformed tasks and cancellation.
//
// ============================================================================

package probe

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ChuLiYu/proxy-suite/internal/worker"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// ErrNotCheckTask the task carries no candidate
var ErrNotCheckTask = errors.New("task has no candidate")

const (
	DefaultTarget    = "https://www.google.com"
	DefaultJudgeURL  = "http://httpbin.org/headers"
	DefaultGeoURL    = "http://ip-api.com/json/%s?fields=status,country,city,isp,as"
	DefaultGoogleURL = "https://www.google.com/generate_204"
)

// DefaultDNSBLZones zones queried in SECURITY mode.
var DefaultDNSBLZones = []string{"zen.spamhaus.org", "bl.spamcop.net", "dnsbl.sorbs.net"}

// revealingHeaders are request headers a non-elite proxy adds.
var revealingHeaders = []string{"Via", "X-Forwarded-For", "Forwarded", "X-Real-Ip", "X-Proxy-Id", "Proxy-Connection", "Client-Ip"}

// CheckerConfig configures a Checker.
type CheckerConfig struct {
	Mode      types.CheckMode
	Targets   []string
	Timeout   time.Duration // per request through the candidate
	UserAgent string

	JudgeURL   string   // echoes request headers as {"headers": {...}}
	GeoURL     string   // fmt template taking the candidate address
	GoogleURL  string
	DNSBLZones []string
	OriginIP   string // our own public address; seeing it at the judge means TRANSPARENT

	// LookupHost resolves DNSBL names; defaults to net.DefaultResolver.
	LookupHost func(ctx context.Context, host string) ([]string, error)
	// GeoClient is used for direct geo lookups; defaults to a client with Timeout.
	GeoClient *http.Client
	Now       func() time.Time
}

// Checker probes candidates through their own protocol.
type Checker struct {
	cfg CheckerConfig
	log *slog.Logger
}

// NewChecker creates a Checker and fills in defaults.
func NewChecker(cfg CheckerConfig) *Checker {
	if cfg.Mode == "" {
		cfg.Mode = types.ModeStandard
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = []string{DefaultTarget}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.JudgeURL == "" {
		cfg.JudgeURL = DefaultJudgeURL
	}
	if cfg.GeoURL == "" {
		cfg.GeoURL = DefaultGeoURL
	}
	if cfg.GoogleURL == "" {
		cfg.GoogleURL = DefaultGoogleURL
	}
	if cfg.DNSBLZones == nil {
		cfg.DNSBLZones = DefaultDNSBLZones
	}
	if cfg.LookupHost == nil {
		cfg.LookupHost = net.DefaultResolver.LookupHost
	}
	if cfg.GeoClient == nil {
		cfg.GeoClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Checker{cfg: cfg, log: slog.Default().With("component", "checker", "mode", string(cfg.Mode))}
}

// Mode returns the check mode.
func (c *Checker) Mode() types.CheckMode {
	return c.cfg.Mode
}

// Execute implements worker.Executor.
func (c *Checker) Execute(ctx context.Context, task worker.Task) (worker.Result, error) {
	if task.Candidate == nil {
		return worker.Result{}, ErrNotCheckTask
	}
	cand := *task.Candidate

	obs, err := c.observe(ctx, cand)
	if err != nil {
		return worker.Result{}, err
	}
	// cancellation wins over whatever the probe managed to see
	if ctx.Err() != nil {
		return worker.Result{}, ctx.Err()
	}

	next := Observe(cand, obs, c.cfg.Mode, c.cfg.Now())
	return worker.Result{TaskID: task.ID, Candidates: []types.Candidate{next}}, nil
}

func (c *Checker) observe(ctx context.Context, cand types.Candidate) (Observation, error) {
	switch c.cfg.Mode {
	case types.ModeSecurity:
		return c.observeSecurity(ctx, cand), nil
	case types.ModeGoogle:
		client, err := c.clientFor(cand)
		if err != nil {
			return Observation{}, err
		}
		ok := c.google(ctx, client)
		return Observation{GooglePassed: &ok}, nil
	}

	client, err := c.clientFor(cand)
	if err != nil {
		return Observation{}, err
	}

	obs := Observation{Targets: make([]types.TargetCheck, 0, len(c.cfg.Targets))}
	var latency *int64
	for _, target := range c.cfg.Targets {
		ms, err := c.roundTrip(ctx, client, target)
		obs.Targets = append(obs.Targets, types.TargetCheck{Target: target, Passed: err == nil})
		if err != nil {
			if obs.FailureReason == "" {
				obs.FailureReason = failureReason(err)
			}
			continue
		}
		if latency == nil || ms > *latency {
			latency = &ms
		}
	}
	if !obs.Passed() {
		return obs, nil
	}
	obs.LatencyMs = latency

	if c.cfg.Mode == types.ModeLightning {
		return obs, nil
	}

	obs.Anonymity, obs.AnonymityDetails = c.judge(ctx, client)
	if geo, err := c.geo(ctx, cand.Address()); err == nil {
		obs.Geo = geo
	} else {
		c.log.Debug("geo lookup failed", "candidate", cand.ID, "error", err)
	}
	if c.cfg.Mode == types.ModeIntensive {
		ok := c.google(ctx, client)
		obs.GooglePassed = &ok
	}
	return obs, nil
}

// clientFor builds a one-off client that tunnels through the candidate.
func (c *Checker) clientFor(cand types.Candidate) (*http.Client, error) {
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   c.cfg.Timeout,
		ResponseHeaderTimeout: c.cfg.Timeout,
	}

	switch cand.Protocol {
	case types.ProtocolHTTP, types.ProtocolHTTPS:
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: cand.ID})
		transport.DialContext = (&net.Dialer{Timeout: c.cfg.Timeout}).DialContext
	case types.ProtocolSOCKS5:
		d, err := proxy.SOCKS5("tcp", cand.ID, nil, &net.Dialer{Timeout: c.cfg.Timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("SOCKS5 dialer does not support context")
		}
		transport.DialContext = cd.DialContext
	case types.ProtocolSOCKS4:
		transport.DialContext = newSOCKS4Dialer(cand.ID, c.cfg.Timeout).DialContext
	default:
		return nil, fmt.Errorf("unsupported protocol %q", cand.Protocol)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   c.cfg.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// roundTrip returns the time to the response headers.
func (c *Checker) roundTrip(ctx context.Context, client *http.Client, target string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start).Milliseconds()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, fmt.Errorf("target returned HTTP %d", resp.StatusCode)
	}
	return elapsed, nil
}

// judge classifies anonymity from the headers the judge saw.
func (c *Checker) judge(ctx context.Context, client *http.Client) (types.Anonymity, []string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.JudgeURL, nil)
	if err != nil {
		return types.AnonymityUnknown, nil
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return types.AnonymityUnknown, nil
	}
	defer resp.Body.Close()

	var echoed struct {
		Headers map[string]string `json:"headers"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&echoed); err != nil {
		return types.AnonymityUnknown, nil
	}
	return ClassifyHeaders(echoed.Headers, c.cfg.OriginIP)
}

// ClassifyHeaders decides anonymity from headers received by a judge.
//   - origin address visible → TRANSPARENT
//   - proxy headers present → ANONYMOUS
//   - otherwise → ELITE
func ClassifyHeaders(headers map[string]string, originIP string) (types.Anonymity, []string) {
	canonical := make(map[string]string, len(headers))
	for k, v := range headers {
		canonical[http.CanonicalHeaderKey(k)] = v
	}

	var details []string
	for _, h := range revealingHeaders {
		if v, ok := canonical[h]; ok {
			details = append(details, h+" detected")
			if originIP != "" && strings.Contains(v, originIP) {
				return types.AnonymityTransparent, details
			}
		}
	}
	if len(details) > 0 {
		return types.AnonymityAnonymous, details
	}
	return types.AnonymityElite, nil
}

func (c *Checker) geo(ctx context.Context, addr string) (*Geo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(c.cfg.GeoURL, addr), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.cfg.GeoClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Country string `json:"country"`
		City    string `json:"city"`
		ISP     string `json:"isp"`
		AS      string `json:"as"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode geo response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("geo lookup status %q", body.Status)
	}
	return &Geo{Country: body.Country, City: body.City, ISP: body.ISP, ASN: body.AS}, nil
}

func (c *Checker) google(ctx context.Context, client *http.Client) bool {
	_, err := c.roundTrip(ctx, client, c.cfg.GoogleURL)
	return err == nil
}

// observeSecurity queries every DNSBL zone for the candidate address.
func (c *Checker) observeSecurity(ctx context.Context, cand types.Candidate) Observation {
	ip := net.ParseIP(cand.Address()).To4()
	listed, asked := 0, 0
	if ip != nil {
		reversed := fmt.Sprintf("%d.%d.%d.%d", ip[3], ip[2], ip[1], ip[0])
		for _, zone := range c.cfg.DNSBLZones {
			asked++
			addrs, err := c.cfg.LookupHost(ctx, reversed+"."+zone)
			if err == nil && len(addrs) > 0 {
				listed++
			}
		}
	}

	risk := 0
	if asked > 0 {
		risk = listed * 100 / asked
	}
	blacklisted := listed > 0
	return Observation{Blacklisted: &blacklisted, RiskScore: &risk}
}

func failureReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "Timeout"
	case strings.Contains(err.Error(), "connection refused"):
		return "Connection Refused"
	case strings.Contains(err.Error(), "HTTP "):
		return "Target Mismatch"
	}
	return "Invalid Protocol"
}
