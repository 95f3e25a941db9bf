package probe

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/proxy-suite/internal/worker"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

var (
	simCountries = []string{"US", "DE", "CA", "GB", "FR", "JP", "NL", "RU", "BR", "IN", "CN", "AU", "IT", "ES", "SE"}
	simCities    = []string{"New York", "Berlin", "Toronto", "London", "Paris", "Tokyo", "Amsterdam", "Moscow", "Sao Paulo", "Mumbai", "Beijing", "Sydney", "Rome", "Madrid", "Stockholm"}
	simISPs      = []string{"Comcast", "Deutsche Telekom", "Bell Canada", "BT Group", "Orange S.A.", "NTT", "KPN", "Rostelecom", "Vivo", "Jio", "China Telecom", "Telstra", "Telecom Italia", "Telefonica", "Telia"}
	simAnon      = []types.Anonymity{types.AnonymityElite, types.AnonymityAnonymous, types.AnonymityTransparent}
	simFailures  = []string{"Timeout", "Connection Refused", "Target Mismatch", "Invalid Protocol"}
)

// Simulated produces random but plausible check observations. It is used by
// the demo command and in tests where no network is available.
type Simulated struct {
	mode    types.CheckMode
	targets []string
	delay   time.Duration // upper bound of the simulated wait per task

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSimulated creates a simulated checker. seed makes runs reproducible.
func NewSimulated(mode types.CheckMode, targets []string, delay time.Duration, seed int64) *Simulated {
	if len(targets) == 0 {
		targets = []string{DefaultTarget}
	}
	return &Simulated{
		mode:    mode,
		targets: targets,
		delay:   delay,
		rng:     rand.New(rand.NewSource(seed)),
		now:     time.Now,
	}
}

// Execute implements worker.Executor.
func (s *Simulated) Execute(ctx context.Context, task worker.Task) (worker.Result, error) {
	if task.Candidate == nil {
		return worker.Result{}, ErrNotCheckTask
	}

	obs, wait := s.draw(*task.Candidate)
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		case <-t.C:
		}
	}

	next := Observe(*task.Candidate, obs, s.mode, s.now())
	return worker.Result{TaskID: task.ID, Candidates: []types.Candidate{next}}, nil
}

// draw picks every random value under the lock so one rng can serve all units.
func (s *Simulated) draw(c types.Candidate) (Observation, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var wait time.Duration
	if s.delay > 0 {
		wait = time.Duration(s.rng.Int63n(int64(s.delay)))
	}

	switch s.mode {
	case types.ModeGoogle:
		ok := s.rng.Float64() > 0.3
		return Observation{GooglePassed: &ok}, wait
	case types.ModeSecurity:
		listed := s.rng.Float64() > 0.9
		risk := s.rng.Intn(100)
		return Observation{Blacklisted: &listed, RiskScore: &risk}, wait
	}

	passRate := 0.45
	switch s.mode {
	case types.ModeLightning:
		passRate = 0.25
	case types.ModeStandard:
		passRate = 0.35
	}
	if strings.HasPrefix(string(c.Protocol), "SOCKS") {
		passRate += 0.1
	}

	obs := Observation{Targets: make([]types.TargetCheck, len(s.targets))}
	for i, t := range s.targets {
		obs.Targets[i] = types.TargetCheck{Target: t, Passed: s.rng.Float64() > passRate}
	}
	if !obs.Passed() {
		obs.FailureReason = simFailures[s.rng.Intn(len(simFailures))]
		return obs, wait
	}

	spread := int64(1800)
	switch s.mode {
	case types.ModeLightning:
		spread = 250
	case types.ModeStandard:
		spread = 600
	}
	latency := s.rng.Int63n(spread) + 50
	obs.LatencyMs = &latency

	obs.Anonymity = simAnon[s.rng.Intn(len(simAnon))]
	if obs.Anonymity != types.AnonymityElite && s.rng.Float64() > 0.5 {
		obs.AnonymityDetails = []string{"X-Forwarded-For detected"}
	}
	i := s.rng.Intn(len(simCountries))
	obs.Geo = &Geo{Country: simCountries[i], City: simCities[i], ISP: simISPs[i], ASN: "AS" + strconv.Itoa(64500+i)}
	google := s.rng.Float64() > 0.3
	obs.GooglePassed = &google
	return obs, wait
}

// SimulatedSource produces random candidates for source-fetch tasks.
type SimulatedSource struct {
	perSource int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedSource creates a simulated source fetcher yielding up to perSource candidates.
func NewSimulatedSource(perSource int, seed int64) *SimulatedSource {
	return &SimulatedSource{perSource: perSource, rng: rand.New(rand.NewSource(seed))}
}

// Execute implements worker.Executor.
func (s *SimulatedSource) Execute(ctx context.Context, task worker.Task) (worker.Result, error) {
	if task.Source == nil {
		return worker.Result{}, ErrNotSourceTask
	}
	if err := ctx.Err(); err != nil {
		return worker.Result{}, err
	}

	s.mu.Lock()
	n := 0
	if s.perSource > 0 {
		n = s.rng.Intn(s.perSource + 1)
	}
	out := make([]types.Candidate, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%d.%d.%d.%d:%d", 1+s.rng.Intn(223), s.rng.Intn(256), s.rng.Intn(256), 1+s.rng.Intn(254), 1024+s.rng.Intn(64000))
		out = append(out, types.NewCandidate(id, task.Source.Protocol, task.Source.URL))
	}
	s.mu.Unlock()

	return worker.Result{TaskID: task.ID, Candidates: out}, nil
}
