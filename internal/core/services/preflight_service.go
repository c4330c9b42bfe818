package services

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
	"kiosklink/pkg/cache"
	"kiosklink/pkg/tracing"
	"kiosklink/pkg/utils"
)

// ScenarioTemplate is expanded into one Scenario per target.
type ScenarioTemplate struct {
	Name     string
	Provider domain.ProviderID
	Policy   domain.ICEPolicy
}

type PreflightSettings struct {
	TrialTimeout time.Duration
	Concurrency  int
	Budget       time.Duration
	HintTTL      time.Duration
	Scenarios    []ScenarioTemplate
}

// DefaultScenarios are tried against every target.
var DefaultScenarios = []ScenarioTemplate{
	{Name: "self-all", Provider: domain.ProviderP2P, Policy: domain.ICEPolicyAll},
	{Name: "self-relay", Provider: domain.ProviderP2P, Policy: domain.ICEPolicyRelay},
}

const (
	TagDirect      = "Direct"
	TagDirectTURN  = "Direct(TURN)"
	TagRelay       = "Relay"
	TagUnreachable = "Unreachable"
)

// Score rates a successful trial from 0 to 100. Relay candidates cost 20,
// TCP transport 10, connect time up to 50 (1 per 60ms, capped at 3s) and
// round trip time up to 50 (1 per 8ms, capped at 400ms).
func Score(r domain.PreflightResult) int {
	if !r.OK() {
		return 0
	}

	score := 100.0
	if r.Local.IsRelay() || r.Remote.IsRelay() {
		score -= 20
	}
	if r.Local.IsTCP() || r.Remote.IsTCP() {
		score -= 10
	}

	connectMs := math.Min(3000, float64(r.ConnectTime.Milliseconds()))
	score -= connectMs / 60

	rttMs := math.Min(400, float64(r.AvgRTT().Milliseconds()))
	score -= rttMs / 8

	return int(math.Round(math.Max(0, math.Min(100, score))))
}

// Tag labels the path a successful trial used.
func Tag(r domain.PreflightResult) string {
	if r.Scenario.Provider != domain.ProviderP2P {
		return TagRelay
	}
	if r.Local.IsRelay() || r.Remote.IsRelay() {
		return TagDirectTURN
	}
	return TagDirect
}

// ScenarioFromID recovers provider and ICE policy from a scenario id such
// as "display-1-self-relay".
func ScenarioFromID(id string) (domain.ProviderID, domain.ICEPolicy) {
	switch {
	case strings.Contains(id, "sfu"):
		return domain.ProviderSFU, domain.ICEPolicyRelay
	case strings.Contains(id, "twilio"), strings.Contains(id, "stub"):
		return domain.ProviderStub, domain.ICEPolicyRelay
	case strings.HasSuffix(id, "-relay"):
		return domain.ProviderP2P, domain.ICEPolicyRelay
	default:
		return domain.ProviderP2P, domain.ICEPolicyAll
	}
}

// PreflightTester compares targets before pairing by running disposable
// data-channel trials with bounded concurrency.
type PreflightTester struct {
	cfg       PreflightSettings
	trials    ports.PreflightTrials
	messenger ports.Messenger
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	hints     *cache.Cache[string, domain.TargetQuality]
	now       func() time.Time
	requestID func() string
}

func NewPreflightTester(
	cfg PreflightSettings,
	trials ports.PreflightTrials,
	messenger ports.Messenger,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *PreflightTester {
	if len(cfg.Scenarios) == 0 {
		cfg.Scenarios = DefaultScenarios
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &PreflightTester{
		cfg:       cfg,
		trials:    trials,
		messenger: messenger,
		metrics:   metrics,
		logger:    logger,
		hints:     cache.New[string, domain.TargetQuality](cfg.HintTTL),
		now:       time.Now,
		requestID: utils.NewRequestID,
	}
}

// Scenarios expands the configured templates for one target.
func (p *PreflightTester) Scenarios(target string) []domain.Scenario {
	out := make([]domain.Scenario, 0, len(p.cfg.Scenarios))
	for _, tpl := range p.cfg.Scenarios {
		out = append(out, domain.Scenario{
			ID:        utils.ScenarioID(target, tpl.Name),
			Target:    target,
			Provider:  tpl.Provider,
			Policy:    tpl.Policy,
			TimeoutMs: p.cfg.TrialTimeout.Milliseconds(),
		})
	}
	return out
}

// Run tests every target and returns one TargetQuality per target. Targets
// without a successful trial inside the budget are reported unreachable.
func (p *PreflightTester) Run(ctx context.Context, targets []string) map[string]domain.TargetQuality {
	requestID := p.requestID()
	budgetCtx, cancel := context.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()

	var jobs []domain.Scenario
	for _, target := range targets {
		scenarios := p.Scenarios(target)
		p.announce(budgetCtx, requestID, target, scenarios)
		jobs = append(jobs, scenarios...)
	}

	p.logger.Infow("preflight started",
		"request_id", requestID,
		"targets", len(targets),
		"scenarios", len(jobs),
	)

	results := p.runPool(budgetCtx, requestID, jobs)

	byTarget := make(map[string][]domain.PreflightResult, len(targets))
	for _, r := range results {
		byTarget[r.Scenario.Target] = append(byTarget[r.Scenario.Target], r)
	}

	out := make(map[string]domain.TargetQuality, len(targets))
	for _, target := range targets {
		q := p.summarize(target, byTarget[target])
		out[target] = q
		p.hints.Set(target, q)
		p.metrics.PreflightScore(target, q.Quality, bestConnect(byTarget[target], q.BestScenarioID))

		p.logger.Infow("preflight target result",
			"target", target,
			"quality", q.Quality,
			"scenario_id", q.BestScenarioID,
			"tag", q.Tag,
		)
	}
	return out
}

func (p *PreflightTester) announce(ctx context.Context, requestID, target string, scenarios []domain.Scenario) {
	if p.messenger == nil {
		return
	}
	err := p.messenger.Publish(ctx, domain.Message{
		Type:       domain.MessagePreflightBegin,
		PairingKey: domain.PairingKey(target),
		RequestID:  requestID,
		Scenarios:  scenarios,
	})
	if err != nil {
		p.logger.Warnw("failed to announce preflight", "target", target, "error", err)
	}
}

func (p *PreflightTester) runPool(ctx context.Context, requestID string, jobs []domain.Scenario) []domain.PreflightResult {
	queue := make(chan domain.Scenario)
	results := make(chan domain.PreflightResult, len(jobs))

	var wg sync.WaitGroup
	workers := p.cfg.Concurrency
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sc := range queue {
				results <- p.trial(ctx, requestID, sc)
			}
		}()
	}

	for _, sc := range jobs {
		queue <- sc
	}
	close(queue)
	wg.Wait()
	close(results)

	out := make([]domain.PreflightResult, 0, len(jobs))
	for r := range results {
		out = append(out, r)
	}
	return out
}

func (p *PreflightTester) trial(ctx context.Context, requestID string, sc domain.Scenario) domain.PreflightResult {
	if ctx.Err() != nil {
		return domain.PreflightResult{Scenario: sc, Err: domain.ErrPreflightTimeout}
	}

	trialCtx, cancel := context.WithTimeout(ctx, sc.Timeout(p.cfg.TrialTimeout))
	defer cancel()

	trialCtx, span := tracing.TracePreflightTrial(trialCtx, sc.ID)
	res := p.trials.Offer(trialCtx, requestID, sc)
	res.Scenario = sc
	if res.Err == nil && trialCtx.Err() != nil {
		res.Err = domain.ErrPreflightTimeout
	}
	tracing.End(span, res.Err)

	if res.Err != nil {
		p.logger.Debugw("preflight trial failed", "scenario_id", sc.ID, "error", res.Err)
	}
	return res
}

func (p *PreflightTester) summarize(target string, results []domain.PreflightResult) domain.TargetQuality {
	q := domain.TargetQuality{
		Target:     target,
		Tag:        TagUnreachable,
		MeasuredAt: p.now(),
	}

	// stable choice between equal scores: configured scenario order
	sort.SliceStable(results, func(i, j int) bool { return results[i].Scenario.ID < results[j].Scenario.ID })

	best := -1
	for _, r := range results {
		if !r.OK() {
			continue
		}
		if s := Score(r); s > best {
			best = s
			q.Quality = s
			q.BestScenarioID = r.Scenario.ID
			q.Provider = r.Scenario.Provider
			q.Policy = r.Scenario.Policy
			q.Tag = Tag(r)
			q.Reachable = true
		}
	}
	return q
}

func bestConnect(results []domain.PreflightResult, scenarioID string) time.Duration {
	for _, r := range results {
		if r.Scenario.ID == scenarioID {
			return r.ConnectTime
		}
	}
	return 0
}

// Hint implements ports.HintSource. Only reachable targets yield a hint.
func (p *PreflightTester) Hint(target string) (domain.TargetQuality, bool) {
	q, ok := p.hints.Get(target)
	if !ok || !q.Reachable {
		return domain.TargetQuality{}, false
	}
	return q, true
}

// Quality returns the cached outcome for a target, reachable or not.
func (p *PreflightTester) Quality(target string) (domain.TargetQuality, bool) {
	return p.hints.Get(target)
}

// PreflightResponder runs the answering side of trials requested for this
// device over the messaging channel.
type PreflightResponder struct {
	deviceID     string
	trials       ports.PreflightTrials
	messenger    ports.Messenger
	trialTimeout time.Duration
	sem          chan struct{}
	logger       *zap.SugaredLogger
}

func NewPreflightResponder(
	deviceID string,
	trials ports.PreflightTrials,
	messenger ports.Messenger,
	trialTimeout time.Duration,
	concurrency int,
	logger *zap.SugaredLogger,
) *PreflightResponder {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &PreflightResponder{
		deviceID:     deviceID,
		trials:       trials,
		messenger:    messenger,
		trialTimeout: trialTimeout,
		sem:          make(chan struct{}, concurrency),
		logger:       logger,
	}
}

// Serve answers preflight requests until ctx is done.
func (r *PreflightResponder) Serve(ctx context.Context) error {
	if r.messenger == nil {
		return errors.New("preflight responder requires a messenger")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := r.messenger.Subscribe(func(msg domain.Message) {
		if msg.Type != domain.MessagePreflightBegin || string(msg.PairingKey) != r.deviceID {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		r.logger.Infow("answering preflight",
			"request_id", msg.RequestID,
			"scenarios", len(msg.Scenarios),
		)
		for _, sc := range msg.Scenarios {
			if sc.Provider == "" {
				sc.Provider, sc.Policy = ScenarioFromID(sc.ID)
			}
			wg.Add(1)
			go func(requestID string, sc domain.Scenario) {
				defer wg.Done()
				r.answer(ctx, requestID, sc)
			}(msg.RequestID, sc)
		}
	})

	<-ctx.Done()
	unsubscribe()
	mu.Lock()
	closed = true
	mu.Unlock()
	wg.Wait()
	return nil
}

func (r *PreflightResponder) answer(ctx context.Context, requestID string, sc domain.Scenario) {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return
	}

	trialCtx, cancel := context.WithTimeout(ctx, sc.Timeout(r.trialTimeout))
	defer cancel()

	if err := r.trials.Answer(trialCtx, requestID, sc); err != nil {
		r.logger.Debugw("preflight answer ended",
			"request_id", requestID,
			"scenario_id", sc.ID,
			"error", err,
		)
	}
}
