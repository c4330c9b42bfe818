package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
	"kiosklink/pkg/retry"
	"kiosklink/pkg/tracing"
)

const (
	eventBuffer      = 128
	teardownTimeout  = 5 * time.Second
	announceTimeout  = 2 * time.Second
	minStableBars    = 2
	preclearDeadline = 3 * time.Second
)

type OrchestratorSettings struct {
	Role            domain.Role
	DeviceID        string
	DefaultProvider string
	FallbackOrder   []string

	StartTimeout    time.Duration
	FallbackTimeout time.Duration
	// PreclearIgnoreWindow is how long a "stopped" echo of our own relay
	// delete is suppressed.
	PreclearIgnoreWindow time.Duration

	RestartAttempts int
	RestartBackoff  retry.Backoff
}

// SessionOrchestrator owns the single active provider of a kiosk. Every
// transition runs on the Run goroutine, one at a time.
type SessionOrchestrator struct {
	cfg       OrchestratorSettings
	factory   ports.ProviderFactory
	relay     ports.SignalingRelay
	messenger ports.Messenger
	health    *HealthMonitor
	preflight ports.HintSource
	bus       *EventBus
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	now       func() time.Time

	cmds    chan command
	ready   chan struct{}
	done    chan struct{}
	running atomic.Bool

	// owned by the Run goroutine
	runCtx        context.Context
	desc          domain.SessionDescriptor
	order         []domain.ProviderID
	idx           int
	active        ports.Provider
	attempt       uint64
	fallbackTimer *time.Timer
	restartTimer  *time.Timer
	remoteVideo   bool
	reachedStable bool
	healthBars    int
	healthCancel  context.CancelFunc
	healthDone    chan struct{}
	restarts      *retry.Policy
	ignoreUntil   time.Time
	pendingEchoes int
	announced     domain.ProviderID
	hints         map[domain.PairingKey]domain.TargetQuality
	hint          domain.TargetQuality

	mu       sync.RWMutex
	snapshot domain.SessionDescriptor
	live     ports.Provider
}

type command interface{}

type startCmd struct {
	key   domain.PairingKey
	reply chan error
}

type stopCmd struct {
	reason domain.StopReason
	reply  chan error
}

type hintCmd struct {
	key     domain.PairingKey
	quality domain.TargetQuality
}

type fallbackCmd struct{ attempt uint64 }

type restartCmd struct{ attempt uint64 }

func NewSessionOrchestrator(
	cfg OrchestratorSettings,
	factory ports.ProviderFactory,
	relay ports.SignalingRelay,
	messenger ports.Messenger,
	health *HealthMonitor,
	preflight ports.HintSource,
	bus *EventBus,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *SessionOrchestrator {
	return &SessionOrchestrator{
		cfg:       cfg,
		factory:   factory,
		relay:     relay,
		messenger: messenger,
		health:    health,
		preflight: preflight,
		bus:       bus,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		cmds:      make(chan command),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		restarts: retry.NewPolicy(retry.Config{
			MaxRetries: cfg.RestartAttempts,
			Backoff:    cfg.RestartBackoff,
		}),
		desc:     domain.SessionDescriptor{LinkState: domain.LinkIdle, Status: domain.StatusIdle},
		snapshot: domain.SessionDescriptor{LinkState: domain.LinkIdle, Status: domain.StatusIdle},
		hints:    make(map[domain.PairingKey]domain.TargetQuality),
	}
}

// Run executes transitions until ctx is done. It tears the active provider
// down before returning.
func (o *SessionOrchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("session orchestrator already running")
	}
	defer close(o.done)

	o.runCtx = ctx
	events, cancelEvents := o.bus.SubscribeFunc(eventBuffer, isControlEvent)
	defer cancelEvents()

	if o.messenger != nil {
		unsubscribe := o.messenger.Subscribe(o.onMessage)
		defer unsubscribe()
	}

	o.logger.Infow("session orchestrator started",
		"role", o.cfg.Role,
		"device_id", o.cfg.DeviceID,
	)
	close(o.ready)

	for {
		select {
		case <-ctx.Done():
			if o.desc.PairingKey != "" {
				o.teardown(domain.StopUser, true)
				o.announce(domain.ProviderOff)
			}
			o.logger.Info("session orchestrator stopped")
			return ctx.Err()
		case cmd := <-o.cmds:
			o.handleCommand(cmd)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.handleEvent(ev)
		}
	}
}

// Start binds the orchestrator to key and attempts providers in order. It
// returns once a provider started or every provider failed, in which case
// the error wraps domain.ErrAllProvidersFailed. Starting the key that is
// already active is a no-op.
func (o *SessionOrchestrator) Start(ctx context.Context, key domain.PairingKey) error {
	if key == "" {
		return domain.ErrInvalidPairingKey
	}
	reply := make(chan error, 1)
	if err := o.post(ctx, startCmd{key: key, reply: reply}); err != nil {
		return err
	}
	return o.await(ctx, reply)
}

// Stop tears the session down. A user stop leaves the orchestrator idle;
// any other reason reconnects using the current provider order.
func (o *SessionOrchestrator) Stop(ctx context.Context, reason domain.StopReason) error {
	reply := make(chan error, 1)
	if err := o.post(ctx, stopCmd{reason: reason, reply: reply}); err != nil {
		return err
	}
	return o.await(ctx, reply)
}

// SetMicMuted forwards the mute state to the active provider. It reports
// false and changes nothing when no provider is active.
func (o *SessionOrchestrator) SetMicMuted(muted bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.live == nil {
		return false
	}
	o.live.SetMicMuted(muted)
	o.snapshot.MicMuted = muted
	return true
}

// ApplyHint records a preflight outcome to use the next time key starts.
func (o *SessionOrchestrator) ApplyHint(ctx context.Context, key domain.PairingKey, quality domain.TargetQuality) error {
	return o.post(ctx, hintCmd{key: key, quality: quality})
}

// Ready is closed once Run accepts commands.
func (o *SessionOrchestrator) Ready() <-chan struct{} {
	return o.ready
}

func (o *SessionOrchestrator) Descriptor() domain.SessionDescriptor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot
}

func (o *SessionOrchestrator) Status() domain.Status {
	return o.Descriptor().Status
}

// Subscribe returns a channel of bus events for the UI.
func (o *SessionOrchestrator) Subscribe(buffer int) (<-chan domain.Event, func()) {
	return o.bus.Subscribe(buffer)
}

func (o *SessionOrchestrator) post(ctx context.Context, cmd command) error {
	if !o.running.Load() {
		return domain.ErrNotRunning
	}
	select {
	case o.cmds <- cmd:
		return nil
	case <-o.done:
		return domain.ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *SessionOrchestrator) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return domain.ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postInternal is used by timers; it gives up once Run has returned.
func (o *SessionOrchestrator) postInternal(cmd command) {
	select {
	case o.cmds <- cmd:
	case <-o.done:
	}
}

func (o *SessionOrchestrator) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case startCmd:
		c.reply <- o.handleStart(c.key)
	case stopCmd:
		c.reply <- o.handleStop(c.reason)
	case hintCmd:
		o.hints[c.key] = c.quality
	case fallbackCmd:
		o.handleFallback(c.attempt)
	case restartCmd:
		o.handleRestart(c.attempt)
	}
}

func (o *SessionOrchestrator) handleEvent(ev domain.Event) {
	switch e := ev.(type) {
	case domain.RemoteVideoObserved:
		if !o.current(e.Attempt) || e.PairingKey != o.desc.PairingKey || e.Provider != o.active.ID() {
			return
		}
		o.markRemoteVideo()
	case domain.HealthChanged:
		if !o.current(e.Attempt) {
			return
		}
		o.healthBars = e.Bars
		if e.Snapshot.VideoInbound {
			o.markRemoteVideo()
		}
		if e.Snapshot.Any() && e.Bars >= minStableBars {
			o.restarts.Reset()
		}
		o.refresh()
	case domain.LivenessLost:
		if !o.current(e.Attempt) {
			return
		}
		o.handleDegraded("liveness lost", nil)
	case domain.ProviderLost:
		if !o.current(e.Attempt) || e.PairingKey != o.desc.PairingKey || e.Provider != o.active.ID() {
			return
		}
		o.handleDegraded("provider lost", e.Err)
	case domain.RemoteStopped:
		o.handleRemoteStopped(e)
	case domain.OfferPushed:
		if o.active == nil || e.PairingKey != o.desc.PairingKey {
			return
		}
		if l, ok := o.active.(ports.OfferListener); ok {
			l.OfferPushed(e.SDP)
		}
	case domain.RemoteProviderChanged:
		o.handleRemoteProvider(e)
	}
}

// isControlEvent selects the events Run acts on.
func isControlEvent(ev domain.Event) bool {
	switch ev.(type) {
	case domain.RemoteVideoObserved, domain.HealthChanged, domain.LivenessLost, domain.ProviderLost,
		domain.RemoteStopped, domain.OfferPushed, domain.RemoteProviderChanged:
		return true
	}
	return false
}

// current reports whether an event from attempt belongs to the running
// provider. Events queued by a torn down attempt are stale.
func (o *SessionOrchestrator) current(attempt uint64) bool {
	return o.active != nil && attempt == o.attempt
}

func (o *SessionOrchestrator) handleStart(key domain.PairingKey) error {
	if key == o.desc.PairingKey && o.active != nil &&
		(o.desc.LinkState == domain.LinkConnected || o.desc.LinkState == domain.LinkStarting) {
		return nil
	}

	if o.desc.PairingKey != "" && o.desc.PairingKey != key {
		o.logger.Infow("switching pairing key", "from", o.desc.PairingKey, "to", key)
		o.teardown(domain.StopUser, true)
	} else if o.active != nil {
		o.teardown(domain.StopRemote, false)
	}

	o.desc = domain.SessionDescriptor{
		PairingKey: key,
		LinkState:  domain.LinkIdle,
		Status:     domain.StatusIdle,
		MicMuted:   o.desc.MicMuted && o.desc.PairingKey == key,
	}

	if o.messenger != nil {
		joinCtx, cancel := context.WithTimeout(o.runCtx, announceTimeout)
		if err := o.messenger.Join(joinCtx, key); err != nil {
			o.logger.Warnw("failed to join basket channel", "pairing_key", key, "error", err)
		}
		cancel()
	}

	o.pendingEchoes = 0

	o.hint = o.lookupHint(key)
	o.order = BuildProviderOrder(o.cfg.DefaultProvider, o.cfg.FallbackOrder, o.hint.Provider)
	o.restarts.Reset()

	o.logger.Infow("starting session",
		"pairing_key", key,
		"role", o.cfg.Role,
		"order", o.order,
		"hint", o.hint.BestScenarioID,
	)

	if len(o.order) == 0 {
		o.publish()
		o.announce(domain.ProviderOff)
		return nil
	}

	if o.cfg.Role.IsOfferer() {
		o.preclear(key, domain.StopPreclear)
	}
	return o.advance(0)
}

// lookupHint prefers a hint applied for key over the preflight cache entry
// for the same target.
func (o *SessionOrchestrator) lookupHint(key domain.PairingKey) domain.TargetQuality {
	if q, ok := o.hints[key]; ok && q.Reachable {
		return q
	}
	if o.preflight != nil {
		if q, ok := o.preflight.Hint(string(key)); ok && q.Reachable {
			return q
		}
	}
	return domain.TargetQuality{}
}

func (o *SessionOrchestrator) handleStop(reason domain.StopReason) error {
	key := o.desc.PairingKey
	if key == "" && o.active == nil {
		return nil
	}

	o.logger.Infow("stopping session", "pairing_key", key, "reason", reason)
	o.teardown(reason, true)

	if reason.UserInitiated() {
		o.desc = domain.SessionDescriptor{LinkState: domain.LinkIdle, Status: domain.StatusIdle}
		o.publish()
		o.announce(domain.ProviderOff)
		return nil
	}
	return o.reconnect()
}

// reconnect re-enters the provider order from the top for the bound key.
func (o *SessionOrchestrator) reconnect() error {
	if o.desc.PairingKey == "" || len(o.order) == 0 {
		return nil
	}
	o.restarts.Reset()
	return o.advance(0)
}

// advance attempts providers from index from onward. The session never
// passes through idle between attempts.
func (o *SessionOrchestrator) advance(from int) error {
	var lastErr error
	for i := from; i < len(o.order); i++ {
		err := o.attemptProvider(i, o.order[i])
		if err == nil {
			return nil
		}
		lastErr = err
	}

	o.idx = len(o.order)
	o.desc.Provider = ""
	o.desc.LinkState = domain.LinkIdle
	o.desc.Status = domain.StatusOffline
	o.desc.Bars = 0
	o.publish()
	o.announce(domain.ProviderOff)

	o.logger.Warnw("all providers failed",
		"pairing_key", o.desc.PairingKey,
		"order", o.order,
		"error", lastErr,
	)
	return fmt.Errorf("%w: pairing key %s: %v", domain.ErrAllProvidersFailed, o.desc.PairingKey, lastErr)
}

func (o *SessionOrchestrator) attemptProvider(i int, id domain.ProviderID) error {
	key := o.desc.PairingKey
	o.idx = i
	o.attempt++
	attempt := o.attempt

	o.desc.Provider = id
	o.desc.LinkState = domain.LinkStarting
	o.desc.Status = domain.StatusConnecting
	o.desc.Bars = 0
	o.publish()

	provider, err := o.factory.New(id, ports.ProviderOptions{
		Role:    o.cfg.Role,
		Policy:  o.policyFor(id),
		Events:  o.bus,
		Attempt: attempt,
	})
	if err != nil {
		return o.failAttempt(id, attempt, err)
	}

	ctx, cancel := context.WithTimeout(o.runCtx, o.cfg.StartTimeout)
	ctx, span := tracing.TraceProviderStart(ctx, key.String(), string(id), int(attempt))
	err = provider.Start(ctx, key)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", domain.ErrConnectTimeout, err)
	}
	tracing.End(span, err)
	cancel()
	if err != nil {
		return o.failAttempt(id, attempt, err)
	}

	o.metrics.ProviderStart(id, true)
	o.active = provider
	o.remoteVideo = false
	o.reachedStable = false
	o.healthBars = 0
	if o.desc.MicMuted {
		provider.SetMicMuted(true)
	}

	o.desc.LinkState = domain.LinkConnected
	o.refresh()
	o.startHealth(provider, attempt)

	if id == domain.ProviderP2P && o.cfg.Role.IsOfferer() {
		o.fallbackTimer = time.AfterFunc(o.cfg.FallbackTimeout, func() {
			o.postInternal(fallbackCmd{attempt: attempt})
		})
	}
	o.announce(id)

	o.logger.Infow("provider started",
		"pairing_key", key,
		"provider", id,
		"attempt", attempt,
	)
	return nil
}

func (o *SessionOrchestrator) failAttempt(id domain.ProviderID, attempt uint64, err error) error {
	o.metrics.ProviderStart(id, false)
	o.desc.LinkState = domain.LinkFailed
	o.publish()

	o.logger.Warnw("provider failed to start",
		"pairing_key", o.desc.PairingKey,
		"provider", id,
		"attempt", attempt,
		"error", err,
	)
	return fmt.Errorf("%w: %s: %v", domain.ErrProviderStart, id, err)
}

func (o *SessionOrchestrator) policyFor(id domain.ProviderID) domain.ICEPolicy {
	if o.hint.Reachable && o.hint.Provider == id && o.hint.Policy != "" {
		return o.hint.Policy
	}
	return domain.ICEPolicyAll
}

func (o *SessionOrchestrator) markRemoteVideo() {
	if o.remoteVideo {
		return
	}
	o.remoteVideo = true
	if o.fallbackTimer != nil {
		o.fallbackTimer.Stop()
		o.fallbackTimer = nil
	}
	o.logger.Infow("remote video observed",
		"pairing_key", o.desc.PairingKey,
		"provider", o.desc.Provider,
	)
	o.refresh()
}

// handleFallback fires at most once per attempt: stale timers and timers
// for attempts that already saw remote video are dropped.
func (o *SessionOrchestrator) handleFallback(attempt uint64) {
	if attempt != o.attempt || o.remoteVideo || o.active == nil || o.active.ID() != domain.ProviderP2P {
		return
	}
	o.fallbackTimer = nil

	o.logger.Warnw("no remote video before fallback timeout",
		"pairing_key", o.desc.PairingKey,
		"provider", o.active.ID(),
		"timeout", o.cfg.FallbackTimeout,
	)
	o.fallbackFrom(domain.StopFallback)
}

func (o *SessionOrchestrator) fallbackFrom(reason domain.StopReason) {
	from := o.active.ID()
	next := o.idx + 1
	to := domain.ProviderOff
	if next < len(o.order) {
		to = o.order[next]
	}

	_, span := tracing.TraceFallback(o.runCtx, o.desc.PairingKey.String(), string(from), string(to))
	o.metrics.Fallback(from, to)
	o.teardown(reason, true)
	err := o.advance(next)
	tracing.End(span, err)
}

func (o *SessionOrchestrator) handleDegraded(cause string, err error) {
	if o.active == nil {
		return
	}

	delay, ok := o.restarts.Next()
	if !ok {
		o.logger.Warnw("restart budget exhausted, falling back",
			"pairing_key", o.desc.PairingKey,
			"provider", o.active.ID(),
			"cause", cause,
		)
		o.fallbackFrom(domain.StopDegraded)
		return
	}

	o.desc.Status = domain.StatusDegraded
	o.publish()

	o.logger.Warnw("session degraded, scheduling restart",
		"pairing_key", o.desc.PairingKey,
		"provider", o.active.ID(),
		"cause", cause,
		"error", err,
		"retry", o.restarts.Retries(),
		"delay", delay,
	)

	if o.restartTimer != nil {
		o.restartTimer.Stop()
	}
	attempt := o.attempt
	o.restartTimer = time.AfterFunc(delay, func() {
		o.postInternal(restartCmd{attempt: attempt})
	})
}

func (o *SessionOrchestrator) handleRestart(attempt uint64) {
	if attempt != o.attempt || o.active == nil {
		return
	}
	o.restartTimer = nil

	id := o.active.ID()
	idx := o.idx
	o.teardown(domain.StopDegraded, true)
	if err := o.attemptProvider(idx, id); err != nil {
		o.metrics.Fallback(id, o.nextProvider(idx))
		_ = o.advance(idx + 1)
	}
}

func (o *SessionOrchestrator) nextProvider(idx int) domain.ProviderID {
	if idx+1 < len(o.order) {
		return o.order[idx+1]
	}
	return domain.ProviderOff
}

func (o *SessionOrchestrator) handleRemoteStopped(e domain.RemoteStopped) {
	if e.PairingKey != o.desc.PairingKey || o.desc.PairingKey == "" {
		return
	}

	at := e.At
	if at.IsZero() {
		at = o.now()
	}
	if o.pendingEchoes > 0 && at.Before(o.ignoreUntil) {
		o.pendingEchoes--
		o.logger.Debugw("ignoring stopped echo of own relay delete",
			"pairing_key", e.PairingKey,
			"reason", e.Reason,
		)
		return
	}
	if !at.Before(o.ignoreUntil) {
		o.pendingEchoes = 0
	}

	switch e.Reason {
	case domain.StopFallback, domain.StopPreflight:
		// the provider announcement drives a fallback switch
		return
	}

	o.logger.Infow("remote stopped the session",
		"pairing_key", e.PairingKey,
		"reason", e.Reason,
	)

	o.teardown(domain.StopRemote, false)
	if e.Reason.UserInitiated() {
		o.desc.LinkState = domain.LinkIdle
		o.desc.Status = domain.StatusIdle
		o.desc.Provider = ""
		o.publish()
		return
	}
	if o.cfg.Role.IsOfferer() || o.idx >= len(o.order) {
		_ = o.reconnect()
		return
	}
	// the answerer stays on the provider the offerer announced
	o.restarts.Reset()
	_ = o.advance(o.idx)
}

// handleRemoteProvider makes the answering side follow the provider the
// offering side announced.
func (o *SessionOrchestrator) handleRemoteProvider(e domain.RemoteProviderChanged) {
	if o.cfg.Role.IsOfferer() || e.PairingKey != o.desc.PairingKey || o.desc.PairingKey == "" {
		return
	}

	if e.Provider == domain.ProviderOff {
		if o.active != nil {
			o.teardown(domain.StopRemote, false)
			o.desc.LinkState = domain.LinkIdle
			o.desc.Status = domain.StatusIdle
			o.desc.Provider = ""
			o.publish()
		}
		return
	}
	if o.active != nil && o.active.ID() == e.Provider {
		return
	}

	idx := -1
	for i, id := range o.order {
		if id == e.Provider {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.order = append([]domain.ProviderID{e.Provider}, o.order...)
		idx = 0
	}

	o.logger.Infow("following remote provider",
		"pairing_key", e.PairingKey,
		"provider", e.Provider,
	)
	o.teardown(domain.StopRemote, false)
	_ = o.advance(idx)
}

// teardown stops timers, the health monitor and the active provider, then
// optionally preclears the relay for the bound key. The next provider
// started is announced even when it is the same one.
func (o *SessionOrchestrator) teardown(reason domain.StopReason, deleteRelay bool) {
	o.attempt++
	o.announced = ""

	if o.fallbackTimer != nil {
		o.fallbackTimer.Stop()
		o.fallbackTimer = nil
	}
	if o.restartTimer != nil {
		o.restartTimer.Stop()
		o.restartTimer = nil
	}
	o.stopHealth()

	if o.active != nil {
		o.desc.LinkState = domain.LinkStopping
		o.desc.Status = domain.StatusConnecting
		o.desc.Bars = 0
		o.publish()

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if err := o.active.Stop(ctx); err != nil {
			o.logger.Warnw("provider stop failed",
				"pairing_key", o.desc.PairingKey,
				"provider", o.active.ID(),
				"error", err,
			)
		}
		cancel()
		o.active = nil
		o.publish()
	}

	o.remoteVideo = false
	o.reachedStable = false
	o.healthBars = 0
	o.desc.Bars = 0

	if deleteRelay && o.desc.PairingKey != "" {
		o.preclear(o.desc.PairingKey, reason)
	}
}

// preclear deletes every signaling envelope for key and arms the echo
// ignore window for the "stopped" notification the relay sends back.
func (o *SessionOrchestrator) preclear(key domain.PairingKey, reason domain.StopReason) {
	o.pendingEchoes++
	o.ignoreUntil = o.now().Add(o.cfg.PreclearIgnoreWindow)

	ctx, cancel := context.WithTimeout(context.Background(), preclearDeadline)
	defer cancel()
	if err := o.relay.DeleteSession(ctx, key, reason); err != nil {
		o.metrics.RelayError("delete_session")
		o.logger.Debugw("preclear failed", "pairing_key", key, "reason", reason, "error", err)
	}
}

func (o *SessionOrchestrator) startHealth(p ports.Provider, attempt uint64) {
	if o.health == nil {
		return
	}
	ctx, cancel := context.WithCancel(o.runCtx)
	done := make(chan struct{})
	o.healthCancel = cancel
	o.healthDone = done

	key := o.desc.PairingKey
	go func() {
		defer close(done)
		o.health.Run(ctx, key, attempt, p)
	}()
}

func (o *SessionOrchestrator) stopHealth() {
	if o.healthCancel == nil {
		return
	}
	o.healthCancel()
	<-o.healthDone
	o.healthCancel = nil
	o.healthDone = nil
	o.health.Reset()
}

// refresh recomputes bars and status for a connected provider.
func (o *SessionOrchestrator) refresh() {
	if o.active == nil || o.desc.LinkState != domain.LinkConnected {
		o.publish()
		return
	}

	bars := o.healthBars
	if floor := o.active.QualityBars(); floor > bars {
		bars = floor
	}
	o.desc.Bars = bars

	switch {
	case bars >= minStableBars || o.remoteVideo:
		o.desc.Status = domain.StatusConnected
		o.reachedStable = true
	case o.reachedStable:
		o.desc.Status = domain.StatusDegraded
	default:
		o.desc.Status = domain.StatusConnecting
	}
	o.publish()
}

// publish copies the descriptor into the snapshot read by other goroutines
// and notifies subscribers when anything but the timestamp changed.
func (o *SessionOrchestrator) publish() {
	o.mu.Lock()
	prev := o.snapshot
	o.desc.MicMuted = o.snapshot.MicMuted && o.desc.PairingKey != ""
	o.live = o.active
	next := o.desc
	next.UpdatedAt = prev.UpdatedAt
	changed := next != prev
	if changed {
		o.desc.UpdatedAt = o.now()
		next.UpdatedAt = o.desc.UpdatedAt
	}
	o.snapshot = next
	o.mu.Unlock()

	if !changed {
		return
	}
	o.metrics.SetBars(next.Bars)
	o.metrics.SetStatus(next.Status)
	o.bus.Publish(domain.StatusChanged{Descriptor: next})
}

// announce broadcasts the active provider on the messaging channel. Delivery
// is best effort.
func (o *SessionOrchestrator) announce(id domain.ProviderID) {
	if o.messenger == nil || o.desc.PairingKey == "" || id == o.announced {
		return
	}
	o.announced = id

	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()
	err := o.messenger.Publish(ctx, domain.Message{
		Type:       domain.MessageProvider,
		PairingKey: o.desc.PairingKey,
		Provider:   id,
		Sender:     o.cfg.DeviceID,
	})
	if err != nil {
		o.logger.Debugw("provider announcement not delivered",
			"pairing_key", o.desc.PairingKey,
			"provider", id,
			"error", err,
		)
	}
}

// onMessage runs on the messenger goroutine and turns messages for the
// bound pairing key into bus events.
func (o *SessionOrchestrator) onMessage(msg domain.Message) {
	if msg.Sender != "" && msg.Sender == o.cfg.DeviceID {
		return
	}
	key := o.Descriptor().PairingKey
	if key == "" || msg.PairingKey != key {
		return
	}

	switch msg.Type {
	case domain.MessageStopped:
		o.bus.Publish(domain.RemoteStopped{PairingKey: key, Reason: msg.Reason, At: o.now()})
	case domain.MessageOffer:
		o.bus.Publish(domain.OfferPushed{PairingKey: key, SDP: msg.SDP})
	case domain.MessageProvider:
		o.bus.Publish(domain.RemoteProviderChanged{PairingKey: key, Provider: msg.Provider})
	case domain.MessageHeartbeat, domain.MessageStatus:
		if o.health != nil {
			o.health.ObserveRemote(key, msg.Snapshot())
		} else {
			o.bus.Publish(domain.RemoteHealth{PairingKey: key, Snapshot: msg.Snapshot()})
		}
	}
}
