// Package supervisor implements the network supervisor loop: the single
// cooperative task that owns every interface's lifecycle, the
// connection pool, primary-interface selection, and parameter changes.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"walletnet/internal/blockchain"
	"walletnet/internal/checkpoint"
	"walletnet/internal/dial"
	"walletnet/internal/events"
	"walletnet/internal/iface"
	"walletnet/internal/metrics"
	"walletnet/internal/router"
	"walletnet/internal/serverkey"
)

const (
	// NodesRetryInterval is how often the transient disconnected set is
	// cleared so previously-failed servers become eligible again.
	NodesRetryInterval = 60 * time.Second
	// ServerRetryInterval is the cooldown before retrying a configured
	// default server found in the disconnected set.
	ServerRetryInterval = 10 * time.Second
	// RequestDeadTimeout is how long an outstanding request may sit
	// unanswered before the interface is declared dead.
	RequestDeadTimeout = 20 * time.Second
	// loopInterval keeps the loop responsive without busy-spinning,
	// standing in for a 100 ms select timeout on the raw sockets.
	loopInterval = 100 * time.Millisecond

	defaultTargetCount = 10
)

// Config is the operator-controllable parameter set.
type Config struct {
	Host        string
	Port        int
	Protocol    serverkey.Protocol
	Proxy       *serverkey.ProxyConfig
	AutoConnect bool
	OneServer   bool
	TargetCount int
	FeeTargets  []int
	FeeTTL      time.Duration
}

func (c Config) defaultKey() (serverkey.Key, bool) {
	if c.Host == "" {
		return "", false
	}
	return serverkey.New(c.Host, c.Port, c.Protocol), true
}

func (c Config) targetCount() int {
	if c.OneServer {
		return 0
	}
	if c.TargetCount > 0 {
		return c.TargetCount
	}
	return defaultTargetCount
}

// Job is an external collaborator task run once per loop iteration,
// only once the checkpoint chain is verified.
type Job func(ctx context.Context, s *Supervisor)

// Persist saves validated parameters; pkg/config implements this.
type Persist func(Config) error

// Supervisor drives the main loop and owns the interface table,
// connection pool, and primary selection.
type Supervisor struct {
	mu            sync.Mutex
	cfg           Config
	interfaces    map[serverkey.Key]*iface.Interface
	connecting    map[serverkey.Key]struct{}
	disconnected  map[serverkey.Key]time.Time
	primary       serverkey.Key
	hostMap       serverkey.HostMap
	checkpointCfg struct {
		height    int
		configured bool
	}
	lastNodesRetry      time.Time
	lastServerRetry     time.Time
	feeLastRefresh      time.Time
	verified            bool
	firstCheckpointRoot []byte
	donationAddress     string
	quit                chan struct{}
	done                chan struct{}

	completions chan dial.Outcome

	Factory  *dial.Factory
	Router   *router.Router
	Chains   *blockchain.ChainSet
	Registry *serverkey.Registry
	Verifier *checkpoint.Validator
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
	Persist  Persist
	Jobs     []Job
}

// New builds a Supervisor. Chains, Registry, Verifier, Factory must be
// non-nil; Bus, Metrics, Logger, Persist default to inert no-ops.
func New(cfg Config, factory *dial.Factory, rt *router.Router, chains *blockchain.ChainSet, registry *serverkey.Registry, verifier *checkpoint.Validator, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.FeeTTL <= 0 {
		cfg.FeeTTL = 10 * time.Minute
	}
	s := &Supervisor{
		cfg:          cfg,
		interfaces:   make(map[serverkey.Key]*iface.Interface),
		connecting:   make(map[serverkey.Key]struct{}),
		disconnected: make(map[serverkey.Key]time.Time),
		hostMap:      make(serverkey.HostMap),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		completions:  make(chan dial.Outcome, 64),
		Factory:      factory,
		Router:       rt,
		Chains:       chains,
		Registry:     registry,
		Verifier:     verifier,
		Logger:       logger,
	}
	rt.SetFeeTargets(cfg.FeeTargets)
	s.wireHooks()
	return s
}

// Interfaces returns a thread-safe snapshot of currently connected
// interfaces, keyed by server.
func (s *Supervisor) Interfaces() map[serverkey.Key]*iface.Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[serverkey.Key]*iface.Interface, len(s.interfaces))
	for k, v := range s.interfaces {
		out[k] = v
	}
	return out
}

// Primary returns the current primary server key, if any.
func (s *Supervisor) Primary() (serverkey.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary, s.primary != ""
}

// DonationAddress returns the donation address the current primary last
// reported, if any.
func (s *Supervisor) DonationAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.donationAddress
}

// SetHostMap installs the freshest known host set, used by the pool
// top-up step to pick eligible servers.
func (s *Supervisor) SetHostMap(hm serverkey.HostMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostMap = hm
}

// SetCheckpoint configures the checkpoint height new interfaces enter
// VERIFICATION against.
func (s *Supervisor) SetCheckpoint(height int, configured bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpointCfg.height = height
	s.checkpointCfg.configured = configured
}

// MarkVerified records that the checkpoint chain has been verified,
// unlocking collaborator jobs.
func (s *Supervisor) MarkVerified() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = true
}

// Start launches the loop goroutine. Call Stop for graceful shutdown.
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop requests the loop exit and blocks until it has closed every
// interface.
func (s *Supervisor) Stop() {
	close(s.quit)
	<-s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			s.shutdown()
			return
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	ifaces := make([]*iface.Interface, 0, len(s.interfaces))
	for _, i := range s.interfaces {
		ifaces = append(ifaces, i)
	}
	s.mu.Unlock()
	for _, i := range ifaces {
		_ = i.Close()
	}
}

// RunOnce executes exactly one iteration of the supervisor loop:
// completions, ping/timeout sweep, pool top-up, retry bookkeeping,
// primary selection, fee refresh, send draining, message dispatch,
// collaborator jobs, and the stale-request check.
func (s *Supervisor) RunOnce(ctx context.Context) {
	s.drainCompletions()
	s.pingAndTimeoutSweep()
	s.topUpPool(ctx)
	s.clearTransientDisconnected()
	s.managePrimary(ctx)
	s.checkLaggingSwitch()
	s.refreshFeesIfExpired()
	s.Router.Drain()
	s.drainInterfaceMessages()
	s.runJobs(ctx)
	s.checkOutstandingRequests()
}

// drainCompletions folds every pending dial.Outcome into either a new
// Interface or a disconnected-set entry.
func (s *Supervisor) drainCompletions() {
	for {
		select {
		case outcome := <-s.completions:
			s.handleCompletion(outcome)
		default:
			return
		}
	}
}

func (s *Supervisor) handleCompletion(outcome dial.Outcome) {
	s.mu.Lock()
	delete(s.connecting, outcome.Server)
	if outcome.Err != nil || outcome.Conn == nil {
		s.disconnected[outcome.Server] = time.Now()
		s.mu.Unlock()
		if s.Bus != nil {
			s.Bus.PublishStatus(events.Status{Server: outcome.Server, State: events.Disconnected})
		}
		if s.Logger != nil {
			s.Logger.WithField("server", outcome.Server).WithError(outcome.Err).Debug("connection attempt failed")
		}
		return
	}
	height, configured := s.checkpointCfg.height, s.checkpointCfg.configured
	s.mu.Unlock()

	i := iface.New(outcome.Conn, iface.Config{
		Server:               outcome.Server,
		Chains:               s.Chains,
		Verifier:             s.Verifier,
		CheckpointHeight:     height,
		CheckpointConfigured: configured,
		ConfirmationsNeeded:  1,
		CheckpointRootSeen:   s.checkpointRootSeen,
		Logger:               s.Logger,
	})

	if err := i.Start(); err != nil {
		_ = i.Close()
		s.mu.Lock()
		s.disconnected[outcome.Server] = time.Now()
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.interfaces[outcome.Server] = i
	s.mu.Unlock()

	if s.Registry != nil {
		_ = s.Registry.AddRecent(outcome.Server)
	}
	if s.Metrics != nil {
		s.Metrics.ConnectedInterfaces.Set(float64(len(s.Interfaces())))
	}
	if s.Bus != nil {
		s.Bus.PublishStatus(events.Status{Server: outcome.Server, State: events.Connected})
	}
}

// pingAndTimeoutSweep sends server.ping to idle interfaces and closes
// timed-out ones.
func (s *Supervisor) pingAndTimeoutSweep() {
	for _, i := range s.Interfaces() {
		if i.HasTimedOut() {
			s.dropInterface(i.Server, i)
			continue
		}
		if i.PingRequired() {
			if _, err := i.Send("server.ping", []interface{}{}); err != nil {
				s.dropInterface(i.Server, i)
			}
		}
	}
}

func (s *Supervisor) dropInterface(key serverkey.Key, i *iface.Interface) {
	_ = i.Close()
	s.mu.Lock()
	delete(s.interfaces, key)
	s.disconnected[key] = time.Now()
	wasPrimary := s.primary == key
	if wasPrimary {
		s.primary = ""
	}
	s.mu.Unlock()
	if s.Metrics != nil {
		s.Metrics.ConnectedInterfaces.Set(float64(len(s.Interfaces())))
	}
	if s.Bus != nil {
		s.Bus.PublishStatus(events.Status{Server: key, State: events.Disconnected})
	}
	if wasPrimary {
		s.Router.SetPrimary(nil)
	}
}

// topUpPool starts new connections while below target_count.
func (s *Supervisor) topUpPool(ctx context.Context) {
	s.mu.Lock()
	target := s.cfg.targetCount()
	have := len(s.interfaces) + len(s.connecting)
	exclude := make(map[serverkey.Key]struct{}, len(s.interfaces)+len(s.connecting)+len(s.disconnected))
	for k := range s.interfaces {
		exclude[k] = struct{}{}
	}
	for k := range s.connecting {
		exclude[k] = struct{}{}
	}
	for k := range s.disconnected {
		exclude[k] = struct{}{}
	}
	if s.Registry != nil {
		for _, k := range s.Registry.BlacklistedKeys() {
			exclude[k] = struct{}{}
		}
	}
	hm := s.hostMap
	proxy := s.cfg.Proxy
	proto := s.cfg.Protocol
	if proto == 0 {
		proto = serverkey.ProtoTLS
	}
	s.mu.Unlock()

	for have < target {
		key, ok := serverkey.PickRandom(hm, proto, exclude)
		if !ok {
			return
		}
		exclude[key] = struct{}{}
		s.mu.Lock()
		s.connecting[key] = struct{}{}
		s.mu.Unlock()
		if s.Metrics != nil {
			s.Metrics.ConnectingAttempts.Set(float64(len(s.connecting)))
		}
		if s.Bus != nil {
			s.Bus.PublishStatus(events.Status{Server: key, State: events.Connecting})
		}
		s.Factory.Connect(ctx, key, proxy, s.completions)
		have++
	}
}

// clearTransientDisconnected clears the disconnected set every
// NodesRetryInterval.
func (s *Supervisor) clearTransientDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastNodesRetry) < NodesRetryInterval {
		return
	}
	s.lastNodesRetry = time.Now()
	s.disconnected = make(map[serverkey.Key]time.Time)
}

// managePrimary picks a random connected interface under auto_connect,
// or retries the configured default on its cooldown.
func (s *Supervisor) managePrimary(ctx context.Context) {
	s.mu.Lock()
	hasPrimary := s.primary != ""
	s.mu.Unlock()
	if hasPrimary {
		return
	}

	s.mu.Lock()
	def, hasDefault := s.cfg.defaultKey()
	if s.cfg.AutoConnect {
		for key, i := range s.interfaces {
			if i.Mode() != iface.ModeDefault && i.Mode() != iface.ModeCatchUp {
				continue
			}
			s.primary = key
			primaryIface := i
			s.mu.Unlock()
			s.Router.SetPrimary(primaryIface)
			if s.Bus != nil {
				s.Bus.PublishInterfaces(events.Interfaces{Connected: s.connectedKeys()})
			}
			return
		}
		s.mu.Unlock()
		return
	}

	if !hasDefault {
		s.mu.Unlock()
		return
	}
	if when, down := s.disconnected[def]; down {
		if time.Since(when) < ServerRetryInterval {
			s.mu.Unlock()
			return
		}
		delete(s.disconnected, def)
		_, connecting := s.connecting[def]
		if !connecting {
			s.connecting[def] = struct{}{}
		}
		proxy := s.cfg.Proxy
		s.mu.Unlock()
		if !connecting {
			s.Factory.Connect(ctx, def, proxy, s.completions)
		}
		return
	}
	if i, ok := s.interfaces[def]; ok {
		s.primary = def
		s.mu.Unlock()
		s.Router.SetPrimary(i)
		return
	}
	s.mu.Unlock()
}

func (s *Supervisor) connectedKeys() []serverkey.Key {
	keys := make([]serverkey.Key, 0, len(s.interfaces))
	for k := range s.interfaces {
		keys = append(keys, k)
	}
	return keys
}

// refreshFeesIfExpired re-requests fee estimates once the configured
// TTL has elapsed.
func (s *Supervisor) refreshFeesIfExpired() {
	s.mu.Lock()
	expired := time.Since(s.feeLastRefresh) >= s.cfg.FeeTTL
	if !expired {
		s.mu.Unlock()
		return
	}
	s.feeLastRefresh = time.Now()
	targets := append([]int{}, s.cfg.FeeTargets...)
	hasPrimary := s.primary != ""
	s.mu.Unlock()
	if !hasPrimary {
		return
	}
	msgs := make([]router.Message, 0, len(targets)+1)
	msgs = append(msgs, router.Message{Method: "blockchain.relayfee", Params: []interface{}{}})
	for _, t := range targets {
		msgs = append(msgs, router.Message{Method: "blockchain.estimatefee", Params: []interface{}{t}})
	}
	s.Router.Send(msgs, nil)
}

// runJobs runs every registered collaborator job, but only once the
// checkpoint chain is verified.
func (s *Supervisor) runJobs(ctx context.Context) {
	s.mu.Lock()
	verified := s.verified
	s.mu.Unlock()
	if !verified {
		return
	}
	for _, job := range s.Jobs {
		job(ctx, s)
	}
}

// checkOutstandingRequests declares an interface down if any request
// has been in flight longer than RequestDeadTimeout.
func (s *Supervisor) checkOutstandingRequests() {
	for key, i := range s.Interfaces() {
		if age, ok := i.OldestPendingAge(); ok && age > RequestDeadTimeout {
			s.dropInterface(key, i)
		}
	}
}

// SetParameters validates and applies a new configuration.
// Proxy or protocol changes tear the whole pool down and rebuild it;
// a server-only change switches primary; otherwise the lagging-switch
// check runs immediately (it also runs on every loop iteration).
func (s *Supervisor) SetParameters(ctx context.Context, next Config) error {
	if next.Host != "" && next.Port <= 0 {
		return fmt.Errorf("supervisor: invalid port %d for host %q", next.Port, next.Host)
	}

	s.mu.Lock()
	prev := s.cfg
	s.mu.Unlock()

	if s.Persist != nil {
		if err := s.Persist(next); err != nil {
			return fmt.Errorf("supervisor: persist parameters: %w", err)
		}
	}

	proxyChanged := !proxyEqual(prev.Proxy, next.Proxy)
	protocolChanged := prev.Protocol != next.Protocol && next.Protocol != 0
	serverChanged := prev.Host != next.Host || prev.Port != next.Port

	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()
	s.Router.SetFeeTargets(next.FeeTargets)

	switch {
	case proxyChanged || protocolChanged:
		s.teardown()
	case serverChanged:
		s.switchToConfiguredDefault(ctx)
	default:
		s.checkLaggingSwitch()
	}
	return nil
}

func proxyEqual(a, b *serverkey.ProxyConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// teardown closes every interface and clears the primary, so the next
// loop iterations rebuild the pool under the new proxy/protocol.
func (s *Supervisor) teardown() {
	s.mu.Lock()
	ifaces := make([]*iface.Interface, 0, len(s.interfaces))
	for _, i := range s.interfaces {
		ifaces = append(ifaces, i)
	}
	s.interfaces = make(map[serverkey.Key]*iface.Interface)
	s.disconnected = make(map[serverkey.Key]time.Time)
	s.primary = ""
	s.mu.Unlock()
	for _, i := range ifaces {
		_ = i.Close()
	}
	s.Router.SetPrimary(nil)
}

func (s *Supervisor) switchToConfiguredDefault(ctx context.Context) {
	s.mu.Lock()
	def, ok := s.cfg.defaultKey()
	if !ok {
		s.mu.Unlock()
		return
	}
	i, present := s.interfaces[def]
	s.mu.Unlock()
	if present {
		s.mu.Lock()
		s.primary = def
		s.mu.Unlock()
		s.Router.SetPrimary(i)
		return
	}
	s.mu.Lock()
	if _, connecting := s.connecting[def]; !connecting {
		s.connecting[def] = struct{}{}
		s.mu.Unlock()
		s.Factory.Connect(ctx, def, s.cfg.Proxy, s.completions)
		return
	}
	s.mu.Unlock()
}

// checkLaggingSwitch switches away from a lagging primary:
// if the primary is more than one behind the local chain height and
// auto_connect is on, switch to any other interface whose claimed tip
// header matches the local header at the local tip height.
func (s *Supervisor) checkLaggingSwitch() {
	s.mu.Lock()
	autoConnect := s.cfg.AutoConnect
	primaryKey := s.primary
	s.mu.Unlock()
	if !autoConnect || primaryKey == "" {
		return
	}

	primary, ok := s.Interfaces()[primaryKey]
	if !ok {
		return
	}
	localHeight := s.Chains.Longest().Height()
	if localHeight-primary.Tip <= 1 {
		return
	}
	localHeader, ok := s.Chains.Longest().ReadHeader(localHeight)
	if !ok {
		return
	}

	for key, candidate := range s.Interfaces() {
		if key == primaryKey {
			continue
		}
		if candidate.Tip != localHeight {
			continue
		}
		if !headerEqual(candidate.TipHeader, localHeader) {
			continue
		}
		s.mu.Lock()
		s.primary = key
		s.mu.Unlock()
		s.Router.SetPrimary(candidate)
		if s.Metrics != nil {
			s.Metrics.PrimarySwitches.Inc()
		}
		return
	}
}

func headerEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

