package frpbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zhangyunhao116/frpbox/internal/envutil"
	"github.com/zhangyunhao116/frpbox/internal/logring"
	"github.com/zhangyunhao116/frpbox/internal/retry"
	"github.com/zhangyunhao116/frpbox/netmon"
	"github.com/zhangyunhao116/frpbox/proxy"
)

// reachTimeout bounds one dial of a loopback proxy port.
const reachTimeout = time.Second

// StartResult describes the outcome of a successful Start.
type StartResult int

const (
	// StartStarted means a new worker was spawned.
	StartStarted StartResult = iota
	// StartAlreadyRunning means the task already had a live worker.
	StartAlreadyRunning
	// StartDeferred means a linked task's proxy port stayed unreachable. The
	// task is pending and is spawned by reconciliation once the port opens.
	StartDeferred
	// StartCancelled means the task was stopped while waiting for its proxy.
	StartCancelled
)

// String returns the string representation of a StartResult.
func (r StartResult) String() string {
	switch r {
	case StartStarted:
		return "started"
	case StartAlreadyRunning:
		return "already_running"
	case StartDeferred:
		return "deferred"
	case StartCancelled:
		return "cancelled"
	default:
		return unknownStr
	}
}

// Supervisor runs frpc and frps workers, captures their output and keeps
// linked tasks in step with their proxy listeners.
type Supervisor struct {
	config   Config
	log      *slog.Logger
	prefs    Preferences
	notifier Notifier
	host     Host
	gates    map[netmon.Transport]ProxyGate
	env      []string
	logs     *logring.Store[Task]

	// reachable reports whether a loopback proxy port accepts connections.
	reachable func(ctx context.Context, addr string) bool

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	locks sync.Map // Task -> *sync.Mutex

	mu       sync.Mutex
	closed   bool
	table    map[Task]*worker
	desired  map[Task]netmon.Transport
	pending  map[Task]struct{}
	limiters map[Task]*rate.Limiter

	watchMu     sync.Mutex
	watchers    map[chan Snapshot]struct{}
	watchClosed bool
}

// New creates a Supervisor and starts its reconciliation loop. Zero
// durations in cfg select the defaults of DefaultConfig.
func New(cfg *Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config must not be nil", ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := deepCopyConfig(cfg)
	fillSupervisorDefaults(&c)

	o := options{gates: make(map[netmon.Transport]ProxyGate)}
	for _, opt := range opts {
		opt(&o)
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if o.prefs == nil {
		o.prefs = MapPreferences{}
	}
	if o.notifier == nil {
		o.notifier = logNotifier{logger: logger}
	}
	if o.host == nil {
		o.host = HostFunc(func() {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		config:   c,
		log:      logger,
		prefs:    o.prefs,
		notifier: o.notifier,
		host:     o.host,
		gates:    o.gates,
		env:      o.env,
		reachable: func(ctx context.Context, addr string) bool {
			return proxy.Reachable(ctx, addr, reachTimeout)
		},
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		table:    make(map[Task]*worker),
		desired:  make(map[Task]netmon.Transport),
		pending:  make(map[Task]struct{}),
		limiters: make(map[Task]*rate.Limiter),
		watchers: make(map[chan Snapshot]struct{}),
	}
	s.logs = logring.New(func(t Task) string { return t.logPath(c.LogDir) }, c.LogLines)
	s.logs.OnChange(func(Task, []string) { s.publish() })

	if o.reachable != nil {
		s.reachable = o.reachable
	}

	go s.reconcileLoop()
	return s, nil
}

func fillSupervisorDefaults(c *Config) {
	def := DefaultConfig().Supervisor
	sc := &c.Supervisor
	if sc.PortWaitTimeout == 0 {
		sc.PortWaitTimeout = def.PortWaitTimeout
	}
	if sc.PortWaitInterval == 0 {
		sc.PortWaitInterval = def.PortWaitInterval
	}
	if sc.ReconcileInterval == 0 {
		sc.ReconcileInterval = def.ReconcileInterval
	}
	if sc.RestartInterval == 0 {
		sc.RestartInterval = def.RestartInterval
	}
	if sc.VersionTimeout == 0 {
		sc.VersionTimeout = def.VersionTimeout
	}
}

// taskLock returns the mutex serialising start and stop of t.
func (s *Supervisor) taskLock(t Task) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(t, new(sync.Mutex))
	return mu.(*sync.Mutex)
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

// Start launches the worker of task. Linked tasks first activate their proxy
// listener and wait for its port; see StartResult for the outcomes that are
// not errors.
func (s *Supervisor) Start(ctx context.Context, task Task) (StartResult, error) {
	if err := task.Validate(); err != nil {
		return 0, err
	}
	if s.isClosed() {
		return 0, ErrSupervisorClosed
	}

	cfgPath := task.configPath(s.config.ConfigDir)
	if st, err := os.Stat(cfgPath); err != nil || st.IsDir() {
		err := &ConfigNotFoundError{Task: task, Path: cfgPath}
		s.notify(NoticeError, task, "config file not found", err)
		return 0, err
	}
	bin, err := resolveBinary(s.config.binary(task.Kind))
	if err != nil {
		s.notify(NoticeError, task, "worker binary not found", err)
		return 0, err
	}

	transport, linked := s.linkOf(task)
	if linked {
		s.mu.Lock()
		s.desired[task] = transport
		s.gates[transport].Activate()
		s.mu.Unlock()
		s.publish()
	}

	mu := s.taskLock(task)
	mu.Lock()
	defer mu.Unlock()

	if s.IsRunning(task) {
		return StartAlreadyRunning, nil
	}
	if !linked {
		if err := s.startWorker(task, bin, nil); err != nil {
			s.notify(NoticeError, task, "failed to start", err)
			s.host.Stop()
			return 0, err
		}
		return StartStarted, nil
	}
	return s.startLinked(ctx, task, bin, transport)
}

// startLinked waits for the proxy port of transport and spawns the worker.
// Callers hold the task lock.
func (s *Supervisor) startLinked(ctx context.Context, task Task, bin string, transport netmon.Transport) (StartResult, error) {
	addr := s.gates[transport].Addr()
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	sc := s.config.Supervisor
	attempts := max(1, int(sc.PortWaitTimeout/sc.PortWaitInterval))
	s.log.Debug("waiting for proxy port", "task", task.String(), "addr", addr)
	err := retry.Poll(waitCtx, attempts, sc.PortWaitInterval, func(ctx context.Context) bool {
		if !s.isDesired(task) {
			cancel()
			return false
		}
		return s.reachable(ctx, addr)
	})

	switch {
	case err == nil:
	case !s.isDesired(task):
		s.log.Info("start cancelled while waiting for proxy", "task", task.String())
		return StartCancelled, nil
	case errors.Is(err, retry.ErrExhausted):
		s.mu.Lock()
		s.pending[task] = struct{}{}
		s.mu.Unlock()
		s.publish()
		s.notify(NoticeInfo, task, "proxy not reachable, start deferred", nil)
		return StartDeferred, nil
	default:
		// The caller gave up or the supervisor is closing.
		s.forget(task)
		if s.isClosed() {
			return StartCancelled, ErrSupervisorClosed
		}
		return StartCancelled, err
	}

	if err := s.startWorker(task, bin, s.linkedEnv(transport)); err != nil {
		s.forget(task)
		s.notify(NoticeError, task, "failed to start", err)
		return 0, err
	}
	return StartStarted, nil
}

// forget removes a linked task from the desired and pending sets and
// releases its listener.
func (s *Supervisor) forget(task Task) {
	s.mu.Lock()
	if t, ok := s.desired[task]; ok {
		delete(s.desired, task)
		s.releaseGateLocked(t)
	}
	delete(s.pending, task)
	s.mu.Unlock()
	s.publish()
}

// startWorker launches the worker of task and enters it in the table. Callers hold
// the task lock.
func (s *Supervisor) startWorker(task Task, bin string, env []string) error {
	if env == nil && len(s.env) > 0 {
		env = envutil.MergeEnv(os.Environ(), s.env)
	}
	w, err := spawn(spawnSpec{
		task:   task,
		binary: bin,
		dir:    filepath.Join(s.config.ConfigDir, string(task.Kind)),
		env:    env,
		output: func(line string) {
			if err := s.logs.Append(task, line); err != nil {
				s.log.Debug("log append failed", "task", task.String(), "error", err)
			}
		},
		logger: s.log,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = w.kill(context.Background())
		return ErrSupervisorClosed
	}
	s.table[task] = w
	delete(s.pending, task)
	s.mu.Unlock()

	go s.await(w)
	s.publish()
	s.notify(NoticeInfo, task, "started", nil)
	return nil
}

// linkedEnv returns the worker environment routing through the listener of t.
func (s *Supervisor) linkedEnv(t netmon.Transport) []string {
	base := envutil.MergeEnv(os.Environ(), s.env)
	return proxy.ApplyProxyEnv(base, &proxy.EnvConfig{
		Transport:     t,
		SOCKSAddr:     s.gates[t].Addr(),
		HTTPProxyVars: s.config.Proxy.HTTPProxyVars,
	})
}

// await waits for w to exit. A worker that exits while still in the table
// exited on its own: it leaves the desired set and its listener is released.
func (s *Supervisor) await(w *worker) {
	<-w.done

	s.mu.Lock()
	if s.table[w.task] != w {
		s.mu.Unlock()
		return
	}
	delete(s.table, w.task)
	if t, ok := s.desired[w.task]; ok {
		delete(s.desired, w.task)
		s.releaseGateLocked(t)
	}
	delete(s.pending, w.task)
	idle := s.idleLocked()
	s.mu.Unlock()

	s.publish()
	if w.err != nil {
		s.notify(NoticeError, w.task, "worker exited", w.err)
	} else {
		s.notify(NoticeInfo, w.task, "worker exited", nil)
	}
	if idle {
		s.host.Stop()
	}
}

// ---------------------------------------------------------------------------
// Stop
// ---------------------------------------------------------------------------

// Stop kills the worker of task and releases its proxy listener when no
// other desired task uses it. Stopping a task that is not running is a no-op.
func (s *Supervisor) Stop(ctx context.Context, task Task) error {
	// Unmark first so that a Start waiting on the port gives up the lock.
	s.mu.Lock()
	t, wasDesired := s.desired[task]
	if wasDesired {
		delete(s.desired, task)
		s.releaseGateLocked(t)
	}
	delete(s.pending, task)
	s.mu.Unlock()

	mu := s.taskLock(task)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	w := s.table[task]
	delete(s.table, task)
	idle := s.idleLocked()
	s.mu.Unlock()

	if w == nil && !wasDesired {
		return nil
	}
	var err error
	if w != nil {
		if err = w.kill(ctx); err == nil {
			s.notify(NoticeInfo, task, "stopped", nil)
		}
	}
	s.publish()
	if idle {
		s.host.Stop()
	}
	return err
}

// StopAll kills every worker, clears the linked-task sets, deactivates every
// listener and tells the host to stop.
func (s *Supervisor) StopAll(ctx context.Context) error {
	err := s.stopAll(ctx)
	s.host.Stop()
	return err
}

func (s *Supervisor) stopAll(ctx context.Context) error {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.table))
	for _, w := range s.table {
		workers = append(workers, w)
	}
	clear(s.table)
	clear(s.desired)
	clear(s.pending)
	for _, g := range s.gates {
		g.Deactivate()
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w.kill(gctx); err != nil {
				return fmt.Errorf("stop %s: %w", w.task, err)
			}
			return nil
		})
	}
	err := g.Wait()
	s.publish()
	if len(workers) > 0 {
		s.log.Info("all workers stopped", "count", len(workers))
	}
	return err
}

// releaseGateLocked deactivates the listener of t unless a desired task
// still needs it. Callers hold s.mu.
func (s *Supervisor) releaseGateLocked(t netmon.Transport) {
	for _, dt := range s.desired {
		if dt == t {
			return
		}
	}
	if g, ok := s.gates[t]; ok {
		g.Deactivate()
	}
}

func (s *Supervisor) idleLocked() bool {
	return len(s.table) == 0 && len(s.desired) == 0
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

func (s *Supervisor) reconcileLoop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.config.Supervisor.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(s.ctx)
		}
	}
}

// reconcile suspends running linked workers whose proxy port closed and
// respawns pending ones whose port opened again.
func (s *Supervisor) reconcile(ctx context.Context) {
	type item struct {
		task      Task
		transport netmon.Transport
		running   bool
		pending   bool
	}
	s.mu.Lock()
	items := make([]item, 0, len(s.desired))
	for task, t := range s.desired {
		_, running := s.table[task]
		_, pending := s.pending[task]
		items = append(items, item{task: task, transport: t, running: running, pending: pending})
	}
	s.mu.Unlock()

	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		if !it.running && !it.pending {
			continue // start in progress
		}
		ok := s.reachable(ctx, s.gates[it.transport].Addr())
		switch {
		case !ok && it.running:
			s.suspend(ctx, it.task)
		case ok && it.pending:
			s.resume(it.task, it.transport)
		}
	}
}

// suspend kills a linked worker whose proxy went away and marks it pending.
func (s *Supervisor) suspend(ctx context.Context, task Task) {
	mu := s.taskLock(task)
	if !mu.TryLock() {
		return
	}
	defer mu.Unlock()

	s.mu.Lock()
	w := s.table[task]
	if _, ok := s.desired[task]; !ok || w == nil {
		s.mu.Unlock()
		return
	}
	delete(s.table, task)
	s.pending[task] = struct{}{}
	s.mu.Unlock()

	s.log.Info("proxy unreachable, suspending worker", "task", task.String(), "run", w.id)
	if err := w.kill(ctx); err != nil {
		s.log.Warn("suspend: kill failed", "task", task.String(), "error", err)
	}
	s.publish()
}

// resume respawns a pending linked task, at most once per RestartInterval.
func (s *Supervisor) resume(task Task, transport netmon.Transport) {
	mu := s.taskLock(task)
	if !mu.TryLock() {
		return
	}
	defer mu.Unlock()

	s.mu.Lock()
	_, desired := s.desired[task]
	_, pending := s.pending[task]
	_, running := s.table[task]
	lim := s.limiters[task]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(s.config.Supervisor.RestartInterval), 1)
		s.limiters[task] = lim
	}
	s.mu.Unlock()
	if !desired || !pending || running || !lim.Allow() {
		return
	}

	bin, err := resolveBinary(s.config.binary(task.Kind))
	if err == nil {
		err = s.startWorker(task, bin, s.linkedEnv(transport))
	}
	if err != nil {
		s.notify(NoticeError, task, "failed to restart", err)
		return
	}
	s.log.Info("proxy reachable, worker restarted", "task", task.String())
}

// ---------------------------------------------------------------------------
// Links
// ---------------------------------------------------------------------------

// IsLinked reports whether task is linked to a proxy listener.
func (s *Supervisor) IsLinked(task Task) bool {
	_, ok := s.linkOf(task)
	return ok
}

// linkOf returns the transport task is linked to. Link rules are consulted
// first; with DetectLinks a client config that mentions a listener address
// links to that listener.
func (s *Supervisor) linkOf(task Task) (netmon.Transport, bool) {
	for _, r := range s.config.Links {
		if ok, _ := path.Match(r.Task, task.key()); ok {
			if _, has := s.gates[r.Transport]; has {
				return r.Transport, true
			}
		}
	}
	if !s.config.Supervisor.DetectLinks || task.Kind != KindClient || len(s.gates) == 0 {
		return 0, false
	}
	data, err := os.ReadFile(task.configPath(s.config.ConfigDir))
	if err != nil {
		return 0, false
	}
	for _, t := range netmon.Transports {
		if g, ok := s.gates[t]; ok && bytes.Contains(data, []byte(g.Addr())) {
			return t, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// IsRunning reports whether task has a live worker.
func (s *Supervisor) IsRunning(task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.table[task]
	return ok
}

// Running returns the tasks with a live worker.
func (s *Supervisor) Running() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.table))
	for t := range s.table {
		out = append(out, t)
	}
	return sortTasks(out)
}

// Pending returns the linked tasks waiting for their proxy.
func (s *Supervisor) Pending() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.pending))
	for t := range s.pending {
		out = append(out, t)
	}
	return sortTasks(out)
}

// Desired returns the linked tasks the user asked to run.
func (s *Supervisor) Desired() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.desired))
	for t := range s.desired {
		out = append(out, t)
	}
	return sortTasks(out)
}

func (s *Supervisor) isDesired(task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.desired[task]
	return ok
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Log returns the retained output of task, oldest line first.
func (s *Supervisor) Log(task Task) string {
	return s.logs.Text(task)
}

// ClearLog deletes the retained output of task.
func (s *Supervisor) ClearLog(task Task) error {
	return s.logs.Clear(task)
}

// Close stops the reconciliation loop and every worker and closes all
// watchers. The host is not told to stop.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.loopDone:
	case <-ctx.Done():
	}
	err := s.stopAll(ctx)
	s.closeWatchers()
	return err
}
