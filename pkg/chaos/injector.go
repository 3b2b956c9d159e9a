// Package chaos injects random worker and node failures into a running
// cluster. An Injector is consulted once per scheduler step; when it decides
// to inject, the kill is dispatched to a cluster backend in the background so
// the step itself is never delayed or failed.
package chaos

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/testground/faultline/pkg/config"
	"github.com/testground/faultline/pkg/logging"
)

// Outcome is the result of evaluating one step.
type Outcome int

const (
	NoOp Outcome = iota
	// KillWorker kills the worker processes of a node; the node survives.
	KillWorker
	// TerminateNode terminates the whole node.
	TerminateNode
)

func (o Outcome) String() string {
	switch o {
	case NoOp:
		return "noop"
	case KillWorker:
		return "kill_worker"
	case TerminateNode:
		return "terminate_node"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Event describes the decision taken for one step. R1 and R2 are the random
// draws; a draw that did not happen is negative.
type Event struct {
	Step    int64
	Outcome Outcome
	Node    string
	Hard    bool
	R1, R2  float64
}

// Killer kills a node of the cluster identified by configID. An empty node
// lets the backend pick one. Killing a node that is already gone succeeds.
type Killer interface {
	KillNode(ctx context.Context, configID, node string, hard bool) error
}

// NodeLister reports the live nodes of a cluster.
type NodeLister interface {
	Nodes(ctx context.Context, configID string) ([]string, error)
}

// InjectionError is a failed kill. It is logged and counted, never returned
// to the step that caused it.
type InjectionError struct {
	Event Event
	Err   error
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("failed to inject %s at step %d (node %q): %v", e.Event.Outcome, e.Event.Step, e.Event.Node, e.Err)
}

func (e *InjectionError) Unwrap() error {
	return e.Err
}

// Config configures an Injector.
type Config struct {
	Probability   float64
	ClusterConfig string
	Disabled      bool
	// Target pins every injection to one node.
	Target      string
	KillTimeout time.Duration
	ListTimeout time.Duration
}

// ConfigFrom converts the [injector] section of the environment.
func ConfigFrom(c config.InjectorConfig) Config {
	return Config{
		Probability:   c.Probability,
		ClusterConfig: c.ClusterConfig,
		Disabled:      c.Disabled,
		Target:        c.Target,
		KillTimeout:   c.KillTimeout.Std(),
		ListTimeout:   c.ListTimeout.Std(),
	}
}

// Stats are the counters of an Injector.
type Stats struct {
	Steps      int64
	Injections int64
	Terminated int64
	Failed     int64
}

// Injector decides, once per step, whether to kill a worker or a node.
type Injector struct {
	cfg    Config
	killer Killer
	lister NodeLister
	log    *zap.SugaredLogger

	rngMu sync.Mutex
	rng   *rand.Rand

	wg         sync.WaitGroup
	steps      int64
	injections int64
	terminated int64
	failed     int64
}

// NewInjector returns an injector killing nodes through killer. If killer
// also implements NodeLister, targets are chosen among the nodes it lists.
// A nil rng is seeded from the clock.
func NewInjector(cfg Config, killer Killer, rng *rand.Rand) (*Injector, error) {
	if cfg.Probability < 0 || cfg.Probability > 1 {
		return nil, fmt.Errorf("probability must be within [0, 1], got %v", cfg.Probability)
	}
	if killer == nil && !cfg.Disabled {
		return nil, fmt.Errorf("no killer configured")
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = config.DefaultKillTimeout
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = config.DefaultListTimeout
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	inj := &Injector{
		cfg:    cfg,
		killer: killer,
		rng:    rng,
		log:    logging.S().With("cluster_config", cfg.ClusterConfig),
	}
	if l, ok := killer.(NodeLister); ok {
		inj.lister = l
	}
	return inj, nil
}

func (inj *Injector) float64() float64 {
	inj.rngMu.Lock()
	defer inj.rngMu.Unlock()
	return inj.rng.Float64()
}

func (inj *Injector) intn(n int) int {
	inj.rngMu.Lock()
	defer inj.rngMu.Unlock()
	return inj.rng.Intn(n)
}

// OnStepBegin evaluates one step. When the outcome is not NoOp, the kill has
// been dispatched but not necessarily performed when it returns.
func (inj *Injector) OnStepBegin(ctx context.Context, step int64) Event {
	atomic.AddInt64(&inj.steps, 1)

	ev := Event{Step: step, Outcome: NoOp, R1: -1, R2: -1}
	if inj.cfg.Disabled {
		return ev
	}

	ev.R1 = inj.float64()
	if ev.R1 >= inj.cfg.Probability {
		return ev
	}

	node, ok := inj.selectNode(ctx)
	if !ok {
		return ev
	}
	ev.Node = node

	ev.R2 = inj.float64()
	ev.Hard = ev.R2 < inj.cfg.Probability
	if ev.Hard {
		ev.Outcome = TerminateNode
	} else {
		ev.Outcome = KillWorker
	}

	atomic.AddInt64(&inj.injections, 1)
	if ev.Hard {
		atomic.AddInt64(&inj.terminated, 1)
	}

	inj.log.Infow("injecting failure", "step", step, "outcome", ev.Outcome, "node", ev.Node)

	inj.wg.Add(1)
	go inj.kill(ev)
	return ev
}

// selectNode returns the node to kill. An empty node with ok set leaves the
// choice to the backend.
func (inj *Injector) selectNode(ctx context.Context) (string, bool) {
	if inj.cfg.Target != "" {
		return inj.cfg.Target, true
	}
	if inj.lister == nil {
		return "", true
	}

	lctx, cancel := context.WithTimeout(ctx, inj.cfg.ListTimeout)
	defer cancel()

	nodes, err := inj.lister.Nodes(lctx, inj.cfg.ClusterConfig)
	if err != nil {
		inj.log.Warnw("failed to list nodes; skipping injection", "err", err)
		return "", false
	}
	if len(nodes) == 0 {
		inj.log.Debugw("no live nodes; skipping injection")
		return "", false
	}
	return nodes[inj.intn(len(nodes))], true
}

func (inj *Injector) kill(ev Event) {
	defer inj.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), inj.cfg.KillTimeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("killer panicked: %v", r)
			}
		}()
		err = inj.killer.KillNode(ctx, inj.cfg.ClusterConfig, ev.Node, ev.Hard)
	}()

	if err != nil {
		atomic.AddInt64(&inj.failed, 1)
		inj.log.Warnw("failure injection failed", "err", &InjectionError{Event: ev, Err: err})
		return
	}
	inj.log.Infow("failure injected", "step", ev.Step, "outcome", ev.Outcome, "node", ev.Node)
}

// Wait blocks until all dispatched kills have finished.
func (inj *Injector) Wait() {
	inj.wg.Wait()
}

func (inj *Injector) Stats() Stats {
	return Stats{
		Steps:      atomic.LoadInt64(&inj.steps),
		Injections: atomic.LoadInt64(&inj.injections),
		Terminated: atomic.LoadInt64(&inj.terminated),
		Failed:     atomic.LoadInt64(&inj.failed),
	}
}
