// Package main implements qpownode, the node-side mining coordinator for
// qpow. It follows the best tip, stamps templates with the next target,
// hands them to a miner and imports the seals that come back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/chain"
	"github.com/bardlex/qpow/internal/config"
	"github.com/bardlex/qpow/internal/difficulty"
	"github.com/bardlex/qpow/internal/importer"
	"github.com/bardlex/qpow/internal/miner"
	"github.com/bardlex/qpow/internal/qpow"
	"github.com/bardlex/qpow/internal/registry"
	"github.com/bardlex/qpow/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting qpownode",
		"version", cfg.Version,
		"dev_mode", cfg.DevMode,
		"miner_endpoint", cfg.MinerEndpoint,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := Assemble(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to assemble node")
		os.Exit(1)
	}
	defer stack.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		done <- stack.Node.Run(ctx, stack.Tips)
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
		cancel()
		<-done
	case err := <-done:
		if err != nil && err != context.Canceled {
			logger.WithError(err).Error("node stopped")
		}
	}

	logger.Info("qpownode stopped")
}

// Chain is everything the node needs from its chain collaborator
type Chain interface {
	chain.View
	chain.Importer
	chain.TemplateSource
}

// Deps are the collaborators a Node is built from. Fallback, Dedup and
// Events may be nil.
type Deps struct {
	Chain    Chain
	Primary  miner.Strategy
	Fallback miner.Strategy
	Dedup    miner.DedupStore
	Events   *Events
}

// Node coordinates tips, templates, the miner client and the import hook
type Node struct {
	cfg        *config.Config
	logger     *log.Logger
	chain      Chain
	controller *difficulty.Controller
	miner      *miner.Client
	hook       *importer.Hook
	events     *Events

	windowDepth int

	wg      sync.WaitGroup
	lastTip chainhash.Hash
}

// NewNode wires a node from cfg and deps
func NewNode(cfg *config.Config, logger *log.Logger, deps Deps) (*Node, error) {
	controller, err := difficulty.NewController(difficulty.ParamsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("difficulty parameters: %w", err)
	}
	params := controller.Params()

	n := &Node{
		cfg:         cfg,
		logger:      logger.WithComponent("node"),
		chain:       deps.Chain,
		controller:  controller,
		events:      deps.Events,
		windowDepth: max(params.WindowSize, params.MedianSpan),
	}

	opts := []miner.Option{
		miner.WithDedupStore(deps.Dedup),
		miner.WithAvailabilityHook(n.availabilityChanged),
	}
	if deps.Fallback != nil {
		opts = append(opts, miner.WithFallback(deps.Fallback))
	}
	if deps.Events != nil {
		opts = append(opts, miner.WithObserver(deps.Events))
	}

	n.miner = miner.NewClient(deps.Primary, miner.Config{
		DedupTTL: cfg.DedupTTL,
		Registry: registry.Config{
			TTL:           cfg.JobTTL,
			Retention:     cfg.JobRetention,
			SweepInterval: cfg.PollInterval * 10,
		},
	}, logger, opts...)

	var hookOpts []importer.Option
	if deps.Events != nil {
		hookOpts = append(hookOpts, importer.WithEvents(deps.Events))
	}
	n.hook = importer.New(importer.Config{WindowDepth: n.windowDepth},
		n.miner.Registry(), qpow.NewVerifier(controller), deps.Chain, deps.Chain, logger, hookOpts...)

	return n, nil
}

// Miner returns the node's miner client
func (n *Node) Miner() *miner.Client {
	return n.miner
}

func (n *Node) availabilityChanged(mining bool, strategy string) {
	if mining {
		n.logger.Info("mining resumed", "strategy", strategy)
	} else {
		n.logger.Error("not mining: no miner reachable", "strategy", strategy)
	}
	if n.events != nil {
		n.events.Availability(mining, strategy)
	}
}

// Run mines on every tip from tips, polls for seals every PollInterval and
// returns when ctx is done. A closed tips channel leaves the node polling.
// Polling runs on its own goroutine so a slow miner never delays tips.
func (n *Node) Run(ctx context.Context, tips <-chan chain.Tip) error {
	go n.miner.Run(ctx)

	if tip, err := n.chain.BestTip(ctx); err != nil {
		n.logger.LogError("failed to read best tip", err)
	} else {
		n.onTip(ctx, tip)
	}

	candidates := make(chan []miner.Candidate)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.pollLoop(ctx, candidates)
	}()

	report := time.NewTicker(time.Minute)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			n.wg.Wait()
			return ctx.Err()
		case tip, ok := <-tips:
			if !ok {
				n.logger.Warn("tip notifications closed")
				tips = nil
				continue
			}
			n.onTip(ctx, tip)
		case cands := <-candidates:
			n.handleCandidates(ctx, cands)
		case <-report.C:
			if n.events != nil {
				n.events.Report(ctx)
			}
		}
	}
}

// onTip retires work on older parents and starts mining on tip
func (n *Node) onTip(ctx context.Context, tip chain.Tip) {
	if n.lastTip == tip.Hash {
		return
	}
	n.lastTip = tip.Hash

	stale := n.miner.OnNewTip(ctx, tip.Hash)
	n.logger.Info("new best tip",
		"hash", tip.Hash.String(),
		"height", tip.Height,
		"superseded", len(stale),
	)

	tmpl, err := n.nextTemplate(ctx)
	if err != nil {
		n.logger.LogError("failed to build template", err, "tip", tip.Hash.String())
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if _, err := n.miner.Submit(ctx, &tmpl); err != nil {
			n.logger.LogError("failed to submit template", err, "height", tmpl.Height)
		}
	}()
}

// nextTemplate fetches a template and stamps the controller's target and a
// timestamp past the median time of its window.
func (n *Node) nextTemplate(ctx context.Context) (block.Template, error) {
	tmpl, err := n.chain.Template(ctx, n.cfg.Beneficiary)
	if err != nil {
		return block.Template{}, err
	}

	window, err := n.window(ctx, tmpl.Parent)
	if err != nil {
		return block.Template{}, err
	}

	tmpl.Target = n.controller.NextTarget(window)
	if mtp := n.controller.MedianTimePast(window); tmpl.Timestamp <= mtp {
		tmpl.Timestamp = mtp + 1
	}

	if len(window) > 0 {
		prev := window[len(window)-1].Target
		if prev != tmpl.Target {
			ratio := difficulty.RatioFloat(prev, tmpl.Target)
			n.logger.LogRetarget(tmpl.Height, ratio, tmpl.Target.String())
			if n.events != nil {
				n.events.Retarget(tmpl.Height, ratio, tmpl.Target)
			}
		}
	}
	return tmpl, nil
}

// window reads the difficulty history behind parent, falling back to stored
// history when the chain cannot answer.
func (n *Node) window(ctx context.Context, parent chainhash.Hash) (difficulty.Window, error) {
	w, err := n.chain.Window(ctx, parent, n.windowDepth)
	if err == nil || n.events == nil || n.events.DB == nil {
		return w, err
	}
	n.logger.LogError("chain window unavailable, using stored history", err)
	return n.events.DB.LoadWindow(ctx, parent.String(), n.windowDepth)
}
// pollLoop polls running jobs every PollInterval and hands what it finds to
// out. Each round gets its own deadline so one hung miner only costs that
// round.
func (n *Node) pollLoop(ctx context.Context, out chan<- []miner.Candidate) {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	round := max(n.cfg.PollInterval, n.cfg.MinerRequestTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rctx, cancel := context.WithTimeout(ctx, round)
		cands := n.miner.PollAll(rctx)
		cancel()
		if len(cands) == 0 {
			continue
		}

		select {
		case out <- cands:
		case <-ctx.Done():
			return
		}
	}
}

// handleCandidates runs each candidate through the import hook
func (n *Node) handleCandidates(ctx context.Context, cands []miner.Candidate) {
	for _, c := range cands {
		start := time.Now()
		outcome := n.hook.HandleResult(ctx, c.JobID, c.Seal)
		n.logger.Debug("candidate handled", "job_id", c.JobID, "outcome", outcome.String())
		if outcome == importer.Imported {
			n.logger.LogDuration("import", time.Since(start))
		}
	}
}

// Stack is a fully wired node plus the resources it owns
type Stack struct {
	Node   *Node
	Tips   <-chan chain.Tip
	closer []func()
}

// Close releases every resource in reverse order of acquisition
func (s *Stack) Close() {
	for i := len(s.closer) - 1; i >= 0; i-- {
		s.closer[i]()
	}
}

// Assemble builds the node described by cfg: the chain collaborator, the
// optional stores and event stream, and the miner strategies.
func Assemble(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Stack, error) {
	stack := &Stack{}
	fail := func(err error) (*Stack, error) {
		stack.Close()
		return nil, err
	}

	events, err := newEvents(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	stack.closer = append(stack.closer, events.Close)

	deps := Deps{Events: events}
	if events.DB != nil && events.DB.Redis != nil {
		deps.Dedup = events.DB.Redis
	}

	if cfg.DevMode {
		genesis := block.TargetWithLeadingZeros(cfg.GenesisTargetBits)
		mc := chain.NewMemoryChain(genesis, time.Now())
		deps.Chain = mc
		stack.Tips = mc.Subscribe()
		logger.Info("using in-memory chain", "genesis", mc.Genesis().String())
	} else {
		rpc, err := chain.NewRPCChain(cfg.ChainRPCHost, cfg.ChainRPCPort, cfg.ChainRPCUser, cfg.ChainRPCPassword)
		if err != nil {
			return fail(err)
		}
		stack.closer = append(stack.closer, rpc.Close)

		pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
		err = rpc.Ping(pingCtx)
		pingCancel()
		if err != nil {
			return fail(fmt.Errorf("chain daemon unreachable: %w", err))
		}

		notifier, err := chain.NewZMQNotifier(cfg.ChainZMQAddr, logger)
		if err != nil {
			return fail(err)
		}
		stack.closer = append(stack.closer, func() { _ = notifier.Close() })

		tips, err := notifier.Tips(ctx)
		if err != nil {
			return fail(err)
		}
		deps.Chain = rpc
		stack.Tips = tips
	}

	primary, fallback, svc, err := newStrategies(cfg, logger)
	if err != nil {
		return fail(err)
	}
	if svc != nil {
		stack.closer = append(stack.closer, svc.Close)
		go svc.Run(ctx, max(cfg.JobTTL/4, time.Second))
	}
	deps.Primary, deps.Fallback = primary, fallback

	node, err := NewNode(cfg, logger, deps)
	if err != nil {
		return fail(err)
	}
	stack.Node = node
	return stack, nil
}
