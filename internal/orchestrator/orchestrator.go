package orchestrator

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/cardwatch/cardwatch/internal/config"
	"github.com/cardwatch/cardwatch/internal/dispatcher"
	"github.com/cardwatch/cardwatch/internal/evaluator"
	"go.uber.org/zap"
)

// ErrQueueFull tells the ingestion handler to answer 429; the caller is
// expected to back off and resend.
var ErrQueueFull = errors.New("evaluation queue is full")

const storeRetryAttempts = 3

// Orchestrator sits between ingestion and the evaluator/dispatcher pair.
// Evaluation work queues per user and drains round-robin so one user's
// flood cannot starve everyone else; dispatch work is a plain bounded
// queue. Both have their own worker pools.
type Orchestrator struct {
	eval *evaluator.Evaluator
	disp *dispatcher.Dispatcher
	cfg  config.EvalConfig
	dcfg config.DispatchConfig
	log  *zap.Logger

	// Notify, when set, is called once per newly created notification
	// after its evaluation completes (the websocket hub hangs off this).
	Notify func(userID, notificationID string)

	mu         sync.Mutex
	userQueues map[string][]string
	userOrder  []string
	pending    int
	closed     bool

	evalSignal    chan struct{}
	dispatchQueue chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(eval *evaluator.Evaluator, disp *dispatcher.Dispatcher, cfg config.EvalConfig, dcfg config.DispatchConfig, log *zap.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() * 4
	}
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 1024
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if dcfg.Workers <= 0 {
		dcfg.Workers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		eval:          eval,
		disp:          disp,
		cfg:           cfg,
		dcfg:          dcfg,
		log:           log,
		userQueues:    make(map[string][]string),
		evalSignal:    make(chan struct{}, cfg.QueueMax),
		dispatchQueue: make(chan string, cfg.QueueMax),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the worker pools.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.evalWorker()
	}
	for i := 0; i < o.dcfg.Workers; i++ {
		o.wg.Add(1)
		go o.dispatchWorker()
	}

	o.log.Info("orchestrator started",
		zap.Int("eval_workers", o.cfg.Workers),
		zap.Int("dispatch_workers", o.dcfg.Workers),
		zap.Int("queue_max", o.cfg.QueueMax))
}

// EnqueueEvaluation schedules evaluation of a stored transaction. It only
// accepts work for committed rows; the handler persists first, then calls
// here.
func (o *Orchestrator) EnqueueEvaluation(userID, transactionID string) error {
	o.mu.Lock()

	if o.closed {
		o.mu.Unlock()
		return ErrQueueFull
	}
	if o.pending >= o.cfg.QueueMax {
		o.mu.Unlock()
		return ErrQueueFull
	}

	if _, ok := o.userQueues[userID]; !ok {
		o.userOrder = append(o.userOrder, userID)
	}
	o.userQueues[userID] = append(o.userQueues[userID], transactionID)
	o.pending++

	o.mu.Unlock()

	select {
	case o.evalSignal <- struct{}{}:
	default:
	}

	return nil
}

// nextTask pops the next transaction round-robin across users with pending
// work.
func (o *Orchestrator) nextTask() (string, string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.userOrder) > 0 {
		userID := o.userOrder[0]
		queue := o.userQueues[userID]

		if len(queue) == 0 {
			o.userOrder = o.userOrder[1:]
			delete(o.userQueues, userID)
			continue
		}

		txnID := queue[0]
		o.userQueues[userID] = queue[1:]
		o.pending--

		// Rotate the user to the back of the ring.
		o.userOrder = append(o.userOrder[1:], userID)
		if len(o.userQueues[userID]) == 0 {
			delete(o.userQueues, userID)
			o.userOrder = o.userOrder[:len(o.userOrder)-1]
		}

		return userID, txnID, true
	}

	return "", "", false
}

func (o *Orchestrator) evalWorker() {
	defer o.wg.Done()

	for {
		userID, txnID, ok := o.nextTask()
		if !ok {
			select {
			case <-o.ctx.Done():
				return
			case <-o.evalSignal:
				continue
			}
		}

		o.runEvaluation(userID, txnID)
	}
}

// runEvaluation executes one evaluation with bounded retries for
// store-level failures. Per-rule errors are already contained inside the
// evaluator; anything surfacing here means the data store itself misbehaved.
func (o *Orchestrator) runEvaluation(userID, txnID string) {
	var created []string
	var err error

	for attempt := 0; attempt < storeRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-o.ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		created, err = o.eval.Evaluate(o.ctx, txnID)
		if err == nil {
			break
		}

		o.log.Error("evaluation failed",
			zap.String("transaction", txnID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	if err != nil {
		return
	}

	for _, id := range created {
		if o.Notify != nil {
			o.Notify(userID, id)
		}

		select {
		case o.dispatchQueue <- id:
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) dispatchWorker() {
	defer o.wg.Done()

	for {
		select {
		case <-o.ctx.Done():
			return
		case id := <-o.dispatchQueue:
			if err := o.disp.Dispatch(o.ctx, id); err != nil {
				o.log.Error("dispatch failed", zap.String("notification", id), zap.Error(err))
			}
		}
	}
}

// QueueDepth reports pending evaluation work, for health reporting.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// Shutdown stops intake, drains up to the configured timeout, then cancels
// in-flight work cooperatively.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.log.Info("orchestrator draining", zap.Duration("timeout", o.cfg.DrainTimeout))

	deadline := time.Now().Add(o.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		if o.QueueDepth() == 0 && len(o.dispatchQueue) == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	o.cancel()
	o.wg.Wait()
	o.log.Info("orchestrator stopped")
}

// Global orchestrator instance, initialised at startup.
var global *Orchestrator

func Initialize(o *Orchestrator) {
	global = o
	global.Start()
}

func Enqueue(userID, transactionID string) error {
	if global == nil {
		return errors.New("orchestrator not initialised")
	}
	return global.EnqueueEvaluation(userID, transactionID)
}

func Depth() int {
	if global == nil {
		return 0
	}
	return global.QueueDepth()
}

func Shutdown() {
	if global != nil {
		global.Shutdown()
	}
}
