// Package worker runs task executions against the tick bus: one runner
// per execution, coordinated through the lock manager, checkpointing
// metrics and strategy state as it goes.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantarc/tradeengine/broker"
	"github.com/quantarc/tradeengine/config"
	"github.com/quantarc/tradeengine/coordination"
	"github.com/quantarc/tradeengine/lifecycle"
	"github.com/quantarc/tradeengine/observability"
	"github.com/quantarc/tradeengine/perf"
	"github.com/quantarc/tradeengine/store"
	"github.com/quantarc/tradeengine/strategy"
	"github.com/quantarc/tradeengine/tickbus"
)

// tickReceiveTimeout bounds one blocking receive so control signals are
// observed even on a silent channel.
const tickReceiveTimeout = 1 * time.Second

// heartbeatFailureLimit is how many consecutive heartbeat failures a
// worker tolerates before abandoning the execution.
const heartbeatFailureLimit = 3

// Runner executes queued executions. Safe for concurrent use; each Run
// call is independent.
type Runner struct {
	cfg      *config.Config
	store    store.Store
	locks    *coordination.Manager
	bus      tickbus.Bus
	replay   tickbus.ReplayRequester
	registry *strategy.Registry
	gateway  broker.OrderGateway
	workerID string
}

func NewRunner(cfg *config.Config, s store.Store, locks *coordination.Manager, bus tickbus.Bus, replay tickbus.ReplayRequester, registry *strategy.Registry, gateway broker.OrderGateway, workerID string) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    s,
		locks:    locks,
		bus:      bus,
		replay:   replay,
		registry: registry,
		gateway:  gateway,
		workerID: workerID,
	}
}

// outcome is the terminal verdict of one run.
type outcome struct {
	execStatus    string
	taskStatus    string
	controlStatus string
	message       string
	stopMode      string
	completed     bool
	finalProgress int // completed runs only; 0 means nothing to record
}

// Run drives one execution to a terminal status. Every exit path
// finalizes the execution, the task, and the lock.
func (r *Runner) Run(ctx context.Context, taskType store.TaskType, taskID, executionID int64) {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil || exec == nil || exec.Terminal() {
		log.Printf("Worker %s: execution %d not runnable (%v)", r.workerID, executionID, err)
		return
	}
	task, err := r.store.GetTask(ctx, taskType, taskID)
	if err != nil || task == nil {
		r.failWithoutLock(ctx, executionID, fmt.Sprintf("task %d not found", taskID))
		return
	}

	taskName := coordination.TaskName(taskType)
	instanceKey := coordination.InstanceKey(taskID)
	workerTaskID := uuid.NewString()
	meta := map[string]string{"execution_id": fmt.Sprintf("%d", executionID)}

	if _, err := r.locks.Acquire(ctx, taskName, instanceKey, r.workerID, workerTaskID, meta); err != nil {
		if err == coordination.ErrAlreadyRunning {
			// Duplicate delivery: the live holder owns this execution.
			log.Printf("Worker %s: lock for %s/%s already held, dropping duplicate", r.workerID, taskName, instanceKey)
			return
		}
		r.failWithoutLock(ctx, executionID, fmt.Sprintf("lock acquisition failed: %v", err))
		return
	}

	s := &session{
		r:           r,
		task:        task,
		exec:        exec,
		taskName:    taskName,
		instanceKey: instanceKey,
	}
	s.run(ctx)
}

// failWithoutLock finalizes an execution this worker never got to own.
func (r *Runner) failWithoutLock(ctx context.Context, executionID int64, message string) {
	log.Printf("Worker %s: execution %d failed before start: %s", r.workerID, executionID, message)
	if err := r.store.FinalizeExecution(ctx, executionID, store.ExecFailed, message, ""); err != nil && err != store.ErrConflict {
		log.Printf("Worker %s: finalize failed: %v", r.workerID, err)
	}
}

// session is the state of one running execution.
type session struct {
	r           *Runner
	task        *store.Task
	exec        *store.Execution
	taskName    string
	instanceKey string

	strat strategy.Strategy
	state strategy.State
	sub   tickbus.Subscription

	initialBalance decimal.Decimal
	balance        decimal.Decimal
	trades         []perf.Trade
	processed      int
	paused         bool

	estimator *TimestampEstimator
	tracker   *ProgressTracker
}

func (s *session) run(ctx context.Context) {
	observability.ExecutionsStarted.WithLabelValues(string(s.task.Type)).Inc()
	observability.ActiveExecutions.Inc()
	defer observability.ActiveExecutions.Dec()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeatLoop(runCtx, cancel)

	out := s.prepare(runCtx)
	if out == nil {
		out = s.tickLoop(runCtx)
	}
	if s.sub != nil {
		s.sub.Close()
	}
	// Shutdown writes must land even when the run context is gone.
	s.finish(context.WithoutCancel(ctx), out)
}

// prepare builds the strategy and the tick subscription. A non-nil return
// is an early terminal outcome.
func (s *session) prepare(ctx context.Context) *outcome {
	r := s.r

	cfg, err := r.store.GetStrategyConfig(ctx, s.task.ConfigID)
	if err != nil || cfg == nil {
		return &outcome{execStatus: store.ExecFailed, taskStatus: store.TaskFailed,
			controlStatus: store.ControlFailed, message: fmt.Sprintf("strategy config %d not found", s.task.ConfigID)}
	}
	s.strat, err = r.registry.Create(cfg.StrategyType, cfg.Parameters)
	if err != nil {
		return &outcome{execStatus: store.ExecFailed, taskStatus: store.TaskFailed,
			controlStatus: store.ControlFailed, message: fmt.Sprintf("strategy build failed: %v", err)}
	}

	switch s.task.Type {
	case store.TaskTypeTrading:
		account, err := r.store.GetAccount(ctx, s.task.AccountID)
		if err != nil || account == nil {
			return &outcome{execStatus: store.ExecFailed, taskStatus: store.TaskFailed,
				controlStatus: store.ControlFailed, message: fmt.Sprintf("account %d not found", s.task.AccountID)}
		}
		s.initialBalance = account.Balance
	case store.TaskTypeBacktest:
		s.initialBalance = s.task.InitialBalance
		s.estimator = NewTimestampEstimator(s.task.StartTime, s.task.EndTime)
	}
	s.balance = s.initialBalance
	s.tracker = NewProgressTracker(r.store, s.exec.ID)

	var prior strategy.State
	if s.task.Type == store.TaskTypeTrading && s.task.HasState() {
		prior = strategy.State(s.task.StrategyState)
		s.log(ctx, "info", "Resuming from saved strategy state")
	}
	var events []strategy.Event
	s.state, events = s.strat.OnStart(prior)
	s.persistEvents(ctx, events, nil)

	// Subscribe before asking for data so the eof record cannot be missed.
	switch s.task.Type {
	case store.TaskTypeTrading:
		s.sub, err = r.bus.Subscribe(ctx, r.cfg.TickChannel)
		if err != nil {
			return &outcome{execStatus: store.ExecFailed, taskStatus: store.TaskFailed,
				controlStatus: store.ControlFailed, message: fmt.Sprintf("tick subscribe failed: %v", err)}
		}
	case store.TaskTypeBacktest:
		requestID := uuid.NewString()
		channel := r.cfg.BacktestTickChannelPrefix + requestID
		s.sub, err = r.bus.Subscribe(ctx, channel)
		if err != nil {
			return &outcome{execStatus: store.ExecFailed, taskStatus: store.TaskFailed,
				controlStatus: store.ControlFailed, message: fmt.Sprintf("tick subscribe failed: %v", err)}
		}
		req := tickbus.ReplayRequest{
			Instrument: s.task.Instrument,
			Start:      s.task.StartTime,
			End:        s.task.EndTime,
			RequestID:  requestID,
			Source:     s.task.DataSource,
		}
		if err := r.replay.RequestReplay(ctx, req); err != nil {
			return &outcome{execStatus: store.ExecFailed, taskStatus: store.TaskFailed,
				controlStatus: store.ControlFailed, message: fmt.Sprintf("replay request failed: %v", err)}
		}
	}

	if _, err := r.store.AppendEquityPoint(ctx, s.exec.ID, nil, s.initialBalance); err != nil {
		log.Printf("Worker %s: starting equity point failed: %v", r.workerID, err)
	}
	s.log(ctx, "info", "Execution started")
	log.Printf("Worker %s: started %s task %d execution %d", r.workerID, s.task.Type, s.task.ID, s.exec.ID)
	return nil
}

func (s *session) tickLoop(ctx context.Context) *outcome {
	r := s.r
	signals := NewSignals(r.store, r.locks, s.task.Type, s.task.ID, r.cfg.StatusPollInterval)
	checkpointEvery := r.cfg.TradingProgressIntervalTicks
	if s.task.Type == store.TaskTypeBacktest {
		checkpointEvery = r.cfg.BacktestProgressIntervalTicks
	}

	for {
		iterStart := time.Now()
		select {
		case <-ctx.Done():
			return &outcome{execStatus: store.ExecStopped, taskStatus: store.TaskStopped,
				controlStatus: store.ControlStopped, stopMode: lifecycle.StopGraceful, message: "engine shutting down"}
		default:
		}

		d := signals.Poll(ctx)
		if d.Stop {
			return &outcome{execStatus: store.ExecStopped, taskStatus: store.TaskStopped,
				controlStatus: store.ControlStopped, stopMode: d.StopMode}
		}
		if d.Paused != s.paused {
			s.applyPause(ctx, d.Paused)
		}

		payload, err := s.sub.Receive(ctx, tickReceiveTimeout)
		if err == tickbus.ErrTimeout {
			continue
		}
		if err != nil {
			return &outcome{execStatus: store.ExecFailed, taskStatus: store.TaskFailed,
				controlStatus: store.ControlFailed, message: fmt.Sprintf("tick stream lost: %v", err)}
		}

		msg, err := tickbus.Decode(payload)
		if err != nil {
			// Foreign payloads on a shared channel are dropped quietly.
			continue
		}

		switch msg.Kind {
		case tickbus.KindEOF:
			if msg.Count > 0 && msg.Count != s.processed {
				s.log(ctx, "warn", fmt.Sprintf("Producer sent %d ticks, processed %d", msg.Count, s.processed))
			}
			if s.task.Type == store.TaskTypeTrading {
				// The live feed has no natural end; an eof here means the
				// producer went away.
				return &outcome{execStatus: store.ExecStopped, taskStatus: store.TaskStopped,
					controlStatus: store.ControlStopped, stopMode: lifecycle.StopGraceful, message: "live tick feed ended"}
			}
			// With a producer count the final progress is exact; dropped
			// ticks leave it short of 100 instead of being masked.
			finalProgress := 100
			if msg.Count > 0 {
				finalProgress = NewCountEstimator(msg.Count).Estimate(s.processed)
			}
			return &outcome{execStatus: store.ExecCompleted, taskStatus: store.TaskCompleted,
				controlStatus: store.ControlCompleted, completed: true, finalProgress: finalProgress}
		case tickbus.KindStopped:
			return &outcome{execStatus: store.ExecStopped, taskStatus: store.TaskStopped,
				controlStatus: store.ControlStopped, stopMode: lifecycle.StopGraceful, message: msg.Message}
		case tickbus.KindError:
			return &outcome{execStatus: store.ExecFailed, taskStatus: store.TaskFailed,
				controlStatus: store.ControlFailed, message: msg.Message}
		}

		tick := msg.Tick
		if s.task.Type == store.TaskTypeBacktest && tick.Instrument != s.task.Instrument {
			continue
		}
		if s.paused {
			continue
		}

		s.processed++
		observability.TicksProcessed.WithLabelValues(string(s.task.Type)).Inc()
		if pg, ok := s.r.gateway.(*broker.PaperGateway); ok {
			pg.MarkPrice(tick.Instrument, tick.Mid())
		}

		var events []strategy.Event
		s.state, events = s.strat.OnTick(tick, s.state)
		s.persistEvents(ctx, events, tick)

		if s.processed%checkpointEvery == 0 {
			s.checkpoint(ctx, tick)
		}
		observability.TickLoopDuration.Observe(time.Since(iterStart).Seconds())
	}
}

func (s *session) applyPause(ctx context.Context, paused bool) {
	s.paused = paused
	var events []strategy.Event
	if paused {
		s.state, events = s.strat.OnPause(s.state)
		s.saveState(ctx)
		s.log(ctx, "info", "Execution paused")
	} else {
		s.state, events = s.strat.OnResume(s.state)
		s.log(ctx, "info", "Execution resumed")
	}
	s.persistEvents(ctx, events, nil)
}

// persistEvents enriches and stores strategy events, peeling completed
// trades and equity points out of close events.
func (s *session) persistEvents(ctx context.Context, events []strategy.Event, tick *tickbus.Tick) {
	r := s.r
	for _, ev := range events {
		details := ev.Details
		if details == nil {
			details = map[string]interface{}{}
		}
		// Enrichment fills gaps, never overwrites what the strategy said.
		ts := ev.Timestamp
		if tick != nil {
			if ts.IsZero() {
				ts = tick.Timestamp
			}
			if _, ok := details["tick_timestamp"]; !ok {
				details["tick_timestamp"] = tick.Timestamp.UTC().Format(time.RFC3339)
			}
			if !hasPriceField(details) {
				details["current_price"] = tick.Mid()
			}
			if ev.Type == "close" {
				if _, ok := details["exit_price"]; !ok {
					details["exit_price"] = tick.Mid()
				}
				if _, ok := details["exit_time"]; !ok {
					details["exit_time"] = tick.Timestamp.UTC().Format(time.RFC3339)
				}
			}
		}
		if ts.IsZero() {
			ts = time.Now()
		}

		raw, err := json.Marshal(details)
		if err != nil {
			log.Printf("Worker %s: event details marshal failed: %v", r.workerID, err)
			continue
		}
		if _, err := r.store.AppendStrategyEvent(ctx, s.exec.ID, ev.Type, ts, raw); err != nil {
			log.Printf("Worker %s: event append failed: %v", r.workerID, err)
			continue
		}
		observability.StrategyEventsEmitted.WithLabelValues(ev.Type).Inc()

		// A close with a realized pnl is a completed trade.
		if ev.Type != "close" {
			continue
		}
		tr, ok := perf.TradeFromPayload(raw)
		if !ok {
			continue
		}
		if _, err := r.store.AppendTrade(ctx, s.exec.ID, raw); err != nil {
			log.Printf("Worker %s: trade append failed: %v", r.workerID, err)
			continue
		}
		s.trades = append(s.trades, tr)
		s.balance = s.balance.Add(tr.PnL)
		var pointTime *time.Time
		if tick != nil {
			t := tick.Timestamp
			pointTime = &t
		} else if tr.ExitTime != nil {
			pointTime = tr.ExitTime
		}
		if _, err := r.store.AppendEquityPoint(ctx, s.exec.ID, pointTime, s.balance); err != nil {
			log.Printf("Worker %s: equity append failed: %v", r.workerID, err)
		}
	}
}

// hasPriceField reports whether the strategy already put a price into
// the event details.
func hasPriceField(details map[string]interface{}) bool {
	for _, key := range []string{"price", "current_price", "entry_price", "exit_price"} {
		if _, ok := details[key]; ok {
			return true
		}
	}
	return false
}

// checkpoint persists metrics, strategy state, progress, and the lock
// record's worker-visible meta mid-run.
func (s *session) checkpoint(ctx context.Context, tick *tickbus.Tick) {
	s.writeMetrics(ctx, false)
	if s.task.Type == store.TaskTypeTrading {
		s.saveState(ctx)
	}
	if s.task.Type == store.TaskTypeBacktest && s.estimator != nil && tick != nil {
		s.tracker.Update(ctx, s.estimator.Estimate(tick.Timestamp))
	}

	meta := map[string]string{"processed": strconv.Itoa(s.processed)}
	if tick != nil {
		meta["last_tick_at"] = tick.Timestamp.UTC().Format(time.RFC3339)
	}
	if err := s.r.locks.UpdateMeta(ctx, s.taskName, s.instanceKey, meta); err != nil {
		log.Printf("Worker %s: lock meta update failed: %v", s.r.workerID, err)
	}
}

func (s *session) writeMetrics(ctx context.Context, final bool) {
	m := perf.Compute(s.trades, s.initialBalance)
	payload, err := json.Marshal(m)
	if err != nil {
		log.Printf("Worker %s: metrics marshal failed: %v", s.r.workerID, err)
		return
	}
	if err := s.r.store.WriteMetricsCheckpoint(ctx, s.exec.ID, payload, final); err != nil {
		observability.CheckpointWriteFailures.WithLabelValues("metrics").Inc()
		log.Printf("Worker %s: metrics checkpoint failed: %v", s.r.workerID, err)
	}
}

func (s *session) saveState(ctx context.Context) {
	if err := s.r.store.SetTaskState(ctx, s.task.Type, s.task.ID, json.RawMessage(s.state)); err != nil {
		observability.CheckpointWriteFailures.WithLabelValues("state").Inc()
		log.Printf("Worker %s: state save failed: %v", s.r.workerID, err)
	}
}

func (s *session) finish(ctx context.Context, out *outcome) {
	r := s.r

	var events []strategy.Event
	s.state, events = s.strat.OnStop(s.state)
	s.persistEvents(ctx, events, nil)

	if s.task.Type == store.TaskTypeTrading {
		if out.stopMode == lifecycle.StopGracefulClose {
			s.closePositions(ctx)
			if err := r.store.SetTaskState(ctx, s.task.Type, s.task.ID, nil); err != nil {
				log.Printf("Worker %s: state clear failed: %v", r.workerID, err)
			}
		} else {
			s.saveState(ctx)
		}
	}

	s.writeMetrics(ctx, out.execStatus != store.ExecFailed)
	if out.completed && out.finalProgress > 0 {
		if err := r.store.SetExecutionProgress(ctx, s.exec.ID, out.finalProgress); err != nil {
			observability.CheckpointWriteFailures.WithLabelValues("progress").Inc()
		}
	}

	errMsg := ""
	if out.execStatus == store.ExecFailed {
		errMsg = out.message
	}
	if err := r.store.FinalizeExecution(ctx, s.exec.ID, out.execStatus, errMsg, ""); err != nil && err != store.ErrConflict {
		log.Printf("Worker %s: finalize execution %d failed: %v", r.workerID, s.exec.ID, err)
	}
	finishNote := fmt.Sprintf("Execution finished (%s)", out.execStatus)
	if out.message != "" {
		finishNote = fmt.Sprintf("Execution finished (%s): %s", out.execStatus, out.message)
	}
	s.log(ctx, levelFor(out.execStatus), finishNote)

	if err := r.store.UpdateTaskStatus(ctx, s.task.Type, s.task.ID, out.taskStatus); err != nil {
		log.Printf("Worker %s: task status update failed: %v", r.workerID, err)
	}
	if err := r.locks.Release(ctx, s.taskName, s.instanceKey, r.workerID, out.controlStatus, out.message); err != nil {
		log.Printf("Worker %s: lock release failed: %v", r.workerID, err)
	}

	observability.ExecutionsFinished.WithLabelValues(string(s.task.Type), out.execStatus).Inc()
	log.Printf("Worker %s: finished %s task %d execution %d as %s (%d ticks, %d trades)",
		r.workerID, s.task.Type, s.task.ID, s.exec.ID, out.execStatus, s.processed, len(s.trades))
}

func (s *session) closePositions(ctx context.Context) {
	if s.r.gateway == nil {
		s.log(ctx, "warn", "No order gateway configured, positions left open")
		return
	}
	results, err := s.r.gateway.CloseAll(ctx, fmt.Sprintf("%d", s.task.AccountID))
	if err != nil {
		s.log(ctx, "error", fmt.Sprintf("Position close failed: %v", err))
		return
	}
	for _, res := range results {
		payload, _ := json.Marshal(map[string]interface{}{
			"side":       res.Side,
			"instrument": res.Instrument,
			"units":      res.Units,
			"exit_price": res.ClosePrice,
			"pnl":        res.PnL,
			"exit_time":  res.ClosedAt.UTC().Format(time.RFC3339),
			"reason":     "graceful_close",
		})
		if _, err := s.r.store.AppendTrade(ctx, s.exec.ID, payload); err != nil {
			log.Printf("Worker %s: close trade append failed: %v", s.r.workerID, err)
			continue
		}
		s.balance = s.balance.Add(res.PnL)
		now := res.ClosedAt
		s.r.store.AppendEquityPoint(ctx, s.exec.ID, &now, s.balance)
		if tr, ok := perf.TradeFromPayload(payload); ok {
			s.trades = append(s.trades, tr)
		}
	}
	s.log(ctx, "info", fmt.Sprintf("Closed %d open positions", len(results)))
}

func (s *session) heartbeatLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.r.locks.Heartbeat(ctx, s.taskName, s.instanceKey, s.r.workerID); err != nil {
				failures++
				observability.CheckpointWriteFailures.WithLabelValues("heartbeat").Inc()
				log.Printf("Worker %s: heartbeat failed (%d/%d): %v", s.r.workerID, failures, heartbeatFailureLimit, err)
				if failures >= heartbeatFailureLimit {
					// Without a heartbeat this worker cannot prove it is
					// alive; stop before someone takes the lock over.
					log.Printf("Worker %s: abandoning execution %d after repeated heartbeat failures", s.r.workerID, s.exec.ID)
					cancel()
					return
				}
			} else {
				failures = 0
			}
		}
	}
}

func (s *session) log(ctx context.Context, level, message string) {
	if err := s.r.store.AppendExecutionLog(ctx, s.exec.ID, level, message); err != nil {
		log.Printf("Worker %s: execution log append failed: %v", s.r.workerID, err)
	}
}

func levelFor(execStatus string) string {
	if execStatus == store.ExecFailed {
		return "error"
	}
	return "info"
}
