// Package gpuexec runs the per-GPU plan-follower: a single event-loop that
// consumes batch plans produced by the dispatcher, waits until each plan's
// execution time, and hands the batch to the inference engine.
package gpuexec

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nexserve/dispatch/dispatch"
)

// ModelExecutor abstracts the inference engine for one loaded model: given a
// batch, it produces results before the plan's deadline with known forward
// latency. Results flow back to frontends over the engine's own path.
type ModelExecutor interface {
	ModelSessionID() string
	// Forward runs the batch synchronously.
	Forward(plan *dispatch.BatchPlan)
}

// planHeap orders pending plans by execution time.
type planHeap []*dispatch.BatchPlan

func (h planHeap) Len() int           { return len(h) }
func (h planHeap) Less(i, j int) bool { return h[i].ExecTimeNS < h[j].ExecTimeNS }
func (h planHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *planHeap) Push(x any)        { *h = append(*h, x.(*dispatch.BatchPlan)) }
func (h *planHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PlanFollower owns one GPU: a timer armed at the next plan's execution
// time, the set of loaded model executors, and the pending plan queue. One
// follower per GPU, one writer to the GPU's timeline.
type PlanFollower struct {
	gpuID int
	clock dispatch.Clock

	mu     sync.Mutex
	plans  planHeap
	models map[string]ModelExecutor

	// executing ensures at most one concurrent forward; a due plan behind
	// an in-flight forward waits for the completion wake-up.
	executing atomic.Bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	// OnDeadlineMiss observes dropped plans. Optional.
	OnDeadlineMiss func(plan *dispatch.BatchPlan)
}

func NewPlanFollower(gpuID int, clock dispatch.Clock) *PlanFollower {
	return &PlanFollower{
		gpuID:  gpuID,
		clock:  clock,
		models: make(map[string]ModelExecutor),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the event loop, optionally pinned to a CPU core.
func (f *PlanFollower) Start(core int) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if core >= 0 {
			dispatch.PinCurrentThread(core)
		}
		f.loop()
	}()
}

// Stop terminates the event loop and joins it. A forward already handed to
// the engine is not cancelled.
func (f *PlanFollower) Stop() {
	close(f.done)
	f.wg.Wait()
}

// AddModel registers the executor for a model session.
func (f *PlanFollower) AddModel(model ModelExecutor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[model.ModelSessionID()] = model
}

// RemoveModel drops a model session's executor.
func (f *PlanFollower) RemoveModel(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.models, sessionID)
}

// AddPlan inserts a plan in execution-time order and pokes the loop so the
// timer re-arms if the new plan is now the earliest. Never blocks on an
// in-flight execution.
func (f *PlanFollower) AddPlan(plan *dispatch.BatchPlan) {
	f.mu.Lock()
	heap.Push(&f.plans, plan)
	f.mu.Unlock()
	f.poke()
}

// Pending returns the number of plans waiting for their execution time.
func (f *PlanFollower) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plans)
}

func (f *PlanFollower) poke() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// loop arms a timer to the earliest execution time and sleeps until the
// timer fires, a new plan arrives, or the follower stops.
func (f *PlanFollower) loop() {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	for {
		f.mu.Lock()
		havePlan := len(f.plans) > 0
		var nextNS int64
		if havePlan {
			nextNS = f.plans[0].ExecTimeNS
		}
		f.mu.Unlock()

		if armed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		armed = false
		now := f.clock.Now()
		if havePlan && !(f.executing.Load() && nextNS <= now) {
			// A due plan behind an in-flight execution waits for the
			// completion wake-up instead of spinning the timer.
			delay := time.Duration(nextNS - now)
			if delay < 0 {
				delay = 0
			}
			timer.Reset(delay)
			armed = true
		}

		select {
		case <-f.done:
			return
		case <-f.wake:
			// Re-evaluate the earliest plan.
		case <-timer.C:
			armed = false
			f.onTimer()
		}
	}
}

// onTimer pops the earliest due plan and executes it, unless an execution
// is already in flight; then the plan waits for the completion wake-up.
func (f *PlanFollower) onTimer() {
	f.mu.Lock()
	if len(f.plans) == 0 {
		f.mu.Unlock()
		return
	}
	now := f.clock.Now()
	if f.plans[0].ExecTimeNS > now {
		// Armed early; the loop re-arms from the head plan.
		f.mu.Unlock()
		return
	}
	if !f.executing.CompareAndSwap(false, true) {
		// Busy: the completion wake-up re-evaluates the queue.
		f.mu.Unlock()
		return
	}
	plan := heap.Pop(&f.plans).(*dispatch.BatchPlan)
	model := f.models[plan.ModelSessionID]
	f.mu.Unlock()

	if now > plan.DeadlineNS {
		f.executing.Store(false)
		f.observeDeadlineMiss(plan)
		f.poke()
		return
	}
	if model == nil {
		f.executing.Store(false)
		logrus.Errorf("gpu %d: no executor for model session %s, dropping plan %d",
			f.gpuID, plan.ModelSessionID, plan.PlanID)
		f.poke()
		return
	}

	// Execute off the loop so enqueueing never blocks behind the engine.
	go func() {
		model.Forward(plan)
		if f.clock.Now() > plan.DeadlineNS {
			f.observeDeadlineMiss(plan)
		}
		f.executing.Store(false)
		f.poke()
	}()
}

func (f *PlanFollower) observeDeadlineMiss(plan *dispatch.BatchPlan) {
	logrus.Warnf("gpu %d: plan %d missed deadline (deadline=%d now=%d)",
		f.gpuID, plan.PlanID, plan.DeadlineNS, f.clock.Now())
	if f.OnDeadlineMiss != nil {
		f.OnDeadlineMiss(plan)
	}
}
