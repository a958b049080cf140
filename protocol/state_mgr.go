package protocol

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-pingpong/logger"
)

// PhaseChangeHandler is a function type that represents a handler for phase changes.
//
// Note: the handler will be invoked in a blocking mode while the state lock is held. It must not
// call back into the StateMgr.
type PhaseChangeHandler func(prev Phase, next Phase)

// StateMgr holds the phase of a peer.
//
// Transitions are serialized by a mutex; Phase is a lock-free read, so the status reporter and
// the pacing loop can poll it from any goroutine.
type StateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	phase    atomic.Uint32
	logger   logger.Logger
	handlers []PhaseChangeHandler
}

// NewStateMgr creates a StateMgr in the Idle phase.
func NewStateMgr(l logger.Logger, handlers ...PhaseChangeHandler) *StateMgr {
	if l == nil {
		l = logger.GetLogger()
	}
	sm := &StateMgr{
		logger:   l,
		handlers: make([]PhaseChangeHandler, 0, len(handlers)),
	}
	sm.cond = sync.NewCond(&sm.mu)
	sm.phase.Store(uint32(Idle))
	sm.AddHandler(handlers...)

	return sm
}

// Phase returns the current phase.
func (sm *StateMgr) Phase() Phase {
	return Phase(sm.phase.Load())
}

// AddHandler adds one or more PhaseChangeHandler functions to be invoked on phase changes.
func (sm *StateMgr) AddHandler(handlers ...PhaseChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			sm.handlers = append(sm.handlers, h)
		}
	}
}

// Apply feeds ev to Next and stores the resulting phase.
//
// It returns ErrInvalidTransition when the event neither changes the phase nor asks for a reply.
func (sm *StateMgr) Apply(ev Event, self string) (prev Phase, next Phase, act Action, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	prev = sm.Phase()
	next, act = Next(prev, ev, self)
	if next == prev {
		if act == NoAction {
			return prev, next, act, ErrInvalidTransition
		}

		return prev, next, act, nil
	}

	sm.logger.Debug("phase change", "event", ev.Kind, "from", ev.From, "prev", prev, "next", next)
	sm.setPhase(next)
	sm.invokeHandlers(prev, next)

	return prev, next, act, nil
}

// WaitPhase waits until pred holds for the current phase or until the context is done.
// It returns nil if pred is satisfied, or the context error otherwise.
func (sm *StateMgr) WaitPhase(ctx context.Context, pred func(Phase) bool) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if pred(sm.Phase()) {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		sm.cond.Broadcast()
	})
	defer stopFunc()

	for !pred(sm.Phase()) {
		if err := ctx.Err(); err != nil {
			return err
		}
		sm.cond.Wait()
	}

	return nil
}

// setPhase stores the phase and wakes every waiter.
func (sm *StateMgr) setPhase(p Phase) {
	sm.phase.Store(uint32(p))
	sm.cond.Broadcast()
}

func (sm *StateMgr) invokeHandlers(prev Phase, next Phase) {
	for _, h := range sm.handlers {
		h(prev, next)
	}
}
