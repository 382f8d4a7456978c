package state

import (
	"fmt"
	"time"
)

// Dispatch queues the function to run on the dispatch goroutine without
// waiting for it to complete.
func (e *Env) Dispatch(fun func(*State) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

// DispatchWait queues the function on the dispatch goroutine and waits for
// its result. The error belongs to the caller and travels only through the
// reply channel: a rejected management call must not take the loop down.
func (e *Env) DispatchWait(fun func(*State) (any, error)) (any, error) {
	ret := make(chan Pair[any, error], 1)
	e.Dispatch(func(s *State) error {
		res, err := fun(s)
		ret <- Pair[any, error]{res, err}
		return nil
	})
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-e.Context.Done():
		return nil, e.Context.Err()
	}
}

// ScheduleTask runs the function on the dispatch goroutine after a delay.
func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if e.Context.Err() == nil {
			e.Dispatch(fun)
		}
	})
}

func (e *Env) repeatedTask(fun func(*State) error, delay time.Duration) {
	t := time.NewTicker(delay)
	defer t.Stop()
	for {
		e.Dispatch(fun)
		select {
		case <-t.C:
		case <-e.Context.Done():
			return
		}
	}
}

// RepeatTask runs the function on the dispatch goroutine immediately and
// then on every tick until shutdown.
func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay)
}

type Pair[Ty1, Ty2 any] struct {
	V1 Ty1
	V2 Ty2
}
