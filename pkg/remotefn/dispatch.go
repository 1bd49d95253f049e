package remotefn

// dispatch runs ev and everything derived from it to completion. Derived
// events are handled depth-first: a derived event, its listeners and its own
// derivations finish before the next sibling starts. Must run on the loop.
func (c *Client) dispatch(ev Event) {
	stack := []Event{ev}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		derived := c.reduce(cur)
		c.fanOut(cur)
		c.record(cur)

		for i := len(derived) - 1; i >= 0; i-- {
			stack = append(stack, derived[i])
		}
	}
}

// fanOut delivers ev to execution listeners, then function listeners. A
// function initialization failure is also replayed to the listeners of every
// execution of that function, with the subject narrowed to each execution.
func (c *Client) fanOut(ev Event) {
	if e := ev.Execution(); e != nil {
		for _, l := range e.listeners.matching(ev.Type) {
			l(ev)
		}
	}

	f := ev.Function()
	if f == nil {
		return
	}
	for _, l := range f.listeners.matching(ev.Type) {
		l(ev)
	}

	if ev.Type == EventError && ev.Operation == OpFunctionInitialization {
		for _, e := range f.Executions() {
			replay := ev
			replay.Subject = ExecutionSubject(e)
			for _, l := range e.listeners.matching(ev.Type) {
				l(replay)
			}
		}
	}
}
