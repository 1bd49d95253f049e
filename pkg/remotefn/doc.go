// Package remotefn drives asynchronous executions of remote functions.
//
// A Client owns a single event loop. Every HTTP response, timer expiry and
// public mutation is funnelled through it, so entity state is only advanced
// by the dispatcher and listeners always observe fully applied state.
//
// # Lifecycle
//
// An Execution moves through
//
//	created → initialized → inputs uploaded → started → polled … → ended
//	        → outputs downloaded → result ready → terminated
//
// Each arrow is driven by an event. Network responses become primary events
// (execution_initialized, input_uploaded, ...); the dispatcher derives the
// composite ones (ready_to_start, execution_ended, result_ready) from the
// primary event and the execution's work queues.
//
// # Errors
//
// Failures are never returned from the asynchronous operations. They are
// delivered as error events carrying an *Error, and the failing execution is
// dropped from its function's bookkeeping. Wait reports the same error.
package remotefn
