// Package engine owns the binding registry and the contexts that execute
// guest code.
//
// A Context moves through the states below. Pause, cancel, exit and interrupt
// are delivered to entered threads as safepoint actions; when several race on
// one thread, cancel wins over exit, exit over interrupt and interrupt over
// pause.
//
//	ACTIVE -> PAUSING -> PAUSED -> ACTIVE
//	ACTIVE|PAUSED -> INTERRUPTING -> ACTIVE|PAUSED
//	ACTIVE|PAUSED|EXITING -> CANCELLING -> CANCELLED
//	ACTIVE|PAUSED -> EXITING -> EXITED
//	* -> CLOSED | CLOSED_CANCELLED | CLOSED_EXITED | CLOSED_INTERRUPTED
package engine
