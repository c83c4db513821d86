// Package safepoint delivers actions to the threads entered in a context.
//
// A thread runs its pending actions only when it polls: at node boundaries,
// on loop back-edges and while blocked in Block. Synchronous actions wait at
// a barrier until every target thread arrived, or the timeout cancels the
// action for threads that never polled.
package safepoint
