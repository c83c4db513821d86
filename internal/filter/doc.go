// Package filter selects the nodes and sources an instrumentation binding observes.
//
// Builder calls are conjunctions; multiple arguments to one call are
// disjunctions:
//
//	f, err := filter.NewBuilder().
//		TagIs(instrument.TagStatement).
//		LineIn(1, 10).
//		Build()
//
// Invalid criteria fail in Build, never while matching.
package filter
