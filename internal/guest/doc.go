// Package guest implements the tag-tree language that tapline instruments.
//
// A program is a sequence of constructs. Each construct is an upper-case
// name, optionally followed by a tag list and an argument list:
//
//	ROOT(
//	  DEFINE(foo, STATEMENT(CONSTANT(1))),
//	  LOOP(3, STATEMENT, CALL(foo)),
//	  MULTIPLE[STATEMENT, EXPRESSION](PRINT(OUT, "done")),
//	)
//
// Every construct polls the thread's safepoint on enter and every LOOP polls
// on its back-edge, so pause, cancel, exit and interrupt reach running code.
package guest
