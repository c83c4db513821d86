// Package luainst attaches Lua scripts as execution listeners.
//
// A script may define any of the global callbacks
//
//	on_enter(ev)
//	on_return(ev, value)
//	on_error(ev, message)
//
// where ev is a table with the fields source, line, column, root, tags,
// depth and thread. A global table named filter selects the observed nodes:
//
//	filter = { tags = {"STATEMENT"}, sources = {"*.tl"}, lines = {1, 20} }
//
// Without it the script observes statements. Callbacks may request an
// unwind of the current node with tapline.reenter() or tapline.force(value),
// and write to the script output with tapline.log(...).
//
// gopher-lua states are not goroutine-safe; callbacks from different guest
// threads are serialized on the script.
package luainst
