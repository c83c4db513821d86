package instrument

import "tapline/internal/source"

// Node is the static metadata of an instrumentable position.
type Node interface {
	Tags() TagSet
	Section() source.Section
	// RootName is the name of the enclosing root ("" for anonymous roots).
	RootName() string
	// RootSection is the section of the enclosing root.
	RootSection() source.Section
}

// Frame is the dynamic activation a probe fires in.
type Frame interface {
	// Depth is the call depth of the activation, 0 for the outermost root.
	Depth() int
	// Thread identifies the executing thread.
	Thread() uint64
}

// Filter decides which nodes and sources a binding observes.
//
// Implementations must be pure: repeated calls with the same arguments
// return the same result.
type Filter interface {
	Matches(n Node) bool
	// MatchesRoot may answer true optimistically; Matches is checked per node.
	MatchesRoot(root Node) bool
	MatchesSource(f *source.File) bool
	IsSourceOnly() bool
	String() string
}

// Probeable is implemented by instrumentable nodes. Execution goes through
// the node's probe so every node type shares one interception protocol.
type Probeable interface {
	Node
	Probe() *Probe
}

// RootBits summarize what is known about the sections below a root.
// The zero value means nothing is known yet.
type RootBits uint8

const (
	// RootSameSource: every node of the root shares the root's source.
	RootSameSource RootBits = 1 << iota
	// RootNoSourceSection: no node of the root has a source section.
	RootNoSourceSection
	// RootHierarchical: every node section lies within the root section.
	RootHierarchical
)

// Root is a Node that begins a callable unit of code.
type Root interface {
	Node
	RootBits() RootBits
}
