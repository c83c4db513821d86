package guest

import (
	"sync/atomic"

	"tapline/internal/instrument"
	"tapline/internal/source"
)

// Kind is the construct a node was parsed from.
type Kind uint8

const (
	KindRoot Kind = iota + 1
	KindBody      // function body created by DEFINE
	KindBlock
	KindStatement
	KindExpression
	KindConstant
	KindVariable
	KindRead
	KindDefine
	KindCall
	KindLoop
	KindPrint
	KindThrow
	KindTry
	KindCatch
	KindSleep
	KindSpawn
	KindJoin
	KindAllocation
	KindInternal
	KindExit
	KindMultiple
)

var keywords = map[string]Kind{
	"ROOT":       KindRoot,
	"BLOCK":      KindBlock,
	"STATEMENT":  KindStatement,
	"EXPRESSION": KindExpression,
	"CONSTANT":   KindConstant,
	"VARIABLE":   KindVariable,
	"READ":       KindRead,
	"DEFINE":     KindDefine,
	"CALL":       KindCall,
	"LOOP":       KindLoop,
	"PRINT":      KindPrint,
	"THROW":      KindThrow,
	"TRY":        KindTry,
	"CATCH":      KindCatch,
	"SLEEP":      KindSleep,
	"SPAWN":      KindSpawn,
	"JOIN":       KindJoin,
	"ALLOCATION": KindAllocation,
	"INTERNAL":   KindInternal,
	"EXIT":       KindExit,
	"MULTIPLE":   KindMultiple,
}

func (k Kind) String() string {
	if k == KindBody {
		return "BODY"
	}
	for name, kk := range keywords {
		if kk == k {
			return name
		}
	}
	return "UNKNOWN"
}

// defaultTags are the tags a construct carries unless MULTIPLE overrides them.
func (k Kind) defaultTags() instrument.TagSet {
	switch k {
	case KindRoot, KindBody:
		return instrument.Tags(instrument.TagRoot, instrument.TagRootBody)
	case KindBlock:
		return instrument.Tags(instrument.TagBlock)
	case KindStatement:
		return instrument.Tags(instrument.TagStatement)
	case KindExpression:
		return instrument.Tags(instrument.TagExpression)
	case KindConstant:
		return instrument.Tags(instrument.TagExpression, instrument.TagConstant)
	case KindDefine:
		return instrument.Tags(instrument.TagDefine)
	case KindCall:
		return instrument.Tags(instrument.TagCall)
	case KindLoop:
		return instrument.Tags(instrument.TagLoop)
	case KindTry:
		return instrument.Tags(instrument.TagTryCatch)
	}
	return 0
}

// wrapper runs a node body under the node's probe. Untagged and internal
// nodes have no probe and run directly.
type wrapper struct {
	probe *instrument.Probe
}

// Probe returns the probe of the node, nil when it is not instrumentable.
func (w *wrapper) Probe() *instrument.Probe { return w.probe }

func (w *wrapper) run(inst *instrument.Instrumenter, root *Root, fr *frame, body func() (any, error)) (any, error) {
	if w.probe == nil || !root.instrumented(inst) {
		return body()
	}
	return w.probe.Execute(inst, fr, body)
}

// Node is one parsed construct.
type Node struct {
	wrapper

	Kind Kind
	// Name is the identifier argument: function, variable, exception kind or stream.
	Name string
	// Value is the literal argument: constant, loop count (-1 for infinity),
	// milliseconds, exit code or allocation size.
	Value any
	// Text is the string argument of PRINT and THROW.
	Text     string
	Children []*Node
	// Catches are the CATCH clauses of a TRY.
	Catches []*Node

	tags    instrument.TagSet
	section source.Section
	root    *Root
}

func (n *Node) Tags() instrument.TagSet     { return n.tags }
func (n *Node) Section() source.Section     { return n.section }
func (n *Node) RootName() string            { return n.root.Name }
func (n *Node) RootSection() source.Section { return n.root.section }
func (n *Node) String() string              { return n.Kind.String() + "@" + n.section.String() }

// Root is a unit of execution: a ROOT construct, a DEFINE'd function or the
// top level of a file.
type Root struct {
	Name     string
	Body     *Node
	section  source.Section
	internal bool

	// epoch<<1 | matched, for the instrumenter epoch last checked
	match atomic.Uint64
}

func (r *Root) Tags() instrument.TagSet     { return instrument.Tags(instrument.TagRoot) }
func (r *Root) Section() source.Section     { return r.section }
func (r *Root) RootName() string            { return r.Name }
func (r *Root) RootSection() source.Section { return r.section }
func (r *Root) Internal() bool              { return r.internal }

// RootBits: one source per root and child sections nest in their parents.
func (r *Root) RootBits() instrument.RootBits {
	return instrument.RootSameSource | instrument.RootHierarchical
}

// instrumented reports whether some binding may match nodes of r, caching
// the answer per instrumenter epoch.
func (r *Root) instrumented(inst *instrument.Instrumenter) bool {
	if inst == nil || r.internal {
		return false
	}
	epoch := inst.Epoch()
	if m := r.match.Load(); m>>1 == epoch {
		return m&1 == 1
	}
	matched := inst.MatchesRoot(r)
	m := epoch << 1
	if matched {
		m |= 1
	}
	r.match.Store(m)
	return matched
}
