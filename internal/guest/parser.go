package guest

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"fortio.org/safecast"

	"tapline/internal/instrument"
	"tapline/internal/source"
)

// Program is a parsed source file.
type Program struct {
	File *source.File
	// Top is the implicit root holding the top-level constructs.
	Top *Root
	// Roots lists Top, every ROOT and every DEFINE'd function in source order.
	Roots []*Root

	lang *Language
}

// Parse parses f into a program.
func Parse(f *source.File) (*Program, error) {
	p := &parser{lx: NewLexer(f), file: f}
	if err := p.advance(); err != nil {
		return nil, err
	}
	whole := f.Section(0, len(f.Content))
	top := &Root{section: whole, internal: f.Internal()}
	prog := &Program{File: f, Top: top, Roots: []*Root{top}}
	p.prog = prog

	body := &Node{Kind: KindBlock, section: whole, root: top}
	for p.tok.Kind != TokEOF {
		n, err := p.parseNode(top, top.internal)
		if err != nil {
			return nil, err
		}
		body.Children = append(body.Children, n)
		if p.tok.Kind == TokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	top.Body = body
	return prog, nil
}

type parser struct {
	lx   *Lexer
	file *source.File
	tok  Token
	prog *Program
}

func (p *parser) advance() error {
	tok, err := p.lx.Next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) errorf(tok Token, format string, args ...any) *SyntaxError {
	return &SyntaxError{File: p.file, Pos: p.file.Position(tok.Start), Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	tok := p.tok
	if tok.Kind != kind {
		return tok, p.errorf(tok, "expected %s, found %s", kind, describe(tok))
	}
	return tok, p.advance()
}

func describe(tok Token) string {
	if tok.Text != "" && tok.Kind != TokString {
		return fmt.Sprintf("%s %q", tok.Kind, tok.Text)
	}
	return tok.Kind.String()
}

// arg is one parsed argument: a nested construct or a literal token.
type arg struct {
	node *Node
	tok  Token
}

func (p *parser) parseNode(root *Root, internal bool) (*Node, error) {
	nameTok, err := p.expect(TokIdent)
	if err != nil {
		return nil, err
	}
	kind, ok := keywords[nameTok.Text]
	if !ok {
		return nil, p.errorf(nameTok, "unknown construct %q", nameTok.Text)
	}
	n := &Node{Kind: kind, root: root, tags: kind.defaultTags()}
	end := nameTok.End

	if p.tok.Kind == TokLBracket {
		if kind != KindMultiple {
			return nil, p.errorf(p.tok, "only MULTIPLE accepts a tag list")
		}
		tags, closeTok, err := p.parseTags()
		if err != nil {
			return nil, err
		}
		n.tags = tags
		end = closeTok.End
	}

	// ROOT и DEFINE открывают новый root для вложенных узлов
	childRoot := root
	switch kind {
	case KindRoot:
		childRoot = &Root{internal: internal}
		p.prog.Roots = append(p.prog.Roots, childRoot)
	case KindInternal:
		internal = true
	}

	var args []arg
	if p.tok.Kind == TokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for p.tok.Kind != TokRParen {
			a, err := p.parseArg(childRoot, internal, kind)
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.tok.Kind != TokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		closeTok, err := p.expect(TokRParen)
		if err != nil {
			return nil, err
		}
		end = closeTok.End
	}
	n.section = p.section(nameTok.Start, end)

	if kind == KindRoot {
		childRoot.section = n.section
		childRoot.Body = n
		n.root = childRoot
	}
	if err := p.build(n, nameTok, args, internal); err != nil {
		return nil, err
	}
	if internal || n.tags.Empty() {
		return n, nil
	}
	n.probe = instrument.NewProbe(n)
	return n, nil
}

func (p *parser) parseTags() (instrument.TagSet, Token, error) {
	var tags instrument.TagSet
	if err := p.advance(); err != nil {
		return 0, Token{}, err
	}
	for p.tok.Kind != TokRBracket {
		tok, err := p.expect(TokIdent)
		if err != nil {
			return 0, Token{}, err
		}
		tag, err := instrument.ParseTag(tok.Text)
		if err != nil {
			return 0, Token{}, p.errorf(tok, "%v", err)
		}
		tags = tags.With(tag)
		if p.tok.Kind != TokComma {
			break
		}
		if err := p.advance(); err != nil {
			return 0, Token{}, err
		}
	}
	closeTok, err := p.expect(TokRBracket)
	return tags, closeTok, err
}

func (p *parser) parseArg(root *Root, internal bool, parent Kind) (arg, error) {
	tok := p.tok
	if tok.Kind == TokIdent {
		if _, ok := keywords[tok.Text]; ok {
			if tok.Text == "CATCH" && parent != KindTry {
				return arg{}, p.errorf(tok, "CATCH outside of TRY")
			}
			n, err := p.parseNode(root, internal)
			return arg{node: n}, err
		}
	}
	switch tok.Kind {
	case TokIdent, TokNumber, TokString:
		return arg{tok: tok}, p.advance()
	}
	return arg{}, p.errorf(tok, "unexpected %s", describe(tok))
}

func (p *parser) section(start, end uint32) source.Section {
	s, err := safecast.Conv[int](start)
	if err != nil {
		panic(err)
	}
	e, err := safecast.Conv[int](end)
	if err != nil {
		panic(err)
	}
	return p.file.Section(s, e-s)
}

// build checks the arguments of n and fills its fields.
func (p *parser) build(n *Node, nameTok Token, args []arg, internal bool) error {
	lits, nodes := 0, 0
	for _, a := range args {
		if a.node != nil {
			nodes++
		} else {
			lits++
		}
	}
	leading := func(i int) (Token, bool) {
		if i < len(args) && args[i].node == nil {
			return args[i].tok, true
		}
		return Token{}, false
	}
	children := func(from int) error {
		for _, a := range args[from:] {
			if a.node == nil {
				return p.errorf(a.tok, "%s expects constructs here, found %s", nameTok.Text, describe(a.tok))
			}
			if a.node.Kind == KindCatch {
				n.Catches = append(n.Catches, a.node)
				continue
			}
			if len(n.Catches) > 0 {
				return p.errorf(nameTok, "CATCH clauses must come last")
			}
			n.Children = append(n.Children, a.node)
		}
		return nil
	}
	ident := func(i int, what string) (string, error) {
		tok, ok := leading(i)
		if !ok || tok.Kind != TokIdent {
			return "", p.errorf(nameTok, "%s expects %s", nameTok.Text, what)
		}
		return tok.Text, nil
	}
	integer := func(i int, what string) (int64, error) {
		tok, ok := leading(i)
		if !ok || tok.Kind != TokNumber {
			return 0, p.errorf(nameTok, "%s expects %s", nameTok.Text, what)
		}
		v, err := strconv.ParseInt(strings.ReplaceAll(tok.Text, "_", ""), 10, 64)
		if err != nil {
			return 0, p.errorf(tok, "invalid %s %q", what, tok.Text)
		}
		return v, nil
	}

	switch n.Kind {
	case KindRoot, KindBlock, KindStatement, KindExpression, KindInternal, KindMultiple:
		return children(0)

	case KindTry:
		if err := children(0); err != nil {
			return err
		}
		if len(n.Catches) == 0 {
			return p.errorf(nameTok, "TRY needs at least one CATCH")
		}
		return nil

	case KindCatch:
		name, err := ident(0, "an exception kind")
		if err != nil {
			return err
		}
		n.Name = name
		return children(1)

	case KindConstant:
		if len(args) != 1 || lits != 1 {
			return p.errorf(nameTok, "CONSTANT expects one literal")
		}
		v, err := p.literal(args[0].tok)
		if err != nil {
			return err
		}
		n.Value = v
		return nil

	case KindVariable:
		name, err := ident(0, "a variable name")
		if err != nil {
			return err
		}
		n.Name = name
		if len(args) != 2 || nodes != 1 {
			return p.errorf(nameTok, "VARIABLE expects a name and one construct")
		}
		return children(1)

	case KindRead:
		name, err := ident(0, "a variable name")
		if err != nil {
			return err
		}
		n.Name = name
		return p.noMore(nameTok, args, 1)

	case KindDefine:
		name, err := ident(0, "a function name")
		if err != nil {
			return err
		}
		n.Name = name
		fn := &Root{Name: name, section: n.section, internal: internal}
		body := &Node{Kind: KindBody, section: n.section, root: fn, tags: KindBody.defaultTags()}
		for _, a := range args[1:] {
			if a.node == nil {
				return p.errorf(a.tok, "DEFINE expects constructs after the name")
			}
			body.Children = append(body.Children, a.node)
			reroot(a.node, fn)
		}
		if !internal {
			body.probe = instrument.NewProbe(body)
		}
		fn.Body = body
		p.prog.Roots = append(p.prog.Roots, fn)
		n.Value = fn
		return nil

	case KindCall, KindSpawn:
		name, err := ident(0, "a function name")
		if err != nil {
			return err
		}
		n.Name = name
		return children(1)

	case KindLoop:
		tok, ok := leading(0)
		switch {
		case ok && tok.Kind == TokIdent && tok.Text == "infinity":
			n.Value = int64(-1)
		default:
			count, err := integer(0, "a loop count or infinity")
			if err != nil {
				return err
			}
			if count < 0 {
				return p.errorf(tok, "negative loop count %d", count)
			}
			n.Value = count
		}
		return children(1)

	case KindPrint:
		stream, err := ident(0, "OUT or ERR")
		if err != nil {
			return err
		}
		if stream != "OUT" && stream != "ERR" {
			return p.errorf(nameTok, "PRINT expects OUT or ERR, found %q", stream)
		}
		n.Name = stream
		tok, ok := leading(1)
		if !ok || tok.Kind != TokString {
			return p.errorf(nameTok, "PRINT expects a string")
		}
		n.Text = tok.Text
		return p.noMore(nameTok, args, 2)

	case KindThrow:
		name, err := ident(0, "an exception kind")
		if err != nil {
			return err
		}
		n.Name = name
		if tok, ok := leading(1); ok && tok.Kind == TokString {
			n.Text = tok.Text
			return p.noMore(nameTok, args, 2)
		}
		return p.noMore(nameTok, args, 1)

	case KindSleep, KindExit:
		v, err := integer(0, "an integer")
		if err != nil {
			return err
		}
		if n.Kind == KindSleep && v < 0 {
			return p.errorf(nameTok, "negative sleep %d", v)
		}
		n.Value = v
		return p.noMore(nameTok, args, 1)

	case KindAllocation:
		n.Value = instrument.SizeUnknown
		if len(args) > 0 {
			v, err := integer(0, "a size")
			if err != nil {
				return err
			}
			n.Value = v
		}
		return p.noMore(nameTok, args, min(len(args), 1))

	case KindJoin:
		return p.noMore(nameTok, args, 0)
	}
	return p.errorf(nameTok, "unsupported construct %s", nameTok.Text)
}

func (p *parser) noMore(nameTok Token, args []arg, n int) error {
	if len(args) > n {
		return p.errorf(nameTok, "%s takes %d argument(s), found %d", nameTok.Text, n, len(args))
	}
	return nil
}

func (p *parser) literal(tok Token) (any, error) {
	switch tok.Kind {
	case TokString:
		return tok.Text, nil
	case TokNumber:
		text := strings.ReplaceAll(tok.Text, "_", "")
		if strings.Contains(text, ".") {
			v, err := strconv.ParseFloat(text, 64)
			if err != nil || math.IsInf(v, 0) {
				return nil, p.errorf(tok, "invalid number %q", tok.Text)
			}
			return v, nil
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid number %q", tok.Text)
		}
		return v, nil
	case TokIdent:
		switch tok.Text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
	}
	return nil, p.errorf(tok, "invalid literal %s", describe(tok))
}

// reroot moves n and its descendants into fn, stopping at nested ROOTs.
func reroot(n *Node, fn *Root) {
	if n.Kind == KindRoot {
		return
	}
	n.root = fn
	for _, c := range n.Children {
		reroot(c, fn)
	}
	for _, c := range n.Catches {
		reroot(c, fn)
	}
}

// Walk calls fn for every node of the program, function bodies included,
// in source order. Returning false skips the children of a node.
func (p *Program) Walk(fn func(n *Node) bool) {
	var walk func(n *Node)
	walk = func(n *Node) {
		if !fn(n) {
			return
		}
		if n.Kind == KindDefine {
			walk(n.Value.(*Root).Body)
		}
		for _, c := range n.Children {
			walk(c)
		}
		for _, c := range n.Catches {
			walk(c)
		}
	}
	walk(p.Top.Body)
}

// Sections returns the sections of the instrumentable nodes carrying tag.
func (p *Program) Sections(tag instrument.Tag) []source.Section {
	var out []source.Section
	p.Walk(func(n *Node) bool {
		if n.Kind == KindInternal {
			return false
		}
		if n.probe != nil && n.tags.Has(tag) {
			out = append(out, n.section)
		}
		return true
	})
	return out
}
