package guest

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"fortio.org/safecast"
	"golang.org/x/text/unicode/norm"

	"tapline/internal/source"
)

// Lexer splits a source into tokens. Whitespace and '#' line comments are skipped.
type Lexer struct {
	file  *source.File
	off   uint32
	limit uint32
}

// NewLexer creates a lexer over f.
func NewLexer(f *source.File) *Lexer {
	limit, err := safecast.Conv[uint32](len(f.Content))
	if err != nil {
		panic(fmt.Errorf("len file content overflow: %w", err))
	}
	return &Lexer{file: f, limit: limit}
}

func (lx *Lexer) eof() bool { return lx.off >= lx.limit }

func (lx *Lexer) peek() byte {
	if lx.eof() {
		return 0
	}
	return lx.file.Content[lx.off]
}

func (lx *Lexer) peekRune() (rune, uint32) {
	if lx.eof() {
		return 0, 0
	}
	r, sz := utf8.DecodeRune(lx.file.Content[lx.off:])
	return r, uint32(sz) // #nosec G115 -- sz <= utf8.UTFMax
}

// Next returns the next token. After the end of input it keeps returning EOF.
func (lx *Lexer) Next() (Token, error) {
	lx.skipTrivia()
	if lx.eof() {
		return Token{Kind: TokEOF, Start: lx.off, End: lx.off}, nil
	}
	start := lx.off
	ch := lx.peek()
	single := func(k TokenKind) (Token, error) {
		lx.off++
		return Token{Kind: k, Start: start, End: lx.off, Text: string(ch)}, nil
	}
	switch {
	case ch == '(':
		return single(TokLParen)
	case ch == ')':
		return single(TokRParen)
	case ch == '[':
		return single(TokLBracket)
	case ch == ']':
		return single(TokRBracket)
	case ch == ',':
		return single(TokComma)
	case ch == '"':
		return lx.scanString()
	case ch == '-' || (ch >= '0' && ch <= '9'):
		return lx.scanNumber()
	}
	if r, _ := lx.peekRune(); isIdentStart(r) {
		return lx.scanIdent(), nil
	}
	r, sz := lx.peekRune()
	lx.off += max(sz, 1)
	return Token{Kind: TokInvalid, Start: start, End: lx.off}, lx.errorf(start, "unexpected character %q", r)
}

func (lx *Lexer) skipTrivia() {
	for !lx.eof() {
		switch ch := lx.peek(); {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			lx.off++
		case ch == '#':
			// комментарий до конца строки
			for !lx.eof() && lx.peek() != '\n' {
				lx.off++
			}
		default:
			return
		}
	}
}

func (lx *Lexer) scanIdent() Token {
	start := lx.off
	for {
		r, sz := lx.peekRune()
		if sz == 0 || !isIdentContinue(r) {
			break
		}
		lx.off += sz
	}
	raw := string(lx.file.Content[start:lx.off])
	return Token{Kind: TokIdent, Start: start, End: lx.off, Text: norm.NFC.String(raw)}
}

func (lx *Lexer) scanNumber() (Token, error) {
	start := lx.off
	if lx.peek() == '-' {
		lx.off++
	}
	digits := 0
	for !lx.eof() {
		ch := lx.peek()
		if (ch >= '0' && ch <= '9') || ch == '.' || ch == '_' {
			lx.off++
			digits++
			continue
		}
		break
	}
	text := string(lx.file.Content[start:lx.off])
	if digits == 0 {
		return Token{Kind: TokInvalid, Start: start, End: lx.off, Text: text}, lx.errorf(start, "malformed number %q", text)
	}
	return Token{Kind: TokNumber, Start: start, End: lx.off, Text: text}, nil
}

func (lx *Lexer) scanString() (Token, error) {
	start := lx.off
	lx.off++ // opening quote
	var b strings.Builder
	for {
		if lx.eof() {
			return Token{Kind: TokInvalid, Start: start, End: lx.off}, lx.errorf(start, "unterminated string")
		}
		ch := lx.peek()
		switch ch {
		case '"':
			lx.off++
			return Token{Kind: TokString, Start: start, End: lx.off, Text: norm.NFC.String(b.String())}, nil
		case '\n':
			return Token{Kind: TokInvalid, Start: start, End: lx.off}, lx.errorf(start, "unterminated string")
		case '\\':
			lx.off++
			esc := lx.peek()
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"', '\\':
				b.WriteByte(esc)
			default:
				return Token{Kind: TokInvalid, Start: start, End: lx.off}, lx.errorf(lx.off-1, "unknown escape \\%c", esc)
			}
			lx.off++
		default:
			r, sz := lx.peekRune()
			b.WriteRune(r)
			lx.off += sz
		}
	}
}

func (lx *Lexer) errorf(off uint32, format string, args ...any) *SyntaxError {
	return &SyntaxError{File: lx.file, Pos: lx.file.Position(off), Msg: fmt.Sprintf(format, args...)}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentContinue(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

// SyntaxError reports malformed source.
type SyntaxError struct {
	File *source.File
	Pos  source.LineCol
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.File.Path, e.Pos.Line, e.Pos.Col, e.Msg)
}
