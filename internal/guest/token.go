package guest

// TokenKind classifies a lexical token.
type TokenKind uint8

const (
	TokInvalid TokenKind = iota
	TokEOF
	TokIdent
	TokNumber
	TokString
	TokLParen
	TokRParen
	TokLBracket
	TokRBracket
	TokComma
)

var tokenNames = [...]string{
	TokInvalid:  "invalid",
	TokEOF:      "end of file",
	TokIdent:    "identifier",
	TokNumber:   "number",
	TokString:   "string",
	TokLParen:   "'('",
	TokRParen:   "')'",
	TokLBracket: "'['",
	TokRBracket: "']'",
	TokComma:    "','",
}

func (k TokenKind) String() string {
	if int(k) < len(tokenNames) {
		return tokenNames[k]
	}
	return "unknown"
}

// Token is one lexical token. Start and End are byte offsets into the source.
type Token struct {
	Kind  TokenKind
	Start uint32
	End   uint32
	// Text is the NFC-normalized identifier, the unquoted string or the
	// number literal.
	Text string
}
