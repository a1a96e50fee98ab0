package profile

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// ProfileLexer tokenizes instrument profiles.
var ProfileLexer = lexer.MustSimple([]lexer.SimpleRule{
	// Comments run from # to end of line
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[\s]+`},

	// Keywords
	{Name: "KwProfile", Pattern: `\bprofile\b`},
	{Name: "KwStage", Pattern: `\bstage\b`},
	{Name: "KwWrite", Pattern: `\bwrite\b`},
	{Name: "KwQuery", Pattern: `\bquery\b`},
	{Name: "KwSleep", Pattern: `\bsleep\b`},
	{Name: "KwTry", Pattern: `\btry\b`},

	// Go duration literal, e.g. 250ms or 1m30s
	{Name: "Duration", Pattern: `(?:[0-9]+(?:\.[0-9]+)?(?:ns|us|µs|ms|s|m|h))+`},
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_-]*`},

	{Name: "LBrace", Pattern: `\{`},
	{Name: "RBrace", Pattern: `\}`},
})
