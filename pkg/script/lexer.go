package script

import "github.com/alecthomas/participle/v2/lexer"

// ScriptLexer tokenizes register scripts.
var ScriptLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[\s\t\n\r]+`},

	// Hex before decimal so 0x prefixes are not split
	{Name: "Number", Pattern: `0[xX][0-9a-fA-F]+|[0-9]+`},

	// Keywords and duration units
	{Name: "Ident", Pattern: `[a-zA-Z][a-zA-Z0-9_]*`},

	{Name: "Punct", Pattern: `[=?]`},
})
