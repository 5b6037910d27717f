// Package colorize highlights the CLI's trace and heap output.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// DisasmDark is the style used for trace disassembly.
var DisasmDark = styles.Register(chroma.MustNewStyle("newlibshim-dark", chroma.StyleEntries{
	chroma.Background: "bg:#000000",
	chroma.Text:       "#FFFFFF",
	chroma.Comment:    "#FF8000",

	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.NameFunction:  "#FFFFFF",

	// registers
	chroma.Name:         "#87CEEB",
	chroma.NameBuiltin:  "#87CEEB",
	chroma.NameVariable: "#87CEEB",
	chroma.NameLabel:    "#FFC800",

	chroma.LiteralNumber:        "#FF80C0",
	chroma.LiteralNumberHex:     "#FF80C0",
	chroma.LiteralNumberInteger: "#FF80C0",

	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",
	chroma.String:      "#00FF00",
}))
