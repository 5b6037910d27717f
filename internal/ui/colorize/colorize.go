package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// asmLexer returns the first available assembly lexer.
func asmLexer() chroma.Lexer {
	for _, name := range []string{"nasm", "armasm", "gas"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func disasmStyle() *chroma.Style {
	if style := styles.Get(DisasmDark.Name); style != nil {
		return style
	}
	return styles.Fallback
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment.
func IsDisabled() bool {
	return os.Getenv("NEWLIBSHIM_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction highlights one disassembled instruction.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := asmLexer()
	if lexer == nil {
		return insn
	}
	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, disasmStyle(), iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// rgb wraps s in a 24-bit foreground escape.
func rgb(s string, r, g, b uint8) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats a guest address in yellow.
func Address(addr uint64) string {
	return rgb(fmt.Sprintf("%08X", addr), 255, 200, 0)
}

// Tag formats a hashtag in light pink.
func Tag(tag string) string { return rgb(tag, 255, 180, 200) }

// FuncName formats a stub name in yellow.
func FuncName(name string) string { return rgb(name, 255, 200, 0) }

// Detail formats detail text in light gray.
func Detail(detail string) string { return rgb(detail, 180, 180, 180) }

// Border formats separators in dark gray.
func Border(s string) string { return rgb(s, 80, 80, 80) }

// Header formats section headers in blue.
func Header(s string) string { return rgb(s, 86, 156, 214) }

// Error formats failures in pink.
func Error(s string) string { return rgb(s, 255, 128, 192) }

// Used formats an allocated block in orange.
func Used(s string) string { return rgb(s, 255, 128, 0) }

// Free formats a free range in green.
func Free(s string) string { return rgb(s, 0, 255, 0) }
