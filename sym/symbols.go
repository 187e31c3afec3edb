// Package sym defines the glyphs banister attaches to log lines and CLI
// output. They are stable across commands and log sinks so logs stay
// filterable by subsystem.
package sym

// Command glyphs. Each top-level CLI command group has one.
const (
	AM     = "≡" // am: configuration and system settings
	Export = "⇩" // export: submit, inspect and cancel export jobs
	Worker = "꩜" // worker: the dispatcher and its polling loop
)

// System infrastructure symbols.
const (
	Pulse      = "꩜" // async jobs, polling, cancellation
	PulseOpen  = "✿" // graceful startup with orphaned job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
)

// SymbolToCommand maps glyph strings to their CLI command names.
var SymbolToCommand = map[string]string{
	AM:     "config",
	Export: "export",
	Worker: "worker",
}

// CommandToSymbol maps CLI command names to their glyphs.
var CommandToSymbol = map[string]string{
	"config": AM,
	"export": Export,
	"worker": Worker,
}

// CommandDescriptions provides one-line explanations used in help headers.
var CommandDescriptions = map[string]string{
	"config": "Configuration: inspect and validate settings",
	"export": "Export: submit and track background CSV exports",
	"worker": "Worker: run the export dispatcher",
}

// Header returns "<glyph> <command>" for a known command, or the command
// itself when it has no glyph.
func Header(command string) string {
	if g, ok := CommandToSymbol[command]; ok {
		return g + " " + command
	}
	return command
}
