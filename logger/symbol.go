package logger

import (
	"go.uber.org/zap"

	"github.com/Dm1try555/banister-backend-sub001/sym"
)

// Symbol-aware wrappers for instance loggers. The glyph is attached as a
// structured field, never embedded in the message:
//
//	d.pulseLog = logger.AddPulseSymbol(base)
//	d.pulseLog.Infow("Dispatcher started", "max_inflight", 4)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddExportSymbol wraps a logger with the Export symbol (⇩)
func AddExportSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Export)
}
