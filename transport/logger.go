package transport

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the seam every component in this package logs through.
// Callers may plug in any implementation; DefaultLogger discards
// everything and DebugLogger (zerolog-backed) is meant for development.
type Logger interface {
	Print(v ...any)
	Printf(format string, v ...any)
	Println(v ...any)
}

type DefaultLogger struct{}

func (DefaultLogger) Print(_ ...any)            {}
func (DefaultLogger) Printf(_ string, _ ...any) {}
func (DefaultLogger) Println(_ ...any)          {}

// DebugLogger backs Logger with a structured zerolog writer. component
// tags every line (cluster/pool/conn/control/cloud) so log aggregation
// can filter by subsystem.
type DebugLogger struct {
	log zerolog.Logger
}

func NewDebugLogger(component string) DebugLogger {
	return DebugLogger{
		log: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Str("component", component).Logger(),
	}
}

func (d DebugLogger) Print(v ...any)                 { d.log.Debug().Msg(fmt.Sprint(v...)) }
func (d DebugLogger) Printf(format string, v ...any) { d.log.Debug().Msgf(format, v...) }
func (d DebugLogger) Println(v ...any)               { d.log.Debug().Msg(fmt.Sprint(v...)) }
