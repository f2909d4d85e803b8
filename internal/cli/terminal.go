package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Terminal writes command output. Colors follow fatih/color's global
// NoColor switch, which is off when stdout is not a terminal.
type Terminal struct {
	out io.Writer
	err io.Writer

	Green  func(format string, a ...interface{}) string
	Yellow func(format string, a ...interface{}) string
	Red    func(format string, a ...interface{}) string
	Bold   func(format string, a ...interface{}) string
}

func NewTerminal(out, errOut io.Writer) *Terminal {
	return &Terminal{
		out:    out,
		err:    errOut,
		Green:  color.New(color.FgGreen).SprintfFunc(),
		Yellow: color.New(color.FgYellow).SprintfFunc(),
		Red:    color.New(color.FgRed).SprintfFunc(),
		Bold:   color.New(color.Bold).SprintfFunc(),
	}
}

func (t *Terminal) Print(a string) {
	fmt.Fprintln(t.out, a)
}

func (t *Terminal) Printf(format string, a ...interface{}) {
	fmt.Fprintf(t.out, format, a...)
}

func (t *Terminal) Eprint(a string) {
	fmt.Fprintln(t.err, a)
}

func (t *Terminal) Eprintf(format string, a ...interface{}) {
	fmt.Fprintf(t.err, format, a...)
}

// Status colors a connection status.
func (t *Terminal) Status(s string) string {
	switch s {
	case database.StatusConnected:
		return t.Green(s)
	case database.StatusError:
		return t.Red(s)
	default:
		return t.Yellow(s)
	}
}

// Table returns a borderless table that renders to the terminal output.
func (t *Terminal) Table(header ...interface{}) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(t.out)
	opts := table.OptionsDefault
	opts.DrawBorder = false
	opts.SeparateColumns = false
	opts.SeparateRows = false
	opts.SeparateHeader = false
	tw.Style().Options = opts
	tw.AppendHeader(table.Row(header))
	return tw
}
