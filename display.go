package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	tea "charm.land/bubbletea/v2"

	"github.com/belqax/pature-cli/tui"
)

// isTTY reports whether w is a character device (interactive terminal).
// The TUI renders to stderr, so stdout stays pipeable.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// withDisplayer runs fn with a BubbleTea displayer on w when it is a
// terminal, or a plain text one otherwise.
func withDisplayer(w io.Writer, fn func(tui.Displayer) error) error {
	if !isTTY(w) {
		d := tui.NewPlainDisplayer(w)
		d.Banner()
		return fn(d)
	}

	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(tui.NewModel(), tea.WithOutput(w), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(w, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	d.Banner()
	err := fn(d)
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	return err
}
