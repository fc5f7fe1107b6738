package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all status output of the CLI. Response bodies are not
// displayed through it; commands write those to stdout.
type Displayer interface {
	Banner()
	SessionFound(login string)
	SessionNotFound()
	LoggingIn(login string)
	LoginOK(login string)
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	ReAuthRequired()
	SessionCleared()
	Requesting(method, path string)
	RequestOK(path string)
	RequestFailed(err error)
	Notice(text string)
	Done(s Summary)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Pature CLI ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionFound(login string) {
	if login == "" {
		fmt.Fprintln(p.w, "Found existing session")
		return
	}
	fmt.Fprintf(p.w, "Found existing session for %s\n", login)
}

func (p *PlainDisplayer) SessionNotFound() {
	fmt.Fprintln(p.w, "Not logged in. Run 'pature login' first.")
}

func (p *PlainDisplayer) LoggingIn(login string) {
	fmt.Fprintf(p.w, "Logging in as %s...\n", login)
}

func (p *PlainDisplayer) LoginOK(login string) {
	fmt.Fprintf(p.w, "Logged in as %s\n", login)
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) ReAuthRequired() {
	fmt.Fprintln(p.w, "Session expired. Run 'pature login' to sign in again.")
}

func (p *PlainDisplayer) SessionCleared() {
	fmt.Fprintln(p.w, "Local session cleared")
}

func (p *PlainDisplayer) Requesting(method, path string) {
	fmt.Fprintf(p.w, "%s %s\n", method, path)
}

func (p *PlainDisplayer) RequestOK(path string) {
	fmt.Fprintf(p.w, "%s: OK\n", path)
}

func (p *PlainDisplayer) RequestFailed(err error) {
	fmt.Fprintf(p.w, "Request failed: %v\n", err)
}

func (p *PlainDisplayer) Notice(text string) {
	fmt.Fprintln(p.w, text)
}

func (p *PlainDisplayer) Done(s Summary) {
	lines := summaryLines(s)
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(p.w, "\n========================================")
	for _, l := range lines {
		fmt.Fprintf(p.w, "%-14s%s\n", l.label+":", l.value)
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

type summaryLine struct {
	label string
	value string
}

func summaryLines(s Summary) []summaryLine {
	var lines []summaryLine
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, summaryLine{label: label, value: value})
		}
	}
	add("Login", s.Login)
	if s.TokenPreview != "" {
		add("Access Token", s.TokenPreview+"...")
	}
	switch {
	case s.Expired:
		add("Expires In", "expired")
	case s.ExpiresIn > 0:
		add("Expires In", s.ExpiresIn.Round(time.Second).String())
	}
	add("Device ID", s.DeviceID)
	add("Store", s.Store)
	return lines
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                  {}
func (NoopDisplayer) SessionFound(_ string)    {}
func (NoopDisplayer) SessionNotFound()         {}
func (NoopDisplayer) LoggingIn(_ string)       {}
func (NoopDisplayer) LoginOK(_ string)         {}
func (NoopDisplayer) Refreshing()              {}
func (NoopDisplayer) RefreshOK()               {}
func (NoopDisplayer) RefreshFailed(_ error)    {}
func (NoopDisplayer) ReAuthRequired()          {}
func (NoopDisplayer) SessionCleared()          {}
func (NoopDisplayer) Requesting(_, _ string)   {}
func (NoopDisplayer) RequestOK(_ string)       {}
func (NoopDisplayer) RequestFailed(_ error)    {}
func (NoopDisplayer) Notice(_ string)          {}
func (NoopDisplayer) Done(_ Summary)           {}
func (NoopDisplayer) Fatal(_ error)            {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner()                   { t.p.Send(MsgBanner{}) }
func (t *ProgramDisplayer) SessionFound(login string) { t.p.Send(MsgSessionFound{Login: login}) }
func (t *ProgramDisplayer) SessionNotFound()          { t.p.Send(MsgSessionNotFound{}) }
func (t *ProgramDisplayer) LoggingIn(login string)    { t.p.Send(MsgLoggingIn{Login: login}) }
func (t *ProgramDisplayer) LoginOK(login string)      { t.p.Send(MsgLoginOK{Login: login}) }
func (t *ProgramDisplayer) Refreshing()               { t.p.Send(MsgRefreshing{}) }
func (t *ProgramDisplayer) RefreshOK()                { t.p.Send(MsgRefreshOK{}) }
func (t *ProgramDisplayer) RefreshFailed(err error)   { t.p.Send(MsgRefreshFailed{Err: err}) }
func (t *ProgramDisplayer) ReAuthRequired()           { t.p.Send(MsgReAuthRequired{}) }
func (t *ProgramDisplayer) SessionCleared()           { t.p.Send(MsgSessionCleared{}) }

func (t *ProgramDisplayer) Requesting(method, path string) {
	t.p.Send(MsgRequesting{Method: method, Path: path})
}

func (t *ProgramDisplayer) RequestOK(path string)     { t.p.Send(MsgRequestOK{Path: path}) }
func (t *ProgramDisplayer) RequestFailed(err error)   { t.p.Send(MsgRequestFailed{Err: err}) }
func (t *ProgramDisplayer) Notice(text string)        { t.p.Send(MsgNotice{Text: text}) }
func (t *ProgramDisplayer) Done(s Summary)            { t.p.Send(MsgDone{Summary: s}) }
func (t *ProgramDisplayer) Fatal(err error)           { t.p.Send(MsgFatal{Err: err}) }
