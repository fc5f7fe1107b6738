package tui

import "time"

// Summary describes the local session at the end of a command. Empty fields
// are not shown.
type Summary struct {
	Login        string
	DeviceID     string
	TokenPreview string
	// ExpiresIn is the access token lifetime left, zero when unknown.
	ExpiresIn time.Duration
	Expired   bool
	Store     string
}

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionFound signals that a stored session was loaded.
type MsgSessionFound struct{ Login string }

// MsgSessionNotFound signals that no session is stored.
type MsgSessionNotFound struct{}

// MsgLoggingIn signals that credentials are being exchanged for tokens.
type MsgLoggingIn struct{ Login string }

// MsgLoginOK signals a successful login.
type MsgLoginOK struct{ Login string }

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the tokens were rotated.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that the refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgReAuthRequired signals that the session is gone and login is needed.
type MsgReAuthRequired struct{}

// MsgSessionCleared signals that the local session was removed.
type MsgSessionCleared struct{}

// MsgRequesting signals that an API request is in flight.
type MsgRequesting struct {
	Method string
	Path   string
}

// MsgRequestOK signals that an API request succeeded.
type MsgRequestOK struct{ Path string }

// MsgRequestFailed signals that an API request failed.
type MsgRequestFailed struct{ Err error }

// MsgNotice is a one-line informational message.
type MsgNotice struct{ Text string }

// MsgDone signals successful completion of the command.
type MsgDone struct{ Summary Summary }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
