package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/belqax/pature-cli/api"
	"github.com/belqax/pature-cli/authn"
	"github.com/belqax/pature-cli/tui"
)

var errNotLoggedIn = errors.New("not logged in")

// reportedError marks an error the displayer has already shown.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

// cli carries flag values and I/O for one execution of the command tree.
type cli struct {
	flags  flagValues
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg    *Config
	logger *slog.Logger
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "pature",
		Short: "Command-line client for the Pature API",
		Long: `pature signs in to the Pature backend, keeps the session, and calls
authenticated endpoints. Expired access tokens are refreshed transparently.

Environment Variables:
  PATURE_API_URL           Backend URL (default: https://api.belqax.xyz/)
  PATURE_STORE             Session store: file, memory or redis (default: auto)
  PATURE_TOKEN_FILE        Session file (default: .pature-session.json)
  PATURE_STORE_PASSPHRASE  Encrypts the session file when set
  PATURE_REDIS_ADDR        Redis address for a shared session store
  PATURE_PROFILE           Session profile name (default: default)
  LOG_LEVEL, LOG_FORMAT    Diagnostic logging on stderr`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.flags)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = newLogger(c.stderr, cfg.Log.Level, cfg.Log.Format)
			warnPlaintext(c.stderr, cfg.APIURL)
			return nil
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "YAML config file (or PATURE_CONFIG env)")
	pf.StringVar(&c.flags.apiURL, "api-url", "", "Backend URL (overrides PATURE_API_URL)")
	pf.StringVar(&c.flags.store, "store", "", "Session store: file, memory or redis (overrides PATURE_STORE)")
	pf.StringVar(&c.flags.tokenFile, "token-file", "", "Session file (overrides PATURE_TOKEN_FILE)")
	pf.StringVar(&c.flags.profile, "profile", "", "Session profile (overrides PATURE_PROFILE)")
	pf.DurationVar(&c.flags.timeout, "timeout", 0, "HTTP timeout (overrides PATURE_HTTP_TIMEOUT)")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	pf.BoolVar(&c.flags.metrics, "metrics", false, "Print token refresh counters to stderr on exit")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.statusCmd(),
		c.refreshCmd(),
		c.getCmd(),
		c.whoamiCmd(),
		c.animalsCmd(),
		c.registerCmd(),
		c.confirmEmailCmd(),
		c.resendVerificationCmd(),
		c.passwordCmd(),
	)
	return root
}

// run wires the app and a displayer around fn.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, a *app, d tui.Displayer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	return withDisplayer(c.stderr, func(d tui.Displayer) error {
		a, err := newApp(ctx, c.cfg, c.logger)
		if err != nil {
			d.Fatal(err)
			return reportedError{err}
		}
		defer func() {
			if err := a.Close(); err != nil {
				c.logger.Warn("failed to close session store", "error", err)
			}
		}()

		runErr := fn(ctx, a, d)
		if runErr != nil {
			d.Fatal(runErr)
			runErr = reportedError{runErr}
		}
		if c.flags.metrics {
			if err := a.writeMetrics(c.stderr); err != nil {
				c.logger.Warn("metrics unavailable", "error", err)
			}
		}
		return runErr
	})
}

func (c *cli) loginCmd() *cobra.Command {
	var (
		login         string
		password      string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if passwordStdin {
				pw, err := readLine(c.stdin)
				if err != nil {
					return fmt.Errorf("failed to read password from stdin: %w", err)
				}
				password = pw
			}
			if password == "" {
				return errors.New("password required: use --password or --password-stdin")
			}

			return c.run(cmd, func(ctx context.Context, a *app, d tui.Displayer) error {
				d.LoggingIn(login)
				if _, err := a.client.Login(ctx, login, password); err != nil {
					return err
				}
				d.LoginOK(login)
				d.Done(a.summary())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&login, "login", "u", "", "Email or phone")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	_ = cmd.MarkFlagRequired("login")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and remove it locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app, d tui.Displayer) error {
				if !a.store.HasSession() {
					d.SessionNotFound()
				}
				err := a.client.Logout(ctx)
				if a.store.HasSession() {
					return err
				}
				if err != nil {
					d.RequestFailed(err)
				}
				d.SessionCleared()
				d.Done(a.summary())
				return nil
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(_ context.Context, a *app, d tui.Displayer) error {
				if a.store.HasSession() {
					d.SessionFound(a.store.Login())
				} else {
					d.SessionNotFound()
				}
				d.Done(a.summary())
				return nil
			})
		},
	}
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rotate the token pair now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app, d tui.Displayer) error {
				if !a.store.HasSession() {
					d.SessionNotFound()
					return errNotLoggedIn
				}
				d.Refreshing()
				if err := a.auth.Refresh(ctx); err != nil {
					if errors.Is(err, authn.ErrRefreshTokenExpired) {
						d.ReAuthRequired()
					} else {
						d.RefreshFailed(err)
					}
					return err
				}
				d.RefreshOK()
				d.Done(a.summary())
				return nil
			})
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "GET an authenticated endpoint and print the JSON body",
		Example: `  pature get users/me
  pature get animals/my
  pature get "animals/feed?limit=10"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			return c.fetch(cmd, path, raw, func(ctx context.Context, client *api.Client) (json.RawMessage, error) {
				return client.Get(ctx, path)
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the body unformatted")
	return cmd
}

func (c *cli) whoamiCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in user's profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.fetch(cmd, "users/me", raw, func(ctx context.Context, client *api.Client) (json.RawMessage, error) {
				return client.Me(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the body unformatted")
	return cmd
}

func (c *cli) animalsCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "animals",
		Short: "List the animals owned by the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.fetch(cmd, "animals/my", raw, func(ctx context.Context, client *api.Client) (json.RawMessage, error) {
				return client.MyAnimals(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the body unformatted")
	return cmd
}

// fetch runs an authenticated read and writes its JSON body to stdout.
func (c *cli) fetch(
	cmd *cobra.Command,
	path string,
	raw bool,
	read func(ctx context.Context, client *api.Client) (json.RawMessage, error),
) error {
	return c.run(cmd, func(ctx context.Context, a *app, d tui.Displayer) error {
		d.Requesting(http.MethodGet, path)
		body, err := read(ctx, a.client)
		if err != nil {
			var apiErr *api.Error
			if errors.As(err, &apiErr) && apiErr.Unauthorized() && !a.store.HasSession() {
				d.ReAuthRequired()
			}
			return err
		}
		d.RequestOK(path)
		return writeJSON(c.stdout, body, !raw)
	})
}

func (c *cli) registerCmd() *cobra.Command {
	var req api.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app, d tui.Displayer) error {
				d.Requesting(http.MethodPost, "auth/register")
				body, err := a.client.Register(ctx, req)
				if err != nil {
					return err
				}
				d.Notice("Account created. Check " + req.Email + " for the code, then run 'pature confirm-email'.")
				d.Done(tui.Summary{})
				if len(body) == 0 {
					return nil
				}
				return writeJSON(c.stdout, body, true)
			})
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&req.Password, "password", "", "Password")
	cmd.Flags().StringVar(&req.Phone, "phone", "", "Phone number (optional)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (c *cli) confirmEmailCmd() *cobra.Command {
	var email, code string
	cmd := &cobra.Command{
		Use:   "confirm-email",
		Short: "Confirm the email address with the code sent after registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app, d tui.Displayer) error {
				d.Requesting(http.MethodPost, "auth/register/confirm")
				if err := a.client.ConfirmEmail(ctx, email, code); err != nil {
					return err
				}
				d.Notice("Email confirmed. You can now run 'pature login'.")
				d.Done(tui.Summary{})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&code, "code", "", "Confirmation code")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func (c *cli) resendVerificationCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "resend-verification",
		Short: "Send a new email confirmation code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app, d tui.Displayer) error {
				d.Requesting(http.MethodPost, "auth/email/resend")
				if err := a.client.ResendVerification(ctx, email); err != nil {
					return err
				}
				d.Notice("Confirmation code sent to " + email)
				d.Done(tui.Summary{})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (c *cli) passwordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Reset or change the account password",
	}

	var forgotEmail string
	forgot := &cobra.Command{
		Use:   "forgot",
		Short: "Request a password reset code by email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app, d tui.Displayer) error {
				d.Requesting(http.MethodPost, "auth/password/forgot")
				if err := a.client.ForgotPassword(ctx, forgotEmail); err != nil {
					return err
				}
				d.Notice("Reset code sent to " + forgotEmail + ". Run 'pature password reset' next.")
				d.Done(tui.Summary{})
				return nil
			})
		},
	}
	forgot.Flags().StringVar(&forgotEmail, "email", "", "Email address")
	_ = forgot.MarkFlagRequired("email")

	var resetEmail, resetCode, resetPassword string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Set a new password with a reset code (signs out this device)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app, d tui.Displayer) error {
				d.Requesting(http.MethodPost, "auth/password/reset")
				if err := a.client.ResetPassword(ctx, resetEmail, resetCode, resetPassword); err != nil {
					return err
				}
				d.SessionCleared()
				d.Notice("Password reset. Run 'pature login' with the new password.")
				d.Done(tui.Summary{})
				return nil
			})
		},
	}
	reset.Flags().StringVar(&resetEmail, "email", "", "Email address")
	reset.Flags().StringVar(&resetCode, "code", "", "Reset code")
	reset.Flags().StringVar(&resetPassword, "new-password", "", "New password")
	for _, name := range []string{"email", "code", "new-password"} {
		_ = reset.MarkFlagRequired(name)
	}

	var oldPassword, newPassword string
	change := &cobra.Command{
		Use:   "change",
		Short: "Change the password of the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app, d tui.Displayer) error {
				if !a.store.HasSession() {
					d.SessionNotFound()
					return errNotLoggedIn
				}
				d.Requesting(http.MethodPost, "auth/password/change")
				if err := a.client.ChangePassword(ctx, oldPassword, newPassword); err != nil {
					return err
				}
				d.Notice("Password changed.")
				d.Done(tui.Summary{})
				return nil
			})
		},
	}
	change.Flags().StringVar(&oldPassword, "old-password", "", "Current password")
	change.Flags().StringVar(&newPassword, "new-password", "", "New password")
	_ = change.MarkFlagRequired("old-password")
	_ = change.MarkFlagRequired("new-password")

	cmd.AddCommand(forgot, reset, change)
	return cmd
}

// writeJSON prints body, indented when pretty is set and body is valid JSON.
func writeJSON(w io.Writer, body []byte, pretty bool) error {
	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err == nil {
			body = buf.Bytes()
		}
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if !bytes.HasSuffix(body, []byte("\n")) {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
