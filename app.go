package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/belqax/pature-cli/api"
	"github.com/belqax/pature-cli/authn"
	"github.com/belqax/pature-cli/session"
	"github.com/belqax/pature-cli/tui"
)

// appVersion is sent as X-App-Version. Overridden at build time with
// -ldflags "-X main.appVersion=...".
var appVersion = "0.1.0-dev"

const tokenPreviewLen = 20

// app holds the wired session stack for one command invocation.
type app struct {
	cfg      *Config
	logger   *slog.Logger
	backend  session.Backend
	store    *session.Store
	auth     *authn.Authenticator
	client   *api.Client
	registry *prometheus.Registry
}

// newApp builds the store, the re-authenticator, the authenticated transport
// and the API client. Exactly one of each per process.
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*app, error) {
	backend, err := session.OpenBackend(ctx, session.BackendConfig{
		Kind:          cfg.Store.Kind,
		Profile:       cfg.Store.Profile,
		Path:          cfg.Store.TokenFile,
		Passphrase:    cfg.Store.Passphrase,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	store, err := session.Open(ctx, backend, session.WithLogger(logger))
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	device := authn.NewDeviceHeaders(base, store, authn.DeviceInfo{
		Platform:   runtime.GOOS,
		Model:      runtime.GOARCH,
		AppVersion: appVersion,
	})

	// The refresh client shares the device headers but never the
	// re-authenticating transport.
	refresher, err := authn.NewRefreshClient(cfg.APIURL, &http.Client{
		Transport: device,
		Timeout:   authn.DefaultRefreshTimeout,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	auth := authn.NewAuthenticator(store, refresher,
		authn.WithLogger(logger),
		authn.WithMetrics(authn.NewMetrics(registry)),
		authn.WithRequireLogin(cfg.RequireLogin),
	)

	httpClient := &http.Client{
		Transport: authn.NewTransport(device, store, auth),
		Timeout:   cfg.HTTPTimeout,
	}
	client, err := api.NewClient(cfg.APIURL, httpClient, store, api.WithLogger(logger))
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		store:    store,
		auth:     auth,
		client:   client,
		registry: registry,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// storeName describes the active backend for status output.
func (a *app) storeName() string {
	switch b := a.backend.(type) {
	case *session.RedisBackend:
		return "redis (" + a.cfg.Store.RedisAddr + ", profile " + a.cfg.Store.Profile + ")"
	case *session.FileBackend:
		if b.Encrypted() {
			return "encrypted file " + b.Path()
		}
		return "file " + b.Path()
	case *session.MemoryBackend:
		return "memory"
	default:
		return fmt.Sprintf("%T", b)
	}
}

// summary describes the stored session without touching the network.
func (a *app) summary() tui.Summary {
	snap := a.store.Snapshot()
	s := tui.Summary{
		Login:    snap.Login,
		DeviceID: snap.DeviceID,
		Store:    a.storeName(),
	}
	if snap.AccessToken == "" {
		return s
	}

	s.TokenPreview = snap.AccessToken
	if len(s.TokenPreview) > tokenPreviewLen {
		s.TokenPreview = s.TokenPreview[:tokenPreviewLen]
	}
	if exp, ok := session.AccessTokenExpiry(snap.AccessToken); ok {
		if left := time.Until(exp); left > 0 {
			s.ExpiresIn = left
		} else {
			s.Expired = true
		}
	}
	return s
}

// writeMetrics prints the non-zero refresh counters.
func (a *app) writeMetrics(w io.Writer) error {
	families, err := a.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, line := range formatMetrics(families) {
		fmt.Fprintln(w, line)
	}
	return nil
}

func formatMetrics(families []*dto.MetricFamily) []string {
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			value := m.GetCounter().GetValue()
			if value == 0 {
				continue
			}
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), value))
		}
	}
	sort.Strings(lines)
	return lines
}
