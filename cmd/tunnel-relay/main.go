// Package main implements the attested tunnel relay: it terminates the
// WebSocket control socket at /__ra__, runs the server side of the
// multiplexed session protocol, and dispatches virtualized HTTP and
// WebSocket traffic into a locally configured backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/virtengine/attested-tunnel/pkg/collateral"
	"github.com/virtengine/attested-tunnel/pkg/enclaveguest"
	"github.com/virtengine/attested-tunnel/pkg/observability"
	"github.com/virtengine/attested-tunnel/pkg/tunnel/httpadapter"
	"github.com/virtengine/attested-tunnel/pkg/tunnel/session"
	"github.com/virtengine/attested-tunnel/pkg/tunnel/wsadapter"
)

const (
	FlagListenAddr     = "listen"
	FlagMetricsAddr    = "metrics"
	FlagBackendAddr    = "backend"
	FlagQuotePath      = "quote-path"
	FlagLogLevel       = "log-level"
	FlagLogFormat      = "log-format"
	FlagPCSBaseURL     = "pcs-base-url"
	FlagPCSAPIKey      = "pcs-api-key" //nolint:gosec
	FlagSkipCollateral = "skip-collateral"
	FlagSimulateGuest  = "simulate-guest"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "tunnel-relay",
		Short: "Attested tunnel relay",
		Long: `tunnel-relay terminates the attested tunnel's WebSocket control socket,
runs the per-connection handshake and session state machine, and forwards
virtualized HTTP requests and WebSocket sub-connections to a local backend.`,
		RunE: runServe,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tunnel-relay.yaml)")
	rootCmd.PersistentFlags().String(FlagListenAddr, ":8443", "Control socket listen address")
	rootCmd.PersistentFlags().String(FlagMetricsAddr, ":9090", "Prometheus metrics listen address")
	rootCmd.PersistentFlags().String(FlagBackendAddr, "http://127.0.0.1:8080", "Backend base URL tunneled HTTP requests are dispatched to")
	rootCmd.PersistentFlags().String(FlagQuotePath, "", "Path to this relay's attestation quote, sent as ServerKX.Quote")
	rootCmd.PersistentFlags().String(FlagLogLevel, "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String(FlagLogFormat, "json", "Log format (json, console)")
	rootCmd.PersistentFlags().String(FlagPCSBaseURL, collateral.DefaultPCSBaseURL, "Intel PCS/PCCS base URL for TCB info and CRLs")
	rootCmd.PersistentFlags().String(FlagPCSAPIKey, "", "Intel PCS API key")
	rootCmd.PersistentFlags().Bool(FlagSkipCollateral, false, "Skip fetching PCS collateral (relay-side verification only, no TCB/CRL policy)")
	rootCmd.PersistentFlags().Bool(FlagSimulateGuest, false, "Attach a simulated TDX kernel helper for local development (never for production attestation)")

	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".tunnel-relay")
	}
	viper.SetEnvPrefix("TUNNEL_RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := observability.NewLogger(observability.Config{
		Level:       viper.GetString(FlagLogLevel),
		Format:      viper.GetString(FlagLogFormat),
		ServiceName: "tunnel-relay",
	}, nil)

	reg := observability.GetRegistry()
	metrics := observability.NewRelayMetrics(reg, "")

	var quote []byte
	if p := viper.GetString(FlagQuotePath); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading quote file: %w", err)
		}
		quote = b
	} else {
		logger.Warn().Msg("no quote-path configured; ServerKX.Quote will be empty")
	}

	guestSource := enclaveguest.NewQuoteSource(nil)
	if viper.GetBool(FlagSimulateGuest) {
		logger.Warn().Msg("simulate-guest enabled: kernel helper answers are fixed values, not real TDCALLs")
		guestSource.Attach(enclaveguest.NewSimulatedHelper(
			enclaveguest.VPInfo{Attributes: 0, Xfam: 0, GPAWidth: 48, TDCallStatus: 0},
			nil,
		))
	}
	if guestSource.State() == enclaveguest.StateReady {
		if info, err := guestSource.Probe(cmd.Context()); err != nil {
			logger.Warn().Err(err).Msg("kernel helper VP.INFO probe failed")
		} else {
			logger.Info().Uint64("gpaWidth", uint64(info.GPAWidth)).Uint64("xfam", info.Xfam).Msg("kernel helper reachable")
		}
	}

	if !viper.GetBool(FlagSkipCollateral) {
		collClient := collateral.NewClient(collateral.Config{
			BaseURL: viper.GetString(FlagPCSBaseURL),
			APIKey:  viper.GetString(FlagPCSAPIKey),
		})
		if _, err := collClient.CRLs(cmd.Context()); err != nil {
			logger.Warn().Err(err).Msg("could not pre-fetch PCS collateral; continuing, CRL checks depend on caller wiring")
		}
	}

	backendURL := viper.GetString(FlagBackendAddr)
	httpHandler := httpadapter.NewServerAdapter(newBackendProxy(backendURL))
	wsHandler := wsadapter.NewServerAdapter(func(conn *wsadapter.VirtualConn) {
		metrics.WSSubconnsOpened.Inc()
		defer metrics.WSSubconnsClosed.Inc()
		// A real deployment wires conn into the backend's own WebSocket
		// handler (ReadMessage/WriteMessage/Close match *websocket.Conn);
		// the relay itself has no opinion on sub-connection payloads.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/__ra__", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		metrics.SessionsOpened.Inc()
		metrics.ActiveSessions.Inc()
		defer func() {
			metrics.ActiveSessions.Dec()
			metrics.SessionsClosed.Inc()
		}()

		transport := session.NewWebSocketTransport(wsConn)
		srv, err := session.NewServer(transport, quote, httpHandler, wsHandler, logger)
		if err != nil {
			logger.Error().Err(err).Msg("session setup failed")
			return
		}
		if err := srv.Run(r.Context()); err != nil {
			logger.Info().Err(err).Msg("session ended")
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	listenAddr := viper.GetString(FlagListenAddr)
	httpSrv := &http.Server{Addr: listenAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", observability.MetricsHandler())
	metricsMux.HandleFunc("/debug/guest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			State string             `json:"state"`
			Stats enclaveguest.Stats `json:"stats"`
			Error string             `json:"lastError,omitempty"`
		}{
			State: guestSource.State().String(),
			Stats: guestSource.Stats(),
			Error: errString(guestSource.LastError()),
		})
	})
	metricsSrv := &http.Server{Addr: viper.GetString(FlagMetricsAddr), Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", listenAddr).Msg("control socket listening on /__ra__")
		errCh <- httpSrv.ListenAndServe()
	}()
	go func() {
		errCh <- metricsSrv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
