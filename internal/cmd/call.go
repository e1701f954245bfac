package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/bridge"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/server"
	"github.com/nocloudhq/cloudbridge/internal/transport"
)

var (
	callServer      string
	callListen      string
	callTimeout     time.Duration
	callIdentifiers []string
)

var callCmd = &cobra.Command{
	Use:   "call <endpoint> [payload-json]",
	Short: "Call an endpoint on a running server and print the result",
	Long: `Run a caller side against a server: send one request envelope, listen for
the response on a local address, and print the returned data as JSON.

Identifiers are sent with server.caller_token; the server ignores them
unless the token matches its own.

Exit codes: 0 on success, a failure code when the endpoint answered with an
error, and the external-service code when no answer arrived in time.`,
	Example: `  cloudbridge call rpc.ping
  cloudbridge call storage.requestSignedUrl '{"contentType":"image/png","size":2048}' \
    --identifier license=0badc0de --identifier resource=match-7`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint := strings.TrimSpace(args[0])
		if endpoint == "" {
			return fmt.Errorf("endpoint is required")
		}

		var payload json.RawMessage
		if len(args) == 2 {
			payload = json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}
		}

		identifiers, err := parseIdentifiers(callIdentifiers)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		serverURL := firstNonEmpty(callServer, cfg.RPC.ServerURL)
		listenAddr := firstNonEmpty(callListen, cfg.RPC.ListenAddr)
		timeout := callTimeout
		if timeout <= 0 {
			timeout = cfg.RPC.Timeout
		}

		logger := observability.CLILogger

		ln, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("listen for responses: %w", err)
		}
		replyTo := "http://" + ln.Addr().String()

		sender, err := transport.NewHTTPSender(serverURL, replyTo, identifiers,
			transport.WithSendTimeout(cfg.RPC.SendTimeout),
			transport.WithCallerToken(cfg.Server.CallerToken),
			transport.WithHTTPLogger(logger))
		if err != nil {
			_ = ln.Close()
			return err
		}

		client := bridge.NewClient(sender, timeout, nil, logger)
		listener := server.New(server.Options{Responses: client, Logger: logger})
		go func() {
			if err := listener.Serve(ln); err != nil {
				logger.Warn("Response listener stopped", zap.Error(err))
			}
		}()

		logger.Debug("Calling endpoint",
			zap.String("endpoint", endpoint),
			zap.String("server", serverURL),
			zap.String("reply_to", replyTo),
			zap.Duration("timeout", timeout))

		data, callErr := client.Call(cmd.Context(), endpoint, payload)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = listener.Shutdown(shutdownCtx)
		cancel()
		client.Close()

		if callErr != nil {
			ExitWithCode(logger, exitCodeForCall(callErr), "Call failed", callErr)
		}

		return writeCallResult(cmd, data)
	},
}

func writeCallResult(cmd *cobra.Command, data json.RawMessage) error {
	out := cmd.OutOrStdout()
	if len(data) == 0 {
		_, err := fmt.Fprintln(out, "null")
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	_, err := fmt.Fprintln(out, pretty.String())
	return err
}

// parseIdentifiers turns repeated kind=value flags into a caller identifier
// map. Kinds are lowercased.
func parseIdentifiers(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	identifiers := make(map[string]string, len(values))
	for _, raw := range values {
		kind, value, ok := strings.Cut(raw, "=")
		kind = strings.ToLower(strings.TrimSpace(kind))
		value = strings.TrimSpace(value)
		if !ok || kind == "" || value == "" {
			return nil, fmt.Errorf("invalid identifier %q (expected kind=value)", raw)
		}
		if kind == "ip" {
			return nil, fmt.Errorf("identifier %q is taken from the connection and cannot be set", kind)
		}
		identifiers[kind] = value
	}
	return identifiers, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringVar(&callServer, "server", "", "Server base URL (default rpc.server_url)")
	callCmd.Flags().StringVar(&callListen, "listen", "", "Local address for responses (default rpc.listen_addr)")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "Call timeout (default rpc.timeout)")
	callCmd.Flags().StringArrayVar(&callIdentifiers, "identifier", nil, "Caller identifier kind=value (repeatable)")
}
