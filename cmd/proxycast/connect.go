// connect.go implements the proxycast://connect deep-link flow: parse the
// link, store the relay key as a credential, and optionally report the
// outcome to a webhook. Only the 7-char key prefix ever leaves the machine.
package main

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/proxycast/proxycast/internal/config"
	"github.com/proxycast/proxycast/internal/credential"
	"github.com/proxycast/proxycast/internal/links"
	"github.com/proxycast/proxycast/internal/observability"
	"github.com/proxycast/proxycast/internal/storage"
)

func buildConnectCmd() *cobra.Command {
	var (
		callbackURL string
		provider    string
		tier        string
	)

	cmd := &cobra.Command{
		Use:   "connect <link>",
		Short: "Register a relay credential from a proxycast:// link",
		Long: `Parse a proxycast://connect deep link and store its key as a
gateway credential. When --callback-url is given, the connect outcome is
posted there with the key reduced to its 7-character prefix.`,
		Example: `  proxycast connect "proxycast://connect?relay=acme&key=sk-abcdef1234&ref=promo"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, args[0], callbackURL, provider, tier)
		},
	}
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "HTTPS webhook to notify of the outcome")
	cmd.Flags().StringVar(&provider, "provider", "anthropic", "provider type for the stored credential")
	cmd.Flags().StringVar(&tier, "tier", string(credential.TierPro), "tier for the stored credential")
	return cmd
}

func runConnect(cmd *cobra.Command, link, callbackURL, provider, tier string) error {
	ctx := cmd.Context()
	logger := observability.NewLogger(observability.LogConfig{Output: cmd.ErrOrStderr()})

	payload, parseErr := links.ParseConnectLink(link)

	var connectErr error
	if parseErr == nil {
		connectErr = storeConnectCredential(cmd, payload, provider, tier)
	}

	if callbackURL != "" && parseErr == nil {
		status := links.CallbackSuccess
		cb := links.NewCallbackPayload(payload, status, links.ClientInfo{
			Version:  version,
			Platform: runtime.GOOS,
		}, time.Now().UTC())
		if connectErr != nil {
			cb.Status = links.CallbackError
			cb.ErrorCode = "store_failed"
			cb.ErrorMessage = connectErr.Error()
		}
		notifier := links.NewNotifier(&http.Client{Timeout: 10 * time.Second}, logger.Slog())
		if err := notifier.Notify(ctx, callbackURL, cb); err != nil {
			logger.Warn(ctx, "connect callback not delivered", "error", err.Error())
		}
	}

	if parseErr != nil {
		return parseErr
	}
	return connectErr
}

func storeConnectCredential(cmd *cobra.Command, payload links.ConnectPayload, provider, tier string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := storage.Open(storage.DefaultPath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store := credential.NewStore(db, cfg.Scheduler.FailureThreshold)
	cred := &credential.Credential{
		ProviderType: provider,
		Tier:         credential.Tier(tier),
		Auth:         credential.Auth{Kind: credential.AuthAPIKey, Key: payload.Key},
		IsHealthy:    true,
	}
	if err := store.Create(cmd.Context(), cred); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	name := payload.Name
	if name == "" {
		name = payload.Relay
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Connected %s (%s, key %s...) as credential %s\n",
		name, payload.Relay, payload.KeyPrefix(), cred.ID)
	return nil
}
