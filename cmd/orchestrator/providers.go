package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/model-orchestrator/config"
	"github.com/vnmchuo/model-orchestrator/internal/provider"
	"github.com/vnmchuo/model-orchestrator/internal/provider/openaicompat"
)

var providersOutput string

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List providers and whether the environment configures them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registry := buildRegistry(cfg, zap.NewNop())
		defer registry.Close()
		return printStatuses(cmd.OutOrStdout(), registry.Statuses(), providersOutput)
	},
}

func init() {
	providersCmd.Flags().StringVarP(&providersOutput, "output", "o", "text", "output format (text or json)")
	rootCmd.AddCommand(providersCmd)
}

// buildRegistry creates a client for every provider that has an API key.
// A provider whose client cannot be built is recorded as failed.
func buildRegistry(cfg *config.Config, logger *zap.Logger) *provider.Registry {
	registry := provider.NewRegistry(logger)
	for _, id := range provider.FailoverOrder {
		pc := cfg.Providers[id]
		if pc.APIKey == "" {
			logger.Info("provider not configured", zap.String("provider", string(id)))
			continue
		}
		opts, ok := openaicompat.Preset(id, pc.APIKey, pc.BaseURL, cfg.ProviderTimeout)
		if !ok {
			continue
		}
		client, err := openaicompat.New(opts)
		if err != nil {
			registry.RecordInitFailure(id, err)
			continue
		}
		registry.Register(client)
	}
	return registry
}

func printStatuses(w io.Writer, statuses []provider.Status, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	case "text", "":
		for _, s := range statuses {
			detail := strings.Join(s.Models, ", ")
			if s.Error != "" {
				detail = s.Error
			}
			fmt.Fprintf(w, "%-10s %-13s %s\n", s.Provider, s.State, detail)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func identities(ids []provider.Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
