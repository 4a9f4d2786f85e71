package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/actuator/pkg/stores"
)

const defaultConfigTemplate = `# Actuator configuration

database:
  driver: sqlite
  path: data/actuator.db

ledger:
  backend: sql
  ttl: 24h
  sweep_interval: 1h

breaker:
  failure_threshold: 5
  recovery_timeout: 60s
  half_open_max_calls: 3

retry:
  base_delay: 1s
  max_delay: 30s
  max_retries: 3

dispatch_timeout: 2m

policy:
  rules_dir: rules
  watch: false

credentials:
  file: credentials.yaml

quotas:
  ads:
    rate: 10
    burst: 20

concurrency: 4

telemetry:
  service_name: actuator
  service_version: dev
  environment: development
  logging:
    level: info
    format: console
    output: stderr
  tracing:
    enabled: false
    exporter: none
  metrics:
    enabled: true
    listen_address: ":9090"
    path: /metrics
    namespace: actuator
`

const defaultCredentialsTemplate = `# Tenant credentials for the ad platform.
tenants:
  %[1]s:
    account_id: "%[1]s-account"
    access_token_env: ACTUATOR_%[2]s_TOKEN
`

const defaultRulesTemplate = `# Policy rules for tenant %s
max_daily_budget: 10000
budget_change_threshold_pct: 50
forbidden_phrases:
  - guaranteed #1 ranking
  - miracle cure
  - risk-free investment
approval_required_operations: []
`

const examplePlanTemplate = `// Example action plan. Validate with: actuator validate plans/example.cue
plan_id:   "example-1"
agent_id:  "optimizer"
tenant_id: "%s"

operations: [{
	operation_name: "update_campaign_budget@v1"
	priority:       "HIGH"
	params: {budget_id: "campaign-1", new_budget: 130, previous_budget: 100}
}, {
	operation_name: "add_negative_keywords@v1"
	priority:       "MEDIUM"
	params: {campaign_id: "campaign-1", keywords: ["free", "cheap"]}
}]
`

func newInitCommand() *cobra.Command {
	var (
		dir    string
		tenant string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an actuator workspace",
		Long: `Initialize a workspace with a configuration file, a credentials file, a
tenant rule set, an example plan and a migrated SQLite database.`,
		Example: `  # Initialize in the current directory
  actuator init --tenant acme

  # Initialize elsewhere
  actuator init --dir /srv/actuator --tenant acme`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			log.Info().
				Str("dir", dir).
				Str("tenant", tenant).
				Msg("Initializing workspace")

			for _, d := range []string{dir, filepath.Join(dir, "data"), filepath.Join(dir, "rules"), filepath.Join(dir, "plans")} {
				if err := os.MkdirAll(d, 0750); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
			}

			files := []struct {
				path    string
				content string
				mode    os.FileMode
			}{
				{filepath.Join(dir, "actuator.yaml"), defaultConfigTemplate, 0644},
				{filepath.Join(dir, "credentials.yaml"), fmt.Sprintf(defaultCredentialsTemplate, tenant, envName(tenant)), 0600},
				{filepath.Join(dir, "rules", tenant+".yaml"), fmt.Sprintf(defaultRulesTemplate, tenant), 0644},
				{filepath.Join(dir, "plans", "example.cue"), fmt.Sprintf(examplePlanTemplate, tenant), 0644},
			}
			for _, f := range files {
				written, err := writeFile(f.path, f.content, f.mode, force)
				if err != nil {
					return err
				}
				if written {
					fmt.Fprintf(out, "✓ Created %s\n", f.path)
				} else {
					fmt.Fprintf(out, "✓ %s already exists\n", f.path)
				}
			}

			dbPath := filepath.Join(dir, "data", "actuator.db")
			store, err := stores.Open(ctx, stores.DriverSQLite, stores.Config{
				Path:   dbPath,
				Logger: log.Logger,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close database: %w", err)
			}
			fmt.Fprintf(out, "✓ Initialized SQLite database: %s\n", dbPath)

			fmt.Fprintf(out, "\nWorkspace initialized.\n\nNext steps:\n")
			fmt.Fprintf(out, "  1. Export the tenant token:\n")
			fmt.Fprintf(out, "     export ACTUATOR_%s_TOKEN=...\n\n", envName(tenant))
			fmt.Fprintf(out, "  2. Try the example plan:\n")
			fmt.Fprintf(out, "     actuator apply --dry-run plans/example.cue\n")

			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "workspace directory")
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "default", "first tenant to configure")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

// writeFile writes content unless path exists and force is false.
func writeFile(path, content string, mode os.FileMode, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// envName turns a tenant ID into an environment variable fragment.
func envName(tenant string) string {
	b := []byte(tenant)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
