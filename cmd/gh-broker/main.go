package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/adaptiv/gh-broker/pkg/config"
	"github.com/adaptiv/gh-broker/pkg/console"
	"github.com/adaptiv/gh-broker/pkg/constants"
	"github.com/adaptiv/gh-broker/pkg/ghclient"
	"github.com/adaptiv/gh-broker/pkg/registry"
	"github.com/adaptiv/gh-broker/pkg/server"
	"github.com/adaptiv/gh-broker/pkg/tools"
	"github.com/adaptiv/gh-broker/pkg/workspace"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

// Build-time variables set by the release pipeline.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "gh-broker",
	Short:   "MCP server brokering GitHub tools to LLM controllers",
	Version: version,
	Long: `gh-broker exposes a gated tool registry over the Model Context Protocol:
GitHub REST/GraphQL wrappers, a persistent per-(repo, ref) git workspace,
and a subprocess runner, all behind a write-approval gate.

Common Tasks:
  gh-broker serve                 # Run with stdio transport (default for MCP clients)
  gh-broker serve --port 8080     # Run the HTTP transport on port 8080
  gh-broker tools                 # Print the tool catalog
  gh-broker tools --yaml          # Print the catalog as YAML

For detailed help on any command, use:
  gh-broker [command] --help`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// buildRegistry wires the full tool surface from the environment config.
func buildRegistry(cfg *config.Config) (*registry.Registry, *ghclient.Pool) {
	pool := ghclient.NewPool(cfg)
	deps := &tools.Deps{
		Cfg:    cfg,
		Engine: workspace.NewEngine(cfg, nil),
		Pool:   pool,
	}
	r := registry.New(registry.NewWriteGate(cfg.WriteAutoApproved))
	tools.RegisterAll(r, deps)
	return r, pool
}

func newServeCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio or HTTP transport",
		Long: `Run the MCP server exposing the GitHub broker tool registry.

By default the server uses stdio transport. Use the --port flag to run
an HTTP server with the streamable transport instead.

Write actions start disabled unless GITHUB_MCP_WRITE_ALLOWED is set; a
controller approves them at runtime with the authorize_write_actions tool.

Examples:
  gh-broker serve                                  # stdio transport
  gh-broker serve --port 8080                      # HTTP transport on port 8080
  GH_BROKER_ACTOR=octocat gh-broker serve          # actor-scoped write validation
  DEBUG=* gh-broker serve --port 8080              # verbose logging`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			if cfg.ValidateActor {
				fmt.Fprintln(os.Stderr, console.FormatInfoMessage("Actor validation enabled"))
				if cfg.Actor == "" {
					fmt.Fprintln(os.Stderr, console.FormatWarningMessage(
						"No actor specified - remote mutations will be denied (set GH_BROKER_ACTOR)"))
				}
			}
			if cfg.Actor != "" {
				fmt.Fprintln(os.Stderr, console.FormatInfoMessage(fmt.Sprintf("Actor: %s", cfg.Actor)))
			}
			if config.OptionalGitHubToken() == "" {
				fmt.Fprintln(os.Stderr, console.FormatWarningMessage(
					"No GitHub token found - API tools will fail until GITHUB_TOKEN is set"))
			}

			reg, pool := buildRegistry(cfg)
			srv := server.New(cfg, reg, pool)
			srv.SetVersionInfo(version)

			if port > 0 {
				return srv.RunHTTP(port)
			}
			fmt.Fprintln(os.Stderr, console.FormatInfoMessage("Starting MCP server on stdio"))
			return srv.RunStdio(context.Background())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to run HTTP server on (uses stdio if not specified)")
	return cmd
}

func newToolsCommand() *cobra.Command {
	var asYAML bool
	var asJSON bool
	var writeOnly bool
	var compact bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the static tool catalog",
		Long: `Print every registered tool with its side-effect class, approval
requirement, and input schema. Useful for auditing what a controller can
reach before granting write approval.

Examples:
  gh-broker tools                  # human-readable table
  gh-broker tools --yaml           # full catalog as YAML
  gh-broker tools --json --compact # names and classes only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			reg, _ := buildRegistry(cfg)

			actions := reg.ListAllActions(!compact, compact)
			if writeOnly {
				filtered := actions[:0]
				for _, a := range actions {
					if a.SideEffect == constants.RemoteMutation.String() {
						filtered = append(filtered, a)
					}
				}
				actions = filtered
			}

			switch {
			case asYAML:
				out, err := yaml.Marshal(actions)
				if err != nil {
					return fmt.Errorf("failed to render catalog as YAML: %w", err)
				}
				fmt.Fprint(cmd.OutOrStdout(), string(out))
			case asJSON:
				out, err := json.MarshalIndent(actions, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to render catalog as JSON: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			default:
				for _, a := range actions {
					approval := ""
					if a.ApprovalRequired {
						approval = " (requires approval)"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-32s %s%s\n", a.Name, a.SideEffect, approval)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Output the catalog as YAML")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the catalog as JSON")
	cmd.Flags().BoolVar(&writeOnly, "write-only", false, "Only show tools classified as remote mutations")
	cmd.Flags().BoolVar(&compact, "compact", false, "Omit descriptions and schemas")
	return cmd
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate("gh-broker version {{.Version}}\n")
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newToolsCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, console.FormatErrorMessage(err.Error()))
		os.Exit(1)
	}
}
