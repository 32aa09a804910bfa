// File: cmd/graph.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/config"
	"github.com/xkilldash9x/wayfinder/internal/observability"
	"github.com/xkilldash9x/wayfinder/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// storeProvider defines an interface for components that can open the
// session store. Tests inject an in-memory store through it.
type storeProvider interface {
	// Create opens the store and returns it with a cleanup function.
	Create(ctx context.Context, cfg config.Interface) (schemas.SessionStore, func(), error)
}

// defaultStoreProvider opens the backend named in the configuration.
type defaultStoreProvider struct{}

// NewStoreProvider creates the production store provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (schemas.SessionStore, func(), error) {
	logger := observability.GetLogger()
	st, err := store.New(ctx, cfg.Store(), logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := st.Close(); err != nil {
			logger.Warn("Error closing session store.", zap.Error(err))
		}
	}
	return st, cleanup, nil
}

// graphExport is the document written by `graph export`.
type graphExport struct {
	SessionID string                      `json:"sessionId" yaml:"sessionId"`
	Graphs    []*schemas.InteractionGraph `json:"graphs" yaml:"graphs"`
}

// newGraphCmd creates the `graph` command group.
func newGraphCmd(provider storeProvider) *cobra.Command {
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Work with the interaction graphs of a session",
	}
	graphCmd.AddCommand(newGraphExportCmd(provider))
	return graphCmd
}

func newGraphExportCmd(provider storeProvider) *cobra.Command {
	var sessionID, format, outputPath string

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the stored interaction graphs of a session",
		Long: `Loads the latest interaction graph of every page in a session and writes them
as one JSON or YAML document. YAML output omits the embedded screenshots.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.SessionLogger("graph_export", sessionID)

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}
			return runGraphExport(ctx, logger, cfg, sessionID, format, provider, out)
		},
	}

	exportCmd.Flags().StringVar(&sessionID, "session", "", "The ID of the session to export (required)")
	_ = exportCmd.MarkFlagRequired("session")
	exportCmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: 'json' or 'yaml'.")
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the document is printed to stdout.")

	return exportCmd
}

// runGraphExport contains the core, testable logic for exporting graphs.
func runGraphExport(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	sessionID, format string,
	provider storeProvider,
	out io.Writer,
) error {
	format = strings.ToLower(format)
	if format != "json" && format != "yaml" {
		return fmt.Errorf("unsupported format %q: must be 'json' or 'yaml'", format)
	}

	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer cleanup()

	graphs, err := st.LoadGraphs(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load graphs for session %s: %w", sessionID, err)
	}
	if len(graphs) == 0 {
		return fmt.Errorf("no graphs stored for session %s", sessionID)
	}
	logger.Info("Exporting interaction graphs", zap.String("session_id", sessionID), zap.Int("graphs", len(graphs)), zap.String("format", format))

	doc := graphExport{SessionID: sessionID, Graphs: graphs}
	if format == "yaml" {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode graphs as YAML: %w", err)
		}
		return enc.Close()
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode graphs as JSON: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
