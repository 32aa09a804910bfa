package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/config"
	"github.com/xkilldash9x/wayfinder/internal/observability"
)

// newSessionCmd creates the `session` command group.
func newSessionCmd(provider storeProvider) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect stored exploration sessions",
	}
	sessionCmd.AddCommand(newSessionShowCmd(provider))
	return sessionCmd
}

func newSessionShowCmd(provider storeProvider) *cobra.Command {
	var sessionID, format string
	var summaries bool

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the latest stored state of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runSessionShow(ctx, observability.SessionLogger("session_show", sessionID), cfg, sessionID, format, summaries, provider, cmd.OutOrStdout())
		},
	}

	showCmd.Flags().StringVar(&sessionID, "session", "", "The ID of the session to show (required)")
	_ = showCmd.MarkFlagRequired("session")
	showCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: 'text' or 'yaml'.")
	showCmd.Flags().BoolVar(&summaries, "summaries", false, "Include the cumulative extraction summary of every page.")

	return showCmd
}

// runSessionShow contains the core, testable logic of `session show`.
func runSessionShow(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	sessionID, format string,
	summaries bool,
	provider storeProvider,
	out io.Writer,
) error {
	format = strings.ToLower(format)
	if format != "text" && format != "yaml" {
		return fmt.Errorf("unsupported format %q: must be 'text' or 'yaml'", format)
	}

	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer cleanup()

	s, err := st.LoadLatest(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	logger.Debug("Loaded session snapshot", zap.String("session_id", sessionID), zap.Int("pages", len(s.Pages)))

	if format == "yaml" {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode session as YAML: %w", err)
		}
		return enc.Close()
	}

	md := s.Metadata
	fmt.Fprintf(out, "Session:   %s\n", md.SessionID)
	fmt.Fprintf(out, "Objective: %s\n", md.Objective)
	fmt.Fprintf(out, "Start URL: %s\n", md.StartURL)
	fmt.Fprintf(out, "Phase:     %s (objective achieved: %t)\n", md.Phase, md.ObjectiveAchieved)
	fmt.Fprintf(out, "Pages:     %d completed of %d discovered, %d steps\n\n", md.Counts.PagesCompleted, md.Counts.PagesDiscovered, md.Counts.StepsExecuted)

	pages := make([]*schemas.PageData, 0, len(s.Pages))
	for _, p := range s.Pages {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].DiscoveryOrder < pages[j].DiscoveryOrder })

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tPRIORITY\tSTEPS\tURL\tNOTE")
	for _, p := range pages {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", p.Status, p.Priority, p.CountedSteps, p.URL, p.FailureNote)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if summaries {
		for _, p := range pages {
			if p.CumulativeSummary == "" {
				continue
			}
			fmt.Fprintf(out, "\n%s\n", p.CumulativeSummary)
		}
	}
	return nil
}
