package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/internal/config"
	"github.com/xkilldash9x/wayfinder/internal/observability"
	"github.com/xkilldash9x/wayfinder/internal/orchestrator"
	"github.com/xkilldash9x/wayfinder/internal/service"
)

// newExploreCmd creates and configures the `explore` command.
func newExploreCmd(factory service.ComponentFactory) *cobra.Command {
	var resumeID string

	exploreCmd := &cobra.Command{
		Use:   "explore <start-url> <objective...>",
		Short: "Explores a website towards an objective",
		Long: `Starts a browser at <start-url> and lets the decision service drive it until the
objective is reached, the page ceiling is hit or no pages are left to visit.
Everything after the URL is the objective.

With --resume, continues a stored session instead; no arguments are needed.`,
		Example: `  wayfinder explore https://shop.example.com find the contact page
  wayfinder explore --mode background --exploratory https://docs.example.com map the documentation
  wayfinder explore --resume 3f2a9c8e-4b1d-4c6e-9f3a-2b7d8e1c0a45`,
		Args: func(cmd *cobra.Command, args []string) error {
			if resumeID != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.MinimumNArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := applyExploreFlagOverrides(cmd.Flags(), cfg); err != nil {
				return err
			}

			req := service.SessionRequest{ResumeID: resumeID}
			if resumeID == "" {
				req.StartURL = args[0]
				req.Objective = strings.Join(args[1:], " ")
			}
			return runExplore(ctx, logger, cfg, req, factory, cmd.OutOrStdout())
		},
	}

	exploreCmd.Flags().StringVar(&resumeID, "resume", "", "Resume a stored session by ID instead of starting a new one.")
	exploreCmd.Flags().String("mode", "", "Exploration mode: 'sequential' or 'background'. (Overrides config/env)")
	exploreCmd.Flags().Int("max-pages", 0, "Maximum number of pages to start. (Overrides config/env)")
	exploreCmd.Flags().Int("max-steps", 0, "Maximum counted steps per page. (Overrides config/env)")
	exploreCmd.Flags().Bool("exploratory", false, "Keep mapping the site after the objective is met. (Overrides config/env)")
	exploreCmd.Flags().Bool("headless", true, "Run the browser without a window. (Overrides config/env)")
	exploreCmd.Flags().String("driver", "", "Browser driver: 'chromedp' or 'playwright'. (Overrides config/env)")

	return exploreCmd
}

// applyExploreFlagOverrides copies explicitly set flags onto cfg. Flags left
// at their defaults never override the config file or environment.
func applyExploreFlagOverrides(flags *pflag.FlagSet, cfg config.Interface) error {
	if flags.Changed("mode") {
		mode, _ := flags.GetString("mode")
		mode = strings.ToLower(mode)
		if mode != "sequential" && mode != "background" {
			return fmt.Errorf("invalid --mode %q: must be 'sequential' or 'background'", mode)
		}
		cfg.SetExplorationMode(mode)
	}
	if flags.Changed("max-pages") {
		n, _ := flags.GetInt("max-pages")
		if n <= 0 {
			return fmt.Errorf("--max-pages must be positive, got %d", n)
		}
		cfg.SetExplorationMaxPages(n)
	}
	if flags.Changed("max-steps") {
		n, _ := flags.GetInt("max-steps")
		if n <= 0 {
			return fmt.Errorf("--max-steps must be positive, got %d", n)
		}
		cfg.SetExplorationMaxStepsPerPage(n)
	}
	if flags.Changed("exploratory") {
		b, _ := flags.GetBool("exploratory")
		cfg.SetExplorationExploratory(b)
	}
	if flags.Changed("headless") {
		b, _ := flags.GetBool("headless")
		cfg.SetBrowserHeadless(b)
	}
	if flags.Changed("driver") {
		d, _ := flags.GetString("driver")
		d = strings.ToLower(d)
		if d != "chromedp" && d != "playwright" {
			return fmt.Errorf("invalid --driver %q: must be 'chromedp' or 'playwright'", d)
		}
		cfg.SetBrowserDriver(d)
	}
	return nil
}

// validateStartURL accepts absolute http(s) URLs only.
func validateStartURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid start URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid start URL %q: must be an absolute http or https URL", raw)
	}
	return nil
}

// runExplore contains the core, testable logic of the explore command.
func runExplore(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	req service.SessionRequest,
	factory service.ComponentFactory,
	out io.Writer,
) error {
	if req.ResumeID == "" {
		if err := validateStartURL(req.StartURL); err != nil {
			return err
		}
		if strings.TrimSpace(req.Objective) == "" {
			return fmt.Errorf("an objective is required")
		}
	}

	logger.Info("Starting exploration",
		zap.String("start_url", req.StartURL),
		zap.String("objective", req.Objective),
		zap.String("resume", req.ResumeID),
		zap.String("mode", cfg.Exploration().Mode),
		zap.Int("max_pages", cfg.Exploration().MaxPages))

	components, err := factory.Create(ctx, cfg, req, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session components: %w", err)
	}
	defer components.Shutdown()

	sessionID := components.State.ID()
	res, err := components.Orchestrator.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Exploration aborted gracefully", zap.String("session_id", sessionID))
			fmt.Fprintf(out, "\nExploration interrupted. Resume with: wayfinder explore --resume %s\n", sessionID)
			return err
		}
		return fmt.Errorf("exploration failed: %w", err)
	}

	printSummary(out, sessionID, res)
	return nil
}

func printSummary(out io.Writer, sessionID string, res *orchestrator.Result) {
	counts := res.Session.Metadata.Counts
	fmt.Fprintf(out, "\nExploration complete. Session ID: %s\n", sessionID)
	fmt.Fprintf(out, "  Stop reason:        %s\n", res.Reason)
	fmt.Fprintf(out, "  Objective achieved: %t\n", res.Session.Metadata.ObjectiveAchieved)
	fmt.Fprintf(out, "  Pages completed:    %d of %d discovered\n", counts.PagesCompleted, counts.PagesDiscovered)
	fmt.Fprintf(out, "  Steps executed:     %d\n", counts.StepsExecuted)
	if res.Reason == orchestrator.StopDisconnected || res.Reason == orchestrator.StopMaxPages {
		fmt.Fprintf(out, "To continue, run: wayfinder explore --resume %s\n", sessionID)
	}
	fmt.Fprintf(out, "To export graphs, run: wayfinder graph export --session %s\n", sessionID)
}
