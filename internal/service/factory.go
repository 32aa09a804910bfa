// File: internal/service/factory.go
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/agent"
	"github.com/xkilldash9x/wayfinder/internal/browser"
	"github.com/xkilldash9x/wayfinder/internal/config"
	"github.com/xkilldash9x/wayfinder/internal/discovery"
	"github.com/xkilldash9x/wayfinder/internal/graph"
	"github.com/xkilldash9x/wayfinder/internal/llmclient"
	"github.com/xkilldash9x/wayfinder/internal/observability"
	"github.com/xkilldash9x/wayfinder/internal/orchestrator"
	"github.com/xkilldash9x/wayfinder/internal/session"
	"github.com/xkilldash9x/wayfinder/internal/store"
	"github.com/xkilldash9x/wayfinder/internal/summary"
	"github.com/xkilldash9x/wayfinder/internal/tools"
	"github.com/xkilldash9x/wayfinder/internal/transport"
)

// exploratoryGuidance is appended to the decision prompt when the session
// maps the site instead of pursuing a single task.
const exploratoryGuidance = `Exploration mode: map the site. Keep visiting pages and describing what they offer even after the objective is satisfied, and prefer links that lead to pages not yet in the exploration state.`

// SessionRequest describes the session to build. ResumeID, when set, loads
// the latest stored snapshot of that session instead of starting a new one;
// StartURL and Objective then default to the stored values.
type SessionRequest struct {
	StartURL  string
	Objective string
	ResumeID  string
}

// ComponentFactory defines the interface for creating the set of components
// needed for an exploration session. It keeps the explore command testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, req SessionRequest, logger *zap.Logger) (*Components, error)
}

type (
	storeOpener     func(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (schemas.SessionStore, error)
	driverOpener    func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (schemas.AutomationDriver, error)
	decisionsOpener func(ctx context.Context, cfg config.DecisionConfig, guidance string, metrics *observability.Metrics, logger *zap.Logger) (schemas.DecisionService, error)
)

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	openStore     storeOpener
	openDriver    driverOpener
	openDecisions decisionsOpener
	stdin         io.Reader
	stdout        io.Writer
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{
		openStore:     store.New,
		openDriver:    browser.NewDriver,
		openDecisions: llmclient.NewDecisionService,
		stdin:         os.Stdin,
		stdout:        os.Stdout,
	}
}

// Create handles the full dependency injection and initialization of the
// session components.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, req SessionRequest, logger *zap.Logger) (*Components, error) {
	components := &Components{}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	exp := cfg.Exploration()

	// 1. Credentials are checked before anything is started.
	if v, ok := cfg.(interface{ ValidateDecisionCredentials() error }); ok {
		if err := v.ValidateDecisionCredentials(); err != nil {
			initializationErr = err
			return nil, initializationErr
		}
	}

	// 2. Store
	st, err := f.openStore(ctx, cfg.Store(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize session store: %w", err)
		return nil, initializationErr
	}
	components.Store = st
	logger.Debug("Session store initialized.", zap.String("kind", cfg.Store().Kind))

	// 3. Session state, either fresh or restored.
	state, resumed, err := f.sessionState(ctx, st, exp, req, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.State = state
	components.Resumed = resumed
	logger = logger.With(zap.String("session_id", state.ID()))

	metrics := observability.NewMetrics("wayfinder")
	components.Metrics = metrics

	// 4. Human-facing transport and progress fan-out.
	inputs, publisher, liveness, err := f.transports(ctx, components, cfg.Transport(), metrics, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}

	// 5. Browser
	driver, err := f.openDriver(ctx, cfg.Browser(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to start browser: %w", err)
		return nil, initializationErr
	}
	components.Exclusive = browser.NewExclusive(driver, logger)
	logger.Debug("Browser started.", zap.String("driver", cfg.Browser().Driver))

	// 6. Decision service
	guidance := ""
	if exp.Exploratory {
		guidance = exploratoryGuidance
	}
	decisions, err := f.openDecisions(ctx, cfg.Decision(), guidance, metrics, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize decision service: %w", err)
		return nil, initializationErr
	}
	components.Decisions = decisions
	logger.Debug("Decision service initialized.", zap.String("provider", cfg.Decision().Provider))

	// 7. Tools, page loop, graphs and the driver loop.
	components.Tools = tools.NewRegistry(logger, state, inputs, summary.NewMarkdownFormatter(), metrics, tools.Config{
		DefaultPriority: exp.DefaultPriority,
		InputTimeout:    exp.InputTimeout,
		DefaultStandby:  exp.DefaultStandby,
		MaxStandby:      exp.MaxStandby,
		UserName:        cfg.Transport().UserName,
	})
	components.Agent = agent.New(agent.Dependencies{
		State:     state,
		Decisions: decisions,
		Tools:     components.Tools,
		Exclusive: components.Exclusive,
		Publisher: publisher,
		Liveness:  liveness,
		Metrics:   metrics,
	}, agent.Config{
		MaxStepsPerPage: exp.MaxStepsPerPage,
		MaxPages:        exp.MaxPages,
		HistoryWindow:   exp.HistoryWindow,
		Exploratory:     exp.Exploratory,
	}, logger)
	components.Graphs = graph.NewStore(graph.Builder{IncludeImages: true}, logger)

	orch, err := orchestrator.New(orchestrator.Dependencies{
		State:     state,
		Agent:     components.Agent,
		Tools:     components.Tools,
		Exclusive: components.Exclusive,
		Graphs:    components.Graphs,
		Store:     st,
		Publisher: publisher,
		Liveness:  liveness,
		Metrics:   metrics,
	}, orchestrator.Config{
		Mode:                  schemas.ExplorationMode(exp.Mode),
		MaxPages:              exp.MaxPages,
		Exploratory:           exp.Exploratory,
		BackgroundConcurrency: exp.BackgroundConcurrency,
		ExtractionPrompt:      exp.ExtractionPrompt,
	}, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch

	logger.Info("All session components initialized successfully.", zap.Bool("resumed", resumed))
	return components, nil
}

// sessionState restores req.ResumeID or starts a new session seeded with the
// start URL.
func (f *concreteFactory) sessionState(ctx context.Context, st schemas.SessionStore, exp config.ExplorationConfig, req SessionRequest, logger *zap.Logger) (*session.State, bool, error) {
	mode := schemas.ExplorationMode(exp.Mode)

	if req.ResumeID != "" {
		snap, err := st.LoadLatest(ctx, req.ResumeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, false, fmt.Errorf("cannot resume: no stored session %q", req.ResumeID)
			}
			return nil, false, fmt.Errorf("failed to load session %q: %w", req.ResumeID, err)
		}
		scope, err := discovery.NewBasicScopeManager(snap.Metadata.StartURL, exp.IncludeSubdomains)
		if err != nil {
			return nil, false, fmt.Errorf("failed to initialize scope manager: %w", err)
		}
		state := session.Restore(snap, session.Options{
			SessionID: snap.Metadata.SessionID,
			StartURL:  snap.Metadata.StartURL,
			Objective: snap.Metadata.Objective,
			Mode:      mode,
			Scope:     scope,
			Logger:    logger,
		})
		logger.Info("Resuming session.",
			zap.String("session_id", state.ID()),
			zap.Int("queued", state.QueueLen()))
		return state, true, nil
	}

	if strings.TrimSpace(req.StartURL) == "" {
		return nil, false, fmt.Errorf("a start URL is required")
	}
	scope, err := discovery.NewBasicScopeManager(req.StartURL, exp.IncludeSubdomains)
	if err != nil {
		return nil, false, fmt.Errorf("failed to initialize scope manager: %w", err)
	}
	state := session.New(session.Options{
		SessionID: uuid.NewString(),
		StartURL:  req.StartURL,
		Objective: req.Objective,
		Mode:      mode,
		Scope:     scope,
		Logger:    logger,
	})
	if _, err := state.RegisterDiscovery(req.StartURL, schemas.PriorityHighest, ""); err != nil {
		return nil, false, fmt.Errorf("invalid start URL: %w", err)
	}
	return state, false, nil
}

// transports builds the input transport, the progress publisher and the
// liveness source selected by cfg.
func (f *concreteFactory) transports(ctx context.Context, c *Components, cfg config.TransportConfig, metrics *observability.Metrics, logger *zap.Logger) (schemas.InputTransport, schemas.ProgressPublisher, schemas.Liveness, error) {
	var (
		inputs     schemas.InputTransport
		liveness   schemas.Liveness
		publishers transport.Fanout
	)

	switch strings.ToLower(cfg.Kind) {
	case "websocket":
		hub := transport.NewHub(transport.HubOptions{
			AllowedOrigin: cfg.AllowedOrigin,
			DisconnectTTL: cfg.DisconnectTTL,
			Metrics:       metrics,
		}, logger)
		tctx, cancel := context.WithCancel(ctx)
		wg := &sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hub.Serve(tctx, cfg.ListenAddr); err != nil {
				logger.Error("UI server stopped with error.", zap.Error(err))
			}
		}()
		c.Hub = hub
		c.stopTransport = cancel
		c.transportWG = wg
		inputs, liveness = hub, hub
		publishers = append(publishers, hub)
	case "", "console":
		console := transport.NewConsole(f.stdin, f.stdout, logger)
		c.Console = console
		inputs, liveness = console, console
		publishers = append(publishers, console)
	default:
		return nil, nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}

	if cfg.Redis.Enabled {
		rp, err := transport.NewRedisPublisher(cfg.Redis, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		c.Redis = rp
		publishers = append(publishers, rp)
		logger.Debug("Progress fan-out to Redis enabled.", zap.String("channel", rp.Channel()))
	}

	if len(publishers) == 1 {
		return inputs, publishers[0], liveness, nil
	}
	return inputs, publishers, liveness, nil
}
