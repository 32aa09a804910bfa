// File: cmd/explore_test.go
package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/agent"
	"github.com/xkilldash9x/wayfinder/internal/browser"
	"github.com/xkilldash9x/wayfinder/internal/config"
	"github.com/xkilldash9x/wayfinder/internal/mocks"
	"github.com/xkilldash9x/wayfinder/internal/orchestrator"
	"github.com/xkilldash9x/wayfinder/internal/service"
	"github.com/xkilldash9x/wayfinder/internal/session"
	"github.com/xkilldash9x/wayfinder/internal/store"
	"github.com/xkilldash9x/wayfinder/internal/summary"
	"github.com/xkilldash9x/wayfinder/internal/tools"
)

// mockFactory is a testify mock of service.ComponentFactory.
type mockFactory struct {
	mock.Mock
}

func (m *mockFactory) Create(ctx context.Context, cfg config.Interface, req service.SessionRequest, logger *zap.Logger) (*service.Components, error) {
	args := m.Called(ctx, cfg, req, logger)
	c, _ := args.Get(0).(*service.Components)
	return c, args.Error(1)
}

// testComponents wires a real session over a fake browser and a decision
// service with no scripted answers.
func testComponents(t *testing.T, sessionID string) (*service.Components, *mocks.FakeDriver) {
	t.Helper()
	logger := zap.NewNop()
	state := session.New(session.Options{SessionID: sessionID, StartURL: "https://shop.example.com/", Objective: "find the contact page", Mode: schemas.ModeSequential})
	_, err := state.RegisterDiscovery("https://shop.example.com/", schemas.PriorityHighest, "")
	require.NoError(t, err)

	driver := mocks.NewFakeDriver()
	exclusive := browser.NewExclusive(driver, logger)
	registry := tools.NewRegistry(logger, state, &mocks.FakeInputTransport{}, summary.NewMarkdownFormatter(), nil, tools.Config{})
	ag := agent.New(agent.Dependencies{State: state, Decisions: &mocks.ScriptedDecisions{}, Tools: registry, Exclusive: exclusive}, agent.Config{MaxStepsPerPage: 5}, logger)
	st := store.NewMemoryStore()
	orch, err := orchestrator.New(orchestrator.Dependencies{State: state, Agent: ag, Tools: registry, Exclusive: exclusive, Store: st}, orchestrator.Config{MaxPages: 5}, logger)
	require.NoError(t, err)

	return &service.Components{
		State:        state,
		Store:        st,
		Exclusive:    exclusive,
		Tools:        registry,
		Agent:        ag,
		Orchestrator: orch,
	}, driver
}

func TestExploreCmd_Args(t *testing.T) {
	isolate(t)
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"NoArgs", []string{"explore"}, "requires at least 2 arg(s)"},
		{"URLOnly", []string{"explore", "https://shop.example.com"}, "requires at least 2 arg(s)"},
		{"ResumeWithArgs", []string{"explore", "--resume", "abc", "https://shop.example.com"}, "unknown command"},
		{"RelativeURL", []string{"explore", "shop.example.com", "find", "it"}, "invalid start URL"},
		{"FTPURL", []string{"explore", "ftp://shop.example.com", "find", "it"}, "invalid start URL"},
		{"BadMode", []string{"explore", "--mode", "sideways", "https://shop.example.com", "find", "it"}, "invalid --mode"},
		{"BadDriver", []string{"explore", "--driver", "lynx", "https://shop.example.com", "find", "it"}, "invalid --driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := new(mockFactory)
			_, err := executeCommand(t, factory, nil, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			factory.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestExploreCmd_PassesRequestToFactory(t *testing.T) {
	isolate(t)
	factory := new(mockFactory)
	components, _ := testComponents(t, "sess-cmd")

	want := service.SessionRequest{StartURL: "https://shop.example.com", Objective: "find the contact page"}
	factory.On("Create", mock.Anything, mock.MatchedBy(func(cfg config.Interface) bool {
		return cfg.Exploration().MaxPages == 3 && cfg.Exploration().Exploratory && !cfg.Browser().Headless
	}), want, mock.Anything).Return(components, nil).Once()

	out, err := executeCommand(t, factory, nil,
		"explore", "--max-pages", "3", "--exploratory", "--headless=false",
		"https://shop.example.com", "find", "the", "contact", "page")
	require.NoError(t, err)
	factory.AssertExpectations(t)
	assert.Contains(t, out, "Exploration complete. Session ID: sess-cmd")
}

func TestExploreCmd_Resume(t *testing.T) {
	isolate(t)
	factory := new(mockFactory)
	components, _ := testComponents(t, "sess-resume")
	factory.On("Create", mock.Anything, mock.Anything, service.SessionRequest{ResumeID: "sess-resume"}, mock.Anything).Return(components, nil).Once()

	_, err := executeCommand(t, factory, nil, "explore", "--resume", "sess-resume")
	require.NoError(t, err)
	factory.AssertExpectations(t)
}

func TestRunExplore(t *testing.T) {
	logger := zap.NewNop()
	req := service.SessionRequest{StartURL: "https://shop.example.com/", Objective: "find the contact page"}

	t.Run("FactoryError", func(t *testing.T) {
		factory := new(mockFactory)
		factory.On("Create", mock.Anything, mock.Anything, req, logger).Return(nil, assert.AnError)

		err := runExplore(context.Background(), logger, config.NewDefaultConfig(), req, factory, &bytes.Buffer{})
		require.ErrorIs(t, err, assert.AnError)
		assert.Contains(t, err.Error(), "failed to initialize session components")
	})

	t.Run("CompletesAndShutsDown", func(t *testing.T) {
		components, driver := testComponents(t, "sess-ok")
		factory := new(mockFactory)
		factory.On("Create", mock.Anything, mock.Anything, req, logger).Return(components, nil)

		var out bytes.Buffer
		err := runExplore(context.Background(), logger, config.NewDefaultConfig(), req, factory, &out)
		require.NoError(t, err)

		assert.Contains(t, out.String(), "Stop reason:        queue_empty")
		assert.Contains(t, out.String(), "wayfinder graph export --session sess-ok")
		assert.NotContains(t, out.String(), "--resume")
		assert.True(t, driver.Closed, "components must be shut down")
	})

	t.Run("CanceledPrintsResumeHint", func(t *testing.T) {
		components, _ := testComponents(t, "sess-cancel")
		factory := new(mockFactory)
		factory.On("Create", mock.Anything, mock.Anything, req, logger).Return(components, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var out bytes.Buffer
		err := runExplore(ctx, logger, config.NewDefaultConfig(), req, factory, &out)
		require.ErrorIs(t, err, context.Canceled)
		assert.Contains(t, out.String(), "wayfinder explore --resume sess-cancel")
	})

	t.Run("MissingObjective", func(t *testing.T) {
		factory := new(mockFactory)
		err := runExplore(context.Background(), logger, config.NewDefaultConfig(),
			service.SessionRequest{StartURL: "https://shop.example.com/", Objective: "  "}, factory, &bytes.Buffer{})
		require.Error(t, err)
		factory.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestApplyExploreFlagOverrides(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg config.Interface)
	}{
		{
			name: "UnsetFlagsKeepConfig",
			args: nil,
			check: func(t *testing.T, cfg config.Interface) {
				def := config.NewDefaultConfig()
				assert.Equal(t, def.Exploration(), cfg.Exploration())
				assert.Equal(t, def.Browser().Headless, cfg.Browser().Headless)
			},
		},
		{
			name: "AllOverrides",
			args: []string{"--mode", "background", "--max-pages", "4", "--max-steps", "9", "--exploratory", "--headless=false", "--driver", "playwright"},
			check: func(t *testing.T, cfg config.Interface) {
				assert.Equal(t, "background", cfg.Exploration().Mode)
				assert.Equal(t, 4, cfg.Exploration().MaxPages)
				assert.Equal(t, 9, cfg.Exploration().MaxStepsPerPage)
				assert.True(t, cfg.Exploration().Exploratory)
				assert.False(t, cfg.Browser().Headless)
				assert.Equal(t, "playwright", cfg.Browser().Driver)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			cmd := newExploreCmd(nil)
			require.NoError(t, cmd.ParseFlags(tt.args))
			require.NoError(t, applyExploreFlagOverrides(cmd.Flags(), cfg))
			tt.check(t, cfg)
		})
	}

	t.Run("RejectsNonPositiveLimits", func(t *testing.T) {
		cmd := newExploreCmd(nil)
		require.NoError(t, cmd.ParseFlags([]string{"--max-pages", "0"}))
		assert.Error(t, applyExploreFlagOverrides(cmd.Flags(), config.NewDefaultConfig()))
	})
}
