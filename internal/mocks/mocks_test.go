package mocks

import (
	"github.com/xkilldash9x/wayfinder/api/schemas"
)

var (
	_ schemas.DecisionService   = (*MockDecisionService)(nil)
	_ schemas.DecisionService   = (*ScriptedDecisions)(nil)
	_ schemas.AutomationDriver  = (*MockAutomationDriver)(nil)
	_ schemas.AutomationDriver  = (*FakeDriver)(nil)
	_ schemas.InputTransport    = (*FakeInputTransport)(nil)
	_ schemas.ProgressPublisher = (*RecordingPublisher)(nil)
	_ schemas.SessionStore      = (*MockSessionStore)(nil)
	_ schemas.Liveness          = (*StaticLiveness)(nil)
)
