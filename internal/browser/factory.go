// internal/browser/factory.go
package browser

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/config"
)

// NewDriver starts the automation driver named in the configuration.
func NewDriver(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (schemas.AutomationDriver, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "chromedp", "cdp":
		return NewCDPDriver(ctx, cfg, logger)
	case "playwright":
		return NewPlaywrightDriver(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}
