// internal/browser/playwright_driver.go
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/config"
)

const playwrightInstallTimeout = 5 * time.Minute

// PlaywrightDriver drives Chromium through the Playwright protocol.
type PlaywrightDriver struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page

	closeOnce sync.Once
	closeErr  error
}

var _ schemas.AutomationDriver = (*PlaywrightDriver)(nil)

// NewPlaywrightDriver installs Chromium if needed, launches it and opens a page.
func NewPlaywrightDriver(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*PlaywrightDriver, error) {
	d := &PlaywrightDriver{logger: logger.Named("playwright_driver"), cfg: cfg}

	if err := ensureInstallation(ctx, d.logger); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright driver: %w", err)
	}
	d.pw = pw

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		Args:     append([]string{"--disable-gpu", "--no-sandbox", "--disable-dev-shm-usage"}, cfg.Args...),
		Timeout:  playwright.Float(60000),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser instance: %w", err)
	}
	d.browser = browser

	w, h := viewportDims(cfg)
	opts := playwright.BrowserNewContextOptions{
		Viewport:          &playwright.Size{Width: w, Height: h},
		IgnoreHttpsErrors: playwright.Bool(cfg.IgnoreTLSErrors),
	}
	if cfg.UserAgent != "" {
		opts.UserAgent = playwright.String(cfg.UserAgent)
	}
	bctx, err := browser.NewContext(opts)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	d.bctx = bctx
	bctx.SetDefaultTimeout(float64(d.actionTimeout().Milliseconds()))
	bctx.SetDefaultNavigationTimeout(float64(d.navigationTimeout().Milliseconds()))

	pg, err := bctx.NewPage()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	d.page = pg
	d.logger.Info("Playwright browser started", zap.String("version", browser.Version()))
	return d, nil
}

func ensureInstallation(ctx context.Context, logger *zap.Logger) error {
	logger.Info("Verifying Playwright browser installation...")
	installCtx, cancel := context.WithTimeout(ctx, playwrightInstallTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to install playwright browsers: %w", err)
		}
		return nil
	case <-installCtx.Done():
		return fmt.Errorf("timeout waiting for Playwright installation: %w", installCtx.Err())
	}
}

func (d *PlaywrightDriver) actionTimeout() time.Duration {
	if d.cfg.ActionTimeout > 0 {
		return d.cfg.ActionTimeout
	}
	return 15 * time.Second
}

func (d *PlaywrightDriver) navigationTimeout() time.Duration {
	if d.cfg.NavigationTimeout > 0 {
		return d.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func ms(d time.Duration) *float64 { return playwright.Float(float64(d.Milliseconds())) }

// Navigate loads url and waits for the load event.
func (d *PlaywrightDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   ms(d.navigationTimeout()),
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	if d.cfg.PostLoadWait > 0 {
		return d.WaitForTimeout(ctx, d.cfg.PostLoadWait)
	}
	return nil
}

// Act parses the instruction and performs it with a locator.
func (d *PlaywrightDriver) Act(ctx context.Context, instruction string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	action, err := ParseInstruction(instruction)
	if err != nil {
		return err
	}
	d.logger.Debug("Performing action", zap.String("kind", string(action.Kind)), zap.Stringer("target", action.Target))

	timeout := ms(d.actionTimeout())
	switch action.Kind {
	case ActionNavigate:
		return d.Navigate(ctx, action.URL)
	case ActionBack:
		_, err := d.page.GoBack(playwright.PageGoBackOptions{Timeout: ms(d.navigationTimeout())})
		return err
	case ActionScroll:
		_, err := d.page.Evaluate(fmt.Sprintf(scrollScript, jsArg(action.Value)))
		return err
	case ActionPress:
		if err := d.page.Keyboard().Press(action.Value); err != nil {
			return err
		}
		return d.settle(ctx)
	}

	sel, err := d.locate(action.Target)
	if err != nil {
		return err
	}
	loc := d.page.Locator(sel)
	switch action.Kind {
	case ActionType:
		return loc.Fill(action.Value, playwright.LocatorFillOptions{Timeout: timeout})
	case ActionSelect:
		_, err := loc.SelectOption(playwright.SelectOptionValues{Labels: playwright.StringSlice(action.Value)},
			playwright.LocatorSelectOptionOptions{Timeout: timeout})
		if err != nil {
			_, err = loc.SelectOption(playwright.SelectOptionValues{Values: playwright.StringSlice(action.Value)},
				playwright.LocatorSelectOptionOptions{Timeout: timeout})
		}
		return err
	case ActionHover:
		return loc.Hover(playwright.LocatorHoverOptions{Timeout: timeout})
	case ActionCheck:
		return loc.Check(playwright.LocatorCheckOptions{Timeout: timeout})
	case ActionUncheck:
		return loc.Uncheck(playwright.LocatorUncheckOptions{Timeout: timeout})
	default:
		if err := loc.Click(playwright.LocatorClickOptions{Timeout: timeout}); err != nil {
			return err
		}
		return d.settle(ctx)
	}
}

func (d *PlaywrightDriver) settle(ctx context.Context) error {
	wait := d.cfg.PostLoadWait
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	return d.WaitForTimeout(ctx, wait)
}

func (d *PlaywrightDriver) locate(t Target) (string, error) {
	res, err := d.page.Evaluate(locateExpr(t))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", t, err)
	}
	token, _ := res.(string)
	if token == "" {
		return "", fmt.Errorf("%w: %s", ErrElementNotFound, t)
	}
	return markerSelector(token), nil
}

// Extract returns a JSON snapshot of the page's content.
func (d *PlaywrightDriver) Extract(ctx context.Context, instruction string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := d.page.Evaluate(fmt.Sprintf(extractScript, jsArg(instruction)))
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	return json.Marshal(res)
}

// Screenshot captures the full page as PNG.
func (d *PlaywrightDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := d.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Type:     playwright.ScreenshotTypePng,
		Timeout:  ms(d.actionTimeout()),
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// CurrentURL reports the page's location.
func (d *PlaywrightDriver) CurrentURL(ctx context.Context) (string, error) {
	if d.page.IsClosed() {
		return "", errors.New("page is closed")
	}
	return d.page.URL(), nil
}

// WaitForTimeout sleeps for dur unless ctx ends first.
func (d *PlaywrightDriver) WaitForTimeout(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PageState summarizes visible and clickable elements.
func (d *PlaywrightDriver) PageState(ctx context.Context) (*schemas.PageState, error) {
	res, err := d.page.Evaluate(pageStateScript)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var st schemas.PageState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unexpected page state payload: %w", err)
	}
	return &st, nil
}

// Close shuts down the page, the browser and the Playwright driver.
func (d *PlaywrightDriver) Close() error {
	d.closeOnce.Do(func() {
		var errs []string
		if d.bctx != nil {
			if err := d.bctx.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if d.browser != nil {
			if err := d.browser.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if d.pw != nil {
			if err := d.pw.Stop(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			d.closeErr = fmt.Errorf("playwright shutdown: %s", strings.Join(errs, "; "))
			d.logger.Warn("Playwright shutdown reported errors", zap.Error(d.closeErr))
			return
		}
		d.logger.Info("Playwright browser stopped")
	})
	return d.closeErr
}
