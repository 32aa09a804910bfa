// internal/browser/cdp_driver.go
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/config"
)

// ErrElementNotFound is returned when an instruction's target matches nothing.
var ErrElementNotFound = errors.New("no element found for target")

// CDPDriver drives a Chromium instance over the DevTools protocol.
type CDPDriver struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	closeOnce sync.Once
}

var _ schemas.AutomationDriver = (*CDPDriver)(nil)

// execOptions builds allocator options from the browser configuration.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(viewportDims(cfg)),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	// Args may be "--flag" or "--flag=value".
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

func viewportDims(cfg config.BrowserConfig) (int, int) {
	w, h := cfg.Viewport["width"], cfg.Viewport["height"]
	if w <= 0 {
		w = 1280
	}
	if h <= 0 {
		h = 800
	}
	return w, h
}

// NewCDPDriver launches Chromium and opens a single tab.
func NewCDPDriver(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*CDPDriver, error) {
	d := &CDPDriver{logger: logger.Named("cdp_driver"), cfg: cfg}

	// The browser must outlive the caller's startup context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), execOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(d.logger.Sugar().Debugf))

	w, h := viewportDims(cfg)
	startCtx, cancel := context.WithTimeout(tabCtx, 60*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(startCtx, emulation.SetDeviceMetricsOverride(int64(w), int64(h), 1, false)); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start chromium: %w", err)
	}

	d.allocCancel = allocCancel
	d.tabCtx = tabCtx
	d.tabCancel = tabCancel
	d.logger.Info("Chromium started", zap.Bool("headless", cfg.Headless), zap.Int("width", w), zap.Int("height", h))
	return d, nil
}

// run executes actions on the tab, bounded by both ctx and timeout.
func (d *CDPDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(d.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(opCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && opCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timed out after %v: %w", timeout, err)
	}
	return err
}

func (d *CDPDriver) actionTimeout() time.Duration {
	if d.cfg.ActionTimeout > 0 {
		return d.cfg.ActionTimeout
	}
	return 15 * time.Second
}

func (d *CDPDriver) navigationTimeout() time.Duration {
	if d.cfg.NavigationTimeout > 0 {
		return d.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func evalOpts(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithReturnByValue(true).WithAwaitPromise(true)
}

// Navigate loads url and waits for the body plus the configured settle time.
func (d *CDPDriver) Navigate(ctx context.Context, url string) error {
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if d.cfg.PostLoadWait > 0 {
		actions = append(actions, chromedp.Sleep(d.cfg.PostLoadWait))
	}
	if err := d.run(ctx, d.navigationTimeout(), actions...); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// Act parses the instruction and performs it.
func (d *CDPDriver) Act(ctx context.Context, instruction string) error {
	action, err := ParseInstruction(instruction)
	if err != nil {
		return err
	}
	d.logger.Debug("Performing action", zap.String("kind", string(action.Kind)), zap.Stringer("target", action.Target))

	switch action.Kind {
	case ActionNavigate:
		return d.Navigate(ctx, action.URL)
	case ActionBack:
		return d.run(ctx, d.navigationTimeout(), chromedp.NavigateBack(), chromedp.WaitReady("body", chromedp.ByQuery))
	case ActionScroll:
		return d.run(ctx, d.actionTimeout(), chromedp.Evaluate(fmt.Sprintf(scrollScript, jsArg(action.Value)), nil))
	case ActionPress:
		return d.run(ctx, d.actionTimeout(), chromedp.KeyEvent(keyRune(action.Value)), d.settle())
	}

	sel, err := d.locate(ctx, action.Target)
	if err != nil {
		return err
	}
	timeout := d.actionTimeout()
	switch action.Kind {
	case ActionType:
		return d.run(ctx, timeout,
			chromedp.Clear(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, action.Value, chromedp.ByQuery),
		)
	case ActionSelect:
		return d.run(ctx, timeout, chromedp.SetValue(sel, action.Value, chromedp.ByQuery),
			chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%s).dispatchEvent(new Event('change', {bubbles: true}))`, jsArg(sel)), nil))
	case ActionHover:
		return d.run(ctx, timeout, chromedp.ActionFunc(func(c context.Context) error {
			var box []float64
			if err := chromedp.Evaluate(fmt.Sprintf(`(function(s){const r=document.querySelector(s).getBoundingClientRect();return [r.left+r.width/2,r.top+r.height/2];})(%s)`, jsArg(sel)), &box).Do(c); err != nil {
				return err
			}
			if len(box) != 2 {
				return fmt.Errorf("could not compute hover point for %s", sel)
			}
			return input.DispatchMouseEvent(input.MouseMoved, box[0], box[1]).Do(c)
		}))
	case ActionCheck, ActionUncheck:
		var ok bool
		err := d.run(ctx, timeout, chromedp.Evaluate(fmt.Sprintf(setCheckedScript, jsArg(sel), jsArg(action.Kind == ActionCheck)), &ok))
		if err == nil && !ok {
			return fmt.Errorf("%w: %s", ErrElementNotFound, action.Target)
		}
		return err
	default:
		return d.run(ctx, timeout, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible), d.settle())
	}
}

// settle gives navigations triggered by an interaction a moment to start.
func (d *CDPDriver) settle() chromedp.Action {
	return chromedp.ActionFunc(func(c context.Context) error {
		wait := d.cfg.PostLoadWait
		if wait <= 0 {
			wait = 500 * time.Millisecond
		}
		return chromedp.Sleep(wait).Do(c)
	})
}

func (d *CDPDriver) locate(ctx context.Context, t Target) (string, error) {
	var token *string
	err := d.run(ctx, d.actionTimeout(), chromedp.Evaluate(locateExpr(t), &token, evalOpts))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", t, err)
	}
	if token == nil || *token == "" {
		return "", fmt.Errorf("%w: %s", ErrElementNotFound, t)
	}
	return markerSelector(*token), nil
}

func keyRune(name string) string {
	switch name {
	case "Enter":
		return "\r"
	case "Tab":
		return "\t"
	case "Escape":
		return "\x1b"
	case "Backspace":
		return "\b"
	}
	return name
}

// Extract returns a JSON snapshot of the page's content.
func (d *CDPDriver) Extract(ctx context.Context, instruction string) ([]byte, error) {
	var out json.RawMessage
	if err := d.run(ctx, d.actionTimeout(), chromedp.Evaluate(fmt.Sprintf(extractScript, jsArg(instruction)), &out, evalOpts)); err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	return out, nil
}

// Screenshot captures the full page as PNG.
func (d *CDPDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := d.run(ctx, d.actionTimeout(), chromedp.ActionFunc(func(c context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).WithCaptureBeyondViewport(true).Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// CurrentURL reports the tab's location.
func (d *CDPDriver) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := d.run(ctx, d.actionTimeout(), chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

// WaitForTimeout sleeps for dur unless ctx ends first.
func (d *CDPDriver) WaitForTimeout(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.tabCtx.Done():
		return errors.New("browser closed during wait")
	}
}

// PageState summarizes visible and clickable elements.
func (d *CDPDriver) PageState(ctx context.Context) (*schemas.PageState, error) {
	var st schemas.PageState
	if err := d.run(ctx, d.actionTimeout(), chromedp.Evaluate(pageStateScript, &st, evalOpts)); err != nil {
		return nil, err
	}
	return &st, nil
}

// Close shuts the tab and the browser process.
func (d *CDPDriver) Close() error {
	d.closeOnce.Do(func() {
		if d.tabCtx != nil {
			closeCtx, cancel := context.WithTimeout(d.tabCtx, 5*time.Second)
			if err := chromedp.Cancel(closeCtx); err != nil {
				d.logger.Debug("Graceful browser close failed", zap.Error(err))
			}
			cancel()
			d.tabCancel()
		}
		if d.allocCancel != nil {
			d.allocCancel()
		}
		d.logger.Info("Chromium stopped")
	})
	return nil
}
