// Package browser renders web pages in headless Chrome for knowledge ingestion.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Bridge manages headless Chrome instances.
type Bridge struct {
	profileDir string
	headless   bool
	timeout    time.Duration
	logger     *slog.Logger
}

type BridgeConfig struct {
	ProfileDir string        // optional Chrome user data directory
	Headless   bool          // run without a visible window
	Timeout    time.Duration // per page (default: 30s)
	Logger     *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}
}

// NewContext creates a chromedp context. The caller must call cancel.
func (b *Bridge) NewContext(parentCtx context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(userAgent),
	)
	if b.profileDir != "" {
		if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
			b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
		}
		opts = append(opts, chromedp.UserDataDir(b.profileDir))
	}
	if b.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

// visibleTextJS collects the page's rendered text without navigation,
// scripts or styling blocks.
const visibleTextJS = `(function() {
	var drop = document.querySelectorAll('script, style, noscript, nav, header, footer, svg, iframe');
	for (var i = 0; i < drop.length; i++) { drop[i].remove(); }
	var main = document.querySelector('main, article, [role=main]') || document.body;
	return main ? (main.innerText || main.textContent || '') : '';
})()`

// PageText navigates to url and returns the document title and visible text,
// with blank lines collapsed.
func (b *Bridge) PageText(ctx context.Context, url string) (string, string, error) {
	taskCtx, cancel := b.NewContext(ctx)
	defer cancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, b.timeout)
	defer timeoutCancel()

	var title, text string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Title(&title),
		chromedp.Evaluate(visibleTextJS, &text),
	)
	if err != nil {
		return "", "", fmt.Errorf("render page: %w", err)
	}

	text = CollapseBlankLines(text)
	b.logger.Debug("page rendered", "url", url, "title", title, "chars", len(text))
	return strings.TrimSpace(title), text, nil
}

// CollapseBlankLines trims every line and keeps at most one empty line in a row.
func CollapseBlankLines(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
