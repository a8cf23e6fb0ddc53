// Package chromedp_session acquires portal session cookies by loading the
// search page in a headless browser, for when the portal only answers
// requests that carry a browser-issued session.
package chromedp_session

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

type BrowserSession struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	pageURL     string
	timeout     time.Duration
	logger      *zap.Logger
}

// NewBrowserSession prepares a headless browser allocator. No browser is
// started until the first Cookies call.
func NewBrowserSession(pageURL, userAgent string, pageLoadTimeout time.Duration, logger *zap.Logger) *BrowserSession {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &BrowserSession{
		allocCtx:    allocCtx,
		allocCancel: cancel,
		pageURL:     pageURL,
		timeout:     pageLoadTimeout,
		logger:      logger.Named("browser_session"),
	}
}

// Cookies loads the search page and returns the cookies the portal set for it.
func (b *BrowserSession) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	taskCtx, cancel := chromedp.NewContext(b.allocCtx, chromedp.WithLogf(b.logger.Sugar().Debugf))
	defer cancel()

	taskCtx, cancel = context.WithTimeout(taskCtx, b.timeout)
	defer cancel()
	// the caller's cancellation still applies
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var raw []*network.Cookie
	startTime := time.Now()
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(b.pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			raw, err = network.GetCookies().WithURLs([]string{b.pageURL}).Do(ctx)
			return err
		}),
	)
	if err != nil {
		b.logger.Error("failed to acquire browser session", zap.String("url", b.pageURL), zap.Error(err))
		return nil, fmt.Errorf("browser session: %w", err)
	}

	cookies := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			cookie.Expires = time.Unix(int64(sec), int64(frac*1e9))
		}
		cookies = append(cookies, cookie)
	}
	b.logger.Info("acquired browser session",
		zap.Int("cookies", len(cookies)),
		zap.Duration("took", time.Since(startTime)),
	)
	return cookies, nil
}

// Close shuts the browser down.
func (b *BrowserSession) Close() {
	b.allocCancel()
}
