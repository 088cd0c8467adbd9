package session

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// stealthScript runs before any page script and normalizes the fingerprints
// automation checks against: the webdriver flag, empty plugin lists, and
// missing language arrays.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', {
	get: () => [1, 2, 3, 4, 5],
});
Object.defineProperty(navigator, 'languages', {
	get: () => ['en-US', 'en'],
});
window.chrome = window.chrome || { runtime: {} };
`

func stealthAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx); err != nil {
			return fmt.Errorf("install stealth script: %w", err)
		}
		return nil
	})
}
