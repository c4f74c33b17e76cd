package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
)

// ErrDisabled is returned by Noop when browser automation is switched off.
var ErrDisabled = errors.New("headless browser not configured")

// Noop implements chart.BrowserLauncher but never starts a browser.
type Noop struct{}

// NewNoop creates a new Noop launcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Launch always fails with ErrDisabled.
func (Noop) Launch(_ context.Context) (chart.BrowserSession, error) {
	return nil, ErrDisabled
}
