package youtube

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/chromedp/chromedp"

	"yta-ingest/utils"
)

// ErrUnsupported is returned for questions a source cannot answer.
var ErrUnsupported = errors.New("not supported by this source")

var joinedRe = regexp.MustCompile(`Joined\s+([A-Z][a-z]{2,8})\.?\s+(\d{1,2}),\s+(\d{4})`)

// AboutPageProbe reads the "Joined" date from the public channel page with a headless browser.
// It is only consulted when the Data API cannot tell when the channel was created.
type AboutPageProbe struct {
	channelURL string
	chromeBin  string
	logger     *utils.Logger
	timeout    time.Duration
}

func NewAboutPageProbe(channelURL, chromeBin string, logger *utils.Logger) *AboutPageProbe {
	return &AboutPageProbe{
		channelURL: strings.TrimRight(channelURL, "/"),
		chromeBin:  chromeBin,
		logger:     logger,
		timeout:    45 * time.Second,
	}
}

func (p *AboutPageProbe) ChannelCreated(ctx context.Context) (civil.Date, error) {
	if p.channelURL == "" {
		return civil.Date{}, errors.New("about page: no channel URL configured")
	}

	bin := p.chromeBin
	if bin == "" {
		bin = findChromeBinary()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("lang", "en-US"),
	)
	if bin != "" {
		opts = append(opts, chromedp.ExecPath(bin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	// Suppress chromedp log noise
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelBrowser()

	timeoutCtx, cancelTimeout := context.WithTimeout(browserCtx, p.timeout)
	defer cancelTimeout()

	url := p.channelURL + "/about"
	p.logger.Info("[about] Loading %s", url)

	var text string
	err := chromedp.Run(timeoutCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(4*time.Second),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
	)
	if err != nil {
		return civil.Date{}, fmt.Errorf("about page: %w", err)
	}
	return parseJoined(text)
}

func (p *AboutPageProbe) EarliestPublished(context.Context, int) (civil.Date, error) {
	return civil.Date{}, ErrUnsupported
}

// parseJoined extracts the date from text like "Joined Mar 5, 2012".
func parseJoined(text string) (civil.Date, error) {
	m := joinedRe.FindStringSubmatch(text)
	if m == nil {
		return civil.Date{}, errors.New("about page: no joined date found")
	}
	month := m[1]
	if len(month) > 3 {
		month = month[:3]
	}
	t, err := time.Parse("Jan 2 2006", month+" "+m[2]+" "+m[3])
	if err != nil {
		return civil.Date{}, fmt.Errorf("about page: parse %q: %w", m[0], err)
	}
	return civil.DateOf(t), nil
}

// findChromeBinary locates a Chrome/Chromium binary.
func findChromeBinary() string {
	for _, name := range []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}
