package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

type Browser struct {
	cfg      *Config
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	stopChan chan bool
}

func NewBrowser(cfg *Config) *Browser {
	return &Browser{
		cfg:      cfg,
		stopChan: make(chan bool, 1),
	}
}

func (b *Browser) Setup() error {
	logLine("browser_launching")

	// Disable leakless mode on Windows to prevent deadlock
	// See: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	// Prefer system Chrome: avoids the download and keeps the real profile
	chromePath, chromeExists := launcher.LookPath()

	b.launcher = launcher.New().
		Leakless(useLeakless).
		Headless(b.cfg.Headless)

	if b.cfg.BrowserProfilePath != "" {
		b.launcher = b.launcher.UserDataDir(b.cfg.BrowserProfilePath)
		debugLog("browser profile path: %s", b.cfg.BrowserProfilePath)
	}

	if chromeExists {
		b.launcher = b.launcher.Bin(chromePath)
		logLine("browser_using_system_chrome")
	} else {
		logLine("browser_chrome_not_found")
	}

	url, err := b.launcher.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	b.browser = rod.New().ControlURL(url)
	if err := b.browser.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	b.page, err = stealth.Page(b.browser)
	if err != nil {
		return fmt.Errorf("failed to create stealth page: %w", err)
	}

	userAgent := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	if err := b.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		debugLog("failed to set user agent: %v", err)
	}

	go b.watch()

	logLine("browser_launched")
	return nil
}

func (b *Browser) Close() {
	select {
	case b.stopChan <- true:
	default:
	}

	logLine("browser_cleanup")

	if b.page != nil {
		b.page.Close()
	}

	if b.browser != nil {
		b.browser.Close()
	}

	if b.launcher != nil {
		b.launcher.Cleanup()
	}
}

// Navigate performs a full page replace and waits for the load event. This
// is the hard boundary between automation instances.
func (b *Browser) Navigate(url string) error {
	if err := b.page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	if err := b.page.Timeout(b.cfg.PageLoadTimeout()).WaitLoad(); err != nil {
		return fmt.Errorf("page failed to load: %w", err)
	}
	return nil
}

func (b *Browser) CurrentURL() (string, error) {
	info, err := b.page.Info()
	if err != nil {
		return "", fmt.Errorf("failed to read page info: %w", err)
	}
	return info.URL, nil
}

func (b *Browser) isAlive() bool {
	if b.browser == nil {
		return false
	}

	if _, err := b.browser.Version(); err != nil {
		debugLog("browser version check failed: %v", err)
		return false
	}

	if b.page != nil {
		if _, err := b.page.Info(); err != nil {
			debugLog("page info check failed: %v", err)
			return false
		}
	}

	return true
}

func (b *Browser) watch() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if !b.isAlive() {
				logLine("browser_closed_by_user")
				os.Exit(0)
			}
		}
	}
}
