package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
)

// Settings is the per-run session config. It is owned by the controller for
// the lifetime of one run, persisted in the store so it survives navigation,
// and immutable while a stage executes.
type Settings struct {
	Keyword      string `json:"keyword"`
	Quantity     string `json:"quantity"`
	SessionIndex int    `json:"sessionIndex"`
	ShowID       string `json:"showId"`
}

// RunStatus is the single source of truth surfaced to the controlling UI.
type RunStatus struct {
	Running      bool   `json:"running"`
	ErrorMessage string `json:"errorMessage"`
	Outcome      string `json:"outcome,omitempty"`
}

// settingsStore persists Settings and RunStatus across automation instances.
// The UI may write concurrently with a different instance's read, so callers
// re-read instead of caching across suspension points.
type settingsStore interface {
	LoadSettings() (Settings, error)
	RunEnabled() (bool, error)
	RecordFailure(reason string) error
	RecordSuccess() error
	Status() (RunStatus, error)
}

// Notifier pushes status changes and instance lifecycle events to the
// controlling UI.
type Notifier interface {
	StatusChanged(status RunStatus)
	InstanceLifecycle(instanceID, phase string)
}

type noopNotifier struct{}

func (noopNotifier) StatusChanged(RunStatus)          {}
func (noopNotifier) InstanceLifecycle(string, string) {}

// stageFunc executes one stage against a live automation instance.
type stageFunc func(*instance) error

// instance is one page-load's worth of automation. Nothing in memory crosses
// a navigation: each instance reconstructs its view of the world from the
// store at start.
type instance struct {
	id         string
	created    time.Time
	cfg        *Config
	settings   Settings
	page       *rod.Page
	rng        *rand.Rand
	recognizer *Recognizer
	navigateFn func(url string) error
	locationFn func() (string, error)
}

func (inst *instance) navigate(url string) error { return inst.navigateFn(url) }

func (inst *instance) location() (string, error) { return inst.locationFn() }

func (inst *instance) logf(key string, args ...interface{}) { logLine(key, args...) }

type instanceResult int

const (
	instanceNavigated instanceResult = iota
	instanceIdle
	instanceSuccess
)

// Controller owns one automation run: it reads the persisted config at each
// page load, classifies the stage, dispatches it, and reports the single
// terminal transition.
type Controller struct {
	cfg        *Config
	store      settingsStore
	notifier   Notifier
	browser    *Browser
	recognizer *Recognizer
	rng        *rand.Rand
	runID      string

	stages           map[Stage]stageFunc
	locationFn       func() (string, error)
	navigateFn       func(url string) error
	idlePollInterval time.Duration

	stopped atomic.Bool

	mu   sync.Mutex
	done bool
}

func NewController(cfg *Config, store settingsStore, notifier Notifier, browser *Browser, recognizer *Recognizer) *Controller {
	if notifier == nil {
		notifier = noopNotifier{}
	}

	c := &Controller{
		cfg:        cfg,
		store:      store,
		notifier:   notifier,
		browser:    browser,
		recognizer: recognizer,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		runID:      uuid.NewString(),
		stages: map[Stage]stageFunc{
			StageSessionSelect: runSessionSelect,
			StageAreaSelect:    runAreaSelect,
			StageCaptchaSubmit: runCaptchaSubmit,
		},
		idlePollInterval: 500 * time.Millisecond,
	}

	c.locationFn = func() (string, error) {
		if c.browser == nil {
			return "", fmt.Errorf("no browser attached")
		}
		return c.browser.CurrentURL()
	}
	c.navigateFn = func(url string) error {
		if c.browser == nil {
			return fmt.Errorf("no browser attached")
		}
		return c.browser.Navigate(url)
	}

	return c
}

// RunID identifies this run towards the control channel.
func (c *Controller) RunID() string { return c.runID }

// Start opens the show page and runs the workflow to its terminal state.
func (c *Controller) Start(ctx context.Context) error {
	settings, err := c.store.LoadSettings()
	if err != nil {
		c.failRun(fmt.Sprintf("%s: %v", T("reason_store_read"), err))
		return err
	}
	if settings.ShowID == "" {
		err := fmt.Errorf("no show id configured")
		c.failRun(T("reason_no_show_id"))
		return err
	}

	if err := c.navigateFn(showPageURL(c.cfg.BaseURL, settings.ShowID)); err != nil {
		c.failRun(fmt.Sprintf("%s: %v", T("reason_navigation"), err))
		return err
	}

	return c.Run(ctx)
}

// Run drives instances until a terminal transition. Each loop iteration is
// one page-load's instance; a stage that navigates ends its instance and the
// next iteration starts fresh from the store.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil || c.stopped.Load() {
			c.failRun(failureReason(ErrUserStopped))
			return ErrUserStopped
		}

		result, err := c.runInstance(ctx)
		if err != nil {
			c.failRun(failureReason(err))
			return err
		}

		switch result {
		case instanceSuccess:
			c.succeedRun()
			return nil
		case instanceIdle:
			return nil
		case instanceNavigated:
			// Next page load, next instance.
		}
	}
}

func (c *Controller) runInstance(ctx context.Context) (instanceResult, error) {
	inst := &instance{
		id:         uuid.NewString(),
		created:    time.Now(),
		cfg:        c.cfg,
		rng:        c.rng,
		recognizer: c.recognizer,
		navigateFn: c.navigateFn,
		locationFn: c.locationFn,
	}
	if c.browser != nil {
		inst.page = c.browser.page
	}
	c.notifier.InstanceLifecycle(inst.id, "initializing")

	// Inert unless explicitly started: no DOM interaction at all while the
	// run-enabled flag is off.
	enabled, err := c.store.RunEnabled()
	if err != nil {
		return 0, fmt.Errorf("read run flag: %w", err)
	}
	if !enabled {
		c.notifier.InstanceLifecycle(inst.id, "ready")
		return instanceIdle, nil
	}

	settings, err := c.store.LoadSettings()
	if err != nil {
		return 0, fmt.Errorf("read settings: %w", err)
	}
	inst.settings = settings

	if time.Since(inst.created) > c.cfg.InitTimeout() {
		c.notifier.InstanceLifecycle(inst.id, "error")
		return 0, ErrInitTimeout
	}

	url, err := inst.location()
	if err != nil {
		c.notifier.InstanceLifecycle(inst.id, "error")
		return 0, fmt.Errorf("read page address: %w", err)
	}

	stage := ClassifyStage(url)
	debugLog("instance %s: %s -> stage %s", inst.id, url, stage)

	// Checkout is detected independently of stage dispatch and overrides
	// whatever stage logic was in flight.
	if stage == StageCheckoutReached {
		c.notifier.InstanceLifecycle(inst.id, "ready")
		return instanceSuccess, nil
	}
	if stage == StageIdle {
		inst.logf("page_not_handled")
		c.notifier.InstanceLifecycle(inst.id, "ready")
		return c.awaitWorkflowPage(inst)
	}

	if c.cfg.LoginCheck {
		if err := checkLogin(inst); err != nil {
			c.notifier.InstanceLifecycle(inst.id, "error")
			return 0, err
		}
	}

	c.notifier.InstanceLifecycle(inst.id, "ready")

	// Cooperative stop boundary: an in-flight DOM wait is never pre-empted,
	// but no new stage action starts after a stop.
	if c.stopped.Load() {
		return 0, ErrUserStopped
	}

	if err := c.dispatch(stage, inst); err != nil {
		c.notifier.InstanceLifecycle(inst.id, "error")
		return 0, err
	}

	return instanceNavigated, nil
}

// awaitWorkflowPage parks an enabled run that landed on a page outside the
// workflow, typically a queue or verification redirect mid-run. The site
// redirecting onward or the operator navigating back resumes the run; a page
// that never changes within the bound is a terminal failure, so the run
// status always reaches exactly one terminal update.
func (c *Controller) awaitWorkflowPage(inst *instance) (instanceResult, error) {
	deadline := time.Now().Add(c.cfg.UnhandledPageTimeout())
	for {
		if c.stopped.Load() {
			return 0, ErrUserStopped
		}

		url, err := inst.location()
		if err != nil {
			return 0, fmt.Errorf("read page address: %w", err)
		}
		switch ClassifyStage(url) {
		case StageCheckoutReached:
			return instanceSuccess, nil
		case StageIdle:
		default:
			return instanceNavigated, nil
		}

		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w: %s", ErrUnexpectedPage, url)
		}
		time.Sleep(c.idlePollInterval)
	}
}

func (c *Controller) dispatch(stage Stage, inst *instance) error {
	fn, ok := c.stages[stage]
	if !ok {
		return nil
	}
	inst.logf("stage_dispatch", stage.String())
	return retryWithJitter(c.cfg.Retry, c.rng, func() error { return fn(inst) })
}

// Stop forces the terminal failure with the fixed user-stopped reason. It is
// cooperative: an in-progress DOM wait or network call completes or times
// out on its own terms.
func (c *Controller) Stop() {
	c.stopped.Store(true)
	c.failRun(failureReason(ErrUserStopped))
}

// failRun records the terminal failure exactly once per run.
func (c *Controller) failRun(reason string) {
	if !c.markDone() {
		return
	}
	if err := c.store.RecordFailure(reason); err != nil {
		debugLog("record failure: %v", err)
	}
	logLine("run_failed", reason)
	c.notifyStatus()
}

// succeedRun records the checkout-reached terminal state exactly once.
func (c *Controller) succeedRun() {
	if !c.markDone() {
		return
	}
	if err := c.store.RecordSuccess(); err != nil {
		debugLog("record success: %v", err)
	}
	logLine("run_success")
	c.notifyStatus()
}

func (c *Controller) markDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.done = true
	return true
}

func (c *Controller) notifyStatus() {
	status, err := c.store.Status()
	if err != nil {
		debugLog("read status: %v", err)
		return
	}
	c.notifier.StatusChanged(status)
}

func showPageURL(baseURL, showID string) string {
	return fmt.Sprintf("%s/activity/game/%s", baseURL, showID)
}
