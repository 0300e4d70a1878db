package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/sync/errgroup"
)

// formActions is the set of side effects the captcha stage performs on the
// ticket form. The indirection keeps the fill-then-delay-then-submit ordering
// testable without a browser.
type formActions interface {
	FillCaptcha(text string) error
	SetQuantity(quantity string) error
	EnsureAgreement() error
	Submit() error
}

// ticketForm is the rod-backed formActions over the four resolved controls.
type ticketForm struct {
	captcha  *rod.Element
	quantity *rod.Element
	agree    *rod.Element
	submit   *rod.Element
}

func (f *ticketForm) FillCaptcha(text string) error { return fillInput(f.captcha, text) }

func (f *ticketForm) SetQuantity(quantity string) error { return selectValue(f.quantity, quantity) }

func (f *ticketForm) EnsureAgreement() error { return ensureChecked(f.agree) }

func (f *ticketForm) Submit() error {
	// The page's own submit handler expects a plain DOM click.
	_, err := f.submit.Eval(`() => this.click()`)
	return err
}

// resolveTicketForm waits for all four required controls concurrently. Any
// control that never becomes ready fails the whole resolution, naming the
// control that was missing.
func resolveTicketForm(page *rod.Page, cfg *Config) (*ticketForm, error) {
	form := &ticketForm{}
	timeout := cfg.DOMCheckTimeout()

	controls := []struct {
		name     string
		selector string
		dst      **rod.Element
	}{
		{"captcha input", cfg.Selectors.CaptchaInput, &form.captcha},
		{"quantity select", cfg.Selectors.QuantitySel, &form.quantity},
		{"agreement checkbox", cfg.Selectors.AgreeCheckbox, &form.agree},
		{"submit button", cfg.Selectors.SubmitButton, &form.submit},
	}

	var g errgroup.Group
	for _, c := range controls {
		c := c
		g.Go(func() error {
			el, err := waitReady(page, c.selector, c.name, timeout)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrFormElementMissing, c.name)
			}
			*c.dst = el
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return form, nil
}

// submitTicketForm applies the three independent field fills, waits the fixed
// delay so the page's validation listeners can react, then clicks submit.
// The delay is a deliberate trade-off: long enough for synchronous handlers,
// short enough not to lose the race against other bidders.
func submitTicketForm(form formActions, text, quantity string, delay time.Duration, sleep func(time.Duration)) error {
	var g errgroup.Group
	g.Go(func() error { return form.FillCaptcha(text) })
	g.Go(func() error { return form.SetQuantity(quantity) })
	g.Go(func() error { return form.EnsureAgreement() })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fill ticket form: %w", err)
	}

	sleep(delay)
	return form.Submit()
}

// encodeCaptchaImage renders the captcha into an offscreen canvas at its
// natural size and exports a lossless PNG data URL.
func encodeCaptchaImage(img *rod.Element) (string, error) {
	res, err := img.Eval(`() => {
		const canvas = document.createElement('canvas');
		canvas.width = this.naturalWidth || this.width;
		canvas.height = this.naturalHeight || this.height;
		const ctx = canvas.getContext('2d');
		if (!ctx) throw new Error('no 2d canvas context');
		ctx.drawImage(this, 0, 0);
		return canvas.toDataURL('image/png');
	}`)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrImageEncode, err)
	}
	dataURL := res.Value.Str()
	if dataURL == "" {
		return "", fmt.Errorf("%w: empty data url", ErrImageEncode)
	}
	return dataURL, nil
}

// awaitImageLoad resolves once the image element has finished loading. No
// own timeout: the hosting stage's page timeout bounds it indirectly.
func awaitImageLoad(img *rod.Element) error {
	_, err := img.Eval(`() => new Promise((resolve) => {
		if (this.complete) {
			resolve(true);
			return;
		}
		this.addEventListener('load', () => resolve(true), { once: true });
	})`)
	return err
}

// runCaptchaSubmit captures the captcha, sends it through the recognition
// gateway, fills the purchase form and submits it. Failures before the
// submit click report upward instead of retrying: a wrong or expired captcha
// resubmitted blindly can cost the whole session.
func runCaptchaSubmit(inst *instance) error {
	cfg := inst.cfg
	page := inst.page

	img, err := waitReady(page, cfg.Selectors.CaptchaImage, T("desc_captcha_image"), cfg.DOMCheckTimeout())
	if err != nil {
		return err
	}
	if err := awaitImageLoad(img); err != nil {
		return fmt.Errorf("%w: await image load: %v", ErrImageEncode, err)
	}

	dataURL, err := encodeCaptchaImage(img)
	if err != nil {
		return err
	}

	text, err := inst.recognizer.Recognize(context.Background(), dataURL)
	if err != nil {
		return err
	}
	inst.logf("captcha_recognized", text)

	form, err := resolveTicketForm(page, cfg)
	if err != nil {
		return err
	}

	// Submitting the form navigates; arm the wait before clicking so the
	// load event cannot slip past between click and wait.
	wait := page.Timeout(cfg.PageLoadTimeout()).WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)

	if err := submitTicketForm(form, text, inst.settings.Quantity, cfg.SubmitDelay(), time.Sleep); err != nil {
		return err
	}

	wait()
	inst.logf("captcha_submitted")
	return nil
}
