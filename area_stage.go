package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/go-rod/rod"
)

// AreaCandidate is a seating-area option whose anchor matched the keyword
// and whose id resolved to a direct purchase URL. Built fresh on every
// area-select execution; never reused.
type AreaCandidate struct {
	ID        string
	Label     string
	TargetURL string
}

// areaAnchor is the DOM-side half of a candidate before the URL join.
type areaAnchor struct {
	ID    string
	Label string
}

var areaURLMapPattern = regexp.MustCompile(`var areaUrlList = (\{[^;]+\});`)

// parseAreaURLMap scans inline script bodies for the site's id-to-URL map
// assignment and parses it as JSON. A script that matches but fails to parse
// is logged and skipped; if no script yields a map the stage fails with
// ErrAreaMapNotFound.
func parseAreaURLMap(scripts []string) (map[string]string, error) {
	for _, body := range scripts {
		match := areaURLMapPattern.FindStringSubmatch(body)
		if match == nil {
			continue
		}

		urls := make(map[string]string)
		if err := json.Unmarshal([]byte(match[1]), &urls); err != nil {
			debugLog("area url map parse failed: %v", err)
			continue
		}
		return urls, nil
	}
	return nil, ErrAreaMapNotFound
}

// matchAreaCandidates joins keyword-matching anchors against the URL map.
// The keyword match is a case-sensitive substring test on the visible text.
// Anchors whose id has no map entry are discarded even when the text matches:
// without a resolvable URL there is nowhere to navigate.
func matchAreaCandidates(anchors []areaAnchor, keyword string, urls map[string]string) []AreaCandidate {
	var candidates []AreaCandidate
	for _, a := range anchors {
		if !strings.Contains(a.Label, keyword) {
			continue
		}
		url, ok := urls[a.ID]
		if !ok || url == "" {
			continue
		}
		candidates = append(candidates, AreaCandidate{
			ID:        a.ID,
			Label:     strings.TrimSpace(a.Label),
			TargetURL: url,
		})
	}
	return candidates
}

// chooseArea selects uniformly at random among candidates. Uniform choice is
// intentional: it spreads load across equally eligible areas instead of
// contending with every other bot on the deterministic first match.
func chooseArea(rng *rand.Rand, candidates []AreaCandidate) AreaCandidate {
	return candidates[rng.Intn(len(candidates))]
}

// runAreaSelect filters the visible areas by keyword, resolves each match to
// its direct purchase URL via the page's inline script map, and navigates to
// a randomly chosen candidate.
func runAreaSelect(inst *instance) error {
	cfg := inst.cfg
	page := inst.page

	container, err := waitReady(page, cfg.Selectors.AreaList, T("desc_area_list"), cfg.DOMCheckTimeout())
	if err != nil {
		return err
	}

	links, err := container.Elements("a")
	if err != nil {
		return fmt.Errorf("%w: area anchors: %v", ErrElementTimeout, err)
	}

	// Visibility is re-checked per anchor with the static predicate: areas
	// flip between shown and hidden as inventory changes under us.
	var anchors []areaAnchor
	for _, link := range links {
		if !elementReady(link) {
			continue
		}
		id, err := link.Attribute("id")
		if err != nil || id == nil || *id == "" {
			continue
		}
		label, err := link.Text()
		if err != nil {
			continue
		}
		anchors = append(anchors, areaAnchor{ID: *id, Label: label})
	}

	scripts, err := pageScriptBodies(page)
	if err != nil {
		return fmt.Errorf("collect inline scripts: %w", err)
	}
	urls, err := parseAreaURLMap(scripts)
	if err != nil {
		return err
	}

	candidates := matchAreaCandidates(anchors, inst.settings.Keyword, urls)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: keyword %q", ErrNoMatchingArea, inst.settings.Keyword)
	}

	selected := chooseArea(inst.rng, candidates)
	inst.logf("area_selected", selected.Label)
	return inst.navigate(selected.TargetURL)
}

// pageScriptBodies returns the text content of every script tag on the page.
func pageScriptBodies(page *rod.Page) ([]string, error) {
	res, err := page.Eval(`() => Array.from(document.getElementsByTagName('script')).map(s => s.textContent || '')`)
	if err != nil {
		return nil, err
	}

	var bodies []string
	for _, v := range res.Value.Arr() {
		bodies = append(bodies, v.Str())
	}
	return bodies, nil
}
