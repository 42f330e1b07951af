// Package stepparser turns raw language-model output into a validated, ordered
// list of step drafts. It performs no I/O.
package stepparser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"microwins/internal/domain/model"
)

type Kind string

const (
	KindMalformed  Kind = "malformed"
	KindWrongCount Kind = "wrong_count"
	KindEmptyTitle Kind = "empty_title"
)

// MaxTitleRunes bounds a step title; longer titles are truncated.
const MaxTitleRunes = 200

// ParseError reports why model output was rejected. Index is the 1-based
// position of the offending step, or 0 when the whole output is at fault.
type ParseError struct {
	Kind   Kind
	Index  int
	Got    int
	Want   int
	Detail string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case KindWrongCount:
		return fmt.Sprintf("parse steps: wrong count: got %d, want %d", e.Got, e.Want)
	case KindEmptyTitle:
		return fmt.Sprintf("parse steps: step %d has an empty title", e.Index)
	default:
		if e.Detail == "" {
			return "parse steps: malformed output"
		}
		return "parse steps: malformed output: " + e.Detail
	}
}

// KindOf returns the parse error kind carried by err, or "".
func KindOf(err error) Kind {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

var policy = bluemonday.StrictPolicy()

type item struct {
	title       string
	description string
	tips        []string
}

// Parse validates raw output against the target step count. The model's own
// numbering is ignored; callers assign a dense 1..N order in slice order.
func Parse(raw string, target int) ([]model.StepDraft, error) {
	if target <= 0 {
		return nil, &ParseError{Kind: KindMalformed, Detail: "non-positive target count"}
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, &ParseError{Kind: KindMalformed, Detail: "empty output"}
	}

	items, jsonErr := parseJSON(text)
	if jsonErr != nil {
		items = parseLines(text)
		if len(items) == 0 {
			return nil, &ParseError{Kind: KindMalformed, Detail: jsonErr.Error()}
		}
	}
	if len(items) != target {
		return nil, &ParseError{Kind: KindWrongCount, Got: len(items), Want: target}
	}

	drafts := make([]model.StepDraft, 0, len(items))
	for i, it := range items {
		title := strings.Trim(clean(it.title), "*_# ")
		if title == "" {
			return nil, &ParseError{Kind: KindEmptyTitle, Index: i + 1}
		}
		d := model.StepDraft{
			Title:       truncate(title, MaxTitleRunes),
			Description: clean(it.description),
		}
		for _, tip := range it.tips {
			if t := clean(tip); t != "" {
				d.Tips = append(d.Tips, t)
			}
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

// ---- JSON ----

type rawStep struct {
	Title       *string `json:"title"`
	Name        *string `json:"name"`
	Step        any     `json:"step"`
	Description *string `json:"description"`
	Details     *string `json:"details"`
	Tips        tipList `json:"tips"`
}

type tipList []string

func (t *tipList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = tipList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*t = list
	return nil
}

var wrapperKeys = []string{"steps", "microSteps", "micro_steps", "items"}

// parseJSON returns the steps of the first JSON array, or wrapper object,
// embedded in text. Brackets in surrounding prose that do not open valid JSON
// are skipped, as are well-formed values of the wrong shape.
func parseJSON(text string) ([]item, error) {
	body := stripFences(text)
	var firstErr error
	for pos := 0; pos < len(body); {
		i := strings.IndexAny(body[pos:], "[{")
		if i < 0 {
			break
		}
		start := pos + i
		dec := json.NewDecoder(strings.NewReader(body[start:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("decode at offset %d: %w", start, err)
			}
			pos = start + 1
			continue
		}
		items, err := decodeSteps(raw)
		if err == nil && len(items) > 0 {
			return items, nil
		}
		if err == nil {
			err = errors.New("empty steps array")
		}
		if firstErr == nil {
			firstErr = err
		}
		pos = start + int(dec.InputOffset())
	}
	if firstErr == nil {
		firstErr = errors.New("no JSON value found")
	}
	return nil, firstErr
}

func decodeSteps(raw json.RawMessage) ([]item, error) {
	var elems []json.RawMessage
	if raw[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode object: %w", err)
		}
		var arr json.RawMessage
		for _, k := range wrapperKeys {
			if v, ok := obj[k]; ok {
				arr = v
				break
			}
		}
		if arr == nil {
			return nil, errors.New("object has no steps array")
		}
		if err := json.Unmarshal(arr, &elems); err != nil {
			return nil, fmt.Errorf("decode steps array: %w", err)
		}
	} else if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("decode array: %w", err)
	}

	items := make([]item, 0, len(elems))
	for i, el := range elems {
		el = bytes.TrimSpace(el)
		if len(el) > 0 && el[0] == '"' {
			var s string
			if err := json.Unmarshal(el, &s); err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
			items = append(items, item{title: s})
			continue
		}
		var rs rawStep
		if err := json.Unmarshal(el, &rs); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		it := item{tips: rs.Tips}
		switch {
		case rs.Title != nil:
			it.title = *rs.Title
		case rs.Name != nil:
			it.title = *rs.Name
		case rs.Step != nil:
			if s, ok := rs.Step.(string); ok {
				it.title = s
			}
		}
		switch {
		case rs.Description != nil:
			it.description = *rs.Description
		case rs.Details != nil:
			it.description = *rs.Details
		}
		items = append(items, it)
	}
	return items, nil
}

func stripFences(text string) string {
	open := strings.Index(text, "```")
	if open < 0 {
		return text
	}
	rest := text[open+3:]
	// drop a language tag such as ```json
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		return rest[:end]
	}
	return rest
}

// ---- numbered lines ----

var numbered = regexp.MustCompile(`(?i)^\s*(?:step\s*)?\d{1,4}\s*[.):-]\s*(.+)$`)

var titleSeparators = []string{" - ", " – ", " — ", ": "}

func parseLines(text string) []item {
	var items []item
	for _, line := range strings.Split(stripFences(text), "\n") {
		if m := numbered.FindStringSubmatch(line); m != nil {
			title, desc := splitTitle(m[1])
			items = append(items, item{title: title, description: desc})
			continue
		}
		// unnumbered text after a step continues its description
		if l := strings.TrimSpace(line); l != "" && len(items) > 0 {
			last := &items[len(items)-1]
			if last.description == "" {
				last.description = l
			} else {
				last.description += " " + l
			}
		}
	}
	return items
}

func splitTitle(s string) (string, string) {
	s = strings.TrimSpace(s)
	for _, sep := range titleSeparators {
		if title, desc, ok := strings.Cut(s, sep); ok && strings.TrimSpace(title) != "" {
			return title, desc
		}
	}
	return s, ""
}

// ---- text hygiene ----

func clean(s string) string {
	s = html.UnescapeString(policy.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max]))
}
