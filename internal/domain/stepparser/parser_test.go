package stepparser

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func jsonSteps(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"id": %d, "title": "Step %d", "description": "Do thing %d"}`, i+1, i+1, i+1)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestParse_JSONArray(t *testing.T) {
	got, err := Parse(jsonSteps(5), 5)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len=%d", len(got))
	}
	if got[0].Title != "Step 1" || got[4].Description != "Do thing 5" {
		t.Fatalf("unexpected drafts: %+v", got)
	}
}

func TestParse_IgnoresModelNumbering(t *testing.T) {
	raw := `[{"id": 7, "title": "B"}, {"id": 2, "title": "A"}, {"id": 7, "title": "C"}]`
	got, err := Parse(raw, 3)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got[0].Title != "B" || got[1].Title != "A" || got[2].Title != "C" {
		t.Fatalf("order must follow array position: %+v", got)
	}
}

func TestParse_FencedAndWrapped(t *testing.T) {
	raw := "Here are your steps:\n```json\n{\"steps\": [{\"name\": \"One\", \"details\": \"d1\", \"tips\": \"t\"}, {\"title\": \"Two\", \"tips\": [\"a\", \"b\"]}]}\n```\nGood luck!"
	got, err := Parse(raw, 2)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got[0].Title != "One" || got[0].Description != "d1" || len(got[0].Tips) != 1 {
		t.Fatalf("first: %+v", got[0])
	}
	if len(got[1].Tips) != 2 {
		t.Fatalf("second tips: %+v", got[1])
	}
}

func TestParse_BracketsInLeadingProse(t *testing.T) {
	cases := map[string]string{
		"square":        "Here is your plan (3 steps) [JSON follows]:\n" + jsonSteps(3),
		"curly":         "Plan for {goal}:\n" + jsonSteps(3),
		"citation":      "As noted in [1], small steps work.\n" + jsonSteps(3),
		"wrong shape":   `Context: {"goal": "run"}` + "\n" + jsonSteps(3),
		"wrapped after": "Result [draft]:\n{\"steps\": " + jsonSteps(3) + "}",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(raw, 3)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got[0].Title != "Step 1" || got[2].Title != "Step 3" {
				t.Fatalf("unexpected drafts: %+v", got)
			}
		})
	}
}

func TestParse_ArrayOfStrings(t *testing.T) {
	got, err := Parse(`["walk 5 minutes", "walk 10 minutes"]`, 2)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got[1].Title != "walk 10 minutes" {
		t.Fatalf("got %+v", got)
	}
}

func TestParse_NumberedLinesFallback(t *testing.T) {
	raw := "1. Say hi - greet one neighbour\n2) Small talk: ask about their day\n   keep it short\nStep 3: Invite for coffee"
	got, err := Parse(raw, 3)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got[0].Title != "Say hi" || got[0].Description != "greet one neighbour" {
		t.Fatalf("first: %+v", got[0])
	}
	if got[1].Title != "Small talk" || got[1].Description != "ask about their day keep it short" {
		t.Fatalf("second: %+v", got[1])
	}
	if got[2].Title != "Invite for coffee" {
		t.Fatalf("third: %+v", got[2])
	}
}

func TestParse_WrongCountIsNeverRepaired(t *testing.T) {
	for _, n := range []int{4, 6} {
		_, err := Parse(jsonSteps(n), 5)
		var pe *ParseError
		if !errors.As(err, &pe) || pe.Kind != KindWrongCount {
			t.Fatalf("n=%d: want wrong_count, got %v", n, err)
		}
		if pe.Got != n || pe.Want != 5 {
			t.Fatalf("n=%d: got=%d want=%d", n, pe.Got, pe.Want)
		}
	}
}

func TestParse_EmptyTitle(t *testing.T) {
	raw := `[{"title": "ok"}, {"title": "   "}, {"title": "<b></b>"}]`
	_, err := Parse(raw, 3)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Kind != KindEmptyTitle || pe.Index != 2 {
		t.Fatalf("want empty_title at 2, got %v", err)
	}
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":      "   ",
		"prose":      "I cannot help with that.",
		"truncated":  `[{"title": "a"}, {"title": "b"`,
		"bad type":   `[{"title": 5}]`,
		"no wrapper": `{"answer": []}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw, 1)
			if KindOf(err) != KindMalformed {
				t.Fatalf("want malformed, got %v", err)
			}
		})
	}
}

func TestParse_SanitizesAndTruncates(t *testing.T) {
	long := strings.Repeat("é", MaxTitleRunes+20)
	raw := fmt.Sprintf(`[{"title": "<script>alert(1)</script>Drink   water &amp; rest", "description": "<p>Fill a <em>glass</em></p>"}, {"title": "%s"}]`, long)
	got, err := Parse(raw, 2)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got[0].Title != "Drink water & rest" {
		t.Fatalf("title not sanitized: %q", got[0].Title)
	}
	if got[0].Description != "Fill a glass" {
		t.Fatalf("description not sanitized: %q", got[0].Description)
	}
	if n := len([]rune(got[1].Title)); n != MaxTitleRunes {
		t.Fatalf("title runes=%d", n)
	}
}

func TestParse_NonPositiveTarget(t *testing.T) {
	if _, err := Parse(jsonSteps(1), 0); KindOf(err) != KindMalformed {
		t.Fatalf("want malformed, got %v", err)
	}
}
