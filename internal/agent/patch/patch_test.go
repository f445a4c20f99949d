package patch

import "testing"

func TestApplyExactMatch(t *testing.T) {
	res := Apply("hello world\nfoo bar\n", "foo bar", "baz qux")
	if !res.Success || res.MatchMethod != MatchExact {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Content != "hello world\nbaz qux\n" {
		t.Fatalf("got %q", res.Content)
	}
}

func TestApplyTrimmedMatch(t *testing.T) {
	doc := "line one   \nline two\t\nline three\n"
	search := "line one\nline two"
	res := Apply(doc, search, "REPLACED")
	if !res.Success || res.MatchMethod != MatchTrimmed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !containsLine(res.Content, "REPLACED") {
		t.Fatalf("replacement missing from %q", res.Content)
	}
}

func TestApplyNormalizedMatch(t *testing.T) {
	doc := "func foo() {\n    return   1\n}\n"
	search := "func foo() {\nreturn 1\n}"
	res := Apply(doc, search, "func foo() {\n  return 2\n}")
	if !res.Success || res.MatchMethod != MatchNormalized {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestApplyFuzzyMatch(t *testing.T) {
	doc := "func computeTotal(x int) int {\n    return x * 2\n}\n"
	search := "func computeTotal(y int) int {\n    return y * 2\n}"
	res := Apply(doc, search, "func computeTotal(x int) int {\n    return x * 3\n}")
	if !res.Success {
		t.Fatalf("expected fuzzy match to succeed, got %+v", res)
	}
	if res.MatchMethod != MatchFuzzy {
		t.Fatalf("expected fuzzy match method, got %s", res.MatchMethod)
	}
}

func TestApplyNoMatch(t *testing.T) {
	res := Apply("completely unrelated content", "nothing like this exists anywhere", "x")
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
}

func TestApplyInvariantReplacementAppears(t *testing.T) {
	doc := "alpha\nbeta\ngamma\n"
	res := Apply(doc, "beta", "BETA-REPLACED")
	if !res.Success {
		t.Fatal("expected success")
	}
	if !containsLine(res.Content, "BETA-REPLACED") {
		t.Fatalf("replacement text missing from output: %q", res.Content)
	}
}

func TestMultiEditSequentialEquivalence(t *testing.T) {
	doc := "one\ntwo\nthree\n"
	edits := []Edit{
		{Search: "one", Replace: "uno"},
		{Search: "two", Replace: "dos"},
		{Search: "three", Replace: "tres"},
	}
	multi := MultiEdit(doc, edits)
	if !multi.Success || multi.AppliedEdits != 3 {
		t.Fatalf("unexpected multi result: %+v", multi)
	}

	sequential := doc
	for _, e := range edits {
		r := Apply(sequential, e.Search, e.Replace)
		if !r.Success {
			t.Fatalf("sequential apply failed: %+v", r)
		}
		sequential = r.Content
	}
	if multi.Content != sequential {
		t.Fatalf("multi-edit result diverged from sequential application:\n%q\nvs\n%q", multi.Content, sequential)
	}
}

func TestMultiEditStopsAtFirstFailure(t *testing.T) {
	doc := "one\ntwo\n"
	edits := []Edit{
		{Search: "one", Replace: "uno"},
		{Search: "does-not-exist-anywhere-in-the-document", Replace: "x"},
		{Search: "two", Replace: "dos"},
	}
	multi := MultiEdit(doc, edits)
	if multi.Success {
		t.Fatal("expected failure")
	}
	if multi.AppliedEdits != 1 {
		t.Fatalf("expected 1 applied edit before failure, got %d", multi.AppliedEdits)
	}
	if multi.FailedIndex != 1 {
		t.Fatalf("expected failed index 1, got %d", multi.FailedIndex)
	}
}

func containsLine(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
