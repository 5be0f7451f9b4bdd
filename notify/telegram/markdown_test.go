package telegram

import (
	"strings"
	"testing"
)

func TestMarkdownInline(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "bold", in: "step **E01_BURN** failed", want: "<b>E01_BURN</b>"},
		{name: "italic", in: "queue is *empty*", want: "<i>empty</i>"},
		{name: "code span", in: "task `0199-abc` paused", want: "<code>0199-abc</code>"},
		{name: "strikethrough", in: "~~tiktok~~ youtube", want: "<s>tiktok</s>"},
		{name: "link", in: "[watch](https://youtu.be/x)", want: `<a href="https://youtu.be/x">watch</a>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MarkdownToHTML(tc.in)
			if !strings.Contains(got, tc.want) {
				t.Errorf("MarkdownToHTML(%q) = %q, want substring %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestMarkdownHeading(t *testing.T) {
	result := MarkdownToHTML("### Watchdog Report")
	if !strings.Contains(result, "<b>Watchdog Report</b>") {
		t.Errorf("expected bold heading, got: %s", result)
	}
}

func TestMarkdownCodeBlock(t *testing.T) {
	result := MarkdownToHTML("```json\n{\"status\": \"error\"}\n```")
	if !strings.Contains(result, `<pre><code class="language-json">`) {
		t.Errorf("expected fenced block with language, got: %s", result)
	}
	// htmlEscape leaves quotes alone, only & < > are rewritten.
	if !strings.Contains(result, `{"status": "error"}`) {
		t.Errorf("expected raw block content, got: %s", result)
	}
	if !strings.Contains(result, "</code></pre>") {
		t.Errorf("expected closing pre, got: %s", result)
	}
}

func TestMarkdownCodeBlockNoLang(t *testing.T) {
	result := MarkdownToHTML("```\nplain output\n```")
	if !strings.Contains(result, "<pre><code>") {
		t.Errorf("expected <pre><code>, got: %s", result)
	}
	if !strings.Contains(result, "plain output") {
		t.Errorf("expected body, got: %s", result)
	}
}

func TestMarkdownHTMLEscape(t *testing.T) {
	result := MarkdownToHTML("views < 100 & likes > 5")
	for _, want := range []string{"&lt;", "&amp;", "&gt;"} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %s, got: %s", want, result)
		}
	}
}

func TestMarkdownBlockquote(t *testing.T) {
	result := MarkdownToHTML("> moderation note")
	if !strings.Contains(result, "<blockquote>") || !strings.Contains(result, "</blockquote>") {
		t.Errorf("expected blockquote, got: %s", result)
	}
	if !strings.Contains(result, "moderation note") {
		t.Errorf("expected quote text, got: %s", result)
	}
}

func TestMarkdownBulletList(t *testing.T) {
	result := MarkdownToHTML("- transcribe\n- render\n- publish")
	for _, want := range []string{"• transcribe", "• render", "• publish"} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %q, got: %s", want, result)
		}
	}
}

func TestMarkdownOrderedList(t *testing.T) {
	result := MarkdownToHTML("1. claim\n2. run\n3. publish")
	for _, want := range []string{"1. claim", "2. run", "3. publish"} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %q, got: %s", want, result)
		}
	}
}

func TestMarkdownImageBecomesLink(t *testing.T) {
	result := MarkdownToHTML("![thumb](https://cdn.example/t.jpg)")
	if !strings.Contains(result, `<a href="https://cdn.example/t.jpg">`) {
		t.Errorf("expected image rendered as link, got: %s", result)
	}
	if strings.Contains(result, "<img") {
		t.Errorf("telegram HTML has no img tag: %s", result)
	}
}

func TestMarkdownMixed(t *testing.T) {
	input := "### Task Paused\n**E02_SUBTITLE** needs review before *publish*."
	result := MarkdownToHTML(input)
	for _, want := range []string{"<b>Task Paused</b>", "<b>E02_SUBTITLE</b>", "<i>publish</i>"} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %s, got: %s", want, result)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	// Short message: no split.
	chunks := splitMessage("hello")
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("expected single chunk, got: %v", chunks)
	}

	// No newline anywhere: hard split at the limit.
	long := strings.Repeat("a", 5000)
	chunks = splitMessage(long)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got: %d", len(chunks))
	}
	if len(chunks[0]) != maxMessageLength {
		t.Errorf("first chunk should be %d, got: %d", maxMessageLength, len(chunks[0]))
	}

	// Prefer the last newline before the limit.
	msg := strings.Repeat("x", 4000) + "\n" + strings.Repeat("y", 200)
	chunks = splitMessage(msg)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks for %d chars, got: %d", len(msg), len(chunks))
	}
	if len(chunks) == 2 && len(chunks[0]) != 4001 {
		t.Errorf("first chunk should split after the newline (4001 chars), got: %d", len(chunks[0]))
	}
}
