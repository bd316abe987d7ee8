// Package markdown renders implementor records for people: rustdoc's inline HTML is
// turned into Markdown, relative links are made absolute, and whole groups can be
// rendered as a Markdown or HTML page.
package markdown

import (
	"encoding/json"
	"fmt"
	stdhtml "html"
	"regexp"
	"strings"

	gm "github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	gmparser "github.com/gomarkdown/markdown/parser"
	"github.com/jcdickinson/implindex/internal/index"
)

var (
	anchorRe = regexp.MustCompile(`(?s)<a\s[^>]*?href="([^"]*)"[^>]*>(.*?)</a>`)
	tagRe    = regexp.MustCompile(`<[^>]*>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

var mdEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	"*", `\*`,
	"_", `\_`,
	"[", `\[`,
	"]", `\]`,
	"<", `\<`,
	">", `\>`,
)

// RecordHTML returns the HTML of an implementor record. rustdoc writes each record as
// an array whose first element is the rendered impl header; later elements are flags.
func RecordHTML(rec index.Implementor) (string, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(rec, &fields); err != nil {
		var s string
		if err2 := json.Unmarshal(rec, &s); err2 == nil {
			return s, nil
		}
		return "", fmt.Errorf("implementor record: %w", err)
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("implementor record: empty")
	}
	var s string
	if err := json.Unmarshal(fields[0], &s); err != nil {
		return "", fmt.Errorf("implementor record: first element: %w", err)
	}
	return s, nil
}

// FromHTML converts an impl header from rustdoc's HTML into a single line of Markdown.
// Anchors become links; every other tag is dropped.
func FromHTML(s string) string {
	var b strings.Builder
	last := 0
	for _, m := range anchorRe.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(text(s[last:m[0]]))
		href := stdhtml.UnescapeString(s[m[2]:m[3]])
		label := text(s[m[4]:m[5]])
		if href == "" {
			b.WriteString(label)
		} else {
			fmt.Fprintf(&b, "[%s](%s)", label, strings.ReplaceAll(href, " ", "%20"))
		}
		last = m[1]
	}
	b.WriteString(text(s[last:]))
	return strings.TrimSpace(spaceRe.ReplaceAllString(b.String(), " "))
}

func text(s string) string {
	return mdEscaper.Replace(stdhtml.UnescapeString(tagRe.ReplaceAllString(s, "")))
}

// RenderImplementors renders a group's contribution as a Markdown document, one section
// per crate in contribution order. Crates that contributed no records are omitted.
// Relative links resolve against baseURL when it is set.
func RenderImplementors(group string, c *index.Contribution, baseURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Implementors of `%s`\n", group)

	if c.Records() == 0 {
		b.WriteString("\nNo implementors.\n")
		return b.String()
	}

	c.Each(func(crate string, impls []index.Implementor) {
		if len(impls) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n\n", mdEscaper.Replace(crate))
		for _, rec := range impls {
			h, err := RecordHTML(rec)
			if err != nil {
				fmt.Fprintf(&b, "- `%s`\n", strings.ReplaceAll(string(rec), "`", "'"))
				continue
			}
			fmt.Fprintf(&b, "- %s\n", FromHTML(h))
		}
	})

	return AbsolutizeLinks(b.String(), baseURL)
}

// ToHTML renders Markdown to an HTML fragment.
func ToHTML(src string) string {
	p := gmparser.NewWithExtensions(gmparser.CommonExtensions)
	r := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags})
	return string(gm.ToHTML([]byte(src), p, r))
}
