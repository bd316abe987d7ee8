package markdown

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	gm "github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	gmparser "github.com/gomarkdown/markdown/parser"
)

// AbsolutizeLinks resolves relative link destinations in src against base. It walks
// the parsed document to find real links, then rewrites them in the source text so
// the rest of the formatting is left untouched.
func AbsolutizeLinks(src, base string) string {
	if base == "" {
		return src
	}
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Scheme == "" {
		return src
	}

	doc := gm.Parse([]byte(src), gmparser.NewWithExtensions(gmparser.CommonExtensions))

	seen := make(map[string]bool)
	var oldnew []string
	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		if !entering {
			return ast.GoToNext
		}
		link, ok := node.(*ast.Link)
		if !ok {
			return ast.GoToNext
		}
		dest := string(link.Destination)
		if seen[dest] || dest == "" || strings.HasPrefix(dest, "#") {
			return ast.GoToNext
		}
		seen[dest] = true
		ref, err := url.Parse(dest)
		if err != nil || ref.IsAbs() {
			return ast.GoToNext
		}
		oldnew = append(oldnew, "]("+dest+")", "]("+baseURL.ResolveReference(ref).String()+")")
		return ast.GoToNext
	})

	if len(oldnew) == 0 {
		return src
	}
	return strings.NewReplacer(oldnew...).Replace(src)
}

// AddFrontMatter prepends a YAML front-matter block with the given fields.
func AddFrontMatter(src string, fields map[string]string) string {
	if len(fields) == 0 {
		return src
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("---\n")
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("%s: %s\n", k, fields[k]))
	}
	b.WriteString("---\n\n")
	b.WriteString(src)
	return b.String()
}
