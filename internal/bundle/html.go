package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
</head>
<body>
<div id="app"></div>
</body>
</html>
`

// metafile is the subset of esbuild's metafile JSON needed to find the
// outputs belonging to each entry point.
type metafile struct {
	Outputs map[string]struct {
		EntryPoint string `json:"entryPoint"`
		CSSBundle  string `json:"cssBundle"`
	} `json:"outputs"`
}

// entryAssets lists output paths (relative to the working dir) to reference
// from the HTML document, in entry order.
type entryAssets struct {
	scripts []string
	styles  []string
}

func parseEntryAssets(raw string, entries []string) (entryAssets, error) {
	var out entryAssets
	if raw == "" {
		return out, nil
	}
	var meta metafile
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return out, fmt.Errorf("decode metafile: %w", err)
	}

	// Map iteration order is random; walk outputs sorted so a given entry
	// always yields the same tags.
	names := make([]string, 0, len(meta.Outputs))
	for name := range meta.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]struct{})
	add := func(list *[]string, p string) {
		if _, ok := seen[p]; ok || p == "" {
			return
		}
		seen[p] = struct{}{}
		*list = append(*list, p)
	}

	for _, entry := range entries {
		want := normalizeEntry(entry)
		for _, name := range names {
			o := meta.Outputs[name]
			if normalizeEntry(o.EntryPoint) != want {
				continue
			}
			switch path.Ext(name) {
			case ".js", ".mjs":
				add(&out.styles, o.CSSBundle)
				add(&out.scripts, name)
			case ".css":
				add(&out.styles, name)
			}
		}
	}
	return out, nil
}

func normalizeEntry(p string) string {
	if p == "" {
		return ""
	}
	return path.Clean(strings.TrimPrefix(filepath.ToSlash(p), "./"))
}

// renderHTML injects stylesheet links before </head> and scripts before
// </body>. Missing tags fall back to prepending or appending.
func renderHTML(tmpl []byte, scripts, styles []string, extraBody string) []byte {
	if len(bytes.TrimSpace(tmpl)) == 0 {
		tmpl = []byte(fallbackTemplate)
	}

	var head, body strings.Builder
	for _, href := range styles {
		fmt.Fprintf(&head, "<link rel=\"stylesheet\" href=\"%s\">\n", html.EscapeString(href))
	}
	for _, src := range scripts {
		fmt.Fprintf(&body, "<script src=\"%s\"></script>\n", html.EscapeString(src))
	}
	body.WriteString(extraBody)

	doc := insertBefore(tmpl, "</head>", head.String(), false)
	return insertBefore(doc, "</body>", body.String(), true)
}

func insertBefore(doc []byte, tag, snippet string, appendIfMissing bool) []byte {
	if snippet == "" {
		return doc
	}
	idx := bytes.LastIndex(bytes.ToLower(doc), []byte(tag))
	if idx < 0 {
		if appendIfMissing {
			return append(append([]byte{}, doc...), snippet...)
		}
		return append([]byte(snippet), doc...)
	}
	out := make([]byte, 0, len(doc)+len(snippet))
	out = append(out, doc[:idx]...)
	out = append(out, snippet...)
	return append(out, doc[idx:]...)
}
