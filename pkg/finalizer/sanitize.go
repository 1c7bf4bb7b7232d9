package finalizer

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/nbforge/hatchery/pkg/notebook"
)

// RedactedPlaceholder replaces matched secret material.
const RedactedPlaceholder = "[REDACTED]"

const (
	// minEntropyCandidate is the shortest substring the entropy
	// scanner considers.
	minEntropyCandidate = 20
	// base64Entropy is the bits-per-char threshold for mixed-case
	// candidates; random base64 sits near 6, English words under 4.
	base64Entropy = 4.5
	// hexEntropy is the threshold for hex-only candidates, whose
	// maximum possible entropy is 4 bits per char.
	hexEntropy = 3.5
	// maxTableRows bounds tables converted inline to Markdown.
	maxTableRows = 30
	// maxTableCols bounds converted table width.
	maxTableCols = 20
)

// secretPatterns match well-known credential shapes. Order matters only
// in that the multi-line private key pattern should run before token
// patterns that could partially match its body.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)aws_secret_access_key\s*[=:]\s*[A-Za-z0-9/+=]{30,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`gho_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_.=-]{20,}`),
	regexp.MustCompile(`(?i)(password|passwd|secret|token|api_key|apikey|access_key)\s*[=:]\s*["'][^"']{8,}["']`),
}

var entropyCandidateRe = regexp.MustCompile(`[A-Za-z0-9+/=_-]{20,}`)
var hexOnlyRe = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// ansiRe strips terminal color codes, which Python tracebacks carry.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// RedactSecrets removes credential-shaped substrings from text, first
// by fixed patterns, then by Shannon entropy over long token-like
// substrings.
func RedactSecrets(text string) string {
	for _, re := range secretPatterns {
		text = re.ReplaceAllString(text, RedactedPlaceholder)
	}
	return entropyCandidateRe.ReplaceAllStringFunc(text, func(tok string) string {
		if len(tok) < minEntropyCandidate {
			return tok
		}
		e := shannonEntropy(tok)
		if hexOnlyRe.MatchString(tok) {
			if len(tok) >= 32 && e >= hexEntropy {
				return RedactedPlaceholder
			}
			return tok
		}
		if e >= base64Entropy {
			return RedactedPlaceholder
		}
		return tok
	})
}

// shannonEntropy returns bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	entropy := 0.0
	for _, n := range freq {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// ElideTraceback collapses runs of library-internal frames into a
// single marker, keeping user frames and the final exception line.
func ElideTraceback(frames []string) []string {
	if len(frames) <= 2 {
		return frames
	}
	out := make([]string, 0, len(frames))
	elided := 0
	flush := func() {
		if elided > 0 {
			out = append(out, elisionMarker(elided))
			elided = 0
		}
	}
	for i, frame := range frames {
		// The last frame carries the exception itself.
		if i == len(frames)-1 {
			flush()
			out = append(out, frame)
			continue
		}
		if isLibraryFrame(frame) {
			elided++
			continue
		}
		flush()
		out = append(out, frame)
	}
	return out
}

func elisionMarker(n int) string {
	if n == 1 {
		return "  [... 1 library frame elided ...]"
	}
	return fmt.Sprintf("  [... %d library frames elided ...]", n)
}

func isLibraryFrame(frame string) bool {
	plain := ansiRe.ReplaceAllString(frame, "")
	for _, marker := range []string{"site-packages", "dist-packages", "/lib/python", "<frozen "} {
		if strings.Contains(plain, marker) {
			return true
		}
	}
	return false
}

// ConvertHTMLTable turns a single small HTML table into a Markdown pipe
// table. Returns ok=false when the fragment is not one convertible
// table; large reports a table that exceeded the conversion bounds.
func ConvertHTMLTable(raw string) (markdown string, ok bool, large bool) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", false, false
	}
	tables := findTables(doc)
	if len(tables) != 1 {
		return "", false, false
	}
	rows := tableRows(tables[0])
	if len(rows) == 0 {
		return "", false, false
	}
	if len(rows) > maxTableRows || len(rows[0]) > maxTableCols {
		return "", false, true
	}
	return renderMarkdownTable(rows), true, false
}

func findTables(n *html.Node) []*html.Node {
	var tables []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "table" {
			tables = append(tables, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return tables
}

func tableRows(table *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, strings.TrimSpace(nodeText(c)))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return rows
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func renderMarkdownTable(rows [][]string) string {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	var b strings.Builder
	writeRow := func(row []string) {
		b.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(row) {
				cell = strings.ReplaceAll(row[i], "|", "\\|")
				cell = strings.ReplaceAll(cell, "\n", " ")
			}
			b.WriteString(" ")
			b.WriteString(cell)
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}
	writeRow(rows[0])
	b.WriteString("|")
	for i := 0; i < width; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range rows[1:] {
		writeRow(row)
	}
	return strings.TrimRight(b.String(), "\n")
}

// sanitizeText is the common text pipeline applied to every textual
// payload bound for the notebook file.
func sanitizeText(text string) string {
	return RedactSecrets(text)
}

// sanitizeOutput applies per-output cleanup that does not touch the
// filesystem: table conversion, traceback eliding, secret redaction.
// Asset offload runs separately because it writes files.
func sanitizeOutput(out *notebook.Output) {
	switch out.OutputType {
	case notebook.OutputTypeError:
		out.Traceback = ElideTraceback(out.Traceback)
		for i, frame := range out.Traceback {
			out.Traceback[i] = sanitizeText(frame)
		}
		out.Evalue = sanitizeText(out.Evalue)
	case notebook.OutputTypeStream:
		out.Text = notebook.SourceText(sanitizeText(out.Text.String()))
	case notebook.OutputTypeDisplayData, notebook.OutputTypeExecuteResult:
		if htmlText, ok := out.DataString("text/html"); ok {
			if md, converted, large := ConvertHTMLTable(htmlText); converted {
				delete(out.Data, "text/html")
				out.SetData("text/markdown", md)
			} else if large {
				if out.Metadata == nil {
					out.Metadata = map[string]interface{}{}
				}
				out.Metadata["large_table"] = true
			}
		}
		for _, mime := range []string{"text/plain", "text/markdown", "text/html"} {
			if s, ok := out.DataString(mime); ok {
				out.SetData(mime, sanitizeText(s))
			}
		}
	}
}
