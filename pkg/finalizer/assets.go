package finalizer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nbforge/hatchery/pkg/metrics"
	"github.com/nbforge/hatchery/pkg/notebook"
)

const (
	// AssetsDirName is the per-notebook directory assets land in.
	AssetsDirName = "assets"

	// TextOffloadBytes and TextOffloadLines are the inline-size limits
	// beyond which text payloads move to an asset file.
	TextOffloadBytes = 2048
	TextOffloadLines = 50

	previewHeadLines = 15
	previewTailLines = 10

	// pruneTarget is the fill ratio quota enforcement prunes down to.
	pruneTarget = 0.8
)

// binaryPriority orders image representations; when an output carries
// several, only the highest-priority one is extracted and kept.
var binaryPriority = []string{
	"application/pdf",
	"image/svg+xml",
	"image/png",
	"image/jpeg",
}

var binaryExt = map[string]string{
	"application/pdf": ".pdf",
	"image/svg+xml":   ".svg",
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
}

// assetWriter owns one notebook's assets directory.
type assetWriter struct {
	dir    string
	logger zerolog.Logger
}

func newAssetWriter(notebookDir string, logger zerolog.Logger) *assetWriter {
	return &assetWriter{
		dir:    filepath.Join(notebookDir, AssetsDirName),
		logger: logger,
	}
}

// ensureDir creates the assets directory and drops a .gitignore so
// extracted blobs never end up committed alongside the notebook.
func (w *assetWriter) ensureDir() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("create assets dir: %w", err)
	}
	gi := filepath.Join(w.dir, ".gitignore")
	if _, err := os.Stat(gi); os.IsNotExist(err) {
		if err := os.WriteFile(gi, []byte("*\n!.gitignore\n"), 0644); err != nil {
			w.logger.Warn().Err(err).Msg("cannot write assets .gitignore")
		}
	}
	return nil
}

// write stores content under a content-addressed name and returns the
// path relative to the notebook directory. Existing files are reused;
// identical content always lands on the same name.
func (w *assetWriter) write(name string, content []byte) (string, error) {
	if err := w.ensureDir(); err != nil {
		return "", err
	}
	full := filepath.Join(w.dir, name)
	if _, err := os.Stat(full); err == nil {
		return filepath.Join(AssetsDirName, name), nil
	}
	if err := os.WriteFile(full, content, 0644); err != nil {
		return "", fmt.Errorf("write asset %s: %w", name, err)
	}
	metrics.AssetBytesWritten.Add(float64(len(content)))
	return filepath.Join(AssetsDirName, name), nil
}

func contentName(prefix string, content []byte, ext string) string {
	sum := sha256.Sum256(content)
	return prefix + hex.EncodeToString(sum[:])[:16] + ext
}

// extractBinary moves the highest-priority binary representation of an
// output into an asset file and replaces the inline payload with a
// Markdown reference. Returns the relative asset path, empty if the
// output carried no extractable binary.
func (w *assetWriter) extractBinary(out *notebook.Output) (string, error) {
	if out.OutputType != notebook.OutputTypeDisplayData && out.OutputType != notebook.OutputTypeExecuteResult {
		return "", nil
	}
	var mime, payload string
	for _, candidate := range binaryPriority {
		if s, ok := out.DataString(candidate); ok && s != "" {
			mime, payload = candidate, s
			break
		}
	}
	if mime == "" {
		return "", nil
	}

	var content []byte
	if mime == "image/svg+xml" {
		content = []byte(payload)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, payload))
		if err != nil {
			w.logger.Warn().Str("mime", mime).Err(err).Msg("undecodable inline binary, keeping as is")
			return "", nil
		}
		content = decoded
	}

	rel, err := w.write(contentName("", content, binaryExt[mime]), content)
	if err != nil {
		return "", err
	}

	alt := "output"
	if plain, ok := out.DataString("text/plain"); ok {
		alt = strings.TrimSpace(plain)
		if len(alt) > 120 {
			alt = alt[:120]
		}
	}

	for _, m := range binaryPriority {
		delete(out.Data, m)
	}
	out.SetData("text/markdown", fmt.Sprintf("![%s](%s)", alt, rel))
	if out.Metadata == nil {
		out.Metadata = map[string]interface{}{}
	}
	out.Metadata["hatchery_asset"] = map[string]interface{}{
		"path":       rel,
		"media_type": mime,
		"alt_text":   alt,
	}
	return rel, nil
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\n', '\r', '\t':
		return -1
	}
	return r
}

// offloadText moves an oversized text payload into an asset file,
// leaving a head/tail preview inline. Returns the relative asset path,
// empty if the text fit inline.
func (w *assetWriter) offloadText(out *notebook.Output) (string, error) {
	var text string
	var setText func(string)
	switch out.OutputType {
	case notebook.OutputTypeStream:
		text = out.Text.String()
		setText = func(s string) { out.Text = notebook.SourceText(s) }
	case notebook.OutputTypeDisplayData, notebook.OutputTypeExecuteResult:
		s, ok := out.DataString("text/plain")
		if !ok {
			return "", nil
		}
		text = s
		setText = func(s string) { out.SetData("text/plain", s) }
	default:
		return "", nil
	}

	lines := strings.Count(text, "\n") + 1
	if len(text) <= TextOffloadBytes && lines <= TextOffloadLines {
		return "", nil
	}

	content := []byte(text)
	rel, err := w.write(contentName("text_", content, ".txt"), content)
	if err != nil {
		return "", err
	}

	setText(headTailPreview(text, rel))
	if out.Metadata == nil {
		out.Metadata = map[string]interface{}{}
	}
	out.Metadata["asset"] = map[string]interface{}{
		"path":       rel,
		"size":       len(content),
		"line_count": lines,
	}
	return rel, nil
}

// headTailPreview keeps the first and last lines of a long payload with
// an elision marker naming the full asset in between.
func headTailPreview(text, assetPath string) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= previewHeadLines+previewTailLines {
		// Offloaded on byte size alone; keep a character prefix.
		if len(text) > TextOffloadBytes {
			return text[:TextOffloadBytes] + fmt.Sprintf("\n[... truncated, full output in %s ...]\n", assetPath)
		}
		return text
	}
	head := lines[:previewHeadLines]
	tail := lines[len(lines)-previewTailLines:]
	marker := fmt.Sprintf("[... %d lines elided, full output in %s ...]",
		len(lines)-previewHeadLines-previewTailLines, assetPath)
	parts := make([]string, 0, len(head)+len(tail)+1)
	parts = append(parts, head...)
	parts = append(parts, marker)
	parts = append(parts, tail...)
	return strings.Join(parts, "\n")
}

// pruneQuota deletes oldest asset files by mtime until the directory is
// at or under the target ratio of capBytes. Files that cannot be
// removed are skipped and logged.
func (w *assetWriter) pruneQuota(capBytes int64) (removed int, freed int64) {
	if capBytes <= 0 {
		return 0, 0
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, 0
	}
	type fileInfo struct {
		path  string
		size  int64
		mtime int64
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() || e.Name() == ".gitignore" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:  filepath.Join(w.dir, e.Name()),
			size:  info.Size(),
			mtime: info.ModTime().UnixNano(),
		})
		total += info.Size()
	}
	if total <= capBytes {
		return 0, 0
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime < files[j].mtime })

	target := int64(float64(capBytes) * pruneTarget)
	for _, f := range files {
		if total <= target {
			break
		}
		if err := os.Remove(f.path); err != nil {
			w.logger.Warn().Str("path", f.path).Err(err).Msg("cannot prune asset, skipping")
			continue
		}
		total -= f.size
		freed += f.size
		removed++
		metrics.AssetsPrunedTotal.Inc()
	}
	if removed > 0 {
		w.logger.Info().Int("removed", removed).Int64("freed_bytes", freed).Msg("pruned assets over quota")
	}
	return removed, freed
}
