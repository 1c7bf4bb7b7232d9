package notebook

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

const (
	// Version is the nbformat major version this package reads and writes.
	Version = 4

	// VersionMinor is the minimum minor version written back to disk.
	// Notebooks below 4.5 lack stable cell ids and are migrated on read.
	VersionMinor = 5
)

// Cell types in an nbformat 4 document.
const (
	CellTypeCode     = "code"
	CellTypeMarkdown = "markdown"
	CellTypeRaw      = "raw"
)

// Output types produced by kernel execution.
const (
	OutputTypeStream        = "stream"
	OutputTypeDisplayData   = "display_data"
	OutputTypeExecuteResult = "execute_result"
	OutputTypeError         = "error"
)

// Notebook is an in-memory nbformat 4 document.
type Notebook struct {
	Cells         []Cell                 `json:"cells"`
	Metadata      map[string]interface{} `json:"metadata"`
	NBFormat      int                    `json:"nbformat"`
	NBFormatMinor int                    `json:"nbformat_minor"`
}

// Cell is a single notebook cell. Source is held as one string in memory
// and round-tripped through nbformat's line-list form.
type Cell struct {
	ID             string                 `json:"id,omitempty"`
	CellType       string                 `json:"cell_type"`
	Source         SourceText             `json:"source"`
	Metadata       map[string]interface{} `json:"metadata"`
	Outputs        []Output               `json:"outputs,omitempty"`
	ExecutionCount *int                   `json:"execution_count,omitempty"`
}

// MarshalJSON keeps code cells schema-valid: nbformat requires the
// outputs and execution_count keys on every code cell, even when empty.
func (c Cell) MarshalJSON() ([]byte, error) {
	type alias Cell
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	if c.CellType != CellTypeCode {
		return json.Marshal(alias(c))
	}
	if c.Outputs == nil {
		c.Outputs = []Output{}
	}
	return json.Marshal(struct {
		alias
		Outputs        []Output `json:"outputs"`
		ExecutionCount *int     `json:"execution_count"`
	}{alias(c), c.Outputs, c.ExecutionCount})
}

// Output is one entry in a code cell's outputs list, in the standard
// nbformat shape. Exactly one of the type-specific field groups is
// populated depending on OutputType.
type Output struct {
	OutputType     string                 `json:"output_type"`
	Name           string                 `json:"name,omitempty"`
	Text           SourceText             `json:"text,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ExecutionCount *int                   `json:"execution_count,omitempty"`
	Ename          string                 `json:"ename,omitempty"`
	Evalue         string                 `json:"evalue,omitempty"`
	Traceback      []string               `json:"traceback,omitempty"`
}

// DataString returns the named mime-bundle entry as a string. nbformat
// permits both a plain string and a list of lines; both are handled.
func (o *Output) DataString(mime string) (string, bool) {
	v, ok := o.Data[mime]
	if !ok {
		return "", false
	}
	return bundleString(v)
}

// SetData replaces the named mime-bundle entry.
func (o *Output) SetData(mime string, value interface{}) {
	if o.Data == nil {
		o.Data = map[string]interface{}{}
	}
	o.Data[mime] = value
}

func bundleString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []interface{}:
		var b strings.Builder
		for _, part := range t {
			s, ok := part.(string)
			if !ok {
				return "", false
			}
			b.WriteString(s)
		}
		return b.String(), true
	default:
		return "", false
	}
}

// SourceText is a string that marshals to nbformat's list-of-lines form
// and unmarshals from either form.
type SourceText string

func (s *SourceText) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = SourceText(str)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(b, &lines); err != nil {
		return fmt.Errorf("source is neither string nor line list: %w", err)
	}
	*s = SourceText(strings.Join(lines, ""))
	return nil
}

func (s SourceText) MarshalJSON() ([]byte, error) {
	return json.Marshal(SplitLines(string(s)))
}

func (s SourceText) String() string { return string(s) }

// SplitLines splits text into nbformat line entries, each retaining its
// trailing newline, mirroring Python's splitlines(keepends=True).
func SplitLines(text string) []string {
	if text == "" {
		return []string{}
	}
	var lines []string
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			lines = append(lines, text)
			break
		}
		lines = append(lines, text[:i+1])
		text = text[i+1:]
		if text == "" {
			break
		}
	}
	return lines
}

// New returns an empty notebook at the current format version.
func New() *Notebook {
	return &Notebook{
		Cells:         []Cell{},
		Metadata:      map[string]interface{}{},
		NBFormat:      Version,
		NBFormatMinor: VersionMinor,
	}
}

// Read parses the notebook at path. Documents below 4.5, or cells missing
// stable ids, are migrated in memory; the caller persists the migration
// with WriteAtomic when Migrated reports true.
func Read(path string) (*Notebook, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notebook: %w", err)
	}
	nb := &Notebook{}
	if err := json.Unmarshal(raw, nb); err != nil {
		return nil, fmt.Errorf("parse notebook %s: %w", path, err)
	}
	if nb.NBFormat != Version {
		return nil, fmt.Errorf("unsupported nbformat %d in %s (want %d)", nb.NBFormat, path, Version)
	}
	return nb, nil
}

// Migrate assigns fresh stable ids to cells lacking one and lifts the
// document to 4.5. Returns true if anything changed.
func Migrate(nb *Notebook) bool {
	changed := false
	if nb.NBFormatMinor < VersionMinor {
		nb.NBFormatMinor = VersionMinor
		changed = true
	}
	for i := range nb.Cells {
		if nb.Cells[i].ID == "" {
			nb.Cells[i].ID = NewCellID()
			changed = true
		}
	}
	return changed
}

// NewCellID returns a fresh 8-character cell id, the length the reference
// Jupyter implementation generates.
func NewCellID() string {
	return uuid.NewString()[:8]
}

// CodeCellIndexes returns the indexes of all code cells in document order.
func (nb *Notebook) CodeCellIndexes() []int {
	var idx []int
	for i := range nb.Cells {
		if nb.Cells[i].CellType == CellTypeCode {
			idx = append(idx, i)
		}
	}
	return idx
}

// CellAt validates the index and returns the cell.
func (nb *Notebook) CellAt(index int) (*Cell, error) {
	if index < 0 || index >= len(nb.Cells) {
		return nil, fmt.Errorf("cell index %d out of range (notebook has %d cells)", index, len(nb.Cells))
	}
	return &nb.Cells[index], nil
}
