package notebook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// ProvenanceKey is the cell metadata key execution provenance is stored
// under. It is the single stable key other tools may rely on.
const ProvenanceKey = "hatchery"

// Provenance records how a cell's current outputs were produced.
type Provenance struct {
	ExecutionHash string `json:"execution_hash"`
	ExecutedAt    string `json:"executed_at"`
	EnvName       string `json:"env_name"`
	Interpreter   string `json:"interpreter"`
	SessionUUID   string `json:"session_uuid"`
}

// NewProvenance stamps a provenance block for source executed now.
func NewProvenance(source, envName, interpreter, sessionUUID string) Provenance {
	return Provenance{
		ExecutionHash: ExecutionHash(source),
		ExecutedAt:    time.Now().UTC().Format(time.RFC3339),
		EnvName:       envName,
		Interpreter:   interpreter,
		SessionUUID:   sessionUUID,
	}
}

// ExecutionHash returns the hex SHA-256 of the source with all
// whitespace removed, so formatting-only edits do not count as changes.
func ExecutionHash(source string) string {
	var b strings.Builder
	b.Grow(len(source))
	for _, r := range source {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// SetProvenance writes the provenance block onto a cell.
func (c *Cell) SetProvenance(p Provenance) {
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	c.Metadata[ProvenanceKey] = map[string]interface{}{
		"execution_hash": p.ExecutionHash,
		"executed_at":    p.ExecutedAt,
		"env_name":       p.EnvName,
		"interpreter":    p.Interpreter,
		"session_uuid":   p.SessionUUID,
	}
}

// GetProvenance reads the provenance block from a cell, if present.
func (c *Cell) GetProvenance() (Provenance, bool) {
	raw, ok := c.Metadata[ProvenanceKey]
	if !ok {
		return Provenance{}, false
	}
	// Metadata values come back as generic maps after JSON decode;
	// round-trip through JSON to fill the struct.
	buf, err := json.Marshal(raw)
	if err != nil {
		return Provenance{}, false
	}
	var p Provenance
	if err := json.Unmarshal(buf, &p); err != nil {
		return Provenance{}, false
	}
	return p, p.ExecutionHash != ""
}
