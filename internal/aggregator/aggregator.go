// Package aggregator merges scanner unit outcomes into one canonical document.
package aggregator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/hostaudit/api/schemas"
)

// canonical sorts map keys so the same input always encodes to the same bytes.
var canonical = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// Marker status values.
const (
	StatusFailed    = "failed"
	StatusMalformed = "malformed"

	ErrMalformedFragment = "malformed_fragment"
)

// Marker replaces a unit's fragment when the unit failed or returned
// something that is not a JSON document.
type Marker struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// FailureMarker builds the fragment recorded for a failed unit.
func FailureMarker(o schemas.UnitOutcome) Marker {
	tag := o.ErrorTag
	if tag == "" {
		tag = schemas.UnitErrError
	}
	msg := ""
	if o.Err != nil {
		msg = o.Err.Error()
	}
	return Marker{Status: StatusFailed, Error: tag, Message: msg}
}

func malformedMarker(reason string) Marker {
	return Marker{Status: StatusMalformed, Error: ErrMalformedFragment, Message: reason}
}

// Aggregate merges outcomes into one JSON object keyed by unit name. Keys are
// sorted and every fragment is compacted, so reordering the input never
// changes the output. When a unit name repeats, the last outcome wins.
func Aggregate(outcomes []schemas.UnitOutcome) (json.RawMessage, error) {
	sorted := make([]schemas.UnitOutcome, len(outcomes))
	copy(sorted, outcomes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Unit < sorted[j].Unit })

	doc := make(map[string]json.RawMessage, len(sorted))
	for _, o := range sorted {
		frag, err := fragmentFor(o)
		if err != nil {
			return nil, fmt.Errorf("failed to encode marker for unit %q: %w", o.Unit, err)
		}
		doc[o.Unit] = frag
	}

	out, err := canonical.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode aggregate document: %w", err)
	}
	return out, nil
}

func fragmentFor(o schemas.UnitOutcome) (json.RawMessage, error) {
	if o.Failed() {
		m, err := canonical.Marshal(FailureMarker(o))
		return stripNULEscapes(m), err
	}
	trimmed := bytes.TrimSpace(o.Fragment)
	if len(trimmed) == 0 {
		return canonical.Marshal(malformedMarker("empty fragment"))
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return canonical.Marshal(malformedMarker(err.Error()))
	}
	return stripNULEscapes(buf.Bytes()), nil
}

// stripNULEscapes drops every \u0000 escape inside the string literals of a
// valid JSON document. Postgres rejects NUL in both text and json values.
func stripNULEscapes(doc []byte) []byte {
	const nul = `\u0000`
	if !bytes.Contains(doc, []byte(nul)) {
		return doc
	}
	out := make([]byte, 0, len(doc))
	inString := false
	for i := 0; i < len(doc); i++ {
		c := doc[i]
		switch {
		case !inString:
			if c == '"' {
				inString = true
			}
		case c == '"':
			inString = false
		case c == '\\':
			if bytes.HasPrefix(doc[i:], []byte(nul)) {
				i += len(nul) - 1
				continue
			}
			if i+1 < len(doc) {
				out = append(out, c, doc[i+1])
				i++
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// Units returns the top-level keys of an aggregate document in order.
func Units(doc json.RawMessage) ([]string, error) {
	var m map[string]jsoniter.RawMessage
	if err := canonical.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("failed to decode aggregate document: %w", err)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
