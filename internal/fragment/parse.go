// Package fragment turns delivered implementor fragments into index contributions.
//
// Two encodings are understood. The rustdoc one is a self-registering script:
//
//	(function() {var implementors = {"crate":[["impl ..."]], ...};
//	if (window.register_implementors) {window.register_implementors(implementors);}
//	else {window.pending_implementors = implementors;}})()
//
// where the group key comes from the file's path. Newer rustdoc versions build the
// object with Object.fromEntries([["crate", [...]], ...]) instead of a literal. The
// JSON encoding carries its own group key:
//
//	{"group": "core::fmt::Debug", "implementors": {"crate": [...]}}
package fragment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jcdickinson/implindex/internal/cas"
	"github.com/jcdickinson/implindex/internal/index"
)

// ErrNotFragment is returned when a payload carries no implementors mapping.
var ErrNotFragment = errors.New("not an implementors fragment")

const (
	jsMarker    = "var implementors ="
	fromEntries = "Object.fromEntries("
)

// Fragment is one parsed, not yet registered, fragment.
type Fragment struct {
	Group        string
	Source       string
	Hash         string // CAS key of the decompressed payload
	Raw          []byte
	Implementors *index.Contribution
	// Buffered is set on registration when the index held the fragment back until
	// initialization.
	Buffered bool
}

// Parse decodes a decompressed payload. The encoding is chosen from the source name;
// JS fragments take their group key from the source path.
func Parse(source string, data []byte) (*Fragment, error) {
	f := &Fragment{
		Source: source,
		Hash:   cas.Hash(data),
		Raw:    data,
	}

	var err error
	if isJSON(source) {
		f.Group, f.Implementors, err = ParseJSON(data)
		if err == nil && f.Group == "" {
			f.Group, err = GroupKeyFromPath(source)
		}
	} else {
		f.Implementors, err = ParseJS(data)
		if err == nil {
			f.Group, err = GroupKeyFromPath(source)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}
	return f, nil
}

// ParseAs decodes a payload whose group key is already known, as when the daemon replays
// its journal. The encoding is still chosen from the source name.
func ParseAs(group, source string, data []byte) (*Fragment, error) {
	f := &Fragment{
		Group:  group,
		Source: source,
		Hash:   cas.Hash(data),
		Raw:    data,
	}

	var err error
	if isJSON(urlPath(source)) {
		_, f.Implementors, err = ParseJSON(data)
	} else {
		f.Implementors, err = ParseJS(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}
	return f, nil
}

// ParseJS extracts the implementors mapping from a rustdoc fragment script.
func ParseJS(src []byte) (*index.Contribution, error) {
	i := bytes.Index(src, []byte(jsMarker))
	if i < 0 {
		return nil, ErrNotFragment
	}
	rest := bytes.TrimLeft(src[i+len(jsMarker):], " \t\r\n")

	if bytes.HasPrefix(rest, []byte(fromEntries)) {
		return parseEntries(rest[len(fromEntries):])
	}

	c := index.NewContribution()
	if err := json.NewDecoder(bytes.NewReader(rest)).Decode(c); err != nil {
		return nil, fmt.Errorf("decoding implementors object: %w", err)
	}
	return c, nil
}

// parseEntries decodes the [[crate, records], ...] argument of Object.fromEntries.
func parseEntries(src []byte) (*index.Contribution, error) {
	var entries [][]json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(src)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding implementors entries: %w", err)
	}

	c := index.NewContribution()
	for i, entry := range entries {
		if len(entry) != 2 {
			return nil, fmt.Errorf("entry %d: want [crate, records], got %d elements", i, len(entry))
		}
		var crate string
		if err := json.Unmarshal(entry[0], &crate); err != nil {
			return nil, fmt.Errorf("entry %d: crate name: %w", i, err)
		}
		var records []index.Implementor
		if err := json.Unmarshal(entry[1], &records); err != nil {
			return nil, fmt.Errorf("entry %d (%s): records: %w", i, crate, err)
		}
		c.Add(crate, records...)
	}
	return c, nil
}

type jsonFragment struct {
	Group        string              `json:"group"`
	Implementors *index.Contribution `json:"implementors"`
}

// ParseJSON decodes a JSON fragment. The returned group may be empty, in which case
// the caller falls back to the source path.
func ParseJSON(src []byte) (string, *index.Contribution, error) {
	var jf jsonFragment
	if err := json.Unmarshal(src, &jf); err != nil {
		return "", nil, fmt.Errorf("decoding JSON fragment: %w", err)
	}
	if jf.Implementors == nil {
		return "", nil, ErrNotFragment
	}
	return jf.Group, jf.Implementors, nil
}
