package index

import (
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Implementor is one rendered implementor record. The index treats it as opaque;
// rustdoc emits either a bare HTML string or an array whose first element is the HTML.
type Implementor = json.RawMessage

// Contribution is the crate → implementor records mapping one fragment contributes for
// its group. Crates keep their insertion order and records keep their declaration order.
type Contribution struct {
	crates *orderedmap.OrderedMap[string, []Implementor]
}

func NewContribution() *Contribution {
	return &Contribution{crates: orderedmap.New[string, []Implementor]()}
}

// Add sets the records for crate, replacing any earlier records for the same crate.
// Calling Add with no records declares the crate with an empty (but present) sequence.
func (c *Contribution) Add(crate string, impls ...Implementor) {
	c.init()
	c.crates.Set(crate, cloneRecords(impls))
}

// Get returns the records for crate. The second result reports whether the crate
// is present at all, which distinguishes an empty sequence from an absent crate.
func (c *Contribution) Get(crate string) ([]Implementor, bool) {
	if c == nil || c.crates == nil {
		return nil, false
	}
	return c.crates.Get(crate)
}

// Crates returns the crate keys in insertion order.
func (c *Contribution) Crates() []string {
	if c == nil || c.crates == nil {
		return nil
	}
	keys := make([]string, 0, c.crates.Len())
	for pair := c.crates.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

func (c *Contribution) Len() int {
	if c == nil || c.crates == nil {
		return 0
	}
	return c.crates.Len()
}

// Records returns the total number of implementor records across all crates.
func (c *Contribution) Records() int {
	n := 0
	c.Each(func(_ string, impls []Implementor) {
		n += len(impls)
	})
	return n
}

// Each calls fn for every crate in insertion order.
func (c *Contribution) Each(fn func(crate string, impls []Implementor)) {
	if c == nil || c.crates == nil {
		return
	}
	for pair := c.crates.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Clone returns a deep copy that shares no memory with c.
func (c *Contribution) Clone() *Contribution {
	out := NewContribution()
	c.Each(func(crate string, impls []Implementor) {
		out.crates.Set(crate, cloneRecords(impls))
	})
	return out
}

func (c *Contribution) MarshalJSON() ([]byte, error) {
	c.init()
	return c.crates.MarshalJSON()
}

func (c *Contribution) UnmarshalJSON(data []byte) error {
	crates := orderedmap.New[string, []Implementor]()
	if err := json.Unmarshal(data, crates); err != nil {
		return fmt.Errorf("decoding implementors: %w", err)
	}
	// null and missing arrays decode to nil; keep them present and empty.
	for pair := crates.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil {
			pair.Value = []Implementor{}
		}
	}
	c.crates = crates
	return nil
}

func (c *Contribution) init() {
	if c.crates == nil {
		c.crates = orderedmap.New[string, []Implementor]()
	}
}

func cloneRecords(impls []Implementor) []Implementor {
	out := make([]Implementor, len(impls))
	for i, impl := range impls {
		out[i] = append(Implementor(nil), impl...)
	}
	return out
}
