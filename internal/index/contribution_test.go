package index

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestContribution_PreservesOrder(t *testing.T) {
	t.Parallel()

	src := `{"zeta":["z1","z2"],"alpha":[],"mid":[["m1",false]]}`
	c := contribution(t, src)

	if got, want := c.Crates(), []string{"zeta", "alpha", "mid"}; !reflect.DeepEqual(got, want) {
		t.Errorf("crates = %v, want %v", got, want)
	}
	if got := mustJSON(t, c); got != src {
		t.Errorf("round trip changed order or content:\n got %s\nwant %s", got, src)
	}
	if got := c.Records(); got != 3 {
		t.Errorf("records = %d, want 3", got)
	}
}

func TestContribution_EmptyVersusAbsent(t *testing.T) {
	t.Parallel()

	c := NewContribution()
	c.Add("declared")

	impls, ok := c.Get("declared")
	if !ok || impls == nil || len(impls) != 0 {
		t.Errorf("declared crate: got %v, %v", impls, ok)
	}
	if _, ok := c.Get("absent"); ok {
		t.Error("absent crate reported present")
	}
	if got := mustJSON(t, c); got != `{"declared":[]}` {
		t.Errorf("got %s", got)
	}
}

func TestContribution_NullRecordsBecomeEmpty(t *testing.T) {
	t.Parallel()

	c := contribution(t, `{"a":null}`)
	impls, ok := c.Get("a")
	if !ok || impls == nil {
		t.Fatalf("expected present empty sequence, got %v, %v", impls, ok)
	}
}

func TestContribution_Clone(t *testing.T) {
	t.Parallel()

	c := NewContribution()
	c.Add("a", rec("x"))
	clone := c.Clone()

	impls, _ := clone.Get("a")
	impls[0][1] = 'Q'
	clone.Add("b")

	orig, _ := c.Get("a")
	if string(orig[0]) != `"x"` {
		t.Errorf("clone shares record memory: %s", orig[0])
	}
	if c.Len() != 1 {
		t.Errorf("clone shares crate map: len %d", c.Len())
	}
}

func TestContribution_NilSafe(t *testing.T) {
	t.Parallel()

	var c *Contribution
	if c.Len() != 0 || c.Crates() != nil || c.Records() != 0 {
		t.Error("nil contribution should behave as empty")
	}
	if _, ok := c.Get("x"); ok {
		t.Error("nil contribution reported a crate")
	}
	if c.Clone().Len() != 0 {
		t.Error("clone of nil should be empty")
	}

	var zero Contribution
	zero.Add("a")
	if zero.Len() != 1 {
		t.Error("zero value should be usable")
	}
}

func TestContribution_InvalidJSON(t *testing.T) {
	t.Parallel()

	c := NewContribution()
	if err := json.Unmarshal([]byte(`["not", "an", "object"]`), c); err == nil {
		t.Error("expected error for non-object input")
	}
}
