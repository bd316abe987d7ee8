package index

// Registrar is the entry point a loaded fragment calls to contribute its mapping.
type Registrar interface {
	RegisterFragment(group string, c *Contribution) error
}

var _ Registrar = (*Store)(nil)

var defaultStore = New()

// Default returns the process-wide Store that fragments delivered by unrelated
// components can reach without explicit wiring.
func Default() *Store {
	return defaultStore
}

// RegisterFragment registers a fragment with the process-wide Store.
func RegisterFragment(group string, c *Contribution) error {
	return defaultStore.RegisterFragment(group, c)
}
