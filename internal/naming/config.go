// Package naming converts SQL schema names into GraphQL type and field names
// for the schema mapping registry: pluralization, collisions and reserved words.
package naming

// Config holds naming customization options.
type Config struct {
	// PluralOverrides maps singular -> custom plural.
	// Example: {"person": "people", "status": "statuses"}
	PluralOverrides map[string]string `mapstructure:"plural_overrides"`

	// SingularOverrides maps plural -> custom singular.
	// Example: {"people": "person", "data": "datum"}
	SingularOverrides map[string]string `mapstructure:"singular_overrides"`
}

// DefaultConfig returns a config without overrides.
func DefaultConfig() Config {
	return Config{
		PluralOverrides:   make(map[string]string),
		SingularOverrides: make(map[string]string),
	}
}
