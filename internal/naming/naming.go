package naming

import (
	"log/slog"
	"strings"
)

// Namer converts SQL table and column names into GraphQL type and field
// names. It handles pluralization, reserved words and collisions.
type Namer struct {
	config   Config
	logger   *slog.Logger
	resolver *CollisionResolver
}

// New creates a Namer with the given configuration.
func New(cfg Config, logger *slog.Logger) *Namer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Namer{
		config:   cfg,
		logger:   logger,
		resolver: NewCollisionResolver(logger),
	}
}

// Default returns a Namer with default configuration.
func Default() *Namer {
	return New(DefaultConfig(), nil)
}

// Reset clears collision state so the namer can be reused for a new registry build.
func (n *Namer) Reset() {
	n.resolver = NewCollisionResolver(n.logger)
}

// TypeName converts a table name to a singular PascalCase type name.
// Example: "music_albums" -> "MusicAlbum"
func (n *Namer) TypeName(tableName string) string {
	return n.validateTypeAndSuffix(toPascalCase(n.Singularize(tableName)))
}

// FieldName converts a column name to a camelCase field name.
// Example: "release_date" -> "releaseDate"
func (n *Namer) FieldName(columnName string) string {
	return toCamelCase(columnName)
}

// ListFieldName returns the root list field for a table.
// Example: "artist" -> "artists"
func (n *Namer) ListFieldName(tableName string) string {
	return toCamelCase(n.Pluralize(tableName))
}

// SingleFieldName returns the root by-identity lookup field for a table.
// Example: "artists" -> "artist"
func (n *Namer) SingleFieldName(tableName string) string {
	return toCamelCase(n.Singularize(tableName))
}

// ManyToOneFieldName names a to-one relation after its FK column with
// common suffixes stripped.
// Example: "author_id" -> "author", "created_by_user_id" -> "createdByUser"
func (n *Namer) ManyToOneFieldName(fkColumn string) string {
	name := fkColumn
	for _, suffix := range []string{"_id", "_fk"} {
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			name = name[:len(name)-len(suffix)]
			break
		}
	}
	return n.FieldName(name)
}

// OneToManyFieldName names the reverse side of a foreign key. A table with a
// single FK to the parent uses its pluralized name; otherwise the FK column
// prefixes it.
// Example: isOnlyFK=true: "songs" -> "songs"
// Example: isOnlyFK=false, fkColumn="author_id": "posts" -> "authorPosts"
func (n *Namer) OneToManyFieldName(sourceTable, fkColumn string, isOnlyFK bool) string {
	plural := toCamelCase(n.Pluralize(sourceTable))
	if isOnlyFK {
		return plural
	}
	prefix := n.ManyToOneFieldName(fkColumn)
	if plural == "" {
		return prefix
	}
	return prefix + strings.ToUpper(plural[:1]) + plural[1:]
}

// ManyToManyFieldName names a relation through a pure junction table after
// the pluralized target table.
func (n *Namer) ManyToManyFieldName(targetTable string) string {
	return toCamelCase(n.Pluralize(targetTable))
}

// RegisterType registers a table and returns its collision-free type name.
func (n *Namer) RegisterType(tableName string) string {
	return n.resolver.RegisterType(n.TypeName(tableName), tableName)
}

// RegisterColumnField registers a column field. Columns are registered first
// so they keep their natural names.
func (n *Namer) RegisterColumnField(typeName, columnName string) string {
	fieldName := n.validateFieldAndSuffix(n.FieldName(columnName))
	return n.resolver.RegisterField(typeName, fieldName, "column:"+columnName)
}

// RegisterRelationField registers a relation field. A collision with an
// existing column gets a Ref (to-one) or Rel (to-many) suffix.
func (n *Namer) RegisterRelationField(typeName, fieldName, source string, toOne bool) string {
	fieldName = n.validateFieldAndSuffix(fieldName)
	if n.resolver.FieldExists(typeName, fieldName) {
		if toOne {
			fieldName += "Ref"
		} else {
			fieldName += "Rel"
		}
	}
	return n.resolver.RegisterField(typeName, fieldName, "relation:"+source)
}

// RegisterQueryField registers a root query field and returns the resolved name.
func (n *Namer) RegisterQueryField(fieldName, tableName string) string {
	return n.resolver.RegisterQuery(n.validateFieldAndSuffix(fieldName), tableName)
}

func (n *Namer) validateTypeAndSuffix(name string) string {
	if isReservedTypeName(name) {
		safeName := name + "_"
		n.logger.Warn("GraphQL name conflicts with reserved word, auto-suffixed",
			slog.String("original", name),
			slog.String("renamed", safeName),
		)
		return safeName
	}
	return name
}

func (n *Namer) validateFieldAndSuffix(name string) string {
	if isReservedFieldName(name) {
		safeName := name + "_"
		n.logger.Warn("GraphQL name conflicts with reserved word, auto-suffixed",
			slog.String("original", name),
			slog.String("renamed", safeName),
		)
		return safeName
	}
	return name
}

func toPascalCase(s string) string {
	parts := strings.Split(s, "_")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToUpper(part[:1]) + part[1:]
		}
	}
	return strings.Join(parts, "")
}

func toCamelCase(s string) string {
	parts := strings.Split(s, "_")
	for i := 1; i < len(parts); i++ {
		if len(parts[i]) > 0 {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}
