package naming

import (
	"fmt"
	"log/slog"
)

// CollisionResolver tracks registered names and resolves duplicates with a
// numeric suffix.
type CollisionResolver struct {
	seenTypes   map[string]string            // type name -> source table
	seenFields  map[string]map[string]string // type name -> field name -> source
	seenQueries map[string]string            // root field -> source table
	logger      *slog.Logger
}

// NewCollisionResolver creates an empty resolver.
func NewCollisionResolver(logger *slog.Logger) *CollisionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollisionResolver{
		seenTypes:   make(map[string]string),
		seenFields:  make(map[string]map[string]string),
		seenQueries: make(map[string]string),
		logger:      logger,
	}
}

// RegisterType registers a type name and returns the resolved name.
func (c *CollisionResolver) RegisterType(typeName, tableName string) string {
	return c.resolve(typeName, c.seenTypes, "table:"+tableName)
}

// RegisterField registers a field within a type and returns the resolved name.
func (c *CollisionResolver) RegisterField(typeName, fieldName, source string) string {
	if c.seenFields[typeName] == nil {
		c.seenFields[typeName] = make(map[string]string)
	}
	return c.resolve(fieldName, c.seenFields[typeName], source)
}

// FieldExists reports whether a field name is taken on a type.
func (c *CollisionResolver) FieldExists(typeName, fieldName string) bool {
	_, exists := c.seenFields[typeName][fieldName]
	return exists
}

// RegisterQuery registers a root field and returns the resolved name.
func (c *CollisionResolver) RegisterQuery(fieldName, tableName string) string {
	return c.resolve(fieldName, c.seenQueries, "table:"+tableName)
}

func (c *CollisionResolver) resolve(name string, seen map[string]string, source string) string {
	existing, exists := seen[name]
	if !exists {
		seen[name] = source
		return name
	}

	c.logger.Warn("naming collision detected, applying suffix",
		slog.String("name", name),
		slog.String("existing_source", existing),
		slog.String("new_source", source),
	)
	for i := 2; ; i++ {
		suffixed := fmt.Sprintf("%s%d", name, i)
		if _, taken := seen[suffixed]; !taken {
			seen[suffixed] = source
			return suffixed
		}
	}
}
