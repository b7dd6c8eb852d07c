package tools

// Common JSON Schema building blocks

// StringSchema creates a JSON schema for a string field
func StringSchema(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
	}
}

// EntityIDSchema creates a JSON schema for a hub entity identifier
func EntityIDSchema(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"pattern":     "^[a-z0-9_]+\\.[a-z0-9_]+$",
		"description": description,
	}
}

// IntegerSchema creates a JSON schema for an integer field with optional min/max
func IntegerSchema(description string, min, max *int) map[string]any {
	schema := map[string]any{
		"type":        "integer",
		"description": description,
	}
	if min != nil {
		schema["minimum"] = *min
	}
	if max != nil {
		schema["maximum"] = *max
	}
	return schema
}

// BooleanSchema creates a JSON schema for a boolean field
func BooleanSchema(description string) map[string]any {
	return map[string]any{
		"type":        "boolean",
		"description": description,
	}
}

// ObjectSchema creates a JSON schema for an object with arbitrary properties
func ObjectSchema(description string) map[string]any {
	return map[string]any{
		"type":        "object",
		"description": description,
	}
}

// EnumSchema creates a JSON schema for an enum field
func EnumSchema(description string, values []string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
		"enum":        values,
	}
}

// ArraySchema creates a JSON schema for an array field
func ArraySchema(description string, items map[string]any) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": description,
		"items":       items,
	}
}

// BuildSchema creates a complete JSON schema object with properties and required fields
func BuildSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// DomainFilterSchema returns the schema shared by catalogue reads that
// accept an optional domain filter
func DomainFilterSchema() map[string]any {
	return BuildSchema(map[string]any{
		"domain": StringSchema("Restrict results to one entity domain (e.g. light, switch, sensor)"),
	}, nil)
}

// EntityLookupSchema returns the schema for single-entity reads
func EntityLookupSchema() map[string]any {
	return BuildSchema(map[string]any{
		"entity_id": EntityIDSchema("Entity to look up, in domain.object form"),
	}, []string{"entity_id"})
}

// HistorySchema returns the schema for the entity history query
func HistorySchema() map[string]any {
	min1, max168 := 1, 168
	return BuildSchema(map[string]any{
		"entity_id": EntityIDSchema("Entity whose state history to fetch"),
		"hours":     IntegerSchema("How far back to look, in hours (1-168)", &min1, &max168),
	}, []string{"entity_id"})
}

// ServiceCallSchema returns the schema for invoking a hub service
func ServiceCallSchema() map[string]any {
	return BuildSchema(map[string]any{
		"domain":    StringSchema("Service domain (e.g. light, climate, script)"),
		"service":   StringSchema("Service name within the domain (e.g. turn_on)"),
		"entity_id": EntityIDSchema("Optional target entity for the service call"),
		"data":      ObjectSchema("Service-specific parameters as key-value pairs"),
	}, []string{"domain", "service"})
}

// SetStateSchema returns the schema for writing an entity state directly
func SetStateSchema() map[string]any {
	return BuildSchema(map[string]any{
		"entity_id":  EntityIDSchema("Entity whose state to overwrite"),
		"state":      StringSchema("New state value"),
		"attributes": ObjectSchema("Optional attribute map to set alongside the state"),
	}, []string{"entity_id", "state"})
}

// EmptySchema returns the schema for tools that take no arguments
func EmptySchema() map[string]any {
	return BuildSchema(map[string]any{}, nil)
}
