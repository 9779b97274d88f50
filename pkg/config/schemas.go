package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages the CUE definitions resources are validated
// against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in definitions.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// The built-ins are constants; a compile failure is a programming error.
	for name, def := range map[string]string{
		"resource": "#Resource",
		"package":  "#Package",
		"eselect":  "#Eselect",
	} {
		if err := sr.RegisterSchema(name, def, builtinSchemas); err != nil {
			panic(err)
		}
	}

	return sr
}

// RegisterSchema compiles source and registers its definition (for example
// "#Package") under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, definition)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. data may be
// any value CUE can encode, including raw JSON.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	if raw, ok := data.(json.RawMessage); ok {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("failed to decode data: %w", err)
		}
		data = decoded
	}

	// A cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateResource validates the declaration and then its attributes
// against the definition of its type.
func (sr *SchemaRegistry) ValidateResource(ctx context.Context, resource ResourceConfig) error {
	var attrs interface{}
	if err := json.Unmarshal(resource.Config, &attrs); err != nil {
		return fmt.Errorf("resource %s: invalid config: %w", resource.ID, err)
	}

	envelope := map[string]interface{}{
		"id":     resource.ID,
		"type":   resource.Type,
		"name":   resource.Name,
		"config": attrs,
	}
	if len(resource.Labels) > 0 {
		envelope["labels"] = resource.Labels
	}
	if err := sr.ValidateAgainstSchema(ctx, "resource", envelope); err != nil {
		return fmt.Errorf("resource %s: %w", resource.ID, err)
	}

	if err := sr.ValidateAgainstSchema(ctx, resource.Type, attrs); err != nil {
		return fmt.Errorf("resource %s: %w", resource.ID, err)
	}
	return nil
}

const builtinSchemas = `
#Resource: {
	id:     string & =~"^[A-Za-z0-9_./:+-]+$"
	type:   "package" | "eselect"
	name:   string & !=""
	config: {...}
	labels?: {[string]: string}
}

#Flags: string | [...string]

#PackageSettings: {
	slot?:       string | number
	repository?: string & =~"^[A-Za-z0-9_][A-Za-z0-9_-]*$"
	use?:        #Flags
	keywords?:   #Flags
	environment?: {[=~"^[A-Za-z_][A-Za-z0-9_]*$"]: string}
}

#Package: {
	name:      string & !=""
	category?: string & =~"^[A-Za-z0-9_][A-Za-z0-9+_.-]*$"
	ensure?:   string & !=""
	package_settings?: #PackageSettings
	install_options?: [...string]
}

#Eselect: {
	name:       string & !=""
	ensure:     string & !=""
	module?:    string & =~"^[a-z]+$"
	submodule?: string
	listcmd?:   string
	setcmd?:    string
}
`
