package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/portagegt/pkg/engine"
)

// CUEParser loads resource manifests. CUE files are the primary format;
// files ending in .star are evaluated as Starlark.
type CUEParser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:               cuecontext.New(),
		schemaRegistry:    NewSchemaRegistry(),
		starlarkEvaluator: NewStarlarkEvaluator(30 * time.Second),
		validator:         validator.New(),
	}
}

// ManifestError carries every problem found while loading manifests.
type ManifestError struct {
	Errors []ValidationError
}

func (e *ManifestError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		parts[i] = v.String()
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

// Evaluate loads sources and returns the declared resources, failing with a
// *ManifestError when any declaration is invalid.
func (cp *CUEParser) Evaluate(ctx context.Context, sources []string) ([]engine.Resource, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, &ManifestError{Errors: parsed.Errors}
	}
	return parsed.ToResources(), nil
}

// Parse loads every source. Directories are loaded as CUE packages, single
// files by extension. Declaration problems are reported in
// ParsedConfig.Errors; only I/O failures are returned as error.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError
	var starlarkResources []ResourceConfig

	unify := func(val cue.Value) {
		if !val.Exists() {
			return
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		switch {
		case info.IsDir():
			val, files, errs := cp.loadDirectory(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, files...)

		case strings.HasSuffix(source, ".star"):
			result, err := cp.starlarkEvaluator.EvaluateFile(ctx, source)
			if err != nil {
				parseErrors = append(parseErrors, ValidationError{
					File:     source,
					Message:  err.Error(),
					Severity: "error",
				})
			} else {
				starlarkResources = append(starlarkResources, result.Resources...)
			}
			sourceFiles = append(sourceFiles, source)

		default:
			val, errs := cp.loadFile(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, source)
		}
	}

	parsed := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
		Errors:      parseErrors,
	}
	if len(parseErrors) > 0 {
		return parsed, nil
	}

	if cueValue.Exists() {
		if err := cueValue.Err(); err != nil {
			parsed.Errors = cp.convertCUEErrors(err)
			return parsed, nil
		}
		cp.extractResources(ctx, cueValue, parsed)
	}

	for _, rc := range starlarkResources {
		cp.addResource(ctx, parsed, "starlark", rc)
	}

	return parsed, nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	parsed := &ParsedConfig{
		SourceFiles: []string{"inline"},
		ParsedAt:    time.Now(),
	}

	val := cp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed, nil
	}

	cp.extractResources(ctx, val, parsed)
	return parsed, nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractResources reads the "resources" block and the concise "package"
// and "eselect" blocks:
//
//	package: "dev-db/mysql": {ensure: "latest"}
//
// declares the resource "package/dev-db/mysql" named after its key.
func (cp *CUEParser) extractResources(ctx context.Context, val cue.Value, parsed *ParsedConfig) {
	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if resourcesVal.Exists() {
		switch resourcesVal.Kind() {
		case cue.StructKind:
			iter, err := resourcesVal.Fields()
			if err != nil {
				parsed.Errors = append(parsed.Errors, pathError("resources", "failed to iterate resources: %v", err))
				break
			}
			for iter.Next() {
				key := unquote(iter.Selector().String())
				path := "resources." + iter.Selector().String()
				rc, err := cp.decodeResource(key, iter.Value())
				if err != nil {
					parsed.Errors = append(parsed.Errors, pathError(path, "%v", err))
					continue
				}
				cp.addResource(ctx, parsed, path, rc)
			}

		case cue.ListKind:
			list, err := resourcesVal.List()
			if err != nil {
				parsed.Errors = append(parsed.Errors, pathError("resources", "failed to list resources: %v", err))
				break
			}
			for idx := 0; list.Next(); idx++ {
				path := fmt.Sprintf("resources[%d]", idx)
				rc, err := cp.decodeResource("", list.Value())
				if err != nil {
					parsed.Errors = append(parsed.Errors, pathError(path, "%v", err))
					continue
				}
				cp.addResource(ctx, parsed, path, rc)
			}

		default:
			parsed.Errors = append(parsed.Errors, pathError("resources", "must be a struct or a list"))
		}
	}

	for _, resourceType := range []string{ResourceTypePackage, ResourceTypeEselect} {
		block := val.LookupPath(cue.MakePath(cue.Str(resourceType)))
		if !block.Exists() {
			continue
		}
		iter, err := block.Fields()
		if err != nil {
			parsed.Errors = append(parsed.Errors, pathError(resourceType, "must be a struct of declarations: %v", err))
			continue
		}
		for iter.Next() {
			title := unquote(iter.Selector().String())
			path := resourceType + "." + iter.Selector().String()
			rc, err := conciseResource(resourceType, title, iter.Value())
			if err != nil {
				parsed.Errors = append(parsed.Errors, pathError(path, "%v", err))
				continue
			}
			cp.addResource(ctx, parsed, path, rc)
		}
	}

	sort.SliceStable(parsed.Resources, func(i, j int) bool {
		return parsed.Resources[i].ID < parsed.Resources[j].ID
	})
}

// decodeResource decodes one entry of the "resources" block.
func (cp *CUEParser) decodeResource(key string, val cue.Value) (ResourceConfig, error) {
	var resource ResourceConfig
	if err := val.Decode(&resource); err != nil {
		return resource, fmt.Errorf("failed to decode resource: %w", err)
	}

	if resource.ID == "" && key != "" {
		resource.ID = key
	}

	// The title doubles as the name attribute unless the config sets one.
	if len(resource.Config) > 0 {
		var attrs map[string]interface{}
		if err := json.Unmarshal(resource.Config, &attrs); err != nil {
			return resource, fmt.Errorf("config must be a struct: %w", err)
		}
		if _, ok := attrs["name"]; !ok && resource.Name != "" {
			attrs["name"] = resource.Name
			data, err := json.Marshal(attrs)
			if err != nil {
				return resource, err
			}
			resource.Config = data
		}
	}

	return resource, nil
}

func conciseResource(resourceType, title string, val cue.Value) (ResourceConfig, error) {
	attrs := map[string]interface{}{}
	if err := val.Decode(&attrs); err != nil {
		return ResourceConfig{}, fmt.Errorf("failed to decode %s: %w", resourceType, err)
	}

	var labels map[string]string
	if raw, ok := attrs["labels"]; ok {
		delete(attrs, "labels")
		m, ok := raw.(map[string]interface{})
		if !ok {
			return ResourceConfig{}, fmt.Errorf("labels must be a struct of strings")
		}
		labels = make(map[string]string, len(m))
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return ResourceConfig{}, fmt.Errorf("label %s must be a string", k)
			}
			labels[k] = s
		}
	}

	name := title
	if n, ok := attrs["name"].(string); ok && n != "" {
		name = n
	} else {
		attrs["name"] = title
	}

	data, err := json.Marshal(attrs)
	if err != nil {
		return ResourceConfig{}, err
	}

	return ResourceConfig{
		ID:     ResourceID(resourceType, title),
		Type:   resourceType,
		Name:   name,
		Config: data,
		Labels: labels,
	}, nil
}

// addResource validates rc and appends it, or records why it was rejected.
func (cp *CUEParser) addResource(ctx context.Context, parsed *ParsedConfig, path string, rc ResourceConfig) {
	if err := cp.validator.Struct(rc); err != nil {
		parsed.Errors = append(parsed.Errors, pathError(path, "validation failed: %v", err))
		return
	}
	if err := cp.schemaRegistry.ValidateResource(ctx, rc); err != nil {
		parsed.Errors = append(parsed.Errors, pathError(path, "%v", err))
		return
	}
	for _, existing := range parsed.Resources {
		if existing.ID == rc.ID {
			parsed.Errors = append(parsed.Errors, pathError(path, "duplicate resource %s", rc.ID))
			return
		}
	}
	parsed.Resources = append(parsed.Resources, rc)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// FindManifests returns the .cue and .star files below dir.
func FindManifests(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && (strings.HasSuffix(path, ".cue") || strings.HasSuffix(path, ".star")) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}

func pathError(path, format string, args ...interface{}) ValidationError {
	return ValidationError{Path: path, Message: fmt.Sprintf(format, args...), Severity: "error"}
}

// unquote strips the quotes CUE puts around selectors such as
// "dev-db/mysql".
func unquote(sel string) string {
	if len(sel) >= 2 && sel[0] == '"' && sel[len(sel)-1] == '"' {
		return sel[1 : len(sel)-1]
	}
	return sel
}
