package config

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/artifacts"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
)

// Default document locations, relative to the project root.
const (
	DefaultStructuralPath = "yamlfile/config.yaml"
	DefaultParamsPath     = "yamlfile/param.yaml"
)

// RootMarkers identify the project root, checked in order in each directory.
var RootMarkers = []string{"kidneyflow.yaml", "go.mod"}

// FindProjectRoot returns the first ancestor of start (inclusive) that
// contains a root marker. Without one it returns start.
func FindProjectRoot(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}

	for dir := abs; ; {
		for _, marker := range RootMarkers {
			if info, err := os.Stat(filepath.Join(dir, marker)); err == nil && !info.IsDir() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		dir = parent
	}
}

// Load reads and validates both documents and provisions artifacts_root.
// Relative paths, including empty ones which select the defaults, resolve
// against the project root found from the working directory.
func Load(structuralPath, paramsPath string) (*RawConfig, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, engine.Wrap(engine.KindConfig, err, "failed to determine working directory").WithOp("load_config")
	}
	root, err := FindProjectRoot(wd)
	if err != nil {
		return nil, engine.Wrap(engine.KindConfig, err, "failed to find project root").WithOp("load_config")
	}
	return LoadFrom(root, structuralPath, paramsPath)
}

// LoadFrom is Load with an explicit project root.
func LoadFrom(root, structuralPath, paramsPath string) (*RawConfig, error) {
	if structuralPath == "" {
		structuralPath = DefaultStructuralPath
	}
	if paramsPath == "" {
		paramsPath = DefaultParamsPath
	}

	raw := &RawConfig{root: root}
	raw.structuralPath = raw.Resolve(structuralPath)
	raw.paramsPath = raw.Resolve(paramsPath)

	registry := NewSchemaRegistry()

	structural, err := readDocument(raw.structuralPath, registry, SchemaStructural)
	if err != nil {
		return nil, err
	}
	params, err := readDocument(raw.paramsPath, registry, SchemaParams)
	if err != nil {
		return nil, err
	}
	raw.structural = Node{m: structural}
	raw.params = Node{m: params}

	artifactsRoot, ok := raw.structural.String("artifacts_root")
	if !ok || artifactsRoot == "" {
		return nil, engine.New(engine.KindConfig, "artifacts_root is required").
			WithField("artifacts_root").WithOp("load_config")
	}
	if err := artifacts.Ensure(raw.Resolve(artifactsRoot)); err != nil {
		return nil, engine.Reclassify(engine.KindConfig, err, "failed to provision artifacts root").
			WithField("artifacts_root").WithOp("load_config")
	}

	return raw, nil
}

// readDocument decodes one YAML document into a string-keyed mapping and
// validates it against the named schema.
func readDocument(path string, registry *SchemaRegistry, schema string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.Wrap(engine.KindConfig, err, "configuration document %s not found", path).WithOp("load_config")
		}
		return nil, engine.Wrap(engine.KindConfig, err, "failed to read %s", path).WithOp("load_config")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, engine.New(engine.KindConfig, "configuration document %s is empty", path).WithOp("load_config")
		}
		return nil, engine.Wrap(engine.KindConfig, err, "failed to parse %s", path).WithOp("load_config")
	}

	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, engine.New(engine.KindConfig, "configuration document %s must be a mapping", path).WithOp("load_config")
	}
	if len(doc.Content[0].Content) == 0 {
		return nil, engine.New(engine.KindConfig, "configuration document %s is empty", path).WithOp("load_config")
	}

	var decoded map[string]interface{}
	if err := doc.Decode(&decoded); err != nil {
		return nil, engine.Wrap(engine.KindConfig, err, "failed to decode %s", path).WithOp("load_config")
	}
	normalized, err := normalize(decoded)
	if err != nil {
		return nil, engine.Wrap(engine.KindConfig, err, "invalid document %s", path).WithOp("load_config")
	}
	m := normalized.(map[string]interface{})

	if err := registry.Validate(schema, m); err != nil {
		return nil, engine.Wrap(engine.KindConfig, err, "%s does not match the #%s schema", filepath.Base(path), schema).
			WithOp("validate_schema")
	}

	return m, nil
}
