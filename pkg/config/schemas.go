package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Schema names for the two configuration documents.
const (
	SchemaStructural = "Structural"
	SchemaParams     = "Params"
)

// SchemaRegistry manages CUE schemas for document validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the document schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile failure is a programming error.
	if err := sr.RegisterSchema(SchemaStructural, builtinStructuralSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaParams, builtinParamsSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers the definition #<name> it
// declares.
func (sr *SchemaRegistry) RegisterSchema(name, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath("#" + name))
	if !def.Exists() {
		return fmt.Errorf("schema source does not define #%s", name)
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

// Validate checks data against the named schema. The error lists every
// violation with its document path.
func (sr *SchemaRegistry) Validate(name string, data interface{}) error {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", formatCUEErrors(err))
	}

	return nil
}

// ListSchemas returns all registered schema names.
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

func formatCUEErrors(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return msg
}

// Every key is optional and every struct is open: the builders decide what
// is required, the schema only rejects values of the wrong type.
const builtinStructuralSchema = `
#Structural: {
	artifacts_root?: string

	data_ingestion?: {
		root_dir?:        string
		source_url?:      string
		local_data_file?: string
		unzip_dir?:       string
		...
	}

	prepare_base_model?: {
		root_dir?:                string
		base_model_path?:         string
		updated_base_model_path?: string
		...
	}

	prepare_callbacks?: {
		root_dir?:                  string
		tensorboard_root_log_dir?:  string
		checkpoint_model_filepath?: string
		...
	}

	training?: {
		root_dir?:           string
		trained_model_path?: string
		...
	}

	evaluation?: {
		root_dir?:               string
		report_file_dir?:        string
		report_file?:            string
		scores_file_dir?:        string
		scores_file?:            string
		mlflow_tracking_uri?:    string
		mlflow_experiment_name?: string
		policy_paths?: [...string] | null
		...
	}

	runner?: {
		command?: [...string]
		transport?:       "local" | "ssh"
		startup_timeout?: string
		ssh?: {
			host?:             string
			port?:             int & >0 & <65536
			user?:             string
			key_file?:         string
			known_hosts_file?: string
			...
		}
		...
	}

	history?: {
		database?: string
		...
	}
	...
}
`

const builtinParamsSchema = `
#Params: {
	IMAGE_SIZE?:         [...int]
	BATCH_SIZE?:         int
	EPOCHS?:             int
	LEARNING_RATE?:      number
	CLASSES?:            int
	WEIGHTS?:            string | null
	INCLUDE_TOP?:        bool
	AUGMENTATION?:       bool
	ACCURACY_THRESHOLD?: number
	VALIDATION_SPLIT?:   number
	SEED?:               int
	FREEZE_TILL?:        int
	...
}
`
