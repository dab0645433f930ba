// Package config loads the pipeline's two configuration documents and
// projects them into per-stage configurations.
//
// # Documents
//
// The structural document (yamlfile/config.yaml) names artifact locations
// per stage. The hyperparameter document (yamlfile/param.yaml) is a flat
// mapping of uppercase keys. Relative paths in either resolve against the
// project root, the first ancestor directory holding kidneyflow.yaml or
// go.mod.
//
// Load reads both documents once, checks them against the CUE schemas
// #Structural and #Params, and provisions artifacts_root:
//
//	raw, err := config.Load("", "")
//	if err != nil {
//	    return err
//	}
//
// The returned RawConfig is never modified. Every accessor hands out
// copies, so one RawConfig is shared by all stages of a run.
//
// # Stage configurations
//
// Builder turns the RawConfig into typed, value-only stage configurations.
// Each method decodes its section with mapstructure, checks field rules
// with validator and creates the directories the stage writes to before
// returning:
//
//	b := config.NewBuilder(raw)
//	ing, err := b.Ingestion()
//	...
//	tr, err := b.Training(ing)
//
// Any missing key, wrong type, out-of-range value or provisioning failure
// is an engine.PipelineError of kind ConfigError carrying the stage and the
// offending document field.
//
// # Watching
//
// Watch re-runs a callback whenever a document is saved. The validate
// command uses it to re-check configuration while it is edited.
package config
