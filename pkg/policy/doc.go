// Package policy decides whether an evaluated model passes, using Open
// Policy Agent.
//
// Every policy is a Rego module whose package defines a deny set. Each
// member of the set is a violation, either a string or an object with
// message, severity and details keys. Violations with severity error or
// critical fail the verdict; info and warning are reported only.
//
// # Built-in Policies
//
// accuracy-threshold fails a model whose accuracy is below the configured
// threshold. Reaching the threshold exactly passes.
//
// score-range fails accuracy outside [0, 1] and negative loss.
//
// # Gate Policies
//
// Gates are extra blocking policies loaded from .rego files or
// directories with Engine.LoadPolicies. A gate is named after its file,
// its package must live under kidneyflow.gates and it must define deny.
// Each gate is dry-run against SampleInput on load, so a gate that does
// not compile or does not yield a set is rejected before any model is
// judged. The input document is:
//
//	{
//	  "score":     {"loss": 0.41, "accuracy": 0.86},
//	  "threshold": 0.8,
//	  "params":    {"EPOCHS": 10, "BATCH_SIZE": 16, ...},
//	  "model":     "artifacts/training/model.h5",
//	  "timestamp": "2026-01-02T15:04:05Z"
//	}
//
// A policy rejecting slow-learning runs could read:
//
//	package kidneyflow.gates.loss
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.score.loss > 1.5
//	    msg := sprintf("loss %v is too high", [input.score.loss])
//	}
//
// Loader.Watch reloads gates when their files change, which backs the
// validate --watch command.
package policy
