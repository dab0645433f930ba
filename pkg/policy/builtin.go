package policy

// Names of the built-in policies.
const (
	PolicyAccuracyThreshold = "accuracy-threshold"
	PolicyScoreRange        = "score-range"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		accuracyThresholdPolicy(),
		scoreRangePolicy(),
	}
}

// accuracyThresholdPolicy passes a model iff its accuracy reaches the
// configured threshold. Equality passes.
func accuracyThresholdPolicy() Policy {
	return Policy{
		Name:        PolicyAccuracyThreshold,
		Description: "Fails models whose evaluation accuracy is below ACCURACY_THRESHOLD",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package kidneyflow.evaluation.threshold

import rego.v1

deny contains violation if {
	input.score.accuracy < input.threshold
	violation := {
		"message": sprintf("accuracy %v is below threshold %v", [input.score.accuracy, input.threshold]),
		"severity": "error",
		"details": {"accuracy": input.score.accuracy, "threshold": input.threshold},
	}
}`,
	}
}

// scoreRangePolicy rejects scores no engine can legitimately produce.
func scoreRangePolicy() Policy {
	return Policy{
		Name:        PolicyScoreRange,
		Description: "Rejects accuracy outside [0, 1] and negative loss",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package kidneyflow.evaluation.range

import rego.v1

deny contains violation if {
	input.score.accuracy < 0
	violation := {
		"message": sprintf("accuracy %v is outside [0, 1]", [input.score.accuracy]),
		"severity": "error",
	}
}

deny contains violation if {
	input.score.accuracy > 1
	violation := {
		"message": sprintf("accuracy %v is outside [0, 1]", [input.score.accuracy]),
		"severity": "error",
	}
}

deny contains violation if {
	input.score.loss < 0
	violation := {
		"message": sprintf("loss %v is negative", [input.score.loss]),
		"severity": "error",
	}
}`,
	}
}
