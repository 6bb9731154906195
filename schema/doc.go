// Package schema implements the process-local validation registry for
// replicant values. Rules live only in memory: they are keyed by
// (namespace, name), never persisted, and must be re-registered after a
// restart. The common rule type compiles a JSON Schema document with
// gojsonschema; arbitrary Go predicates plug in via RuleFunc.
package schema
