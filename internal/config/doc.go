// Package config loads a weft node's YAML configuration.
//
// A file is checked against an embedded CUE schema before it is decoded,
// so unknown keys and malformed values are reported with their path.
// Cross-field rules the schema cannot express are checked by Validate.
package config
