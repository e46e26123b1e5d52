// Package stores persists lint results in SQLite. Results are cached per
// file and rule, keyed by the rule digest and the hashes of the file content
// and rule configuration, so unchanged inputs skip the rule call entirely.
// Lint runs are recorded alongside for reporting.
package stores
