// Package config loads lintforge configuration.
//
// Values are layered, lowest precedence first: built-in defaults, the YAML
// config file, LINTFORGE_ environment variables and explicitly set command
// line flags. Nested keys in environment variables are separated by a double
// underscore, so LINTFORGE_CACHE__ENABLED sets cache.enabled.
//
// Example lintforge.yaml:
//
//	rules_dir: ./rules
//	extensions: [.md, .markdown]
//	fuel: 500000000
//	runtime_timeout: 2s
//	rules:
//	  no-todo:
//	    options:
//	      allow: [FIXME]
//	  line-length:
//	    enabled: false
//	cache:
//	  enabled: true
//	  path: .lintforge/cache.db
//	logging:
//	  level: debug
package config
