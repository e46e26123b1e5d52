// Package telemetry provides the observability stack for lintforge.
//
// It bundles structured logging (zerolog), tracing of rule calls
// (OpenTelemetry), Prometheus metrics and rule lifecycle events.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("linter")
//	logger.WithRule("no-todo", "1.0.0").Info("Rule loaded")
//
// Log levels: trace, debug, info, warn, error, fatal.
//
// # Tracing
//
// Each rule call runs in a "rule.lint" span carrying the rule name, a call
// id and the file path:
//
//	ctx, span := tel.Tracer.StartRuleSpan(ctx, "no-todo", callID, "README.md")
//	defer span.End()
//
// Supported exporters: otlp, stdout, none.
//
// # Metrics
//
// A nil or disabled *Metrics records nothing, so callers never need to
// check. Enabled metrics are served by Metrics.Serve:
//
//	lintforge_rule_calls_total{rule,status}
//	lintforge_rule_call_duration_seconds{rule}
//	lintforge_rule_call_fuel{rule}
//	lintforge_rules_loaded
//	lintforge_diagnostics_total{rule,severity}
//	lintforge_files_linted_total{status}
//	lintforge_cache_lookups_total{result}
//
// # Events
//
// The manifest watcher publishes rule.reloaded and rule.failed events;
// subscribers receive them in order on the publisher's goroutine:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Rule)
//	}, telemetry.FilterByType(telemetry.EventTypeRuleReloaded))
package telemetry
