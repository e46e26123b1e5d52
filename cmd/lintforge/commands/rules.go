package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lintforge/lintforge/pkg/plugin"
)

func newRulesCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the rules directory",
	}

	cmd.PersistentFlags().String("rules-dir", "", "directory holding one subdirectory per rule")

	cmd.AddCommand(newRulesListCommand(version))
	cmd.AddCommand(newRulesValidateCommand(version))

	return cmd
}

func newRulesListCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Load every rule and list it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := newEnv(cmd, version)
			if err != nil {
				return err
			}
			defer func() { _ = e.close(ctx) }()

			e.loadRules(ctx)

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Name", "Version", "Backend", "Aliases", "Enabled", "Digest"})
			for _, info := range e.host.Rules() {
				override, _ := e.cfg.Rule(info.Name, info.Aliases)
				t.AppendRow(table.Row{
					info.Name,
					info.Version,
					info.Backend,
					strings.Join(info.Aliases, ", "),
					override.IsEnabled(),
					info.Digest[:12],
				})
			}
			t.Render()
			return nil
		},
	}
}

func newRulesValidateCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check rule manifests and artifacts without loading them",
		Long: `Check every rule manifest in the rules directory: the manifest must
parse and validate, its artifact must exist and match the declared checksum,
and the artifact must be a WebAssembly module.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, version)
			if err != nil {
				return err
			}
			defer func() { _ = e.close(cmd.Context()) }()

			paths, err := plugin.FindManifests(e.cfg.RulesDir)
			if err != nil {
				return err
			}

			loader := plugin.NewManifestLoader(e.cfg.RulesDir)
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range paths {
				kind, err := validateRule(loader, path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s (%s)\n", path, kind)
			}

			fmt.Fprintf(out, "%d manifests, %d invalid\n", len(paths), failed)
			if failed > 0 {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
}

func validateRule(loader *plugin.ManifestLoader, path string) (plugin.BackendKind, error) {
	m, err := loader.LoadFromFile(path)
	if err != nil {
		return "", err
	}
	module, err := loader.ReadModule(m)
	if err != nil {
		return "", err
	}

	detected, err := plugin.DetectBackend(module)
	if err != nil {
		return "", plugin.NewInvalidManifestError(m.Name, "artifact is not a WebAssembly module", err)
	}
	if m.Backend == plugin.BackendInterpreter && detected == plugin.BackendRuntime {
		return "", plugin.NewInvalidManifestError(m.Name, "artifact imports the Extism kernel", errors.New("interpreter backend requested"))
	}
	if m.Backend != "" && m.Backend != plugin.BackendAuto {
		return m.Backend, nil
	}
	return detected, nil
}
