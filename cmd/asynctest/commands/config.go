package commands

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/asynctest/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change runtime configuration",
		Long: `Inspect and change the "async" section of the configuration file.

Recognized keys:
  - defaultTimeout: default deadline of wait until, run all and tests
  - checkInterval: polling interval of wait until
  - maxParallel: concurrency bound of run all (0 means unbounded)
  - strategy: run all strategy (concurrent or sequential)
  - debug, traceTasks, logPolls: diagnostics

YAML files can be changed with "config set". CUE files are read-only.`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigSetCommand())
	cmd.AddCommand(newConfigWatchCommand())

	return cmd
}

// loadSettings attaches a fresh store to the configuration file.
func loadSettings() (*config.FileService, *config.Store, error) {
	svc, err := config.NewFileService(configPath, config.WithFileLogger(log.Logger))
	if err != nil {
		return nil, nil, err
	}

	store := config.NewStore(config.WithStoreLogger(log.Logger))
	if err := store.Attach(svc); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration in %s: %w", configPath, err)
	}
	return svc, store, nil
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective settings",
		Example: `  # Show settings resolved from asynctest.yaml
  asynctest config show

  # Show settings from a CUE file as JSON
  asynctest config show --config settings.cue --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := loadSettings()
			if err != nil {
				return err
			}

			values := store.Settings().Map()
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, values)
			}

			b, err := yaml.Marshal(map[string]any{config.Section: values})
			if err != nil {
				return fmt.Errorf("failed to encode settings: %w", err)
			}
			_, err = out.Write(b)
			return err
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change a setting in the configuration file",
		Example: `  asynctest config set defaultTimeout 2s
  asynctest config set strategy sequential`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, raw := args[0], args[1]

			// Decode the argument as a YAML scalar so numbers and booleans
			// keep their type.
			var scalar any
			if err := yaml.Unmarshal([]byte(raw), &scalar); err != nil {
				return fmt.Errorf("invalid value %q: %w", raw, err)
			}

			value, err := config.NormalizeValue(key, scalar)
			if err != nil {
				return err
			}

			// Validate against the current file before writing it.
			svc, store, err := loadSettings()
			if err != nil {
				return err
			}
			if err := store.Set(key, value); err != nil {
				return err
			}

			if err := svc.Set(config.JoinPath(config.Section, key), value); err != nil {
				return err
			}

			log.Info().Str("key", key).Interface("value", value).Str("path", svc.Path()).Msg("Updated configuration")
			return nil
		},
	}
}

func newConfigWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the configuration file and report effective changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := loadSettings()
			if err != nil {
				return err
			}

			cancel := svc.OnChange(config.Section, func(path string, oldValue, newValue any) {
				values := store.Settings().Map()
				keys := make([]string, 0, len(values))
				for k := range values {
					keys = append(keys, k)
				}
				sort.Strings(keys)

				event := log.Info().Str("path", path).Interface("old", oldValue).Interface("new", newValue)
				for _, k := range keys {
					event = event.Interface(k, values[k])
				}
				event.Msg("Configuration changed")
			})
			defer cancel()

			if err := svc.Watch(cmd.Context()); err != nil {
				return err
			}
			defer svc.StopWatching()

			<-cmd.Context().Done()
			return nil
		},
	}
}
