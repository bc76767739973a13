package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookdrop/internal/api"
	"github.com/jackzampolin/bookdrop/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize configuration",
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file to the home directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}
		if h.ConfigExists() && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", h.ConfigPath())
		}
		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", h.ConfigPath())
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (file, env and defaults merged)",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}
		cm, err := config.NewManager(cfgFile, ".env", h.EnvPath())
		if err != nil {
			return err
		}
		return api.Output(cm.Get())
	},
}

// defaultView is the printable form of a config.Entry.
type defaultView struct {
	Key         string `json:"key" yaml:"key"`
	Default     any    `json:"default" yaml:"default"`
	Env         string `json:"env" yaml:"env"`
	Alias       string `json:"alias,omitempty" yaml:"alias,omitempty"`
	Description string `json:"description" yaml:"description"`
}

func viewOf(e config.Entry) defaultView {
	return defaultView{Key: e.Key, Default: e.Value, Env: e.EnvName(), Alias: e.Env, Description: e.Description}
}

var configDefaultsCmd = &cobra.Command{
	Use:   "defaults [key]",
	Short: "List config keys with their defaults and environment variables",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			e, err := config.LookupDefault(args[0])
			if err != nil {
				return err
			}
			return api.Output(viewOf(e))
		}
		entries := config.DefaultEntries()
		out := make([]defaultView, 0, len(entries))
		for _, e := range entries {
			out = append(out, viewOf(e))
		}
		return api.Output(out)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configDefaultsCmd)
	rootCmd.AddCommand(configCmd)
}
