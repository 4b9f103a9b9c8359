package main

import (
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var showEffective bool

func init() {
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print settings with the token masked",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
	showCmd.Flags().BoolVar(&showEffective, "effective", false, "Include CONVSYNC_* environment overrides")

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or change CLI settings",
	}
	cmd.AddCommand(showCmd,
		&cobra.Command{
			Use:   "set <section.field> <value>",
			Short: "Change one setting",
			Example: "  convsync config set engine.reconcile_interval 30s\n" +
				"  convsync config set default.transport sse",
			Args: cobra.ExactArgs(2),
			RunE: runConfigSet,
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the location of the settings file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := configPath()
				if err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			},
		},
	)
	rootCmd.AddCommand(cmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if showEffective {
		applyEnv(cfg)
	}
	cfg.Auth.Token = maskToken(cfg.Auth.Token)

	out, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot render config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setConfigValue(cfg, args[0], args[1]); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	logger.Debug("config updated")
	fmt.Printf("%s updated\n", args[0])
	return nil
}

// maskToken keeps the last four characters of a token.
func maskToken(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}
