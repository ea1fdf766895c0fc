package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "studioctl",
		Short: "Operator client for the diagram studio API",
		Long: `studioctl talks to a running studio API. It can log in, inspect the
version ledger of a document, diff two versions and force-release a stuck
editing session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "config file (default is ./studioctl.yaml)")
	root.PersistentFlags().String("url", "http://localhost:8787", "studio API base URL")
	root.PersistentFlags().String("token", "", "bearer token (see `studioctl login`)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("url", root.PersistentFlags().Lookup("url"))
	_ = v.BindPFlag("token", root.PersistentFlags().Lookup("token"))

	clientFn := func() (*client, error) {
		base := strings.TrimRight(v.GetString("url"), "/")
		if base == "" {
			return nil, errors.New("studio URL is not configured")
		}
		return &client{
			baseURL: base,
			token:   v.GetString("token"),
			http:    &http.Client{Timeout: 30 * time.Second},
		}, nil
	}

	root.AddCommand(
		newLoginCmd(clientFn),
		newVersionsCmd(clientFn),
		newDiffCmd(clientFn),
		newTakeoverCmd(clientFn),
	)
	return root
}

func loadConfig(v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("studioctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/studio")
	}

	// STUDIO_URL, STUDIO_TOKEN
	v.SetEnvPrefix("STUDIO")
	v.AutomaticEnv()

	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if v.GetString("config") == "" && errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("read config: %w", err)
}
