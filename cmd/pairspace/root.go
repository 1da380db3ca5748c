// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/pairspace/cmd/pairspace/cli"
	"github.com/bureau-foundation/pairspace/lib/config"
	"github.com/bureau-foundation/pairspace/lib/version"
)

func rootCommand() *cli.Command {
	return &cli.Command{
		Name: "pairspace",
		Description: `pairspace: collaborative coding sessions.

Participants in a session edit shared documents that converge through a
relay, see each other's cursors, chat, share audio and video, and run
the document in a remote sandbox.`,
		Subcommands: []*cli.Command{
			joinCommand(),
			runCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("pairspace %s\n", version.Full())
					return nil
				},
			},
		},
	}
}

// commonFlags are accepted by every command that talks to a service.
type commonFlags struct {
	configPath string
	envFile    string
	verbose    bool
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "path to pairspace.yaml (default $"+config.ConfigEnvVar+")")
	flagSet.StringVar(&f.envFile, "env-file", ".env", "file of secrets loaded into the environment")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "log at debug level")
}

// load reads secrets from the env file, then the configuration: the
// --config path, else $PAIRSPACE_CONFIG, else the built-in defaults.
func (f *commonFlags) load() (*config.Config, error) {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return nil, err
	}
	var (
		cfg *config.Config
		err error
	)
	switch {
	case f.configPath != "":
		cfg, err = config.LoadFile(f.configPath)
	case os.Getenv(config.ConfigEnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}
