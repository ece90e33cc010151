// Package main contains the cli of the database. It uses the cobra package
// for command framing: `run` executes scripts from a file or stdin, `repl`
// reads them interactively.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"

	"strata/internal/config"
	"strata/internal/db"
	"strata/internal/output"
)

const version = "0.1.0"

type runFlags struct {
	dbPath   string
	inMemory bool
	file     string
	format   string
	config   string
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "An embeddable Datalog database",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(replCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command, flags *runFlags) {
	cmd.Flags().StringVar(&flags.dbPath, "db", "", "database directory (default from config)")
	cmd.Flags().BoolVar(&flags.inMemory, "mem", false, "run on a memory-only database")
	cmd.Flags().StringVarP(&flags.format, "format", "o", "", "output format: human or json")
	cmd.Flags().StringVarP(&flags.config, "config", "c", "strata.toml", "config file path")
}

func openDatabase(flags *runFlags) (*db.Database, *config.Config, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return nil, nil, err
	}
	if flags.dbPath != "" {
		cfg.Engine.Path = flags.dbPath
	}
	if flags.inMemory {
		cfg.Engine.InMemory = true
	}
	if flags.format != "" {
		cfg.Output.Format = flags.format
	}
	var instance *db.Database
	if cfg.Engine.InMemory {
		instance, err = db.OpenInMemory()
	} else {
		instance, err = db.Open(cfg.Engine.Path)
	}
	if err != nil {
		return nil, nil, err
	}
	return instance, cfg, nil
}

func runCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [script-file]",
		Short: "Execute a script from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src []byte
			var err error
			switch {
			case len(args) == 1:
				src, err = os.ReadFile(args[0])
			case flags.file != "":
				src, err = os.ReadFile(flags.file)
			default:
				src, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			instance, cfg, err := openDatabase(flags)
			if err != nil {
				return err
			}
			defer instance.Close()

			formatter, err := output.NewFormatter(cfg.Output.Format)
			if err != nil {
				return err
			}
			rows, err := instance.RunScript(string(src), nil)
			if err != nil {
				return err
			}
			rendered, err := formatter.FormatRows(rows)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), rendered)
			return nil
		},
	}
	addCommonFlags(cmd, flags)
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "script file to execute")
	return cmd
}

func replCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Run scripts interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, cfg, err := openDatabase(flags)
			if err != nil {
				return err
			}
			defer instance.Close()

			formatter, err := output.NewFormatter(cfg.Output.Format)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "strata %s; end a script with an empty line, quit with 'exit'\n", version)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
			var block []string
			flush := func() {
				script := strings.TrimSpace(strings.Join(block, "\n"))
				block = block[:0]
				if script == "" {
					return
				}
				rows, err := instance.RunScript(script, nil)
				if err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), "error:", err)
					return
				}
				rendered, err := formatter.FormatRows(rows)
				if err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), "error:", err)
					return
				}
				fmt.Fprint(cmd.OutOrStdout(), rendered)
			}
			for {
				fmt.Fprint(cmd.OutOrStdout(), "> ")
				if !scanner.Scan() {
					flush()
					return scanner.Err()
				}
				line := scanner.Text()
				if strings.TrimSpace(line) == "exit" {
					flush()
					return nil
				}
				if strings.TrimSpace(line) == "" {
					flush()
					continue
				}
				block = append(block, line)
			}
		},
	}
	addCommonFlags(cmd, flags)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "strata", version)
		},
	}
}
