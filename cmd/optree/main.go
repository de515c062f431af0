package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/optree/dis"
	"github.com/deepnoodle-ai/optree/vm"
)

var (
	flagNoColor bool
	flagTrace   bool
)

func logger() *zerolog.Logger {
	if !flagTrace {
		return nil
	}
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.TraceLevel).With().Timestamp().Logger()
	return &l
}

func main() {
	root := &cobra.Command{
		Use:          "optree",
		Short:        "Build, disassemble, and run bytecode programs",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagNoColor || !isatty.IsTerminal(os.Stdout.Fd()) {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&flagTrace, "trace", false, "Enable trace logging")

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the example programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range exampleNames() {
				fmt.Println(name)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "dis <example>",
		Short: "Disassemble an example program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := buildExample(args[0], logger())
			if err != nil {
				return err
			}
			instructions, err := dis.Disassemble(prog)
			if err != nil {
				return err
			}
			dis.Print(instructions, os.Stdout)
			dis.PrintHandlers(prog, os.Stdout)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run <example> [args...]",
		Short: "Run an example program",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := buildExample(args[0], logger())
			if err != nil {
				return err
			}
			var opts []vm.Option
			if l := logger(); l != nil {
				opts = append(opts, vm.WithLogger(l))
			}
			callArgs := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				callArgs = append(callArgs, a)
			}
			result, err := vm.New(opts...).Run(context.Background(), prog, callArgs...)
			if err != nil {
				return err
			}
			fmt.Printf("%v\n", result)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
