package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/SCIInstitute/tuvok-scripting/script"
)

var (
	genFormat string
	genOutput string
)

var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Emit the function reference of the reflected API",
	Run: func(cmd *cobra.Command, args []string) {
		out := io.Writer(os.Stdout)
		if genOutput != "" {
			f, err := os.Create(genOutput)
			if err != nil {
				exitWithError("creating %s: %v", genOutput, err)
			}
			defer f.Close()
			out = f
		}
		if err := generate(out, genFormat); err != nil {
			exitWithError("%v", err)
		}
	},
}

func init() {
	genCmd.Flags().StringVarP(&genFormat, "format", "f", "text", "output format: text or md")
	genCmd.Flags().StringVarP(&genOutput, "output", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(genCmd)
}

func generate(out io.Writer, format string) error {
	// The doc engine never executes user code; silence its logger.
	log := logrus.New()
	log.SetOutput(io.Discard)

	eng, err := script.New(script.WithLogger(log))
	if err != nil {
		return err
	}
	defer eng.Close()

	descs := eng.GetAllFuncDescs()
	switch format {
	case "text":
		for _, d := range descs {
			fmt.Fprintf(out, "%s\n    %s\n", d.SigName, d.Desc)
		}
	case "md":
		fmt.Fprintln(out, "# Scripting API Reference")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "| Command | Signature | Description |")
		fmt.Fprintln(out, "|---|---|---|")
		for _, d := range descs {
			fmt.Fprintf(out, "| `%s` | `%s` | %s |\n",
				d.FQName, d.Sig, strings.ReplaceAll(d.Desc, "|", "\\|"))
		}
	default:
		return fmt.Errorf("unknown format %q (want text or md)", format)
	}
	return nil
}
