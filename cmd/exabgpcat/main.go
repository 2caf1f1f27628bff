// exabgpcat pretty-prints the BGP speaker's line-delimited JSON stream.
//
// Wire it into ExaBGP as a logging process, or pipe a captured stream
// through it by hand:
//
//	exabgpcat < /var/log/exabgp_json
//	exabgpcat --output /tmp/exabgp_json
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	appversion "github.com/netauto/goexa/internal/version"
)

var (
	// outputPath is where formatted messages go; empty means stdout.
	outputPath string

	// timestamps prefixes each message with the local receive time.
	timestamps bool
)

// rootCmd is the top-level cobra command for exabgpcat.
var rootCmd = &cobra.Command{
	Use:   "exabgpcat",
	Short: "Pretty-print ExaBGP JSON messages from stdin",
	Long: "exabgpcat reads the speaker's line-delimited JSON on stdin and " +
		"writes an indented, human-readable rendition, one message per block.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		out := os.Stdout
		if outputPath != "" {
			f, err := os.Create(outputPath)
			if err != nil {
				return fmt.Errorf("open output %s: %w", outputPath, err)
			}
			defer f.Close()
			out = f
		}
		return pump(os.Stdin, out)
	},
}

// versionCmd prints build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(appversion.Full("exabgpcat"))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputPath, "output", "",
		"write formatted messages to a file instead of stdout")
	rootCmd.PersistentFlags().BoolVar(&timestamps, "timestamps", true,
		"prefix each message with the local receive time")
	rootCmd.AddCommand(versionCmd)
}

// pump reads JSON lines from r and writes indented blocks to w. Lines
// that do not decode (e.g. the speaker's "done" acks) pass through
// verbatim.
func pump(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if timestamps {
			fmt.Fprintf(w, "%s:\n", time.Now().Format(time.RFC3339Nano))
		}

		var buf bytes.Buffer
		if err := json.Indent(&buf, line, "", "  "); err != nil {
			fmt.Fprintf(w, "%s\n\n", line)
			continue
		}
		fmt.Fprintf(w, "%s\n\n", buf.String())
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
