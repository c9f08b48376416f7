package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jward/covermark"
)

// stdout receives command results. Logs go to stderr.
var stdout io.Writer = os.Stdout

// outputResult writes result in the format selected by --format.
func outputResult(result CLIResult) error {
	if flagFormat == "text" {
		return outputResultText(stdout, result)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return err
	}
	result := CLIResult{
		Command: command,
		Error:   err.Error(),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	return err
}

// outputResultText dispatches to the text formatter for the result type.
func outputResultText(w io.Writer, result CLIResult) error {
	switch v := result.Results.(type) {
	case *covermark.Report:
		formatReportText(w, v)
	case []CLIRun:
		formatRunsText(w, v)
	case nil:
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}
	return nil
}

// formatReportText writes the marked classes followed by per-project counts.
func formatReportText(w io.Writer, r *covermark.Report) {
	if len(r.Marks) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tLINE\tCLASS\tREASON")
		for _, m := range r.Marks {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", m.File, m.Line, m.Class, m.Reason)
		}
		tw.Flush()
		fmt.Fprintln(w)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tDOCUMENTS\tUNCHANGED\tCHANGED\tWRITTEN\tFAILED")
	for _, p := range r.Projects {
		if p.Skipped {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\n", p.Name)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n",
			p.Name, p.Documents, p.Unchanged, p.Changed, p.Written, p.Failed)
	}
	tw.Flush()

	verb := "marked"
	if r.DryRun {
		verb = "would mark"
	}
	fmt.Fprintf(w, "\n%s %d class(es) in %d document(s)\n", verb, len(r.Marks), r.ChangedDocuments())
	for _, d := range r.Diagnostics {
		fmt.Fprintf(w, "warning: %s\n", d)
	}
}

// formatRunsText formats ledger runs as aligned columns.
func formatRunsText(w io.Writer, runs []CLIRun) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tDRY RUN\tDOCUMENTS\tCHANGED\tSOLUTION")
	for _, r := range runs {
		status := r.Status
		if r.Error != "" {
			status += ": " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), status, r.DryRun, r.Documents, r.Changed, r.Solution)
	}
	tw.Flush()
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
