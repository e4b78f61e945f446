package helpers

import (
	"encoding/json"
	"fmt"
	"io"
)

// PrintContextInfo prints the run context in verbose mode and in plans
func PrintContextInfo(w io.Writer, context any, dryRun bool) {
	if context == nil {
		return
	}

	header := "Context Configuration"
	if dryRun {
		header = "Context Configuration (DRY RUN)"
	}

	fmt.Fprintln(w, "========================================")
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, "========================================")

	jsonBytes, err := json.MarshalIndent(context, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "  %v\n", context)
	} else {
		fmt.Fprintf(w, "%s\n", string(jsonBytes))
	}

	fmt.Fprintln(w, "----------------------------------------")
}
