// Command sheetctl runs the bot's spreadsheet pipeline on local files:
// inspect a file the way the bot sees it, or write the cleaned copy the
// bot would send back.
//
//	sheetctl inspect report.xlsx
//	sheetctl inspect report.xlsx --header-row 4 --preview 10
//	sheetctl clean report.xlsx --header-row 4 -o cleaned_report.xlsx
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
