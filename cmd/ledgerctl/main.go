// Command ledgerctl runs rent ledger operations against the database
// directly: month-end accrual, integrity audit, duplicate reversal cleanup.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
