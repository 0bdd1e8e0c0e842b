// Command biosyncd pulls punches from biometric terminals and cloud tenants
// and forwards them to the attendance ledger.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
