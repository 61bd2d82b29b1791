// Package main is the entry point for the offline chain verification
// tool. Auditors run it directly against a device's data directory; no
// agent or connectivity is required.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/verdant-health/chartsync/internal/cryptobox"
	"github.com/verdant-health/chartsync/internal/ledger"
	"github.com/verdant-health/chartsync/internal/middleware"
	"github.com/verdant-health/chartsync/internal/securestore"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	dataDir := flag.String("data", "./data", "path to the agent's data directory")
	user := flag.String("user", "", "user identity (DID) whose key seals the chain")
	chainID := flag.String("chain", "", "chain ID to verify")
	export := flag.Bool("export", false, "print the chain's records instead of the verification report")
	from := flag.Uint64("from", 0, "first sequence to export (0 = chain start)")
	to := flag.Uint64("to", 0, "last sequence to export (0 = chain tail)")
	flag.Parse()

	if *help {
		fmt.Println("ChartSync Chain Verifier")
		fmt.Println()
		fmt.Println("Usage: chainverify -user <did> -chain <id> [options]")
		fmt.Println()
		fmt.Println("The root secret is read from CHARTSYNC_ROOT_SECRET.")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *user == "" || *chainID == "" {
		fmt.Fprintln(os.Stderr, "chainverify: -user and -chain are required (see -help)")
		os.Exit(2)
	}
	rootSecret := os.Getenv("CHARTSYNC_ROOT_SECRET")
	if rootSecret == "" {
		fmt.Fprintln(os.Stderr, "chainverify: CHARTSYNC_ROOT_SECRET is required")
		os.Exit(2)
	}

	logger := middleware.NewLogger(os.Getenv("CHARTSYNC_ENV"))

	backend, err := securestore.OpenLevelDB(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chainverify:", err)
		os.Exit(2)
	}
	defer backend.Close()

	deriver, err := cryptobox.NewDeriver([]byte(rootSecret))
	if err != nil {
		fmt.Fprintln(os.Stderr, "chainverify:", err)
		os.Exit(2)
	}
	key, err := deriver.DeriveKey(*user)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chainverify:", err)
		os.Exit(2)
	}

	led := ledger.New(backend, key, *user, logger, nil)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if *export {
		records, err := led.Export(*chainID, *from, *to)
		if err != nil {
			fmt.Fprintln(os.Stderr, "chainverify:", err)
			os.Exit(2)
		}
		if err := enc.Encode(records); err != nil {
			fmt.Fprintln(os.Stderr, "chainverify:", err)
			os.Exit(2)
		}
		return
	}

	report, err := led.VerifyChain(*chainID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chainverify:", err)
		os.Exit(2)
	}
	if err := enc.Encode(report); err != nil {
		fmt.Fprintln(os.Stderr, "chainverify:", err)
		os.Exit(2)
	}
	if !report.OK {
		os.Exit(1)
	}
}
