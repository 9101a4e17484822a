// auditverify walks the audit hash chain and exits nonzero when it is
// broken. Meant for cron or CI, where a tampered log should fail loudly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/telopea-platform/compliance-backend/internal/app"
)

func main() {
	var asJSON bool
	flag.BoolVar(&asJSON, "json", false, "print the verification result as JSON")
	flag.Parse()

	application, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	verification, err := application.Services.Audit.VerifyChain(context.Background())
	if err != nil {
		fmt.Printf("verify chain: %v\n", err)
		os.Exit(1)
	}

	if asJSON {
		raw, err := json.MarshalIndent(verification, "", "  ")
		if err != nil {
			fmt.Printf("encode result: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(raw))
	} else {
		fmt.Printf("entries=%d valid=%t verified_at=%s\n", verification.Entries, verification.Valid, verification.VerifiedAt.Format("2006-01-02T15:04:05Z07:00"))
		for _, gap := range verification.Gaps {
			fmt.Printf("  gap at seq=%d: %s\n", gap.Seq, gap.Reason)
		}
	}

	if !verification.Valid {
		os.Exit(1)
	}
}
