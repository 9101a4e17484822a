package main

import (
	"fmt"
	"os"

	"github.com/telopea-platform/compliance-backend/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	if err := application.Start(); err != nil {
		application.Log.Error("startup failed", "error", err)
		application.Close()
		os.Exit(1)
	}

	addr := ":" + application.Cfg.Port
	application.Log.Info("Server listening", "addr", addr)
	if err := application.Run(addr); err != nil {
		application.Log.Error("Server failed", "error", err)
	}
}
