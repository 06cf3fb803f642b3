package main

import (
	"context"
	"fmt"
	"os"

	"roadside/internal/config"
	dispatchservice "roadside/internal/dispatch-service"
	"roadside/internal/mylogger"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: app <dispatch-service>")
		os.Exit(1)
	}

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	mylog, err := mylogger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "dispatch-service":
		if err := dispatchservice.Execute(context.Background(), mylog, cfg); err != nil {
			mylog.Error("dispatch service stopped", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown service:", os.Args[1])
		os.Exit(1)
	}
}
