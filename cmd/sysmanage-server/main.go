package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sysmanage/sysmanage-server/common/version"
	"github.com/sysmanage/sysmanage-server/internal/server/app"
	"github.com/sysmanage/sysmanage-server/internal/server/config"
)

func main() {
	configPath := flag.String("config", "/etc/sysmanage.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	server, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize sysmanage-server: %v\n", err)
		os.Exit(1)
	}
	defer server.Stop()

	if err := server.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running sysmanage-server: %v\n", err)
		os.Exit(1)
	}
}
