package main

import (
	"github.com/sirupsen/logrus"

	"nraec/internal/config"
	"nraec/internal/processor"
)

func main() {
	// Parse command line flags
	cfg, err := config.ParseFlags()
	if err != nil {
		logrus.Fatalf("Configuration error: %v", err)
	}

	// Create processor
	proc := processor.NewProcessor(cfg)

	// Process the signal components
	if err := proc.Process(); err != nil {
		logrus.Fatalf("Processing error: %v", err)
	}

	logrus.Infof("Processing completed, outputs in %s", cfg.OutputDir)
}
