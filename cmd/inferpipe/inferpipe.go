package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/inferpipe/server"
	"github.com/cyclopcam/inferpipe/server/config"
	"github.com/cyclopcam/inferpipe/server/log"
	"golang.org/x/sys/unix"
)

// normalizeArgs turns "-setup" into "--setup", so that both forms work
func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if i != 0 && len(a) > 2 && a[0] == '-' && a[1] != '-' {
			a = "-" + a
		}
		out[i] = a
	}
	return out
}

func main() {
	parser := argparse.NewParser("inferpipe", "Multi-channel video object detection pipeline")
	aclSetup := parser.String("", "acl_setup", &argparse.Options{Help: "Engine descriptor (JSON)", Default: "./data/config/acl.json"})
	setup := parser.String("", "setup", &argparse.Options{Help: "Pipeline configuration (key = value)", Default: "./data/config/setup.config"})
	debugLevel := parser.String("", "debug_level", &argparse.Options{Help: "0 debug, 1 info, 2 warn, 3 error, 4 fatal, 5 off", Default: "1"})
	err := parser.Parse(normalizeArgs(os.Args))
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	level, err := log.ParseLevel(*debugLevel)
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
	logger, err := log.NewLog(level)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*setup)
	if err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
	engineCfg := config.DefaultEngineConfig()
	if _, statErr := os.Stat(*aclSetup); statErr == nil {
		if engineCfg, err = config.LoadEngineConfig(*aclSetup); err != nil {
			logger.Criticalf("%v", err)
			os.Exit(1)
		}
	} else {
		logger.Warnf("Engine descriptor %v not found. Using the simulated engine on device 0.", *aclSetup)
	}
	logger.Infof("Configuration: %v channels, skipInterval %v, model %v (%v), streams %v",
		cfg.ChannelCount, cfg.SkipInterval, cfg.ModelName, cfg.ModelPath, strings.Join(cfg.Streams, ", "))

	srv, err := server.NewServer(logger, cfg, engineCfg)
	if err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}

	// The first signal drains the pipeline. A second one kills us.
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Criticalf("%v", err)
		if closer, ok := logger.(interface{ Close() }); ok {
			closer.Close()
		}
		os.Exit(1)
	}
	logger.Infof("Finished")
	if closer, ok := logger.(interface{ Close() }); ok {
		closer.Close()
	}
}
