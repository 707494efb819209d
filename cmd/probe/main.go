// Command probe runs one connectivity check against every configured channel
// and exits non-zero when any of them fails.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/example/oneclick/internal/channel"
	"github.com/example/oneclick/internal/common"
	"github.com/example/oneclick/internal/dispatch"
)

func main() {
	configPath := flag.String("config", os.Getenv("ONECLICK_CONFIG"), "channel config file")
	timeout := flag.Duration("timeout", time.Minute, "overall probe timeout")
	flag.Parse()

	logger := common.NewLoggerWithLevel("oneclick-probe", os.Getenv("LOG_LEVEL"), os.Stderr)

	channels, err := common.LoadChannels(*configPath)
	if err != nil {
		log.Fatalf("load channels: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	httpClient := channel.NewHTTPClient()
	coordinator := dispatch.NewCoordinator(logger, channel.Build(channels, httpClient, logger)...)
	results := coordinator.TestConnections(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		log.Fatalf("encode results: %v", err)
	}
	for _, r := range results {
		if !r.Success {
			os.Exit(1)
		}
	}
}
