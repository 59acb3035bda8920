package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/log"
)

const (
	hostURLEnv        = "IRON_HOST_URL"
	defaultHostURL    = "ws://localhost:8546" + hostListenEndpoint
	cliRequestTimeout = 30 * time.Second
)

func runCli(logger log.Logger, name string) {
	switch name {
	case "call":
		runCallCli(logger, os.Args[2:], os.Stdout)
	case "networks":
		runNetworksCli(logger, os.Stdout)
	default:
		logger.Fatal("Unknown CLI command", "name", name)
	}
}

// runCallCli sends one request through a running host the way a page would.
// Usage: iron call <method> [params-json]
func runCallCli(logger log.Logger, args []string, out io.Writer) {
	logger = logger.WithName("call")
	if len(args) < 1 {
		logger.Fatal("Usage: iron call <method> [params-json]")
	}

	var params json.RawMessage
	if len(args) > 1 {
		params = json.RawMessage(args[1])
		if !json.Valid(params) {
			logger.Fatal("Params are not valid JSON", "value", args[1])
		}
	}

	hostURL := os.Getenv(hostURLEnv)
	if hostURL == "" {
		hostURL = defaultHostURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), cliRequestTimeout)
	defer cancel()

	result, err := callHost(ctx, logger, hostURL, args[0], params)
	if err != nil {
		if rpcErr, ok := jsonrpc.AsError(err); ok {
			logger.Fatal("Request failed", "code", rpcErr.Code, "message", rpcErr.Message)
		}
		logger.Fatal("Request failed", "error", err)
	}
	fmt.Fprintln(out, string(result))
}

func callHost(ctx context.Context, logger log.Logger, hostURL, method string, params json.RawMessage) (json.RawMessage, error) {
	page, err := OpenPage(ctx, hostURL, PageConfig{Logger: logger, RequestTimeout: cliRequestTimeout})
	if err != nil {
		return nil, err
	}
	defer page.Close()

	p := page.Provider()
	if p == nil {
		return nil, fmt.Errorf("no wallet announced on the page")
	}
	return p.Request(ctx, method, params)
}

// runNetworksCli prints the configured networks.
func runNetworksCli(logger log.Logger, out io.Writer) {
	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}
	for _, nw := range config.Networks {
		fmt.Fprintf(out, "%-16s %-12d %s\n", nw.Name, nw.ChainID, nw.RPCURL)
	}
}
