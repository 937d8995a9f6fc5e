package main

//// Small CLI tool that replays a recorded GPS trace (CSV) against a running tracker,
//// acting as the device location feed for a logged-in user.

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func init() {
	log.SetOutput(os.Stdout)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts, err := parseAndValidateInput()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	log.Printf("Tracker URL: %s\n", opts.baseURL)
	log.Printf("CSV Path: %s\n", opts.csvPath)
	log.Printf("Interval: %s\n", opts.interval)

	f, err := os.Open(opts.csvPath)
	if err != nil {
		log.Fatalf("Failed to open file: %v\n", err)
	}
	defer f.Close()

	fixes, err := readFixes(f)
	if err != nil {
		log.Fatalf("Failed to parse CSV: %v\n", err)
	}
	log.Printf("Loaded %d fixes\n", len(fixes))

	replayer := &replayer{
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  opts.baseURL,
		token:    opts.token,
		interval: opts.interval,
		verbose:  opts.verbose,
	}
	stats, err := replayer.Run(ctx, fixes)
	if err != nil {
		log.Printf("--- Replay stopped: %v\n", err)
	}
	log.Printf("Sent: %d, delivered: %d, dropped: %d\n", stats.sent, stats.delivered, stats.dropped)
}

type options struct {
	baseURL  string
	token    string
	csvPath  string
	interval time.Duration
	verbose  bool
}

func parseAndValidateInput() (options, error) {
	baseURL := flag.String("url", "http://localhost:9000", "tracker base URL")
	token := flag.String("token", "", "login token (from /a/login)")
	csvPath := flag.String("csv", "", "Path to the CSV file with lat,lon[,error] rows")
	interval := flag.Duration("interval", time.Second, "Pause between two fixes")
	verbose := flag.Bool("verbose", false, "Verbose output")

	flag.Parse()

	if *token == "" {
		return options{}, fmt.Errorf("login token is required (use -token)")
	}
	if *csvPath == "" {
		return options{}, fmt.Errorf("path to CSV file is required (use -csv)")
	}
	if _, err := os.Stat(*csvPath); os.IsNotExist(err) {
		return options{}, fmt.Errorf("CSV file does not exist at path: %s", *csvPath)
	}
	if *interval < 0 {
		return options{}, fmt.Errorf("interval cannot be negative")
	}

	return options{
		baseURL:  *baseURL,
		token:    *token,
		csvPath:  *csvPath,
		interval: *interval,
		verbose:  *verbose,
	}, nil
}
