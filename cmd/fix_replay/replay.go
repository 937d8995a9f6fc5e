package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2beens/cardiotracker/internal/location"
)

const userAgent = "CardioReplay/1"

// readFixes parses rows of "lat,lon" or ",,error". Lines starting with # are skipped.
func readFixes(r io.Reader) ([]location.FixRequest, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var fixes []location.FixRequest
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return fixes, nil
		}
		if err != nil {
			return nil, err
		}
		fix, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", line, err)
		}
		fixes = append(fixes, fix)
	}
}

func parseRecord(record []string) (location.FixRequest, error) {
	if len(record) >= 3 && strings.TrimSpace(record[2]) != "" {
		return location.FixRequest{Error: strings.TrimSpace(record[2])}, nil
	}
	if len(record) < 2 {
		return location.FixRequest{}, fmt.Errorf("expected lat,lon, got %d fields", len(record))
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
	if err != nil {
		return location.FixRequest{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
	if err != nil {
		return location.FixRequest{}, fmt.Errorf("longitude: %w", err)
	}
	return location.FixRequest{Latitude: &lat, Longitude: &lon}, nil
}

type replayStats struct {
	sent      int
	delivered int
	dropped   int
}

type replayer struct {
	client   *http.Client
	baseURL  string
	token    string
	interval time.Duration
	verbose  bool
}

func (r *replayer) Run(ctx context.Context, fixes []location.FixRequest) (replayStats, error) {
	var stats replayStats
	for i, fix := range fixes {
		if i > 0 && r.interval > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(r.interval):
			}
		}

		if fix.Error == "" {
			fix.Timestamp = time.Now().UnixMilli()
		}
		resp, err := r.send(ctx, fix)
		if err != nil {
			return stats, err
		}
		stats.sent++
		if resp.Delivered > 0 {
			stats.delivered++
		} else {
			stats.dropped++
		}
		if r.verbose {
			log.Printf("+++ fix %d: delivered to %d watches %s", i, resp.Delivered, resp.Reason)
		}
	}
	return stats, nil
}

func (r *replayer) send(ctx context.Context, fix location.FixRequest) (location.FixResponse, error) {
	body, err := json.Marshal(fix)
	if err != nil {
		return location.FixResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(r.baseURL, "/")+"/cardio/location/fix", bytes.NewReader(body))
	if err != nil {
		return location.FixResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return location.FixResponse{}, fmt.Errorf("post fix: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return location.FixResponse{}, fmt.Errorf("post fix: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var fixResp location.FixResponse
	if err := json.NewDecoder(resp.Body).Decode(&fixResp); err != nil {
		return location.FixResponse{}, fmt.Errorf("decode fix response: %w", err)
	}
	return fixResp, nil
}
