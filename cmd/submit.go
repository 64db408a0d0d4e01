package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/exe-blue/doai-me-app-sub000/internal/config"
)

type submitOptions struct {
	Server    string
	Type      string
	Priority  int
	Payload   string
	Target    string
	Immediate bool
	TTL       int
	NoAck     bool
}

func newSubmitCmd() *cobra.Command {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task to a running control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Server = firstNonEmpty(opts.Server, config.String("FLEET_SERVER_URL", ""), "http://127.0.0.1:8080")
			body, err := submitTask(cmd.Context(), http.DefaultClient, opts)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(body)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "Control plane base URL (default $FLEET_SERVER_URL or http://127.0.0.1:8080)")
	cmd.Flags().StringVar(&opts.Type, "type", "POP", "Task type: POP, ACCIDENT, COMMISSION or SYSTEM")
	cmd.Flags().IntVar(&opts.Priority, "priority", 2, "Priority 1 (low) to 5 (critical)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&opts.Target, "target", "", "Target device address or serial")
	cmd.Flags().BoolVar(&opts.Immediate, "immediate", false, "Dispatch urgent tasks without waiting for the next tick")
	cmd.Flags().IntVar(&opts.TTL, "ttl", 0, "Seconds after which the device drops the envelope (0 = no ttl)")
	cmd.Flags().BoolVar(&opts.NoAck, "no-ack", false, "Do not ask the device for an ack")
	return cmd
}

func submitTask(ctx context.Context, client *http.Client, opts submitOptions) ([]byte, error) {
	req := map[string]any{
		"type":        strings.ToUpper(strings.TrimSpace(opts.Type)),
		"priority":    opts.Priority,
		"immediate":   opts.Immediate,
		"ackRequired": !opts.NoAck,
	}
	if payload := strings.TrimSpace(opts.Payload); payload != "" {
		if !json.Valid([]byte(payload)) {
			return nil, fmt.Errorf("--payload is not valid JSON")
		}
		req["payload"] = json.RawMessage(payload)
	}
	if target := strings.TrimSpace(opts.Target); target != "" {
		req["targetDeviceId"] = target
	}
	if opts.TTL > 0 {
		req["ttlSeconds"] = opts.TTL
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	endpoint := strings.TrimSuffix(opts.Server, "/") + "/api/tasks"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post task: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("submit rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
