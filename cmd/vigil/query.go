package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the query command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

var (
	queryMessage    string
	queryGatewayURL string
	queryAPIKey     string
	queryTimeout    int
	queryConvID     string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Send a one-shot message to a running Vigil gateway",
	Long: `Send a message to a running Vigil gateway and print the final answer.
Tool calls requested by the model pass through the full authorization
pipeline; calls that need confirmation wait for an approve/deny decision.

Examples:
  vigil query -m "what changed in the audit trail today?"
  vigil query -m "continue" --conversation-id 9e4c...

Exit codes:
  0  success
  1  execution failure
  2  unauthorized or denied
  3  gateway unavailable`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryMessage, "message", "m", "", "message to send (required)")
	queryCmd.Flags().StringVar(&queryGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL")
	queryCmd.Flags().StringVar(&queryAPIKey, "api-key", "", "API key for gateway authentication (or VIGIL_API_KEY env)")
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 300, "timeout in seconds")
	queryCmd.Flags().StringVar(&queryConvID, "conversation-id", "", "conversation ID for multi-turn context")

	_ = queryCmd.MarkFlagRequired("message")
}

func runQuery(_ *cobra.Command, _ []string) error {
	if queryMessage == "" {
		return fmt.Errorf("message is required: use -m flag")
	}

	apiKey := goutils.Env("VIGIL_API_KEY", queryAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set VIGIL_API_KEY)")
		os.Exit(ExitDenied)
	}

	gatewayURL := goutils.Env("VIGIL_GATEWAY_URL", queryGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(queryTimeout)*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(map[string]any{
		"message":         queryMessage,
		"conversation_id": queryConvID,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", gatewayURL+"/v1/turns", bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var result struct {
			Message        string `json:"message"`
			CorrelationID  string `json:"correlation_id"`
			ConversationID string `json:"conversation_id"`
			TokensUsed     int    `json:"tokens_used"`
		}
		_ = json.Unmarshal(respBody, &result)
		fmt.Println(result.Message)
		fmt.Fprintf(os.Stderr, "\n[correlation_id=%s conversation_id=%s tokens=%d]\n",
			result.CorrelationID, result.ConversationID, result.TokensUsed)
		os.Exit(ExitSuccess)

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitDenied)

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: gateway unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitUnavailable)

	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}

	return nil
}
