package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

func tailCmd() *cobra.Command {
	var licenseID, baseURL string
	c := &cobra.Command{
		Use:   "tail",
		Short: "Follow a license's live event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.Context(), baseURL, licenseID)
		},
	}
	c.Flags().StringVar(&licenseID, "license", "", "license id to follow")
	c.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "server base URL")
	c.MarkFlagRequired("license")
	return c
}

func runTail(ctx context.Context, baseURL, licenseID string) error {
	wsURL, err := eventStreamURL(baseURL, licenseID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	fmt.Fprintf(os.Stderr, "connected to %s\n", wsURL)

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		fmt.Println(string(payload))
	}
}

func eventStreamURL(baseURL, licenseID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("url scheme must be http(s) or ws(s)")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("license", licenseID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
