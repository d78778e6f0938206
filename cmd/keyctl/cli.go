package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"keyserver/internal/config"
	"keyserver/internal/infrastructure"
	"keyserver/internal/license"
	"keyserver/internal/notify"
	"keyserver/pkg/contracts"
	"keyserver/pkg/contracts/domain"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2

	defaultServer = "http://localhost:5000"
)

type cli struct {
	stdout        io.Writer
	stderr        io.Writer
	httpClient    *http.Client
	loadConfig    func() (*config.Config, error)
	newDispatcher func(cfg config.NotifyConfig, productName string, logger *slog.Logger) (notify.Dispatcher, error)
	machineID     func() string
	logger        *slog.Logger
}

func (c *cli) run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		c.usage()
		return exitUsage
	}

	switch args[0] {
	case "send":
		return c.send(ctx, args[1:])
	case "activate":
		return c.activate(ctx, args[1:])
	case "check-userid":
		return c.checkUserID(ctx, args[1:])
	case "machine-id":
		fmt.Fprintln(c.stdout, c.machineID())
		return exitOK
	case "version":
		fmt.Fprintln(c.stdout, contracts.GetFullVersionString(config.ProductName))
		return exitOK
	case "help", "-h", "--help":
		c.usage()
		return exitOK
	default:
		fmt.Fprintf(c.stderr, "unknown command %q\n", args[0])
		c.usage()
		return exitUsage
	}
}

func (c *cli) usage() {
	fmt.Fprint(c.stderr, `usage: keyctl <command> [flags]

commands:
  send          email a license key through the configured provider
  activate      activate a key against a server
  check-userid  ask a server whether a User ID can still be used
  machine-id    print this machine's Machine ID
  version       print version information
`)
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) send(ctx context.Context, args []string) int {
	fs := c.flagSet("send")
	email := fs.String("email", "", "recipient address")
	key := fs.String("key", "", "license key to deliver")
	name := fs.String("name", "", "recipient name")
	userID := fs.String("userid", "", "User ID shown in the message")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *email == "" || *key == "" {
		fmt.Fprintln(c.stderr, "send: -email and -key are required")
		return exitUsage
	}

	cfg, err := c.loadConfig()
	if err != nil {
		fmt.Fprintf(c.stderr, "send: %v\n", err)
		return exitFail
	}
	dispatcher, err := c.newDispatcher(cfg.Notify, cfg.License.ProductName, c.logger)
	if err != nil {
		fmt.Fprintf(c.stderr, "send: %v\n", err)
		return exitFail
	}
	if !dispatcher.Configured() {
		fmt.Fprintln(c.stderr, "send: no email provider is configured (set SENDGRID_API_KEY or EMAIL_USER/EMAIL_PASS)")
		return exitFail
	}

	err = dispatcher.Deliver(ctx, license.Delivery{
		Email:      strings.TrimSpace(*email),
		Name:       strings.TrimSpace(*name),
		UserID:     strings.TrimSpace(*userID),
		LicenseKey: license.NormalizeKey(*key),
	})
	if err != nil {
		fmt.Fprintf(c.stderr, "send: %v\n", err)
		return exitFail
	}
	fmt.Fprintf(c.stdout, "License key sent to %s via %s\n", *email, dispatcher.Provider())
	return exitOK
}

func (c *cli) activate(ctx context.Context, args []string) int {
	fs := c.flagSet("activate")
	server := fs.String("server", defaultServer, "license server base URL")
	email := fs.String("email", "", "license owner's address")
	key := fs.String("key", "", "license key")
	machineID := fs.String("machine", "", "Machine ID (defaults to this machine)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *email == "" || *key == "" {
		fmt.Fprintln(c.stderr, "activate: -email and -key are required")
		return exitUsage
	}
	if *machineID == "" {
		*machineID = c.machineID()
	}

	var resp domain.ActivateLicenseResponse
	err := c.post(ctx, *server, "/activate-license", domain.ActivateLicenseRequest{
		Email:      *email,
		LicenseKey: *key,
		MachineID:  *machineID,
	}, &resp)
	if err != nil {
		fmt.Fprintf(c.stderr, "activate: %v\n", err)
		return exitFail
	}
	fmt.Fprintf(c.stdout, "%s: %s (machine %s)\n", resp.Status, resp.Message, *machineID)
	return exitOK
}

func (c *cli) checkUserID(ctx context.Context, args []string) int {
	fs := c.flagSet("check-userid")
	server := fs.String("server", defaultServer, "license server base URL")
	id := fs.String("id", "", "User ID to check")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" {
		fmt.Fprintln(c.stderr, "check-userid: -id is required")
		return exitUsage
	}

	var resp domain.TestUserIDResponse
	if err := c.post(ctx, *server, "/test-userid", domain.TestUserIDRequest{UserID: *id}, &resp); err != nil {
		fmt.Fprintf(c.stderr, "check-userid: %v\n", err)
		return exitFail
	}
	fmt.Fprintln(c.stdout, resp.Message)
	if !resp.IsValidAndUnused {
		return exitFail
	}
	return exitOK
}

// problem is the subset of a server error document keyctl prints.
type problem struct {
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
}

// post sends body as JSON and decodes a 2xx response into out. Any other
// status becomes an error carrying the server's message.
func (c *cli) post(ctx context.Context, server, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	requestID := infrastructure.GetTraceID(infrastructure.EnsureTraceID(ctx))
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var p problem
		if json.Unmarshal(data, &p) == nil && p.Message != "" {
			if p.ErrorCode != "" {
				return fmt.Errorf("%s (%s, HTTP %d, request %s)", p.Message, p.ErrorCode, resp.StatusCode, requestID)
			}
			return fmt.Errorf("%s (HTTP %d, request %s)", p.Message, resp.StatusCode, requestID)
		}
		return fmt.Errorf("server returned HTTP %d (request %s)", resp.StatusCode, requestID)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
