package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const defaultAddr = "127.0.0.1:8080"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "send":
		return runSend(args[1:], stdout, stderr)
	case "catalog":
		return runCatalog(args[1:], stdout, stderr)
	case "perms":
		return runPerms(args[1:], stdout, stderr)
	case "request":
		return runRequest(args[1:], stdout, stderr)
	case "grant":
		return runGrant(args[1:], stdout, stderr)
	case "revoke":
		return runRevoke(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "watch":
		return runWatch(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: sessionctl <send|catalog|perms|request|grant|revoke|status|watch> [args]")
	fmt.Fprintln(w, "  send     <command> [key=value ...]")
	fmt.Fprintln(w, "  catalog")
	fmt.Fprintln(w, "  perms")
	fmt.Fprintln(w, "  request  <level>")
	fmt.Fprintln(w, "  grant    <userId> <level>")
	fmt.Fprintln(w, "  revoke   <userId>")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  watch    [--n 0]")
	fmt.Fprintln(w, "every command accepts --addr <ip:port> (default $SESSIONOPS_HTTP_ADDR or "+defaultAddr+")")
}

type client struct {
	base string
	http *http.Client
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := os.Getenv("SESSIONOPS_HTTP_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	return fs, fs.String("addr", addr, "gateway address")
}

func newClient(addr string) *client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 10 * time.Second}}
}

// apiError is the gateway's failure body.
type apiError struct {
	Code       string `json:"code"`
	Message    string `json:"error"`
	Details    string `json:"details"`
	StatusCode int    `json:"statusCode"`
}

func (e *apiError) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (c *client) do(method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

// parseData turns key=value pairs into the command parameter map. Values
// that parse as JSON keep their type, anything else is a string.
func parseData(pairs []string) (map[string]any, error) {
	data := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("argument %q: want key=value", p)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			parsed = v
		}
		data[k] = parsed
	}
	return data, nil
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs, addr := newFlagSet("send", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "missing command name")
		return 1
	}
	data, err := parseData(fs.Args()[1:])
	if err != nil {
		return fail(stderr, err)
	}
	var resp struct {
		Message string `json:"message"`
		Command struct {
			Type       string `json:"type"`
			ExecutedBy string `json:"executedBy"`
		} `json:"command"`
	}
	body := map[string]any{"type": fs.Arg(0), "data": data}
	if err := newClient(*addr).do(http.MethodPost, "/api/command", body, &resp); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "%s: %s by %s\n", resp.Message, resp.Command.Type, resp.Command.ExecutedBy)
	return 0
}

func runCatalog(args []string, stdout, stderr io.Writer) int {
	fs, addr := newFlagSet("catalog", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var resp struct {
		Commands []struct {
			Name         string `json:"name"`
			Category     string `json:"category"`
			RequiredRole string `json:"requiredRole"`
			Description  string `json:"description"`
		} `json:"commands"`
	}
	if err := newClient(*addr).do(http.MethodGet, "/api/command", nil, &resp); err != nil {
		return fail(stderr, err)
	}
	for _, c := range resp.Commands {
		fmt.Fprintf(stdout, "%-20s %-12s %-9s %s\n", c.Name, c.Category, c.RequiredRole, c.Description)
	}
	return 0
}

func runPerms(args []string, stdout, stderr io.Writer) int {
	fs, addr := newFlagSet("perms", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var resp struct {
		HostID string `json:"hostId"`
		Users  []struct {
			UserID     string `json:"userId"`
			UserName   string `json:"userName"`
			Permission string `json:"permission"`
			IsHost     bool   `json:"isHost"`
			Connected  bool   `json:"connected"`
		} `json:"users"`
		Pending []struct {
			UserID    string `json:"userId"`
			UserName  string `json:"userName"`
			Requested string `json:"requested"`
		} `json:"pending"`
	}
	if err := newClient(*addr).do(http.MethodGet, "/api/permissions", nil, &resp); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "host: %s\n", resp.HostID)
	for _, u := range resp.Users {
		flags := ""
		if u.IsHost {
			flags += " host"
		}
		if !u.Connected {
			flags += " offline"
		}
		fmt.Fprintf(stdout, "  %s %s role=%s%s\n", u.UserID, u.UserName, u.Permission, flags)
	}
	for _, p := range resp.Pending {
		fmt.Fprintf(stdout, "  pending %s %s wants=%s\n", p.UserID, p.UserName, p.Requested)
	}
	return 0
}

func runRequest(args []string, stdout, stderr io.Writer) int {
	fs, addr := newFlagSet("request", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: sessionctl request <level>")
		return 1
	}
	var resp struct {
		Message string `json:"message"`
		Granted bool   `json:"granted"`
		Pending bool   `json:"pending"`
	}
	if err := newClient(*addr).do(http.MethodPost, "/api/permissions/request", map[string]string{"level": fs.Arg(0)}, &resp); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "%s granted=%v pending=%v\n", resp.Message, resp.Granted, resp.Pending)
	return 0
}

func runGrant(args []string, stdout, stderr io.Writer) int {
	fs, addr := newFlagSet("grant", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "usage: sessionctl grant <userId> <level>")
		return 1
	}
	var resp struct {
		Message string `json:"message"`
	}
	body := map[string]string{"userId": fs.Arg(0), "level": fs.Arg(1)}
	if err := newClient(*addr).do(http.MethodPost, "/api/permissions", body, &resp); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, resp.Message)
	return 0
}

func runRevoke(args []string, stdout, stderr io.Writer) int {
	fs, addr := newFlagSet("revoke", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: sessionctl revoke <userId>")
		return 1
	}
	var resp struct {
		Message string `json:"message"`
	}
	path := "/api/permissions?userId=" + url.QueryEscape(fs.Arg(0))
	if err := newClient(*addr).do(http.MethodDelete, path, nil, &resp); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, resp.Message)
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs, addr := newFlagSet("status", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var resp map[string]any
	if err := newClient(*addr).do(http.MethodGet, "/api/network/status", nil, &resp); err != nil {
		return fail(stderr, err)
	}
	delete(resp, "success")
	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Fprintln(stdout, string(out))
	return 0
}

// runWatch prints each event of the live stream as "<event> <data>" until
// interrupted, or until n events when n > 0.
func runWatch(args []string, stdout, stderr io.Writer) int {
	fs, addr := newFlagSet("watch", stderr)
	n := fs.Int("n", 0, "stop after n events")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c := newClient(*addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/events", nil)
	if err != nil {
		return fail(stderr, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fail(stderr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fail(stderr, fmt.Errorf("events: status %d", resp.StatusCode))
	}
	seen := 0
	err = readEvents(resp.Body, func(event, data string) bool {
		fmt.Fprintf(stdout, "%s %s\n", event, data)
		seen++
		return *n <= 0 || seen < *n
	})
	if err != nil && ctx.Err() == nil {
		return fail(stderr, err)
	}
	return 0
}

// readEvents parses a text/event-stream body, calling fn per event until it
// returns false.
func readEvents(r io.Reader, fn func(event, data string) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var event string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event != "" || len(data) > 0 {
				if !fn(event, strings.Join(data, "\n")) {
					return nil
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
