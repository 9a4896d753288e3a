// Command capstan is the Capstan CLI client.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/capstanhq/capstan/internal/version"
)

const defaultServer = "http://localhost:9090"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "capstand server URL")
		token     = flag.String("token", os.Getenv("CAPSTAN_TOKEN"), "session token")
		orgID     = flag.String("org", os.Getenv("CAPSTAN_ORG"), "organization id")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		Org:        *orgID,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "login":
		err = cli.cmdLogin(rest)
	case "plugins":
		err = cli.cmdPlugins(rest)
	case "plugin":
		err = cli.cmdPlugin(rest)
	case "workers":
		err = cli.cmdWorkers(rest)
	case "tools":
		err = cli.cmdTools(rest)
	case "call":
		err = cli.cmdCall(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `capstan - Capstan CLI

Usage:
  capstan [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9090)
  --token   <token>  session token (or $CAPSTAN_TOKEN)
  --org     <id>     organization id (or $CAPSTAN_ORG)

Commands:
  version                     print version
  status                      show server status
  login <user>                log in, prints a session token
  plugins                     list installed plugins
  plugin enable  <id>         enable a plugin for the org
  plugin disable <id>         disable a plugin for the org
  plugin start   <id>         start the plugin's worker
  plugin stop    <id>         stop the plugin's worker
  workers                     list running workers
  tools                       list tools available to the org
  call <tool> [json-args]     call a tool
`)
}

func cmdVersion(_ []string) error {
	fmt.Printf("capstan %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	Org        string
	HTTPClient *http.Client
}

func (c *Client) requireOrg() error {
	if c.Org == "" {
		return fmt.Errorf("organization id required: pass --org or set $CAPSTAN_ORG")
	}
	return nil
}

func (c *Client) do(method, path string, body io.Reader, v any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func (c *Client) get(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

func (c *Client) post(path string, body io.Reader, v any) error {
	return c.do(http.MethodPost, path, body, v)
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]any
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", strVal(result["status"]))
	fmt.Printf("version: %s\n", strVal(result["version"]))
	fmt.Printf("uptime:  %s\n", strVal(result["uptime"]))
	fmt.Printf("plugins: %s\n", strVal(result["plugins"]))
	return nil
}

// --- login ---

func (c *Client) cmdLogin(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: capstan login <user>")
	}
	fmt.Fprint(os.Stderr, "password: ")
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	body := fmt.Sprintf(`{"username":%q,"password":%q}`, args[0], password)
	var result map[string]string
	if err := c.post("/api/auth/login", strings.NewReader(body), &result); err != nil {
		return err
	}
	fmt.Println(result["token"])
	return nil
}

// --- plugins ---

func (c *Client) cmdPlugins(_ []string) error {
	var resp struct {
		Plugins []map[string]any `json:"plugins"`
	}
	if err := c.get("/api/plugins", &resp); err != nil {
		return err
	}
	if len(resp.Plugins) == 0 {
		fmt.Println("no plugins installed")
		return nil
	}
	fmt.Printf("%-20s %-24s %-10s %s\n", "ID", "NAME", "VERSION", "CAPABILITIES")
	fmt.Println(strings.Repeat("-", 75))
	for _, p := range resp.Plugins {
		caps := ""
		if list, ok := p["capabilities"].([]any); ok {
			parts := make([]string, 0, len(list))
			for _, c := range list {
				parts = append(parts, strVal(c))
			}
			caps = strings.Join(parts, ",")
		}
		fmt.Printf("%-20s %-24s %-10s %s\n",
			strVal(p["id"]), truncate(strVal(p["name"]), 23), strVal(p["version"]), caps)
	}
	return nil
}

func (c *Client) cmdPlugin(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: capstan plugin <enable|disable|start|stop> <id>")
	}
	if err := c.requireOrg(); err != nil {
		return err
	}
	sub, id := args[0], args[1]
	base := "/api/orgs/" + c.Org + "/plugins/" + id

	switch sub {
	case "enable", "disable", "stop":
		if err := c.post(base+"/"+sub, nil, nil); err != nil {
			return err
		}
		fmt.Printf("plugin %s %sd\n", id, strings.TrimSuffix(sub, "e"))
	case "start":
		var handle map[string]any
		if err := c.post(base+"/start", nil, &handle); err != nil {
			return err
		}
		fmt.Printf("worker started (pid %s, protocol %s)\n",
			strVal(handle["pid"]), strVal(handle["protocol"]))
	default:
		return fmt.Errorf("unknown plugin subcommand: %s", sub)
	}
	return nil
}

// --- workers ---

func (c *Client) cmdWorkers(_ []string) error {
	var resp struct {
		Workers []map[string]any `json:"workers"`
	}
	if err := c.get("/api/workers", &resp); err != nil {
		return err
	}
	if len(resp.Workers) == 0 {
		fmt.Println("no workers running")
		return nil
	}
	fmt.Printf("%-30s %-10s %-8s %-8s\n", "WORKER", "STATE", "PID", "PORT")
	fmt.Println(strings.Repeat("-", 60))
	for _, w := range resp.Workers {
		name := ""
		if key, ok := w["key"].(map[string]any); ok {
			name = strVal(key["org_id"]) + "/" + strVal(key["plugin_id"])
		}
		fmt.Printf("%-30s %-10s %-8s %-8s\n",
			name, strVal(w["state"]), strVal(w["pid"]), strVal(w["port"]))
	}
	return nil
}

// --- tools ---

func (c *Client) cmdTools(_ []string) error {
	if err := c.requireOrg(); err != nil {
		return err
	}
	var resp struct {
		Tools []map[string]any `json:"tools"`
	}
	if err := c.get("/api/orgs/"+c.Org+"/tools", &resp); err != nil {
		return err
	}
	if len(resp.Tools) == 0 {
		fmt.Println("no tools available")
		return nil
	}
	fmt.Printf("%-28s %-16s %s\n", "TOOL", "PLUGIN", "DESCRIPTION")
	fmt.Println(strings.Repeat("-", 75))
	for _, t := range resp.Tools {
		fmt.Printf("%-28s %-16s %s\n",
			strVal(t["name"]), strVal(t["plugin_id"]), truncate(strVal(t["description"]), 30))
	}
	return nil
}

func (c *Client) cmdCall(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: capstan call <tool> [json-args]")
	}
	if err := c.requireOrg(); err != nil {
		return err
	}

	callArgs := json.RawMessage(`{}`)
	if len(args) > 1 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("arguments must be valid JSON")
		}
		callArgs = json.RawMessage(args[1])
	}
	body, err := json.Marshal(map[string]any{"name": args[0], "arguments": callArgs})
	if err != nil {
		return err
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.post("/api/orgs/"+c.Org+"/tools/call", strings.NewReader(string(body)), &resp); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		fmt.Println(string(resp.Result))
		return nil
	}
	fmt.Println(string(pretty))
	return nil
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprint(int64(f))
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
