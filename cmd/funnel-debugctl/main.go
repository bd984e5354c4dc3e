// funnel-debugctl is an interactive companion CLI that speaks the Request
// Dispatcher's debugger operations over MCP, for manual breakpoint-driven
// debugging without an upstream agent client. It is not required by any
// MCP client — purely an operator convenience, mirroring the teacher's
// oubliette-client role as a thin tool-calling shell.
//
// Usage:
//
//	funnel-debugctl [-url http://localhost:8420/mcp] [-token TOKEN]
//
// Each REPL line is "toolName {json-args}", e.g.:
//
//	start_session {"runtime":"node","entry":"app.js"}
//	get_stacktrace {"sessionId":"...."}
//	quit
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type authTransport struct {
	base  http.RoundTripper
	token string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.base.RoundTrip(req)
}

func main() {
	url := flag.String("url", "http://localhost:8420/mcp", "funnel server MCP endpoint")
	token := flag.String("token", "", "optional Bearer token")
	flag.Parse()

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "funnel-debugctl",
		Version: "0.1.0",
	}, nil)

	httpClient := &http.Client{}
	if *token != "" {
		httpClient.Transport = &authTransport{base: http.DefaultTransport, token: *token}
	}

	ctx := context.Background()
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   *url,
		HTTPClient: httpClient,
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "funnel-debugctl: failed to connect to %s: %v\n", *url, err)
		os.Exit(1)
	}
	defer session.Close()

	fmt.Printf("connected to %s — type a tool name and JSON args, or 'tools' to list, 'quit' to exit\n", *url)
	repl(ctx, session)
}

func repl(ctx context.Context, session *mcp.ClientSession) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		if line == "tools" {
			printTools(ctx, session)
			continue
		}
		runTool(ctx, session, line)
	}
}

func printTools(ctx context.Context, session *mcp.ClientSession) {
	result, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tools/list failed: %v\n", err)
		return
	}
	for _, t := range result.Tools {
		fmt.Printf("  %-28s %s\n", t.Name, t.Description)
	}
}

func runTool(ctx context.Context, session *mcp.ClientSession, line string) {
	name, rawArgs, _ := strings.Cut(line, " ")
	rawArgs = strings.TrimSpace(rawArgs)

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			fmt.Fprintf(os.Stderr, "invalid JSON arguments: %v\n", err)
			return
		}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		return
	}
	if result.IsError {
		fmt.Printf("error: %s\n", contentText(result))
		return
	}
	fmt.Println(contentText(result))
}

func contentText(result *mcp.CallToolResult) string {
	var out strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			out.WriteString(text.Text)
		}
	}
	if out.Len() == 0 && result.StructuredContent != nil {
		data, err := json.MarshalIndent(result.StructuredContent, "", "  ")
		if err == nil {
			return string(data)
		}
	}
	return out.String()
}
