package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/Phuociter/medichat/internal/account"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := account.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(account.SocketPath(name))

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "conversations":
		cmdConversations(c, *jsonFlag)
	case "open":
		requireArg(args, 2, "usage: medichatctl open <conversation-id>")
		cmdOpen(c, args[1], *jsonFlag)
	case "read":
		requireArg(args, 2, "usage: medichatctl read <conversation-id>")
		cmdRead(c, args[1])
	case "send":
		cmdSend(c, args[1:], *jsonFlag)
	case "retry":
		requireArg(args, 2, "usage: medichatctl retry <provisional-id>")
		cmdNoBody(c, http.MethodPost, "/v1/messages/"+url.PathEscape(args[1])+"/retry", "retry queued")
	case "discard":
		requireArg(args, 2, "usage: medichatctl discard <provisional-id>")
		cmdNoBody(c, http.MethodDelete, "/v1/messages/"+url.PathEscape(args[1]), "discarded")
	case "typists":
		requireArg(args, 2, "usage: medichatctl typists <conversation-id>")
		cmdTypists(c, args[1])
	case "search":
		requireArg(args, 2, "usage: medichatctl search <query>")
		cmdSearch(c, args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: medichatctl [--account <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show daemon status")
	fmt.Fprintln(os.Stderr, "  conversations                 List conversations")
	fmt.Fprintln(os.Stderr, "  open <conv-id>                Open a conversation and show messages")
	fmt.Fprintln(os.Stderr, "  read <conv-id>                Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  send --conv <id> --body <s>   Send a message (or --to <user-id> for a new thread)")
	fmt.Fprintln(os.Stderr, "  retry <provisional-id>        Retry a failed send")
	fmt.Fprintln(os.Stderr, "  discard <provisional-id>      Discard a failed send")
	fmt.Fprintln(os.Stderr, "  typists <conv-id>             Show who is typing")
	fmt.Fprintln(os.Stderr, "  search <query>                Full-text search cached messages")
}

func requireArg(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

// client talks to the daemon over its Unix domain socket.
type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

func (c *client) do(method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, "http://daemon"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is medichatd running?): %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil && errBody.Error.Message != "" {
			return fmt.Errorf("%s (%s)", errBody.Error.Message, errBody.Error.Code)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdStatus(c *client, jsonOut bool) {
	var resp struct {
		Account            string `json:"account"`
		State              string `json:"state"`
		DirectoryLoaded    bool   `json:"directory_loaded"`
		ActiveConversation string `json:"active_conversation"`
	}
	if err := c.do(http.MethodGet, "/v1/status", nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Account: %s\n", resp.Account)
	fmt.Printf("State:   %s\n", resp.State)
	fmt.Printf("Loaded:  %v\n", resp.DirectoryLoaded)
	if resp.ActiveConversation != "" {
		fmt.Printf("Open:    %s\n", resp.ActiveConversation)
	}
}

type conversation struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	UnreadCount        int    `json:"unread_count"`
	LastMessageAt      int64  `json:"last_message_at"`
	LastMessagePreview string `json:"last_message_preview"`
}

func cmdConversations(c *client, jsonOut bool) {
	var resp struct {
		Conversations []conversation `json:"conversations"`
		Loaded        bool           `json:"loaded"`
	}
	if err := c.do(http.MethodGet, "/v1/conversations", nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if !resp.Loaded {
		fmt.Println("(showing cached data, server not yet synced)")
	}
	for _, conv := range resp.Conversations {
		badge := ""
		if conv.UnreadCount > 0 {
			badge = fmt.Sprintf(" [%d]", conv.UnreadCount)
		}
		fmt.Printf("%-24s %s%s\n", conv.ID, conv.Title, badge)
		if conv.LastMessagePreview != "" {
			fmt.Printf("    %s  %s\n", formatTime(conv.LastMessageAt), conv.LastMessagePreview)
		}
	}
}

type message struct {
	MsgID       string `json:"msg_id"`
	SenderName  string `json:"sender_name"`
	Body        string `json:"body"`
	FromMe      bool   `json:"from_me"`
	Status      string `json:"status"`
	ErrorDetail string `json:"error_detail"`
	Timestamp   int64  `json:"timestamp"`
}

type streamResp struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []message `json:"messages"`
	TotalCount     int       `json:"total_count"`
	HasMore        bool      `json:"has_more"`
}

func cmdOpen(c *client, id string, jsonOut bool) {
	var resp streamResp
	if err := c.do(http.MethodPost, "/v1/conversations/"+url.PathEscape(id)+"/open", nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	// Oldest first for reading order.
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		who := m.SenderName
		if m.FromMe {
			who = "me"
		}
		line := fmt.Sprintf("%s  %-12s %s", formatTime(m.Timestamp), who, m.Body)
		if m.Status == "failed" {
			line += fmt.Sprintf("  [FAILED: %s]", m.ErrorDetail)
		} else if m.Status == "pending" {
			line += "  [sending]"
		}
		fmt.Println(line)
	}
	if resp.HasMore {
		fmt.Printf("(%d of %d messages)\n", len(resp.Messages), resp.TotalCount)
	}
}

func cmdRead(c *client, id string) {
	if err := c.do(http.MethodPost, "/v1/conversations/"+url.PathEscape(id)+"/read", nil, nil); err != nil {
		fatal(err)
	}
	fmt.Println("marked read")
}

func cmdSend(c *client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	conv := fs.String("conv", "", "conversation ID")
	to := fs.String("to", "", "recipient user ID (starts a new thread)")
	body := fs.String("body", "", "message body")
	_ = fs.Parse(args)

	var resp struct {
		ProvisionalID string `json:"provisional_id"`
	}
	req := map[string]string{"conversation_id": *conv, "recipient_id": *to, "body": *body}
	if err := c.do(http.MethodPost, "/v1/messages", req, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("queued %s\n", resp.ProvisionalID)
}

func cmdNoBody(c *client, method, path, okMsg string) {
	if err := c.do(method, path, nil, nil); err != nil {
		fatal(err)
	}
	fmt.Println(okMsg)
}

func cmdTypists(c *client, id string) {
	var resp struct {
		Typists []string `json:"typists"`
	}
	if err := c.do(http.MethodGet, "/v1/conversations/"+url.PathEscape(id)+"/typists", nil, &resp); err != nil {
		fatal(err)
	}
	if len(resp.Typists) == 0 {
		fmt.Println("nobody is typing")
		return
	}
	for _, u := range resp.Typists {
		fmt.Println(u)
	}
}

func cmdSearch(c *client, query string, jsonOut bool) {
	var resp struct {
		Results []struct {
			ConversationID string `json:"conversation_id"`
			MsgID          string `json:"msg_id"`
			Snippet        string `json:"snippet"`
			Timestamp      int64  `json:"timestamp"`
		} `json:"results"`
	}
	if err := c.do(http.MethodGet, "/v1/search?q="+url.QueryEscape(query), nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, r := range resp.Results {
		fmt.Printf("%s  %s  %s\n", formatTime(r.Timestamp), r.ConversationID, r.Snippet)
	}
}

func formatTime(unixMs int64) string {
	if unixMs == 0 {
		return "            "
	}
	return time.UnixMilli(unixMs).Local().Format("Jan 02 15:04")
}
