package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/MUYAHGaious/izichat/internal/api"
	"github.com/MUYAHGaious/izichat/internal/lock"
	"github.com/MUYAHGaious/izichat/internal/session"
	"github.com/MUYAHGaious/izichat/internal/store"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "sessions" {
		cmdSessions(*jsonFlag)
		return
	}

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	socketPath := session.SocketPath(sessionName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		resp, err := c.Status(ctx)
		check(err)
		out.status(resp)
	case "signin":
		need(args, 2, "signin <token>")
		resp, err := c.SignIn(ctx, args[1])
		check(err)
		out.status(resp)
	case "signout":
		check(c.SignOut(ctx))
		fmt.Println("Signed out, local data cleared.")
	case "list":
		cmdList(ctx, c, args[1:], out)
	case "messages":
		cmdMessages(ctx, c, args[1:], out)
	case "send":
		cmdSend(ctx, c, args[1:], out)
	case "read":
		need(args, 2, "read <conversation-id>")
		check(c.MarkRead(ctx, args[1]))
	case "open":
		need(args, 2, "open <conversation-id>")
		check(c.Select(ctx, args[1]))
	case "archive", "unarchive":
		need(args, 2, args[0]+" <conversation-id>")
		conv, err := c.Archive(ctx, args[1], args[0] == "archive")
		check(err)
		out.conversations([]store.Conversation{*conv})
	case "mute", "unmute":
		need(args, 2, args[0]+" <conversation-id>")
		conv, err := c.Mute(ctx, args[1], args[0] == "mute")
		check(err)
		out.conversations([]store.Conversation{*conv})
	case "rm":
		need(args, 2, "rm <conversation-id>")
		check(c.DeleteConversation(ctx, args[1]))
	case "support":
		conv, err := c.StartSupport(ctx, strings.Join(args[1:], " "))
		check(err)
		out.conversations([]store.Conversation{*conv})
	case "retry":
		need(args, 2, "retry <message-id>")
		m, err := c.Retry(ctx, args[1])
		check(err)
		out.messages([]store.Message{*m})
	case "edit":
		need(args, 3, "edit <message-id> <text>")
		m, err := c.Edit(ctx, args[1], strings.Join(args[2:], " "))
		check(err)
		out.messages([]store.Message{*m})
	case "delete":
		need(args, 2, "delete <message-id>")
		check(c.DeleteMessage(ctx, args[1]))
	case "sync":
		resp, err := c.Sync(ctx)
		check(err)
		if out.json {
			outputJSON(resp)
			return
		}
		fmt.Printf("Synced %d conversations (%d conflicts)\n", resp.Conversations, resp.Conflicts)
	case "older":
		need(args, 2, "older <conversation-id>")
		n, err := c.LoadOlder(ctx, args[1])
		check(err)
		fmt.Printf("Fetched %d older messages\n", n)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: izichatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show session status")
	fmt.Fprintln(os.Stderr, "  signin <token>                Install a token and connect")
	fmt.Fprintln(os.Stderr, "  signout                       Disconnect and clear local data")
	fmt.Fprintln(os.Stderr, "  sessions                      List known sessions")
	fmt.Fprintln(os.Stderr, "  list [-archived] [-unread] [-q text]")
	fmt.Fprintln(os.Stderr, "                                List conversations")
	fmt.Fprintln(os.Stderr, "  messages [-n N] <conv>        Show recent messages")
	fmt.Fprintln(os.Stderr, "  send [-file path] <conv> <text>")
	fmt.Fprintln(os.Stderr, "                                Send a message")
	fmt.Fprintln(os.Stderr, "  open <conv>                   Make a conversation active")
	fmt.Fprintln(os.Stderr, "  read <conv>                   Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  archive|unarchive <conv>")
	fmt.Fprintln(os.Stderr, "  mute|unmute <conv>")
	fmt.Fprintln(os.Stderr, "  rm <conv>                     Delete a conversation")
	fmt.Fprintln(os.Stderr, "  support [title]               Start a support conversation")
	fmt.Fprintln(os.Stderr, "  retry|delete <msg>")
	fmt.Fprintln(os.Stderr, "  edit <msg> <text>")
	fmt.Fprintln(os.Stderr, "  sync                          Pull conversations from the server")
	fmt.Fprintln(os.Stderr, "  older <conv>                  Backfill older messages")
	fmt.Fprintln(os.Stderr, "  watch [-prefix kind] [conv]   Stream events")
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: izichatctl "+usage)
		os.Exit(1)
	}
}

func cmdList(ctx context.Context, c *api.Client, args []string, out printer) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	archived := fs.Bool("archived", false, "show the archive")
	unread := fs.Bool("unread", false, "only unread conversations")
	query := fs.String("q", "", "match title or last message")
	kind := fs.String("type", "", "direct, group or support")
	_ = fs.Parse(args)

	convs, err := c.ListConversations(ctx, &api.ListConversationsRequest{
		Archived:   *archived,
		UnreadOnly: *unread,
		Query:      *query,
		Type:       *kind,
	})
	check(err)
	out.conversations(convs)
}

func cmdMessages(ctx context.Context, c *api.Client, args []string, out printer) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of messages")
	before := fs.Int64("before", 0, "only messages before this unix ms timestamp")
	beforeID := fs.String("before-id", "", "with -before, id of the oldest message already seen")
	_ = fs.Parse(args)
	need(fs.Args(), 1, "messages [-n N] <conversation-id>")

	msgs, err := c.Messages(ctx, &api.ListMessagesRequest{
		ConversationID: fs.Arg(0),
		BeforeUnixMs:   *before,
		BeforeID:       *beforeID,
		Limit:          *limit,
	})
	check(err)
	out.messages(msgs)
}

func cmdSend(ctx context.Context, c *api.Client, args []string, out printer) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	file := fs.String("file", "", "attach a file")
	mimeType := fs.String("type", "", "attachment MIME type (detected when empty)")
	duration := fs.Int("duration", 0, "voice message length in seconds")
	_ = fs.Parse(args)
	need(fs.Args(), 1, "send [-file path] <conversation-id> [text]")

	req := &api.SendMessageRequest{
		ConversationID: fs.Arg(0),
		Content:        strings.Join(fs.Args()[1:], " "),
	}
	if *file != "" {
		data, err := os.ReadFile(*file)
		check(err)
		mt := *mimeType
		if mt == "" {
			mt = mimetype.Detect(data).String()
		}
		req.Attachment = &api.Upload{
			Name:            filepath.Base(*file),
			MimeType:        mt,
			Data:            data,
			DurationSeconds: *duration,
		}
	}
	m, err := c.Send(ctx, req)
	check(err)
	out.messages([]store.Message{*m})
}

func cmdWatch(c *api.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	prefix := fs.String("prefix", "", "only events whose kind starts with this")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.Watch(ctx, &api.WatchRequest{ConversationID: fs.Arg(0), Prefix: *prefix}, func(evt *api.Event) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		at := time.UnixMilli(evt.OccurredAtUnixMs).Format(time.TimeOnly)
		fmt.Printf("%s %-26s %-20s %s\n", at, evt.Kind, evt.ConversationID, evt.Payload)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}
}

func cmdSessions(jsonOut bool) {
	type sessionInfo struct {
		Name     string `json:"name"`
		Running  bool   `json:"running"`
		PID      int    `json:"pid,omitempty"`
		Endpoint string `json:"endpoint,omitempty"`
	}

	entries, err := os.ReadDir(session.BaseDir())
	if err != nil && !os.IsNotExist(err) {
		fail(err)
	}
	var sessions []sessionInfo
	for _, e := range entries {
		if !e.IsDir() || session.ValidateName(e.Name()) != nil {
			continue
		}
		info := sessionInfo{Name: e.Name()}
		held, err := lock.Held(session.Dir(e.Name()))
		if err == nil && held {
			info.Running = true
			if h, err := lock.ReadHolder(session.Dir(e.Name())); err == nil {
				info.PID, info.Endpoint = h.PID, h.Endpoint
			}
		}
		sessions = append(sessions, info)
	}

	if jsonOut {
		outputJSON(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range sessions {
		state := "stopped"
		if s.Running {
			state = "running (pid " + strconv.Itoa(s.PID) + ")"
		}
		fmt.Printf("%-20s %-22s %s\n", s.Name, state, s.Endpoint)
	}
}

type printer struct {
	json bool
}

func (p printer) status(s *api.StatusResponse) {
	if p.json {
		outputJSON(s)
		return
	}
	fmt.Printf("Session:  %s\n", s.Session)
	fmt.Printf("State:    %s\n", s.State)
	if s.SignedIn {
		fmt.Printf("User:     %s\n", s.UserID)
	} else {
		fmt.Println("User:     (signed out)")
	}
	if s.Endpoint != "" {
		fmt.Printf("Server:   %s\n", s.Endpoint)
	}
	fmt.Printf("Uptime:   %s\n", (time.Duration(s.UptimeMs) * time.Millisecond).Round(time.Second))
	if s.Stats != nil {
		fmt.Printf("Stored:   %d conversations, %d messages, %d attachments\n",
			s.Stats.Conversations, s.Stats.Messages, s.Stats.Attachments)
	}
}

func (p printer) conversations(convs []store.Conversation) {
	if p.json {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range convs {
		flags := ""
		if c.Muted {
			flags += "m"
		}
		if c.Archived {
			flags += "a"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("(%d)", c.UnreadCount)
		}
		fmt.Printf("%-40s %-24s %5s %-2s %s\n", c.ID, c.Title, unread, flags, c.LastMessageSummary)
	}
}

func (p printer) messages(msgs []store.Message) {
	if p.json {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		sender := "system"
		if m.SenderID != nil {
			sender = *m.SenderID
		}
		at := time.UnixMilli(m.CreatedAt).Format(time.DateTime)
		fmt.Printf("%s %-12s [%-9s] %s %s\n", at, sender, m.Status, m.ID, store.Summarize(&m))
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
