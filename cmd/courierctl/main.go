package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xxmessenger/courier/internal/api"
	"github.com/xxmessenger/courier/internal/config"
	"github.com/xxmessenger/courier/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fail("load config: %v", err)
	}
	if err := cfg.ApplyEnv(profile.EnvPath()); err != nil {
		fail("apply environment: %v", err)
	}
	name := profile.Resolve(*profileFlag, cfg)
	if err := profile.ValidateName(name); err != nil {
		fail("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := api.NewClient(profile.SocketPath(name))
	if err != nil {
		fail("cannot connect to daemon for profile %q: %v", name, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cli := &ctl{c: c, ctx: ctx, json: *jsonFlag}

	switch args[0] {
	case "status":
		cli.status()
	case "search":
		need(args, 2, "search <username>")
		cli.show("contact", cli.call("SearchContact", map[string]any{"username": args[1]}))
	case "add":
		need(args, 2, "add <username|id>")
		cli.show("contact", cli.call("AddContact", idOrUsername(args[1])))
	case "confirm":
		need(args, 2, "confirm <id>")
		cli.show("contact", cli.call("ConfirmContact", map[string]any{"id": args[1]}))
	case "retry-request":
		need(args, 2, "retry-request <id>")
		cli.show("contact", cli.call("RetryRequest", map[string]any{"id": args[1]}))
	case "delete":
		need(args, 2, "delete <id>")
		cli.call("DeleteContact", map[string]any{"id": args[1]})
		fmt.Println("Deleted.")
	case "contacts":
		cli.contacts(args[1:])
	case "send":
		cli.send(args[1:])
	case "retry":
		need(args, 2, "retry <message-id>")
		mid, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fail("invalid message id %q", args[1])
		}
		cli.show("message", cli.call("RetryMessage", map[string]any{"id": mid}))
	case "messages":
		cli.messages(args[1:])
	case "group":
		cli.group(args[1:])
	case "share":
		cli.share(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: courierctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                         Show daemon status")
	fmt.Fprintln(os.Stderr, "  search <username>              Look a user up")
	fmt.Fprintln(os.Stderr, "  add <username|id>              Send a contact request")
	fmt.Fprintln(os.Stderr, "  confirm <id>                   Confirm a received request")
	fmt.Fprintln(os.Stderr, "  retry-request <id>             Re-send a failed request")
	fmt.Fprintln(os.Stderr, "  delete <id>                    Delete a contact")
	fmt.Fprintln(os.Stderr, "  contacts [status...]           List contacts")
	fmt.Fprintln(os.Stderr, "  send [-group] <id> <text>      Send a message")
	fmt.Fprintln(os.Stderr, "  retry <message-id>             Re-send a failed message")
	fmt.Fprintln(os.Stderr, "  messages [-group] <id>         List a conversation")
	fmt.Fprintln(os.Stderr, "  group create <name> <id...>    Create a group")
	fmt.Fprintln(os.Stderr, "  group join <serialized>        Join a shared group")
	fmt.Fprintln(os.Stderr, "  group accept <id>              Accept a group invitation")
	fmt.Fprintln(os.Stderr, "  group leave <id>               Leave a group")
	fmt.Fprintln(os.Stderr, "  group members <id>             List group members")
	fmt.Fprintln(os.Stderr, "  share [-png <file>]            Show the contact QR code")
	fmt.Fprintln(os.Stderr, "  watch [namespace]              Stream events")
}

type ctl struct {
	c    *api.Client
	ctx  context.Context
	json bool
}

func (cli *ctl) call(method string, req map[string]any) map[string]any {
	resp, err := cli.c.Call(cli.ctx, method, req)
	if err != nil {
		fail("%v", err)
	}
	return resp
}

// show prints resp[key] as sorted key: value lines, or resp as JSON.
func (cli *ctl) show(key string, resp map[string]any) {
	if cli.json {
		outputJSON(resp)
		return
	}
	printFields(resp[key])
}

func (cli *ctl) status() {
	resp := cli.call("GetStatus", nil)
	if cli.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile:  %v\n", resp["profile"])
	fmt.Printf("Status:   %v\n", resp["status"])
	fmt.Printf("Uptime:   %vms\n", resp["uptime_ms"])
	fmt.Printf("Username: %v\n", resp["username"])
	fmt.Printf("ID:       %v\n", resp["id"])
	fmt.Printf("Contacts: %v\n", resp["contact_count"])
	fmt.Printf("Messages: %v\n", resp["message_count"])
}

func (cli *ctl) contacts(args []string) {
	req := map[string]any{}
	if len(args) > 0 {
		statuses := make([]any, 0, len(args))
		for _, s := range args {
			statuses = append(statuses, s)
		}
		req["status"] = statuses
	}
	resp := cli.call("ListContacts", req)
	if cli.json {
		outputJSON(resp)
		return
	}
	list, _ := resp["contacts"].([]any)
	if len(list) == 0 {
		fmt.Println("No contacts.")
		return
	}
	for _, item := range list {
		c := item.(map[string]any)
		fmt.Printf("%-20v %-24v %v\n", c["username"], c["auth_status"], c["id"])
	}
}

func (cli *ctl) send(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	group := fs.Bool("group", false, "send to a group")
	reply := fs.String("reply-to", "", "network id of the message replied to")
	_ = fs.Parse(args)
	if fs.NArg() < 2 {
		fail("usage: courierctl send [-group] [-reply-to <id>] <id> <text>")
	}
	req := map[string]any{"text": strings.Join(fs.Args()[1:], " ")}
	if *group {
		req["group"] = fs.Arg(0)
	} else {
		req["recipient"] = fs.Arg(0)
	}
	if *reply != "" {
		req["reply_to"] = *reply
	}
	cli.show("message", cli.call("SendMessage", req))
}

func (cli *ctl) messages(args []string) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	group := fs.Bool("group", false, "list a group conversation")
	limit := fs.Int("limit", 50, "maximum number of messages")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fail("usage: courierctl messages [-group] [-limit n] <id>")
	}
	req := map[string]any{"limit": *limit}
	if *group {
		req["group"] = fs.Arg(0)
	} else {
		req["conversation"] = fs.Arg(0)
	}
	resp := cli.call("ListMessages", req)
	if cli.json {
		outputJSON(resp)
		return
	}
	list, _ := resp["messages"].([]any)
	for i := len(list) - 1; i >= 0; i-- {
		m := list[i].(map[string]any)
		ts := time.UnixMilli(int64(m["date"].(float64))).Format(time.DateTime)
		fmt.Printf("[%s] #%v %-15v %v\n", ts, m["id"], m["status"], m["text"])
	}
}

func (cli *ctl) group(args []string) {
	if len(args) < 2 {
		fail("usage: courierctl group <create|join|accept|leave|members> ...")
	}
	switch args[0] {
	case "create":
		members := make([]any, 0, len(args)-2)
		for _, m := range args[2:] {
			members = append(members, m)
		}
		cli.call("CreateGroup", map[string]any{"name": args[1], "members": members})
		fmt.Println("Group creation requested.")
	case "join":
		cli.show("group", cli.call("JoinGroup", map[string]any{"serialized": args[1]}))
	case "accept":
		cli.show("group", cli.call("JoinGroup", map[string]any{"id": args[1]}))
	case "leave":
		cli.call("LeaveGroup", map[string]any{"id": args[1]})
		fmt.Println("Left.")
	case "members":
		resp := cli.call("ListGroupMembers", map[string]any{"group": args[1]})
		if cli.json {
			outputJSON(resp)
			return
		}
		g := resp["group"].(map[string]any)
		fmt.Printf("%v (%v)\n", g["name"], g["auth_status"])
		list, _ := resp["members"].([]any)
		for _, item := range list {
			m := item.(map[string]any)
			fmt.Printf("  %-20v %-16v %v\n", m["username"], m["status"], m["contact"])
		}
	default:
		fail("unknown group subcommand: %s", args[0])
	}
}

func (cli *ctl) share(args []string) {
	fs := flag.NewFlagSet("share", flag.ExitOnError)
	png := fs.String("png", "", "write the QR code to this PNG file")
	size := fs.Int("size", 256, "PNG size in pixels")
	_ = fs.Parse(args)

	resp := cli.call("ShareContact", map[string]any{"size": *size})
	if *png != "" {
		raw, err := base64.StdEncoding.DecodeString(resp["png"].(string))
		if err != nil {
			fail("decode png: %v", err)
		}
		if err := os.WriteFile(*png, raw, 0600); err != nil {
			fail("write png: %v", err)
		}
	}
	if cli.json {
		outputJSON(resp)
		return
	}
	fmt.Print(resp["text"])
	fmt.Printf("%v\n", resp["contact"])
}

func cmdWatch(c *api.Client, args []string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	req := map[string]any{}
	if len(args) > 0 {
		req["namespace"] = args[0]
	}
	err := c.Watch(ctx, req, func(evt map[string]any) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		ts := time.UnixMilli(int64(evt["occurred_at_unix_ms"].(float64))).Format(time.TimeOnly)
		payload, _ := json.Marshal(evt["payload"])
		fmt.Printf("%s %-28v %s\n", ts, evt["kind"], payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fail("%v", err)
	}
}

// idOrUsername treats anything that decodes as an id as one.
func idOrUsername(arg string) map[string]any {
	if _, err := api.DecodeID(arg); err == nil {
		return map[string]any{"id": arg}
	}
	return map[string]any{"username": arg}
}

func printFields(v any) {
	fields, ok := v.(map[string]any)
	if !ok {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if fields[k] == "" {
			continue
		}
		fmt.Printf("%-18s %v\n", k+":", fields[k])
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fail("usage: courierctl %s", usage)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
