// ABOUTME: Entry point for the coven-mailbox server and its command-line client
// ABOUTME: Serves the long-poll API and mints tokens, creates channels, delivers, and polls

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-mailbox/internal/auth"
	"github.com/2389/coven-mailbox/internal/client"
	"github.com/2389/coven-mailbox/internal/config"
	"github.com/2389/coven-mailbox/internal/gateway"
	"github.com/2389/coven-mailbox/internal/mailbox"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                  _ _ _
  ___ _____   _____ _ __        _ __ ___   __ _(_) | |__   _____  __
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \ / _' | | | '_ \ / _ \ \/ /
| (_| (_) \ V /  __/ | | |_____| | | | | | (_| | | | |_) | (_) >  <
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\__,_|_|_|_.__/ \___/_/\_\
`

const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the mailbox config file.
// Priority: COVEN_MAILBOX_CONFIG env var > XDG_CONFIG_HOME/coven/mailbox.yaml > ~/.config/coven/mailbox.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_MAILBOX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "mailbox.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "mailbox.yaml")
}

// getTokenPath returns where `token --save` writes and client commands read.
func getTokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "mailbox.token")
}

func usage() {
	fmt.Println("Usage: coven-mailbox <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                  Start the mailbox server")
	fmt.Println("  health                                 Check server health")
	fmt.Println("  token --name NAME [--ttl 720h] [--save] Mint a producer token")
	fmt.Println("  create                                 Create a channel and print its id")
	fmt.Println("  deliver <channel> <action> [key=value...] [--idempotency-key K]")
	fmt.Println("                                         Deliver a command to a channel")
	fmt.Println("  poll <channel> [--watch]               Long-poll a channel for commands")
	fmt.Println("  events <channel> [--limit N]           Show a channel's event ledger")
	fmt.Println("  stats                                  Show channel counts")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(args)
	case "create":
		err = runCreate(ctx)
	case "deliver":
		err = runDeliver(ctx, args)
	case "poll":
		err = runPoll(ctx, args)
	case "events":
		err = runEvents(ctx, args)
	case "stats":
		err = runStats(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Hold:      %s\n", cfg.Channels.HoldTimeout)
	green.Print("    ▶ ")
	fmt.Printf("Ledger:    %s\n", cfg.Database.Path)

	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Producer auth disabled (no auth.jwt_secret)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-mailbox",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			out:   os.Stdout,
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Derived handlers share the parent's mutex and writer.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, prefix, a)
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
	buf.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// newClient builds an API client from the environment.
// URL: COVEN_MAILBOX_URL > http://<server.http_addr> from config > http://localhost:8080.
// Token: COVEN_MAILBOX_TOKEN > the file written by `token --save`.
func newClient() *client.Client {
	baseURL := os.Getenv("COVEN_MAILBOX_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
		if cfg, err := config.Load(getConfigPath()); err == nil && cfg.Server.HTTPAddr != "" {
			baseURL = "http://" + cfg.Server.HTTPAddr
		}
	}

	token := os.Getenv("COVEN_MAILBOX_TOKEN")
	if token == "" {
		if data, err := os.ReadFile(getTokenPath()); err == nil {
			token = strings.TrimSpace(string(data))
		}
	}

	return client.New(baseURL, token)
}

func runHealth(ctx context.Context) error {
	if err := newClient().Health(ctx); err != nil {
		return err
	}
	fmt.Println("healthy")
	return nil
}

// tokenArgs holds the parsed flags for the token command.
type tokenArgs struct {
	name string
	ttl  time.Duration
	save bool
}

// parseTokenArgs supports both "--flag value" and "--flag=value".
func parseTokenArgs(args []string) (tokenArgs, error) {
	parsed := tokenArgs{ttl: defaultTokenTTL}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")

		switch name {
		case "--name", "-n", "--ttl":
			if !hasValue {
				if i+1 >= len(args) {
					return parsed, fmt.Errorf("%s requires a value", name)
				}
				value = args[i+1]
				i++
			}
			if name == "--ttl" {
				ttl, err := time.ParseDuration(value)
				if err != nil {
					return parsed, fmt.Errorf("invalid --ttl: %w", err)
				}
				if ttl <= 0 {
					return parsed, errors.New("--ttl must be positive")
				}
				parsed.ttl = ttl
			} else {
				parsed.name = strings.TrimSpace(value)
			}
		case "--save":
			parsed.save = true
		default:
			if strings.HasPrefix(arg, "-") {
				return parsed, fmt.Errorf("unknown flag: %s", arg)
			}
			return parsed, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if parsed.name == "" {
		return parsed, errors.New("--name flag is required")
	}
	if len(parsed.name) > 100 {
		return parsed, errors.New("name exceeds maximum length of 100 characters")
	}
	return parsed, nil
}

// runToken mints a producer token signed with the configured jwt_secret.
func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(parsed.name, parsed.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if parsed.save {
		tokenPath := getTokenPath()
		if err := os.MkdirAll(filepath.Dir(tokenPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s (expires %s)\n",
			tokenPath, time.Now().Add(parsed.ttl).UTC().Format("Jan 02, 2006"))
	}

	fmt.Println(token)
	return nil
}

func runCreate(ctx context.Context) error {
	id, err := newClient().Create(ctx)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

// deliverArgs holds the parsed arguments for the deliver command.
type deliverArgs struct {
	channelID      string
	command        mailbox.Command
	idempotencyKey string
}

// parseDeliverArgs reads `<channel> <action> [key=value...] [--idempotency-key K]`.
// Field values that parse as JSON are sent as JSON, anything else as a string.
func parseDeliverArgs(args []string) (deliverArgs, error) {
	var parsed deliverArgs
	var positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--idempotency-key" || arg == "-k":
			if i+1 >= len(args) {
				return parsed, fmt.Errorf("%s requires a value", arg)
			}
			parsed.idempotencyKey = args[i+1]
			i++
		case strings.HasPrefix(arg, "--idempotency-key="):
			parsed.idempotencyKey = strings.TrimPrefix(arg, "--idempotency-key=")
		case strings.HasPrefix(arg, "-"):
			return parsed, fmt.Errorf("unknown flag: %s", arg)
		default:
			positional = append(positional, arg)
		}
	}

	if len(positional) < 2 {
		return parsed, errors.New("usage: deliver <channel> <action> [key=value...]")
	}
	parsed.channelID = positional[0]
	parsed.command = mailbox.NewCommand(positional[1])

	for _, kv := range positional[2:] {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return parsed, fmt.Errorf("field %q must be key=value", kv)
		}
		if key == "action" || key == "status" {
			return parsed, fmt.Errorf("field %q is reserved", key)
		}
		if parsed.command.Fields == nil {
			parsed.command.Fields = make(map[string]json.RawMessage)
		}
		parsed.command.Fields[key] = fieldValue(value)
	}

	return parsed, nil
}

func fieldValue(value string) json.RawMessage {
	if json.Valid([]byte(value)) {
		return json.RawMessage(value)
	}
	encoded, _ := json.Marshal(value)
	return encoded
}

func runDeliver(ctx context.Context, args []string) error {
	parsed, err := parseDeliverArgs(args)
	if err != nil {
		return err
	}

	outcome, err := newClient().Deliver(ctx, parsed.channelID, parsed.command, parsed.idempotencyKey)
	if err != nil {
		return err
	}
	fmt.Println(outcome)
	return nil
}

// runPoll prints each reply as a JSON line. With --watch it re-polls after
// Ok and Timeout and stops on Conflict or interrupt.
func runPoll(ctx context.Context, args []string) error {
	var channelID string
	watch := false
	for _, arg := range args {
		switch {
		case arg == "--watch" || arg == "-w":
			watch = true
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		case channelID == "":
			channelID = arg
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if channelID == "" {
		return errors.New("usage: poll <channel> [--watch]")
	}

	c := newClient()
	enc := json.NewEncoder(os.Stdout)
	for {
		reply, err := c.Poll(ctx, channelID)
		if err != nil {
			if watch && ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(reply); err != nil {
			return err
		}

		if !watch {
			return nil
		}
		if reply.Status == mailbox.StatusConflict {
			return errors.New("another poller took over the channel")
		}
	}
}

func runEvents(ctx context.Context, args []string) error {
	var channelID string
	limit := 0
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--limit":
			if i+1 >= len(args) {
				return errors.New("--limit requires a value")
			}
			if _, err := fmt.Sscanf(args[i+1], "%d", &limit); err != nil || limit < 1 {
				return fmt.Errorf("invalid --limit %q", args[i+1])
			}
			i++
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		case channelID == "":
			channelID = arg
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if channelID == "" {
		return errors.New("usage: events <channel> [--limit N]")
	}

	events, err := newClient().Events(ctx, channelID, limit)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	for _, e := range events {
		gray.Printf("%s ", e.CreatedAt)
		fmt.Printf("%-10s", e.Kind)
		if e.Status != "" {
			fmt.Printf(" status=%s", e.Status)
		}
		if e.Action != "" {
			fmt.Printf(" action=%s", e.Action)
		}
		if e.Actor != "" {
			gray.Printf(" actor=%s", e.Actor)
		}
		fmt.Println()
	}
	return nil
}

func runStats(ctx context.Context) error {
	stats, err := newClient().Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("channels:    %d\n", stats.Channels)
	fmt.Printf("  idle:       %d\n", stats.Idle)
	fmt.Printf("  waiting:    %d\n", stats.Waiting)
	fmt.Printf("  backlogged: %d\n", stats.Backlogged)
	fmt.Printf("pending:     %d\n", stats.Pending)
	return nil
}
