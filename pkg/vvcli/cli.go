// Package vvcli backs the vvctl command: a small client for exercising the
// backend from a shell. Each identity lives in a state file holding the user
// id and the path to its key file; the keypair itself stays in the key file
// with restrictive permissions.
package vvcli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/micksolo/VanishVoice-sub006/device"
	"github.com/micksolo/VanishVoice-sub006/envelope"
)

const (
	defaultStatePath = "vvctl-state.json"
	defaultBaseURL   = "http://localhost:8080"
)

type stateFile struct {
	UserID  string `json:"user_id"`
	BaseURL string `json:"base_url"`
	KeyPath string `json:"key_path"`
}

func RunCLI(prog string, args []string, stderr io.Writer) error {
	if len(args) < 1 {
		return UsageError{Program: prog}
	}
	cmd := args[0]
	rest := args[1:]
	var err error
	switch cmd {
	case "init":
		err = runInit(rest)
	case "send":
		err = runSend(rest)
	case "recv":
		err = runRecv(rest)
	case "listen":
		err = runListen(rest)
	case "clear":
		err = runClear(rest)
	default:
		return UsageError{Program: prog}
	}
	if err != nil {
		if stderr == nil {
			stderr = os.Stderr
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return err
}

type UsageError struct {
	Program string
}

func (u UsageError) Error() string {
	if u.Program == "" {
		u.Program = "vvctl"
	}
	return fmt.Sprintf("Usage: %s <command> [options]", u.Program)
}

func (UsageError) UsageLines() []string {
	return []string{
		"Commands:",
		"  init      Create an identity and publish its key",
		"  send      Encrypt and send a message",
		"  recv      Fetch, decrypt, and consume pending messages",
		"  listen    Stay connected and print messages and lifecycle events",
		"  clear     Clear a conversation for both participants",
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func stateFlag(fs *flag.FlagSet) *string {
	return fs.String("state", getenv("VVCTL_STATE_PATH", defaultStatePath), "state file path")
}

func loadState(path string) (stateFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return stateFile{}, fmt.Errorf("no identity at %s, run init first: %w", path, err)
	}
	var st stateFile
	if err := json.Unmarshal(raw, &st); err != nil {
		return stateFile{}, err
	}
	return st, nil
}

func openDevice(ctx context.Context, st stateFile) (*device.Device, error) {
	userID, err := uuid.Parse(st.UserID)
	if err != nil {
		return nil, fmt.Errorf("bad state file: %w", err)
	}
	return device.New(ctx, userID, &device.FileSecretStore{Path: st.KeyPath}, device.NewClient(st.BaseURL), nil)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statePath := stateFlag(fs)
	baseURL := fs.String("url", getenv("VVCTL_BASE_URL", defaultBaseURL), "backend base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*statePath); err == nil {
		return fmt.Errorf("state file already exists at %s", *statePath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	st := stateFile{
		UserID:  uuid.NewString(),
		BaseURL: *baseURL,
		KeyPath: *statePath + ".keys",
	}
	if _, err := openDevice(context.Background(), st); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(*statePath, raw, 0o600); err != nil {
		return err
	}
	fmt.Printf("identity registered: user=%s\n", st.UserID)
	return nil
}

func parseRule(name string, seconds int64) (envelope.ExpiryRule, error) {
	switch name {
	case "view-once":
		return envelope.ViewOnce(), nil
	case "playback-once":
		return envelope.PlaybackOnce(), nil
	case "read-once":
		return envelope.ReadOnce(), nil
	case "daily":
		return envelope.Daily(), nil
	case "time":
		return envelope.Timed(time.Duration(seconds) * time.Second), nil
	}
	return envelope.ExpiryRule{}, fmt.Errorf("unknown rule %q", name)
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statePath := stateFlag(fs)
	to := fs.String("to", "", "recipient user ID")
	kindName := fs.String("kind", "text", "message kind: text, voice, video")
	ruleName := fs.String("rule", "view-once", "expiry rule: time, view-once, playback-once, read-once, daily")
	seconds := fs.Int64("seconds", 60, "duration for the time rule")
	text := fs.String("text", "", "message text (reads stdin when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := loadState(*statePath)
	if err != nil {
		return err
	}
	recipient, err := uuid.Parse(*to)
	if err != nil {
		return fmt.Errorf("invalid -to: %w", err)
	}
	rule, err := parseRule(*ruleName, *seconds)
	if err != nil {
		return err
	}
	plaintext := []byte(*text)
	if len(plaintext) == 0 {
		plaintext, err = io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		plaintext = []byte(strings.TrimRight(string(plaintext), "\n"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dev, err := openDevice(ctx, st)
	if err != nil {
		return err
	}
	sent, err := dev.Send(ctx, recipient, envelope.Kind(*kindName), plaintext, rule)
	if err != nil {
		return err
	}
	fmt.Printf("sent %s (%s, %s)\n", sent.ID, sent.Kind, sent.ExpiryRule.Type)
	return nil
}

func runRecv(args []string) error {
	fs := flag.NewFlagSet("recv", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statePath := stateFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := loadState(*statePath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dev, err := openDevice(ctx, st)
	if err != nil {
		return err
	}
	envs, err := dev.Fetch(ctx)
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		fmt.Println("no pending messages")
		return nil
	}
	for _, env := range envs {
		plaintext, err := dev.Open(ctx, env.ID)
		if err != nil {
			fmt.Printf("%s from %s: <%v>\n", env.ID, env.SenderID, err)
			continue
		}
		fmt.Printf("%s from %s (%s): %s\n", env.ID, env.SenderID, env.Kind, plaintext)
	}
	return nil
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statePath := stateFlag(fs)
	interval := fs.Duration("interval", 5*time.Second, "poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := loadState(*statePath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	dev, err := openDevice(ctx, st)
	if err != nil {
		return err
	}

	go func() {
		sync := device.NewLifecycleSync(dev, *interval)
		_ = sync.Run(ctx)
	}()

	fmt.Println("listening, ctrl-c to stop")
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			envs, err := dev.Fetch(ctx)
			if err != nil {
				fmt.Printf("fetch: %v\n", err)
				continue
			}
			for _, env := range envs {
				plaintext, err := dev.Open(ctx, env.ID)
				if err != nil {
					fmt.Printf("%s from %s: <%v>\n", env.ID, env.SenderID, err)
					continue
				}
				fmt.Printf("%s from %s (%s): %s\n", env.ID, env.SenderID, env.Kind, plaintext)
			}
		}
	}
}

func runClear(args []string) error {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statePath := stateFlag(fs)
	peer := fs.String("peer", "", "peer user ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := loadState(*statePath)
	if err != nil {
		return err
	}
	peerID, err := uuid.Parse(*peer)
	if err != nil {
		return fmt.Errorf("invalid -peer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dev, err := openDevice(ctx, st)
	if err != nil {
		return err
	}
	if err := dev.Clear(ctx, peerID); err != nil {
		return err
	}
	fmt.Printf("conversation with %s cleared\n", peerID)
	return nil
}
