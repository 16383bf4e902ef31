// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// callcli is a terminal voice-call client against a relay daemon. It exists
// for manual end-to-end testing of the signaling and media path without the
// mobile app.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pairtime/voicecall/internal/call"
	"github.com/pairtime/voicecall/internal/rtc"
	"github.com/pairtime/voicecall/internal/transport"
)

func main() {
	relayURL := flag.String("relay", envOr("RELAY_URL", "http://localhost:8080"), "relay base URL")
	userID := flag.String("user", envOr("USER_ID", ""), "local user ID")
	name := flag.String("name", envOr("DISPLAY_NAME", ""), "display name shown to the remote party")
	stun := flag.String("stun", envOr("STUN_URL", ""), "STUN server URL")
	turn := flag.String("turn", envOr("TURN_URL", ""), "TURN server URL")
	turnUser := flag.String("turn-user", envOr("TURN_USERNAME", ""), "TURN username")
	turnPass := flag.String("turn-pass", envOr("TURN_CREDENTIAL", ""), "TURN credential")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: callcli -user <id> [-relay <url>]")
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(*relayURL, *userID, *name, rtc.Config{
		STUNURLs:       splitNonEmpty(*stun),
		TURNURL:        *turn,
		TURNUsername:   *turnUser,
		TURNCredential: *turnPass,
	}, log); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(relayURL, userID, name string, iceCfg rtc.Config, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	token, err := fetchToken(ctx, relayURL, userID)
	cancel()
	if err != nil {
		return fmt.Errorf("authenticate with relay: %w", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	client, err := transport.Dial(ctx, transport.Config{
		URL:    relayURL,
		Token:  token,
		SelfID: userID,
		Logger: log,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer client.Close()

	engine, err := rtc.NewEngine(iceCfg, log)
	if err != nil {
		return fmt.Errorf("set up media engine: %w", err)
	}

	mgr, err := call.NewManager(call.Config{
		SelfID:    userID,
		SelfName:  name,
		Transport: client,
		Media:     engine,
		Connector: engine,
		OnChange:  printSnapshot,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("create call manager: %w", err)
	}
	defer mgr.Close()

	fmt.Printf("connected as %s, commands: call <id>, accept, reject, hangup, mute, status, quit\n", userID)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "call":
			if len(fields) < 2 {
				fmt.Println("usage: call <id>")
				continue
			}
			if err := mgr.StartCall(fields[1], name); err != nil {
				fmt.Println("cannot call:", err)
			}
		case "accept":
			if err := mgr.AcceptCall(); err != nil {
				fmt.Println("cannot accept:", err)
			}
		case "reject":
			if err := mgr.RejectCall(); err != nil {
				fmt.Println("cannot reject:", err)
			}
		case "hangup":
			mgr.HangUp()
		case "mute":
			if mgr.ToggleMute() {
				fmt.Println("muted")
			} else {
				fmt.Println("unmuted")
			}
		case "status":
			printSnapshot(mgr.Snapshot())
			if tr := mgr.RemoteAudio(); tr != nil {
				fmt.Printf("  remote audio: %s (flowing: %t)\n", tr.ID(), tr.Active(2*time.Second))
			}
		case "quit", "exit":
			return nil
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
	return scanner.Err()
}

func printSnapshot(s call.Snapshot) {
	line := fmt.Sprintf("[%s]", s.Phase)
	if s.RemoteID != "" {
		who := s.RemoteID
		if s.RemoteName != "" {
			who = fmt.Sprintf("%s (%s)", s.RemoteName, s.RemoteID)
		}
		line += " with " + who
	}
	if s.Muted {
		line += " muted"
	}
	if s.Err != nil {
		line += " - " + s.Err.Error()
	}
	fmt.Println(line)
}

func fetchToken(ctx context.Context, relayURL, userID string) (string, error) {
	body, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(relayURL, "/") + "/api/auth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("relay returned an empty token")
	}
	return out.Token, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
