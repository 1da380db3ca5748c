// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/alecthomas/chroma/v2/quick"

	"github.com/bureau-foundation/pairspace/awareness"
	"github.com/bureau-foundation/pairspace/media"
	"github.com/bureau-foundation/pairspace/oplog"
	"github.com/bureau-foundation/pairspace/reconciler"
	"github.com/bureau-foundation/pairspace/session"
)

// errQuit ends the console loop.
var errQuit = errors.New("quit")

const consoleHelp = `Lines without a leading slash are appended to the document.

  /insert <pos> <text>     insert text at a rune offset
  /delete <pos> <count>    delete count runes at a rune offset
  /cursor <line> <column>  move the shared cursor
  /show                    print the document
  /switch <language>       open another document of the session
  /who                     list everyone on this document
  /members                 list the session roster
  /say <text>              send a chat message
  /history [n]             print the last n chat messages
  /exec [stdin]            run the document in the sandbox
  /audio, /video           toggle a media track
  /retry                   rejoin a failed conference
  /quit                    leave the session
`

// console drives a Coordinator from line-oriented input and prints
// what the feeds report.
type console struct {
	coordinator *session.Coordinator

	// mu serializes writes to out between command output and the
	// watch loop.
	mu  sync.Mutex
	out io.Writer

	// highlight renders documents with ANSI syntax colors.
	highlight bool

	// peers is the latest awareness snapshot, for /who.
	peers []awareness.State
}

func newConsole(coordinator *session.Coordinator, out io.Writer, highlight bool) *console {
	return &console{coordinator: coordinator, out: out, highlight: highlight}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run reads commands from in until EOF, /quit, or ctx ends.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := c.execute(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				c.printf("! %v\n", err)
			}
		}
	}
}

// execute runs one console line.
func (c *console) execute(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		document, err := c.coordinator.Snapshot()
		if err != nil {
			return err
		}
		return c.coordinator.ApplyEdit(oplog.Edit{
			Position: utf8.RuneCountInString(document.Text),
			Insert:   line + "\n",
		})
	}

	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	switch name {
	case "help":
		c.printf("%s", consoleHelp)
	case "quit", "exit":
		return errQuit
	case "insert":
		positionText, text, found := strings.Cut(rest, " ")
		if !found {
			return fmt.Errorf("usage: /insert <pos> <text>")
		}
		position, err := strconv.Atoi(positionText)
		if err != nil {
			return fmt.Errorf("position: %w", err)
		}
		return c.coordinator.ApplyEdit(oplog.Edit{Position: position, Insert: text})
	case "delete":
		numbers, err := parseInts(rest, 2, "/delete <pos> <count>")
		if err != nil {
			return err
		}
		return c.coordinator.ApplyEdit(oplog.Edit{Position: numbers[0], Delete: numbers[1]})
	case "cursor":
		numbers, err := parseInts(rest, 2, "/cursor <line> <column>")
		if err != nil {
			return err
		}
		return c.coordinator.SetCursor(awareness.Cursor{Line: numbers[0], Column: numbers[1]})
	case "show":
		document, err := c.coordinator.Snapshot()
		if err != nil {
			return err
		}
		c.printDocument(document)
	case "switch":
		return c.coordinator.SwitchDocument(strings.TrimSpace(rest))
	case "who":
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, peer := range c.peers {
			fmt.Fprintf(c.out, "  %s\n", describePeer(peer))
		}
	case "members":
		members, err := c.coordinator.Roster(ctx)
		if err != nil {
			return err
		}
		for _, member := range members {
			c.printf("  %s (%s)\n", member.Name(), member.ID)
		}
	case "say":
		message, err := c.coordinator.SendChat(ctx, rest)
		if err != nil {
			return err
		}
		c.printf("[chat] %s: %s\n", message.AuthorName, message.Text)
	case "history":
		limit := 20
		if rest = strings.TrimSpace(rest); rest != "" {
			parsed, err := strconv.Atoi(rest)
			if err != nil {
				return fmt.Errorf("usage: /history [n]")
			}
			limit = parsed
		}
		messages, err := c.coordinator.ChatHistory(ctx, limit)
		if err != nil {
			return err
		}
		for _, message := range messages {
			c.printf("[chat %s] %s: %s\n", message.SentAt.Format("15:04:05"), message.AuthorName, message.Text)
		}
	case "exec":
		result, err := c.coordinator.Execute(ctx, rest)
		if err != nil {
			return err
		}
		c.printf("%s\n-- %s, %s, %d KB\n", strings.TrimSuffix(result.Output, "\n"), result.Status, result.Time, result.MemoryKB)
	case "audio":
		return c.coordinator.ToggleTrack(media.Audio)
	case "video":
		return c.coordinator.ToggleTrack(media.Video)
	case "retry":
		return c.coordinator.RetryMedia()
	default:
		return fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return nil
}

func parseInts(text string, count int, usage string) ([]int, error) {
	fields := strings.Fields(text)
	if len(fields) != count {
		return nil, fmt.Errorf("usage: %s", usage)
	}
	numbers := make([]int, count)
	for i, field := range fields {
		number, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("usage: %s", usage)
		}
		numbers[i] = number
	}
	return numbers, nil
}

// watch prints feed changes until ctx ends or the Coordinator closes.
func (c *console) watch(ctx context.Context) {
	documents := c.coordinator.DocumentChanged()
	defer documents.Close()
	statuses := c.coordinator.ConnectionStatusChanged()
	defer statuses.Close()
	presence := c.coordinator.AwarenessChanged()
	defer presence.Close()
	mediaStatuses := c.coordinator.MediaStatusChanged()
	defer mediaStatuses.Close()
	trackErrors := c.coordinator.TrackErrors()
	defer trackErrors.Close()
	tracks := c.coordinator.TrackRosterChanged()
	defer tracks.Close()

	var lastText string
	lastState := reconciler.State(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case document, ok := <-documents.C:
			if !ok {
				return
			}
			if document.Session != "" && document.Text != lastText {
				lastText = document.Text
				c.printDocument(document)
			}
		case status, ok := <-statuses.C:
			if !ok {
				return
			}
			if status.State == lastState {
				continue
			}
			lastState = status.State
			if status.Err != nil {
				c.printf("[sync] %s (attempt %d): %v\n", status.State, status.Attempt, status.Err)
			} else {
				c.printf("[sync] %s\n", status.State)
			}
		case states, ok := <-presence.C:
			if !ok {
				return
			}
			c.mu.Lock()
			joined, left := diffPeers(c.peers, states)
			c.peers = states
			for _, peer := range joined {
				fmt.Fprintf(c.out, "[presence] %s is here\n", peer.DisplayName)
			}
			for _, peer := range left {
				fmt.Fprintf(c.out, "[presence] %s left\n", peer.DisplayName)
			}
			c.mu.Unlock()
		case status, ok := <-mediaStatuses.C:
			if !ok {
				return
			}
			if status.Err != nil {
				c.printf("[media] %s: %v\n", status.State, status.Err)
			} else {
				c.printf("[media] %s\n", status.State)
			}
		case trackErr, ok := <-trackErrors.C:
			if !ok {
				return
			}
			c.printf("[media] %v\n", &trackErr)
		case trackRoster, ok := <-tracks.C:
			if !ok {
				return
			}
			for _, track := range trackRoster.Tracks {
				c.printf("[media] %s %s enabled=%t\n", track.Owner, track.Kind, track.Enabled)
			}
		}
	}
}

func (c *console) printDocument(document session.Document) {
	c.printf("--- %s/%s\n%s\n---\n", document.Session, document.Language, c.render(document))
}

// render returns the document text, syntax-highlighted when enabled.
// Languages the highlighter does not know are printed plain.
func (c *console) render(document session.Document) string {
	text := strings.TrimSuffix(document.Text, "\n")
	if !c.highlight {
		return text
	}
	var buffer strings.Builder
	if err := quick.Highlight(&buffer, text, document.Language, "terminal256", "monokai"); err != nil {
		return text
	}
	return strings.TrimSuffix(buffer.String(), "\n")
}

// diffPeers reports remote replicas present only in next (joined) and
// only in previous (left).
func diffPeers(previous, next []awareness.State) (joined, left []awareness.State) {
	seen := make(map[string]bool, len(previous))
	for _, state := range previous {
		seen[state.Replica] = true
	}
	current := make(map[string]bool, len(next))
	for _, state := range next {
		current[state.Replica] = true
		if !state.Local && !seen[state.Replica] {
			joined = append(joined, state)
		}
	}
	for _, state := range previous {
		if !state.Local && !current[state.Replica] {
			left = append(left, state)
		}
	}
	return joined, left
}

func describePeer(state awareness.State) string {
	var builder strings.Builder
	builder.WriteString(state.DisplayName)
	if state.Local {
		builder.WriteString(" (you)")
	}
	builder.WriteString(" " + state.Color)
	if state.Cursor != nil {
		fmt.Fprintf(&builder, " at %d:%d", state.Cursor.Line, state.Cursor.Column)
	}
	if state.Editing {
		builder.WriteString(" editing")
	}
	return builder.String()
}
