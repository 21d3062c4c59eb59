package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/session"
	"github.com/omochice/roomchat/pkg/protocol"
)

var errQuit = errors.New("quit")

type commandKind int

const (
	cmdNone commandKind = iota
	cmdSend
	cmdJoin
	cmdQuit
	cmdUnknown
)

type command struct {
	kind commandKind
	arg  string
}

func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return command{kind: cmdNone}
	case line == "/quit" || line == "/exit":
		return command{kind: cmdQuit}
	case strings.HasPrefix(line, "/join"):
		room := strings.TrimSpace(strings.TrimPrefix(line, "/join"))
		if room == "" || strings.ContainsAny(room, " \t") {
			return command{kind: cmdUnknown, arg: line}
		}
		return command{kind: cmdJoin, arg: room}
	case strings.HasPrefix(line, "/"):
		return command{kind: cmdUnknown, arg: line}
	default:
		return command{kind: cmdSend, arg: line}
	}
}

// readLines feeds stdin lines to a channel. The reader goroutine ends at
// EOF; it cannot be interrupted while blocked on the terminal.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// roomSession is the part of the coordinator the prompt drives.
type roomSession interface {
	RequestRoom(ctx context.Context, room string) error
	SendMessage(ctx context.Context, text string) error
}

func prompt(ctx context.Context, out io.Writer, s roomSession, lines <-chan string) error {
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = l
		}

		cmd := parseCommand(line)
		switch cmd.kind {
		case cmdNone:
		case cmdQuit:
			return errQuit
		case cmdJoin:
			if err := s.RequestRoom(ctx, cmd.arg); err != nil {
				fmt.Fprintf(out, "*** cannot join %s: %v\n", cmd.arg, err)
			}
		case cmdSend:
			err := s.SendMessage(ctx, cmd.arg)
			var nerr *session.NotActiveError
			switch {
			case errors.As(err, &nerr):
				fmt.Fprintf(out, "*** not in a room (%s), use /join <room>\n", nerr.State)
			case err != nil:
				fmt.Fprintf(out, "*** failed to send message: %v\n", err)
			}
		default:
			fmt.Fprintf(out, "*** unknown command %q, use /join <room> or /quit\n", cmd.arg)
		}
	}
}

// render prints state changes and every message it has not printed yet for
// the current room.
func render(ctx context.Context, out io.Writer, snapshots <-chan session.Snapshot) {
	var (
		lastState = session.StateIdle
		lastRoom  string
		seen      = make(map[string]bool)
	)
	for {
		var snap session.Snapshot
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snapshots:
			if !ok {
				return
			}
			snap = s
		}

		if snap.Room != lastRoom {
			lastRoom = snap.Room
			clear(seen)
		}
		if snap.State != lastState {
			lastState = snap.State
			if line := describe(snap); line != "" {
				fmt.Fprintln(out, line)
			}
		}
		for _, m := range snap.Messages {
			key := messageKey(m)
			if seen[key] {
				continue
			}
			seen[key] = true
			fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.Sender.Username, m.Text)
		}
	}
}

func messageKey(m protocol.Message) string {
	if m.ID != "" {
		return string(m.ID)
	}
	return m.CreatedAt.String() + "\x00" + m.Sender.Username + "\x00" + m.Text
}

func describe(snap session.Snapshot) string {
	switch snap.State {
	case session.StateAwaitingConnection:
		return "*** connecting..."
	case session.StateJoiningRoom:
		return fmt.Sprintf("*** joining room %s...", snap.Room)
	case session.StateActive:
		return fmt.Sprintf("*** entered room %s", snap.Room)
	case session.StateTimedOut:
		var (
			cerr *client.ConnectionError
			terr *session.JoinTimeoutError
		)
		switch {
		case errors.As(snap.Err, &cerr):
			return fmt.Sprintf("*** could not connect to server: %v", cerr.Err)
		case errors.As(snap.Err, &terr):
			return fmt.Sprintf("*** timed out joining room %s, try /join %s again", terr.Room, terr.Room)
		default:
			return fmt.Sprintf("*** could not join room %s: %v", snap.Room, snap.Err)
		}
	case session.StateClosed:
		return "*** session closed"
	default:
		return ""
	}
}
