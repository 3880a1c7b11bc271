package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/splax/hostd/internal/container"
	"github.com/splax/hostd/internal/service/session"
)

const dialTimeout = 10 * time.Second

// sessionConn serializes writes on a streaming connection.
type sessionConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *sessionConn) send(frame session.ClientFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *sessionConn) close() {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	_ = c.conn.Close()
}

// errSessionFailed reports a server-side error frame.
var errSessionFailed = errors.New("session failed")

func openSession(cmd *cobra.Command, opts *clientOptions, path string) (*sessionConn, error) {
	client, err := opts.client()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
	defer cancel()
	conn, err := client.DialSession(ctx, path)
	if err != nil {
		return nil, err
	}
	return &sessionConn{conn: conn}, nil
}

// readFrames decodes server frames until the connection closes or handle
// returns done.
func readFrames(conn *websocket.Conn, handle func(session.ServerFrame) (bool, error)) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var frame session.ServerFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		done, err := handle(frame)
		if err != nil || done {
			return err
		}
	}
}

func newLogsCommand(opts *clientOptions) *cobra.Command {
	var options session.LogOptions
	cmd := &cobra.Command{
		Use:   "logs <project-id>",
		Short: "Follow the container logs of a running project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			conn, err := openSession(cmd, opts, "/ws/logs")
			if err != nil {
				return err
			}
			defer conn.close()

			raw, err := json.Marshal(options)
			if err != nil {
				return err
			}
			if err := conn.send(session.ClientFrame{Type: session.FrameStart, ProjectID: projectID, Options: raw}); err != nil {
				return fmt.Errorf("start log session: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				_ = conn.send(session.ClientFrame{Type: session.FrameStop, ProjectID: projectID})
			}()

			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()
			return readFrames(conn.conn, func(frame session.ServerFrame) (bool, error) {
				switch frame.Type {
				case session.FrameLog:
					printLogLine(out, frame.Data)
				case session.FrameWarning:
					fmt.Fprintf(errOut, "warning: %s\n", frame.Message)
				case session.FrameError:
					fmt.Fprintf(errOut, "error: %s (%s)\n", frame.Message, frame.Code)
					return true, errSessionFailed
				case session.FrameStreamEnd:
					fmt.Fprintln(errOut, "log stream ended")
				case session.FrameSessionEnd:
					return true, nil
				}
				return false, nil
			})
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&options.Tail, "tail", 0, "number of past lines to replay")
	flags.StringVar(&options.Since, "since", "", "replay lines newer than this timestamp or duration")
	flags.StringVar(&options.Level, "level", "", "only lines containing this level, case-insensitive")
	flags.StringVar(&options.Keyword, "grep", "", "only lines containing this keyword")
	flags.StringVar(&options.Stream, "stream", "", "only stdout or stderr")
	return cmd
}

// printLogLine re-decodes the generic data payload of a log frame.
func printLogLine(w io.Writer, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	var line container.LogLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return
	}
	stamp := ""
	if !line.Timestamp.IsZero() {
		stamp = line.Timestamp.Local().Format(time.TimeOnly) + " "
	}
	fmt.Fprintf(w, "%s[%s] %s\n", stamp, line.Stream, line.Message)
}

func newConsoleCommand(opts *clientOptions) *cobra.Command {
	var shell string
	cmd := &cobra.Command{
		Use:   "console <project-id>",
		Short: "Open an interactive shell in a running project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			conn, err := openSession(cmd, opts, "/ws/console")
			if err != nil {
				return err
			}
			defer conn.close()

			start := session.ConsoleOptions{Shell: shell}
			fd := int(os.Stdin.Fd())
			if term.IsTerminal(fd) {
				if cols, rows, err := term.GetSize(fd); err == nil {
					start.Cols, start.Rows = uint(cols), uint(rows)
				}
				state, err := term.MakeRaw(fd)
				if err != nil {
					return fmt.Errorf("raw terminal: %w", err)
				}
				defer func() { _ = term.Restore(fd, state) }()
			}
			raw, err := json.Marshal(start)
			if err != nil {
				return err
			}
			if err := conn.send(session.ClientFrame{Type: session.FrameStart, ProjectID: projectID, Options: raw}); err != nil {
				return fmt.Errorf("start console session: %w", err)
			}

			go pumpInput(cmd.InOrStdin(), conn, projectID)
			go watchResize(cmd.Context(), fd, conn, projectID)

			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()
			return readFrames(conn.conn, func(frame session.ServerFrame) (bool, error) {
				switch frame.Type {
				case session.FrameOutput:
					if text, ok := frame.Data.(string); ok {
						_, _ = io.WriteString(out, text)
					}
				case session.FrameWarning:
					fmt.Fprintf(errOut, "\r\nwarning: %s\r\n", frame.Message)
				case session.FrameError:
					fmt.Fprintf(errOut, "\r\nerror: %s (%s)\r\n", frame.Message, frame.Code)
					return true, errSessionFailed
				case session.FrameSessionEnd:
					return true, nil
				}
				return false, nil
			})
		},
	}
	cmd.Flags().StringVar(&shell, "shell", "", "shell to run (default /bin/sh)")
	return cmd
}

// pumpInput forwards stdin to the console until stdin closes, then stops
// the session.
func pumpInput(in io.Reader, conn *sessionConn, projectID string) {
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if serr := conn.send(session.ClientFrame{Type: session.FrameInput, ProjectID: projectID, Data: string(buf[:n])}); serr != nil {
				return
			}
		}
		if err != nil {
			_ = conn.send(session.ClientFrame{Type: session.FrameStop, ProjectID: projectID})
			return
		}
	}
}
