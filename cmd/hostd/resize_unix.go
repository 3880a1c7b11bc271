//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/splax/hostd/internal/service/session"
)

// watchResize forwards terminal size changes.
func watchResize(ctx context.Context, fd int, conn *sessionConn, projectID string) {
	if !term.IsTerminal(fd) {
		return
	}
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-winch:
			cols, rows, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			if err := conn.send(session.ClientFrame{Type: session.FrameResize, ProjectID: projectID, Cols: uint(cols), Rows: uint(rows)}); err != nil {
				return
			}
		}
	}
}
