//go:build windows

package main

import "context"

// watchResize is a no-op: Windows consoles have no resize signal.
func watchResize(context.Context, int, *sessionConn, string) {}
