package ports

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/splax/hostd/internal/runner"
)

// tcpListen is the socket state code for LISTEN in /proc/net/tcp.
const tcpListen = "0A"

// ProcListeners reads listening TCP sockets from procfs, falling back to
// `ss` when procfs is unavailable.
type ProcListeners struct {
	root   string
	runner runner.Runner
}

// NewProcListeners returns a listener source rooted at /proc.
func NewProcListeners(r runner.Runner) *ProcListeners {
	return &ProcListeners{root: "/proc", runner: r}
}

// ListeningPorts returns the sorted set of locally bound TCP ports.
func (p *ProcListeners) ListeningPorts(ctx context.Context) ([]int, error) {
	var ports []int
	found := false
	for _, name := range []string{"net/tcp", "net/tcp6"} {
		f, err := os.Open(filepath.Join(p.root, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		parsed, err := parseProcNet(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		found = true
		ports = append(ports, parsed...)
	}
	if !found {
		if p.runner == nil {
			return nil, fmt.Errorf("no listener source available")
		}
		return p.fromSS(ctx)
	}
	ports = lo.Uniq(ports)
	sort.Ints(ports)
	return ports, nil
}

func (p *ProcListeners) fromSS(ctx context.Context) ([]int, error) {
	res, err := p.runner.Run(ctx, runner.Command{Name: "ss", Args: []string{"-Htln"}, Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("list listeners: %w", err)
	}
	ports := parseSS(res.Stdout)
	sort.Ints(ports)
	return ports, nil
}

// parseProcNet extracts LISTEN ports from the /proc/net/tcp table format.
func parseProcNet(r io.Reader) ([]int, error) {
	scanner := bufio.NewScanner(r)
	var ports []int
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[3] != tcpListen {
			continue
		}
		idx := strings.LastIndexByte(fields[1], ':')
		if idx < 0 {
			continue
		}
		port, err := strconv.ParseUint(fields[1][idx+1:], 16, 16)
		if err != nil {
			continue
		}
		ports = append(ports, int(port))
	}
	return ports, scanner.Err()
}

// parseSS extracts ports from `ss -Htln` output, whose fourth column is the
// local address.
func parseSS(out string) []int {
	var ports []int
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		local := fields[3]
		idx := strings.LastIndexByte(local, ':')
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(local[idx+1:])
		if err != nil {
			continue
		}
		ports = append(ports, port)
	}
	return lo.Uniq(ports)
}
