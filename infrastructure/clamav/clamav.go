// Package clamav adapts the ClamAV daemon (and the clamscan binary as a
// fallback) to the scanner contract.
package clamav

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"ingest-lab/contract"
	"ingest-lab/domain"
)

const (
	defaultTimeout = 30 * time.Second
	streamFrameLen = 32 << 10
)

// ClamdScanner speaks the clamd TCP text protocol: null-terminated commands,
// INSTREAM bodies framed as 4-byte big-endian length prefixes.
type ClamdScanner struct {
	addr    string
	timeout time.Duration
	log     *slog.Logger
	dialer  net.Dialer
}

var _ contract.Scanner = (*ClamdScanner)(nil)

func NewClamdScanner(addr string, log *slog.Logger) *ClamdScanner {
	return &ClamdScanner{addr: addr, timeout: defaultTimeout, log: log}
}

func (s *ClamdScanner) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	conn, err := s.dialer.DialContext(dialCtx, "tcp", s.addr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(s.timeout))
	return conn, nil
}

func (s *ClamdScanner) Ping(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("zPING\x00")); err != nil {
		return err
	}
	reply, err := readReply(conn)
	if err != nil {
		return err
	}
	if reply != "PONG" {
		return fmt.Errorf("clamd ping: unexpected reply %q", reply)
	}
	return nil
}

func (s *ClamdScanner) Scan(ctx context.Context, path string) (domain.ScanVerdict, error) {
	file, err := os.Open(path)
	if err != nil {
		return domain.ScanVerdict{}, err
	}
	defer file.Close()

	conn, err := s.dial(ctx)
	if err != nil {
		return domain.ScanVerdict{}, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return domain.ScanVerdict{}, err
	}

	frame := make([]byte, streamFrameLen)
	var prefix [4]byte
	for {
		if err := ctx.Err(); err != nil {
			return domain.ScanVerdict{}, err
		}
		n, readErr := file.Read(frame)
		if n > 0 {
			binary.BigEndian.PutUint32(prefix[:], uint32(n))
			if _, err := conn.Write(prefix[:]); err != nil {
				return domain.ScanVerdict{}, err
			}
			if _, err := conn.Write(frame[:n]); err != nil {
				return domain.ScanVerdict{}, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return domain.ScanVerdict{}, readErr
		}
	}
	// Zero-length frame closes the stream.
	binary.BigEndian.PutUint32(prefix[:], 0)
	if _, err := conn.Write(prefix[:]); err != nil {
		return domain.ScanVerdict{}, err
	}

	reply, err := readReply(conn)
	if err != nil {
		return domain.ScanVerdict{}, err
	}
	return parseVerdict(reply)
}

// readReply consumes one null- or newline-terminated clamd response.
func readReply(conn net.Conn) (string, error) {
	raw, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(strings.TrimSpace(raw), "\x00"), nil
}

// parseVerdict maps "stream: OK" / "stream: <sig> FOUND" style replies.
func parseVerdict(reply string) (domain.ScanVerdict, error) {
	body := reply
	if _, after, found := strings.Cut(reply, ":"); found {
		body = strings.TrimSpace(after)
	}
	switch {
	case body == "OK":
		return domain.ScanVerdict{Clean: true}, nil
	case strings.HasSuffix(body, "FOUND"):
		signature := strings.TrimSpace(strings.TrimSuffix(body, "FOUND"))
		return domain.ScanVerdict{Clean: false, Signature: signature}, nil
	default:
		return domain.ScanVerdict{}, fmt.Errorf("clamd scan: unexpected reply %q", reply)
	}
}

// ClamscanScanner shells out to the clamscan binary. Exit code 0 means
// clean, 1 means infected with the signature on stdout.
type ClamscanScanner struct {
	bin string
	log *slog.Logger
}

var _ contract.Scanner = (*ClamscanScanner)(nil)

func NewClamscanScanner(bin string, log *slog.Logger) *ClamscanScanner {
	return &ClamscanScanner{bin: bin, log: log}
}

func (s *ClamscanScanner) Ping(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, s.bin, "--version").Output()
	if err != nil {
		return fmt.Errorf("clamscan unavailable: %w", err)
	}
	s.log.Debug("Clamscan version probe", "version", strings.TrimSpace(string(out)))
	return nil
}

func (s *ClamscanScanner) Scan(ctx context.Context, path string) (domain.ScanVerdict, error) {
	out, err := exec.CommandContext(ctx, s.bin, "--no-summary", path).Output()
	if err == nil {
		return domain.ScanVerdict{Clean: true}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return domain.ScanVerdict{Clean: false, Signature: parseClamscanSignature(string(out))}, nil
	}
	return domain.ScanVerdict{}, fmt.Errorf("clamscan %s: %w", path, err)
}

func parseClamscanSignature(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if verdict, err := parseVerdict(strings.TrimSpace(line)); err == nil && !verdict.Clean {
			return verdict.Signature
		}
	}
	return "unknown"
}

// FallbackScanner prefers the daemon and degrades to the binary when the
// daemon cannot be reached.
type FallbackScanner struct {
	primary  contract.Scanner
	fallback contract.Scanner
	log      *slog.Logger
}

var _ contract.Scanner = (*FallbackScanner)(nil)

// NewScanner wires the configured backends: clamd when an address is set,
// clamscan when a binary is set, daemon-first when both are.
func NewScanner(clamdAddr, clamscanBin string, log *slog.Logger) contract.Scanner {
	switch {
	case clamdAddr != "" && clamscanBin != "":
		return &FallbackScanner{
			primary:  NewClamdScanner(clamdAddr, log),
			fallback: NewClamscanScanner(clamscanBin, log),
			log:      log,
		}
	case clamdAddr != "":
		return NewClamdScanner(clamdAddr, log)
	default:
		return NewClamscanScanner(clamscanBin, log)
	}
}

func (s *FallbackScanner) Ping(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err == nil {
		return nil
	}
	return s.fallback.Ping(ctx)
}

func (s *FallbackScanner) Scan(ctx context.Context, path string) (domain.ScanVerdict, error) {
	if err := s.primary.Ping(ctx); err == nil {
		return s.primary.Scan(ctx, path)
	}
	s.log.Warn("Clamd unreachable, falling back to clamscan", "path", path)
	return s.fallback.Scan(ctx, path)
}
