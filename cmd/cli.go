package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/fzft/asyncsock/config"
	"github.com/fzft/asyncsock/log"
	"github.com/fzft/asyncsock/poll"
	"github.com/fzft/asyncsock/sock"
	"github.com/fzft/asyncsock/transport"
	"github.com/peterh/liner"
	"go.uber.org/zap"
)

var (
	CliHisFileEnv = "ASOCK_HISTFILE"

	// DefaultRecvSize is the buffer used by "recv" without an argument.
	DefaultRecvSize = 4096
)

var errQuit = errors.New("quit")

// Cli drives one connection handle at a time, either from a prompt or from
// a pipe.
type Cli struct {
	cfg    config.Config
	tr     transport.Transport
	svc    *poll.Service
	out    io.Writer
	conn   *sock.Conn
	remote transport.Endpoint
	prompt string
}

func NewCli(cfg config.Config, tr transport.Transport, svc *poll.Service, out io.Writer) *Cli {
	cli := &Cli{cfg: cfg, tr: tr, svc: svc, out: out}
	cli.refreshPrompt()
	return cli
}

// Connect replaces the current connection with a new one to host:port.
func (cli *Cli) Connect(ctx context.Context, host string, port int) error {
	ep, err := resolve(ctx, host, port)
	if err != nil {
		return err
	}
	if err := cli.Close(); err != nil {
		log.Logger.Warn("closing previous connection", zap.Error(err))
	}

	family := transport.FamilyOf(ep)
	if cli.cfg.IPv6 {
		family = transport.IPv6
	}
	conn := sock.New(cli.svc, cli.tr, sock.WithFamily(family), sock.WithLogger(log.Logger))
	if err := conn.Open(); err != nil {
		return err
	}
	if err := conn.Connect(ep); err != nil {
		_ = conn.Close()
		return err
	}
	cli.conn = conn
	cli.remote = ep
	cli.refreshPrompt()
	return nil
}

// Close closes the current connection, if any.
func (cli *Cli) Close() error {
	if cli.conn == nil {
		return nil
	}
	err := cli.conn.Close()
	cli.conn = nil
	cli.remote = transport.Endpoint{}
	cli.refreshPrompt()
	return err
}

// Exec runs one command line.
func (cli *Cli) Exec(ctx context.Context, line string) error {
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return nil
	}

	switch strings.ToLower(argv[0]) {
	case "quit", "exit":
		return errQuit
	case "help":
		cli.usage()
		return nil
	case "connect":
		if len(argv) != 3 {
			return errors.New("usage: connect <host> <port>")
		}
		port, err := strconv.Atoi(argv[2])
		if err != nil {
			return fmt.Errorf("invalid port number %q", argv[2])
		}
		if err := cli.Connect(ctx, argv[1], port); err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "connected to %s\n", cli.remote)
		return nil
	case "send":
		conn, err := cli.connected()
		if err != nil {
			return err
		}
		text := strings.TrimSpace(strings.TrimSpace(line)[len(argv[0]):])
		n, err := conn.Write([]byte(text + "\n"))
		if err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "(sent %d bytes)\n", n)
		return nil
	case "recv":
		conn, err := cli.connected()
		if err != nil {
			return err
		}
		size := DefaultRecvSize
		if len(argv) > 1 {
			if size, err = strconv.Atoi(argv[1]); err != nil || size <= 0 {
				return fmt.Errorf("invalid size %q", argv[1])
			}
		}
		buf := make([]byte, size)
		n, err := conn.ReadSome(buf)
		if err != nil {
			return err
		}
		if n == 0 && conn.EOF() {
			fmt.Fprintln(cli.out, "(end of stream)")
			return nil
		}
		fmt.Fprintf(cli.out, "%q\n", buf[:n])
		return nil
	case "close":
		return cli.Close()
	case "info":
		cli.info()
		return nil
	default:
		return fmt.Errorf("unknown command %q, try help", argv[0])
	}
}

// Repl reads commands from the terminal until quit or Ctrl-D.
func (cli *Cli) Repl(ctx context.Context) error {
	line := NewLineNoise()
	defer line.Close()

	historyFile := getDotfilePath(CliHisFileEnv, cli.cfg.HistoryFile)
	if historyFile != "" {
		_ = line.HistoryLoad(historyFile)
	}

	for {
		input, err := line.Prompt(cli.prompt)
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line.AppendHistory(input)
		if historyFile != "" {
			if err := line.HistorySave(historyFile); err != nil {
				log.Logger.Debug("saving history", zap.Error(err))
			}
		}

		if strings.EqualFold(strings.TrimSpace(input), "clear") {
			_ = line.ClearScreen(cli.out)
			continue
		}

		switch err := cli.Exec(ctx, input); {
		case err == errQuit:
			return nil
		case err != nil:
			fmt.Fprintf(cli.out, "(error) %v\n", err)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (cli *Cli) connected() (*sock.Conn, error) {
	if cli.conn == nil {
		return nil, errors.New("not connected, use connect <host> <port>")
	}
	return cli.conn, nil
}

func (cli *Cli) info() {
	if cli.conn == nil {
		fmt.Fprintln(cli.out, "state: not connected")
	} else {
		fmt.Fprintf(cli.out, "state: %s\nfd: %d\neof: %t\n", cli.conn.State(), cli.conn.Descriptor(), cli.conn.EOF())
		if ep, err := cli.conn.LocalEndpoint(); err == nil {
			fmt.Fprintf(cli.out, "local: %s\n", ep)
		}
		if ep, err := cli.conn.RemoteEndpoint(); err == nil {
			fmt.Fprintf(cli.out, "remote: %s\n", ep)
		}
	}
	reads, writes := cli.svc.Pending()
	fmt.Fprintf(cli.out, "pending: %d reads, %d writes\n", reads, writes)
}

func (cli *Cli) usage() {
	fmt.Fprint(cli.out, `connect <host> <port>  open a connection, replacing the current one
send <text>            send text followed by a newline
recv [size]            wait for and print up to size bytes
close                  close the connection
info                   show connection state
clear                  clear the screen
quit                   leave
`)
}

func (cli *Cli) refreshPrompt() {
	if cli.conn == nil {
		cli.prompt = "not connected> "
		return
	}
	cli.prompt = fmt.Sprintf("%s> ", cli.remote)
}

// resolve looks host up, preferring an IPv4 address.
func resolve(ctx context.Context, host string, port int) (transport.Endpoint, error) {
	if port <= 0 || port > 65535 {
		return transport.Endpoint{}, fmt.Errorf("invalid port number %d", port)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return transport.NormalizeEndpoint(netip.AddrPortFrom(addr, uint16(port))), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return transport.Endpoint{}, err
	}
	if len(addrs) == 0 {
		return transport.Endpoint{}, fmt.Errorf("no address for %s", host)
	}
	best := addrs[0]
	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			best = addr
			break
		}
	}
	return transport.NormalizeEndpoint(netip.AddrPortFrom(best, uint16(port))), nil
}

func getDotfilePath(envOverride, dotFilename string) string {
	path := os.Getenv(envOverride)
	if path != "" {
		if path == "/dev/null" {
			return ""
		}
		return path
	}
	if dotFilename == "" || strings.HasPrefix(dotFilename, "/") {
		return dotFilename
	}
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", home, dotFilename)
}
