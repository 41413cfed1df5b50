package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/fzft/asyncsock/config"
	"github.com/fzft/asyncsock/log"
	"github.com/fzft/asyncsock/poll"
	"github.com/fzft/asyncsock/sock"
	"github.com/fzft/asyncsock/transport"
	"github.com/fzft/asyncsock/transport/memory"
	"github.com/fzft/asyncsock/transport/unixsock"
	"github.com/mattn/go-isatty"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options are the command line settings. Zero values fall back to the
// configuration file.
type Options struct {
	ConfigPath string
	Host       string
	Port       int
	Transport  string
	LogLevel   string
	IPv6       bool

	Stdin  *os.File
	Stdout io.Writer
}

// Run starts a poll service on the configured transport and then either
// opens a prompt (stdin is a terminal) or pipes stdin to host:port.
func Run(ctx context.Context, opts Options) (err error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Transport != "" {
		cfg.Transport = opts.Transport
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.IPv6 {
		cfg.IPv6 = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := log.InitLogger(cfg.LogLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	tr, err := newTransport(ctx, cfg, opts)
	if err != nil {
		return err
	}
	mux, err := tr.NewMultiplexer()
	if err != nil {
		return fmt.Errorf("create multiplexer: %w", err)
	}

	svc := poll.NewService(mux, poll.WithInterval(cfg.PollInterval), poll.WithLogger(log.Logger))
	if err := svc.Start(ctx); err != nil {
		return multierr.Append(err, svc.Stop())
	}
	defer func() {
		err = multierr.Append(err, svc.Stop())
	}()

	cli := NewCli(cfg, tr, svc, opts.Stdout)
	defer func() {
		err = multierr.Append(err, cli.Close())
	}()

	interactive := isatty.IsTerminal(opts.Stdin.Fd()) || isatty.IsCygwinTerminal(opts.Stdin.Fd())
	if opts.Host != "" && opts.Port != 0 {
		if err := cli.Connect(ctx, opts.Host, opts.Port); err != nil {
			if !interactive {
				return err
			}
			fmt.Fprintf(opts.Stdout, "(error) %v\n", err)
		}
	}

	if interactive {
		log.Logger.Debug("starting interactive client", zap.String("transport", cfg.Transport))
		return cli.Repl(ctx)
	}
	if cli.conn == nil {
		return errors.New("piped mode needs --host and --port")
	}
	return cli.Pipe(ctx, opts.Stdin)
}

// Pipe streams in to the connection and the connection to the output until
// the peer closes. Like nc without -N, it keeps reading after in is
// exhausted; cancel ctx to give up, which closes the connection and waits
// for the reading side to let go of it.
func (cli *Cli) Pipe(ctx context.Context, in io.Reader) error {
	conn, err := cli.connected()
	if err != nil {
		return err
	}

	readDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(cli.out, conn)
		readDone <- err
	}()

	writeDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(conn, in)
		writeDone <- err
	}()

	for {
		select {
		case err := <-writeDone:
			if err != nil {
				return err
			}
			writeDone = nil
		case err := <-readDone:
			return err
		case <-ctx.Done():
			err := cli.Close()
			if rerr := <-readDone; rerr != nil && !errors.Is(rerr, sock.ErrClosed) {
				log.Logger.Debug("pipe reader stopped", zap.Error(rerr))
			}
			return err
		}
	}
}

func newTransport(ctx context.Context, cfg config.Config, opts Options) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		network := memory.NewNetwork(memory.Options{})
		if err := serveEcho(ctx, network, opts.Host, opts.Port); err != nil {
			return nil, err
		}
		return network, nil
	default:
		return unixsock.New(unixsock.WithMaxEvents(cfg.MaxEvents), unixsock.WithLogger(log.Logger))
	}
}

// serveEcho gives the in-memory transport something to talk to: an echo
// peer on host:port, 127.0.0.1:7 by default.
func serveEcho(ctx context.Context, network *memory.Network, host string, port int) error {
	addr := netip.AddrFrom4([4]byte{127, 0, 0, 1})
	if host != "" {
		a, err := netip.ParseAddr(host)
		if err != nil {
			return fmt.Errorf("memory transport needs a literal address: %w", err)
		}
		addr = a
	}
	if port == 0 {
		port = 7
	}

	ln, err := network.Listen(netip.AddrPortFrom(addr, uint16(port)))
	if err != nil {
		return err
	}
	log.Logger.Info("memory echo listening", zap.Stringer("endpoint", ln.Endpoint()))

	go func() {
		defer ln.Close()
		for {
			peer, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				defer peer.Close()
				if _, err := io.Copy(peer, peer); err != nil {
					log.Logger.Debug("echo peer done", zap.Error(err))
				}
			}()
		}
	}()
	return nil
}
