package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"gridkv/internal/commands"
	"gridkv/internal/gridmanager"
	"gridkv/internal/parser"

	"github.com/sourcegraph/conc"
)

// maxLine bounds one command line.
const maxLine = 1 << 20

// CommandServer serves the line-based command protocol. Every line is one
// command; the reply is one escaped line (see parser.EncodeReply),
// prefixed with "ERR " on failure.
type CommandServer struct {
	gm *gridmanager.GridManager
}

func NewCommandServer(gm *gridmanager.GridManager) *CommandServer {
	return &CommandServer{gm: gm}
}

// Serve accepts connections until ctx is done, then closes ln and waits for
// the open connections to finish.
func (s *CommandServer) Serve(ctx context.Context, ln net.Listener) error {
	var wg conc.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() {
		slog.Info("No longer accepting connections")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		slog.Info("Accepted connection", "remoteAddr", conn.RemoteAddr().String())
		wg.Go(func() {
			s.handleConnection(ctx, conn)
		})
	}
}

func (s *CommandServer) handleConnection(ctx context.Context, conn net.Conn) {
	session := commands.NewSession()
	defer session.Close()
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLine)
	w := bufio.NewWriter(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		reply := parser.EncodeReply(s.execute(ctx, session, line))
		if _, err := w.Write(append(reply, '\n')); err != nil {
			slog.Error("Failed to write to connection", "error", err)
			return
		}
		if err := w.Flush(); err != nil {
			slog.Error("Failed to write to connection", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		slog.Error("Failed to read from connection", "error", err)
	}
	slog.Info("Connection closed", "remoteAddr", conn.RemoteAddr().String())
}

func (s *CommandServer) execute(ctx context.Context, session *commands.Session, line []byte) []byte {
	cmd, err := s.gm.Parser.Parse(line)
	if err != nil {
		return errorReply(err)
	}
	spec, ok := commands.Get(cmd.Operation)
	if !ok {
		return errorReply(fmt.Errorf("unknown command %q", cmd.Operation))
	}
	res, err := spec.Handler(s.gm, cmd, &commands.CommandContext{Ctx: ctx, Session: session})
	if err != nil {
		return errorReply(err)
	}
	return res
}

func errorReply(err error) []byte {
	return []byte("ERR " + err.Error())
}
