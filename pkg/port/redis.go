// The Redis port exposes a handle over the Redis protocol (RESP), so any Redis client can read and write the store.
// Supported commands: PING, ECHO, QUIT, GET, SET, DEL, EXISTS, KEYS and LIST [start [end]], a range scan that replies
// with a flat array of alternating keys and values.

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nobletooth/kvhandle/pkg/handle"
	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string // Upper case.
	args    [][]byte
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeBulk       []byte   // Writes a bulk string if non-nil.
	writeArray      [][]byte // Writes an array of bulk strings if non-nil.
	writeString     string   // Writes a simple string otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisBulk(b []byte) redisOutput {
	if b == nil {
		b = []byte{}
	}
	return redisOutput{writeBulk: b}
}

func writeRedisArray(items [][]byte) redisOutput {
	if items == nil {
		items = [][]byte{}
	}
	return redisOutput{writeArray: items}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArity(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// redisWriter is the subset of redcon.Conn used to write replies.
type redisWriter interface {
	WriteError(msg string)
	WriteString(str string)
	WriteBulk(bulk []byte)
	WriteInt(num int)
	WriteArray(count int)
	WriteNull()
}

var _ redisWriter = (redcon.Conn)(nil)

// writeTo writes the reply to `conn`.
func (o redisOutput) writeTo(conn redisWriter) {
	switch {
	case o.err != nil:
		conn.WriteError(*o.err)
	case o.writeNil:
		conn.WriteNull()
	case o.writeInt != nil:
		conn.WriteInt(*o.writeInt)
	case o.writeArray != nil:
		conn.WriteArray(len(o.writeArray))
		for _, item := range o.writeArray {
			conn.WriteBulk(item)
		}
	case o.writeBulk != nil:
		conn.WriteBulk(o.writeBulk)
	default:
		conn.WriteString(o.writeString)
	}
}

type redisHandler struct {
	store *Store
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(store *Store) (*redisHandler, error) {
	if store == nil {
		return nil, errors.New("expected a non-nil store")
	}
	return &redisHandler{store: store}, nil
}

func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		switch len(cmd.args) {
		case 0:
			return writeRedisString("PONG")
		case 1:
			return writeRedisBulk(cmd.args[0])
		default:
			return wrongArity(cmd.command)
		}
	case "ECHO":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		return writeRedisBulk(cmd.args[0])
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "SET":
		if len(cmd.args) != 2 {
			return wrongArity(cmd.command)
		}
		if err := rh.store.Set(cmd.args[0], cmd.args[1]); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "GET":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		if value, err := rh.store.Get(cmd.args[0]); errors.Is(err, handle.ErrNotFound) {
			return writeRedisNil()
		} else if err != nil {
			return writeRedisError(err)
		} else {
			return writeRedisBulk(value)
		}
	case "DEL", "EXISTS":
		if len(cmd.args) < 1 {
			return wrongArity(cmd.command)
		}
		countFn := rh.store.Exists
		if cmd.command == "DEL" {
			countFn = rh.store.Delete
		}
		count, err := countFn(cmd.args...)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(count)
	case "KEYS":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		keys, err := rh.store.Keys(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisArray(keys)
	case "LIST":
		pairs, err := rh.store.List(cmd.args...)
		if err != nil {
			return writeRedisError(err)
		}
		items := make([][]byte, 0, 2*len(pairs))
		for _, pair := range pairs {
			items = append(items, pair.Key, pair.Value)
		}
		return writeRedisArray(items)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", strings.ToLower(cmd.command)))
	}
}

// serve runs one redcon command through the handler and writes the reply.
func (rh *redisHandler) serve(conn redcon.Conn, cmd redcon.Command) {
	// redcon reuses the argument buffers across commands.
	command := redisCommand{command: strings.ToUpper(string(cmd.Args[0])), args: make([][]byte, len(cmd.Args)-1)}
	for i := 1; i < len(cmd.Args); i++ {
		command.args[i-1] = append([]byte{}, cmd.Args[i]...)
	}
	output := rh.handle(command)
	output.writeTo(conn)
	if output.closeConnection {
		if err := conn.Close(); err != nil {
			slog.Error("Failed to close connection.", "remote", conn.RemoteAddr(), "error", err)
		}
	}
}

// RunRedisServer serves `store` over the Redis protocol until `ctx` is done, then closes the store.
func RunRedisServer(ctx context.Context, store *Store) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	redisHandler, err := newRedisHandler(store)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address, redisHandler.serve,
		/*accept*/ func(conn redcon.Conn) bool {
			slog.Debug("Accepted connection.", "remote", conn.RemoteAddr())
			return true
		},
		/*closed*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Connection closed with error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	// The listener is bound before waiting on `ctx`, so Close always finds a serving server.
	listening := make(chan error, 1)
	serverErrSignal := make(chan error, 1)
	go func() {
		serverErrSignal <- redisServer.ListenServeAndSignal(listening)
		close(serverErrSignal)
	}()
	if err := <-listening; err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to listen on %s: %w", *address, err)
	}
	slog.Info("Serving Redis protocol.", "address", *address)

	select {
	case <-ctx.Done():
		serverErr := redisServer.Close()
		storeErr := store.Close()
		<-serverErrSignal // Wait for the serve loop to exit.
		if exitErr := errors.Join(serverErr, storeErr); exitErr != nil {
			return fmt.Errorf("failed to close the redis port: %w", exitErr)
		}
	case err := <-serverErrSignal:
		_ = store.Close()
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
