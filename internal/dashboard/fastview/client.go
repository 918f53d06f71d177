package fastview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait      = 1 * time.Second
	pubResolution  = time.Millisecond * 100
	pingResolution = time.Millisecond * 200
	pongWait       = pingResolution * 4
)

var upgrader = websocket.Upgrader{}

// Client publishes a stream of idempotent updates to one browser tab over
// a websocket, discarding updates received faster than pubResolution
// permits. It does not yet read anything meaningful back from the client
// beyond what's needed to drive the ping/pong liveness check.
type Client[T any] struct {
	updates <-chan T
	ws      *websock
	rootCtx context.Context
}

// NewClient upgrades r to a websocket and returns a Client publishing
// updates to it.
func NewClient[T any](updates <-chan T, w http.ResponseWriter, r *http.Request) (*Client[T], error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, err
	}

	return &Client[T]{
		updates: updates,
		ws:      newWebsock(ws),
		rootCtx: r.Context(),
	}, nil
}

// Sync runs the client's read pump, ping/pong liveness check, and update
// publisher concurrently until the connection ends or the request context
// is canceled.
func (cli *Client[T]) Sync() error {
	group, groupCtx := errgroup.WithContext(cli.rootCtx)

	group.Go(func() error { return cli.readMessages(groupCtx) })
	group.Go(func() error { return cli.pingPong(groupCtx) })
	group.Go(func() error { return cli.publish(groupCtx) })

	return group.Wait()
}

// ErrPongDeadlineExceeded means the client stopped responding to pings.
var ErrPongDeadlineExceeded = errors.New("client disconnect, pong deadline exceeded")

func (cli *Client[T]) pingPong(ctx context.Context) error {
	pong := make(chan struct{})
	defer close(pong)
	cli.ws.conn.SetPongHandler(func(_ string) error {
		pong <- struct{}{}
		return nil
	})

	pinger := channerics.NewTicker(ctx.Done(), pingResolution)
	lastPong := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pinger:
			if time.Since(lastPong) > pongWait {
				return ErrPongDeadlineExceeded
			}
			if err := cli.ping(ctx); err != nil {
				return err
			}
		case <-pong:
			lastPong = time.Now()
		}
	}
}

func (cli *Client[T]) ping(ctx context.Context) error {
	return cli.ws.write(ctx, func(ws *websocket.Conn) error {
		if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			if isError(err) {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
		return nil
	})
}

// readMessages must run so the gorilla/websocket library's control-frame
// handling (including pong) is invoked; the messages themselves are
// otherwise unused in this one-way dashboard.
func (cli *Client[T]) readMessages(ctx context.Context) error {
	for {
		err := cli.ws.read(ctx, func(ws *websocket.Conn) error {
			_, _, readErr := ws.ReadMessage()
			return readErr
		})
		if err != nil {
			return err
		}
	}
}

func (cli *Client[T]) publish(ctx context.Context) error {
	lastSync := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-cli.updates:
			if !ok {
				return nil
			}
			if time.Since(lastSync) < pubResolution {
				continue
			}
			lastSync = time.Now()

			err := cli.ws.write(ctx, func(ws *websocket.Conn) error {
				if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return fmt.Errorf("failed to set deadline: %w", err)
				}
				if err := ws.WriteJSON(update); err != nil && isError(err) {
					return fmt.Errorf("publish failed: %w", err)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
}

func isError(err error) bool {
	return err != nil && websocket.IsUnexpectedCloseError(
		err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

const (
	readDeadline     = time.Second
	writeDeadline    = time.Second
	closeGracePeriod = 10 * time.Second
)

// ErrSockCongestion indicates too many pending read/write waiters on the
// socket, so the op was abandoned rather than queued indefinitely.
var ErrSockCongestion = errors.New("sock op failed due to congestion")

// websock serializes reads and writes to a *websocket.Conn, which
// tolerates only one concurrent reader and one concurrent writer.
type websock struct {
	readSem  chan struct{}
	writeSem chan struct{}
	conn     *websocket.Conn
}

func newWebsock(conn *websocket.Conn) *websock {
	return &websock{
		readSem:  make(chan struct{}, 1),
		writeSem: make(chan struct{}, 1),
		conn:     conn,
	}
}

func (sock *websock) read(ctx context.Context, fn func(*websocket.Conn) error) error {
	select {
	case <-ctx.Done():
		return nil
	case sock.readSem <- struct{}{}:
		defer func() { <-sock.readSem }()
		return fn(sock.conn)
	case <-time.After(readDeadline):
		return ErrSockCongestion
	}
}

func (sock *websock) write(ctx context.Context, fn func(*websocket.Conn) error) error {
	select {
	case <-ctx.Done():
		return nil
	case sock.writeSem <- struct{}{}:
		defer func() { <-sock.writeSem }()
		return fn(sock.conn)
	case <-time.After(writeDeadline):
		return ErrSockCongestion
	}
}
