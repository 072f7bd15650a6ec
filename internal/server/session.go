package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-addressbook/internal/addressbook"
	"github.com/celerix-dev/celerix-addressbook/internal/engine"
	"github.com/celerix-dev/celerix-addressbook/internal/query"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

const (
	writeTimeout = 10 * time.Second
	eventBuffer  = 64
)

var usage = map[string]string{
	"QUERY":  "QUERY [json query]",
	"COUNT":  "COUNT <view>",
	"FETCH":  "FETCH <view> <start> <size> [field,...]",
	"SORT":   "SORT <view> [field [asc|desc], ...]",
	"CLOSE":  "CLOSE <view>",
	"WATCH":  "WATCH <view>",
	"CREATE": "CREATE <json vcard>",
	"UPDATE": "UPDATE <json vcard list>",
	"REMOVE": "REMOVE <json id list>",
	"LOOKUP": "LOOKUP <json vcard>",
}

func errUsage(cmd string) error {
	return fmt.Errorf("usage: %s", usage[cmd])
}

var errUnknownView = errors.New("unknown view")

// session is one client connection. Views opened through it belong to it
// and are closed when it ends.
type session struct {
	router *Router
	conn   net.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex

	mu      sync.Mutex
	views   map[string]*engine.View
	unwatch map[string]func()

	events    chan string
	closeOnce sync.Once
}

func newSession(r *Router, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		router:  r,
		conn:    conn,
		logger:  r.logger.With("remote", conn.RemoteAddr().String()),
		ctx:     ctx,
		cancel:  cancel,
		views:   make(map[string]*engine.View),
		unwatch: make(map[string]func()),
		events:  make(chan string, eventBuffer),
	}
}

func (s *session) serve() {
	go s.pump()
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, min(4096, s.router.opts.MaxLineBytes)), s.router.opts.MaxLineBytes)

	for {
		// Set a deadline for the next command
		s.conn.SetReadDeadline(time.Now().Add(s.router.opts.IdleTimeout))

		if !scanner.Scan() {
			if errors.Is(scanner.Err(), bufio.ErrTooLong) {
				s.logger.Warn("dropping client after an oversized command", "limit", s.router.opts.MaxLineBytes)
				s.write("ERR command too long")
			}
			return // Connection closed or timeout
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		word, rest, _ := strings.Cut(line, " ")
		command := strings.ToUpper(word)
		if command == "QUIT" {
			return
		}

		reply, err := s.dispatch(command, strings.TrimSpace(rest))
		s.router.metrics.Command(transport, command, err)
		if err != nil {
			s.logger.Debug("command failed", "command", command, "error", err)
			reply = "ERR " + err.Error()
		}
		if err := s.write(reply); err != nil {
			return
		}
	}
}

func (s *session) dispatch(command, rest string) (string, error) {
	switch command {
	case "PING":
		return "PONG", nil

	case "QUERY":
		var req schema.QueryRequest
		if err := decodeArg(rest, &req, true); err != nil {
			return "", err
		}
		if req.Max < 0 {
			return "", errors.New("max must not be negative")
		}
		v, err := s.router.book.Query(addressbook.RequestOptions(req))
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.views[v.ID()] = v
		s.mu.Unlock()
		return ok(addressbook.Info(v))

	case "COUNT":
		v, err := s.view(command, rest)
		if err != nil {
			return "", err
		}
		ctx, cancel := s.requestContext()
		defer cancel()
		n, err := v.Count(ctx)
		if err != nil {
			return "", err
		}
		return "OK " + strconv.Itoa(n), nil

	case "FETCH":
		args := strings.Fields(rest)
		if len(args) < 3 || len(args) > 4 {
			return "", errUsage(command)
		}
		v, err := s.view(command, args[0])
		if err != nil {
			return "", err
		}
		start, err1 := strconv.Atoi(args[1])
		size, err2 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil {
			return "", errUsage(command)
		}
		var fields []string
		if len(args) == 4 {
			fields = strings.Split(args[3], ",")
		}
		ctx, cancel := s.requestContext()
		defer cancel()
		cards, err := s.router.book.Fetch(ctx, v, fields, start, size)
		if err != nil {
			return "", err
		}
		return ok(cards)

	case "SORT":
		id, clause, _ := strings.Cut(rest, " ")
		v, err := s.view(command, id)
		if err != nil {
			return "", err
		}
		sc := query.ParseSort(clause)
		if err := v.Resort(sc); err != nil {
			return "", err
		}
		return ok(append([]string{}, sc.Rejected()...))

	case "CLOSE":
		v, err := s.view(command, rest)
		if err != nil {
			return "", err
		}
		s.forget(v.ID())
		return "OK", v.Close()

	case "WATCH":
		v, err := s.view(command, rest)
		if err != nil {
			return "", err
		}
		s.watch(v)
		return "OK", nil

	case "CREATE":
		var text string
		if err := decodeArg(rest, &text, false); err != nil {
			return "", errUsage(command)
		}
		ctx, cancel := s.requestContext()
		defer cancel()
		id, err := s.router.book.CreateContact(ctx, text)
		if err != nil {
			return "", err
		}
		return ok(id)

	case "UPDATE":
		var texts []string
		if err := decodeArg(rest, &texts, false); err != nil {
			return "", errUsage(command)
		}
		ctx, cancel := s.requestContext()
		defer cancel()
		return ok(s.router.book.UpdateContacts(ctx, texts))

	case "REMOVE":
		var ids []string
		if err := decodeArg(rest, &ids, false); err != nil {
			return "", errUsage(command)
		}
		ctx, cancel := s.requestContext()
		defer cancel()
		return "OK " + strconv.Itoa(s.router.book.RemoveContacts(ctx, ids)), nil

	case "LOOKUP":
		var text string
		if err := decodeArg(rest, &text, false); err != nil {
			return "", errUsage(command)
		}
		c, err := s.router.book.LookupByVCard(text)
		if err != nil {
			return "", err
		}
		return ok(c.ID)

	case "SORT_FIELDS":
		return ok(s.router.book.SortFields())

	case "SOURCES":
		ctx, cancel := s.requestContext()
		defer cancel()
		sources, err := s.router.book.Sources(ctx)
		if err != nil {
			return "", err
		}
		return ok(sources)
	}
	return "", fmt.Errorf("unknown command %q", command)
}

func (s *session) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.router.opts.RequestTimeout)
}

func (s *session) view(command, id string) (*engine.View, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, " \t") {
		return nil, errUsage(command)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[id]
	if !ok {
		return nil, errUnknownView
	}
	return v, nil
}

func (s *session) watch(v *engine.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unwatch[v.ID()]; ok {
		return
	}
	id := v.ID()
	s.unwatch[id] = v.Observe(func(count int) {
		data, _ := json.Marshal(schema.CountEvent{View: id, Count: count})
		s.push("EVENT " + string(data))
	})
}

func (s *session) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, id)
	if stop, ok := s.unwatch[id]; ok {
		stop()
		delete(s.unwatch, id)
	}
}

// push queues an event line without blocking the notifier. Events are
// dropped when the client does not keep up; the next one carries the
// current count anyway.
func (s *session) push(line string) {
	select {
	case s.events <- line:
	case <-s.ctx.Done():
	default:
		s.logger.Debug("dropping event for a slow client")
	}
}

func (s *session) pump() {
	for {
		select {
		case line := <-s.events:
			if err := s.write(line); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) write(line string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := fmt.Fprintln(s.conn, line)
	return err
}

// close releases every view the client opened.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		views := s.views
		s.views = make(map[string]*engine.View)
		for _, stop := range s.unwatch {
			stop()
		}
		s.unwatch = make(map[string]func())
		s.mu.Unlock()

		for _, v := range views {
			_ = v.Close()
		}
		if len(views) > 0 {
			s.logger.Debug("closed client views", "count", len(views))
		}
	})
}

func ok(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.New("internal error")
	}
	return "OK " + string(data), nil
}

func decodeArg(arg string, dst any, optional bool) error {
	if arg == "" {
		if optional {
			return nil
		}
		return errors.New("missing argument")
	}
	if err := json.Unmarshal([]byte(arg), dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
