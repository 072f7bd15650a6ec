package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-addressbook/internal/addressbook"
	"github.com/celerix-dev/celerix-addressbook/internal/backend"
	"github.com/celerix-dev/celerix-addressbook/internal/vcard"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

func contact(id, fn, tel string) *schema.Contact {
	c := &schema.Contact{
		ID:      id,
		Details: []schema.Detail{{Type: schema.DetailFullName, Values: []string{fn}}},
	}
	if tel != "" {
		c.Details = append(c.Details, schema.Detail{Type: schema.DetailPhone, Values: []string{tel}})
	}
	return c
}

func startRouter(t *testing.T, opts Options, contacts ...*schema.Contact) (*Router, *addressbook.AddressBook, string) {
	t.Helper()
	mem := backend.NewMemory(contacts...)
	book, err := addressbook.New(addressbook.Options{Backend: mem})
	if err != nil {
		t.Fatalf("Failed to create address book: %v", err)
	}
	if err := book.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start address book: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := book.WaitReady(ctx); err != nil {
		t.Fatalf("Address book not ready: %v", err)
	}

	router := NewRouter(book, opts)
	go router.Listen("0")

	// Wait a bit for listener to be set
	var port string
	for i := 0; i < 20; i++ {
		time.Sleep(25 * time.Millisecond)
		router.mu.Lock()
		if router.listener != nil {
			port = fmt.Sprintf("%d", router.listener.Addr().(*net.TCPAddr).Port)
			router.mu.Unlock()
			break
		}
		router.mu.Unlock()
	}
	if port == "" {
		t.Fatalf("Server did not start in time")
	}

	t.Cleanup(func() {
		router.Stop()
		book.Close()
		mem.Close()
	})
	return router, book, port
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	events []string
}

func dial(t *testing.T, port string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+port)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) rawLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("Read error: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

// readLine returns the next reply, setting pushed events aside.
func (c *client) readLine() string {
	c.t.Helper()
	for {
		line := c.rawLine()
		if payload, ok := strings.CutPrefix(line, "EVENT "); ok {
			c.events = append(c.events, payload)
			continue
		}
		return line
	}
}

func (c *client) nextEvent() schema.CountEvent {
	c.t.Helper()
	for len(c.events) == 0 {
		line := c.rawLine()
		payload, ok := strings.CutPrefix(line, "EVENT ")
		if !ok {
			c.t.Fatalf("Expected an event, got %q", line)
		}
		c.events = append(c.events, payload)
	}
	var ev schema.CountEvent
	if err := json.Unmarshal([]byte(c.events[0]), &ev); err != nil {
		c.t.Fatalf("Bad event %q: %v", c.events[0], err)
	}
	c.events = c.events[1:]
	return ev
}

func (c *client) send(format string, args ...any) string {
	c.t.Helper()
	fmt.Fprintf(c.conn, format+"\n", args...)
	return c.readLine()
}

func (c *client) ok(format string, args ...any) string {
	c.t.Helper()
	line := c.send(format, args...)
	if line != "OK" && !strings.HasPrefix(line, "OK ") {
		c.t.Fatalf("%q: expected OK, got %q", fmt.Sprintf(format, args...), line)
	}
	return strings.TrimPrefix(strings.TrimPrefix(line, "OK"), " ")
}

func quote(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func openView(c *client, req schema.QueryRequest) schema.ViewInfo {
	c.t.Helper()
	var info schema.ViewInfo
	if err := json.Unmarshal([]byte(c.ok("QUERY %s", quote(req))), &info); err != nil {
		c.t.Fatalf("Bad QUERY payload: %v", err)
	}
	return info
}

func TestRouter_ViewCommands(t *testing.T) {
	_, _, port := startRouter(t, Options{},
		contact("ada", "Ada Lovelace", "+44 20 7946 0958"),
		contact("alan", "Alan Turing", "12345678"),
		contact("grace", "Grace Hopper", "0112345678"),
	)
	c := dial(t, port)

	if line := c.send("PING"); line != "PONG" {
		t.Errorf("Expected PONG, got %q", line)
	}

	info := openView(c, schema.QueryRequest{Sort: "full_name desc"})
	if info.ID == "" || info.Warning != "" {
		t.Fatalf("Unexpected view info %+v", info)
	}
	if got := c.ok("COUNT %s", info.ID); got != "3" {
		t.Errorf("Expected 3 contacts, got %s", got)
	}

	var cards []string
	json.Unmarshal([]byte(c.ok("FETCH %s 0 2 TEL", info.ID)), &cards)
	if len(cards) != 2 {
		t.Fatalf("Expected 2 cards, got %d", len(cards))
	}
	first, err := vcard.Decode(cards[0])
	if err != nil {
		t.Fatalf("Bad card: %v", err)
	}
	if first.ID != "grace" || len(first.DetailsOf(schema.DetailFullName)) != 0 {
		t.Errorf("Expected projected grace first, got %+v", first)
	}

	if got := c.ok("SORT %s full_name, shoe_size", info.ID); got != `["shoe_size"]` {
		t.Errorf("Expected rejected sort fields, got %s", got)
	}
	json.Unmarshal([]byte(c.ok("FETCH %s 0 -1", info.ID)), &cards)
	first, _ = vcard.Decode(cards[0])
	if first.ID != "ada" {
		t.Errorf("Expected ada first after resort, got %s", first.ID)
	}

	phone := openView(c, schema.QueryRequest{Filter: `phone matches "12345678"`})
	if got := c.ok("COUNT %s", phone.ID); got != "2" {
		t.Errorf("Expected 2 phone matches, got %s", got)
	}

	bad := openView(c, schema.QueryRequest{Filter: `shoe_size = 42`})
	if bad.Warning == "" {
		t.Error("Expected a warning for an invalid filter")
	}
	if got := c.ok("COUNT %s", bad.ID); got != "0" {
		t.Errorf("Expected empty view, got %s", got)
	}

	c.ok("CLOSE %s", info.ID)
	if line := c.send("COUNT %s", info.ID); !strings.HasPrefix(line, "ERR") {
		t.Errorf("Expected ERR after close, got %q", line)
	}
}

func TestRouter_ContactCommands(t *testing.T) {
	_, book, port := startRouter(t, Options{}, contact("ada", "Ada Lovelace", ""))
	c := dial(t, port)

	info := openView(c, schema.QueryRequest{})
	if got := c.ok("COUNT %s", info.ID); got != "1" {
		t.Fatalf("Expected 1 contact, got %s", got)
	}
	c.ok("WATCH %s", info.ID)

	id := c.ok("CREATE %s", quote(vcard.Encode(contact("alan", "Alan Turing", ""))))
	if id != `"alan"` {
		t.Errorf("Expected created id, got %s", id)
	}

	// The count change is pushed as an event.
	if ev := c.nextEvent(); ev.View != info.ID || ev.Count != 2 {
		t.Errorf("Unexpected event %+v", ev)
	}

	if line := c.send("CREATE %s", quote(vcard.Encode(contact("ada", "Again", "")))); !strings.HasPrefix(line, "ERR") {
		t.Errorf("Expected ERR for duplicate, got %q", line)
	}

	updated := vcard.Encode(contact("ada", "Ada King", ""))
	var results []string
	json.Unmarshal([]byte(c.ok("UPDATE %s", quote([]string{updated, vcard.Encode(contact("x", "X", ""))}))), &results)
	if len(results) != 2 || results[0] != updated || results[1] != addressbook.MsgContactNotFound {
		t.Errorf("Unexpected update results %q", results)
	}

	if got := c.ok("LOOKUP %s", quote("BEGIN:VCARD\r\nUID:ada\r\nEND:VCARD\r\n")); got != `"ada"` {
		t.Errorf("Expected lookup to find ada, got %s", got)
	}

	if got := c.ok("REMOVE %s", quote([]string{"alan", "nobody"})); got != "1" {
		t.Errorf("Expected 1 removal, got %s", got)
	}
	deadline := time.Now().Add(5 * time.Second)
	for book.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if book.Len() != 1 {
		t.Errorf("Expected 1 contact left, got %d", book.Len())
	}

	if got := c.ok("SORT_FIELDS"); !strings.Contains(got, `"name"`) {
		t.Errorf("Expected sort fields, got %s", got)
	}
	if got := c.ok("SOURCES"); got != `[{"id":"memory","read_only":false}]` {
		t.Errorf("Unexpected sources %s", got)
	}
}

func TestRouter_MalformedCommands(t *testing.T) {
	_, _, port := startRouter(t, Options{})
	c := dial(t, port)

	for _, cmd := range []string{
		"COUNT",
		"COUNT nope",
		"FETCH nope 0",
		"FETCH nope a b",
		"QUERY {invalid}",
		`QUERY {"max":-1}`,
		"CREATE not-json",
		"UPDATE {}",
		"REMOVE",
		"FROB",
	} {
		if line := c.send("%s", cmd); !strings.HasPrefix(line, "ERR") {
			t.Errorf("%q: expected ERR, got %q", cmd, line)
		}
	}

	if line := c.send("PING"); line != "PONG" {
		t.Error("Did not receive PONG")
	}
}

func TestRouter_HostileInput(t *testing.T) {
	_, book, port := startRouter(t, Options{MaxLineBytes: 1 << 16},
		contact("ada", "Ada Lovelace", ""),
		contact("alan", "Alan Turing", ""),
	)
	c := dial(t, port)

	info := openView(c, schema.QueryRequest{})
	var cards []string
	json.Unmarshal([]byte(c.ok("FETCH %s 1 9223372036854775807", info.ID)), &cards)
	if len(cards) != 1 {
		t.Errorf("Expected the rest of the view from an oversized window, got %d cards", len(cards))
	}
	if got := c.ok("FETCH %s 9223372036854775807 9223372036854775807", info.ID); got != "[]" {
		t.Errorf("Expected an empty page, got %s", got)
	}

	deep := strings.Repeat("(", 20000) + "full_name = ada" + strings.Repeat(")", 20000)
	bad := openView(c, schema.QueryRequest{Filter: deep})
	if bad.Warning == "" {
		t.Error("Expected a warning for a deeply nested filter")
	}
	if got := c.ok("COUNT %s", bad.ID); got != "0" {
		t.Errorf("Expected empty view, got %s", got)
	}

	// The daemon may reset the connection before the refusal is read.
	fmt.Fprintf(c.conn, "PING %s\n", strings.Repeat("x", 1<<17))
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err == nil {
		if line != "ERR command too long\n" {
			t.Errorf("Expected an oversized line to be refused, got %q", line)
		}
		_, err = c.reader.ReadString('\n')
	}
	if err == nil {
		t.Error("Expected the connection to close after an oversized line")
	}

	other := dial(t, port)
	if line := other.send("PING"); line != "PONG" {
		t.Errorf("Expected the daemon to keep serving, got %q", line)
	}
	deadline := time.Now().Add(5 * time.Second)
	for book.Views() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if book.Views() != 0 {
		t.Errorf("Expected the dropped client's views to close, %d left", book.Views())
	}
}

func TestRouter_ViewsAreConnectionScoped(t *testing.T) {
	_, book, port := startRouter(t, Options{}, contact("ada", "Ada Lovelace", ""))

	owner := dial(t, port)
	info := openView(owner, schema.QueryRequest{})

	other := dial(t, port)
	if line := other.send("COUNT %s", info.ID); !strings.HasPrefix(line, "ERR") {
		t.Errorf("Expected foreign view to be unknown, got %q", line)
	}
	if book.Views() != 1 {
		t.Fatalf("Expected 1 open view, got %d", book.Views())
	}

	fmt.Fprintf(owner.conn, "QUIT\n")
	deadline := time.Now().Add(5 * time.Second)
	for book.Views() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if book.Views() != 0 {
		t.Errorf("Expected views to close with the connection, %d left", book.Views())
	}
}

func TestRouter_ConcurrentConnections(t *testing.T) {
	_, _, port := startRouter(t, Options{MaxConnections: 4})

	conns := make([]*client, 0, 8)
	for i := 0; i < 8; i++ {
		conns = append(conns, dial(t, port))
	}
	// Only four are served at once; the first ones answer.
	for _, c := range conns[:4] {
		if line := c.send("PING"); line != "PONG" {
			t.Errorf("Expected PONG, got %q", line)
		}
	}
	for _, c := range conns[:4] {
		c.conn.Close()
	}
	if line := conns[4].send("PING"); line != "PONG" {
		t.Errorf("Expected a queued connection to be served, got %q", line)
	}
}

func TestRouter_IdleConnectionsAreClosed(t *testing.T) {
	_, _, port := startRouter(t, Options{IdleTimeout: 50 * time.Millisecond})
	c := dial(t, port)

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.reader.ReadString('\n'); err == nil {
		t.Error("Expected the idle connection to be closed")
	}
}

func TestRouter_Stop(t *testing.T) {
	router, _, port := startRouter(t, Options{})
	c := dial(t, port)
	if line := c.send("PING"); line != "PONG" {
		t.Fatalf("Expected PONG, got %q", line)
	}

	done := make(chan struct{})
	go func() {
		router.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if _, err := net.DialTimeout("tcp", "127.0.0.1:"+port, 200*time.Millisecond); err == nil {
		t.Error("Expected the listener to be closed")
	}
}
