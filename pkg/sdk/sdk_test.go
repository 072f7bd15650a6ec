package sdk_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-addressbook/internal/addressbook"
	"github.com/celerix-dev/celerix-addressbook/internal/backend"
	"github.com/celerix-dev/celerix-addressbook/internal/server"
	"github.com/celerix-dev/celerix-addressbook/internal/vcard"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
	"github.com/celerix-dev/celerix-addressbook/pkg/sdk"
)

func person(id, fn, email string) *schema.Contact {
	return &schema.Contact{
		ID: id,
		Details: []schema.Detail{
			{Type: schema.DetailFullName, Values: []string{fn}},
			{Type: schema.DetailEmail, Values: []string{email}},
		},
	}
}

func seed() []*schema.Contact {
	return []*schema.Contact{
		person("ada", "Ada Lovelace", "ada@example.org"),
		person("alan", "Alan Turing", "alan@example.org"),
		person("grace", "Grace Hopper", "grace@navy.mil"),
	}
}

func startDaemon(t *testing.T, contacts ...*schema.Contact) (*server.Router, string) {
	t.Helper()
	mem := backend.NewMemory(contacts...)
	book, err := addressbook.New(addressbook.Options{Backend: mem})
	if err != nil {
		t.Fatalf("Failed to create address book: %v", err)
	}
	if err := book.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start address book: %v", err)
	}

	router := server.NewRouter(book, server.Options{})
	go router.Listen("0")

	var addr string
	for i := 0; i < 40 && addr == ""; i++ {
		time.Sleep(25 * time.Millisecond)
		if a := router.Addr(); a != nil {
			addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(a.(*net.TCPAddr).Port))
		}
	}
	if addr == "" {
		t.Fatalf("Server did not start in time")
	}
	t.Cleanup(func() {
		router.Stop()
		book.Close()
		mem.Close()
	})
	return router, addr
}

func connect(t *testing.T, addr string) *sdk.Client {
	t.Helper()
	client, err := sdk.ConnectWith(addr, sdk.ClientOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// exercise runs the same scenario against any implementation.
func exercise(t *testing.T, ab sdk.AddressBook) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	v, err := ab.Query(ctx, schema.QueryRequest{Filter: `email contains "example.org"`, Sort: "full_name"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	defer v.Close()
	if v.ID() == "" || v.Info().ID != v.ID() {
		t.Errorf("Unexpected view info: %+v", v.Info())
	}

	n, err := v.Count(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Count = %d, %v; want 2", n, err)
	}

	counts := make(chan int, 16)
	if err := v.Watch(ctx, func(count int) { counts <- count }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	id, err := sdk.Create(ctx, ab, person("barbara", "Barbara Liskov", "barbara@example.org"))
	if err != nil || id != "barbara" {
		t.Fatalf("Create = %q, %v", id, err)
	}
	select {
	case got := <-counts:
		if got != 3 {
			t.Errorf("Watched count = %d, want 3", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("No count notification after create")
	}

	page, err := sdk.FetchContacts(ctx, v, []string{"full_name"}, 0, 10)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(page) != 3 || page[0].DisplayName() != "Ada Lovelace" || page[2].DisplayName() != "Barbara Liskov" {
		t.Errorf("Unexpected page: %v", page)
	}
	for _, c := range page {
		if len(c.Values(schema.DetailEmail)) != 0 {
			t.Errorf("Fetch ignored the field projection: %v", c.Details)
		}
	}

	rejected, err := v.Sort(ctx, "full_name desc, shoe_size")
	if err != nil {
		t.Fatalf("Sort failed: %v", err)
	}
	if len(rejected) != 1 || rejected[0] != "shoe_size" {
		t.Errorf("Rejected = %v", rejected)
	}
	eventually(t, "descending order", func() bool {
		cards, err := v.Fetch(ctx, nil, 0, 1)
		if err != nil || len(cards) != 1 {
			return false
		}
		c, err := vcard.Decode(cards[0])
		return err == nil && c.ID == "barbara"
	})

	upd := person("alan", "Alan Turing", "alan@bletchley.uk")
	res, err := sdk.Update(ctx, ab, upd, person("nobody", "No Body", "x@example.org"))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(res) != 2 || res[0] != vcard.Encode(upd) || res[1] != addressbook.MsgContactNotFound {
		t.Errorf("Update result = %v", res)
	}
	eventually(t, "updated contact to leave the view", func() bool {
		n, err := v.Count(ctx)
		return err == nil && n == 2
	})

	found, err := ab.LookupByVCard(ctx, "BEGIN:VCARD\nUID:grace\nEND:VCARD\n")
	if err != nil || found != "grace" {
		t.Errorf("Lookup = %q, %v", found, err)
	}

	removed, err := ab.RemoveContacts(ctx, []string{"ada", "nobody"})
	if err != nil || removed != 1 {
		t.Errorf("Remove = %d, %v; want 1", removed, err)
	}
	eventually(t, "removal", func() bool {
		n, err := v.Count(ctx)
		return err == nil && n == 1
	})

	fields, err := ab.SortFields(ctx)
	if err != nil || len(fields) == 0 {
		t.Errorf("SortFields = %v, %v", fields, err)
	}
	if _, err := ab.Sources(ctx); err != nil {
		t.Errorf("Sources failed: %v", err)
	}

	if _, err := ab.Query(ctx, schema.QueryRequest{Max: -1}); err == nil {
		t.Errorf("Expected an error for a negative max")
	}
}

func TestClient_Integration(t *testing.T) {
	_, addr := startDaemon(t, seed()...)
	exercise(t, connect(t, addr))
}

func TestEmbedded(t *testing.T) {
	e, err := sdk.NewEmbedded(context.Background(), backend.NewMemory(seed()...))
	if err != nil {
		t.Fatalf("NewEmbedded failed: %v", err)
	}
	defer e.Close()
	exercise(t, e)
}

func TestNew_EmbeddedFromDataDir(t *testing.T) {
	t.Setenv("CELERIX_ADDRESSBOOK_ADDR", "")
	t.Setenv("CELERIX_ENCRYPTION_KEY", "")
	ctx := context.Background()

	dir := t.TempDir()
	ab, err := sdk.New(ctx, dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := ab.(*sdk.Embedded); !ok {
		t.Fatalf("Expected embedded mode, got %T", ab)
	}
	if _, err := sdk.Create(ctx, ab, person("ada", "Ada Lovelace", "ada@example.org")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ab.Close()

	// The contact survives a restart.
	ab, err = sdk.New(ctx, dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer ab.Close()
	v, err := ab.Query(ctx, schema.QueryRequest{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if n, err := v.Count(ctx); err != nil || n != 1 {
		t.Errorf("Count after reopen = %d, %v; want 1", n, err)
	}
}

func TestNew_PrefersRemote(t *testing.T) {
	_, addr := startDaemon(t)
	t.Setenv("CELERIX_ADDRESSBOOK_ADDR", addr)
	t.Setenv("CELERIX_DISABLE_TLS", "true")

	ab, err := sdk.New(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer ab.Close()
	if _, ok := ab.(*sdk.Client); !ok {
		t.Fatalf("Expected a remote client, got %T", ab)
	}
}

func TestClient_ErrorsAndDisconnect(t *testing.T) {
	router, addr := startDaemon(t, seed()...)
	client := connect(t, addr)
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if _, err := client.CreateContact(ctx, "not a vcard"); err == nil {
		t.Errorf("Expected an error for a malformed vCard")
	}
	if _, err := client.LookupByVCard(ctx, "BEGIN:VCARD\nUID:nobody\nEND:VCARD\n"); err == nil {
		t.Errorf("Expected an error for an unknown contact")
	}

	v, err := client.Query(ctx, schema.QueryRequest{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	router.Stop()
	if _, err := v.Count(ctx); err == nil {
		t.Fatalf("Expected an error once the daemon is gone")
	}
	if _, err := v.Count(ctx); !errors.Is(err, sdk.ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", err)
	}
	if err := v.Close(); err != nil {
		t.Errorf("Closing a lost view should succeed, got %v", err)
	}

	client.Close()
	if err := client.Ping(ctx); !errors.Is(err, sdk.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
