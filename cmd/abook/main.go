package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-addressbook/internal/vcard"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
	"github.com/celerix-dev/celerix-addressbook/pkg/sdk"
)

var (
	rootCmd = &cobra.Command{
		Use:   "abook",
		Short: "A CLI for the Celerix address book daemon",
		Long: `abook talks to a running celerix-addressbookd over the line protocol.
The daemon address comes from --addr or CELERIX_ADDRESSBOOK_ADDR.`,
		SilenceUsage: true,
	}
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Check the daemon is answering",
		Args:  cobra.NoArgs,
		RunE:  withClient(runPing),
	}
	queryCmd = &cobra.Command{
		Use:   "query [filter]",
		Short: "Print the contacts matching a filter as vCards",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withClient(runQuery),
	}
	countCmd = &cobra.Command{
		Use:   "count [filter]",
		Short: "Print how many contacts match a filter",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withClient(runCount),
	}
	watchCmd = &cobra.Command{
		Use:   "watch [filter]",
		Short: "Print the match count each time it changes, until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withClient(runWatch),
	}
	createCmd = &cobra.Command{
		Use:   "create [file]",
		Short: "Create a contact from a vCard file (stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withClient(runCreate),
	}
	updateCmd = &cobra.Command{
		Use:   "update [file]",
		Short: "Update the contacts of a vCard file (stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withClient(runUpdate),
	}
	removeCmd = &cobra.Command{
		Use:   "remove <id>...",
		Short: "Remove contacts by ID",
		Args:  cobra.MinimumNArgs(1),
		RunE:  withClient(runRemove),
	}
	lookupCmd = &cobra.Command{
		Use:   "lookup [file]",
		Short: "Print the ID of the contact a vCard refers to",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withClient(runLookup),
	}
	sortFieldsCmd = &cobra.Command{
		Use:   "sort-fields",
		Short: "List the fields views can be sorted by",
		Args:  cobra.NoArgs,
		RunE:  withClient(runSortFields),
	}
	sourcesCmd = &cobra.Command{
		Use:   "sources",
		Short: "List the backend sources",
		Args:  cobra.NoArgs,
		RunE:  withClient(runSources),
	}

	addr      string
	noTLS     bool
	timeout   time.Duration
	sortBy    string
	maxHits   int
	fields    []string
	start     int
	size      int
	sourceIDs []string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Daemon address (default $CELERIX_ADDRESSBOOK_ADDR or localhost:7001)")
	rootCmd.PersistentFlags().BoolVar(&noTLS, "no-tls", os.Getenv("CELERIX_DISABLE_TLS") == "true", "Connect without TLS")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-request timeout")

	for _, c := range []*cobra.Command{queryCmd, countCmd, watchCmd} {
		c.Flags().StringVarP(&sortBy, "sort", "s", "", `Sort clause, e.g. "last_name, first_name desc"`)
		c.Flags().IntVar(&maxHits, "max", 0, "Cap the number of results (0 for no cap)")
		c.Flags().StringSliceVar(&sourceIDs, "source", nil, "Restrict to contacts from these source URIs")
	}
	queryCmd.Flags().StringSliceVarP(&fields, "fields", "f", nil, "Only print these fields (vCard or query field names)")
	queryCmd.Flags().IntVar(&start, "start", 0, "Index of the first result")
	queryCmd.Flags().IntVar(&size, "size", -1, "Number of results (-1 for all)")

	rootCmd.AddCommand(pingCmd, queryCmd, countCmd, watchCmd, createCmd, updateCmd,
		removeCmd, lookupCmd, sortFieldsCmd, sourcesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func withClient(run func(ctx context.Context, cmd *cobra.Command, c *sdk.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		target := addr
		if target == "" {
			target = os.Getenv("CELERIX_ADDRESSBOOK_ADDR")
		}
		if target == "" {
			target = "localhost:7001"
		}
		client, err := sdk.ConnectWith(target, sdk.ClientOptions{TLS: !noTLS, Timeout: timeout})
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", target, err)
		}
		defer client.Close()
		return run(cmd.Context(), cmd, client, args)
	}
}

func request(args []string) schema.QueryRequest {
	req := schema.QueryRequest{Sort: sortBy, Max: maxHits, Sources: sourceIDs}
	if len(args) > 0 {
		req.Filter = args[0]
	}
	return req
}

func open(ctx context.Context, cmd *cobra.Command, c *sdk.Client, args []string) (sdk.View, error) {
	v, err := c.Query(ctx, request(args))
	if err != nil {
		return nil, err
	}
	info := v.Info()
	if info.Warning != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", info.Warning)
	}
	if len(info.RejectedSort) > 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "ignored sort fields:", strings.Join(info.RejectedSort, ", "))
	}
	return v, nil
}

func readInput(args []string) (string, error) {
	var data []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	return string(data), err
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

func runPing(ctx context.Context, cmd *cobra.Command, c *sdk.Client, _ []string) error {
	if err := c.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "PONG")
	return nil
}

func runQuery(ctx context.Context, cmd *cobra.Command, c *sdk.Client, args []string) error {
	v, err := open(ctx, cmd, c, args)
	if err != nil {
		return err
	}
	defer v.Close()
	cards, err := v.Fetch(ctx, fields, start, size)
	if err != nil {
		return err
	}
	for _, card := range cards {
		fmt.Fprint(cmd.OutOrStdout(), card)
	}
	return nil
}

func runCount(ctx context.Context, cmd *cobra.Command, c *sdk.Client, args []string) error {
	v, err := open(ctx, cmd, c, args)
	if err != nil {
		return err
	}
	defer v.Close()
	n, err := v.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func runWatch(ctx context.Context, cmd *cobra.Command, c *sdk.Client, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	v, err := open(ctx, cmd, c, args)
	if err != nil {
		return err
	}
	defer v.Close()
	n, err := v.Count(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, n)
	if err := v.Watch(ctx, func(count int) { fmt.Fprintln(out, count) }); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func runCreate(ctx context.Context, cmd *cobra.Command, c *sdk.Client, args []string) error {
	text, err := readInput(args)
	if err != nil {
		return err
	}
	id, err := c.CreateContact(ctx, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

// runUpdate accepts several cards in one input and reports each outcome.
func runUpdate(ctx context.Context, cmd *cobra.Command, c *sdk.Client, args []string) error {
	text, err := readInput(args)
	if err != nil {
		return err
	}
	contacts, err := vcard.DecodeAll(text)
	if err != nil {
		return err
	}
	results, err := sdk.Update(ctx, c, contacts...)
	if err != nil {
		return err
	}
	for i, res := range results {
		status := "updated"
		if !strings.HasPrefix(res, "BEGIN:VCARD") {
			status = res
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", contacts[i].ID, status)
	}
	return nil
}

func runRemove(ctx context.Context, cmd *cobra.Command, c *sdk.Client, args []string) error {
	n, err := c.RemoveContacts(ctx, args)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d of %d contacts\n", n, len(args))
	return nil
}

func runLookup(ctx context.Context, cmd *cobra.Command, c *sdk.Client, args []string) error {
	text, err := readInput(args)
	if err != nil {
		return err
	}
	id, err := c.LookupByVCard(ctx, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runSortFields(ctx context.Context, cmd *cobra.Command, c *sdk.Client, _ []string) error {
	list, err := c.SortFields(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(list, "\n"))
	return nil
}

func runSources(ctx context.Context, cmd *cobra.Command, c *sdk.Client, _ []string) error {
	list, err := c.Sources(ctx)
	if err != nil {
		return err
	}
	printJSON(cmd.OutOrStdout(), list)
	return nil
}
