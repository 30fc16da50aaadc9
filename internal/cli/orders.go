package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/buildtall-systems/storefront/internal/config"
	"github.com/buildtall-systems/storefront/internal/db"
	"github.com/buildtall-systems/storefront/internal/fsm"
)

func newOrdersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect and repair orders",
	}
	cmd.AddCommand(newOrdersListCmd())
	cmd.AddCommand(newOrdersShowCmd())
	cmd.AddCommand(newOrdersCreateCmd())
	cmd.AddCommand(newOrdersRetryCmd())
	cmd.AddCommand(newOrdersReconcileCmd())
	return cmd
}

// withStore loads config and opens the database for the duration of fn.
func withStore(fn func(cfg *config.Config, store *db.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(cfg, store)
}

func newOrdersListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			format, _ := cmd.Flags().GetString("output")

			if status != "" && !fsm.Status(status).Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			return withStore(func(_ *config.Config, store *db.DB) error {
				orders, err := store.ListOrders(cmd.Context(), db.ListFilter{Status: fsm.Status(status), Limit: limit})
				if err != nil {
					return err
				}
				return printOrders(cmd.OutOrStdout(), format, orders)
			})
		},
	}
	cmd.Flags().String("status", "", "filter by status")
	cmd.Flags().Int("limit", 50, "maximum orders to list")
	cmd.Flags().StringP("output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func newOrdersShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show one order with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")
			return withStore(func(_ *config.Config, store *db.DB) error {
				order, err := store.GetOrder(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				return printOrder(cmd.OutOrStdout(), format, order)
			})
		},
	}
	cmd.Flags().StringP("output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func newOrdersCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending order (local stand-in for the checkout flow)",
		Example: `  storefront orders create --email ada@example.com --item 4011:2 --item tee-black-m:1:"Black tee" \
    --subtotal 2500 --shipping 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			email, _ := cmd.Flags().GetString("email")
			rawItems, _ := cmd.Flags().GetStringArray("item")
			subtotal, _ := cmd.Flags().GetInt64("subtotal")
			shipping, _ := cmd.Flags().GetInt64("shipping")

			items, err := parseItems(rawItems)
			if err != nil {
				return err
			}
			if id == "" {
				id = "ord_" + uuid.NewString()
			}

			return withStore(func(_ *config.Config, store *db.DB) error {
				order, err := store.CreateOrder(cmd.Context(), db.NewOrder{
					ID:       id,
					Email:    email,
					Items:    items,
					Subtotal: subtotal,
					Shipping: shipping,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), order.ID)
				return nil
			})
		},
	}
	cmd.Flags().String("id", "", "order id (default ord_<uuid>)")
	cmd.Flags().String("email", "", "customer email")
	cmd.Flags().StringArray("item", nil, "line item as VARIANT:QTY[:NAME] (repeatable)")
	cmd.Flags().Int64("subtotal", 0, "subtotal in minor units")
	cmd.Flags().Int64("shipping", 0, "shipping in minor units")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func newOrdersRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <order-id>",
		Short: "Resubmit an order that failed fulfillment",
		Long: `Resubmit an order in error to the fulfillment provider. Only transient
failures are retried unless --force is given. The provider is checked first so
an order it already holds is recorded instead of created twice.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return withStore(func(cfg *config.Config, store *db.DB) error {
				rec, closeAlerts, err := newReconciler(cfg, store, slog.Default())
				if err != nil {
					return err
				}
				defer closeAlerts()

				outcome, err := rec.Retry(cmd.Context(), args[0], force)
				if err != nil {
					return err
				}
				order, err := store.GetOrder(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", order.ID, outcome, describeFulfillment(order))
				return nil
			})
		},
	}
	cmd.Flags().Bool("force", false, "retry permanent failures too")
	return cmd
}

func newOrdersReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle orders stuck in processing",
		Long: `Find orders that have been in processing for longer than --older-than and
look each one up at the fulfillment provider. Orders the provider holds are
marked fulfilled; the rest are marked as a transient error for retry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			return withStore(func(cfg *config.Config, store *db.DB) error {
				rec, closeAlerts, err := newReconciler(cfg, store, slog.Default())
				if err != nil {
					return err
				}
				defer closeAlerts()

				results, err := rec.ResolveStuck(cmd.Context(), olderThan)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(results) == 0 {
					fmt.Fprintln(out, "no stuck orders")
					return nil
				}
				var failed int
				for _, r := range results {
					if r.Err != nil {
						failed++
						fmt.Fprintf(out, "%s: unresolved: %v\n", r.OrderID, r.Err)
						continue
					}
					fmt.Fprintf(out, "%s: %s\n", r.OrderID, r.Outcome)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d stuck orders left unresolved", failed, len(results))
				}
				return nil
			})
		},
	}
	cmd.Flags().Duration("older-than", 10*time.Minute, "minimum time in processing")
	return cmd
}

// parseItems parses VARIANT:QTY[:NAME] flag values.
func parseItems(raw []string) ([]db.OrderItem, error) {
	items := make([]db.OrderItem, 0, len(raw))
	for _, v := range raw {
		parts := strings.SplitN(v, ":", 3)
		if len(parts) < 2 || parts[0] == "" {
			return nil, fmt.Errorf("item %q: expected VARIANT:QTY[:NAME]", v)
		}
		qty, err := strconv.Atoi(parts[1])
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("item %q: quantity must be a positive integer", v)
		}
		it := db.OrderItem{VariantID: parts[0], Quantity: qty}
		if len(parts) == 3 {
			it.Name = parts[2]
		}
		items = append(items, it)
	}
	return items, nil
}

// formatMoney renders integer minor units as a fixed two-decimal amount.
func formatMoney(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

func describeFulfillment(o *db.Order) string {
	switch {
	case o.FulfillmentOrderID != "":
		return "provider order " + o.FulfillmentOrderID
	case o.FulfillmentStatus != "":
		return o.FulfillmentStatus
	default:
		return "-"
	}
}

func printOrders(w io.Writer, format string, orders []db.Order) error {
	switch format {
	case "json":
		return writeJSON(w, orders)
	case "yaml":
		return writeYAML(w, orders)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tEMAIL\tTOTAL\tFULFILLMENT\tUPDATED")
	for i := range orders {
		o := &orders[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.Status, o.Email, formatMoney(o.Total), describeFulfillment(o),
			o.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func printOrder(w io.Writer, format string, o *db.Order) error {
	switch format {
	case "json":
		return writeJSON(w, o)
	case "yaml":
		return writeYAML(w, o)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", o.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", o.Status)
	fmt.Fprintf(tw, "Email:\t%s\n", o.Email)
	fmt.Fprintf(tw, "Subtotal:\t%s\n", formatMoney(o.Subtotal))
	fmt.Fprintf(tw, "Shipping:\t%s\n", formatMoney(o.Shipping))
	fmt.Fprintf(tw, "Total:\t%s\n", formatMoney(o.Total))
	if o.CheckoutSessionID != "" {
		fmt.Fprintf(tw, "Session:\t%s\n", o.CheckoutSessionID)
	}
	if r := o.Recipient; r != nil {
		fmt.Fprintf(tw, "Ship to:\t%s, %s, %s %s, %s\n", r.Name, r.Line1, r.City, r.PostalCode, r.Country)
	}
	fmt.Fprintf(tw, "Fulfillment:\t%s\n", describeFulfillment(o))
	fmt.Fprintf(tw, "Created:\t%s\n", o.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "Updated:\t%s\n", o.UpdatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintln(tw, "Items:")
	for _, it := range o.Items {
		fmt.Fprintf(tw, "  %s\tx%d\t%s\n", it.VariantID, it.Quantity, it.Name)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
