package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"angel-fanout/internal/dispatch"
	"angel-fanout/internal/models"
	"angel-fanout/internal/store"
	"angel-fanout/pkg/utils"
)

// addOrderCommands adds order placement and history commands.
func addOrderCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOrderCmd(app, models.OrderSideBuy))
	rootCmd.AddCommand(newOrderCmd(app, models.OrderSideSell))
	rootCmd.AddCommand(newHistoryCmd(app))
}

func newOrderCmd(app *App, side models.OrderSide) *cobra.Command {
	var (
		limit    bool
		price    float64
		trigger  float64
		exchange string
		segment  string
		product  string
		variety  string
	)

	verb := strings.ToLower(string(side))
	cmd := &cobra.Command{
		Use:   verb + " <symbol> <token> <quantity>",
		Short: fmt.Sprintf("Place a %s order on every ready account", verb),
		Long: fmt.Sprintf(`Place a %s order on every ready account.

Each account is tried up to the configured number of attempts with a fixed
pause between them. Accounts whose login failed are reported as skipped.
The command only fails when the order itself is invalid.`, verb),
		Example: fmt.Sprintf(`  fanout %s SBIN-EQ 3045 10
  fanout %s NIFTY28MAR2422000CE 43210 50 --segment option --limit --price 120 --trigger 119.5`, verb, verb),
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			qty, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid quantity %q: %w", args[2], err)
			}
			seg, err := parseSegment(segment)
			if err != nil {
				return err
			}

			req := models.OrderRequest{
				Symbol:        args[0],
				ExchangeToken: args[1],
				Exchange:      models.Exchange(strings.ToUpper(exchange)),
				Segment:       seg,
				Side:          side,
				Kind:          models.OrderKindMarket,
				Quantity:      qty,
				Variety:       models.Variety(strings.ToUpper(variety)),
				Product:       models.ProductType(strings.ToUpper(product)),
			}
			if limit {
				req.Kind = models.OrderKindLimit
				req.Price = price
				req.TriggerPrice = trigger
			}
			// Reject bad input before any account logs in.
			if _, err := dispatch.Normalize(req); err != nil {
				return err
			}

			if now := time.Now(); utils.SessionAt(now) != utils.SessionOpen {
				app.Logger.Warn().
					Str("session", string(utils.SessionAt(now))).
					Time("next_open", utils.NextMarketOpen(now)).
					Msg("Market is not open, the broker may reject or queue this order")
			}

			d, err := app.Dispatcher(cmd.Context())
			if err != nil {
				return err
			}
			report, err := d.Dispatch(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printReport(output, report)
		},
	}

	cmd.Flags().BoolVar(&limit, "limit", false, "place a LIMIT order instead of MARKET")
	cmd.Flags().Float64Var(&price, "price", 0, "limit price")
	cmd.Flags().Float64Var(&trigger, "trigger", 0, "trigger price")
	cmd.Flags().StringVar(&exchange, "exchange", "", "exchange (NSE, BSE, NFO, MCX; default from segment)")
	cmd.Flags().StringVar(&segment, "segment", "cash", "segment: cash, future or option")
	cmd.Flags().StringVar(&product, "product", string(models.ProductCarryForward), "product type")
	cmd.Flags().StringVar(&variety, "variety", string(models.VarietyNormal), "order variety")

	return cmd
}

func printReport(output *Output, report *dispatch.Report) error {
	summary := report.Summary()
	if output.IsJSON() {
		return output.JSON(struct {
			*dispatch.Report
			Summary dispatch.Summary `json:"summary"`
		}{report, summary})
	}

	req := report.Request
	output.Bold("%s %d x %s (%s) %s", req.Side, req.Quantity, req.Symbol, req.Exchange, req.Kind)
	output.Dim("Dispatch %s", report.ID)
	output.Println()

	table := NewTable(output, "ACCOUNT", "STATUS", "ORDER ID", "ATTEMPTS", "TIME", "DETAIL")
	for _, o := range report.Outcomes {
		detail := o.Reason
		if o.Error != "" {
			if detail != "" {
				detail += ": "
			}
			detail += o.Error
		}
		table.AddRow(o.AccountID, output.OutcomeStatus(o.Status), o.BrokerOrderID,
			strconv.Itoa(o.Attempts), utils.FormatDuration(o.Duration), utils.TruncateString(detail, 60))
	}
	table.Render()
	output.Println()

	line := fmt.Sprintf("%d succeeded, %d failed, %d skipped in %s",
		summary.Succeeded, summary.Failed, summary.Skipped, utils.FormatDuration(report.Duration()))
	switch {
	case report.TimedOut:
		output.Warning("%s (timed out)", line)
	case summary.Failed > 0:
		output.Warning("%s", line)
	default:
		output.Success("%s", line)
	}
	return nil
}

func newHistoryCmd(app *App) *cobra.Command {
	var (
		limit     int
		symbol    string
		accountID string
		side      string
		days      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled dispatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Store == nil {
				return fmt.Errorf("history unavailable: store not initialized")
			}

			filter := store.ReportFilter{
				Symbol:    strings.ToUpper(symbol),
				AccountID: accountID,
				Side:      strings.ToUpper(side),
				Limit:     limit,
			}
			if days > 0 {
				filter.StartDate = time.Now().AddDate(0, 0, -days)
			}

			reports, err := app.Store.ListReports(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(reports)
			}
			if len(reports) == 0 {
				output.Dim("No dispatches found")
				return nil
			}

			table := NewTable(output, "TIME", "ID", "SIDE", "SYMBOL", "QTY", "OK", "FAILED", "SKIPPED")
			for i := range reports {
				r := &reports[i]
				s := r.Summary()
				failed := strconv.Itoa(s.Failed)
				if s.Failed > 0 {
					failed = output.Red(failed)
				}
				table.AddRow(utils.FormatDateTime(r.StartedAt), shortID(r.ID), string(r.Request.Side), r.Request.Symbol,
					strconv.Itoa(r.Request.Quantity), output.Green(strconv.Itoa(s.Succeeded)), failed, strconv.Itoa(s.Skipped))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of dispatches")
	cmd.Flags().StringVar(&symbol, "symbol", "", "filter by trading symbol")
	cmd.Flags().StringVar(&accountID, "account", "", "filter by account")
	cmd.Flags().StringVar(&side, "side", "", "filter by side (BUY or SELL)")
	cmd.Flags().IntVar(&days, "days", 0, "only the last N days")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <dispatch-id>",
		Short: "Show one journaled dispatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Store == nil {
				return fmt.Errorf("history unavailable: store not initialized")
			}
			report, err := app.Store.GetReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printReport(output, report)
		},
	})

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
