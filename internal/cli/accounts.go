package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"angel-fanout/internal/account"
	"angel-fanout/internal/models"
	"angel-fanout/internal/security"
	"angel-fanout/pkg/utils"
)

// addAccountCommands adds commands that read account state.
func addAccountCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newAccountsCmd(app))
	rootCmd.AddCommand(newPnLCmd(app))
	rootCmd.AddCommand(newHoldingsCmd(app))
	rootCmd.AddCommand(newSizeCmd(app))
	rootCmd.AddCommand(newRefreshCmd(app))
}

type accountView struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	Capital   float64 `json:"capital"`
	Holdings  int     `json:"holdings"`
	Positions int     `json:"positions"`
	Error     string  `json:"error,omitempty"`
}

func viewAccount(s *account.Session) accountView {
	v := accountView{
		ID:        s.ID(),
		Status:    s.Status().String(),
		Capital:   s.Capital(),
		Holdings:  len(s.Holdings()),
		Positions: len(s.Positions()),
	}
	if err := s.LastError(); err != nil {
		v.Error = security.MaskSensitive(err.Error())
	}
	return v
}

func newAccountsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "Log in every account and show session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			pool, err := app.Pool(cmd.Context())
			if err != nil {
				return err
			}

			views := make([]accountView, 0, pool.Len())
			for _, s := range pool.Sessions() {
				views = append(views, viewAccount(s))
			}
			if output.IsJSON() {
				return output.JSON(views)
			}

			table := NewTable(output, "ACCOUNT", "STATUS", "CAPITAL", "HOLDINGS", "POSITIONS", "ERROR")
			for i, s := range pool.Sessions() {
				v := views[i]
				table.AddRow(v.ID, output.SessionStatus(s.Status()), utils.FormatIndianCurrency(v.Capital),
					strconv.Itoa(v.Holdings), strconv.Itoa(v.Positions), utils.TruncateString(v.Error, 60))
			}
			table.Render()
			output.Println()
			output.Dim("%d of %d accounts ready", len(pool.Ready()), pool.Len())
			return nil
		},
	}
}

type pnlView struct {
	ID        string            `json:"id"`
	Positions []models.Position `json:"positions"`
	PnL       float64           `json:"pnl"`
}

func newPnLCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "pnl",
		Short: "Show positions and P&L per account",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			pool, err := app.Pool(cmd.Context())
			if err != nil {
				return err
			}

			var views []pnlView
			var total float64
			for _, s := range pool.Ready() {
				v := pnlView{ID: s.ID(), Positions: s.Positions()}
				for _, p := range v.Positions {
					v.PnL += p.PnL
				}
				total += v.PnL
				views = append(views, v)
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"accounts": views, "total_pnl": total})
			}

			table := NewTable(output, "ACCOUNT", "SYMBOL", "EXCHANGE", "PRODUCT", "NET QTY", "P&L")
			for _, v := range views {
				if len(v.Positions) == 0 {
					table.AddRow(v.ID, output.DimText("no positions"), "", "", "", "")
					continue
				}
				for _, p := range v.Positions {
					table.AddRow(v.ID, p.TradingSymbol, string(p.Exchange), string(p.ProductType),
						strconv.Itoa(p.NetQuantity), output.FormatPnL(p.PnL))
				}
			}
			table.Render()
			output.Println()
			output.Printf("Total P&L: %s\n", output.FormatPnL(total))
			return nil
		},
	}
}

func newHoldingsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "holdings <symbol>",
		Short: "Show the held quantity of a symbol per account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol := strings.ToUpper(strings.TrimSpace(args[0]))
			if err := security.ValidateSymbol(symbol); err != nil {
				return err
			}
			pool, err := app.Pool(cmd.Context())
			if err != nil {
				return err
			}

			quantities := make(map[string]int)
			table := NewTable(output, "ACCOUNT", "STATUS", "QUANTITY")
			for _, s := range pool.Sessions() {
				qty := s.HoldingQuantity(symbol)
				quantities[s.ID()] = qty
				table.AddRow(s.ID(), output.SessionStatus(s.Status()), utils.FormatQuantity(int64(qty)))
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"symbol": symbol, "quantities": quantities})
			}
			output.Bold("Holdings of %s", symbol)
			table.Render()
			return nil
		},
	}
}

func newSizeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "size <price>",
		Short: "Show the order quantity each account would buy at a price",
		Long:  "Quantity is a tenth of the account capital divided by the price, rounded down.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			price, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid price %q: %w", args[0], err)
			}
			pool, err := app.Pool(cmd.Context())
			if err != nil {
				return err
			}

			sizes := make(map[string]int)
			table := NewTable(output, "ACCOUNT", "CAPITAL", "QUANTITY")
			for _, s := range pool.Sessions() {
				qty, err := s.ComputeQuantity(price)
				if err != nil {
					return err
				}
				sizes[s.ID()] = qty
				table.AddRow(s.ID(), utils.FormatIndianCurrency(s.Capital()), utils.FormatQuantity(int64(qty)))
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"price": price, "quantities": sizes})
			}
			output.Bold("Order size at %s", utils.FormatIndianCurrency(price))
			table.Render()
			return nil
		},
	}
}

func newRefreshCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-authenticate every account",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			pool, err := app.Pool(cmd.Context())
			if err != nil {
				return err
			}

			results := pool.RefreshAll(cmd.Context())
			app.updateSessionHealth()
			if output.IsJSON() {
				return output.JSON(results)
			}

			for _, s := range pool.Sessions() {
				if results[s.ID()] {
					output.Success("✓ %s refreshed", s.ID())
				} else {
					output.Error("✗ %s refresh failed (status %s)", s.ID(), s.Status())
				}
			}
			return nil
		},
	}
}
