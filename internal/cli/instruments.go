package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	apperrors "angel-fanout/internal/errors"
	"angel-fanout/internal/instruments"
	"angel-fanout/internal/models"
	"angel-fanout/pkg/utils"
)

// addInstrumentCommands adds instrument master lookups.
func addInstrumentCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newTokenCmd(app))
	rootCmd.AddCommand(newInstrumentsCmd(app))
}

func parseSegment(s string) (models.Segment, error) {
	seg, ok := models.ParseSegment(s)
	if !ok {
		return "", apperrors.NewValidationError(apperrors.ErrInvalidQuery, "segment", s, "must be cash, future or option")
	}
	return seg, nil
}

// buildQuery maps the token command's flags onto a catalog query.
func buildQuery(name, segment, instrumentType, optionType string, strike float64) (instruments.Query, error) {
	seg, err := parseSegment(segment)
	if err != nil {
		return instruments.Query{}, err
	}

	q := instruments.Query{Name: strings.ToUpper(strings.TrimSpace(name))}
	itype := models.InstrumentType(strings.ToUpper(instrumentType))
	switch seg {
	case models.SegmentEquity:
		q.Exchange = models.NSE
	case models.SegmentFuture:
		q.Exchange = models.NFO
		q.InstrumentType = itype
		if q.InstrumentType == "" {
			q.InstrumentType = models.InstrumentFutStk
		}
	case models.SegmentOption:
		q.Exchange = models.NFO
		q.InstrumentType = itype
		if q.InstrumentType == "" {
			q.InstrumentType = models.InstrumentOptStk
		}
		q.Strike = strike
		q.OptionType = models.OptionType(strings.ToUpper(optionType))
	}
	return q, nil
}

func newTokenCmd(app *App) *cobra.Command {
	var (
		segment        string
		instrumentType string
		optionType     string
		strike         float64
	)

	cmd := &cobra.Command{
		Use:   "token <name>",
		Short: "Look up exchange tokens in the instrument master",
		Long: `Look up exchange tokens in the instrument master.

Cash lookups match the NSE row by name. Futures and options match NFO rows
by name and instrument type, ordered by nearest expiry. Options also match
the strike and CE/PE type.`,
		Example: `  fanout token SBIN
  fanout token NIFTY --segment future --instrument FUTIDX
  fanout token NIFTY --segment option --instrument OPTIDX --strike 22000 --type CE`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			q, err := buildQuery(args[0], segment, instrumentType, optionType, strike)
			if err != nil {
				return err
			}

			catalog, err := app.Catalog(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := catalog.Lookup(cmd.Context(), q)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(rows)
			}
			if len(rows) == 0 {
				output.Warning("No instruments match %s", q.Name)
				return nil
			}
			printInstruments(output, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&segment, "segment", "cash", "segment: cash, future or option")
	cmd.Flags().StringVar(&instrumentType, "instrument", "", "instrument type (FUTSTK, FUTIDX, OPTSTK, OPTIDX)")
	cmd.Flags().StringVar(&optionType, "type", "CE", "option type: CE or PE")
	cmd.Flags().Float64Var(&strike, "strike", 0, "option strike price")

	return cmd
}

func printInstruments(output *Output, rows []models.InstrumentRow) {
	table := NewTable(output, "TOKEN", "SYMBOL", "EXCHANGE", "TYPE", "EXPIRY", "STRIKE", "LOT")
	for _, r := range rows {
		expiry, strike := "", ""
		if !r.Expiry.IsZero() {
			expiry = utils.FormatDate(r.Expiry)
		}
		if r.InstrumentType.IsOption() {
			strike = strconv.FormatFloat(r.NominalStrike(), 'f', -1, 64)
		}
		table.AddRow(r.Token, r.TradingSymbol, string(r.Exchange), string(r.InstrumentType), expiry, strike, strconv.Itoa(r.LotSize))
	}
	table.Render()
}

func newInstrumentsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instruments",
		Short: "Instrument master maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Fetch the instrument master now",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			catalog, err := app.Catalog(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := catalog.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"rows":       len(snap.Rows),
					"version":    snap.Version,
					"fetched_at": snap.FetchedAt,
				})
			}
			output.Success("✓ %d instruments loaded at %s", len(snap.Rows), utils.FormatDateTime(snap.FetchedAt))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "names",
		Short: "List instrument names",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := app.Catalog(cmd.Context())
			if err != nil {
				return err
			}
			names, err := catalog.Names(cmd.Context())
			if err != nil {
				return err
			}
			return printList(NewOutput(cmd), names)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "types",
		Short: "List instrument types",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := app.Catalog(cmd.Context())
			if err != nil {
				return err
			}
			types, err := catalog.InstrumentTypes(cmd.Context())
			if err != nil {
				return err
			}
			return printList(NewOutput(cmd), types)
		},
	})

	return cmd
}

func printList(output *Output, items []string) error {
	if output.IsJSON() {
		return output.JSON(items)
	}
	for _, item := range items {
		output.Println(item)
	}
	return nil
}
