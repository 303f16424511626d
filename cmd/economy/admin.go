package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"mining_economy/internal/api"
	"mining_economy/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(assetsCmd)
	rootCmd.AddCommand(purchaseCmd)
	rootCmd.AddCommand(economyCmd)

	accountCmd.AddCommand(accountCreateCmd)
	assetsCmd.AddCommand(assetsAddCmd)
	economyCmd.AddCommand(economySetCmd)

	tokenCmd.Flags().String("role", string(api.RolePlayer), "Token role: player or admin")

	accountCreateCmd.Flags().String("risk", "0", "Account risk score")
	accountCreateCmd.Flags().String("balance", "0", "Opening balance")

	assetsAddCmd.Flags().String("id", "", "Asset id (generated when empty)")
	assetsAddCmd.Flags().String("type", string(domain.AssetWorker), "worker or investor")
	assetsAddCmd.Flags().String("price", "0", "Purchase price")
	assetsAddCmd.Flags().String("rate", "0", "Hourly rate (worker) or monthly rate (investor)")
	assetsAddCmd.Flags().Int("stock", 0, "Units available")

	economySetCmd.Flags().String("demand", "", "Market demand index")
	economySetCmd.Flags().String("season", "", "Season modifier")
	economySetCmd.Flags().String("inflation", "", "Inflation rate (informational)")
}

func newClient() (*api.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg.Client.BaseURL, cfg.Client.Token, nil, setupClientLogger(cfg.Log.Level)), nil
}

// ─── token ──────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token SUBJECT",
	Short: "Issue a bearer token signed with the configured JWT secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration)
		tok, err := auth.IssueToken(args[0], api.Role(role))
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, tok)
		return nil
	},
}

// ─── account ────────────────────────────────────────────────────────────────

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts (admin)",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create ID",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		risk, err := decimalFlag(cmd, "risk")
		if err != nil {
			return err
		}
		balance, err := decimalFlag(cmd, "balance")
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		acc, err := c.CreateAccount(cmd.Context(), api.CreateAccountRequest{ID: args[0], RiskScore: risk, Balance: balance})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Created account %s (balance %s)\n", acc.ID, acc.Balance)
		return nil
	},
}

// ─── assets ─────────────────────────────────────────────────────────────────

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "List the asset catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		assets, err := c.ListAssets(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tPRICE\tRATE\tSTOCK")
		for _, a := range assets {
			rate := a.BaseRate.String() + "/h"
			if a.Type == domain.AssetInvestor {
				rate = a.MonthlyRate.String() + "/mo"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", a.ID, a.Name, a.Type, a.Price, rate, a.Stock)
		}
		return w.Flush()
	},
}

var assetsAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add or update a catalog asset (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		typ, _ := cmd.Flags().GetString("type")
		stock, _ := cmd.Flags().GetInt("stock")
		price, err := decimalFlag(cmd, "price")
		if err != nil {
			return err
		}
		rate, err := decimalFlag(cmd, "rate")
		if err != nil {
			return err
		}

		asset := &domain.Asset{ID: id, Name: args[0], Type: domain.AssetType(typ), Price: price, Stock: stock}
		if asset.Type == domain.AssetInvestor {
			asset.MonthlyRate = rate
		} else {
			asset.BaseRate = rate
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.SaveAsset(cmd.Context(), asset); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Saved asset %s\n", asset.ID)
		return nil
	},
}

// ─── purchase ───────────────────────────────────────────────────────────────

var purchaseCmd = &cobra.Command{
	Use:   "purchase ASSET_ID",
	Short: "Buy an asset for the account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := requireAccount()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.PurchaseAsset(cmd.Context(), id, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Purchased %s (holding %s)\n", h.AssetID, h.ID)
		return nil
	},
}

// ─── economy ────────────────────────────────────────────────────────────────

var economyCmd = &cobra.Command{
	Use:   "economy",
	Short: "Show the shared economy state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		state, err := c.Economy(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Market demand: %s\nSeason:        %s\nInflation:     %s\n",
			state.MarketDemandIndex, state.SeasonModifier, state.InflationRate)
		return nil
	},
}

var economySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update economy parameters (admin); unset flags keep their value",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		state, err := c.Economy(cmd.Context())
		if err != nil {
			return err
		}

		for flag, dst := range map[string]*decimal.Decimal{
			"demand":    &state.MarketDemandIndex,
			"season":    &state.SeasonModifier,
			"inflation": &state.InflationRate,
		} {
			if !cmd.Flags().Changed(flag) {
				continue
			}
			v, err := decimalFlag(cmd, flag)
			if err != nil {
				return err
			}
			*dst = v
		}

		if err := c.UpdateEconomy(cmd.Context(), state); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "Economy updated.")
		return nil
	},
}

func decimalFlag(cmd *cobra.Command, name string) (decimal.Decimal, error) {
	raw, _ := cmd.Flags().GetString(name)
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %w", name, err)
	}
	return v, nil
}
