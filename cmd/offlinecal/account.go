package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/macjediwizard/offlinecal/internal/caldav"
	"github.com/macjediwizard/offlinecal/internal/config"
	"github.com/macjediwizard/offlinecal/internal/validator"
)

const connectionCheckTimeout = 30 * time.Second

var (
	accountName      string
	accountURL       string
	accountUser      string
	accountLocalOnly bool
	accountInterval  int
	accountCheck     bool
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an account",
	Long: `Add a CalDAV account, or a local-only one with --local.

The password is read from the terminal and stored encrypted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		seed := config.AccountSeed{
			Name:      accountName,
			ServerURL: accountURL,
			Username:  accountUser,
			LocalOnly: accountLocalOnly,
			Interval:  accountInterval,
		}
		if !seed.LocalOnly {
			if err := validator.New().ValidateURL(seed.ServerURL, app.cfg.IsProduction()); err != nil {
				return err
			}
			if accountInterval != 0 && accountInterval < 30 {
				return fmt.Errorf("interval must be at least 30 seconds")
			}
			fmt.Print("Password: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			fmt.Println()
			seed.Password = string(password)

			if accountCheck {
				if err := checkConnection(cmd.Context(), seed); err != nil {
					return err
				}
				fmt.Println("Connection OK")
			}
		}

		acc, err := app.newAccount(seed)
		if err != nil {
			return err
		}
		if err := app.db.CreateAccount(cmd.Context(), acc); err != nil {
			return err
		}
		fmt.Printf("Created account %s (%s)\n", acc.Name, acc.ID)
		if !acc.LocalOnly {
			fmt.Printf("Run `offlinecal discover --account %s` to fetch its calendars.\n", acc.ID)
		}
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		accounts, err := app.db.ListAccounts(cmd.Context(), false)
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Println("No accounts")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tName\tServer\tInterval\tEnabled\t\n")
		for _, acc := range accounts {
			server := acc.ServerURL
			if acc.LocalOnly {
				server = "(local)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%ds\t%v\t\n", acc.ID, acc.Name, server, acc.SyncInterval, acc.Enabled)
		}
		return w.Flush()
	},
}

func init() {
	accountAddCmd.Flags().StringVar(&accountName, "name", "", "account name")
	accountAddCmd.Flags().StringVar(&accountURL, "url", "", "CalDAV server URL")
	accountAddCmd.Flags().StringVar(&accountUser, "user", "", "username")
	accountAddCmd.Flags().BoolVar(&accountLocalOnly, "local", false, "create a local-only account")
	accountAddCmd.Flags().IntVar(&accountInterval, "interval", 0, "sync interval in seconds (default: SYNC_INTERVAL)")
	accountAddCmd.Flags().BoolVar(&accountCheck, "check", true, "verify the server before saving")
	_ = accountAddCmd.MarkFlagRequired("name") //nolint:errcheck // flag defined above

	accountCmd.AddCommand(accountAddCmd, accountListCmd)
	rootCmd.AddCommand(accountCmd)
}

// checkConnection probes the server and the credentials.
func checkConnection(ctx context.Context, seed config.AccountSeed) error {
	ctx, cancel := context.WithTimeout(ctx, connectionCheckTimeout)
	defer cancel()

	var opts []validator.Option
	if app.cfg.IsDevelopment() {
		opts = append(opts, validator.WithAllowPrivateIPs())
	}
	if err := validator.New(opts...).ValidateServer(ctx, seed.ServerURL, app.cfg.IsProduction()); err != nil {
		return err
	}
	client, err := caldav.NewClient(caldav.ClientConfig{
		ServerURL: seed.ServerURL,
		Username:  seed.Username,
		Password:  seed.Password,
		Logger:    app.logger,
	})
	if err != nil {
		return err
	}
	return client.TestConnection(ctx)
}
