package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ggoodman/access-relay-go/capability"
	"github.com/spf13/cobra"
)

var errEphemeralStore = errors.New("this command needs a shared store; use --store redis or --store postgres")

// withRegistry opens the store named by cfg for one administrative
// command. The in-memory store is refused since its state would vanish
// with the process.
func withRegistry(cmd *cobra.Command, cfg *Config, fn func(ctx context.Context, reg *capability.Registry) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Store == backendMemory {
		return errEphemeralStore
	}
	ctx := cmd.Context()
	reg, closer, err := openRegistry(ctx, *cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer closer.Close()
	return fn(ctx, reg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newProvisionCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create accounts and clients and print their tokens",
	}
	cmd.AddCommand(newProvisionAccountCommand(cfg), newProvisionClientCommand(cfg))
	bindBackendFlags(cmd.PersistentFlags(), cfg)
	return cmd
}

type provisionedAccount struct {
	AccountID   string `json:"account_id"`
	Email       string `json:"email"`
	AccessToken string `json:"access_token"`
	Created     bool   `json:"created"`
}

func newProvisionAccountCommand(cfg *Config) *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Find or create an account and print its main access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, cfg, func(ctx context.Context, reg *capability.Registry) error {
				out, err := provisionAccount(ctx, reg, email, name)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (required)")
	cmd.Flags().StringVar(&name, "name", "", "full name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// provisionAccount finds the account by email or creates it as verified,
// then ensures its main access.
func provisionAccount(ctx context.Context, reg *capability.Registry, email, name string) (*provisionedAccount, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	out := &provisionedAccount{}
	account, err := reg.Store().FindAccountByEmail(ctx, email)
	switch {
	case errors.Is(err, capability.ErrNotFound):
		verified := reg.Now()
		account = &capability.Account{Email: email, FullName: strings.TrimSpace(name), EmailVerified: &verified}
		if err := reg.CreateAccount(ctx, account); err != nil {
			return nil, err
		}
		out.Created = true
	case err != nil:
		return nil, err
	}
	access, _, err := reg.EnsureAccess(ctx, account.ID, "")
	if err != nil {
		return nil, err
	}
	out.AccountID = account.ID
	out.Email = account.Email
	out.AccessToken = access.Token
	return out, nil
}

type provisionedClient struct {
	ClientID    string `json:"client_id"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	AccessToken string `json:"access_token"`
	Created     bool   `json:"created"`
}

func newProvisionClientCommand(cfg *Config) *cobra.Command {
	var name, symbol, ownerEmail string
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Find or create a client and print its client-only bootstrap token",
		Long: `Find or create a client and print its client-only bootstrap token.

Without --owner-email the client is a system client owned by no account.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, cfg, func(ctx context.Context, reg *capability.Registry) error {
				out, err := provisionClient(ctx, reg, name, symbol, ownerEmail)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "client name (required)")
	cmd.Flags().StringVar(&symbol, "symbol", "", "unique client symbol")
	cmd.Flags().StringVar(&ownerEmail, "owner-email", "", "email of the owning account")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func provisionClient(ctx context.Context, reg *capability.Registry, name, symbol, ownerEmail string) (*provisionedClient, error) {
	if ownerEmail != "" {
		owner, err := reg.Store().FindAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(ownerEmail)))
		if err != nil {
			return nil, err
		}
		mainAccess, _, err := reg.EnsureAccess(ctx, owner.ID, "")
		if err != nil {
			return nil, err
		}
		res, err := reg.UpsertClient(ctx, mainAccess, capability.ClientInput{Name: name, Symbol: symbol})
		if err != nil {
			return nil, err
		}
		return clientOutput(res.Client, res.Access, res.Created), nil
	}

	created := false
	client, err := reg.Store().FindClientByOwnerURLName(ctx, "", capability.Slugify(name))
	switch {
	case errors.Is(err, capability.ErrNotFound):
		client = &capability.Client{Name: name, Symbol: symbol}
		if err := reg.CreateClient(ctx, client); err != nil {
			return nil, err
		}
		created = true
	case err != nil:
		return nil, err
	}
	access, _, err := reg.EnsureAccess(ctx, "", client.ID)
	if err != nil {
		return nil, err
	}
	return clientOutput(client, access, created), nil
}

func clientOutput(c *capability.Client, a *capability.Access, created bool) *provisionedClient {
	return &provisionedClient{
		ClientID:    c.ID,
		Name:        c.Name,
		Symbol:      c.Symbol,
		OwnerID:     c.OwnerID,
		AccessToken: a.Token,
		Created:     created,
	}
}

func newDeleteCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an account or client together with its accesses",
	}
	account := &cobra.Command{
		Use:   "account ID",
		Short: "Delete an account and every access bound to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, cfg, func(ctx context.Context, reg *capability.Registry) error {
				if err := reg.DeleteAccount(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted account %s\n", args[0])
				return err
			})
		},
	}
	client := &cobra.Command{
		Use:   "client ID",
		Short: "Delete a client and every access bound to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, cfg, func(ctx context.Context, reg *capability.Registry) error {
				if err := reg.DeleteClient(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted client %s\n", args[0])
				return err
			})
		},
	}
	cmd.AddCommand(account, client)
	bindBackendFlags(cmd.PersistentFlags(), cfg)
	return cmd
}

func newSweepCommand(cfg *Config) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired accesses and authentication sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, cfg, func(ctx context.Context, reg *capability.Registry) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				return errors.Join(reg.SweepExpiredAccesses(ctx), reg.SweepExpiredSessions(ctx))
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	bindBackendFlags(cmd.Flags(), cfg)
	return cmd
}
