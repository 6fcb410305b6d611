package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/lecca-io/connectd/internal/config"
	"github.com/lecca-io/connectd/internal/connections/schema"
	"github.com/lecca-io/connectd/internal/credentials"
	"github.com/lecca-io/connectd/internal/logging"
)

const defaultCheckWorkers = 8

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage tenant credentials.",
}

var (
	credTenant         string
	credDefinition     string
	credInstanceID     string
	credSet            []string
	credSkipValidation bool
	credPurge          bool
	credCheckWorkers   int
)

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's credentials without their values.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			insts, err := a.service.ListInstances(ctx, credTenant)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDEFINITION\tSTATUS\tEXPIRES\tVERSION")
			for _, inst := range insts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", inst.ID, inst.DefinitionID, inst.Status, formatExpiry(inst.ExpiresAt), inst.Version)
			}
			return w.Flush()
		})
	},
}

var credentialsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a credential, prompting for any field not given with --set.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseSetFlags(credSet)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			def, err := a.registry.Get(credDefinition)
			if err != nil {
				return err
			}
			if err := promptMissing(cmd, def.Schema(), values); err != nil {
				return err
			}
			info, err := a.service.CreateInstance(ctx, credTenant, def.ID(), values, credentials.CreateOptions{
				InstanceID:           credInstanceID,
				SkipRemoteValidation: credSkipValidation,
			})
			clear(values)
			if err != nil {
				return userFacing(err)
			}
			cmd.Printf("created credential %s (%s, status %s)\n", info.ID, info.DefinitionID, info.Status)
			return nil
		})
	},
}

var credentialsRevokeCmd = &cobra.Command{
	Use:   "revoke <instance-id>",
	Short: "Revoke a credential, or purge it entirely with --purge.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			id := strings.TrimSpace(args[0])
			if credPurge {
				if err := a.service.DeleteInstance(ctx, credTenant, id); err != nil {
					return err
				}
				cmd.Printf("purged credential %s\n", id)
				return nil
			}
			if err := a.service.RevokeInstance(ctx, credTenant, id); err != nil {
				return userFacing(err)
			}
			cmd.Printf("revoked credential %s\n", id)
			return nil
		})
	},
}

type checkResult struct {
	id       string
	def      string
	outcome  string
	message  string
	failed   bool
	duration time.Duration
}

var credentialsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Resolve every credential of a tenant and report which need attention.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			insts, err := a.service.ListInstances(ctx, credTenant)
			if err != nil {
				return err
			}

			var (
				mu      sync.Mutex
				results = make([]checkResult, 0, len(insts))
			)
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(credCheckWorkers)
			for _, inst := range insts {
				g.Go(func() error {
					start := time.Now()
					err := a.resolver.With(gctx, inst.TenantID, inst.ID, func(*credentials.Resolved) error { return nil })
					res := checkResult{id: inst.ID, def: inst.DefinitionID, outcome: "ok", duration: time.Since(start)}
					if err != nil {
						if credentials.KindOf(err) == "" {
							return err
						}
						res.outcome = string(credentials.KindOf(err))
						res.message = credentials.UserMessage(err)
						res.failed = true
					}
					mu.Lock()
					results = append(results, res)
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			sort.Slice(results, func(i, j int) bool { return results[i].id < results[j].id })
			failed := 0
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDEFINITION\tOUTCOME\tTOOK\tMESSAGE")
			for _, r := range results {
				if r.failed {
					failed++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.id, r.def, r.outcome, r.duration.Round(time.Millisecond), r.message)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return withExitCode(2, fmt.Errorf("%d of %d credentials need attention", failed, len(results)))
			}
			return nil
		})
	},
}

// withApp opens the configured backends for a one-shot command. These
// commands print for a person, so only warnings are logged.
func withApp(cmd *cobra.Command, run func(context.Context, *app) error) error {
	if strings.TrimSpace(credTenant) == "" {
		return errors.New("--tenant is required")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.NewLogger(logging.Config{Format: "text", Level: slog.LevelWarn}, cmd.ErrOrStderr(), cmd.CommandPath())
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return run(ctx, a)
}

// userFacing replaces kinded credential errors with the message shown to
// users, keeping validation details.
func userFacing(err error) error {
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	if credentials.KindOf(err) == "" {
		return err
	}
	return fmt.Errorf("%s (%w)", credentials.UserMessage(err), err)
}

func parseSetFlags(pairs []string) (map[string]string, error) {
	values := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q: want field=value", p)
		}
		values[k] = v
	}
	return values, nil
}

// promptMissing asks for every schema field absent from values. Secret
// fields are read without echo; optional fields may be left empty.
func promptMissing(cmd *cobra.Command, s *schema.Schema, values map[string]string) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	reader := bufio.NewReader(cmd.InOrStdin())
	for _, f := range s.Fields() {
		if _, ok := values[f.Name]; ok {
			continue
		}
		if !interactive {
			if f.Required {
				return fmt.Errorf("missing required field %q (use --set %s=...)", f.Name, f.Name)
			}
			continue
		}

		label := f.Label
		if !f.Required {
			label += " (optional)"
		}
		cmd.Printf("%s: ", label)
		if f.IsSecret() {
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			cmd.Println()
			if err != nil {
				return err
			}
			values[f.Name] = string(raw)
			clear(raw)
			continue
		}
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		values[f.Name] = strings.TrimRight(line, "\r\n")
	}
	return nil
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func init() {
	credentialsCmd.AddCommand(credentialsListCmd, credentialsCreateCmd, credentialsRevokeCmd, credentialsCheckCmd)
	credentialsCmd.PersistentFlags().StringVar(&credTenant, "tenant", "", "Tenant id")

	credentialsCreateCmd.Flags().StringVar(&credDefinition, "definition", "", "Connection definition id")
	credentialsCreateCmd.Flags().StringVar(&credInstanceID, "id", "", "Instance id (generated when empty)")
	credentialsCreateCmd.Flags().StringArrayVar(&credSet, "set", nil, "Field value as field=value (repeatable; secrets are prompted when omitted)")
	credentialsCreateCmd.Flags().BoolVar(&credSkipValidation, "skip-validation", false, "Store without checking the credential with the remote service")
	_ = credentialsCreateCmd.MarkFlagRequired("definition")

	credentialsRevokeCmd.Flags().BoolVar(&credPurge, "purge", false, "Delete the record instead of leaving a revoked tombstone")
	credentialsCheckCmd.Flags().IntVar(&credCheckWorkers, "workers", defaultCheckWorkers, "Concurrent resolutions")
}
