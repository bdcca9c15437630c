package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/assetlens/portal/internal/bootstrap"
	"github.com/assetlens/portal/internal/data"
	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/service"
)

// accessAdmin is the part of service.AccessAdminService the CLI drives.
type accessAdmin interface {
	Get(ctx context.Context, userID string) (*domainauth.UserAccess, error)
	Grant(ctx context.Context, req domainauth.GrantAccessRequest) (*domainauth.UserAccess, error)
	Revoke(ctx context.Context, userID, actor string) error
	List(ctx context.Context, opts data.ListOptions) ([]domainauth.UserAccess, error)
	Audit(ctx context.Context, userID string, limit int) ([]domainauth.AccessAuditEntry, error)
}

// openAccessAdmin connects to Postgres and, when available, Redis so grants
// also evict the cached decision the running portal holds.
func openAccessAdmin(cmdCtx *commandContext) (accessAdmin, func(), error) {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	dbCfg := cmdCtx.Config.Postgres
	dbCfg.Enabled = true
	db, err := bootstrap.ConnectDB(ctx, bootstrap.DatabaseConfig{DBConfig: dbCfg, Logger: cmdCtx.Logger})
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	closers := []func(){func() { _ = db.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	client, err := bootstrap.ConnectRedis(ctx, bootstrap.DatabaseConfig{RedisConfig: cmdCtx.Config.Redis, Logger: cmdCtx.Logger})
	if err != nil {
		cmdCtx.Logger.Warn("redis unavailable; cached roles expire on their own", "error", err)
		client = nil
	}
	if client != nil {
		closers = append(closers, func() { _ = client.Close() })
	}

	stores := bootstrap.NewStores(bootstrap.StoresConfig{
		Redis:     client,
		Auth:      cmdCtx.Config.Auth,
		RateLimit: cmdCtx.Config.RateLimit,
		Logger:    cmdCtx.Logger,
	})
	closers = append(closers, stores.Close)

	access, err := service.NewAccessService(service.AccessServiceOptions{
		Cache:         stores.Roles,
		RoleClaimPath: cmdCtx.Config.Auth.RoleClaimPath,
		Logger:        cmdCtx.Logger,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	svc, err := service.NewAccessAdminService(service.AccessAdminServiceOptions{
		Repo:   data.NewUserAccessRepo(db),
		Cache:  access,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return svc, closeAll, nil
}

type grantOptions struct {
	UserID   string
	Role     domainauth.Role
	Inactive bool
	Actor    string
}

func parseGrantFlags(args []string) (grantOptions, error) {
	fs := flag.NewFlagSet("grant-access", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		opts grantOptions
		role string
	)
	fs.StringVar(&opts.UserID, "user-id", "", "Subject id of the user (required)")
	fs.StringVar(&role, "role", "", "Role to grant: basic_user, premium_user or admin (required)")
	fs.BoolVar(&opts.Inactive, "inactive", false, "Store the row as inactive")
	fs.StringVar(&opts.Actor, "actor", cliActor, "Actor recorded in the audit trail")

	if err := fs.Parse(args); err != nil {
		return grantOptions{}, err
	}
	opts.UserID = strings.TrimSpace(opts.UserID)
	if opts.UserID == "" {
		return grantOptions{}, errors.New("--user-id is required")
	}
	opts.Role = domainauth.Role(strings.TrimSpace(role))
	if !opts.Role.Valid() {
		return grantOptions{}, fmt.Errorf("--role must be one of basic_user, premium_user, admin (got %q)", role)
	}
	return opts, nil
}

func runGrantAccess(cmdCtx *commandContext, args []string) error {
	opts, err := parseGrantFlags(args)
	if err != nil {
		return err
	}
	svc, closeFn, err := cmdCtx.openAccess(cmdCtx)
	if err != nil {
		return err
	}
	defer closeFn()

	row, err := svc.Grant(cmdCtx.Ctx, domainauth.GrantAccessRequest{
		UserID:   opts.UserID,
		Role:     opts.Role,
		IsActive: !opts.Inactive,
		Actor:    opts.Actor,
	})
	if err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	return writeAccessRows(cmdCtx, []domainauth.UserAccess{*row})
}

type userOptions struct {
	UserID string
	Actor  string
	Limit  int
}

func parseUserFlags(name string, args []string) (userOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := userOptions{Limit: 10}
	fs.StringVar(&opts.UserID, "user-id", "", "Subject id of the user (required)")
	fs.StringVar(&opts.Actor, "actor", cliActor, "Actor recorded in the audit trail")
	fs.IntVar(&opts.Limit, "audit", 10, "Number of audit entries to show")

	if err := fs.Parse(args); err != nil {
		return userOptions{}, err
	}
	opts.UserID = strings.TrimSpace(opts.UserID)
	if opts.UserID == "" {
		return userOptions{}, errors.New("--user-id is required")
	}
	return opts, nil
}

func runRevokeAccess(cmdCtx *commandContext, args []string) error {
	opts, err := parseUserFlags("revoke-access", args)
	if err != nil {
		return err
	}
	svc, closeFn, err := cmdCtx.openAccess(cmdCtx)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := svc.Revoke(cmdCtx.Ctx, opts.UserID, opts.Actor); err != nil {
		return fmt.Errorf("revoke access: %w", err)
	}
	return writef(cmdCtx.Out, "Revoked access for %s\n", opts.UserID)
}

func runShowAccess(cmdCtx *commandContext, args []string) error {
	opts, err := parseUserFlags("show-access", args)
	if err != nil {
		return err
	}
	svc, closeFn, err := cmdCtx.openAccess(cmdCtx)
	if err != nil {
		return err
	}
	defer closeFn()

	row, err := svc.Get(cmdCtx.Ctx, opts.UserID)
	if err != nil {
		return fmt.Errorf("get access: %w", err)
	}
	if err := writeAccessRows(cmdCtx, []domainauth.UserAccess{*row}); err != nil {
		return err
	}
	if opts.Limit <= 0 {
		return nil
	}

	entries, err := svc.Audit(cmdCtx.Ctx, opts.UserID, opts.Limit)
	if err != nil {
		return fmt.Errorf("read audit: %w", err)
	}
	if len(entries) == 0 {
		return writeln(cmdCtx.Out, "\nNo audit entries")
	}
	if err := writeln(cmdCtx.Out, "\nAudit:"); err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmdCtx.Out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "When\tAction\tRole\tActive\tActor"); err != nil {
		return fmt.Errorf("write audit header: %w", err)
	}
	for _, e := range entries {
		role, active := "-", "-"
		if e.Role != nil {
			role = *e.Role
		}
		if e.IsActive != nil {
			active = fmt.Sprintf("%t", *e.IsActive)
		}
		if err := writef(w, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.UTC().Format(time.RFC3339), e.Action, role, active, e.Actor); err != nil {
			return fmt.Errorf("write audit row: %w", err)
		}
	}
	return w.Flush()
}

type listAccessOptions struct {
	Role   string
	Limit  int
	Offset int
}

func parseListAccessFlags(args []string) (listAccessOptions, error) {
	fs := flag.NewFlagSet("list-access", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := listAccessOptions{Limit: 50}
	fs.StringVar(&opts.Role, "role", "", "Only list rows with this role")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum rows to list")
	fs.IntVar(&opts.Offset, "offset", 0, "Rows to skip")

	if err := fs.Parse(args); err != nil {
		return listAccessOptions{}, err
	}
	if opts.Role != "" && !domainauth.Role(opts.Role).Valid() {
		return listAccessOptions{}, fmt.Errorf("unknown role %q", opts.Role)
	}
	if opts.Limit <= 0 || opts.Offset < 0 {
		return listAccessOptions{}, errors.New("--limit must be positive and --offset non-negative")
	}
	return opts, nil
}

func runListAccess(cmdCtx *commandContext, args []string) error {
	opts, err := parseListAccessFlags(args)
	if err != nil {
		return err
	}
	svc, closeFn, err := cmdCtx.openAccess(cmdCtx)
	if err != nil {
		return err
	}
	defer closeFn()

	rows, err := svc.List(cmdCtx.Ctx, data.ListOptions{
		Role:   domainauth.Role(opts.Role),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
	if err != nil {
		return fmt.Errorf("list access: %w", err)
	}
	if len(rows) == 0 {
		return writeln(cmdCtx.Out, "No access rows")
	}
	return writeAccessRows(cmdCtx, rows)
}

func writeAccessRows(cmdCtx *commandContext, rows []domainauth.UserAccess) error {
	w := tabwriter.NewWriter(cmdCtx.Out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "User\tRole\tActive\tUpdated"); err != nil {
		return fmt.Errorf("write access header: %w", err)
	}
	for _, row := range rows {
		if err := writef(w, "%s\t%s\t%t\t%s\n", row.UserID, row.Role, row.IsActive, row.UpdatedAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("write access row %q: %w", row.UserID, err)
		}
	}
	return w.Flush()
}
