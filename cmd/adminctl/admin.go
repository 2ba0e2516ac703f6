package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/users"
)

func (c *cli) users(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: users needs a subcommand", errUsage)
	}
	svc := c.console.Users()
	fs := newFlags("users "+args[0], c.errOut)

	switch args[0] {
	case "list":
		search := fs.String("search", "", "match name, email or id")
		status := fs.String("status", "", "active or inactive")
		role := fs.String("role", "", "role name")
		refresh := fs.Bool("refresh", false, "bypass the cache")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		list, err := c.listUsers(ctx, *refresh)
		if err != nil {
			return err
		}
		f := users.Filter{Search: *search, Status: *status, Role: console.NormalizeRoleName(*role)}
		c.printUsers(f.Apply(list))
		return nil

	case "toggle":
		id := fs.Int64("id", 0, "user id")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if err := c.primeUsers(ctx); err != nil {
			return err
		}
		return svc.ToggleEnabled(ctx, *id)

	case "add-roles", "remove-roles":
		id := fs.Int64("id", 0, "user id")
		names := fs.String("roles", "", "comma-separated role names")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		roles, err := c.resolveRoles(ctx, *names)
		if err != nil {
			return err
		}
		if err := c.primeUsers(ctx); err != nil {
			return err
		}
		if args[0] == "add-roles" {
			return svc.AddRoles(ctx, *id, roles)
		}
		return svc.RemoveRoles(ctx, *id, roles)

	case "update":
		id := fs.Int64("id", 0, "user id")
		name := fs.String("name", "", "new display name")
		email := fs.String("email", "", "new email")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		list, err := svc.List(ctx)
		if err != nil {
			return err
		}
		for _, u := range list {
			if u.ID != *id {
				continue
			}
			if *name != "" {
				u.Name = *name
			}
			if *email != "" {
				u.Email = *email
			}
			return svc.Update(ctx, u)
		}
		return fmt.Errorf("user %d not found", *id)
	}
	return fmt.Errorf("%w: unknown users subcommand %q", errUsage, args[0])
}

func (c *cli) roles(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: roles needs a subcommand", errUsage)
	}
	svc := c.console.Roles()
	fs := newFlags("roles "+args[0], c.errOut)

	switch args[0] {
	case "list":
		refresh := fs.Bool("refresh", false, "bypass the cache")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		load := svc.List
		if *refresh {
			load = svc.Refresh
		}
		list, err := load(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tLABEL\tUSERS")
		for _, r := range list {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", r.ID, r.Name, console.FormatRoleName(r.Name), r.UsersCount)
		}
		return tw.Flush()

	case "add":
		name := fs.String("name", "", "role name, e.g. ROLE_AUDITOR or auditor")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if _, err := svc.List(ctx); err != nil {
			return err
		}
		return svc.Add(ctx, *name)

	case "delete":
		id := fs.Int64("id", 0, "role id")
		force := fs.Bool("force", false, "send the delete even if the role is assigned")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if _, err := svc.List(ctx); err != nil {
			return err
		}
		return svc.Delete(ctx, *id, *force)

	case "counts":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		counts, err := svc.Counts(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ROLE\tUSERS")
		for _, rc := range counts {
			fmt.Fprintf(tw, "%s\t%d\n", console.FormatRoleName(rc.Name), rc.Count)
		}
		return tw.Flush()
	}
	return fmt.Errorf("%w: unknown roles subcommand %q", errUsage, args[0])
}

func (c *cli) listUsers(ctx context.Context, refresh bool) ([]console.User, error) {
	if refresh {
		return c.console.Users().Refresh(ctx)
	}
	return c.console.Users().List(ctx)
}

// primeUsers loads the list so the mutation has something to patch.
func (c *cli) primeUsers(ctx context.Context) error {
	_, err := c.console.Users().List(ctx)
	return err
}

func (c *cli) resolveRoles(ctx context.Context, csv string) ([]console.Role, error) {
	all, err := c.console.Roles().List(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]console.Role, len(all))
	for _, r := range all {
		byName[r.Name] = r
	}

	var out []console.Role
	for _, n := range strings.Split(csv, ",") {
		if strings.TrimSpace(n) == "" {
			continue
		}
		name := console.NormalizeRoleName(n)
		r, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown role %q", name)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: -roles is required", errUsage)
	}
	return out, nil
}

func (c *cli) printUsers(list []console.User) {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEMAIL\tSTATUS\tROLES")
	for _, u := range list {
		status := users.StatusActive
		if !u.Enabled {
			status = users.StatusInactive
		}
		names := make([]string, len(u.Roles))
		for i, r := range u.Roles {
			names[i] = console.FormatRoleName(r.Name)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", u.ID, u.Name, u.Email, status, strings.Join(names, ", "))
	}
	_ = tw.Flush()
}
