package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/hostd/pkg/api/client"
)

// deployTimeout bounds client commands that wait for a deployment.
const deployTimeout = 30 * time.Minute

func newProjectsCommand(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"project"},
		Short:   "Manage projects",
	}
	cmd.AddCommand(
		newProjectListCommand(opts),
		newProjectShowCommand(opts),
		newProjectDeployCommand(opts),
		newProjectPortCommand(opts),
		newProjectDeleteCommand(opts),
	)
	for _, action := range []string{"start", "stop", "restart", "redeploy"} {
		cmd.AddCommand(newProjectActionCommand(opts, action))
	}
	return cmd
}

func newProjectListCommand(opts *clientOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			projects, err := client.ListProjects(ctx, status)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPORT\tDOMAIN")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d->%d\t%s\n", p.ID, p.Name, p.Status, p.AssignedPort, p.Port, p.Domain)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only projects in this status")
	return cmd
}

func newProjectShowCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			p, err := client.GetProject(ctx, args[0])
			if err != nil {
				return err
			}
			printProject(cmd.OutOrStdout(), p)
			return nil
		},
	}
}

func newProjectDeployCommand(opts *clientOptions) *cobra.Command {
	var (
		input apiclient.DeployInput
		env   []string
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Register a project and run its first deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			environment, err := parseEnv(env)
			if err != nil {
				return err
			}
			input.Environment = environment
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), deployTimeout)
			defer cancel()
			p, err := client.Deploy(ctx, input)
			if err != nil {
				return err
			}
			printProject(cmd.OutOrStdout(), p)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&input.Name, "name", "", "project name")
	flags.StringVar(&input.RepoURL, "repo", "", "git repository URL")
	flags.StringVar(&input.Branch, "branch", "", "branch (default main)")
	flags.StringVar(&input.Domain, "domain", "", "domain served by the project")
	flags.StringVar(&input.BuildCommand, "build", "", "optional build command run in the working copy")
	flags.StringVar(&input.Type, "type", "", "project type: web, api, worker or static")
	flags.IntVar(&input.Port, "port", 0, "port the application listens on")
	flags.BoolVar(&input.AutoPort, "auto-port", true, "pick a free host port instead of failing on conflicts")
	flags.StringArrayVar(&env, "env", nil, "environment variable KEY=VALUE (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newProjectActionCommand(opts *clientOptions, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <project-id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), deployTimeout)
			defer cancel()
			p, err := client.Action(ctx, args[0], action)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p.Name, p.Status)
			return nil
		},
	}
}

func newProjectPortCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "port <project-id> <port>",
		Short: "Move a project to another host port",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), deployTimeout)
			defer cancel()
			p, err := client.UpdatePort(ctx, args[0], port)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: port %d, %s\n", p.Name, p.AssignedPort, p.Status)
			return nil
		},
	}
}

func newProjectDeleteCommand(opts *clientOptions) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := client.DeleteProject(ctx, args[0], purge); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also remove the working copy")
	return cmd
}

func printProject(w io.Writer, p apiclient.Project) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", p.ID)
	fmt.Fprintf(tw, "name:\t%s\n", p.Name)
	fmt.Fprintf(tw, "status:\t%s\n", p.Status)
	fmt.Fprintf(tw, "repo:\t%s (%s)\n", p.RepoURL, p.Branch)
	fmt.Fprintf(tw, "port:\t%d -> %d\n", p.AssignedPort, p.Port)
	if p.Domain != "" {
		fmt.Fprintf(tw, "domain:\t%s\n", p.Domain)
	}
	if len(p.Environment) > 0 {
		fmt.Fprintf(tw, "env:\t%s\n", strings.Join(p.Environment, ", "))
	}
	if p.LastError != "" {
		fmt.Fprintf(tw, "last error:\t%s\n", p.LastError)
	}
	_ = tw.Flush()
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid env %q, want KEY=VALUE", pair)
		}
		env[strings.TrimSpace(key)] = value
	}
	return env, nil
}
