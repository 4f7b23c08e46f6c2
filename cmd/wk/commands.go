package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/wanikani-keeper/internal/api"
	"github.com/and161185/wanikani-keeper/internal/config"
	"github.com/and161185/wanikani-keeper/internal/model"
)

type rootFlags struct {
	debug   bool
	backend string
}

func newRootCmd() *cobra.Command {
	var rf rootFlags

	root := &cobra.Command{
		Use:           "wk",
		Short:         "WaniKani command-line client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&rf.debug, "debug", false, "development logging to stderr")
	root.PersistentFlags().StringVar(&rf.backend, "backend", "", "credential backend: file, postgres or redis")

	// withApp wires the application before run and tears it down after.
	withApp := func(run func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if rf.debug {
				cfg.Debug = true
			}
			if rf.backend != "" {
				cfg.CredentialBackend = rf.backend
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return run(cmd, args, a)
		}
	}

	root.AddCommand(
		newVersionCmd(),
		newLoginCmd(withApp),
		newLogoutCmd(withApp),
		newWhoamiCmd(withApp),
		newSummaryCmd(withApp),
		newAssignmentsCmd(withApp),
		newSubjectsCmd(withApp),
	)
	return root
}

type runner = func(func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wk %s (%s)\n", version, buildDate)
		},
	}
}

func newLoginCmd(withApp runner) *cobra.Command {
	var (
		token, username, password string
		createToken               bool
		perms                     model.Permissions
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with an access token or a username and password",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if username == "" {
				u, err := a.auth.Login(ctx, token)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "logged in as %s (level %d)\n", u.Username, u.Level)
				return nil
			}
			if password == "" {
				return errors.New("need --password with --username")
			}
			st, err := a.auth.LoginWithPassword(ctx, username, password)
			if err != nil {
				return err
			}
			if st.Kind == model.AuthNeedsAdditionalSetup {
				if !createToken {
					fmt.Fprintln(out, "no access token found; rerun with --create-token to create one")
					return nil
				}
				u, err := a.auth.CreateAccessToken(ctx, model.AccessTokenRequest{Permissions: perms})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "created access token; logged in as %s (level %d)\n", u.Username, u.Level)
				return nil
			}
			fmt.Fprintf(out, "logged in as %s (level %d)\n", st.User.Username, st.User.Level)
			return nil
		}),
	}
	f := cmd.Flags()
	f.StringVar(&token, "token", "", "personal access token (empty uses the stored credential)")
	f.StringVarP(&username, "username", "u", "", "WaniKani username or email")
	f.StringVarP(&password, "password", "p", "", "WaniKani password")
	f.BoolVar(&createToken, "create-token", false, "create an access token when the account has none")
	f.BoolVar(&perms.StartAssignments, "perm-start-assignments", false, "token may start assignments")
	f.BoolVar(&perms.CreateReviews, "perm-create-reviews", false, "token may create reviews")
	f.BoolVar(&perms.CreateStudyMaterials, "perm-create-study-materials", false, "token may create study materials")
	f.BoolVar(&perms.UpdateStudyMaterials, "perm-update-study-materials", false, "token may update study materials")
	f.BoolVar(&perms.UpdateUser, "perm-update-user", false, "token may update user preferences")
	cmd.MarkFlagsMutuallyExclusive("token", "username")
	return cmd
}

func newLogoutCmd(withApp runner) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			if err := a.auth.Logout(cmd.Context()); err != nil {
				return fmt.Errorf("logged out, but the stored credential may remain: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		}),
	}
}

func newWhoamiCmd(withApp runner) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			u, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		}),
	}
}

func newSummaryCmd(withApp runner) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show available lessons and reviews",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			ctx := cmd.Context()
			if _, err := a.session(ctx); err != nil {
				return err
			}
			sum, err := a.client.Summary(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"lessons":         len(sum.AvailableLessons(now)),
				"reviews":         len(sum.AvailableReviews(now)),
				"next_reviews_at": sum.NextReviewsAt,
			})
		}),
	}
}

func newAssignmentsCmd(withApp runner) *cobra.Command {
	var (
		types     []string
		levels    []int
		stages    []int
		lessons   bool
		reviews   bool
		updatedIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "assignments",
		Short: "List assignments",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			ctx := cmd.Context()
			if _, err := a.session(ctx); err != nil {
				return err
			}
			f := api.AssignmentFilter{
				SubjectTypes:                   types,
				Levels:                         levels,
				SRSStages:                      stages,
				ImmediatelyAvailableForLessons: lessons,
				ImmediatelyAvailableForReview:  reviews,
			}
			if updatedIn > 0 {
				since := time.Now().Add(-updatedIn)
				f.UpdatedAfter = &since
			}
			list, err := a.client.Assignments(ctx, f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		}),
	}
	f := cmd.Flags()
	f.StringSliceVar(&types, "type", nil, "subject types (radical, kanji, vocabulary)")
	f.IntSliceVar(&levels, "level", nil, "levels")
	f.IntSliceVar(&stages, "srs-stage", nil, "SRS stages")
	f.BoolVar(&lessons, "lessons", false, "only assignments available for lessons now")
	f.BoolVar(&reviews, "reviews", false, "only assignments available for review now")
	f.DurationVar(&updatedIn, "updated-within", 0, "only assignments updated within this duration")
	return cmd
}

func newSubjectsCmd(withApp runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subjects",
		Short: "Manage the local subject cache",
	}

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Refresh the subject cache when it is stale",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			ctx := cmd.Context()
			if _, err := a.session(ctx); err != nil {
				return err
			}
			cache, err := a.openCache()
			if err != nil {
				return err
			}
			updateErr := cache.Update(ctx, a.client)
			if err := cache.Save(); err != nil {
				return err
			}
			if updateErr != nil {
				return updateErr
			}
			lm, _ := cache.LastModified()
			fmt.Fprintf(cmd.OutOrStdout(), "%d subjects, refreshed %s\n", cache.Len(), lm.Format(time.RFC3339))
			return nil
		}),
	}

	var remote bool
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a cached subject",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid subject id %q", args[0])
			}
			cache, err := a.openCache()
			if err != nil {
				return err
			}
			if s, ok := cache.Get(id); ok {
				return printJSON(cmd.OutOrStdout(), s)
			}
			if !remote {
				return fmt.Errorf("subject %d is not cached (run: wk subjects sync, or pass --remote)", id)
			}
			ctx := cmd.Context()
			if _, err := a.session(ctx); err != nil {
				return err
			}
			s, err := a.client.Subject(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		}),
	}
	get.Flags().BoolVar(&remote, "remote", false, "fetch from the API when the subject is not cached")

	cmd.AddCommand(sync, get)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
