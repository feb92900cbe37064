// Package cmd provides command-line administration for Custos.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"custos/config"
	"custos/storage"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

var (
	outputJSON bool
	noColor    bool
	quiet      bool
)

const defaultTimeout = 2 * time.Minute

// initUserStorage loads config and opens SQLite for CLI operations.
func initUserStorage() (*storage.SQLiteUserStorage, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar := logger.Sugar()

	sqlite, err := storage.NewSQLite(cfg.Storage.SQLitePath, sugar)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	users := storage.NewSQLiteUserStorage(sqlite, sugar, cfg.Auth.BcryptCost)
	cleanup := func() {
		sqlite.Close()
		_ = logger.Sync()
	}
	return users, cleanup, nil
}

// readPassword prompts for a password without echo, with confirmation.
func readPassword(prompt string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) < 12 {
		return "", fmt.Errorf("password must be at least 12 characters")
	}
	return string(first), nil
}

func outputAsJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewUsersCmd creates the root users command with all subcommands.
func NewUsersCmd() *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Manage user accounts",
		Long:  "Create, list, delete and reset passwords for Custos user accounts.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	usersCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	usersCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	usersCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	usersCmd.AddCommand(newUsersCreateCmd())
	usersCmd.AddCommand(newUsersListCmd())
	usersCmd.AddCommand(newUsersDeleteCmd())
	usersCmd.AddCommand(newUsersResetPasswordCmd())

	return usersCmd
}

func newUsersCreateCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a user account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			if !storage.ValidRole(role) {
				return fmt.Errorf("unknown role %q (valid: %s, %s, %s)",
					role, storage.RoleAdmin, storage.RoleAuditor, storage.RoleMember)
			}

			password, err := readPassword("Password for " + args[0])
			if err != nil {
				return err
			}

			users, cleanup, err := initUserStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			user := &storage.User{
				Username: args[0],
				Password: password,
				Role:     role,
				Active:   true,
			}
			if err := users.CreateUser(ctx, user); err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}

			if !quiet {
				successColor.Printf("User %s created with role %s\n", args[0], role)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", storage.RoleMember, "Role: admin, auditor or member")

	return cmd
}

func newUsersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List user accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			users, cleanup, err := initUserStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			list, err := users.ListUsers(ctx)
			if err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}

			if outputJSON {
				return outputAsJSON(list)
			}

			headerColor.Printf("%-24s %-10s %-8s %-6s %s\n", "USERNAME", "ROLE", "ACTIVE", "MFA", "CREATED")
			for _, u := range list {
				fmt.Printf("%-24s %-10s %-8t %-6t %s\n",
					u.Username, u.Role, u.Active, u.MFAEnabled, u.CreatedAt.Format("2006-01-02"))
				if u.Locked(time.Now()) {
					warningColor.Printf("  locked until %s\n", u.LockedUntil.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
}

func newUsersDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			if !force {
				fmt.Fprintf(os.Stderr, "Delete user %s? [y/N]: ", args[0])
				var answer string
				fmt.Fscanln(os.Stdin, &answer)
				if answer != "y" && answer != "Y" {
					infoColor.Println("Aborted")
					return nil
				}
			}

			users, cleanup, err := initUserStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := users.DeleteUser(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete user: %w", err)
			}

			if !quiet {
				successColor.Printf("User %s deleted\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Skip confirmation")

	return cmd
}

func newUsersResetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <username>",
		Short: "Reset a user's password and clear any lockout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			password, err := readPassword("New password for " + args[0])
			if err != nil {
				return err
			}

			users, cleanup, err := initUserStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			user, err := users.GetUserByUsername(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load user: %w", err)
			}

			user.Password = password
			if err := users.UpdateUser(ctx, user); err != nil {
				return fmt.Errorf("failed to update user: %w", err)
			}
			if err := users.ResetLoginFailures(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to clear lockout: %w", err)
			}

			if !quiet {
				successColor.Printf("Password reset for %s\n", args[0])
			}
			return nil
		},
	}
}
