package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/arushi18p/yata-bot/yatabot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
	"io"
	"log"
	"strings"
	"syscall"
)

// passwordReader reads a password without echoing it. Tests swap it out.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set the admin API credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		prefix := envPrefix()

		if cfg.DatabaseType == "" {
			log.Fatalf(
				"Environment variable %s_DATABASE_TYPE not set (must be one of: sqlite, postgres)",
				prefix,
			)
		}
		if cfg.Database == "" {
			log.Fatalf(
				"Environment variable %s_DATABASE not set (must be a valid "+
					"database connection string or sqlite file path)",
				prefix,
			)
		}

		db, err := yatabot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		var runtimeConfig yatabot.RuntimeConfig
		rv := db.WithContext(ctx).Last(&runtimeConfig)
		if rv.Error != nil {
			if !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
				log.Fatalf("Error retrieving runtime config: %s", rv.Error.Error())
			}
			runtimeConfig = yatabot.DefaultRuntimeConfig()
			if err = db.WithContext(ctx).Create(&runtimeConfig).Error; err != nil {
				log.Fatalf("Error creating runtime config: %v", err)
			}
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
			username, password := promptCredentials(out, bufio.NewReader(cmd.InOrStdin()))

			hashedPassword, hashErr := yatabot.HashPassword(password)
			if hashErr != nil {
				log.Fatalf("Error hashing password: %v", hashErr)
			}
			if err = db.WithContext(ctx).Model(&runtimeConfig).Updates(
				map[string]any{
					"admin_username": username,
					"admin_password": hashedPassword,
				},
			).Error; err != nil {
				log.Fatalf("Error updating admin credentials: %v", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// promptCredentials asks for a username, then for a password until it's
// confirmed
func promptCredentials(out io.Writer, reader *bufio.Reader) (string, string) {
	fmt.Fprint(out, "Enter admin username: ")
	username, _ := reader.ReadString('\n')
	username = strings.TrimSpace(username)

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}
	for {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			log.Fatalf("Error reading password: %v", err)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			log.Fatalf("Error reading password: %v", err)
		}

		password := string(passwordBytes)
		switch {
		case password == "":
			fmt.Fprintln(out, "Password can't be empty. Please try again.")
		case password != string(confirmBytes):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		default:
			return username, password
		}
	}
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
