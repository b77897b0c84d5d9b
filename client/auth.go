package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mahaj/ichat/pkg/config"
)

var errNotLoggedIn = errors.New("not logged in, run `ichat login` first")

func newLoginCmd(flags *rootFlags) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and keep the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if password == "" {
				password = prompt("Password: ")
			}
			sess, err := a.client.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Println(infoStyle.Render("Logged in as ") + selfStyle.Render(sess.Identity()))
			warnMemoryBackend(a.cfg)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (prompted when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCmd(flags *rootFlags) *cobra.Command {
	var username, email, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if password == "" {
				password = prompt("Password: ")
			}
			msg, err := a.client.Register(cmd.Context(), username, email, password)
			if err != nil {
				return err
			}
			fmt.Println(infoStyle.Render(msg))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "display name")
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (prompted when empty)")
	return cmd
}

func newLogoutCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the session in every open client",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.Close()
			warnMemoryBackend(a.cfg)
			if err := a.client.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Println(infoStyle.Render("Logged out"))
			return nil
		},
	}
}

func newWhoamiCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.Close()
			sess, ok := a.client.Session()
			if !ok {
				warnMemoryBackend(a.cfg)
				return errNotLoggedIn
			}
			fmt.Printf("%s <%s>\n", selfStyle.Render(sess.Identity()), sess.User.Email)
			return nil
		},
	}
}

// memoryHint explains why a session seems to vanish between commands.
const memoryHint = "The memory session backend forgets the session when ichat exits. Set ICHAT_REDIS_ADDR or pass --redis to keep it."

func warnMemoryBackend(cfg config.Config) {
	if cfg.SessionBackend == config.BackendMemory {
		fmt.Fprintln(os.Stderr, infoStyle.Render(memoryHint))
	}
}

func prompt(label string) string {
	fmt.Fprint(os.Stderr, label)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(line)
}
