package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mahaj/ichat/pkg/archive"
	"github.com/mahaj/ichat/pkg/model"
)

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse past conversations",
	}
	cmd.AddCommand(newHistoryListCmd(flags), newHistoryOpenCmd(flags), newHistoryDeleteCmd(flags))
	return cmd
}

func newHistoryListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List past conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.client.Archive.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println(infoStyle.Render("No past conversations"))
				return nil
			}
			fmt.Println(titleStyle.Render("Past conversations"))
			for _, s := range list {
				fmt.Println(renderSession(s))
			}
			return nil
		},
	}
}

func newHistoryOpenCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "open <id>",
		Short: "Show the messages of a past conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.Close()

			msgs, err := a.client.Archive.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			self := ""
			if sess, ok := a.client.Session(); ok {
				self = sess.Identity()
			}
			fmt.Println(titleStyle.Render("Conversation " + args[0]))
			for _, m := range msgs {
				m.IsSelf = self != "" && m.From == self
				fmt.Println(renderMessage(m))
			}
			return nil
		},
	}
}

func newHistoryDeleteCmd(flags *rootFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a past conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.Close()

			// Listing first gives the confirmation a preview to show.
			_, _ = a.client.Archive.List(cmd.Context())
			confirm := archive.AlwaysConfirm
			if !yes {
				confirm = func(s model.HistorySession) bool {
					answer := prompt(fmt.Sprintf("Delete conversation %s (%q)? [y/N] ", s.ID, archive.Preview(s)))
					return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
				}
			}
			err = a.client.Archive.Delete(cmd.Context(), args[0], confirm)
			switch {
			case errors.Is(err, archive.ErrAborted):
				fmt.Println(infoStyle.Render("Kept"))
				return nil
			case err != nil:
				return err
			}
			fmt.Println(infoStyle.Render("Deleted " + args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation")
	return cmd
}
