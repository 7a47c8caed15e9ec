package commands

import (
	"fmt"
	"io"

	"secure_exchange/internal/protocol/replay"
	"secure_exchange/internal/service/groupkey"
	"secure_exchange/internal/service/resync"
	"secure_exchange/internal/utils/log"

	"github.com/spf13/cobra"
)

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage access-group keys",
	}
	cmd.AddCommand(groupShareCmd(), groupRotateCmd())
	return cmd
}

func printShares(out io.Writer, results []groupkey.ShareResult) {
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(out, "  %s failed: %v\n", r.Member, r.Err)
			continue
		}
		fmt.Fprintf(out, "  %s %s\n", r.Member, r.MessageID)
	}
}

func groupShareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share <groupId>",
		Short: "Send the current group key to every configured member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			manager, err := s.groups(cmd.Context())
			if err != nil {
				return err
			}
			members, err := groupkey.StaticMembership(cfg.Groups).Members(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			results, err := manager.ShareToMembers(cmd.Context(), args[0], members, "")
			if err != nil {
				return err
			}
			printShares(cmd.OutOrStdout(), results)
			return nil
		},
	}
}

func groupRotateCmd() *cobra.Command {
	var exclude string
	cmd := &cobra.Command{
		Use:   "rotate <groupId>",
		Short: "Replace the group key and share it with all members but one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			manager, err := s.groups(cmd.Context())
			if err != nil {
				return err
			}
			key, results, err := manager.Rotate(cmd.Context(), args[0], exclude)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s now at version %d\n", key.GroupID, key.KeyVersion)
			printShares(cmd.OutOrStdout(), results)
			return nil
		},
	}
	cmd.Flags().StringVar(&exclude, "exclude", "", "member address that loses access")
	return cmd
}

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Re-announce this identity to every contact after account recovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			var markers resync.MarkerStore
			if s.redis != nil {
				markers = s.redis
			} else {
				log.Warn("no redis, resync cooldown only lasts for this run")
				markers = replay.NewMemoryStore()
			}
			o := resync.New(s.app.Identity, s.app, resync.StaticRelationships(cfg.Contacts), markers, cfg.ResyncCooling)
			report, err := o.Run(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sent %d, skipped %d, failed %d\n", len(report.Sent), len(report.Skipped), len(report.Failed))
			for addr, ferr := range report.Failed {
				fmt.Fprintf(out, "  %s: %v\n", addr, ferr)
			}
			return nil
		},
	}
}
