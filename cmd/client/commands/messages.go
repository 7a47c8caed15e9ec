package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"secure_exchange/internal/model"
	"secure_exchange/internal/service/app"
	"secure_exchange/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// readPayload returns arg itself, or the content of a file when arg is "@path"
// ("@-" reads stdin).
func readPayload(cmd *cobra.Command, arg string) ([]byte, error) {
	path, ok := strings.CutPrefix(arg, "@")
	if !ok {
		return []byte(arg), nil
	}
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <recipient> <dataType> <payload|@file>",
		Short: "Encrypt, sign and submit a payload",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd, args[2])
			if err != nil {
				return err
			}
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			resp, err := s.app.Send(cmd.Context(), args[0], model.DataType(args[1]), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", resp.MessageID, resp.Status, resp.DeliveryStatus)
			return nil
		},
	}
}

func pendingCmd() *cobra.Command {
	var (
		dataType string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List envelopes waiting for this address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			envs, err := s.app.Pending(cmd.Context(), model.DataType(dataType), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE\tSENDER\tTYPE\tSTATUS\tCREATED")
			for _, env := range envs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", env.MessageID, env.SenderAddress, env.DataType, env.Status, env.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dataType, "data-type", "", "only this data type")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of envelopes")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <messageId>",
		Short: "Show the lifecycle state of a sent or received envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			env, err := s.app.Message(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "message:   %s\nfrom:      %s\nto:        %s\ntype:      %s\nstatus:    %s\n",
				env.MessageID, env.SenderAddress, env.RecipientAddress, env.DataType, env.Status)
			if env.AckStatus != "" {
				fmt.Fprintf(out, "ack:       %s %s\n", env.AckStatus, env.ErrorMessage)
			}
			return nil
		},
	}
}

// newInbox wires the built-in handlers: group key shares go to the manager,
// everything else is printed.
func newInbox(ctx context.Context, s *session, out io.Writer) (*app.Inbox, error) {
	box := app.NewInbox(s.app)
	manager, err := s.groups(ctx)
	if err != nil {
		return nil, err
	}
	box.Handle(model.DataTypeGroupKeyShare, manager.Handler())

	show := func(_ context.Context, env *model.Envelope, plaintext []byte) error {
		fmt.Fprintf(out, "%s %s %s\n%s\n", env.MessageID, env.SenderAddress, env.DataType, plaintext)
		return nil
	}
	for _, dt := range []model.DataType{
		model.DataTypeMedicationPlan,
		model.DataTypePlanShare,
		model.DataTypeCheckinStatsShare,
		model.DataTypeSyncRequest,
		model.DataTypeSyncDone,
		model.DataTypePlanResendRequest,
	} {
		box.Handle(dt, show)
	}
	return box, nil
}

func inboxCmd() *cobra.Command {
	var (
		dataType string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Open, handle and acknowledge pending envelopes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			box, err := newInbox(cmd.Context(), s, out)
			if err != nil {
				return err
			}
			results, err := box.Process(cmd.Context(), model.DataType(dataType), limit)
			if err != nil {
				return err
			}
			for _, r := range results {
				switch {
				case r.AckStatus == "":
					fmt.Fprintf(out, "%s left pending: %v\n", r.MessageID, r.Err)
				case r.Err != nil:
					fmt.Fprintf(out, "%s %s: %v\n", r.MessageID, r.AckStatus, r.Err)
				}
			}
			fmt.Fprintf(out, "%d processed\n", len(results))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataType, "data-type", "", "only this data type")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of envelopes")
	return cmd
}

func watchCmd() *cobra.Command {
	var (
		to       string
		dataType string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Terminal inbox that processes envelopes as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			box, err := newInbox(cmd.Context(), s, io.Discard)
			if err != nil {
				return err
			}
			// the terminal belongs to the viewer from here on
			log.Set(zap.NewNop())
			return app.NewViewer(s.app, box, to, model.DataType(dataType)).Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "counterparty address for typed messages")
	cmd.Flags().StringVar(&dataType, "data-type", string(model.DataTypePlanShare), "data type of typed messages")
	return cmd
}
