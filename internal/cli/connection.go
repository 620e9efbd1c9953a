package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phnx-im/air-sub001/internal/api"
	"github.com/phnx-im/air-sub001/internal/handshake"
	"github.com/phnx-im/air-sub001/internal/store"
)

// InvitationFile is the JSON read by airctl connection receive. Byte fields
// are base64.
type InvitationFile struct {
	Kind           string `json:"kind"`
	Handle         string `json:"handle,omitempty"`
	Sender         string `json:"sender,omitempty"`
	Title          string `json:"title"`
	ConnectionInfo []byte `json:"connection_info"`
	OfferHash      []byte `json:"offer_hash,omitempty"`
	PackageHash    []byte `json:"package_hash,omitempty"`
	EARKey         []byte `json:"ear_key,omitempty"`
}

func (f *InvitationFile) invitation() (api.Invitation, error) {
	switch f.Kind {
	case api.KindHandle:
		return api.Invitation{Handle: &handshake.HandleInvitation{
			Handle:                  f.Handle,
			Title:                   f.Title,
			ConnectionInfo:          f.ConnectionInfo,
			OfferHash:               f.OfferHash,
			PackageHash:             f.PackageHash,
			FriendshipPackageEARKey: f.EARKey,
		}}, nil
	case api.KindTargeted:
		sender, err := api.ParseUserID(f.Sender)
		if err != nil {
			return api.Invitation{}, err
		}
		return api.Invitation{Targeted: &handshake.TargetedInvitation{
			Sender:                  sender,
			Title:                   f.Title,
			ConnectionInfo:          f.ConnectionInfo,
			FriendshipPackageEARKey: f.EARKey,
		}}, nil
	}
	return api.Invitation{}, fmt.Errorf("invitation kind %q: want %s or %s", f.Kind, api.KindHandle, api.KindTargeted)
}

// ConnectionResult is the JSON form of the connection commands.
type ConnectionResult struct {
	ChatID string          `json:"chat_id"`
	State  handshake.State `json:"state"`
}

func newConnectionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connection",
		Short: "Drive contact handshakes through the session daemon",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "receive <invitation.json|->",
		Short: "Record an incoming invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var file InvitationFile
			if err := json.Unmarshal(content, &file); err != nil {
				return fmt.Errorf("parse invitation: %w", err)
			}
			inv, err := file.invitation()
			if err != nil {
				return err
			}
			return connectionStep(cmd, opts, func(ctx context.Context, c *api.Client) (string, error) {
				return c.ReceiveInvitation(ctx, inv)
			})
		},
	})

	cmd.AddCommand(chatCommand(opts, "review", "Check an invitation and move it to pending acceptance", (*api.Client).ReviewConnection))
	cmd.AddCommand(chatCommand(opts, "reject", "Decline an invitation", (*api.Client).RejectConnection))
	cmd.AddCommand(chatCommand(opts, "cancel", "Delete a pending connection and its chat", (*api.Client).CancelConnection))
	cmd.AddCommand(chatCommand(opts, "state", "Show the handshake state of a chat", nil))

	var members []string
	accept := &cobra.Command{
		Use:   "accept <chat-id>",
		Short: "Accept a reviewed invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]store.UserID, 0, len(members))
			for _, m := range members {
				id, err := api.ParseUserID(m)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return connectionStep(cmd, opts, func(ctx context.Context, c *api.Client) (string, error) {
				return args[0], c.AcceptConnection(ctx, args[0], ids)
			})
		},
	}
	accept.Flags().StringSliceVar(&members, "member", nil, "additional member as uuid@domain (repeatable)")
	cmd.AddCommand(accept)

	return cmd
}

func chatCommand(opts *RootOptions, name, short string, call func(*api.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <chat-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return connectionStep(cmd, opts, func(ctx context.Context, c *api.Client) (string, error) {
				if call == nil {
					return args[0], nil
				}
				return args[0], call(c, ctx, args[0])
			})
		},
	}
}

// connectionStep runs step against the daemon and prints the chat's state
// afterwards.
func connectionStep(cmd *cobra.Command, opts *RootOptions, step func(ctx context.Context, c *api.Client) (string, error)) error {
	var res ConnectionResult
	err := withDaemon(cmd.Context(), opts, func(ctx context.Context, c *api.Client) error {
		id, err := step(ctx, c)
		if err != nil {
			return err
		}
		res.ChatID = id
		res.State, err = c.ConnectionState(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	if opts.JSON {
		return outputJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Chat %s: %s\n", res.ChatID, res.State)
	return nil
}
