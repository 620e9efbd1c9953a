package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/phnx-im/air-sub001/internal/handshake"
)

func newInviteCommand(opts *RootOptions) *cobra.Command {
	var (
		output string
		size   int
	)

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Share a handle for others to connect to",
	}
	qr := &cobra.Command{
		Use:   "qr <handle>",
		Short: "Render the invitation link for a handle as a QR code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle := args[0]
			if output != "" {
				png, err := handshake.InvitationQR(handle, size)
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, png, 0644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
				return nil
			}
			text, err := handshake.InvitationQRText(handle)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			fmt.Fprintln(cmd.OutOrStdout(), handshake.InvitationLink(handle))
			return nil
		},
	}
	qr.Flags().StringVarP(&output, "output", "o", "", "write a PNG instead of printing")
	qr.Flags().IntVar(&size, "size", 256, "PNG size in pixels")
	cmd.AddCommand(qr)
	return cmd
}
