package handshake

import (
	"net/url"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// LinkPrefix starts every invitation link.
const LinkPrefix = "air://connect/"

// InvitationLink returns the link another client opens to invite handle.
func InvitationLink(handle string) string {
	return LinkPrefix + url.PathEscape(handle)
}

// InvitationQR renders the invitation link for handle as a PNG of size
// pixels.
func InvitationQR(handle string, size int) ([]byte, error) {
	return qrcode.Encode(InvitationLink(handle), qrcode.Medium, size)
}

// InvitationQRText renders the invitation link for handle for a terminal,
// using Unicode half-blocks. Two bitmap rows become one line.
func InvitationQRText(handle string) (string, error) {
	qr, err := qrcode.New(InvitationLink(handle), qrcode.Low)
	if err != nil {
		return "", err
	}
	bitmap := qr.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String(), nil
}
