package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/phnx-im/air-sub001/internal/handshake"
	"github.com/phnx-im/air-sub001/internal/store"
)

// Invitation kinds carried in the "kind" field of ReceiveInvitation.
const (
	KindHandle   = "handle"
	KindTargeted = "targeted"
)

// Invitation is one incoming invitation. Exactly one field is set.
type Invitation struct {
	Handle   *handshake.HandleInvitation
	Targeted *handshake.TargetedInvitation
}

// ParseOperationType accepts the stored operation type names.
func ParseOperationType(s string) (store.OperationType, error) {
	switch t := store.OperationType(s); t {
	case store.OperationLeave, store.OperationDelete, store.OperationOther:
		return t, nil
	}
	return "", fmt.Errorf("unknown operation type %q", s)
}

// FormatUserID renders id as uuid@domain.
func FormatUserID(id store.UserID) string {
	return id.UUID + "@" + id.Domain
}

// ParseUserID reverses FormatUserID.
func ParseUserID(s string) (store.UserID, error) {
	uuid, domain, ok := strings.Cut(s, "@")
	if !ok || uuid == "" || domain == "" {
		return store.UserID{}, fmt.Errorf("user id %q: want uuid@domain", s)
	}
	return store.UserID{UUID: uuid, Domain: domain}, nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func encodeInvitation(inv Invitation) (*structpb.Struct, error) {
	var m map[string]any
	switch {
	case inv.Handle != nil:
		h := inv.Handle
		m = map[string]any{
			"kind":            KindHandle,
			"handle":          h.Handle,
			"title":           h.Title,
			"connection_info": b64(h.ConnectionInfo),
			"offer_hash":      b64(h.OfferHash),
			"package_hash":    b64(h.PackageHash),
			"ear_key":         b64(h.FriendshipPackageEARKey),
		}
	case inv.Targeted != nil:
		tg := inv.Targeted
		m = map[string]any{
			"kind":            KindTargeted,
			"sender":          FormatUserID(tg.Sender),
			"title":           tg.Title,
			"connection_info": b64(tg.ConnectionInfo),
			"ear_key":         b64(tg.FriendshipPackageEARKey),
		}
	default:
		return nil, errors.New("empty invitation")
	}
	return structpb.NewStruct(m)
}

// fields reads string and base64 fields out of a Struct, keeping the first
// error.
type fields struct {
	s   *structpb.Struct
	err error
}

func (f *fields) str(name string) string {
	return f.s.GetFields()[name].GetStringValue()
}

func (f *fields) bytes(name string) []byte {
	v := f.str(name)
	if v == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("field %s: %w", name, err)
	}
	return b
}

func decodeInvitation(s *structpb.Struct) (Invitation, error) {
	f := &fields{s: s}
	switch kind := f.str("kind"); kind {
	case KindHandle:
		inv := &handshake.HandleInvitation{
			Handle:                  f.str("handle"),
			Title:                   f.str("title"),
			ConnectionInfo:          f.bytes("connection_info"),
			OfferHash:               f.bytes("offer_hash"),
			PackageHash:             f.bytes("package_hash"),
			FriendshipPackageEARKey: f.bytes("ear_key"),
		}
		return Invitation{Handle: inv}, f.err
	case KindTargeted:
		sender, err := ParseUserID(f.str("sender"))
		if err != nil {
			return Invitation{}, err
		}
		inv := &handshake.TargetedInvitation{
			Sender:                  sender,
			Title:                   f.str("title"),
			ConnectionInfo:          f.bytes("connection_info"),
			FriendshipPackageEARKey: f.bytes("ear_key"),
		}
		return Invitation{Targeted: inv}, f.err
	default:
		return Invitation{}, fmt.Errorf("unknown invitation kind %q", kind)
	}
}

func encodeAccept(chatID string, members []store.UserID) (*structpb.Struct, error) {
	list := make([]any, 0, len(members))
	for _, m := range members {
		list = append(list, FormatUserID(m))
	}
	return structpb.NewStruct(map[string]any{"chat_id": chatID, "members": list})
}

func decodeAccept(s *structpb.Struct) (string, []store.UserID, error) {
	chatID := s.GetFields()["chat_id"].GetStringValue()
	if chatID == "" {
		return "", nil, errors.New("missing chat id")
	}
	var members []store.UserID
	for _, v := range s.GetFields()["members"].GetListValue().GetValues() {
		id, err := ParseUserID(v.GetStringValue())
		if err != nil {
			return "", nil, err
		}
		members = append(members, id)
	}
	return chatID, members, nil
}
