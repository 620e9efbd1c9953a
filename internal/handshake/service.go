package handshake

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/phnx-im/air-sub001/internal/bus"
	"github.com/phnx-im/air-sub001/internal/dsclient"
	"github.com/phnx-im/air-sub001/internal/logging"
	"github.com/phnx-im/air-sub001/internal/store"
)

// DefaultInvitationTTL is how long an unanswered invitation is kept.
const DefaultInvitationTTL = 14 * 24 * time.Hour

// PayloadFetcher returns the handshake payload published for a handle.
type PayloadFetcher interface {
	ConnectionPayload(ctx context.Context, handle string) (*dsclient.Payload, error)
}

// HandleInvitation is a contact request that arrived through a username
// handle. The hashes commit to the payload the server publishes for it.
type HandleInvitation struct {
	Handle                  string
	Title                   string
	ConnectionInfo          []byte
	OfferHash               []byte
	PackageHash             []byte
	FriendshipPackageEARKey []byte
}

// TargetedInvitation is a contact request sent directly by Sender.
type TargetedInvitation struct {
	Sender                  store.UserID
	Title                   string
	ConnectionInfo          []byte
	FriendshipPackageEARKey []byte
}

// Service runs handshake transitions against the store.
type Service struct {
	db      *store.DB
	fetcher PayloadFetcher
	bus     *bus.Bus
	logger  *zap.Logger
	clock   clock.Clock
	ttl     time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a handshake service. A zero ttl uses
// DefaultInvitationTTL.
func NewService(db *store.DB, fetcher PayloadFetcher, b *bus.Bus, logger *zap.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultInvitationTTL
	}
	return &Service{
		db:      db,
		fetcher: fetcher,
		bus:     b,
		logger:  logging.OrNop(logger),
		clock:   clock.New(),
		ttl:     ttl,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(c clock.Clock) { s.clock = c }

// Current returns the handshake state of a chat. Unknown chats and plain
// group chats are NoContact.
func (s *Service) Current(ctx context.Context, chatID string) (State, error) {
	c, err := s.db.GetChat(ctx, chatID)
	if err != nil || c == nil {
		return NoContact, err
	}
	return stateOf(c.ConnectionState), nil
}

// ReceiveHandleInvitation records an incoming handle invitation in Invited.
func (s *Service) ReceiveHandleInvitation(ctx context.Context, inv HandleInvitation) (*store.Chat, error) {
	if inv.Handle == "" {
		return nil, fmt.Errorf("%w: empty handle", ErrInvalidInvitation)
	}
	if len(inv.OfferHash) != sha256.Size || len(inv.PackageHash) != sha256.Size {
		return nil, fmt.Errorf("%w: missing connection hashes", ErrInvalidInvitation)
	}
	if err := checkTransition(NoContact, Invited); err != nil {
		return nil, err
	}
	chat, err := s.db.StoreHandleInvitation(ctx,
		&store.Chat{IsIncoming: true, Title: inv.Title, ConnectionState: Invited.column()},
		&store.PendingConnection{
			ConnectionInfo:        inv.ConnectionInfo,
			Handle:                inv.Handle,
			ConnectionOfferHash:   inv.OfferHash,
			ConnectionPackageHash: inv.PackageHash,
		},
		&store.UsernameContact{
			Username:                inv.Handle,
			FriendshipPackageEARKey: inv.FriendshipPackageEARKey,
			ConnectionOfferHash:     inv.OfferHash,
		})
	if err != nil {
		return nil, fmt.Errorf("receive handle invitation: %w", err)
	}
	s.publish(chat.ChatID, NoContact, Invited)
	return chat, nil
}

// ReceiveTargetedInvitation records an incoming targeted invitation in
// Invited. A sender with an invitation already pending gets
// *DuplicateInvitationError and the stored one is left untouched.
func (s *Service) ReceiveTargetedInvitation(ctx context.Context, inv TargetedInvitation) (*store.Chat, error) {
	if err := checkTransition(NoContact, Invited); err != nil {
		return nil, err
	}
	chat, err := s.db.StoreTargetedInvitation(ctx,
		&store.Chat{IsIncoming: true, Title: inv.Title, ConnectionState: Invited.column()},
		&store.PendingConnection{ConnectionInfo: inv.ConnectionInfo},
		&store.TargetedMessageContact{UserID: inv.Sender, FriendshipPackageEARKey: inv.FriendshipPackageEARKey})
	if errors.Is(err, store.ErrDuplicateTargetedContact) {
		return nil, &DuplicateInvitationError{Sender: inv.Sender}
	}
	if err != nil {
		return nil, fmt.Errorf("receive targeted invitation: %w", err)
	}
	s.publish(chat.ChatID, NoContact, Invited)
	return chat, nil
}

// Review moves an invitation to PendingAcceptance. For handle invitations
// the payload published on the server is checked against the stored hashes
// first. A mismatch deletes the invitation and returns *IntegrityError. A
// failure to reach the server leaves it Invited.
func (s *Service) Review(ctx context.Context, chatID string) error {
	from, err := s.Current(ctx, chatID)
	if err != nil {
		return err
	}
	if from != Invited {
		return &StateError{ChatID: chatID, State: from, Op: "review"}
	}
	pc, err := s.db.PendingConnection(ctx, chatID)
	if err != nil {
		return err
	}
	if pc == nil {
		return &StateError{ChatID: chatID, State: from, Op: "review"}
	}

	if pc.Handle != "" {
		payload, err := s.fetcher.ConnectionPayload(ctx, pc.Handle)
		if err != nil {
			return fmt.Errorf("fetch connection payload: %w", err)
		}
		if field := verify(pc, payload); field != "" {
			if _, err := s.db.DeleteChat(ctx, chatID); err != nil {
				return err
			}
			s.logger.Warn("handshake payload does not match invitation, discarded",
				zap.String("chat_id", chatID), zap.String("field", field))
			s.publish(chatID, from, NoContact)
			return &IntegrityError{ChatID: chatID, Field: field}
		}
	}

	if err := s.db.SetConnectionState(ctx, chatID, from.column(), PendingAcceptance.column()); err != nil {
		return err
	}
	s.publish(chatID, from, PendingAcceptance)
	return nil
}

// verify returns the name of the first hash that does not match payload,
// or "" if both do.
func verify(pc *store.PendingConnection, payload *dsclient.Payload) string {
	offer := sha256.Sum256(payload.Offer)
	if subtle.ConstantTimeCompare(offer[:], pc.ConnectionOfferHash) != 1 {
		return "connection_offer_hash"
	}
	pkg := sha256.Sum256(payload.Package)
	if subtle.ConstantTimeCompare(pkg[:], pc.ConnectionPackageHash) != 1 {
		return "connection_package_hash"
	}
	return ""
}

// Accept connects a chat in PendingAcceptance. The own user and, for
// targeted invitations, the sender are added to members. All of it is one
// transaction.
func (s *Service) Accept(ctx context.Context, chatID string, members []store.UserID) error {
	from, err := s.Current(ctx, chatID)
	if err != nil {
		return err
	}
	if from != PendingAcceptance {
		return &StateError{ChatID: chatID, State: from, Op: "accept"}
	}

	var all []store.UserID
	own, err := s.db.OwnClient(ctx)
	if err != nil {
		return err
	}
	if own != nil {
		all = append(all, own.UserID)
	}
	tc, err := s.db.TargetedContact(ctx, chatID)
	if err != nil {
		return err
	}
	if tc != nil {
		all = append(all, tc.UserID)
	}
	all = appendUnique(all, members...)

	if err := s.db.CompleteConnection(ctx, chatID, from.column(), all); err != nil {
		return err
	}
	s.logger.Info("connection established", zap.String("chat_id", chatID), zap.Int("members", len(all)))
	s.publish(chatID, from, Connected)
	return nil
}

func appendUnique(list []store.UserID, more ...store.UserID) []store.UserID {
	seen := make(map[store.UserID]bool, len(list)+len(more))
	out := make([]store.UserID, 0, len(list)+len(more))
	for _, u := range append(list, more...) {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// Reject declines an invitation and drops its pending rows.
func (s *Service) Reject(ctx context.Context, chatID string) error {
	return s.discard(ctx, chatID, Rejected)
}

func (s *Service) discard(ctx context.Context, chatID string, to State) error {
	from, err := s.Current(ctx, chatID)
	if err != nil {
		return err
	}
	if err := checkTransition(from, to); err != nil {
		return &StateError{ChatID: chatID, State: from, Op: "discard"}
	}
	if err := s.db.DiscardConnection(ctx, chatID, from.column(), to.column()); err != nil {
		return err
	}
	s.publish(chatID, from, to)
	return nil
}

// Cancel deletes a pending connection request together with its chat.
func (s *Service) Cancel(ctx context.Context, chatID string) error {
	from, err := s.Current(ctx, chatID)
	if err != nil {
		return err
	}
	if err := checkTransition(from, NoContact); err != nil {
		return &StateError{ChatID: chatID, State: from, Op: "cancel"}
	}
	if _, err := s.db.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	s.publish(chatID, from, NoContact)
	return nil
}

// ExpireStale moves invitations older than the TTL to Expired. Returns how
// many were expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.ttl).UnixMilli()
	chats, err := s.db.ListConnectionsCreatedBefore(ctx,
		[]string{Invited.column(), PendingAcceptance.column()}, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range chats {
		from := stateOf(c.ConnectionState)
		err := s.db.DiscardConnection(ctx, c.ChatID, c.ConnectionState, Expired.column())
		if errors.Is(err, store.ErrStateChanged) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		s.publish(c.ChatID, from, Expired)
	}
	return n, nil
}

// Start runs ExpireStale every interval until Stop.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.sweep(ctx, interval)
}

// Stop stops the sweep loop.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Service) sweep(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.ExpireStale(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("failed to expire invitations", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("invitations expired", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) publish(chatID string, from, to State) {
	s.bus.Emit(bus.HandshakeChanged, StateChange{ChatID: chatID, From: from, To: to})
}
