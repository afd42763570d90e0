// Package pairing links a local API key to a peer server. The raw key the
// peer issued to us is stored sealed and only revealed when an outbound call
// needs it.
package pairing

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ssd-technologies/corpusx/internal/crypto"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

// ErrInvalidSignature is returned when a stored token fails verification,
// typically after the server secret was rotated.
var ErrInvalidSignature = crypto.ErrInvalidSignature

// Address locates a peer server.
type Address struct {
	Protocol string `json:"protocol"`
	Host     string `json:"hostname"`
	Port     int    `json:"port"`
}

// BaseURL renders the address as scheme://host:port.
func (a Address) BaseURL() string {
	proto := strings.ToLower(a.Protocol)
	if proto == "" {
		proto = "http"
	}
	if a.Port == 0 {
		return proto + "://" + a.Host
	}
	return proto + "://" + net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Peer is everything an outbound call to a paired server needs.
type Peer struct {
	BaseURL string
	Key     string
}

// Service stores and reveals remote pairings.
type Service struct {
	db     *storage.DB
	sealer *crypto.Sealer
}

// NewService creates a pairing service.
func NewService(db *storage.DB, sealer *crypto.Sealer) *Service {
	return &Service{db: db, sealer: sealer}
}

// Pair seals remoteRawKey and links it, with the peer address, to the local
// key. A previous pairing of the same key is replaced.
func (s *Service) Pair(ctx context.Context, localKeyID int64, remoteRawKey string, addr Address) (*storage.APIKeyRemote, error) {
	if remoteRawKey == "" || addr.Host == "" {
		return nil, fmt.Errorf("pair: remote key and host are required")
	}
	token, err := s.sealer.Seal([]byte(remoteRawKey))
	if err != nil {
		return nil, fmt.Errorf("pair: %w", err)
	}
	proto := strings.ToLower(addr.Protocol)
	if proto == "" {
		proto = "http"
	}
	r := &storage.APIKeyRemote{
		Name:     addr.Host,
		Token:    token,
		Hostname: addr.Host,
		Protocol: proto,
		Port:     addr.Port,
	}
	if err := s.db.SetRemote(ctx, localKeyID, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Reveal returns the raw remote key paired with localKeyID.
func (s *Service) Reveal(ctx context.Context, localKeyID int64) ([]byte, error) {
	r, err := s.db.GetRemoteForKey(ctx, localKeyID)
	if err != nil {
		return nil, err
	}
	raw, err := s.sealer.Open(r.Token)
	if err != nil {
		return nil, fmt.Errorf("reveal key %d: %w", localKeyID, err)
	}
	return raw, nil
}

// Peer returns the base URL and raw key for calling the paired server.
func (s *Service) Peer(ctx context.Context, localKeyID int64) (*Peer, error) {
	r, err := s.db.GetRemoteForKey(ctx, localKeyID)
	if err != nil {
		return nil, err
	}
	raw, err := s.Reveal(ctx, localKeyID)
	if err != nil {
		return nil, err
	}
	addr := Address{Protocol: r.Protocol, Host: r.Hostname, Port: r.Port}
	return &Peer{BaseURL: addr.BaseURL(), Key: string(raw)}, nil
}
