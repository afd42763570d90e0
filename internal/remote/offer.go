package remote

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/corpusx/internal/crypto"
	"github.com/ssd-technologies/corpusx/internal/integrity"
	"github.com/ssd-technologies/corpusx/internal/pairing"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

// PeerClient creates a client for the server paired with keyID, at the
// address recorded by the pairing.
func PeerClient(ctx context.Context, pairs *pairing.Service, keyID int64, opts ...Option) (*Client, error) {
	peer, err := pairs.Peer(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("pairing for key %d: %w", keyID, err)
	}
	return NewPeerClient(peer, opts...), nil
}

// OfferKey issues a new local key and hands it to the server paired with
// keyID, so the peer can call us back at self. The new key is returned; the
// raw value is not stored.
func OfferKey(ctx context.Context, db *storage.DB, pairs *pairing.Service, keyID int64, self pairing.Address, opts ...Option) (*storage.APIKey, error) {
	if self.Host == "" {
		return nil, fmt.Errorf("offer key: own hostname is required")
	}
	client, err := PeerClient(ctx, pairs, keyID, opts...)
	if err != nil {
		return nil, err
	}

	raw, err := crypto.GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	k := &storage.APIKey{Name: "peer " + client.BaseURL(), KeyHash: integrity.HashAPIKey(raw)}
	if err := db.CreateAPIKey(ctx, k); err != nil {
		return nil, err
	}
	if err := client.SendKey(ctx, raw, self); err != nil {
		return nil, fmt.Errorf("offer key to %s: %w", client.BaseURL(), err)
	}
	return k, nil
}
