package remote

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/corpusx/internal/relay"
	"github.com/ssd-technologies/corpusx/internal/search"
)

// Result artifacts are pushed under this name and category.
const (
	ResultArtifactName = "search_result.json"
	ResultCategory     = "search_result"
)

// HostUplink carries a node's search outcomes to its host.
type HostUplink struct {
	client *Client
	node   string
}

var _ search.Uplink = (*HostUplink)(nil)

// NewHostUplink creates an uplink for the named node.
func NewHostUplink(client *Client, node string) *HostUplink {
	return &HostUplink{client: client, node: node}
}

// DeliverResult registers a search result on the host and uploads the
// document as its artifact.
func (u *HostUplink) DeliverResult(ctx context.Context, job search.Job, document []byte) (int64, error) {
	sr, err := u.client.CreateSearchResult(ctx, SearchResultRequest{
		Pyre:        job.Pyre,
		Node:        u.node,
		SessionID:   job.SessionID,
		ClientID:    job.ClientID,
		SearchQuery: job.Term,
	})
	if err != nil {
		return 0, fmt.Errorf("create search result: %w", err)
	}
	_, err = u.client.Deliver(ctx, Artifact{
		Name:     ResultArtifactName,
		Category: ResultCategory,
		Data:     document,
	}, Target{SearchResultID: sr.ID})
	if err != nil {
		return sr.ID, err
	}
	return sr.ID, nil
}

// Notify relays message to the job's session. Jobs without a session have
// nobody to tell.
func (u *HostUplink) Notify(ctx context.Context, job search.Job, message string) error {
	if job.SessionID == "" {
		return nil
	}
	return u.client.NotifyMessage(ctx, job.SessionID, job.ClientID, Notification{
		Message:     message,
		RequestType: relay.RequestSearch,
		SenderID:    u.node,
		ChannelType: relay.RequestSearchResult,
		PyreName:    job.Pyre,
	})
}
