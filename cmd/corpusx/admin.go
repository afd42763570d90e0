package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/ssd-technologies/corpusx/internal/artifact"
	"github.com/ssd-technologies/corpusx/internal/crypto"
	"github.com/ssd-technologies/corpusx/internal/pairing"
	"github.com/ssd-technologies/corpusx/internal/remote"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

func cmdSendKey(args []string) error {
	fs := pflag.NewFlagSet("send-key", pflag.ContinueOnError)
	keyID := fs.Int64("key-id", 0, "local key paired with the peer")
	var self pairing.Address
	fs.StringVar(&self.Host, "host", "", "hostname the peer should call back")
	fs.IntVar(&self.Port, "port", 0, "port the peer should call back")
	fs.StringVar(&self.Protocol, "protocol", "https", "protocol the peer should call back with")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *keyID == 0 {
		return errors.New("--key-id is required")
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	sealer, err := crypto.NewSealer(cfg.Server.Secret)
	if err != nil {
		return err
	}

	k, err := remote.OfferKey(context.Background(), db, pairing.NewService(db, sealer), *keyID, self,
		remote.WithTimeout(cfg.Remote.Timeout))
	if err != nil {
		return err
	}
	fmt.Printf("sent key %d (%s)\n", k.ID, k.Name)
	return nil
}

func cmdGrant(args []string) error {
	fs := pflag.NewFlagSet("grant", pflag.ContinueOnError)
	keyID := fs.Int64("key-id", 0, "key to change")
	topics := fs.StringSlice("topic", nil, "topics by name")
	projects := fs.Int64Slice("project-id", nil, "projects by id")
	revoke := fs.Bool("revoke", false, "remove the grants instead of adding them")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *keyID == 0 {
		return errors.New("--key-id is required")
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return grantAccess(context.Background(), db, *keyID, *topics, *projects, *revoke)
}

// grantAccess adds or removes topic and project grants of a key. Every name
// and id is resolved before anything changes.
func grantAccess(ctx context.Context, db *storage.DB, keyID int64, topics []string, projectIDs []int64, revoke bool) error {
	if _, err := db.GetAPIKey(ctx, keyID); err != nil {
		return fmt.Errorf("key %d: %w", keyID, err)
	}
	topicIDs := make([]int64, 0, len(topics))
	for _, name := range topics {
		t, err := db.GetTopicByName(ctx, name)
		if err != nil {
			return fmt.Errorf("topic %q: %w", name, err)
		}
		topicIDs = append(topicIDs, t.ID)
	}
	for _, id := range projectIDs {
		if _, err := db.GetProject(ctx, id); err != nil {
			return fmt.Errorf("project %d: %w", id, err)
		}
	}

	for _, id := range topicIDs {
		var err error
		if revoke {
			err = db.RevokeTopic(ctx, keyID, id)
		} else {
			err = db.GrantTopic(ctx, keyID, id)
		}
		if err != nil {
			return err
		}
	}
	for _, id := range projectIDs {
		var err error
		if revoke {
			err = db.RevokeProject(ctx, keyID, id)
		} else {
			err = db.GrantProject(ctx, keyID, id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func cmdDeleteFile(args []string) error {
	fs := pflag.NewFlagSet("delete-file", pflag.ContinueOnError)
	id := fs.Int64("id", 0, "file to delete")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *id == 0 {
		return errors.New("--id is required")
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	arts, err := artifact.NewStore(filepath.Join(cfg.Server.DataDir, "artifacts"))
	if err != nil {
		return err
	}
	return deleteFile(context.Background(), db, arts, *id)
}

// deleteFile removes the file record first so a failed content delete leaves
// an orphan artifact rather than a file without content.
func deleteFile(ctx context.Context, db *storage.DB, arts *artifact.Store, id int64) error {
	f, err := db.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if err := db.DeleteFile(ctx, id); err != nil {
		return err
	}
	if f.ArtifactID == "" {
		return nil
	}
	return arts.Delete(f.ArtifactID)
}
