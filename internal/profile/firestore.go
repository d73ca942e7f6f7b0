package profile

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/veramed/caregate/internal/log"
	"github.com/veramed/caregate/internal/roles"
)

// FirestoreStore persists profile roles in Google Cloud Firestore.
//
// Error handling strategy mirrors the rest of the gateway: reads return
// errors (role resolution degrades to the next source), writes return errors
// to the caller which logs and continues.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

var _ Store = (*FirestoreStore)(nil)

// profileDoc is the Firestore document shape for a user profile.
type profileDoc struct {
	UserID    string    `firestore:"user_id"`
	Role      string    `firestore:"role"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// NewFirestoreStore creates a Firestore-backed profile store.
func NewFirestoreStore(ctx context.Context, projectID, database, collection string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	log.LogInfoWithFields("profile", "Firestore profile store ready", map[string]any{
		"project":    projectID,
		"collection": collection,
	})

	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) GetRole(ctx context.Context, userID string) (roles.Role, error) {
	if userID == "" {
		return roles.RoleUnassigned, ErrProfileNotFound
	}

	snap, err := s.client.Collection(s.collection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return roles.RoleUnassigned, ErrProfileNotFound
		}
		return roles.RoleUnassigned, fmt.Errorf("getting profile: %w", err)
	}

	var doc profileDoc
	if err := snap.DataTo(&doc); err != nil {
		return roles.RoleUnassigned, fmt.Errorf("decoding profile: %w", err)
	}
	return roles.Parse(doc.Role), nil
}

func (s *FirestoreStore) SetRole(ctx context.Context, userID string, role roles.Role) error {
	if userID == "" {
		return fmt.Errorf("user id cannot be empty")
	}

	_, err := s.client.Collection(s.collection).Doc(userID).Set(ctx, profileDoc{
		UserID:    userID,
		Role:      string(role),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("setting profile: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteRole(ctx context.Context, userID string) error {
	_, err := s.client.Collection(s.collection).Doc(userID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("deleting profile: %w", err)
	}
	return nil
}

// ListUserIDs returns every user id with a stored profile. Used by admin
// tooling; not on any request path.
func (s *FirestoreStore) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing profiles: %w", err)
		}
		ids = append(ids, snap.Ref.ID)
	}
	return ids, nil
}

// Close releases the underlying Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
