// Package session defines the keyed store that records the latest session
// token issued to each subject.
//
// There is one record per subject. A new login overwrites the previous record,
// and records disappear once they expire, either through native expiry in the
// backing store or an explicit sweep.
//
// Implementations:
//
//	memstore.New()                              // single process, tests
//	redisstore.New(client)                      // shared, native TTL
//	sqlstore.New(db, sqlstore.DialectPostgres)  // shared, swept
package session

import (
	"context"
	"time"

	"github.com/dpup/authrelay/errors"
	"google.golang.org/grpc/codes"
)

var (
	// ErrUnavailable is returned when the backing store can not be reached. It
	// is the only error callers should retry.
	ErrUnavailable = errors.NewC("session: store unavailable", codes.Unavailable).
			WithReason("transient_failure")

	// ErrInvalidRecord is returned when a record is rejected before it reaches
	// the store, e.g. an empty subject or non-positive ttl.
	ErrInvalidRecord = errors.NewC("session: invalid record", codes.InvalidArgument).
				WithReason("invalid_request")
)

// Store persists the latest token for each subject.
//
// Writes are whole-record overwrites, so concurrent puts for the same subject
// leave exactly one of the written tokens in place.
type Store interface {
	// Put stores token for subject, replacing any existing record. The record
	// expires after ttl.
	Put(ctx context.Context, subject, token string, ttl time.Duration) error

	// Get returns the token stored for subject. The boolean is false when the
	// record is absent or expired. The two cases are not distinguished.
	Get(ctx context.Context, subject string) (string, bool, error)

	// Delete removes the record for subject. Deleting an absent record is not
	// an error.
	Delete(ctx context.Context, subject string) error
}

// Record is the persisted value of a session.
type Record struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the record is no longer valid at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// NewRecord validates the arguments to Put and builds the record to persist.
func NewRecord(subject, token string, ttl time.Duration, now time.Time) (Record, error) {
	switch {
	case subject == "":
		return Record{}, errors.Cause(ErrInvalidRecord, errors.New("empty subject"))
	case token == "":
		return Record{}, errors.Cause(ErrInvalidRecord, errors.New("empty token"))
	case ttl <= 0:
		return Record{}, errors.Cause(ErrInvalidRecord, errors.Errorf("ttl must be positive, got %s", ttl))
	}
	return Record{Token: token, ExpiresAt: now.Add(ttl)}, nil
}

// Unavailable marks err as ErrUnavailable, keeping it as the cause. Nil stays
// nil.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return errors.Cause(ErrUnavailable, err)
}
