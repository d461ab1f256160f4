package worker

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/matchengine/pkg/api"
)

// Class is the retry decision for a failure.
type Class int

const (
	// ClassFatal failures stop the pool.
	ClassFatal Class = iota
	// ClassTransient failures re-enqueue the identical task.
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "fatal"
}

// Server error codes reported on connection loss, replica set failover and
// server-side cursor expiry.
var transientCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	43,    // CursorNotFound
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	189,   // PrimarySteppedDown
	9001,  // SocketException
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
	13436, // NotPrimaryOrSecondary
}

var duplicateKeyCodes = []int{11000, 11001, 12582}

// Classify maps a failure to its retry decision. It is pure and safe for
// concurrent use.
func Classify(err error) Class {
	if IsTransient(err) {
		return ClassTransient
	}
	return ClassFatal
}

// IsTransient reports whether err signals a recoverable store condition:
// a lost connection, a failover or an expired cursor.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, api.ErrTransient) {
		return true
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		for _, code := range transientCodes {
			if se.HasErrorCode(code) {
				return true
			}
		}
	}
	return false
}

// IsDuplicateKeyOnly reports whether err is a bulk write failure made up
// solely of duplicate key write errors.
func IsDuplicateKeyOnly(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return false
	}
	if bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if !isDuplicateKeyCode(we.Code) {
			return false
		}
	}
	return true
}

func isDuplicateKeyCode(code int) bool {
	for _, c := range duplicateKeyCodes {
		if c == code {
			return true
		}
	}
	return false
}
