// Package remote carries the jobs.Store contract over HTTP so a job can run
// on a separate worker while the control plane keeps the durable state.
//
// Every message is a securecookie value named after the job id, so one pair
// of shared keys both authenticates the sender and binds the message to a
// single job.
package remote

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/securecookie"
)

// MaxAge bounds how old a sealed message may be.
const MaxAge = 5 * time.Minute

// Codec seals and opens callback payloads.
type Codec struct {
	sc *securecookie.SecureCookie
}

// NewCodec takes a 32 or 64 byte hash key and a 16, 24 or 32 byte block key.
func NewCodec(hashKey, blockKey []byte) (*Codec, error) {
	if len(hashKey) < 32 {
		return nil, fmt.Errorf("remote: hash key must be at least 32 bytes")
	}
	switch len(blockKey) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("remote: block key must be 16, 24 or 32 bytes")
	}
	sc := securecookie.New(hashKey, blockKey)
	sc.SetSerializer(securecookie.JSONEncoder{})
	sc.MaxAge(int(MaxAge / time.Second))
	sc.MaxLength(0)
	return &Codec{sc: sc}, nil
}

func name(jobID int64) string { return "job-" + strconv.FormatInt(jobID, 10) }

// Seal encodes v for jobID.
func (c *Codec) Seal(jobID int64, v any) (string, error) {
	return c.sc.Encode(name(jobID), v)
}

// Open decodes a value sealed for jobID into v. Values sealed for another
// job, with other keys, or older than MaxAge are rejected.
func (c *Codec) Open(jobID int64, sealed string, v any) error {
	return c.sc.Decode(name(jobID), sealed, v)
}

// ticket is the body-less proof carried by GET callbacks.
type ticket struct {
	JobID int64 `json:"job_id"`
}
